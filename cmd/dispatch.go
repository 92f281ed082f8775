// cmd/dispatch.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aether-media/vidforge/internal/dispatch"
)

var (
	dispatchWorkerURL  string
	dispatchRetryDelay time.Duration
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the dispatcher that pushes queued jobs to the worker",
	Long: `Start the dispatch loop: promote due scheduled jobs, read deliveries
from the queue and POST each one to the worker URL. Unacked deliveries
are reclaimed and retried until the max-attempts bound, then moved to
the dead-letter queue.`,
	Run: runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	client, cfg, err := connectQueue(ctx)
	if err != nil {
		fail(err)
	}
	defer client.Close()

	if err := client.EnsureConsumerGroup(ctx); err != nil {
		fail(fmt.Errorf("ensure consumer group: %w", err))
	}

	workerURL := cfg.WorkerURL
	if dispatchWorkerURL != "" {
		workerURL = dispatchWorkerURL
	}

	d := dispatch.New(client, dispatch.Config{
		WorkerURL:     workerURL,
		MaxDispatches: cfg.MaxDispatches,
		MaxConcurrent: cfg.MaxConcurrent,
		RetryDelay:    dispatchRetryDelay,
		LogFn:         workerLog,
	})

	if err := d.Run(ctx); err != nil {
		fail(fmt.Errorf("dispatcher: %w", err))
	}
}

func init() {
	rootCmd.AddCommand(dispatchCmd)

	dispatchCmd.Flags().StringVar(&dispatchWorkerURL, "worker-url", "", "Worker endpoint (default: VIDFORGE_WORKER_URL)")
	dispatchCmd.Flags().DurationVar(&dispatchRetryDelay, "retry-delay", 60*time.Second, "Delay before an unacked delivery is retried")
}
