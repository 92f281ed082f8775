// cmd/worker.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aether-media/vidforge/internal/config"
	"github.com/aether-media/vidforge/internal/flows"
	"github.com/aether-media/vidforge/internal/history"
	"github.com/aether-media/vidforge/internal/ratelimit"
	"github.com/aether-media/vidforge/internal/useapi"
	"github.com/aether-media/vidforge/internal/worker"
)

var (
	workerPort      int
	workerEmergency bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker HTTP endpoint that executes flow jobs",
	Long: `Start the worker process. The dispatcher POSTs jobs here; each job runs
the named flow against the generation provider, going through the rate
limiter and the account pool. A 200 response acks the job with the queue,
a 500 leaves it pending for retry.`,
	Run: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fail(err)
	}
	if workerPort != 0 {
		cfg.WorkerPort = workerPort
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fail(fmt.Errorf("create data dir: %w", err))
	}

	runs, err := history.Open(cfg.HistoryPath())
	if err != nil {
		fail(fmt.Errorf("open history store: %w", err))
	}
	defer runs.Close()

	pool, err := loadPool(cfg.AccountsFile)
	if err != nil {
		fail(err)
	}
	if workerEmergency {
		pool.SetEmergency(true)
		fmt.Println("Emergency mode: only zero-cost models will be served")
	}

	limiter := ratelimit.New(30)
	limiter.Configure(flows.ServiceVideo, ratelimit.Limits{
		PerSecond: 1, PerMinute: 5, PerHour: 60, PerDay: 400,
	})
	limiter.Configure(flows.ServiceTTS, ratelimit.Limits{
		PerSecond: 2, PerMinute: 20, PerHour: 300,
	})
	limiter.Configure(flows.ServiceImage, ratelimit.Limits{
		PerSecond: 2, PerMinute: 15, PerHour: 200,
	})

	api := useapi.NewClient(useapi.ClientConfig{BaseURL: cfg.UseAPIBaseURL})

	deps := flows.Deps{
		Pool:          pool,
		API:           api,
		Limiter:       limiter,
		FallbackToken: cfg.UseAPIToken,
	}

	registry := flows.NewRegistry()
	registry.Register(flows.NewVideoGeneration(deps))
	registry.Register(flows.NewNarrationOnly(deps))

	srv := worker.NewServer(worker.ServerConfig{
		Port:     cfg.WorkerPort,
		Version:  Version,
		TraceDir: cfg.TraceDir(),
		LogFn:    workerLog,
	}, registry, runs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		workerLog("info", fmt.Sprintf("received signal %v, shutting down", sig))
		cancel()
	}()

	// Credit resync and daily counter resets run alongside the server for
	// its whole lifetime.
	go pool.HealthLoop(ctx, cfg.ResyncInterval, func(ctx context.Context, accountID string) (float64, error) {
		token := pool.Token(accountID)
		if token == "" {
			token = cfg.UseAPIToken
		}
		return api.Credits(ctx, token, accountID)
	}, workerLog)

	if err := srv.Start(ctx); err != nil {
		fail(fmt.Errorf("worker server: %w", err))
	}
}

// workerLog prints timestamped worker output and mirrors it to the debug log.
func workerLog(level, msg string) {
	timestamp := time.Now().Format("15:04:05")
	switch level {
	case "error":
		badColor.Printf("[%s] %s\n", timestamp, msg)
	case "warning":
		warnColor.Printf("[%s] %s\n", timestamp, msg)
	case "success":
		goodColor.Printf("[%s] %s\n", timestamp, msg)
	default:
		fmt.Printf("[%s] %s\n", timestamp, msg)
	}
	Debug("%s: %s", level, msg)
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().IntVar(&workerPort, "port", 0, "Listen port (default: VIDFORGE_WORKER_PORT)")
	workerCmd.Flags().BoolVar(&workerEmergency, "emergency", false, "Restrict the pool to zero-cost models")
}
