// cmd/single.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aether-media/vidforge/internal/flows"
	"github.com/aether-media/vidforge/internal/queue"
)

var (
	singleTopic       string
	singleDuration    int
	singleAspectRatio string
	singleFlow        string
	singlePremium     bool
	singleDelay       time.Duration
	singleJobID       string
)

var singleCmd = &cobra.Command{
	Use:   "single",
	Short: "Enqueue one video generation job",
	Run:   runSingle,
}

func runSingle(cmd *cobra.Command, args []string) {
	if singleTopic == "" {
		fail(fmt.Errorf("--topic is required"))
	}

	ctx := context.Background()
	client, _, err := connectQueue(ctx)
	if err != nil {
		fail(err)
	}
	defer client.Close()

	params := map[string]any{
		"topic":        singleTopic,
		"duration":     singleDuration,
		"aspect_ratio": singleAspectRatio,
		"premium":      singlePremium,
	}

	taskID, err := client.Enqueue(ctx, singleFlow, params, queue.JobTypeSingle, singleDelay, singleJobID)
	if err != nil {
		fail(fmt.Errorf("enqueue job: %w", err))
	}

	fmt.Printf("Enqueued job (task %s, flow %s, topic %q)\n", taskID, singleFlow, singleTopic)
}

func init() {
	rootCmd.AddCommand(singleCmd)

	singleCmd.Flags().StringVar(&singleTopic, "topic", "", "Video topic (required)")
	singleCmd.Flags().IntVar(&singleDuration, "duration", 60, "Video duration in seconds")
	singleCmd.Flags().StringVar(&singleAspectRatio, "aspect-ratio", "9:16", "Video aspect ratio")
	singleCmd.Flags().StringVar(&singleFlow, "flow", flows.FlowNameVideo, "Flow to run")
	singleCmd.Flags().BoolVar(&singlePremium, "premium", false, "Use a premium video model")
	singleCmd.Flags().DurationVar(&singleDelay, "delay", 0, "Delay before the job becomes due")
	singleCmd.Flags().StringVar(&singleJobID, "job-id", "", "Explicit job ID (default: {flow}_{timestamp})")
}
