// cmd/batch.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aether-media/vidforge/internal/flows"
	"github.com/aether-media/vidforge/internal/queue"
)

var (
	batchTopics     []string
	batchTopicsFile string
	batchDuration   int
	batchFlow       string
	batchStagger    time.Duration
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Enqueue a staggered batch of video jobs",
	Long: `Enqueue one job per topic, staggered so the batch doesn't burst the
downstream generation APIs. Topics come from --topics or one-per-line
from --topics-file.`,
	Run: runBatch,
}

func runBatch(cmd *cobra.Command, args []string) {
	topics, err := collectTopics(batchTopics, batchTopicsFile)
	if err != nil {
		fail(err)
	}
	if len(topics) == 0 {
		fail(fmt.Errorf("no topics given: use --topics or --topics-file"))
	}

	ctx := context.Background()
	client, _, err := connectQueue(ctx)
	if err != nil {
		fail(err)
	}
	defer client.Close()

	items := make([]queue.BatchItem, 0, len(topics))
	for _, topic := range topics {
		items = append(items, queue.BatchItem{
			FlowName: batchFlow,
			Params: map[string]any{
				"topic":    topic,
				"duration": batchDuration,
			},
		})
	}

	taskIDs, err := client.EnqueueBatch(ctx, items, batchStagger)
	if err != nil {
		fail(fmt.Errorf("enqueue batch: %w", err))
	}

	fmt.Printf("Enqueued %d job(s) staggered by %s:\n", len(taskIDs), batchStagger)
	for i, id := range taskIDs {
		fmt.Printf("  %d. %s (%s)\n", i+1, topics[i], id)
	}
}

// collectTopics merges the flag list with the topics file, one per line,
// skipping blanks and # comments.
func collectTopics(topics []string, file string) ([]string, error) {
	out := append([]string{}, topics...)
	if file == "" {
		return out, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open topics file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read topics file: %w", err)
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringSliceVar(&batchTopics, "topics", nil, "Comma-separated topics")
	batchCmd.Flags().StringVar(&batchTopicsFile, "topics-file", "", "File with one topic per line")
	batchCmd.Flags().IntVar(&batchDuration, "duration", 60, "Video duration in seconds")
	batchCmd.Flags().StringVar(&batchFlow, "flow", flows.FlowNameVideo, "Flow to run")
	batchCmd.Flags().DurationVar(&batchStagger, "stagger", 60*time.Second, "Stagger between batch items")
}
