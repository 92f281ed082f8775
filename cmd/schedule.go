// cmd/schedule.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aether-media/vidforge/internal/flows"
)

var (
	scheduleDailyCount    int
	scheduleVideosPerHour int
	scheduleTopics        []string
	scheduleTopicsFile    string
	scheduleFlow          string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Spread a day's worth of video jobs across the schedule",
	Long: `Enqueue jobs spread evenly across the day: at N videos per hour the
interval between jobs is 3600/N seconds. Topics beyond --daily-count are
dropped; fewer topics than the count just schedules fewer jobs.`,
	Run: runSchedule,
}

func runSchedule(cmd *cobra.Command, args []string) {
	topics, err := collectTopics(scheduleTopics, scheduleTopicsFile)
	if err != nil {
		fail(err)
	}
	if len(topics) == 0 {
		fail(fmt.Errorf("no topics given: use --topics or --topics-file"))
	}
	if scheduleVideosPerHour <= 0 {
		fail(fmt.Errorf("--videos-per-hour must be positive"))
	}
	if scheduleDailyCount > 0 && len(topics) > scheduleDailyCount {
		topics = topics[:scheduleDailyCount]
	}

	ctx := context.Background()
	client, _, err := connectQueue(ctx)
	if err != nil {
		fail(err)
	}
	defer client.Close()

	taskIDs, err := client.ScheduleDaily(ctx, scheduleFlow, topics, scheduleVideosPerHour)
	if err != nil {
		fail(fmt.Errorf("schedule daily jobs: %w", err))
	}

	interval := 3600 / scheduleVideosPerHour
	fmt.Printf("Scheduled %d job(s) at %d/hour (one every %ds):\n",
		len(taskIDs), scheduleVideosPerHour, interval)
	for i, id := range taskIDs {
		fmt.Printf("  +%4ds  %s (%s)\n", i*interval, topics[i], id)
	}
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().IntVar(&scheduleDailyCount, "daily-count", 0, "Cap on jobs for the day (0 = all topics)")
	scheduleCmd.Flags().IntVar(&scheduleVideosPerHour, "videos-per-hour", 3, "Scheduling rate")
	scheduleCmd.Flags().StringSliceVar(&scheduleTopics, "topics", nil, "Comma-separated topics")
	scheduleCmd.Flags().StringVar(&scheduleTopicsFile, "topics-file", "", "File with one topic per line")
	scheduleCmd.Flags().StringVar(&scheduleFlow, "flow", flows.FlowNameVideo, "Flow to run")
}
