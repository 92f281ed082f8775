// cmd/status.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aether-media/vidforge/internal/history"
)

var (
	statusRecent  int
	statusNoColor bool

	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, account pool health and recent runs",
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	if statusNoColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	ctx := context.Background()
	client, cfg, err := connectQueue(ctx)
	if err != nil {
		fail(err)
	}
	defer client.Close()

	headerColor.Println("Queue")
	stats, err := client.Stats(ctx)
	if err != nil {
		fail(fmt.Errorf("queue stats: %w", err))
	}
	labelColor.Printf("  %-14s", "queued:")
	fmt.Println(stats.Queued)
	labelColor.Printf("  %-14s", "pending:")
	fmt.Println(stats.Pending)
	labelColor.Printf("  %-14s", "scheduled:")
	fmt.Println(stats.Scheduled)
	labelColor.Printf("  %-14s", "dead-lettered:")
	if stats.DeadLettered > 0 {
		badColor.Println(stats.DeadLettered)
	} else {
		fmt.Println(stats.DeadLettered)
	}

	printAccountSummary(cfg.AccountsFile)
	printRecentRuns(cfg.HistoryPath())
}

// printAccountSummary is best effort: a missing accounts file just skips
// the section (producers don't always have one).
func printAccountSummary(path string) {
	pool, err := loadPool(path)
	if err != nil {
		Debug("skipping account summary: %v", err)
		return
	}

	fmt.Println()
	headerColor.Println("Accounts")
	for _, a := range pool.Snapshot() {
		c := goodColor
		switch a.Status {
		case "degraded", "low_credits":
			c = warnColor
		case "unavailable":
			c = badColor
		}
		fmt.Printf("  %-16s ", a.ID)
		c.Printf("%-12s", a.Status)
		fmt.Printf(" credits=%.1f errors=%d requests_today=%d\n",
			a.Credits, a.ErrorCount, a.RequestsToday)
	}
}

// printRecentRuns is best effort: the history db only exists where a worker
// has run.
func printRecentRuns(dbPath string) {
	if _, err := os.Stat(dbPath); err != nil {
		return
	}
	store, err := history.Open(dbPath)
	if err != nil {
		Debug("skipping recent runs: %v", err)
		return
	}
	defer store.Close()

	records, err := store.Recent(statusRecent)
	if err != nil || len(records) == 0 {
		return
	}

	fmt.Println()
	headerColor.Println("Recent runs")
	for _, r := range records {
		c := goodColor
		if r.Status != "completed" {
			c = badColor
		}
		fmt.Printf("  %-28s %-18s ", r.JobID, r.FlowName)
		c.Printf("%-10s", r.Status)
		fmt.Printf(" %6dms  %s\n", r.DurationMs, r.StartedAt.Local().Format(time.Stamp))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().IntVar(&statusRecent, "recent", 10, "How many recent runs to show")
	statusCmd.Flags().BoolVar(&statusNoColor, "no-color", false, "Disable colored output")
}
