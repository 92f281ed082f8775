// cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aether-media/vidforge/internal/config"
	"github.com/aether-media/vidforge/internal/queue"
)

var debugMode bool

// debugLogFile is the file handle for debug logging
var debugLogFile *os.File
var debugLogMu sync.Mutex
var debugLogInitOnce sync.Once

// initDebugLogFile initializes the debug log file under the data dir.
func initDebugLogFile() {
	cfg := config.Load()
	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return
	}

	logPath := filepath.Join(logDir, "debug.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}

	debugLogFile = f

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(debugLogFile, "\n=== Debug session started: %s ===\n", timestamp)
}

// Debug prints a message if debug mode is enabled and writes to the log file.
func Debug(format string, args ...interface{}) {
	if debugMode {
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		msg := fmt.Sprintf(format, args...)

		fmt.Printf("[DEBUG] %s\n", msg)

		debugLogMu.Lock()
		debugLogInitOnce.Do(initDebugLogFile)
		if debugLogFile != nil {
			fmt.Fprintf(debugLogFile, "[%s] %s\n", timestamp, msg)
		}
		debugLogMu.Unlock()
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vidforge",
	Short: "VidForge orchestrates an AI video content pipeline",
	Long: `VidForge enqueues, dispatches and executes AI video generation jobs.

Producers submit flow jobs (single, batch, or spread across a daily
schedule) to a managed queue; the dispatcher pushes each job to a worker
over HTTP, where the named flow runs against the generation provider
through a rate limiter and an account pool.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			fullCmd := "vidforge"
			if cmd.Name() != "vidforge" {
				fullCmd += " " + cmd.Name()
			}
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name == "debug" {
					return
				}
				if f.Value.Type() == "bool" {
					fullCmd += " --" + f.Name
				} else {
					fullCmd += " --" + f.Name + "=" + f.Value.String()
				}
			})
			if len(args) > 0 {
				fullCmd += " " + strings.Join(args, " ")
			}
			Debug("command: %s", fullCmd)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// connectQueue loads config and returns a connected queue client. Any
// failure here is fatal for the calling command: the system has no local
// fallback queue.
func connectQueue(ctx context.Context) (*queue.Client, config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, cfg, err
	}

	client := queue.NewClient(queue.ClientConfig{
		QueueName:     cfg.Queue,
		ConsumerGroup: cfg.ConsumerGroup,
		MaxAttempts:   cfg.MaxAttempts,
	})
	if err := client.Connect(ctx, cfg.RedisURL, ""); err != nil {
		return nil, cfg, err
	}
	return client, cfg, nil
}

// fail prints the error and exits 1. Submission commands promise exit code
// 0 on success and 1 on any failure.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
}
