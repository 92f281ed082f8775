// Package config loads VidForge configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process-level settings. One instance is built at startup
// and passed explicitly to the components that need it; there is no global.
type Config struct {
	// RedisURL is the connection URL for the queue backend.
	RedisURL string

	// Queue is the stream name jobs are enqueued to.
	Queue string

	// ConsumerGroup is the dispatcher's consumer group name.
	ConsumerGroup string

	// MaxAttempts is the delivery count after which a job is dead-lettered.
	MaxAttempts int

	// MaxDispatches is the dispatch pacing budget in jobs per second.
	MaxDispatches float64

	// MaxConcurrent bounds in-flight worker pushes.
	MaxConcurrent int

	// WorkerURL is where the dispatcher POSTs jobs.
	WorkerURL string

	// WorkerPort is the port the worker HTTP server listens on.
	WorkerPort int

	// DataDir holds the history database, trace exports and debug logs.
	DataDir string

	// AccountsFile is the YAML file describing the account pool.
	AccountsFile string

	// UseAPIBaseURL is the generation provider's API base URL.
	UseAPIBaseURL string

	// UseAPIToken is the fallback bearer token when an account has none.
	UseAPIToken string

	// ResyncInterval is how often the account pool re-syncs credits from
	// the provider.
	ResyncInterval time.Duration
}

// Load reads configuration from the environment, after loading an optional
// .env file from the working directory.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		RedisURL:      getEnv("VIDFORGE_REDIS_URL", "redis://localhost:6379"),
		Queue:         getEnv("VIDFORGE_QUEUE", "jobs:v1:video-pipeline"),
		ConsumerGroup: getEnv("VIDFORGE_CONSUMER_GROUP", "vidforge-dispatchers"),
		MaxAttempts:   getEnvInt("VIDFORGE_MAX_ATTEMPTS", 3),
		MaxDispatches: getEnvFloat("VIDFORGE_MAX_DISPATCHES", 1.0),
		MaxConcurrent: getEnvInt("VIDFORGE_MAX_CONCURRENT", 2),
		WorkerURL:     getEnv("VIDFORGE_WORKER_URL", "http://localhost:8090/process_video_job"),
		WorkerPort:    getEnvInt("VIDFORGE_WORKER_PORT", 8090),
		DataDir:       getEnv("VIDFORGE_DATA_DIR", defaultDataDir()),
		AccountsFile:  getEnv("VIDFORGE_ACCOUNTS_FILE", "accounts.yaml"),
		UseAPIBaseURL: getEnv("USEAPI_BASE_URL", "https://api.useapi.net/v1"),
		UseAPIToken:   os.Getenv("USEAPI_BEARER_TOKEN"),

		ResyncInterval: getEnvDuration("VIDFORGE_RESYNC_INTERVAL", 10*time.Minute),
	}
}

// Validate checks settings required by every process. Missing credentials or
// an unreachable queue are fatal at startup; there is no degraded mode.
func (c Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("VIDFORGE_REDIS_URL is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("VIDFORGE_QUEUE is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("VIDFORGE_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	return nil
}

// HistoryPath returns the location of the run-history database.
func (c Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// TraceDir returns the directory trace JSON exports are written to.
func (c Config) TraceDir() string {
	return filepath.Join(c.DataDir, "traces")
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".vidforge"
	}
	return filepath.Join(homeDir, ".vidforge")
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
