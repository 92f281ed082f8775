package worker

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats accumulates worker counters for the /stats and /health endpoints.
// Safe for concurrent handlers.
type Stats struct {
	mu        sync.Mutex
	processed int64
	succeeded int64
	failed    int64
	totalMs   int64
	started   time.Time
}

// NewStats creates a counter set anchored at process start.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// RecordJob counts one finished job.
func (s *Stats) RecordJob(success bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	if success {
		s.succeeded++
	} else {
		s.failed++
	}
	s.totalMs += duration.Milliseconds()
}

// Report is the JSON shape of the cumulative counters.
type Report struct {
	JobsProcessed int64   `json:"jobs_processed"`
	JobsSucceeded int64   `json:"jobs_succeeded"`
	JobsFailed    int64   `json:"jobs_failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgJobMs      float64 `json:"avg_job_ms"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	JobsPerHour   float64 `json:"jobs_per_hour"`

	// Host metrics, best effort.
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}

// Snapshot builds the current report, sampling host CPU/memory.
func (s *Stats) Snapshot() Report {
	s.mu.Lock()
	r := Report{
		JobsProcessed: s.processed,
		JobsSucceeded: s.succeeded,
		JobsFailed:    s.failed,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.processed > 0 {
		r.SuccessRate = float64(s.succeeded) / float64(s.processed)
		r.AvgJobMs = float64(s.totalMs) / float64(s.processed)
	}
	uptime := time.Since(s.started).Hours()
	if uptime > 0 {
		r.JobsPerHour = float64(s.processed) / uptime
	}
	s.mu.Unlock()

	if percentages, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		r.CPUPercent = percentages[0]
	}
	if v, err := mem.VirtualMemory(); err == nil {
		r.MemoryPercent = v.UsedPercent
	}
	return r
}
