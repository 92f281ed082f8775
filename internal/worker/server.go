// Package worker is the HTTP endpoint the managed queue pushes jobs to.
//
// The response status code is the retry signal: 200 acknowledges the job,
// any 5xx leaves it pending so the queue redelivers. The handler therefore
// never returns 4xx for failures retry might fix (that would suppress
// retry), and never 200 for a partial failure (that would drop work).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/aether-media/vidforge/internal/flows"
	"github.com/aether-media/vidforge/internal/flowtrace"
	"github.com/aether-media/vidforge/internal/history"
	"github.com/aether-media/vidforge/internal/queue"
)

// Server executes flow jobs delivered over HTTP.
type Server struct {
	registry *flows.Registry
	runs     *history.Store
	stats    *Stats
	workerID string
	version  string
	traceDir string
	port     int
	logFn    func(level, msg string)

	httpServer *http.Server
}

// ServerConfig holds configuration for the worker server.
type ServerConfig struct {
	Port     int
	Version  string
	TraceDir string // where trace JSON artifacts are written ("" disables)
	LogFn    func(level, msg string)
}

// NewServer creates a worker server around a populated flow registry.
func NewServer(cfg ServerConfig, registry *flows.Registry, runs *history.Store) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	return &Server{
		registry: registry,
		runs:     runs,
		stats:    NewStats(),
		workerID: fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		version:  cfg.Version,
		traceDir: cfg.TraceDir,
		port:     cfg.Port,
		logFn:    cfg.LogFn,
	}
}

// WorkerID returns this worker's unique identifier.
func (s *Server) WorkerID() string { return s.workerID }

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/process_video_job", s.handleProcessJob)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	return r
}

// Start listens until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.port),
		Handler:     s.Router(),
		ReadTimeout: 10 * time.Second,
		// Long write timeout: a job handler runs inline and video
		// generation is slow.
		WriteTimeout: 15 * time.Minute,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	s.log("info", "worker %s listening on :%d", s.workerID, s.port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// jobResponse is the body returned for both outcomes.
type jobResponse struct {
	JobID           string         `json:"job_id"`
	Status          string         `json:"status"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Steps           int            `json:"steps,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	Duplicate       bool           `json:"duplicate,omitempty"`
}

// handleProcessJob runs the named flow and maps its outcome onto the status
// code contract described in the package comment.
func (s *Server) handleProcessJob(w http.ResponseWriter, r *http.Request) {
	var job queue.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		// A body we cannot parse will never parse on retry either; this is
		// the one failure class where 4xx (suppressing retry) is correct.
		writeJSON(w, http.StatusBadRequest, jobResponse{
			Status: "failed",
			Error:  fmt.Sprintf("decode job payload: %v", err),
		})
		return
	}
	if job.JobID == "" || job.FlowName == "" {
		writeJSON(w, http.StatusBadRequest, jobResponse{
			JobID:  job.JobID,
			Status: "failed",
			Error:  "job_id and flow_name are required",
		})
		return
	}

	// Duplicate delivery: the queue guarantees at-least-once, so a job that
	// already completed is acked again without re-running the flow.
	if done, err := s.runs.Completed(job.JobID); err == nil && done {
		s.log("info", "job %s already completed, acking duplicate delivery", job.JobID)
		writeJSON(w, http.StatusOK, jobResponse{
			JobID:     job.JobID,
			Status:    "completed",
			Duplicate: true,
		})
		return
	}

	flow, err := s.registry.Lookup(job.FlowName)
	if err != nil {
		// 500, not 404: an unknown flow may be a worker running an older
		// deploy, which retry against a newer instance can fix.
		s.failJob(w, job, time.Now(), 0, err)
		return
	}

	s.log("info", "job %s started (flow: %s)", job.JobID, job.FlowName)
	start := time.Now()

	hist, runErr := flowtrace.Run(job.FlowName, job.JobID, job.Params, func(t *flowtrace.Tracer) (map[string]any, error) {
		return flow.Execute(r.Context(), t, job.Params)
	})

	elapsed := time.Since(start)
	s.exportTrace(hist)

	if runErr != nil {
		s.log("error", "job %s failed after %s: %v", job.JobID, elapsed.Round(time.Millisecond), runErr)
		s.failJob(w, job, start, len(hist.Events), runErr)
		return
	}

	s.stats.RecordJob(true, elapsed)
	s.recordRun(job, "completed", start, elapsed, len(hist.Events), "")
	s.log("success", "job %s completed in %s", job.JobID, elapsed.Round(time.Millisecond))

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:           job.JobID,
		Status:          "completed",
		ExecutionTimeMs: elapsed.Milliseconds(),
		Steps:           len(hist.Events),
		Result:          hist.Root().Result,
	})
}

// failJob records a failure and returns the 500 that triggers queue retry.
func (s *Server) failJob(w http.ResponseWriter, job queue.Job, start time.Time, steps int, err error) {
	elapsed := time.Since(start)
	s.stats.RecordJob(false, elapsed)
	s.recordRun(job, "failed", start, elapsed, steps, err.Error())

	writeJSON(w, http.StatusInternalServerError, jobResponse{
		JobID:           job.JobID,
		Status:          "failed",
		ExecutionTimeMs: elapsed.Milliseconds(),
		Steps:           steps,
		Error:           err.Error(),
	})
}

// handleHealth reports liveness plus a stats snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"worker_type": "video-pipeline",
		"worker_id":   s.workerID,
		"version":     s.version,
		"flows":       s.registry.Names(),
		"stats":       s.stats.Snapshot(),
	})
}

// handleStats returns the cumulative counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// recordRun persists the run. History failures are logged, never fatal:
// losing a record is better than failing a completed job.
func (s *Server) recordRun(job queue.Job, status string, start time.Time, elapsed time.Duration, steps int, errMsg string) {
	_, err := s.runs.Insert(history.Record{
		JobID:       job.JobID,
		FlowName:    job.FlowName,
		Status:      status,
		StartedAt:   start,
		CompletedAt: start.Add(elapsed),
		DurationMs:  elapsed.Milliseconds(),
		Steps:       steps,
		Error:       errMsg,
		WorkerID:    s.workerID,
	})
	if err != nil {
		s.log("warning", "record run %s: %v", job.JobID, err)
	}
}

// exportTrace writes the trace JSON artifact. Informational only.
func (s *Server) exportTrace(h *flowtrace.History) {
	if s.traceDir == "" || h == nil {
		return
	}
	data, err := flowtrace.MarshalExport(h)
	if err != nil {
		s.log("warning", "marshal trace %s: %v", h.RunID, err)
		return
	}
	if err := os.MkdirAll(s.traceDir, 0o755); err != nil {
		s.log("warning", "create trace dir: %v", err)
		return
	}
	path := filepath.Join(s.traceDir, h.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log("warning", "write trace %s: %v", path, err)
	}
}

func (s *Server) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.logFn != nil {
		s.logFn(level, msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
