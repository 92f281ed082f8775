// Package dispatch is the push side of the managed queue: it promotes due
// scheduled jobs, reads deliveries from the stream, and POSTs each one to
// the worker URL.
//
// The worker's HTTP status code is the retry signal. A 2xx acks the message;
// anything else leaves it on the pending-entries list, where it is reclaimed
// after a retry delay and redelivered, until the delivery count crosses the
// max-attempts bound and the job is dead-lettered.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/aether-media/vidforge/internal/queue"
)

// Dispatcher drives the dispatch loop.
type Dispatcher struct {
	client     *queue.Client
	workerURL  string
	pacer      *rate.Limiter
	inflight   chan struct{}
	retryDelay time.Duration
	httpClient *http.Client
	logFn      func(level, msg string)

	// post is swappable for tests.
	post func(ctx context.Context, job queue.Job) (int, string, error)
}

// Config holds dispatcher configuration.
type Config struct {
	// WorkerURL is where jobs are POSTed.
	WorkerURL string

	// MaxDispatches paces pushes, in dispatches per second.
	MaxDispatches float64

	// MaxConcurrent bounds in-flight pushes.
	MaxConcurrent int

	// RetryDelay is how long an unacked delivery sits before it is
	// reclaimed and retried (default: 60s).
	RetryDelay time.Duration

	// PushTimeout bounds one worker push, including flow execution
	// (default: 15m).
	PushTimeout time.Duration

	// LogFn is an optional callback for logging (if nil, prints to stdout).
	LogFn func(level, msg string)
}

// New creates a dispatcher over a connected queue client.
func New(client *queue.Client, cfg Config) *Dispatcher {
	if cfg.MaxDispatches <= 0 {
		cfg.MaxDispatches = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	if cfg.PushTimeout == 0 {
		cfg.PushTimeout = 15 * time.Minute
	}

	d := &Dispatcher{
		client:     client,
		workerURL:  cfg.WorkerURL,
		pacer:      rate.NewLimiter(rate.Limit(cfg.MaxDispatches), 1),
		inflight:   make(chan struct{}, cfg.MaxConcurrent),
		retryDelay: cfg.RetryDelay,
		httpClient: &http.Client{Timeout: cfg.PushTimeout},
		logFn:      cfg.LogFn,
	}
	d.post = d.postToWorker
	return d
}

// Run drives the dispatch loop until the context is cancelled or a signal
// arrives. Transport errors back off exponentially; the loop never exits on
// a per-job failure.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	d.log("info", "dispatcher %s started (queue: %s, worker: %s)",
		d.client.ClientID(), d.client.QueueName(), d.workerURL)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

runLoop:
	for {
		select {
		case sig := <-sigs:
			d.log("info", "received signal %v, shutting down", sig)
			cancel()
			break runLoop
		case <-ctx.Done():
			break runLoop
		default:
			if err := d.step(ctx); err != nil {
				if ctx.Err() != nil {
					break runLoop
				}
				d.log("warning", "dispatch error: %v (retry in %s)", err, backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					break runLoop
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
		}
	}

	// Drain in-flight pushes before returning.
	for i := 0; i < cap(d.inflight); i++ {
		d.inflight <- struct{}{}
	}

	d.log("info", "dispatcher shutdown complete")
	return nil
}

// step promotes due jobs, picks up one delivery (retries first, then new
// work) and dispatches it.
func (d *Dispatcher) step(ctx context.Context) error {
	if _, err := d.client.PromoteDue(ctx); err != nil {
		return fmt.Errorf("promote scheduled jobs: %w", err)
	}

	delivery, err := d.client.ReclaimStale(ctx, d.retryDelay)
	if err != nil {
		return err
	}
	if delivery == nil {
		delivery, err = d.client.ReadJob(ctx)
		if err != nil {
			return err
		}
	}
	if delivery == nil {
		return nil
	}

	// Terminal failure check before any further attempt.
	count, _ := d.client.GetDeliveryCount(ctx, delivery.MessageID)
	if int(count) > d.client.MaxAttempts() {
		d.log("warning", "job %s exceeded max attempts (%d), dead-lettering",
			delivery.Job.JobID, d.client.MaxAttempts())
		if err := d.client.MoveToDLQ(ctx, delivery, "exceeded max attempts"); err != nil {
			d.log("error", "dead-letter job %s: %v", delivery.Job.JobID, err)
		}
		d.client.SetJobStatus(ctx, delivery.Job.JobID, queue.StatusFailed, map[string]any{
			"error": "exceeded max attempts",
		})
		return d.client.AckJob(ctx, delivery.MessageID)
	}

	if err := d.pacer.Wait(ctx); err != nil {
		return err
	}

	select {
	case d.inflight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	go func(delivery *queue.Delivery) {
		defer func() { <-d.inflight }()
		d.dispatch(ctx, delivery)
	}(delivery)

	return nil
}

// dispatch pushes one delivery to the worker and acks on success. On any
// non-2xx or transport error the message is left pending for retry.
func (d *Dispatcher) dispatch(ctx context.Context, delivery *queue.Delivery) {
	job := delivery.Job
	d.log("info", "dispatching job %s (flow: %s)", job.JobID, job.FlowName)
	d.client.SetJobStatus(ctx, job.JobID, queue.StatusProcessing, nil)

	status, body, err := d.post(ctx, job)
	if err != nil {
		d.log("warning", "push job %s: %v (left pending for retry)", job.JobID, err)
		return
	}

	if status < 200 || status >= 300 {
		d.log("warning", "job %s: worker returned %d: %s (left pending for retry)",
			job.JobID, status, body)
		d.client.SetJobStatus(ctx, job.JobID, queue.StatusFailed, map[string]any{
			"error":       body,
			"http_status": status,
		})
		return
	}

	d.client.SetJobStatus(ctx, job.JobID, queue.StatusCompleted, nil)
	if err := d.client.AckJob(ctx, delivery.MessageID); err != nil {
		d.log("warning", "ack job %s: %v", job.JobID, err)
		return
	}
	d.log("success", "job %s dispatched and completed", job.JobID)
}

// postToWorker POSTs the job JSON and returns the status code and a bounded
// slice of the response body.
func (d *Dispatcher) postToWorker(ctx context.Context, job queue.Job) (int, string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, "", fmt.Errorf("marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.workerURL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("push to worker: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, string(bytes.TrimSpace(body)), nil
}

func (d *Dispatcher) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if d.logFn != nil {
		d.logFn(level, msg)
	} else {
		if level == "error" || level == "warning" {
			fmt.Fprintf(os.Stderr, "%s\n", msg)
		} else {
			fmt.Printf("%s\n", msg)
		}
	}
}
