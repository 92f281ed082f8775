package queue

import (
	"fmt"
	"time"
)

// JobType distinguishes single submissions from batch members.
type JobType string

const (
	JobTypeSingle JobType = "single"
	JobTypeBatch  JobType = "batch"
)

// Job is one queued request to execute a flow. This is the payload carried
// on the stream and POSTed to the worker.
type Job struct {
	JobID        string         `json:"job_id"`
	FlowName     string         `json:"flow_name"`
	JobType      JobType        `json:"job_type"`
	Params       map[string]any `json:"params"`
	QueuedAt     time.Time      `json:"queued_at"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
}

// NewJobID derives the default job identity from the flow name and the
// current timestamp. Callers may supply their own IDs for deduplication.
func NewJobID(flowName string, now time.Time) string {
	return fmt.Sprintf("%s_%d", flowName, now.Unix())
}

// JobStatus values stored in the per-job status hash.
const (
	StatusQueued     = "queued"
	StatusScheduled  = "scheduled"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Delivery is one dispatch attempt read from the stream. MessageID is the
// stream entry to ack once the worker reports success.
type Delivery struct {
	MessageID string
	Job       Job
}

// Stats summarizes queue depth for the status report.
type Stats struct {
	Queued       int64 `json:"queued"`
	Pending      int64 `json:"pending"`
	Scheduled    int64 `json:"scheduled"`
	DeadLettered int64 `json:"dead_lettered"`
}
