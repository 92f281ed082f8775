// Package queue is the producer and consumer client for the job queue.
//
// The queue is Redis Streams with consumer groups, which supplies the managed
// delivery guarantees this system leans on: at-least-once delivery through
// the pending-entries list, per-message delivery counts for bounded retry,
// and a dead-letter stream for terminal failures. Delayed jobs live in a
// scheduled sorted set scored by ready time and are promoted onto the stream
// by the dispatcher.
//
// This package only moves jobs around; execution semantics (idempotency on
// duplicate delivery) belong to the worker and its flows.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// batchSpacing is the extra gap added per batch item on top of the caller's
// stagger, so consecutive items never land on the same second boundary.
const batchSpacing = 2 * time.Second

// secondsPerHour is the spread window for daily scheduling.
const secondsPerHour = 3600

// Client wraps Redis operations for the job queue.
type Client struct {
	client        *redis.Client
	clientID      string
	queueName     string
	consumerGroup string
	blockMs       int
	maxAttempts   int

	// now is swappable for tests.
	now func() time.Time
}

// ClientConfig holds configuration for the queue client.
type ClientConfig struct {
	QueueName     string
	ConsumerGroup string
	BlockMs       int
	MaxAttempts   int
}

// NewClient creates a queue client. Connect must be called before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "vidforge-dispatchers"
	}
	if cfg.BlockMs == 0 {
		cfg.BlockMs = 5000
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "jobs:v1:video-pipeline"
	}

	return &Client{
		clientID:      fmt.Sprintf("vidforge-%s", uuid.New().String()[:8]),
		queueName:     cfg.QueueName,
		consumerGroup: cfg.ConsumerGroup,
		blockMs:       cfg.BlockMs,
		maxAttempts:   cfg.MaxAttempts,
		now:           time.Now,
	}
}

// Connect establishes the Redis connection. An unreachable queue is fatal:
// there is no local fallback, the system is non-functional without it.
func (c *Client) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	c.client = redis.NewClient(opts)

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to queue backend: %w", err)
	}
	return nil
}

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
func (c *Client) EnsureConsumerGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.queueName, c.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue submits one flow job. A zero delay puts the job on the stream
// immediately; a positive delay parks it in the scheduled set until the
// dispatcher promotes it. An empty jobID gets the {flow}_{timestamp} default.
// Returns the task ID (stream message ID, or the job ID for scheduled jobs).
func (c *Client) Enqueue(ctx context.Context, flowName string, params map[string]any, jobType JobType, delay time.Duration, jobID string) (string, error) {
	now := c.now()
	if jobID == "" {
		jobID = NewJobID(flowName, now)
	}
	if jobType == "" {
		jobType = JobTypeSingle
	}

	job := Job{
		JobID:    jobID,
		FlowName: flowName,
		JobType:  jobType,
		Params:   params,
		QueuedAt: now,
	}

	if delay <= 0 {
		id, err := c.addToStream(ctx, job)
		if err != nil {
			return "", err
		}
		c.SetJobStatus(ctx, jobID, StatusQueued, nil)
		return id, nil
	}

	readyAt := now.Add(delay)
	job.ScheduledFor = &readyAt

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := c.client.ZAdd(ctx, c.scheduledSetName(), redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: payload,
	}).Err(); err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	c.SetJobStatus(ctx, jobID, StatusScheduled, map[string]any{
		"scheduled_for": readyAt.UTC().Format(time.RFC3339),
	})
	return jobID, nil
}

// BatchItem is one entry in a batch submission.
type BatchItem struct {
	FlowName string
	Params   map[string]any
	JobID    string
}

// EnqueueBatch submits jobs staggered by index, so a burst of submissions
// doesn't slam the downstream generation APIs at once. The delay for item i
// is i * (stagger + 2s).
func (c *Client) EnqueueBatch(ctx context.Context, items []BatchItem, stagger time.Duration) ([]string, error) {
	taskIDs := make([]string, 0, len(items))
	for i, item := range items {
		delay := time.Duration(i) * (stagger + batchSpacing)
		id, err := c.Enqueue(ctx, item.FlowName, item.Params, JobTypeBatch, delay, item.JobID)
		if err != nil {
			return taskIDs, fmt.Errorf("enqueue batch item %d: %w", i, err)
		}
		taskIDs = append(taskIDs, id)
	}
	return taskIDs, nil
}

// ScheduleDaily spreads one job per topic evenly across the day at the given
// hourly rate: the interval is 3600/videosPerHour seconds and item i is
// delayed by i intervals.
func (c *Client) ScheduleDaily(ctx context.Context, flowName string, topics []string, videosPerHour int) ([]string, error) {
	if videosPerHour <= 0 {
		return nil, fmt.Errorf("videos per hour must be positive, got %d", videosPerHour)
	}

	interval := time.Duration(secondsPerHour/videosPerHour) * time.Second
	taskIDs := make([]string, 0, len(topics))
	for i, topic := range topics {
		params := map[string]any{"topic": topic}
		delay := time.Duration(i) * interval
		id, err := c.Enqueue(ctx, flowName, params, JobTypeSingle, delay, "")
		if err != nil {
			return taskIDs, fmt.Errorf("schedule topic %q: %w", topic, err)
		}
		taskIDs = append(taskIDs, id)
	}
	return taskIDs, nil
}

// PromoteDue moves scheduled jobs whose ready time has passed onto the
// stream. Returns how many were promoted. Called by the dispatcher before
// each read; scheduling is advisory, not strict ordering.
func (c *Client) PromoteDue(ctx context.Context) (int, error) {
	now := c.now()
	members, err := c.client.ZRangeByScore(ctx, c.scheduledSetName(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read scheduled set: %w", err)
	}

	promoted := 0
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// Unparseable entries are dropped rather than wedging the set.
			c.client.ZRem(ctx, c.scheduledSetName(), member)
			continue
		}
		if _, err := c.addToStream(ctx, job); err != nil {
			return promoted, err
		}
		if err := c.client.ZRem(ctx, c.scheduledSetName(), member).Err(); err != nil {
			return promoted, fmt.Errorf("remove promoted job: %w", err)
		}
		c.SetJobStatus(ctx, job.JobID, StatusQueued, nil)
		promoted++
	}
	return promoted, nil
}

// ReadJob reads the next available delivery using XREADGROUP. Returns nil
// if nothing arrives within the block timeout.
func (c *Client) ReadJob(ctx context.Context) (*Delivery, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.clientID,
		Streams:  []string{c.queueName, ">"},
		Count:    1,
		Block:    time.Duration(c.blockMs) * time.Millisecond,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return c.parseMessage(streams[0].Messages[0])
}

// ReclaimStale re-claims a delivery that has sat unacked for at least
// minIdle — the retry path for jobs whose worker push failed. Returns nil
// when nothing is reclaimable.
func (c *Client) ReclaimStale(ctx context.Context, minIdle time.Duration) (*Delivery, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queueName,
		Group:    c.consumerGroup,
		Consumer: c.clientID,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reclaim stale delivery: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return c.parseMessage(msgs[0])
}

// AckJob acknowledges a successfully dispatched message and deletes it from
// the stream. Without the delete the stream grows without bound: acked
// entries are never read again but XLEN still counts them.
func (c *Client) AckJob(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.queueName, c.consumerGroup, messageID).Err(); err != nil {
		return err
	}
	return c.client.XDel(ctx, c.queueName, messageID).Err()
}

// GetDeliveryCount returns how many times a message has been delivered.
func (c *Client) GetDeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.queueName,
		Group:  c.consumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

// MoveToDLQ moves a terminally failed delivery to the dead-letter stream.
func (c *Client) MoveToDLQ(ctx context.Context, d *Delivery, reason string) error {
	payload, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("marshal job for DLQ: %w", err)
	}

	fields := map[string]any{
		"original_message_id": d.MessageID,
		"original_queue":      c.queueName,
		"reason":              reason,
		"moved_at":            c.now().UTC().Format(time.RFC3339),
		"client_id":           c.clientID,
		"jobId":               d.Job.JobID,
		"payload":             string(payload),
	}

	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.dlqName(),
		Values: fields,
	}).Err()
}

// SetJobStatus stores the job's status hash. Informational only; errors are
// deliberately ignored by callers on non-critical paths.
func (c *Client) SetJobStatus(ctx context.Context, jobID, status string, data map[string]any) error {
	key := fmt.Sprintf("job:%s:status", jobID)

	fields := map[string]any{
		"status":     status,
		"client_id":  c.clientID,
		"updated_at": c.now().UTC().Format(time.RFC3339),
	}
	for k, v := range data {
		fields[k] = v
	}
	return c.client.HSet(ctx, key, fields).Err()
}

// Stats reports queue depth across the stream, its pending-entries list, the
// scheduled set and the dead-letter stream. Acked entries are deleted on ack,
// so the stream holds only undelivered and in-flight messages; queued is the
// undelivered remainder.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	streamLen, err := c.client.XLen(ctx, c.queueName).Result()
	if err != nil {
		return nil, fmt.Errorf("stream length: %w", err)
	}

	var pendingCount int64
	pending, err := c.client.XPending(ctx, c.queueName, c.consumerGroup).Result()
	if err == nil {
		pendingCount = pending.Count
	} else if err != redis.Nil && !strings.Contains(err.Error(), "NOGROUP") {
		return nil, fmt.Errorf("pending entries: %w", err)
	}

	queued := streamLen - pendingCount
	if queued < 0 {
		queued = 0
	}

	scheduled, err := c.client.ZCard(ctx, c.scheduledSetName()).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduled set size: %w", err)
	}

	dead, err := c.client.XLen(ctx, c.dlqName()).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq length: %w", err)
	}

	return &Stats{
		Queued:       queued,
		Pending:      pendingCount,
		Scheduled:    scheduled,
		DeadLettered: dead,
	}, nil
}

// addToStream XADDs a job with its payload marshaled into one field.
func (c *Client) addToStream(ctx context.Context, job Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.queueName,
		Values: map[string]any{
			"jobId":   job.JobID,
			"flow":    job.FlowName,
			"type":    string(job.JobType),
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// parseMessage converts a stream entry into a Delivery.
func (c *Client) parseMessage(msg redis.XMessage) (*Delivery, error) {
	d := &Delivery{MessageID: msg.ID}

	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(payloadStr), &d.Job); err != nil {
		return nil, fmt.Errorf("parse job payload: %w", err)
	}
	return d, nil
}

// scheduledSetName returns the delayed-jobs sorted set for this queue.
// jobs:v1:video-pipeline -> sched:v1:video-pipeline
func (c *Client) scheduledSetName() string {
	return prefixedName(c.queueName, "sched")
}

// dlqName returns the dead-letter stream for this queue.
func (c *Client) dlqName() string {
	return prefixedName(c.queueName, "dlq")
}

func prefixedName(queue, prefix string) string {
	if strings.HasPrefix(queue, "jobs:v1:") {
		return prefix + ":v1:" + strings.TrimPrefix(queue, "jobs:v1:")
	}
	parts := strings.Split(queue, ":")
	return fmt.Sprintf("%s:v1:%s", prefix, parts[len(parts)-1])
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// ClientID returns this client's unique identifier.
func (c *Client) ClientID() string {
	return c.clientID
}

// QueueName returns the stream this client is configured for.
func (c *Client) QueueName() string {
	return c.queueName
}

// MaxAttempts returns the delivery count after which jobs are dead-lettered.
func (c *Client) MaxAttempts() int {
	return c.maxAttempts
}
