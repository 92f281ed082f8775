package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

// setupMiniredis starts a miniredis instance and returns a connected Client.
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Client, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	client := NewClient(ClientConfig{
		QueueName:     "jobs:v1:pipeline-test",
		ConsumerGroup: "test-dispatchers",
		BlockMs:       100,
		MaxAttempts:   3,
	})

	ctx := context.Background()
	if err := client.Connect(ctx, "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.EnsureConsumerGroup(ctx); err != nil {
		t.Fatalf("failed to create consumer group: %v", err)
	}

	// Raw go-redis client for assertions
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	return mr, client, raw
}

func TestEnqueueImmediate(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	params := map[string]any{"topic": "volcanoes", "duration": 60}
	taskID, err := client.Enqueue(ctx, "video_generation", params, JobTypeSingle, 0, "job-001")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected a stream message ID, got empty string")
	}

	msgs, err := raw.XRange(ctx, "jobs:v1:pipeline-test", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRANGE failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message on stream, got %d", len(msgs))
	}

	var job Job
	if err := json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &job); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if job.JobID != "job-001" {
		t.Errorf("job.JobID = %q, want %q", job.JobID, "job-001")
	}
	if job.FlowName != "video_generation" {
		t.Errorf("job.FlowName = %q, want %q", job.FlowName, "video_generation")
	}
	if job.Params["topic"] != "volcanoes" {
		t.Errorf("job.Params[topic] = %v, want %q", job.Params["topic"], "volcanoes")
	}

	status, err := raw.HGet(ctx, "job:job-001:status", "status").Result()
	if err != nil {
		t.Fatalf("HGET status failed: %v", err)
	}
	if status != StatusQueued {
		t.Errorf("status = %q, want %q", status, StatusQueued)
	}
}

func TestEnqueueDefaultJobID(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	if _, err := client.Enqueue(ctx, "narration_only", nil, "", 0, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msgs, _ := raw.XRange(ctx, "jobs:v1:pipeline-test", "-", "+").Result()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	wantID := NewJobID("narration_only", fixed)
	if got := msgs[0].Values["jobId"]; got != wantID {
		t.Errorf("jobId = %v, want %q", got, wantID)
	}
	// Empty job type defaults to single.
	if got := msgs[0].Values["type"]; got != string(JobTypeSingle) {
		t.Errorf("type = %v, want %q", got, JobTypeSingle)
	}
}

func TestEnqueueDelayedGoesToScheduledSet(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	taskID, err := client.Enqueue(ctx, "video_generation", nil, JobTypeSingle, 5*time.Minute, "delayed-001")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if taskID != "delayed-001" {
		t.Errorf("taskID = %q, want the job ID for scheduled jobs", taskID)
	}

	// Nothing on the stream yet.
	if n, _ := raw.XLen(ctx, "jobs:v1:pipeline-test").Result(); n != 0 {
		t.Errorf("stream length = %d, want 0", n)
	}

	members, err := raw.ZRangeWithScores(ctx, "sched:v1:pipeline-test", 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRANGE failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 scheduled member, got %d", len(members))
	}
	wantScore := float64(fixed.Add(5 * time.Minute).Unix())
	if members[0].Score != wantScore {
		t.Errorf("score = %f, want %f", members[0].Score, wantScore)
	}

	status, _ := raw.HGet(ctx, "job:delayed-001:status", "status").Result()
	if status != StatusScheduled {
		t.Errorf("status = %q, want %q", status, StatusScheduled)
	}
}

func TestEnqueueBatchStaggersDelays(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	items := []BatchItem{
		{FlowName: "video_generation", Params: map[string]any{"topic": "a"}, JobID: "batch-0"},
		{FlowName: "video_generation", Params: map[string]any{"topic": "b"}, JobID: "batch-1"},
		{FlowName: "video_generation", Params: map[string]any{"topic": "c"}, JobID: "batch-2"},
	}

	taskIDs, err := client.EnqueueBatch(ctx, items, 60*time.Second)
	if err != nil {
		t.Fatalf("EnqueueBatch failed: %v", err)
	}
	if len(taskIDs) != 3 {
		t.Fatalf("expected 3 task IDs, got %d", len(taskIDs))
	}

	// Item 0 has zero delay: straight onto the stream.
	if n, _ := raw.XLen(ctx, "jobs:v1:pipeline-test").Result(); n != 1 {
		t.Errorf("stream length = %d, want 1", n)
	}

	// Items 1 and 2 are scheduled at +62s and +124s (stagger + 2s spacing).
	members, err := raw.ZRangeWithScores(ctx, "sched:v1:pipeline-test", 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRANGE failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 scheduled members, got %d", len(members))
	}

	base := float64(fixed.Unix())
	wantOffsets := []float64{62, 124}
	for i, m := range members {
		if got := m.Score - base; got != wantOffsets[i] {
			t.Errorf("member %d offset = %.0fs, want %.0fs", i, got, wantOffsets[i])
		}
	}
}

func TestScheduleDailySpreadsByHourlyRate(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	topics := []string{"volcanoes", "glaciers", "deserts"}
	taskIDs, err := client.ScheduleDaily(ctx, "video_generation", topics, 3)
	if err != nil {
		t.Fatalf("ScheduleDaily failed: %v", err)
	}
	if len(taskIDs) != 3 {
		t.Fatalf("expected 3 task IDs, got %d", len(taskIDs))
	}

	// 3/hour means one every 1200s: offsets 0, 1200, 2400. The first job has
	// no delay, so it lands directly on the stream.
	if n, _ := raw.XLen(ctx, "jobs:v1:pipeline-test").Result(); n != 1 {
		t.Errorf("stream length = %d, want 1", n)
	}

	members, err := raw.ZRangeWithScores(ctx, "sched:v1:pipeline-test", 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRANGE failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 scheduled members, got %d", len(members))
	}

	base := float64(fixed.Unix())
	wantOffsets := []float64{1200, 2400}
	for i, m := range members {
		if got := m.Score - base; got != wantOffsets[i] {
			t.Errorf("member %d offset = %.0fs, want %.0fs", i, got, wantOffsets[i])
		}
	}
}

func TestScheduleDailyRejectsNonPositiveRate(t *testing.T) {
	_, client, _ := setupMiniredis(t)

	if _, err := client.ScheduleDaily(context.Background(), "video_generation", []string{"a"}, 0); err == nil {
		t.Fatal("expected error for zero videos per hour")
	}
}

func TestPromoteDueMovesOnlyDueJobs(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	if _, err := client.Enqueue(ctx, "video_generation", nil, JobTypeSingle, time.Minute, "soon"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := client.Enqueue(ctx, "video_generation", nil, JobTypeSingle, time.Hour, "later"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Nothing due yet.
	promoted, err := client.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if promoted != 0 {
		t.Errorf("promoted = %d, want 0", promoted)
	}

	// Two minutes later the first job is due, the second is not.
	client.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	promoted, err = client.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if promoted != 1 {
		t.Errorf("promoted = %d, want 1", promoted)
	}

	if n, _ := raw.XLen(ctx, "jobs:v1:pipeline-test").Result(); n != 1 {
		t.Errorf("stream length = %d, want 1", n)
	}
	if n, _ := raw.ZCard(ctx, "sched:v1:pipeline-test").Result(); n != 1 {
		t.Errorf("scheduled set size = %d, want 1", n)
	}

	status, _ := raw.HGet(ctx, "job:soon:status", "status").Result()
	if status != StatusQueued {
		t.Errorf("promoted job status = %q, want %q", status, StatusQueued)
	}
}

func TestPromoteDueDropsUnparseableEntries(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	if err := raw.ZAdd(ctx, "sched:v1:pipeline-test", goredis.Z{
		Score:  1,
		Member: "not json",
	}).Err(); err != nil {
		t.Fatalf("ZADD failed: %v", err)
	}

	promoted, err := client.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if promoted != 0 {
		t.Errorf("promoted = %d, want 0", promoted)
	}
	if n, _ := raw.ZCard(ctx, "sched:v1:pipeline-test").Result(); n != 0 {
		t.Errorf("scheduled set size = %d, want 0 (bad entry dropped)", n)
	}
}

func TestReadAckCycle(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	if _, err := client.Enqueue(ctx, "video_generation", map[string]any{"topic": "x"}, JobTypeSingle, 0, "cycle-001"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	delivery, err := client.ReadJob(ctx)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if delivery == nil {
		t.Fatal("expected a delivery, got nil")
	}
	if delivery.Job.JobID != "cycle-001" {
		t.Errorf("JobID = %q, want %q", delivery.Job.JobID, "cycle-001")
	}

	count, err := client.GetDeliveryCount(ctx, delivery.MessageID)
	if err != nil {
		t.Fatalf("GetDeliveryCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("delivery count = %d, want 1", count)
	}

	if err := client.AckJob(ctx, delivery.MessageID); err != nil {
		t.Fatalf("AckJob failed: %v", err)
	}

	// Acked message no longer pending.
	if count, _ := client.GetDeliveryCount(ctx, delivery.MessageID); count != 0 {
		t.Errorf("delivery count after ack = %d, want 0", count)
	}

	// And deleted from the stream, so the backlog cannot grow unbounded.
	if n, _ := raw.XLen(ctx, "jobs:v1:pipeline-test").Result(); n != 0 {
		t.Errorf("stream length after ack = %d, want 0", n)
	}
}

func TestReadJobEmptyQueueReturnsNil(t *testing.T) {
	_, client, _ := setupMiniredis(t)

	delivery, err := client.ReadJob(context.Background())
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if delivery != nil {
		t.Errorf("expected nil delivery from empty queue, got %+v", delivery)
	}
}

func TestReclaimStaleRedelivers(t *testing.T) {
	mr, client, _ := setupMiniredis(t)
	ctx := context.Background()

	if _, err := client.Enqueue(ctx, "video_generation", nil, JobTypeSingle, 0, "stale-001"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, err := client.ReadJob(ctx)
	if err != nil || first == nil {
		t.Fatalf("ReadJob failed: delivery=%v err=%v", first, err)
	}

	// Not idle long enough: nothing to reclaim.
	reclaimed, err := client.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if reclaimed != nil {
		t.Fatalf("expected nil before idle threshold, got %+v", reclaimed)
	}

	// Unacked and idle past the threshold: the same message comes back with a
	// bumped delivery count.
	// FastForward only expires key TTLs; stream idle time uses the server
	// clock, which SetTime overrides.
	mr.SetTime(time.Now().Add(2 * time.Minute))

	reclaimed, err = client.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expected a reclaimed delivery, got nil")
	}
	if reclaimed.MessageID != first.MessageID {
		t.Errorf("MessageID = %q, want %q", reclaimed.MessageID, first.MessageID)
	}

	count, _ := client.GetDeliveryCount(ctx, reclaimed.MessageID)
	if count != 2 {
		t.Errorf("delivery count = %d, want 2", count)
	}
}

func TestMoveToDLQ(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	if _, err := client.Enqueue(ctx, "video_generation", nil, JobTypeSingle, 0, "doomed-001"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	delivery, err := client.ReadJob(ctx)
	if err != nil || delivery == nil {
		t.Fatalf("ReadJob failed: delivery=%v err=%v", delivery, err)
	}

	if err := client.MoveToDLQ(ctx, delivery, "exceeded max attempts"); err != nil {
		t.Fatalf("MoveToDLQ failed: %v", err)
	}

	msgs, err := raw.XRange(ctx, "dlq:v1:pipeline-test", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRANGE failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(msgs))
	}
	if got := msgs[0].Values["reason"]; got != "exceeded max attempts" {
		t.Errorf("reason = %v, want %q", got, "exceeded max attempts")
	}
	if got := msgs[0].Values["jobId"]; got != "doomed-001" {
		t.Errorf("jobId = %v, want %q", got, "doomed-001")
	}
	if got := msgs[0].Values["original_message_id"]; got != delivery.MessageID {
		t.Errorf("original_message_id = %v, want %q", got, delivery.MessageID)
	}
}

func TestStats(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	if _, err := client.Enqueue(ctx, "video_generation", nil, JobTypeSingle, 0, "s1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := client.Enqueue(ctx, "video_generation", nil, JobTypeSingle, 0, "s2"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := client.Enqueue(ctx, "video_generation", nil, JobTypeSingle, time.Hour, "s3"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// One delivery read but not acked: it moves from queued to pending.
	delivery, err := client.ReadJob(ctx)
	if err != nil || delivery == nil {
		t.Fatalf("ReadJob failed: delivery=%v err=%v", delivery, err)
	}

	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Queued != 1 {
		t.Errorf("Queued = %d, want 1 (in-flight delivery not counted)", stats.Queued)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if stats.Scheduled != 1 {
		t.Errorf("Scheduled = %d, want 1", stats.Scheduled)
	}
	if stats.DeadLettered != 0 {
		t.Errorf("DeadLettered = %d, want 0", stats.DeadLettered)
	}

	// Acking drops the delivery from both the stream and the pending list.
	if err := client.AckJob(ctx, delivery.MessageID); err != nil {
		t.Fatalf("AckJob failed: %v", err)
	}
	stats, err = client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Queued != 1 || stats.Pending != 0 {
		t.Errorf("after ack Queued/Pending = %d/%d, want 1/0", stats.Queued, stats.Pending)
	}
}

func TestPrefixedName(t *testing.T) {
	tests := []struct {
		queue  string
		prefix string
		want   string
	}{
		{"jobs:v1:video-pipeline", "sched", "sched:v1:video-pipeline"},
		{"jobs:v1:video-pipeline", "dlq", "dlq:v1:video-pipeline"},
		{"custom-queue", "dlq", "dlq:v1:custom-queue"},
	}
	for _, tt := range tests {
		if got := prefixedName(tt.queue, tt.prefix); got != tt.want {
			t.Errorf("prefixedName(%q, %q) = %q, want %q", tt.queue, tt.prefix, got, tt.want)
		}
	}
}

func TestNewJobIDFormat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	if got := NewJobID("video_generation", now); got != "video_generation_1700000000" {
		t.Errorf("NewJobID = %q, want %q", got, "video_generation_1700000000")
	}
}
