package history

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(jobID, status string) Record {
	now := time.Now().UTC().Truncate(time.Second)
	return Record{
		JobID:       jobID,
		FlowName:    "video_generation",
		Status:      status,
		StartedAt:   now,
		CompletedAt: now.Add(90 * time.Second),
		DurationMs:  90000,
		Steps:       5,
		WorkerID:    "worker-test",
	}
}

func TestInsertAndRecent(t *testing.T) {
	store := openTestStore(t)

	inserted, err := store.Insert(testRecord("job-1", "completed"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported duplicate")
	}

	records, err := store.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	r := records[0]
	if r.JobID != "job-1" || r.FlowName != "video_generation" || r.Status != "completed" {
		t.Errorf("record = %+v", r)
	}
	if r.DurationMs != 90000 || r.Steps != 5 {
		t.Errorf("duration/steps = %d/%d, want 90000/5", r.DurationMs, r.Steps)
	}
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		t.Error("timestamps not round-tripped")
	}
}

func TestInsertCompletedRowIsFinal(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Insert(testRecord("job-dup", "completed")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	second := testRecord("job-dup", "failed")
	second.Error = "should not be stored"
	inserted, err := store.Insert(second)
	if err != nil {
		t.Fatalf("second Insert errored: %v", err)
	}
	if inserted {
		t.Error("insert over a completed row reported success")
	}

	records, _ := store.Recent(10)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Status != "completed" {
		t.Errorf("completed record overwritten: status = %s", records[0].Status)
	}
}

func TestInsertFailedThenCompletedUpgrades(t *testing.T) {
	store := openTestStore(t)

	first := testRecord("job-retry", "failed")
	first.Error = "provider timeout"
	if _, err := store.Insert(first); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// The successful retry must replace the failed row; otherwise the job
	// stays failed forever and duplicate deliveries keep re-running it.
	inserted, err := store.Insert(testRecord("job-retry", "completed"))
	if err != nil {
		t.Fatalf("retry Insert errored: %v", err)
	}
	if !inserted {
		t.Error("successful retry insert reported no-op")
	}

	done, err := store.Completed("job-retry")
	if err != nil || !done {
		t.Errorf("Completed(job-retry) = %v, %v; want true after successful retry", done, err)
	}

	records, _ := store.Recent(10)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Status != "completed" {
		t.Errorf("stored status = %q, want completed", records[0].Status)
	}
	if records[0].Error != "" {
		t.Errorf("stale error kept: %q", records[0].Error)
	}
}

func TestInsertFailedThenFailedKeepsLatest(t *testing.T) {
	store := openTestStore(t)

	first := testRecord("job-flaky", "failed")
	first.Error = "attempt one"
	store.Insert(first)

	second := testRecord("job-flaky", "failed")
	second.Error = "attempt two"
	inserted, err := store.Insert(second)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if !inserted {
		t.Error("second failed attempt not recorded")
	}

	records, _ := store.Recent(10)
	if len(records) != 1 || records[0].Error != "attempt two" {
		t.Errorf("records = %+v, want one row carrying the latest error", records)
	}
}

func TestCompleted(t *testing.T) {
	store := openTestStore(t)

	if done, _ := store.Completed("never-ran"); done {
		t.Error("Completed = true for unknown job")
	}

	store.Insert(testRecord("job-ok", "completed"))
	if done, err := store.Completed("job-ok"); err != nil || !done {
		t.Errorf("Completed(job-ok) = %v, %v; want true, nil", done, err)
	}

	// A failed run does not count as completed: the worker must re-execute.
	store.Insert(testRecord("job-bad", "failed"))
	if done, _ := store.Completed("job-bad"); done {
		t.Error("Completed = true for failed run")
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	store := openTestStore(t)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if _, err := store.Insert(testRecord(id, "completed")); err != nil {
			t.Fatalf("Insert %s failed: %v", id, err)
		}
	}

	records, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].JobID != "job-3" || records[1].JobID != "job-2" {
		t.Errorf("order = %s, %s; want newest first", records[0].JobID, records[1].JobID)
	}
}
