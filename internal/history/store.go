// Package history persists one record per flow execution. The unique job_id
// column doubles as the worker's duplicate-delivery detector: at-least-once
// queues can deliver a job twice, and a completed row for the same job_id
// tells the worker to skip re-execution. A failed row is not final — the
// retry that succeeds must be able to replace it, or the job would re-run
// on every later delivery.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS flow_runs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id       TEXT NOT NULL UNIQUE,
    flow_name    TEXT NOT NULL,
    status       TEXT NOT NULL,
    started_at   TEXT NOT NULL,
    completed_at TEXT NOT NULL,
    duration_ms  INTEGER NOT NULL,
    steps        INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT '',
    worker_id    TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_flow_runs_started ON flow_runs(started_at);
`

// Record captures the outcome of a single flow run.
type Record struct {
	ID          int64
	JobID       string
	FlowName    string
	Status      string // "completed", "failed"
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	Steps       int
	Error       string
	WorkerID    string
}

// Store provides SQLite-backed storage for flow run records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// WAL keeps the status CLI readable while the worker writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores a run record. A later attempt for the same job_id replaces
// a prior non-completed row, so a failed run upgrades to completed when the
// retry succeeds. A completed row is final: Insert returns false and leaves
// it untouched.
func (s *Store) Insert(r Record) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO flow_runs (
			job_id, flow_name, status,
			started_at, completed_at, duration_ms,
			steps, error, worker_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status       = excluded.status,
			started_at   = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms  = excluded.duration_ms,
			steps        = excluded.steps,
			error        = excluded.error,
			worker_id    = excluded.worker_id
		WHERE flow_runs.status != 'completed'`,
		r.JobID, r.FlowName, r.Status,
		r.StartedAt.UTC().Format(time.RFC3339), r.CompletedAt.UTC().Format(time.RFC3339), r.DurationMs,
		r.Steps, r.Error, r.WorkerID,
	)
	if err != nil {
		return false, fmt.Errorf("insert flow run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Completed reports whether a run for job_id already finished successfully.
func (s *Store) Completed(jobID string) (bool, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM flow_runs WHERE job_id = ?`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query flow run: %w", err)
	}
	return status == "completed", nil
}

// Recent returns the most recent runs, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, flow_name, status,
		       started_at, completed_at, duration_ms,
		       steps, error, worker_id
		FROM flow_runs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var startedAt, completedAt string
		if err := rows.Scan(
			&r.ID, &r.JobID, &r.FlowName, &r.Status,
			&startedAt, &completedAt, &r.DurationMs,
			&r.Steps, &r.Error, &r.WorkerID,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, completedAt); err == nil {
			r.CompletedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
