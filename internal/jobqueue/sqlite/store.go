// Package sqlite implements jobqueue.Store atop modernc.org/sqlite, for
// embedded or single-node deployments that don't want a Postgres
// dependency. The schema and claim predicate are grounded directly in the
// upstream Rust implementation's SQLite query set.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/paulgsc/relayq/internal/jobqueue"
)

var _ jobqueue.Store = (*Store)(nil)

// Store is a modernc.org/sqlite-backed jobqueue.Store. SQLite has no
// SKIP LOCKED; claims instead use a transaction plus a conditional
// re-check on running_at/done_at in the claiming UPDATE.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS relayq_jobs (
	id            TEXT PRIMARY KEY,
	task_name     TEXT NOT NULL,
	queue_name    TEXT NOT NULL,
	uniq_hash     TEXT,
	payload       BLOB NOT NULL,
	timeout_msecs INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	scheduled_at  TEXT NOT NULL,
	running_at    TEXT,
	done_at       TEXT,
	error_info    BLOB,
	retries       INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 0,
	backoff_mode  TEXT NOT NULL DEFAULT 'NoBackoff'
);
CREATE INDEX IF NOT EXISTS relayq_jobs_claim_idx ON relayq_jobs (queue_name, scheduled_at, created_at) WHERE done_at IS NULL;
`

// Open creates (or reuses) the SQLite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobqueue/sqlite: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func parseOptionalTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type scanned struct {
	id           string
	taskName     string
	queueName    string
	uniqHash     sql.NullString
	payload      []byte
	timeoutMsecs int64
	createdAt    string
	scheduledAt  string
	runningAt    sql.NullString
	doneAt       sql.NullString
	errorInfo    []byte
	retries      int
	maxRetries   int
	backoffMode  string
}

func (r scanned) toJob() (jobqueue.Job, error) {
	id, err := uuid.Parse(r.id)
	if err != nil {
		return jobqueue.Job{}, err
	}
	createdAt, err := parseTime(r.createdAt)
	if err != nil {
		return jobqueue.Job{}, err
	}
	scheduledAt, err := parseTime(r.scheduledAt)
	if err != nil {
		return jobqueue.Job{}, err
	}
	runningAt, err := parseOptionalTime(r.runningAt)
	if err != nil {
		return jobqueue.Job{}, err
	}
	doneAt, err := parseOptionalTime(r.doneAt)
	if err != nil {
		return jobqueue.Job{}, err
	}

	job := jobqueue.Job{
		ID:           id,
		TaskName:     r.taskName,
		QueueName:    r.queueName,
		Payload:      json.RawMessage(r.payload),
		TimeoutMsecs: r.timeoutMsecs,
		CreatedAt:    createdAt,
		ScheduledAt:  scheduledAt,
		RunningAt:    runningAt,
		DoneAt:       doneAt,
		Retries:      r.retries,
		MaxRetries:   r.maxRetries,
		BackoffMode:  jobqueue.ParseBackoffMode(r.backoffMode),
	}
	if r.uniqHash.Valid {
		job.UniqHash = &r.uniqHash.String
	}
	if len(r.errorInfo) > 0 {
		var info jobqueue.ErrorInfo
		if err := json.Unmarshal(r.errorInfo, &info); err == nil {
			job.ErrorInfo = &info
		}
	}
	return job, nil
}

const jobColumns = `id, task_name, queue_name, uniq_hash, payload, timeout_msecs,
	created_at, scheduled_at, running_at, done_at, error_info, retries, max_retries, backoff_mode`

func scanRow(row *sql.Row) (scanned, error) {
	var r scanned
	err := row.Scan(&r.id, &r.taskName, &r.queueName, &r.uniqHash, &r.payload, &r.timeoutMsecs,
		&r.createdAt, &r.scheduledAt, &r.runningAt, &r.doneAt, &r.errorInfo, &r.retries, &r.maxRetries, &r.backoffMode)
	return r, err
}

// Enqueue implements jobqueue.Store. Grounded in queries.rs's `insert`,
// with a pre-check for a live uniq_hash collision (SQLite's expression
// index support for partial uniqueness is limited in practice, so the
// check is performed transactionally here rather than via a constraint).
func (s *Store) Enqueue(ctx context.Context, newJob jobqueue.NewJob) (jobqueue.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return jobqueue.Job{}, jobqueue.NewStorageError("enqueue", err)
	}
	defer tx.Rollback()

	if newJob.UniqHash != nil {
		row := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM relayq_jobs WHERE task_name = ? AND uniq_hash = ? AND done_at IS NULL
		`, newJob.TaskName, *newJob.UniqHash)
		var count int
		if err := row.Scan(&count); err != nil {
			return jobqueue.Job{}, jobqueue.NewStorageError("enqueue", err)
		}
		if count > 0 {
			return jobqueue.Job{}, &jobqueue.DuplicateEnqueue{TaskName: newJob.TaskName, UniqHash: *newJob.UniqHash}
		}
	}

	id := jobqueue.NewJobID()
	now := formatTime(time.Now())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO relayq_jobs (id, task_name, queue_name, uniq_hash, payload, timeout_msecs,
			created_at, scheduled_at, retries, max_retries, backoff_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id.String(), newJob.TaskName, newJob.QueueName, newJob.UniqHash, []byte(newJob.Payload), newJob.TimeoutMsecs,
		now, now, newJob.MaxRetries, newJob.BackoffMode.String())
	if err != nil {
		return jobqueue.Job{}, jobqueue.NewStorageError("enqueue", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM relayq_jobs WHERE id = ?`, id.String())
	r, err := scanRow(row)
	if err != nil {
		return jobqueue.Job{}, jobqueue.NewStorageError("enqueue", err)
	}
	if err := tx.Commit(); err != nil {
		return jobqueue.Job{}, jobqueue.NewStorageError("enqueue", err)
	}
	return r.toJob()
}

// PullNext implements jobqueue.Store. Grounded in queries.rs's
// `fetch_next_pending` predicate, translated to a transaction plus
// conditional UPDATE since SQLite has no SKIP LOCKED.
func (s *Store) PullNext(ctx context.Context, queueName string, executionTimeout *time.Duration, allowedTaskNames []string) (*jobqueue.Job, error) {
	if len(allowedTaskNames) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, jobqueue.NewStorageError("pull_next", err)
	}
	defer tx.Rollback()

	now := time.Now()
	placeholders := ""
	args := []any{queueName}
	for i, name := range allowedTaskNames {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, name)
	}
	args = append(args, formatTime(now))

	query := `
		SELECT ` + jobColumns + `
		FROM relayq_jobs
		WHERE queue_name = ? AND task_name IN (` + placeholders + `)
		  AND scheduled_at <= ?
		  AND done_at IS NULL
	`
	if executionTimeout != nil {
		query += " AND (running_at IS NULL OR running_at < ?)"
		args = append(args, formatTime(now.Add(-*executionTimeout)))
	} else {
		query += " AND running_at IS NULL"
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT 1"

	row := tx.QueryRowContext(ctx, query, args...)
	r, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, jobqueue.NewStorageError("pull_next", err)
	}

	nowStr := formatTime(now)
	res, err := tx.ExecContext(ctx, `
		UPDATE relayq_jobs SET running_at = ?
		WHERE id = ? AND done_at IS NULL AND running_at IS ?
	`, nowStr, r.id, r.runningAt)
	if err != nil {
		return nil, jobqueue.NewStorageError("pull_next", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, jobqueue.NewStorageError("pull_next", err)
	} else if n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, jobqueue.NewStorageError("pull_next", err)
	}

	r.runningAt = sql.NullString{String: nowStr, Valid: true}
	job, err := r.toJob()
	if err != nil {
		return nil, jobqueue.NewStorageError("pull_next", err)
	}
	return &job, nil
}

// SetTaskState implements jobqueue.Store.
func (s *Store) SetTaskState(ctx context.Context, id uuid.UUID, state jobqueue.State, errInfo *jobqueue.ErrorInfo) error {
	now := formatTime(time.Now())
	switch state {
	case jobqueue.Done:
		_, err := s.db.ExecContext(ctx, `
			UPDATE relayq_jobs SET done_at = ?, error_info = NULL WHERE id = ? AND done_at IS NULL
		`, now, id.String())
		if err != nil {
			return jobqueue.NewStorageError("set_task_state", err)
		}
	case jobqueue.Failed:
		var errJSON []byte
		if errInfo != nil {
			b, err := json.Marshal(errInfo)
			if err != nil {
				return &jobqueue.SerializationError{Err: err}
			}
			errJSON = b
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE relayq_jobs SET done_at = ?, error_info = ? WHERE id = ? AND done_at IS NULL
		`, now, errJSON, id.String())
		if err != nil {
			return jobqueue.NewStorageError("set_task_state", err)
		}
	}
	return nil
}

// ScheduleTaskRetry implements jobqueue.Store. Grounded in queries.rs's
// `schedule_retry`.
func (s *Store) ScheduleTaskRetry(ctx context.Context, id uuid.UUID, backoffDelay time.Duration, errInfo jobqueue.ErrorInfo) (jobqueue.Job, error) {
	errJSON, err := json.Marshal(errInfo)
	if err != nil {
		return jobqueue.Job{}, &jobqueue.SerializationError{Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return jobqueue.Job{}, jobqueue.NewStorageError("schedule_task_retry", err)
	}
	defer tx.Rollback()

	newScheduledAt := formatTime(time.Now().Add(backoffDelay))
	_, err = tx.ExecContext(ctx, `
		UPDATE relayq_jobs
		SET retries = retries + 1, scheduled_at = ?, running_at = NULL, error_info = ?
		WHERE id = ?
	`, newScheduledAt, errJSON, id.String())
	if err != nil {
		return jobqueue.Job{}, jobqueue.NewStorageError("schedule_task_retry", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM relayq_jobs WHERE id = ?`, id.String())
	r, err := scanRow(row)
	if err != nil {
		return jobqueue.Job{}, jobqueue.NewStorageError("schedule_task_retry", err)
	}
	if err := tx.Commit(); err != nil {
		return jobqueue.Job{}, jobqueue.NewStorageError("schedule_task_retry", err)
	}
	return r.toJob()
}

// RemoveTask implements jobqueue.Store.
func (s *Store) RemoveTask(ctx context.Context, id uuid.UUID) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM relayq_jobs WHERE id = ?`, id.String())
	if err != nil {
		return 0, jobqueue.NewStorageError("remove_task", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, jobqueue.NewStorageError("remove_task", err)
	}
	return n, nil
}
