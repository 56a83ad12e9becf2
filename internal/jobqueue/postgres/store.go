package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paulgsc/relayq/internal/jobqueue"
)

var _ jobqueue.Store = (*Store)(nil)

// Store is the canonical jobqueue.Store implementation, backed by a
// pgxpool.Pool. Claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never observe the same record.
type Store struct {
	pool *pgxpool.Pool
}

// connRetry wraps a single store operation with a short, jittered retry
// against transient connection failures (pool exhaustion, connection
// reset). This is distinct from jobqueue.Delay, which governs job-level
// retry scheduling and has no jitter.
func connRetry[T any](ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && isTransient(err) {
			return v, err
		}
		if err != nil {
			return v, backoff.Permanent(err)
		}
		return v, nil
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		var zero T
		return zero, jobqueue.NewStorageError(op, err)
	}
	return result, nil
}

func isTransient(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		// Class 08 is "Connection Exception" in the Postgres error code table.
		return len(pgErr.SQLState()) >= 2 && pgErr.SQLState()[:2] == "08"
	}
	return false
}

type jobRow struct {
	id           uuid.UUID
	taskName     string
	queueName    string
	uniqHash     *string
	payload      []byte
	timeoutMsecs int64
	createdAt    time.Time
	scheduledAt  time.Time
	runningAt    *time.Time
	doneAt       *time.Time
	errorInfo    []byte
	retries      int32
	maxRetries   int32
	backoffMode  string
}

func (r jobRow) toJob() jobqueue.Job {
	job := jobqueue.Job{
		ID:           r.id,
		TaskName:     r.taskName,
		QueueName:    r.queueName,
		UniqHash:     r.uniqHash,
		Payload:      json.RawMessage(r.payload),
		TimeoutMsecs: r.timeoutMsecs,
		CreatedAt:    r.createdAt,
		ScheduledAt:  r.scheduledAt,
		RunningAt:    r.runningAt,
		DoneAt:       r.doneAt,
		Retries:      int(r.retries),
		MaxRetries:   int(r.maxRetries),
		BackoffMode:  jobqueue.ParseBackoffMode(r.backoffMode),
	}
	if len(r.errorInfo) > 0 {
		var info jobqueue.ErrorInfo
		if err := json.Unmarshal(r.errorInfo, &info); err == nil {
			job.ErrorInfo = &info
		}
	}
	return job
}

const jobColumns = `id, task_name, queue_name, uniq_hash, payload, timeout_msecs,
	created_at, scheduled_at, running_at, done_at, error_info, retries, max_retries, backoff_mode`

func scanJobRow(row pgx.Row) (jobRow, error) {
	var r jobRow
	err := row.Scan(&r.id, &r.taskName, &r.queueName, &r.uniqHash, &r.payload, &r.timeoutMsecs,
		&r.createdAt, &r.scheduledAt, &r.runningAt, &r.doneAt, &r.errorInfo, &r.retries, &r.maxRetries, &r.backoffMode)
	return r, err
}

// Enqueue implements jobqueue.Store.
func (s *Store) Enqueue(ctx context.Context, newJob jobqueue.NewJob) (jobqueue.Job, error) {
	return connRetry(ctx, "enqueue", func(ctx context.Context) (jobqueue.Job, error) {
		id := jobqueue.NewJobID()
		now := time.Now().UTC()

		row := s.pool.QueryRow(ctx, `
			INSERT INTO relayq_jobs (id, task_name, queue_name, uniq_hash, payload, timeout_msecs,
				created_at, scheduled_at, retries, max_retries, backoff_mode)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 0, $8, $9)
			RETURNING `+jobColumns,
			id, newJob.TaskName, newJob.QueueName, newJob.UniqHash, []byte(newJob.Payload), newJob.TimeoutMsecs,
			now, newJob.MaxRetries, newJob.BackoffMode.String(),
		)

		r, err := scanJobRow(row)
		if err != nil {
			if isUniqueViolation(err) {
				hash := ""
				if newJob.UniqHash != nil {
					hash = *newJob.UniqHash
				}
				return jobqueue.Job{}, backoff.Permanent(&jobqueue.DuplicateEnqueue{TaskName: newJob.TaskName, UniqHash: hash})
			}
			return jobqueue.Job{}, err
		}
		return r.toJob(), nil
	})
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

// PullNext implements jobqueue.Store, using SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent workers never race on the same row.
func (s *Store) PullNext(ctx context.Context, queueName string, executionTimeout *time.Duration, allowedTaskNames []string) (*jobqueue.Job, error) {
	if len(allowedTaskNames) == 0 {
		return nil, nil
	}

	return connRetry(ctx, "pull_next", func(ctx context.Context) (*jobqueue.Job, error) {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback(ctx)

		now := time.Now().UTC()
		var reclaimThreshold *time.Time
		if executionTimeout != nil {
			t := now.Add(-*executionTimeout)
			reclaimThreshold = &t
		}

		row := tx.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM relayq_jobs
			WHERE queue_name = $1
			  AND task_name = ANY($2)
			  AND scheduled_at <= $3
			  AND done_at IS NULL
			  AND (running_at IS NULL OR (running_at < $4 AND $4 IS NOT NULL))
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, queueName, allowedTaskNames, now, reclaimThreshold)

		r, err := scanJobRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}

		if _, err := tx.Exec(ctx, `UPDATE relayq_jobs SET running_at = $1 WHERE id = $2`, now, r.id); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		r.runningAt = &now
		job := r.toJob()
		return &job, nil
	})
}

// SetTaskState implements jobqueue.Store. Idempotent: a record already
// terminal is left untouched.
func (s *Store) SetTaskState(ctx context.Context, id uuid.UUID, state jobqueue.State, errInfo *jobqueue.ErrorInfo) error {
	_, err := connRetry(ctx, "set_task_state", func(ctx context.Context) (struct{}, error) {
		var errJSON []byte
		if state == jobqueue.Failed && errInfo != nil {
			b, err := json.Marshal(errInfo)
			if err != nil {
				return struct{}{}, backoff.Permanent(&jobqueue.SerializationError{Err: err})
			}
			errJSON = b
		}

		switch state {
		case jobqueue.Done:
			_, err := s.pool.Exec(ctx, `
				UPDATE relayq_jobs SET done_at = $1, error_info = NULL
				WHERE id = $2 AND done_at IS NULL
			`, time.Now().UTC(), id)
			return struct{}{}, err
		case jobqueue.Failed:
			_, err := s.pool.Exec(ctx, `
				UPDATE relayq_jobs SET done_at = $1, error_info = $2
				WHERE id = $3 AND done_at IS NULL
			`, time.Now().UTC(), errJSON, id)
			return struct{}{}, err
		default:
			return struct{}{}, nil
		}
	})
	return err
}

// ScheduleTaskRetry implements jobqueue.Store.
func (s *Store) ScheduleTaskRetry(ctx context.Context, id uuid.UUID, backoffDelay time.Duration, errInfo jobqueue.ErrorInfo) (jobqueue.Job, error) {
	return connRetry(ctx, "schedule_task_retry", func(ctx context.Context) (jobqueue.Job, error) {
		errJSON, err := json.Marshal(errInfo)
		if err != nil {
			return jobqueue.Job{}, backoff.Permanent(&jobqueue.SerializationError{Err: err})
		}

		row := s.pool.QueryRow(ctx, `
			UPDATE relayq_jobs
			SET retries = retries + 1,
			    scheduled_at = $1,
			    running_at = NULL,
			    error_info = $2
			WHERE id = $3
			RETURNING `+jobColumns,
			time.Now().UTC().Add(backoffDelay), errJSON, id,
		)

		r, err := scanJobRow(row)
		if err != nil {
			return jobqueue.Job{}, err
		}
		return r.toJob(), nil
	})
}

// RemoveTask implements jobqueue.Store.
func (s *Store) RemoveTask(ctx context.Context, id uuid.UUID) (int64, error) {
	return connRetry(ctx, "remove_task", func(ctx context.Context) (int64, error) {
		tag, err := s.pool.Exec(ctx, `DELETE FROM relayq_jobs WHERE id = $1`, id)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}

