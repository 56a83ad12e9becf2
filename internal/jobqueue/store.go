package jobqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the capability surface the core consumes, not an implementation.
// An implementation atop a transactional SQL database (see ./postgres) is
// canonical; the ./sqlite and ./memory packages provide equivalents atop
// single-row conditional update. Store I/O failures are reported as a
// StorageError that preserves the triggering cause via errors.Unwrap; a
// rejected duplicate enqueue is a DuplicateEnqueue.
type Store interface {
	// Enqueue inserts a new Ready record. If job.UniqHash is non-nil and a
	// non-terminal record with the same (TaskName, UniqHash) exists, it
	// fails with a DuplicateEnqueue error instead of inserting.
	Enqueue(ctx context.Context, job NewJob) (Job, error)

	// PullNext atomically selects and claims exactly one eligible record on
	// queueName, setting RunningAt = now in the same atomic step. It
	// returns (nil, nil) when nothing qualifies. When executionTimeout is
	// non-nil, a record whose RunningAt is older than now-executionTimeout
	// is eligible for reclaim even though it appears Running.
	PullNext(ctx context.Context, queueName string, executionTimeout *time.Duration, allowedTaskNames []string) (*Job, error)

	// SetTaskState finalizes a record as Done or Failed. Idempotent: a
	// repeat call with the same target state is a no-op.
	SetTaskState(ctx context.Context, id uuid.UUID, state State, errInfo *ErrorInfo) error

	// ScheduleTaskRetry atomically increments Retries, sets
	// ScheduledAt = now+backoff, clears RunningAt, and records errInfo. It
	// returns the updated record, moving it back to Ready.
	ScheduleTaskRetry(ctx context.Context, id uuid.UUID, backoff time.Duration, errInfo ErrorInfo) (Job, error)

	// RemoveTask deletes the record, returning the number of rows
	// affected (0 if no record had that id).
	RemoveTask(ctx context.Context, id uuid.UUID) (int64, error)
}
