// Package jobqueue implements a durable, database-backed background job
// system: a worker pool that pulls typed jobs from named queues persisted in
// a relational store, executes them under timeouts with exponential backoff
// and retry, and coordinates graceful shutdown across many concurrent
// workers.
package jobqueue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BackoffMode selects how the delay before a retry attempt is computed.
type BackoffMode int

const (
	// NoBackoff retries immediately (zero delay).
	NoBackoff BackoffMode = iota
	// ExponentialBackoff retries after 2^(attempt+1) seconds, saturating.
	ExponentialBackoff
)

// String renders the backoff mode using its persisted textual name.
func (m BackoffMode) String() string {
	switch m {
	case NoBackoff:
		return "NoBackoff"
	case ExponentialBackoff:
		return "ExponentialBackoff"
	default:
		return "NoBackoff"
	}
}

// ParseBackoffMode decodes a persisted backoff mode name. Decoding is
// case-insensitive; an unrecognized value conservatively decodes to
// NoBackoff rather than failing the caller.
func ParseBackoffMode(s string) BackoffMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exponentialbackoff":
		return ExponentialBackoff
	default:
		return NoBackoff
	}
}

// State is the derived lifecycle state of a Job, computed from its
// timestamps and error_info rather than stored directly.
type State int

const (
	// Ready is claimable: done_at and running_at are both unset.
	Ready State = iota
	// Running is claimed for the current attempt.
	Running
	// Done finished successfully.
	Done
	// Failed finished with an error recorded in ErrorInfo.
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrorInfo is the structured failure payload recorded on a terminally
// failed, or retry-scheduled, attempt.
type ErrorInfo struct {
	Error string `json:"error"`
}

// Job is the persisted unit of work. See package jobqueue's doc comment and
// the data model write-up for field semantics; State() derives the
// lifecycle state purely from these fields.
type Job struct {
	ID           uuid.UUID
	TaskName     string
	QueueName    string
	UniqHash     *string
	Payload      json.RawMessage
	TimeoutMsecs int64
	CreatedAt    time.Time
	ScheduledAt  time.Time
	RunningAt    *time.Time
	DoneAt       *time.Time
	ErrorInfo    *ErrorInfo
	Retries      int
	MaxRetries   int
	BackoffMode  BackoffMode
}

// State derives the job's lifecycle state from its timestamps and
// ErrorInfo. It never reads any field other than DoneAt, ErrorInfo and
// RunningAt, matching the data model's requirement that this be a pure
// function of the record.
func (j *Job) State() State {
	switch {
	case j.DoneAt != nil && j.ErrorInfo != nil:
		return Failed
	case j.DoneAt != nil:
		return Done
	case j.RunningAt != nil:
		return Running
	default:
		return Ready
	}
}

// Timeout returns the per-attempt wall-clock bound as a time.Duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMsecs) * time.Millisecond
}

// NewJob is the input to Store.Enqueue: everything needed to insert a fresh
// Ready record. retries/running_at/done_at/error_info are not settable here
// because enqueue always produces a fresh Ready record.
type NewJob struct {
	TaskName     string
	QueueName    string
	UniqHash     *string
	Payload      json.RawMessage
	TimeoutMsecs int64
	MaxRetries   int
	BackoffMode  BackoffMode
}

// DefaultTimeout is the per-attempt wall-clock bound Enqueue applies when
// no WithTimeout option is given.
const DefaultTimeout = 120 * time.Second

// CurrentTask is an attempt-scoped handle exposing identity and attempt
// metadata to a running task, without exposing the rest of the Job Record.
type CurrentTask struct {
	id        uuid.UUID
	retries   int
	createdAt time.Time
}

func newCurrentTask(j *Job) CurrentTask {
	return CurrentTask{id: j.ID, retries: j.Retries, createdAt: j.CreatedAt}
}

// ID returns the job's identifier.
func (t CurrentTask) ID() uuid.UUID { return t.id }

// RetryCount returns the number of previously completed failed attempts.
func (t CurrentTask) RetryCount() int { return t.retries }

// CreatedAt returns the job's original enqueue time.
func (t CurrentTask) CreatedAt() time.Time { return t.createdAt }

// NewJobID generates a Job Record identifier. Version 7 UUIDs are
// time-ordered, which keeps newly-enqueued rows clustered at the tail of
// the claim index; stores fall back to a version 4 UUID if the runtime's
// entropy source makes V7 generation fail.
func NewJobID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
