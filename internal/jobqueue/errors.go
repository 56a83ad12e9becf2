package jobqueue

import (
	"errors"
	"fmt"
)

// StorageError wraps any underlying store I/O or constraint-violation
// failure. It is always recoverable by the worker loop: claim and finalize
// paths log it and continue rather than terminating.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError naming the failing operation.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// SerializationError indicates a payload could not be encoded or decoded.
// For a claimed record this is always a terminal failure: the payload will
// not become valid on retry.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string { return fmt.Sprintf("serialization error: %v", e.Err) }
func (e *SerializationError) Unwrap() error { return e.Err }

// IsSerializationError reports whether err is a SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// UnknownTaskType indicates task_name has no registered executor. Always a
// terminal failure, never retried.
type UnknownTaskType struct {
	TaskName string
}

func (e *UnknownTaskType) Error() string { return fmt.Sprintf("unknown task type: %q", e.TaskName) }

// IsUnknownTaskType reports whether err is an UnknownTaskType.
func IsUnknownTaskType(err error) bool {
	var u *UnknownTaskType
	return errors.As(err, &u)
}

// TimeoutError indicates the runner exceeded timeout_msecs. Subject to the
// normal retry policy.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "task timed out" }

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// RunnerFailure wraps an error explicitly returned by a runner. Subject to
// the normal retry policy.
type RunnerFailure struct {
	Message string
}

func (e *RunnerFailure) Error() string { return e.Message }

// IsRunnerFailure reports whether err is a RunnerFailure.
func IsRunnerFailure(err error) bool {
	var r *RunnerFailure
	return errors.As(err, &r)
}

// RunnerAbort indicates a runner terminated abnormally (a recovered panic).
// Subject to the normal retry policy, same as any other runner failure.
type RunnerAbort struct {
	Message    string
	StackTrace string
}

func (e *RunnerAbort) Error() string { return fmt.Sprintf("runner aborted: %s", e.Message) }

// IsRunnerAbort reports whether err is a RunnerAbort.
func IsRunnerAbort(err error) bool {
	var r *RunnerAbort
	return errors.As(err, &r)
}

// DuplicateEnqueue is surfaced to the enqueue caller when UniqHash collides
// with a live (non-terminal) record.
type DuplicateEnqueue struct {
	TaskName string
	UniqHash string
}

func (e *DuplicateEnqueue) Error() string {
	return fmt.Sprintf("duplicate enqueue: task %q already has a live record with hash %q", e.TaskName, e.UniqHash)
}

// IsDuplicateEnqueue reports whether err is a DuplicateEnqueue.
func IsDuplicateEnqueue(err error) bool {
	var d *DuplicateEnqueue
	return errors.As(err, &d)
}
