package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	timeout *time.Duration
}

// WithTimeout overrides the default per-attempt timeout for this job.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.timeout = &d }
}

// Enqueue serializes task's payload, reads its static TASK_NAME/QUEUE/
// MAX_RETRIES/BACKOFF_MODE, and hands a NewJob to store.Enqueue. The
// default timeout is DefaultTimeout (120s) unless WithTimeout overrides it.
func Enqueue[AppCtx any, T BackgroundTask[AppCtx]](ctx context.Context, store Store, task T, opts ...EnqueueOption) (Job, error) {
	options := enqueueOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return Job{}, &SerializationError{Err: err}
	}

	queue := task.Queue()
	if queue == "" {
		queue = "default"
	}

	timeout := DefaultTimeout
	if options.timeout != nil {
		timeout = *options.timeout
	}

	newJob := NewJob{
		TaskName:     task.TaskName(),
		QueueName:    queue,
		Payload:      payload,
		TimeoutMsecs: timeout.Milliseconds(),
		MaxRetries:   task.MaxRetries(),
		BackoffMode:  task.BackoffMode(),
	}

	if u, ok := any(task).(Uniquer); ok {
		if hash, present := u.UniqueHash(); present {
			newJob.UniqHash = &hash
		}
	}

	job, err := store.Enqueue(ctx, newJob)
	if err != nil {
		return Job{}, fmt.Errorf("jobqueue: enqueue %s: %w", newJob.TaskName, err)
	}
	return job, nil
}
