package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// BackgroundTask is the interface a typed job implements to become
// registerable and runnable by a WorkerPool. AppCtx is the application
// context type shared across all task types registered on the same pool.
type BackgroundTask[AppCtx any] interface {
	// TaskName is a stable string identifying this type's executor in the
	// registry. Must be unique across all task types on a pool.
	TaskName() string
	// Queue is the named partition this task type's jobs are pulled from.
	// An empty string defaults to "default".
	Queue() string
	// MaxRetries bounds the number of retry attempts after the first
	// failure. Zero means a single attempt, never retried.
	MaxRetries() int
	// BackoffMode selects how the retry delay is computed.
	BackoffMode() BackoffMode
	// Run executes one attempt. The context carries the per-attempt
	// timeout deadline.
	Run(ctx context.Context, task CurrentTask, app AppCtx) error
}

// Uniquer is an optional extension of BackgroundTask: task types that want
// enqueue-time de-duplication implement it to supply a short hash.
type Uniquer interface {
	UniqueHash() (hash string, ok bool)
}

// executor is the type-erased, registry-internal binding of a task name to
// its deserializer and runner. It closes over the concrete payload type so
// that the worker loop itself is monomorphic.
type executor[AppCtx any] struct {
	taskName    string
	queue       string
	maxRetries  int
	backoffMode BackoffMode
	run         func(ctx context.Context, payload json.RawMessage, task CurrentTask, app AppCtx) error
}

// Registry is the process-wide, frozen-after-build map from task_name to
// executor. Built during pool configuration; immutable once the pool
// starts.
type Registry[AppCtx any] struct {
	mu        sync.RWMutex
	executors map[string]executor[AppCtx]
}

// NewRegistry returns an empty registry.
func NewRegistry[AppCtx any]() *Registry[AppCtx] {
	return &Registry[AppCtx]{executors: make(map[string]executor[AppCtx])}
}

// Register binds a task type's static configuration and Run method into
// the registry. Returns an error if TaskName is empty or already
// registered — a duplicate registration is a programming error that must
// surface at pool build time, not silently overwrite.
func Register[T BackgroundTask[AppCtx], AppCtx any](r *Registry[AppCtx], zero T) error {
	name := zero.TaskName()
	if name == "" {
		return fmt.Errorf("jobqueue: task type %T has an empty TaskName", zero)
	}

	queue := zero.Queue()
	if queue == "" {
		queue = "default"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("jobqueue: task name %q already registered", name)
	}

	r.executors[name] = executor[AppCtx]{
		taskName:    name,
		queue:       queue,
		maxRetries:  zero.MaxRetries(),
		backoffMode: zero.BackoffMode(),
		run: func(ctx context.Context, payload json.RawMessage, task CurrentTask, app AppCtx) error {
			var typed T
			if err := json.Unmarshal(payload, &typed); err != nil {
				return &SerializationError{Err: err}
			}
			return typed.Run(ctx, task, app)
		},
	}
	return nil
}

// lookup returns the executor registered for name, if any.
func (r *Registry[AppCtx]) lookup(name string) (executor[AppCtx], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	return ex, ok
}

// AllowedTaskNames returns the sorted set of task_name values whose Queue
// equals queue. This is the allowed_task_names argument passed to
// Store.PullNext by workers bound to that queue.
func (r *Registry[AppCtx]) AllowedTaskNames(queue string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, ex := range r.executors {
		if ex.queue == queue {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// queuesInUse returns the distinct set of queue names referenced by any
// registered task type, used to validate QueueConfig at build time.
func (r *Registry[AppCtx]) queuesInUse() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queues := make(map[string]bool, len(r.executors))
	for _, ex := range r.executors {
		queues[ex.queue] = true
	}
	return queues
}

func (r *Registry[AppCtx]) defaultsFor(taskName string) (maxRetries int, mode BackoffMode, ok bool) {
	ex, found := r.lookup(taskName)
	if !found {
		return 0, NoBackoff, false
	}
	return ex.maxRetries, ex.backoffMode, true
}
