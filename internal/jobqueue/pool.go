package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// QueueConfig configures one named queue's share of the worker pool.
type QueueConfig struct {
	// Name is the queue partition key.
	Name string
	// NumWorkers is how many workers are spawned for this queue. Defaults
	// to 3 when zero.
	NumWorkers int
	// PullInterval is the base idle-poll interval. Defaults to 1s when
	// zero.
	PullInterval time.Duration
	// RetentionMode applied at finalize. Defaults to RemoveDone.
	RetentionMode RetentionMode
	// ExecutionTimeout, when set, lets PullNext reclaim an attempt whose
	// RunningAt is older than now-ExecutionTimeout.
	ExecutionTimeout *time.Duration
}

func (qc QueueConfig) withDefaults() QueueConfig {
	if qc.NumWorkers <= 0 {
		qc.NumWorkers = 3
	}
	if qc.PullInterval <= 0 {
		qc.PullInterval = time.Second
	}
	return qc
}

// PoolBuilder is the fluent construction surface: register task types,
// configure queues, then Build.
type PoolBuilder[AppCtx any] struct {
	store      Store
	ctxFactory func() AppCtx
	logger     *slog.Logger
	registry   *Registry[AppCtx]
	queues     map[string]QueueConfig
	buildErr   error
}

// NewPoolBuilder starts a pool configuration phase over store, producing a
// fresh AppCtx per attempt via ctxFactory.
func NewPoolBuilder[AppCtx any](store Store, ctxFactory func() AppCtx) *PoolBuilder[AppCtx] {
	return &PoolBuilder[AppCtx]{
		store:      store,
		ctxFactory: ctxFactory,
		logger:     slog.Default(),
		registry:   NewRegistry[AppCtx](),
		queues:     make(map[string]QueueConfig),
	}
}

// WithLogger overrides the default slog logger used by the pool and its
// workers.
func (b *PoolBuilder[AppCtx]) WithLogger(logger *slog.Logger) *PoolBuilder[AppCtx] {
	b.logger = logger
	return b
}

// RegisterTaskType registers a task type's executor. A duplicate
// TaskName is recorded and surfaced by Build, not here, so the fluent
// chain can continue uninterrupted.
func RegisterTaskType[T BackgroundTask[AppCtx], AppCtx any](b *PoolBuilder[AppCtx], zero T) *PoolBuilder[AppCtx] {
	if err := Register[T](b.registry, zero); err != nil && b.buildErr == nil {
		b.buildErr = err
	}
	return b
}

// ConfigureQueue registers or overrides a queue's configuration.
func (b *PoolBuilder[AppCtx]) ConfigureQueue(qc QueueConfig) *PoolBuilder[AppCtx] {
	if qc.Name == "" {
		qc.Name = "default"
	}
	b.queues[qc.Name] = qc.withDefaults()
	return b
}

// Build validates the configuration and returns a WorkerPool ready to
// Start. Unknown queues referenced by registered task types are a build
// error; configured queues with no registered task types only warn.
func (b *PoolBuilder[AppCtx]) Build() (*WorkerPool[AppCtx], error) {
	if b.buildErr != nil {
		return nil, b.buildErr
	}

	queuesInUse := b.registry.queuesInUse()
	for queue := range queuesInUse {
		if _, configured := b.queues[queue]; !configured {
			return nil, fmt.Errorf("jobqueue: queue %q has registered task types but no QueueConfig", queue)
		}
	}
	for name := range b.queues {
		if !queuesInUse[name] {
			b.logger.Warn("queue configured but no registered task type uses it", "queue_name", name)
		}
	}

	return &WorkerPool[AppCtx]{
		store:      b.store,
		ctxFactory: b.ctxFactory,
		logger:     b.logger,
		registry:   b.registry,
		queues:     b.queues,
	}, nil
}

// WorkerPool owns Σ NumWorkers workers across its configured queues, each
// supervised independently.
type WorkerPool[AppCtx any] struct {
	store      Store
	ctxFactory func() AppCtx
	logger     *slog.Logger
	registry   *Registry[AppCtx]
	queues     map[string]QueueConfig
}

// JoinHandle is returned by Start; Wait blocks until every worker has
// observed shutdown and drained its current attempt.
type JoinHandle struct {
	group *errgroup.Group
	mu    *sync.Mutex
	errs  *error
}

// Wait blocks until all workers have exited. Each worker reports the last
// abnormal error its supervisor observed before shutdown (nil on the
// ordinary path); Wait folds all of them together with multierr so a
// caller sees every queue's terminal state instead of only the first one
// errgroup would otherwise surface.
func (h *JoinHandle) Wait() error {
	_ = h.group.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.errs
}

// Start spawns Σ NumWorkers workers, each bound to its queue and that
// queue's share of the registry, and returns immediately with a JoinHandle.
// Workers run until ctx is cancelled.
func (p *WorkerPool[AppCtx]) Start(ctx context.Context) (*JoinHandle, error) {
	if len(p.queues) == 0 {
		return nil, fmt.Errorf("jobqueue: pool has no configured queues")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var combined error

	workerID := 0
	for _, qc := range p.queues {
		qc := qc
		for i := 0; i < qc.NumWorkers; i++ {
			workerID++
			id := workerID
			group.Go(func() error {
				err := supervise(groupCtx, p.logger.With("queue_name", qc.Name, "worker_id", id), func(runCtx context.Context) error {
					w := newWorker(id, p.store, qc, p.registry, p.ctxFactory, p.logger)
					return w.run(runCtx)
				})
				if err != nil {
					mu.Lock()
					combined = multierr.Append(combined, fmt.Errorf("queue %q worker %d: %w", qc.Name, id, err))
					mu.Unlock()
				}
				return nil
			})
		}
	}

	return &JoinHandle{group: group, mu: &mu, errs: &combined}, nil
}
