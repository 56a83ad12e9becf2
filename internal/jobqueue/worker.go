package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// errForSpan records err on span when non-nil and returns err unchanged, so
// a span's error state can be set inline at a call site without an extra
// if-block.
func errForSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// maxIdleGrowthFactor bounds the idle-poll sleep growth to at most
// pullInterval * maxIdleGrowthFactor, per the worker loop's modest
// exponential backoff on repeated empty claims.
const maxIdleGrowthFactor = 8

// worker runs the pull-execute-finalize cycle for one pool slot, bound to a
// single queue and its queue's share of the registry.
type worker[AppCtx any] struct {
	id               int
	store            Store
	queue            string
	allowedTaskNames []string
	retention        RetentionMode
	pullInterval     time.Duration
	executionTimeout *time.Duration
	registry         *Registry[AppCtx]
	ctxFactory       func() AppCtx
	logger           *slog.Logger

	idleLogLimiter *rate.Limiter
}

func newWorker[AppCtx any](id int, store Store, qc QueueConfig, registry *Registry[AppCtx], ctxFactory func() AppCtx, logger *slog.Logger) *worker[AppCtx] {
	return &worker[AppCtx]{
		id:               id,
		store:            store,
		queue:            qc.Name,
		allowedTaskNames: registry.AllowedTaskNames(qc.Name),
		retention:        qc.RetentionMode,
		pullInterval:     qc.PullInterval,
		executionTimeout: qc.ExecutionTimeout,
		registry:         registry,
		ctxFactory:       ctxFactory,
		logger:           logger.With("queue_name", qc.Name, "worker_id", id),
		idleLogLimiter:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// run executes the worker loop until ctx is cancelled. It returns nil on a
// clean shutdown observation; any other return is an abnormal termination
// for the supervisor to restart.
func (w *worker[AppCtx]) run(ctx context.Context) error {
	w.logger.Info("worker started")

	idleStreak := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutdown observed")
			return nil
		default:
		}

		job, err := w.pullNext(ctx)
		if err != nil {
			w.logger.Error("store failure during claim", "error", err)
			if !w.sleep(ctx, w.pullInterval) {
				return nil
			}
			continue
		}

		if job == nil {
			idleStreak++
			if w.idleLogLimiter.Allow() {
				w.logger.Debug("no claimable job", "idle_streak", idleStreak)
			}
			if !w.sleep(ctx, w.idleSleepDuration(idleStreak)) {
				return nil
			}
			continue
		}

		idleStreak = 0
		claimsCounter.Add(ctx, 1, metric.WithAttributes(queueAttr(w.queue), taskAttr(job.TaskName)))
		w.executeAndFinalize(ctx, job)
	}
}

// pullNext wraps the store claim in a span so a trace backend can show
// claim latency and outcome alongside the rest of the attempt.
func (w *worker[AppCtx]) pullNext(ctx context.Context) (*Job, error) {
	ctx, span := tracer.Start(ctx, "jobqueue.pull_next", trace.WithAttributes(queueAttr(w.queue)))
	defer span.End()

	job, err := w.store.PullNext(ctx, w.queue, w.executionTimeout, w.allowedTaskNames)
	if err != nil {
		return nil, errForSpan(span, err)
	}
	if job != nil {
		span.SetAttributes(taskAttr(job.TaskName))
	}
	return job, nil
}

// idleSleepDuration grows the sleep between empty polls geometrically,
// capped at pullInterval * maxIdleGrowthFactor.
func (w *worker[AppCtx]) idleSleepDuration(idleStreak int) time.Duration {
	ceiling := w.pullInterval * maxIdleGrowthFactor
	grown := w.pullInterval
	for i := 1; i < idleStreak && grown < ceiling; i++ {
		grown *= 2
	}
	if grown > ceiling {
		grown = ceiling
	}
	return grown
}

// sleep waits for d or until ctx is cancelled, whichever comes first. It
// returns false if cancellation won the race.
func (w *worker[AppCtx]) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *worker[AppCtx]) executeAndFinalize(ctx context.Context, job *Job) {
	logger := w.logger.With("task_id", job.ID.String(), "task_name", job.TaskName)

	// Shutdown is observed only at iteration boundaries: an attempt already
	// claimed runs to completion (or its own timeout) and is finalized.
	ctx = context.WithoutCancel(ctx)

	runErr := w.execute(ctx, job, logger)

	ctx, span := tracer.Start(ctx, "jobqueue.finalize", trace.WithAttributes(queueAttr(w.queue), taskAttr(job.TaskName)))
	defer span.End()

	if runErr == nil {
		w.finalizeSuccess(ctx, job, logger)
		return
	}
	errForSpan(span, runErr)
	w.finalizeFailure(ctx, job, runErr, logger)
}

// execute resolves the registered executor, deserializes the payload, and
// runs it under a timeout. Any panic inside the runner is recovered and
// converted into a RunnerAbort.
func (w *worker[AppCtx]) execute(ctx context.Context, job *Job, logger *slog.Logger) (runErr error) {
	ex, ok := w.registry.lookup(job.TaskName)
	if !ok {
		return &UnknownTaskType{TaskName: job.TaskName}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &RunnerAbort{Message: fmt.Sprint(r), StackTrace: string(debug.Stack())}
			}
		}()
		task := newCurrentTask(job)
		app := w.ctxFactory()
		done <- ex.run(attemptCtx, job.Payload, task, app)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var ser *SerializationError
		var abort *RunnerAbort
		if errors.As(err, &ser) || errors.As(err, &abort) {
			return err
		}
		return &RunnerFailure{Message: err.Error()}
	case <-attemptCtx.Done():
		logger.Error("runner exceeded timeout", "timeout", job.Timeout())
		return &TimeoutError{}
	}
}

func (w *worker[AppCtx]) finalizeSuccess(ctx context.Context, job *Job, logger *slog.Logger) {
	switch w.retention {
	case RemoveAll, RemoveDone:
		if _, err := w.store.RemoveTask(ctx, job.ID); err != nil {
			logger.Error("failed removing completed job", "error", err)
		}
	case KeepAll:
		if err := w.store.SetTaskState(ctx, job.ID, Done, nil); err != nil {
			logger.Error("failed setting task state to done", "error", err)
		}
	}
}

func (w *worker[AppCtx]) finalizeFailure(ctx context.Context, job *Job, runErr error, logger *slog.Logger) {
	logger.Error("attempt failed", "error", runErr, "retries", job.Retries, "max_retries", job.MaxRetries)

	terminal := IsUnknownTaskType(runErr) || IsSerializationError(runErr)
	if !terminal && job.Retries < job.MaxRetries {
		backoff := Delay(job.BackoffMode, job.Retries)
		if _, err := w.store.ScheduleTaskRetry(ctx, job.ID, backoff, ErrorInfo{Error: runErr.Error()}); err != nil {
			logger.Error("failed scheduling retry", "error", err)
		}
		retriesCounter.Add(ctx, 1, metric.WithAttributes(queueAttr(w.queue), taskAttr(job.TaskName)))
		return
	}

	// Retries exhausted, or a failure that never succeeds on retry: terminal
	// failure, subject to retention.
	failuresCounter.Add(ctx, 1, metric.WithAttributes(queueAttr(w.queue), taskAttr(job.TaskName)))
	if w.retention == RemoveAll {
		if _, err := w.store.RemoveTask(ctx, job.ID); err != nil {
			logger.Error("failed removing exhausted job", "error", err)
		}
		return
	}
	if err := w.store.SetTaskState(ctx, job.ID, Failed, &ErrorInfo{Error: runErr.Error()}); err != nil {
		logger.Error("failed setting task state to failed", "error", err)
	}
}
