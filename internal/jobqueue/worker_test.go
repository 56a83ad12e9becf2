package jobqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulgsc/relayq/internal/jobqueue"
	"github.com/paulgsc/relayq/internal/jobqueue/memory"
)

type appCtx struct{}

type echoJob struct {
	N int `json:"n"`
}

func (echoJob) TaskName() string                 { return "echo" }
func (echoJob) Queue() string                    { return "default" }
func (echoJob) MaxRetries() int                  { return 0 }
func (echoJob) BackoffMode() jobqueue.BackoffMode { return jobqueue.ExponentialBackoff }

var lastObservedN atomic.Int64

func (e echoJob) Run(_ context.Context, _ jobqueue.CurrentTask, _ appCtx) error {
	lastObservedN.Store(int64(e.N))
	return nil
}

type flakyJob struct{}

var flakyAttempts atomic.Int64

func (flakyJob) TaskName() string                 { return "flaky" }
func (flakyJob) Queue() string                    { return "default" }
func (flakyJob) MaxRetries() int                  { return 2 }
func (flakyJob) BackoffMode() jobqueue.BackoffMode { return jobqueue.ExponentialBackoff }

func (flakyJob) Run(context.Context, jobqueue.CurrentTask, appCtx) error {
	n := flakyAttempts.Add(1)
	if n < 3 {
		return errors.New("not yet")
	}
	return nil
}

type alwaysFailJob struct{}

func (alwaysFailJob) TaskName() string                 { return "always_fail" }
func (alwaysFailJob) Queue() string                    { return "default" }
func (alwaysFailJob) MaxRetries() int                  { return 1 }
func (alwaysFailJob) BackoffMode() jobqueue.BackoffMode { return jobqueue.NoBackoff }

func (alwaysFailJob) Run(context.Context, jobqueue.CurrentTask, appCtx) error {
	return errors.New("boom")
}

type timeoutJob struct{}

func (timeoutJob) TaskName() string                 { return "slow" }
func (timeoutJob) Queue() string                    { return "default" }
func (timeoutJob) MaxRetries() int                  { return 0 }
func (timeoutJob) BackoffMode() jobqueue.BackoffMode { return jobqueue.NoBackoff }

func (timeoutJob) Run(_ context.Context, _ jobqueue.CurrentTask, _ appCtx) error {
	// Ignores its context deadline deliberately so the worker's own timeout
	// race (not the runner returning early) is what classifies this attempt.
	time.Sleep(time.Second)
	return nil
}

type panicJob struct{}

func (panicJob) TaskName() string                 { return "panicky" }
func (panicJob) Queue() string                    { return "default" }
func (panicJob) MaxRetries() int                  { return 0 }
func (panicJob) BackoffMode() jobqueue.BackoffMode { return jobqueue.NoBackoff }

func (panicJob) Run(context.Context, jobqueue.CurrentTask, appCtx) error {
	panic("deliberate failure in test runner")
}

func buildPool(t *testing.T, store jobqueue.Store, register func(*jobqueue.PoolBuilder[appCtx]), qc jobqueue.QueueConfig) *jobqueue.WorkerPool[appCtx] {
	t.Helper()
	builder := jobqueue.NewPoolBuilder[appCtx](store, func() appCtx { return appCtx{} })
	register(builder)
	builder.ConfigureQueue(qc)
	pool, err := builder.Build()
	require.NoError(t, err)
	return pool
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

// Grounded in the original worker's execute_and_finishes_task: a single
// echo job is claimed, run, and removed under RemoveDone retention.
func TestWorker_HappyPath_EchoJobIsRemovedOnSuccess(t *testing.T) {
	store := memory.New(nil)
	pool := buildPool(t, store, func(b *jobqueue.PoolBuilder[appCtx]) {
		jobqueue.RegisterTaskType[echoJob](b, echoJob{})
	}, jobqueue.QueueConfig{Name: "default", NumWorkers: 1, PullInterval: 10 * time.Millisecond, RetentionMode: jobqueue.RemoveDone})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := pool.Start(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(echoJob{N: 7})
	job, err := store.Enqueue(ctx, jobqueue.NewJob{
		TaskName: "echo", QueueName: "default", Payload: payload,
		TimeoutMsecs: jobqueue.DefaultTimeout.Milliseconds(), MaxRetries: 0, BackoffMode: jobqueue.ExponentialBackoff,
	})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		_, exists := store.Get(job.ID)
		return !exists
	})
	assert.Equal(t, int64(7), lastObservedN.Load())

	cancel()
	require.NoError(t, handle.Wait())
}

// Grounded in retries_task_test: fails on attempts 1-2, succeeds on 3,
// terminal state Done with retries=2.
func TestWorker_RetrySuccess_EventuallyCompletesAfterFlakes(t *testing.T) {
	flakyAttempts.Store(0)
	store := memory.New(nil)
	pool := buildPool(t, store, func(b *jobqueue.PoolBuilder[appCtx]) {
		jobqueue.RegisterTaskType[flakyJob](b, flakyJob{})
	}, jobqueue.QueueConfig{Name: "default", NumWorkers: 1, PullInterval: 10 * time.Millisecond, RetentionMode: jobqueue.KeepAll})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := pool.Start(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(flakyJob{})
	job, err := store.Enqueue(ctx, jobqueue.NewJob{
		TaskName: "flaky", QueueName: "default", Payload: payload,
		TimeoutMsecs: jobqueue.DefaultTimeout.Milliseconds(), MaxRetries: 2, BackoffMode: jobqueue.ExponentialBackoff,
	})
	require.NoError(t, err)

	waitUntil(t, 15*time.Second, func() bool {
		current, exists := store.Get(job.ID)
		return exists && current.State() == jobqueue.Done
	})

	final, _ := store.Get(job.ID)
	assert.Equal(t, 2, final.Retries)

	cancel()
	require.NoError(t, handle.Wait())
}

// Grounded in saves_error_for_failed_task: max_retries exhausted, terminal
// Failed with error_info.error == "boom".
func TestWorker_ExhaustedRetries_TerminatesFailedWithErrorMessage(t *testing.T) {
	store := memory.New(nil)
	pool := buildPool(t, store, func(b *jobqueue.PoolBuilder[appCtx]) {
		jobqueue.RegisterTaskType[alwaysFailJob](b, alwaysFailJob{})
	}, jobqueue.QueueConfig{Name: "default", NumWorkers: 1, PullInterval: 10 * time.Millisecond, RetentionMode: jobqueue.KeepAll})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := pool.Start(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(alwaysFailJob{})
	job, err := store.Enqueue(ctx, jobqueue.NewJob{
		TaskName: "always_fail", QueueName: "default", Payload: payload,
		TimeoutMsecs: jobqueue.DefaultTimeout.Milliseconds(), MaxRetries: 1, BackoffMode: jobqueue.NoBackoff,
	})
	require.NoError(t, err)

	waitUntil(t, 5*time.Second, func() bool {
		current, exists := store.Get(job.ID)
		return exists && current.State() == jobqueue.Failed
	})

	final, _ := store.Get(job.ID)
	assert.Equal(t, 1, final.Retries)
	require.NotNil(t, final.ErrorInfo)
	assert.Equal(t, "boom", final.ErrorInfo.Error)

	cancel()
	require.NoError(t, handle.Wait())
}

// Grounded in executes_task_only_of_specific_type: a worker bound to queue
// "default" never claims a record enqueued on queue "secondary", even
// though the record's task type is registered and allowed on "default".
func TestWorker_QueueIsolation_NeverClaimsAnotherQueuesJob(t *testing.T) {
	store := memory.New(nil)
	pool := buildPool(t, store, func(b *jobqueue.PoolBuilder[appCtx]) {
		jobqueue.RegisterTaskType[echoJob](b, echoJob{})
	}, jobqueue.QueueConfig{Name: "default", NumWorkers: 1, PullInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := pool.Start(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(echoJob{N: 1})
	job, err := store.Enqueue(ctx, jobqueue.NewJob{
		TaskName: "echo", QueueName: "secondary", Payload: payload,
		TimeoutMsecs: jobqueue.DefaultTimeout.Milliseconds(),
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	current, exists := store.Get(job.ID)
	require.True(t, exists)
	assert.Equal(t, jobqueue.Ready, current.State())

	cancel()
	require.NoError(t, handle.Wait())
}

// Grounded in §4.4 step 4: a runner that exceeds timeout_msecs is
// classified Timeout, a transient failure subject to the retry policy.
func TestWorker_TimeoutIsClassifiedAsFailureSubjectToRetry(t *testing.T) {
	store := memory.New(nil)
	pool := buildPool(t, store, func(b *jobqueue.PoolBuilder[appCtx]) {
		jobqueue.RegisterTaskType[timeoutJob](b, timeoutJob{})
	}, jobqueue.QueueConfig{Name: "default", NumWorkers: 1, PullInterval: 10 * time.Millisecond, RetentionMode: jobqueue.KeepAll})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := pool.Start(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(timeoutJob{})
	job, err := store.Enqueue(ctx, jobqueue.NewJob{
		TaskName: "slow", QueueName: "default", Payload: payload,
		TimeoutMsecs: 20, MaxRetries: 0,
	})
	require.NoError(t, err)

	waitUntil(t, 2*time.Second, func() bool {
		current, exists := store.Get(job.ID)
		return exists && current.State() == jobqueue.Failed
	})

	final, _ := store.Get(job.ID)
	require.NotNil(t, final.ErrorInfo)
	assert.Equal(t, "task timed out", final.ErrorInfo.Error)

	cancel()
	require.NoError(t, handle.Wait())
}

// Grounded in the panic-isolation design note: a runner's panic must not
// poison the worker loop, and is converted into a structured failure.
func TestWorker_RunnerPanicIsIsolatedAsFailure(t *testing.T) {
	store := memory.New(nil)
	pool := buildPool(t, store, func(b *jobqueue.PoolBuilder[appCtx]) {
		jobqueue.RegisterTaskType[panicJob](b, panicJob{})
	}, jobqueue.QueueConfig{Name: "default", NumWorkers: 1, PullInterval: 10 * time.Millisecond, RetentionMode: jobqueue.KeepAll})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := pool.Start(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(panicJob{})
	job, err := store.Enqueue(ctx, jobqueue.NewJob{
		TaskName: "panicky", QueueName: "default", Payload: payload,
		TimeoutMsecs: jobqueue.DefaultTimeout.Milliseconds(),
	})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		current, exists := store.Get(job.ID)
		return exists && current.State() == jobqueue.Failed
	})

	final, _ := store.Get(job.ID)
	require.NotNil(t, final.ErrorInfo)
	assert.Contains(t, final.ErrorInfo.Error, "deliberate failure")

	cancel()
	require.NoError(t, handle.Wait())
}

// Grounded in remove_when_finished: RemoveAll deletes the record even on
// terminal failure.
func TestWorker_RemoveAllRetention_DeletesEvenOnTerminalFailure(t *testing.T) {
	store := memory.New(nil)
	pool := buildPool(t, store, func(b *jobqueue.PoolBuilder[appCtx]) {
		jobqueue.RegisterTaskType[alwaysFailJob](b, alwaysFailJob{})
	}, jobqueue.QueueConfig{Name: "default", NumWorkers: 1, PullInterval: 10 * time.Millisecond, RetentionMode: jobqueue.RemoveAll})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := pool.Start(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(alwaysFailJob{})
	job, err := store.Enqueue(ctx, jobqueue.NewJob{
		TaskName: "always_fail", QueueName: "default", Payload: payload,
		TimeoutMsecs: jobqueue.DefaultTimeout.Milliseconds(), MaxRetries: 0,
	})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		_, exists := store.Get(job.ID)
		return !exists
	})

	cancel()
	require.NoError(t, handle.Wait())
}

func TestWorker_GracefulShutdown_DrainsInFlightAttemptBeforeJoining(t *testing.T) {
	store := memory.New(nil)
	pool := buildPool(t, store, func(b *jobqueue.PoolBuilder[appCtx]) {
		jobqueue.RegisterTaskType[sleeperJob](b, sleeperJob{})
	}, jobqueue.QueueConfig{Name: "default", NumWorkers: 1, PullInterval: 10 * time.Millisecond, RetentionMode: jobqueue.KeepAll})

	ctx, cancel := context.WithCancel(context.Background())

	handle, err := pool.Start(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(sleeperJob{})
	job, err := store.Enqueue(context.Background(), jobqueue.NewJob{
		TaskName: "sleeper", QueueName: "default", Payload: payload,
		TimeoutMsecs: jobqueue.DefaultTimeout.Milliseconds(),
	})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		current, exists := store.Get(job.ID)
		return exists && current.State() == jobqueue.Running
	})

	cancel()
	require.NoError(t, handle.Wait())

	final, _ := store.Get(job.ID)
	assert.Equal(t, jobqueue.Done, final.State())
}

type sleeperJob struct{}

func (sleeperJob) TaskName() string                 { return "sleeper" }
func (sleeperJob) Queue() string                    { return "default" }
func (sleeperJob) MaxRetries() int                  { return 0 }
func (sleeperJob) BackoffMode() jobqueue.BackoffMode { return jobqueue.NoBackoff }

func (sleeperJob) Run(context.Context, jobqueue.CurrentTask, appCtx) error {
	time.Sleep(150 * time.Millisecond)
	return nil
}

func ExampleEnqueue() {
	store := memory.New(nil)
	_, err := jobqueue.Enqueue[appCtx](context.Background(), store, echoJob{N: 1})
	fmt.Println(err)
	// Output: <nil>
}
