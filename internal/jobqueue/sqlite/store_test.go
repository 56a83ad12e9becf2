package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulgsc/relayq/internal/jobqueue"
	"github.com/paulgsc/relayq/internal/jobqueue/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Enqueue_RoundTripsThroughPullNextAndFinalize(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	enqueued, err := store.Enqueue(ctx, jobqueue.NewJob{TaskName: "t", QueueName: "q", BackoffMode: jobqueue.ExponentialBackoff})
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Ready, enqueued.State())
	assert.Equal(t, jobqueue.ExponentialBackoff, enqueued.BackoffMode)

	claimed, err := store.PullNext(ctx, "q", nil, []string{"t"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.SetTaskState(ctx, claimed.ID, jobqueue.Done, nil))

	n, err := store.RemoveTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_Enqueue_RejectsLiveDuplicateHash(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	hash := "dup"

	_, err := store.Enqueue(ctx, jobqueue.NewJob{TaskName: "t", QueueName: "q", UniqHash: &hash})
	require.NoError(t, err)

	_, err = store.Enqueue(ctx, jobqueue.NewJob{TaskName: "t", QueueName: "q", UniqHash: &hash})
	assert.True(t, jobqueue.IsDuplicateEnqueue(err))
}

func TestStore_ScheduleTaskRetry_ReturnsToReadyWithIncrementedRetries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, jobqueue.NewJob{TaskName: "t", QueueName: "q", MaxRetries: 2})
	require.NoError(t, err)

	claimed, err := store.PullNext(ctx, "q", nil, []string{"t"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	updated, err := store.ScheduleTaskRetry(ctx, claimed.ID, 0, jobqueue.ErrorInfo{Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Retries)
	assert.Equal(t, jobqueue.Ready, updated.State())
	require.NotNil(t, updated.ErrorInfo)
	assert.Equal(t, "boom", updated.ErrorInfo.Error)
}
