package jobqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopAppCtx struct{}

type echoTask struct {
	N int `json:"n"`
}

func (echoTask) TaskName() string        { return "echo" }
func (echoTask) Queue() string           { return "default" }
func (echoTask) MaxRetries() int         { return 0 }
func (echoTask) BackoffMode() BackoffMode { return ExponentialBackoff }
func (echoTask) Run(context.Context, CurrentTask, noopAppCtx) error { return nil }

type otherQueueTask struct{}

func (otherQueueTask) TaskName() string        { return "other" }
func (otherQueueTask) Queue() string           { return "secondary" }
func (otherQueueTask) MaxRetries() int         { return 0 }
func (otherQueueTask) BackoffMode() BackoffMode { return NoBackoff }
func (otherQueueTask) Run(context.Context, CurrentTask, noopAppCtx) error { return nil }

func TestRegister_BindsTaskTypeUnderItsName(t *testing.T) {
	r := NewRegistry[noopAppCtx]()
	require.NoError(t, Register[echoTask](r, echoTask{}))

	names := r.AllowedTaskNames("default")
	assert.Equal(t, []string{"echo"}, names)
}

func TestRegister_RejectsDuplicateTaskName(t *testing.T) {
	r := NewRegistry[noopAppCtx]()
	require.NoError(t, Register[echoTask](r, echoTask{}))
	err := Register[echoTask](r, echoTask{})
	assert.Error(t, err)
}

func TestAllowedTaskNames_PartitionsByQueue(t *testing.T) {
	r := NewRegistry[noopAppCtx]()
	require.NoError(t, Register[echoTask](r, echoTask{}))
	require.NoError(t, Register[otherQueueTask](r, otherQueueTask{}))

	assert.Equal(t, []string{"echo"}, r.AllowedTaskNames("default"))
	assert.Equal(t, []string{"other"}, r.AllowedTaskNames("secondary"))
	assert.Empty(t, r.AllowedTaskNames("unused"))
}

func TestQueuesInUse_ReflectsRegisteredTaskTypes(t *testing.T) {
	r := NewRegistry[noopAppCtx]()
	require.NoError(t, Register[echoTask](r, echoTask{}))
	require.NoError(t, Register[otherQueueTask](r, otherQueueTask{}))

	queues := r.queuesInUse()
	assert.True(t, queues["default"])
	assert.True(t, queues["secondary"])
	assert.False(t, queues["unused"])
}
