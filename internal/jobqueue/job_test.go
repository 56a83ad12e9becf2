package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJob_State_ReadyWhenUnclaimedAndUnfinished(t *testing.T) {
	job := Job{}
	assert.Equal(t, Ready, job.State())
}

func TestJob_State_RunningWhenClaimedAndUnfinished(t *testing.T) {
	now := time.Now()
	job := Job{RunningAt: &now}
	assert.Equal(t, Running, job.State())
}

func TestJob_State_DoneWhenFinishedWithoutError(t *testing.T) {
	now := time.Now()
	job := Job{DoneAt: &now}
	assert.Equal(t, Done, job.State())
}

func TestJob_State_FailedWhenFinishedWithError(t *testing.T) {
	now := time.Now()
	job := Job{DoneAt: &now, ErrorInfo: &ErrorInfo{Error: "boom"}}
	assert.Equal(t, Failed, job.State())
}

func TestJob_Timeout_ConvertsMillisecondsToDuration(t *testing.T) {
	job := Job{TimeoutMsecs: 1500}
	assert.Equal(t, 1500*time.Millisecond, job.Timeout())
}

func TestCurrentTask_ExposesAttemptMetadata(t *testing.T) {
	now := time.Now()
	job := Job{Retries: 2, CreatedAt: now}
	task := newCurrentTask(&job)
	assert.Equal(t, job.ID, task.ID())
	assert.Equal(t, 2, task.RetryCount())
	assert.True(t, task.CreatedAt().Equal(now))
}
