package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_NoBackoffIsAlwaysZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(NoBackoff, 0))
	assert.Equal(t, time.Duration(0), Delay(NoBackoff, 5))
}

func TestDelay_ExponentialBackoffDoublesPerAttempt(t *testing.T) {
	assert.Equal(t, 2*time.Second, Delay(ExponentialBackoff, 0))
	assert.Equal(t, 4*time.Second, Delay(ExponentialBackoff, 1))
	assert.Equal(t, 8*time.Second, Delay(ExponentialBackoff, 2))
	assert.Equal(t, 16*time.Second, Delay(ExponentialBackoff, 3))
}

func TestDelay_SaturatesOnLargeAttemptCounts(t *testing.T) {
	d := Delay(ExponentialBackoff, 1000)
	assert.Equal(t, time.Duration(maxBackoffSeconds)*time.Second, d)
}

func TestDelay_NegativeAttemptTreatedAsZero(t *testing.T) {
	assert.Equal(t, Delay(ExponentialBackoff, 0), Delay(ExponentialBackoff, -3))
}

func TestParseBackoffMode(t *testing.T) {
	assert.Equal(t, ExponentialBackoff, ParseBackoffMode("ExponentialBackoff"))
	assert.Equal(t, ExponentialBackoff, ParseBackoffMode("exponentialbackoff"))
	assert.Equal(t, NoBackoff, ParseBackoffMode("NoBackoff"))
	assert.Equal(t, NoBackoff, ParseBackoffMode("garbage"))
	assert.Equal(t, NoBackoff, ParseBackoffMode(""))
}

func TestBackoffMode_StringRoundTrip(t *testing.T) {
	for _, mode := range []BackoffMode{NoBackoff, ExponentialBackoff} {
		assert.Equal(t, mode, ParseBackoffMode(mode.String()))
	}
}
