package jobqueue

import (
	"math"
	"time"
)

// maxBackoffSeconds bounds the exponential delay so attempt counts that
// would overflow a time.Duration saturate instead of wrapping.
const maxBackoffSeconds = 1 << 20 // ~12 days, comfortably below any retry policy in practice

// Delay maps a backoff mode and a completed-attempt count to the delay
// before the next attempt becomes eligible. It is pure and deterministic:
// no jitter, no I/O, safe to call from tests without a clock dependency.
//
// This is distinct from the connection-level retry backoff used around
// transient store I/O (see the postgres store), which does use jitter.
func Delay(mode BackoffMode, attempt int) time.Duration {
	if mode != ExponentialBackoff {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 20 { // 2^21 already exceeds maxBackoffSeconds
		return time.Duration(maxBackoffSeconds) * time.Second
	}
	seconds := math.Pow(2, float64(attempt+1))
	if seconds > maxBackoffSeconds {
		seconds = maxBackoffSeconds
	}
	return time.Duration(seconds) * time.Second
}
