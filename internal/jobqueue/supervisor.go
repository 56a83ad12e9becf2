package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"
)

// restartDelay is the fixed short pause before a supervisor restarts a
// worker loop that terminated abnormally.
const restartDelay = time.Second

// supervise runs loopFn repeatedly until ctx is cancelled. A normal return
// (shutdown observed) ends supervision and reports nil. An abnormal return —
// a non-nil error, or a recovered panic in the loop body itself, as opposed
// to a job's abnormal termination which loopFn already isolates — is logged
// and followed by a restart after restartDelay. Restarts are unbounded in
// count and rate-limited only in their logging, matching the teacher's
// fixed "restart and keep going" supervision shape: availability is
// favored over fail-fast, and the claim-then-finalize design in the store
// makes a restart safe against duplicate finalization. The last abnormal
// error observed before shutdown, if any, is returned so the pool can fold
// it into its combined shutdown error.
func supervise(ctx context.Context, logger *slog.Logger, loopFn func(context.Context) error) error {
	restartLogLimiter := rate.NewLimiter(rate.Every(5*time.Second), 3)
	var lastErr error

	for {
		if ctx.Err() != nil {
			return lastErr
		}

		err := runLoopOnce(loopFn, ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if restartLogLimiter.Allow() {
			logger.Error("worker loop terminated abnormally, restarting", "error", err)
		}

		timer := time.NewTimer(restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}

// runLoopOnce isolates a panic escaping loopFn itself (a bug in the loop's
// own control flow, not a job's runner) into an error the supervisor can
// log and restart from.
func runLoopOnce(loopFn func(context.Context) error, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker loop panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return loopFn(ctx)
}
