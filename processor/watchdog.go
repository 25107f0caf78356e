package processor

import (
	"context"
	"os"
	"time"
)

// watchdog cancels a worker's context when no read completes within the
// configured idle timeout. The server stalling forever must not stall
// the job forever; there is deliberately no overall deadline, only an
// idle one, so arbitrarily large artifacts still download.
type watchdog struct {
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

// newWatchdog derives a context from parent that is cancelled with
// os.ErrDeadlineExceeded after timeout of read inactivity. A timeout of
// 0 disables the watchdog.
func newWatchdog(parent context.Context, timeout time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			cancel(os.ErrDeadlineExceeded)
		})
	}
	return ctx, &watchdog{cancel: cancel, timer: timer, timeout: timeout}
}

// Kick postpones the idle deadline. Called after every successful read.
func (wd *watchdog) Kick() {
	if wd.timeout > 0 {
		wd.timer.Reset(wd.timeout)
	}
}

// Stop disarms the watchdog and releases the derived context.
func (wd *watchdog) Stop() {
	if wd.timeout > 0 {
		wd.timer.Stop()
	}
	wd.cancel(nil)
}
