// Package poll waits, with an upper bound, for a condition that can only be
// observed by asking repeatedly: a page that may or may not have rendered, a
// child process that may or may not still be alive.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrInterval is returned by Wait for a non-positive interval.
var ErrInterval = errors.New("poll: interval must be positive")

// Check reports whether the awaited condition currently holds.
type Check func() bool

// Until calls check once per interval, starting one interval from now, and
// returns true as soon as a call reports ready. It returns false once timeout
// has elapsed without a ready call. A check that panics counts as not ready.
//
// Both the ticker and the timer are stopped before Until returns, and check is
// never invoked after that point.
func Until(check Check, interval, timeout time.Duration) bool {
	return UntilContext(context.Background(), check, interval, timeout)
}

// UntilContext is Until with an additional way out: if ctx is done before the
// condition holds or the timeout elapses, it returns false.
func UntilContext(ctx context.Context, check Check, interval, timeout time.Duration) bool {
	if interval <= 0 || timeout <= 0 {
		return false
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-ticker.C:
			if ready(check) {
				return true
			}
		}
	}
}

// Wait blocks until check reports ready or ctx is done, whichever comes
// first, and returns ctx.Err() in the latter case. Unlike Until it has no
// timeout of its own and it checks once immediately before waiting.
func Wait(ctx context.Context, check Check, interval time.Duration) error {
	if interval <= 0 {
		return ErrInterval
	}
	if ready(check) {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ready(check) {
				return nil
			}
		}
	}
}

// ready runs check, converting a panic into "not ready".
func ready(check Check) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return check()
}
