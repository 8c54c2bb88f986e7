// Package clock provides the wall-clock implementation of domain.Clock.
package clock

import (
	"context"
	"time"
)

// System reads the wall clock and sleeps on real timers.
type System struct{}

// New returns the system clock.
func New() System {
	return System{}
}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Sleep waits for d or until ctx is done, returning the context error in
// the latter case. Non-positive durations return immediately.
func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
