// Package clock lets timer-driven code run against real time in production
// and against a manually advanced clock in tests.
package clock

import "time"

// Clock is the subset of the time package used by negotiation timers,
// reconnect backoff and chat timestamps.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real) or synchronously from
	// Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Timer cancels a pending AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It returns false if the timer already
// fired or was stopped. Stop on a nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
