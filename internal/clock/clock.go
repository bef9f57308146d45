// Package clock abstracts the timers used by the call engine so that
// connection timeouts, duration counters and grace delays can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the call engine schedules with.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real clock) or synchronously
	// from Advance (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending AfterFunc call.
type Timer interface {
	// Stop reports whether the call was cancelled before it fired.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
