// Package ports defines interfaces for external dependencies (Ports and Adapters pattern).
package ports

import "time"

// Clock abstracts time operations so protocol timeouts can be driven in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses execution for the specified duration.
	Sleep(d time.Duration)

	// After returns a channel that receives the current time after duration d.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that fires once after d.
	NewTimer(d time.Duration) Timer
}

// Timer wraps time.Timer.
type Timer interface {
	// C returns the channel on which the expiry is delivered.
	C() <-chan time.Time

	// Stop prevents the timer from firing. It reports whether the
	// timer was stopped before it fired.
	Stop() bool

	// Reset changes the timer to expire after d.
	Reset(d time.Duration) bool
}
