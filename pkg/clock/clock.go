// Package clock abstracts wall time and one-shot timers so that debounce,
// idle and TTL behavior can be driven deterministically in tests.
//
// Production code injects Real(), a clockwork clock; tests inject Fake() and
// call Advance.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source consumed by every timer-owning component. Any
// clockwork.Clock satisfies it.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc waits for d, then calls f. A non-positive d fires immediately
	// (on a new goroutine for the real clock, synchronously for the fake).
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call. Stop reports whether the call stopped
// the timer; false means it already fired or was stopped.
type Timer = clockwork.Timer

// Real returns a Clock backed by the time package.
func Real() Clock { return clockwork.NewRealClock() }
