package chatsync

import (
	"sync"
	"sync/atomic"
)

// CancelFunc releases a subscription, observer or timer. Every CancelFunc
// produced by this module is idempotent.
type CancelFunc func()

// OnceCancel wraps fn so that only the first call has an effect.
func OnceCancel(fn func()) CancelFunc {
	if fn == nil {
		return func() {}
	}
	var once sync.Once

	return func() {
		once.Do(fn)
	}
}

// Epoch is the stale-write guard shared by everything one session owns.
// Async work captures Current before suspending and discards its result when
// Valid reports false after resuming.
type Epoch struct {
	value atomic.Uint64
}

// NewEpoch returns an epoch counter starting at 1.
func NewEpoch() *Epoch {
	epoch := &Epoch{}
	epoch.value.Store(1)

	return epoch
}

// Current returns the current generation.
func (e *Epoch) Current() uint64 {
	return e.value.Load()
}

// Bump invalidates every previously captured generation.
func (e *Epoch) Bump() uint64 {
	return e.value.Add(1)
}

// Valid reports whether generation is still current.
func (e *Epoch) Valid(generation uint64) bool {
	return e.value.Load() == generation
}
