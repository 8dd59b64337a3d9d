package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FakeClock is a deterministic Clock. Time stands still until Advance is
// called; AfterFunc callbacks run synchronously inside Advance in deadline
// order. Callbacks may schedule further timers but must not call Advance.
//
// Wall time is kept by a clockwork.FakeClock. Timers are tracked here because
// clockwork runs AfterFunc callbacks on their own goroutines.
type FakeClock struct {
	mu      sync.Mutex
	wall    *clockwork.FakeClock
	seq     uint64
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64
	callback func()
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock initialized to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{wall: clockwork.NewFakeClockAt(initial)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	return c.wall.Now()
}

// AfterFunc registers f to run once the clock advances by d. A non-positive d
// runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	timer := &fakeTimer{clock: c}
	timer.waiter = c.schedule(d, f)

	return timer
}

func (c *FakeClock) schedule(d time.Duration, f func()) *fakeWaiter {
	if d <= 0 {
		f()
		return &fakeWaiter{callback: f, fired: true}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	waiter := &fakeWaiter{
		deadline: c.wall.Now().Add(d),
		seq:      c.seq,
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)

	return waiter
}

// Advance moves the clock forward by d and fires every timer whose deadline
// falls within the new time, including timers scheduled by fired callbacks.
func (c *FakeClock) Advance(d time.Duration) {
	target := c.wall.Now().Add(d)

	for {
		waiter := c.nextExpired(target)
		if waiter == nil {
			break
		}
		waiter.callback()
	}

	c.mu.Lock()
	c.advanceWallLocked(target)
	c.mu.Unlock()
}

// nextExpired pops the earliest pending waiter due at or before target and
// moves the clock to its deadline so callbacks observe their own fire time.
func (c *FakeClock) nextExpired(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining
	if len(c.waiters) == 0 {
		return nil
	}

	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].seq < c.waiters[j].seq
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})

	next := c.waiters[0]
	if next.deadline.After(target) {
		return nil
	}
	next.fired = true
	c.waiters = c.waiters[1:]
	c.advanceWallLocked(next.deadline)

	return next
}

func (c *FakeClock) advanceWallLocked(to time.Time) {
	if step := to.Sub(c.wall.Now()); step > 0 {
		c.wall.Advance(step)
	}
}

// PendingCount returns the number of timers that have neither fired nor been
// stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			count++
		}
	}

	return count
}

type fakeTimer struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

// Chan is nil for AfterFunc timers, as with time.AfterFunc.
func (t *fakeTimer) Chan() <-chan time.Time { return nil }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.waiter.stopped || t.waiter.fired {
		return false
	}
	t.waiter.stopped = true

	return true
}

// Reset re-arms the timer's callback to fire after d and reports whether the
// timer was still pending.
func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	previous := t.waiter
	active := !previous.stopped && !previous.fired
	previous.stopped = true
	t.clock.mu.Unlock()

	waiter := t.clock.schedule(d, previous.callback)

	t.clock.mu.Lock()
	t.waiter = waiter
	t.clock.mu.Unlock()

	return active
}
