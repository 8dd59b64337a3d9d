// Package scheduler centralizes the debounce, idle and expiry timers of one
// session so that teardown can sweep every outstanding timer in one pass.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/clock"
)

// Option mutates scheduler configuration.
type Option func(*Scheduler)

// WithLogger injects the logger used to report recovered callback panics.
func WithLogger(logger *slog.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// Scheduler owns arm/cancel/fire-once timers. Keyed timers replace any
// pending timer with the same key, which is the debounce primitive; anonymous
// timers never collide.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	anonSeq uint64
	tasks   map[string]*task
	closed  bool
}

type task struct {
	id    uint64
	key   string
	timer clock.Timer
	fn    func()
	done  bool
}

// New creates a scheduler driven by clk. A nil clk uses the real clock.
func New(clk clock.Clock, options ...Option) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	scheduler := &Scheduler{
		clock:  clk,
		logger: slog.Default(),
		tasks:  make(map[string]*task),
	}
	for _, option := range options {
		option(scheduler)
	}

	return scheduler
}

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Clock returns the underlying clock.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Arm schedules fn to run once after d under key, replacing any pending
// timer with the same key. The returned CancelFunc only cancels this arming;
// it is a no-op once the key has been re-armed or the timer fired.
func (s *Scheduler) Arm(key string, d time.Duration, fn func()) chatsync.CancelFunc {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	armed := &task{id: s.nextID, key: key, fn: fn}
	previous := s.tasks[key]
	s.tasks[key] = armed
	s.mu.Unlock()

	if previous != nil {
		s.stopTask(previous)
	}

	// The clock may fire synchronously for non-positive delays, so the timer
	// is created without holding the lock.
	timer := s.clock.AfterFunc(d, func() { s.fire(armed) })

	s.mu.Lock()
	if armed.done {
		s.mu.Unlock()
		timer.Stop()
	} else {
		armed.timer = timer
		s.mu.Unlock()
	}

	return chatsync.OnceCancel(func() { s.cancelTask(armed) })
}

// After schedules fn to run once after d under a unique key.
func (s *Scheduler) After(d time.Duration, fn func()) chatsync.CancelFunc {
	s.mu.Lock()
	s.anonSeq++
	key := fmt.Sprintf("anon:%d", s.anonSeq)
	s.mu.Unlock()

	return s.Arm(key, d, fn)
}

// Every runs fn every interval under key until the returned CancelFunc is
// called or the scheduler is closed.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) chatsync.CancelFunc {
	var (
		mu      sync.Mutex
		stopped bool
		rearm   func()
	)
	rearm = func() {
		s.Arm(key, interval, func() {
			fn()
			mu.Lock()
			halted := stopped
			mu.Unlock()
			if !halted {
				rearm()
			}
		})
	}
	rearm()

	return chatsync.OnceCancel(func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		s.Cancel(key)
	})
}

// Cancel stops the pending timer under key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	pending, exists := s.tasks[key]
	if exists {
		delete(s.tasks, key)
		pending.done = true
	}
	s.mu.Unlock()

	if exists {
		s.stopTask(pending)
	}

	return exists
}

// Pending reports whether a timer is armed under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.tasks[key]
	return exists
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// CancelAll stops every armed timer and returns how many were pending.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	pending := make([]*task, 0, len(s.tasks))
	for _, armed := range s.tasks {
		armed.done = true
		pending = append(pending, armed)
	}
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, armed := range pending {
		s.stopTask(armed)
	}

	return len(pending)
}

// Close cancels every timer and rejects further arming.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.CancelAll()
}

func (s *Scheduler) fire(armed *task) {
	s.mu.Lock()
	if armed.done {
		s.mu.Unlock()
		return
	}
	armed.done = true
	if s.tasks[armed.key] == armed {
		delete(s.tasks, armed.key)
	}
	s.mu.Unlock()

	if err := runSafely("scheduler "+armed.key, armed.fn); err != nil {
		s.logger.Error("scheduled callback failed", "key", armed.key, "error", err)
	}
}

func (s *Scheduler) cancelTask(armed *task) {
	s.mu.Lock()
	if armed.done {
		s.mu.Unlock()
		return
	}
	armed.done = true
	if s.tasks[armed.key] == armed {
		delete(s.tasks, armed.key)
	}
	s.mu.Unlock()

	s.stopTask(armed)
}

func (s *Scheduler) stopTask(armed *task) {
	s.mu.Lock()
	armed.done = true
	timer := armed.timer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}
