// Package typing turns high-frequency local typing signals into sparse remote
// presence writes and filters stale remote typing records on the read side.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/loader"
	"chatsync/pkg/scheduler"
	"chatsync/pkg/subscription"
)

const (
	defaultDebounce     = 2 * time.Second
	defaultExpiry       = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second

	reasonStop   = "stop"
	reasonExpire = "expire"
)

// Option mutates coalescer configuration.
type Option func(*Coalescer)

// WithLogger injects the coalescer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(coalescer *Coalescer) {
		if logger != nil {
			coalescer.logger = logger
		}
	}
}

// WithEpoch shares a session epoch.
func WithEpoch(epoch *chatsync.Epoch) Option {
	return func(coalescer *Coalescer) {
		if epoch != nil {
			coalescer.epoch = epoch
		}
	}
}

// WithDebounce sets the minimum spacing of remote writes per scope.
func WithDebounce(debounce time.Duration) Option {
	return func(coalescer *Coalescer) {
		if debounce > 0 {
			coalescer.debounce = debounce
		}
	}
}

// WithExpiry sets both the auto-expiry of the local typing state and the
// read-side staleness horizon.
func WithExpiry(expiry time.Duration) Option {
	return func(coalescer *Coalescer) {
		if expiry > 0 {
			coalescer.expiry = expiry
		}
	}
}

// WithWriteTimeout bounds each remote write and delete.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(coalescer *Coalescer) {
		if timeout > 0 {
			coalescer.writeTimeout = timeout
		}
	}
}

type scopeState struct {
	lastWrite time.Time
}

// Coalescer owns the local identity's typing state in every scope and the
// typing watches of the session.
type Coalescer struct {
	store     chatsync.RemoteStore
	subs      *subscription.Manager
	scheduler *scheduler.Scheduler
	identity  chatsync.Identity
	logger    *slog.Logger
	epoch     *chatsync.Epoch

	debounce     time.Duration
	expiry       time.Duration
	writeTimeout time.Duration

	mu      sync.Mutex
	states  map[string]*scopeState
	watches map[string]*watch
	nextID  uint64
	closed  bool
}

// New creates a coalescer writing as identity. subs may be nil, in which
// case Watch subscribes directly on store.
func New(store chatsync.RemoteStore, subs *subscription.Manager, sched *scheduler.Scheduler, identity chatsync.Identity, opts ...Option) *Coalescer {
	if sched == nil {
		sched = scheduler.New(nil)
	}
	coalescer := &Coalescer{
		store:        store,
		subs:         subs,
		scheduler:    sched,
		identity:     identity,
		logger:       slog.Default(),
		epoch:        chatsync.NewEpoch(),
		debounce:     defaultDebounce,
		expiry:       defaultExpiry,
		writeTimeout: defaultWriteTimeout,
		states:       make(map[string]*scopeState),
		watches:      make(map[string]*watch),
	}
	for _, option := range opts {
		option(coalescer)
	}

	return coalescer
}

// Signal records that the local identity is typing in scopeID. Entering the
// active state writes the remote record immediately. While active, a signal
// arriving a full debounce interval after the last write refreshes the
// record. Every signal re-arms the auto-expiry.
func (c *Coalescer) Signal(scopeID string) {
	if scopeID == "" {
		return
	}
	now := c.scheduler.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	state, ok := c.states[scopeID]
	if !ok {
		state = &scopeState{}
		c.states[scopeID] = state
	}

	writeNow := !ok || now.Sub(state.lastWrite) >= c.debounce
	if writeNow {
		state.lastWrite = now
	}
	c.mu.Unlock()

	generation := c.epoch.Current()
	c.scheduler.Arm(expireKey(scopeID), c.expiry, func() { c.expire(scopeID, generation) })
	if writeNow {
		c.write(scopeID, now)
	}
}

// Stop ends the local typing state of scopeID, for example after sending.
// The remote record is deleted and the next signal writes immediately.
func (c *Coalescer) Stop(scopeID string) {
	c.finish(scopeID, reasonStop)
}

// Active reports whether the local identity is typing in scopeID.
func (c *Coalescer) Active(scopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.states[scopeID]
	return ok
}

// Close cancels every typing timer and watch and deletes the remote records
// of every active scope.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	written := make([]string, 0, len(c.states))
	for scopeID := range c.states {
		c.scheduler.Cancel(expireKey(scopeID))
		written = append(written, scopeID)
	}
	c.states = make(map[string]*scopeState)
	watches := c.watches
	c.watches = make(map[string]*watch)
	c.mu.Unlock()

	for _, active := range watches {
		active.shutdown(c.scheduler)
	}
	for _, scopeID := range written {
		c.remove(scopeID)
	}
}

func (c *Coalescer) expire(scopeID string, generation uint64) {
	if !c.epoch.Valid(generation) {
		return
	}
	c.finish(scopeID, reasonExpire)
}

// finish returns scopeID to idle, resetting its debounce clock, and deletes
// the remote record.
func (c *Coalescer) finish(scopeID string, reason string) {
	c.mu.Lock()
	_, ok := c.states[scopeID]
	delete(c.states, scopeID)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.scheduler.Cancel(expireKey(scopeID))
	c.logger.Debug("typing finished", "scope_id", scopeID, "reason", reason)
	c.remove(scopeID)
}

func (c *Coalescer) write(scopeID string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	err := c.store.Write(ctx, chatsync.TypingPath(scopeID, c.identity.UserID), map[string]any{
		loader.FieldDisplayName: c.identity.DisplayName,
		loader.FieldUpdatedAt:   now.UnixMilli(),
	})
	if err != nil {
		c.logger.DebugContext(ctx, "typing write failed", "scope_id", scopeID, "error", err)
	}
}

func (c *Coalescer) remove(scopeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.store.Delete(ctx, chatsync.TypingPath(scopeID, c.identity.UserID)); err != nil {
		c.logger.DebugContext(ctx, "typing delete failed", "scope_id", scopeID, "error", err)
	}
}

func expireKey(scopeID string) string { return "typing:expire:" + scopeID }
