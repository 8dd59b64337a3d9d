// Package profile caches normalized display data of identities, coalescing
// one-shot lookups into prioritized batches and holding live subscriptions for
// the identities currently on screen.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/loader"
	"chatsync/pkg/scheduler"
	"chatsync/pkg/subscription"
)

const (
	defaultTTL        = 10 * time.Minute
	defaultBatchDelay = 30 * time.Millisecond
	defaultBatchSize  = 25

	flushKey = "profile:flush"
)

// Fetcher loads raw profile records of ids. Missing ids are absent.
type Fetcher func(ctx context.Context, ids []string) (map[string]chatsync.ProfileRecord, error)

// Option mutates profile cache configuration.
type Option func(*Cache)

// WithLogger injects the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cache *Cache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// WithEpoch shares a session epoch.
func WithEpoch(epoch *chatsync.Epoch) Option {
	return func(cache *Cache) {
		if epoch != nil {
			cache.epoch = epoch
		}
	}
}

// WithTTL sets how long one-shot entries stay fresh.
func WithTTL(ttl time.Duration) Option {
	return func(cache *Cache) {
		if ttl > 0 {
			cache.ttl = ttl
		}
	}
}

// WithBatchDelay sets how long requests are collected before a fetch.
func WithBatchDelay(delay time.Duration) Option {
	return func(cache *Cache) {
		if delay > 0 {
			cache.batchDelay = delay
		}
	}
}

// WithBatchSize caps the ids fetched per flush. Overflow waits for the next
// flush.
func WithBatchSize(size int) Option {
	return func(cache *Cache) {
		if size > 0 {
			cache.batchSize = size
		}
	}
}

type waiter struct {
	onResult func(chatsync.ProfileEntry)
	onError  func(error)
}

type pendingRequest struct {
	id       string
	priority int
	seq      uint64
	waiters  []waiter
}

type liveProfile struct {
	handle    subscription.Handle
	callbacks map[uint64]func(chatsync.ProfileEntry)
}

// Cache holds profile entries of one session.
type Cache struct {
	fetch      Fetcher
	subs       *subscription.Manager
	scheduler  *scheduler.Scheduler
	logger     *slog.Logger
	epoch      *chatsync.Epoch
	ttl        time.Duration
	batchDelay time.Duration
	batchSize  int

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	entries map[string]chatsync.ProfileEntry
	pending map[string]*pendingRequest
	armed   bool
	seq     uint64
	live    map[string]*liveProfile
	closed  bool
}

// New creates a profile cache. subs may be nil, in which case SubscribeLive
// always falls back to one-shot requests.
func New(fetch Fetcher, subs *subscription.Manager, sched *scheduler.Scheduler, opts ...Option) *Cache {
	if sched == nil {
		sched = scheduler.New(nil)
	}
	ctx, stop := context.WithCancel(context.Background())
	cache := &Cache{
		fetch:      fetch,
		subs:       subs,
		scheduler:  sched,
		logger:     slog.Default(),
		epoch:      chatsync.NewEpoch(),
		ttl:        defaultTTL,
		batchDelay: defaultBatchDelay,
		batchSize:  defaultBatchSize,
		ctx:        ctx,
		stop:       stop,
		entries:    make(map[string]chatsync.ProfileEntry),
		pending:    make(map[string]*pendingRequest),
		live:       make(map[string]*liveProfile),
	}
	for _, option := range opts {
		option(cache)
	}

	return cache
}

// Get returns the cached entry of id. One-shot entries older than the TTL
// are misses; live entries never expire.
func (c *Cache) Get(id string) (chatsync.ProfileEntry, bool) {
	now := c.scheduler.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.freshLocked(id, now)
}

// Set normalizes raw and stores it as a one-shot entry.
func (c *Cache) Set(id string, raw chatsync.ProfileRecord) chatsync.ProfileEntry {
	raw.ID = id
	entry := chatsync.NormalizeProfile(raw, c.scheduler.Now())

	c.mu.Lock()
	if current, ok := c.entries[id]; ok && current.Live {
		entry.Live = true
	}
	c.entries[id] = entry
	c.mu.Unlock()

	return entry
}

// Put stores an already-normalized entry, for example one decoded from a
// member set.
func (c *Cache) Put(entry chatsync.ProfileEntry) {
	if entry.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.entries[entry.ID]; ok && current.Live && !entry.Live {
		return
	}
	c.entries[entry.ID] = entry
}

// Len returns the number of cached entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Request resolves id. A fresh entry answers synchronously; otherwise the
// request joins the next batch. Requests for the same id within one batching
// window share one fetch. Higher priority ids are fetched first when a batch
// overflows.
func (c *Cache) Request(id string, priority int, onResult func(chatsync.ProfileEntry), onError func(error)) {
	if id == "" || onResult == nil {
		return
	}
	now := c.scheduler.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if entry, ok := c.freshLocked(id, now); ok {
		c.mu.Unlock()
		c.deliver(id, func() { onResult(entry) })
		return
	}

	request, exists := c.pending[id]
	if !exists {
		c.seq++
		request = &pendingRequest{id: id, priority: priority, seq: c.seq}
		c.pending[id] = request
	}
	if priority > request.priority {
		request.priority = priority
	}
	request.waiters = append(request.waiters, waiter{onResult: onResult, onError: onError})
	arm := !c.armed
	c.armed = true
	c.mu.Unlock()

	if arm {
		c.scheduler.Arm(flushKey, c.batchDelay, c.flush)
	}
}

// SubscribeLive feeds callback with live updates of id while the profile
// slot budget allows, else resolves id once through Request. The returned
// CancelFunc releases the callback; the live slot closes with its last
// callback.
func (c *Cache) SubscribeLive(id string, callback func(chatsync.ProfileEntry)) chatsync.CancelFunc {
	if id == "" || callback == nil {
		return func() {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.seq++
	token := c.seq
	if existing, ok := c.live[id]; ok {
		existing.callbacks[token] = callback
		entry, cached := c.entries[id]
		c.mu.Unlock()
		if cached {
			c.deliver(id, func() { callback(entry) })
		}
		return chatsync.OnceCancel(func() { c.releaseLive(id, token) })
	}
	c.mu.Unlock()

	if c.subs == nil || !c.subs.HasBudget(subscription.SlotProfile) {
		c.Request(id, int(subscription.PriorityVisible), callback, nil)
		return func() {}
	}

	live := &liveProfile{callbacks: map[uint64]func(chatsync.ProfileEntry){token: callback}}
	c.mu.Lock()
	if existing, ok := c.live[id]; ok {
		existing.callbacks[token] = callback
		c.mu.Unlock()
		return chatsync.OnceCancel(func() { c.releaseLive(id, token) })
	}
	c.live[id] = live
	c.mu.Unlock()

	handle, err := c.subs.Subscribe(subscription.SlotProfile, id, subscription.PriorityVisible,
		chatsync.Target{Path: chatsync.UserPath(id)},
		func(changes chatsync.ChangeSet) { c.applyLive(id, changes) },
		func(err error) { c.liveFailed(id, err) },
	)
	if err != nil {
		c.mu.Lock()
		if c.live[id] == live {
			delete(c.live, id)
		}
		c.mu.Unlock()
		c.logger.Debug("profile live subscription rejected", "user_id", id, "error", err)
		c.Request(id, int(subscription.PriorityVisible), callback, nil)
		return func() {}
	}

	c.mu.Lock()
	live.handle = handle
	released := c.live[id] != live
	c.mu.Unlock()
	if released {
		handle.Cancel()
	}

	return chatsync.OnceCancel(func() { c.releaseLive(id, token) })
}

// Close drops pending requests, releases live slots and rejects further
// requests. Cached entries stay readable until the cache is discarded.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = make(map[string]*pendingRequest)
	handles := make([]subscription.Handle, 0, len(c.live))
	for _, live := range c.live {
		handles = append(handles, live.handle)
	}
	c.live = make(map[string]*liveProfile)
	c.mu.Unlock()

	c.scheduler.Cancel(flushKey)
	c.stop()
	for _, handle := range handles {
		if handle.Cancel != nil {
			handle.Cancel()
		}
	}
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]chatsync.ProfileEntry)
}

func (c *Cache) freshLocked(id string, now time.Time) (chatsync.ProfileEntry, bool) {
	entry, ok := c.entries[id]
	if !ok {
		return chatsync.ProfileEntry{}, false
	}
	if !entry.Live && now.Sub(entry.FetchedAt) >= c.ttl {
		return chatsync.ProfileEntry{}, false
	}

	return entry, true
}

// flush fetches the highest priority pending ids up to the batch size and
// re-arms for the remainder.
func (c *Cache) flush() {
	c.mu.Lock()
	c.armed = false
	if c.closed || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	queued := make([]*pendingRequest, 0, len(c.pending))
	for _, request := range c.pending {
		queued = append(queued, request)
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].priority != queued[j].priority {
			return queued[i].priority > queued[j].priority
		}
		return queued[i].seq < queued[j].seq
	})
	if len(queued) > c.batchSize {
		queued = queued[:c.batchSize]
	}
	ids := make([]string, 0, len(queued))
	for _, request := range queued {
		delete(c.pending, request.id)
		ids = append(ids, request.id)
	}
	rearm := len(c.pending) > 0
	c.armed = rearm
	c.mu.Unlock()

	if rearm {
		c.scheduler.Arm(flushKey, c.batchDelay, c.flush)
	}

	generation := c.epoch.Current()
	var (
		records map[string]chatsync.ProfileRecord
		err     error
	)
	if c.fetch == nil {
		err = fmt.Errorf("profile fetch: no fetcher configured")
	} else {
		records, err = c.fetch(c.ctx, ids)
	}
	if !c.epoch.Valid(generation) {
		return
	}
	if err != nil {
		c.logger.Debug("profile batch failed", "ids", len(ids), "error", err)
		for _, request := range queued {
			for _, pending := range request.waiters {
				if pending.onError != nil {
					failure := fmt.Errorf("profile request %s: %w", request.id, err)
					c.deliver(request.id, func() { pending.onError(failure) })
				}
			}
		}
		return
	}

	fetchedAt := c.scheduler.Now()
	for _, request := range queued {
		raw, ok := records[request.id]
		if !ok {
			raw = chatsync.ProfileRecord{}
		}
		raw.ID = request.id
		entry := chatsync.NormalizeProfile(raw, fetchedAt)

		c.mu.Lock()
		if current, exists := c.entries[request.id]; exists && current.Live {
			entry = current
		} else if !c.closed {
			c.entries[request.id] = entry
		}
		c.mu.Unlock()

		for _, pending := range request.waiters {
			c.deliver(request.id, func() { pending.onResult(entry) })
		}
	}
}

func (c *Cache) applyLive(id string, changes chatsync.ChangeSet) {
	var raw chatsync.ProfileRecord
	if len(changes.Records) > 0 {
		raw = loader.DecodeProfileRecord(changes.Records[0])
	}
	raw.ID = id
	entry := chatsync.NormalizeProfile(raw, c.scheduler.Now())
	entry.Live = true

	c.mu.Lock()
	live, ok := c.live[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.entries[id] = entry
	callbacks := make([]func(chatsync.ProfileEntry), 0, len(live.callbacks))
	for _, callback := range live.callbacks {
		callbacks = append(callbacks, callback)
	}
	c.mu.Unlock()

	for _, callback := range callbacks {
		c.deliver(id, func() { callback(entry) })
	}
}

func (c *Cache) liveFailed(id string, err error) {
	c.mu.Lock()
	live, ok := c.live[id]
	if ok {
		delete(c.live, id)
		c.demoteLocked(id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.Debug("profile live subscription failed, falling back", "user_id", id, "error", err)
	for _, callback := range live.callbacks {
		c.Request(id, int(subscription.PriorityVisible), callback, nil)
	}
}

func (c *Cache) releaseLive(id string, token uint64) {
	c.mu.Lock()
	live, ok := c.live[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(live.callbacks, token)
	if len(live.callbacks) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.live, id)
	c.demoteLocked(id)
	handle := live.handle
	c.mu.Unlock()

	if handle.Cancel != nil {
		handle.Cancel()
	}
}

// demoteLocked turns a live entry into a one-shot entry that expires after
// the TTL measured from now.
func (c *Cache) demoteLocked(id string) {
	entry, ok := c.entries[id]
	if !ok || !entry.Live {
		return
	}
	entry.Live = false
	entry.FetchedAt = c.scheduler.Now()
	c.entries[id] = entry
}

func (c *Cache) deliver(id string, fn func()) {
	scheduler.Guard("profile callback "+id, fn, func(err error) {
		c.logger.Error("profile callback panicked", "user_id", id, "error", err)
	})
}
