// Package preload speculatively fetches scopes the viewer is likely to open
// next and seeds the entity cache with them.
package preload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/entitycache"
	"chatsync/pkg/loader"
	"chatsync/pkg/scheduler"
)

const (
	defaultWorkers    = 2
	defaultQueueSize  = 32
	defaultHoverDelay = 150 * time.Millisecond
	defaultIdleDelay  = 2 * time.Second
	defaultCooldown   = 30 * time.Second
	defaultAdjacent   = 2

	hoverKey = "preload:hover"
	idleKey  = "preload:idle"
)

// Option mutates orchestrator configuration.
type Option func(*Orchestrator)

// WithLogger injects the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithEpoch shares a session epoch.
func WithEpoch(epoch *chatsync.Epoch) Option {
	return func(orchestrator *Orchestrator) {
		if epoch != nil {
			orchestrator.epoch = epoch
		}
	}
}

// WithWorkers sets how many preloads run concurrently.
func WithWorkers(workers int) Option {
	return func(orchestrator *Orchestrator) {
		if workers > 0 {
			orchestrator.workers = workers
		}
	}
}

// WithQueueSize bounds the FIFO queue. Requests beyond it are dropped.
func WithQueueSize(size int) Option {
	return func(orchestrator *Orchestrator) {
		if size > 0 {
			orchestrator.queueSize = size
		}
	}
}

// WithHoverDelay sets the hover debounce window.
func WithHoverDelay(delay time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if delay > 0 {
			orchestrator.hoverDelay = delay
		}
	}
}

// WithIdleDelay sets how long navigation must stay idle before the
// speculative pass.
func WithIdleDelay(delay time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if delay > 0 {
			orchestrator.idleDelay = delay
		}
	}
}

// WithCooldown sets how long a preloaded scope is skipped.
func WithCooldown(cooldown time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if cooldown > 0 {
			orchestrator.cooldown = cooldown
		}
	}
}

// WithAdjacent sets how many scopes the idle pass preloads.
func WithAdjacent(count int) Option {
	return func(orchestrator *Orchestrator) {
		if count > 0 {
			orchestrator.adjacent = count
		}
	}
}

// Navigation is the ordered list the viewer is browsing and the scope
// currently open in it. Current may be the zero key.
type Navigation struct {
	Current  chatsync.ScopeKey
	Siblings []chatsync.ScopeKey
}

// Orchestrator debounces preload triggers, deduplicates them with a
// per-scope cooldown and drains a FIFO queue with a fixed worker pool.
// Failures are logged at debug level and never surface.
type Orchestrator struct {
	cache     *entitycache.Cache
	loader    *loader.Loader
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	epoch     *chatsync.Epoch

	workers    int
	queueSize  int
	hoverDelay time.Duration
	idleDelay  time.Duration
	cooldown   time.Duration
	adjacent   int

	queue chan chatsync.ScopeKey

	mu         sync.Mutex
	lastQueued map[chatsync.ScopeKey]time.Time
	// pending counts queued and running preloads; idle is closed whenever it
	// drops to zero.
	pending int
	idle    chan struct{}
	started    bool
	closed     bool
	stop       context.CancelFunc
	group      *errgroup.Group
}

// New creates an orchestrator writing into cache. Start launches the workers.
func New(cache *entitycache.Cache, load *loader.Loader, sched *scheduler.Scheduler, opts ...Option) *Orchestrator {
	if sched == nil {
		sched = scheduler.New(nil)
	}
	orchestrator := &Orchestrator{
		cache:      cache,
		loader:     load,
		scheduler:  sched,
		logger:     slog.Default(),
		epoch:      chatsync.NewEpoch(),
		workers:    defaultWorkers,
		queueSize:  defaultQueueSize,
		hoverDelay: defaultHoverDelay,
		idleDelay:  defaultIdleDelay,
		cooldown:   defaultCooldown,
		adjacent:   defaultAdjacent,
		lastQueued: make(map[chatsync.ScopeKey]time.Time),
	}
	for _, option := range opts {
		option(orchestrator)
	}
	orchestrator.queue = make(chan chatsync.ScopeKey, orchestrator.queueSize)

	return orchestrator
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started || o.closed {
		return
	}
	o.started = true
	workerCtx, stop := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(workerCtx)
	o.stop = stop
	o.group = group
	for worker := 0; worker < o.workers; worker++ {
		group.Go(func() error {
			o.runWorker(groupCtx)
			return nil
		})
	}
}

// OnHover preloads scope once hovering settles. Only the last hover within
// the debounce window fires.
func (o *Orchestrator) OnHover(scope chatsync.ScopeKey) {
	if scope.Validate() != nil {
		return
	}
	o.scheduler.Arm(hoverKey, o.hoverDelay, func() { o.Enqueue(scope) })
}

// ScheduleIdle arms one speculative pass over the scopes adjacent to nav.
// A later call replaces the pending pass.
func (o *Orchestrator) ScheduleIdle(nav Navigation) {
	targets := Adjacent(nav, o.adjacent)
	if len(targets) == 0 {
		return
	}
	o.scheduler.Arm(idleKey, o.idleDelay, func() {
		for _, scope := range targets {
			o.Enqueue(scope)
		}
	})
}

// CancelIdle drops the pending idle pass, for example on real navigation.
func (o *Orchestrator) CancelIdle() {
	o.scheduler.Cancel(idleKey)
}

// Enqueue queues scope unless it was queued within the cooldown, is already
// cached, or the queue is full. It reports whether scope was queued.
func (o *Orchestrator) Enqueue(scope chatsync.ScopeKey) bool {
	if err := scope.Validate(); err != nil {
		return false
	}
	now := o.scheduler.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	if last, ok := o.lastQueued[scope]; ok && now.Sub(last) < o.cooldown {
		return false
	}
	if o.cache.Has(scope) {
		return false
	}

	o.beginLocked()
	select {
	case o.queue <- scope:
		o.lastQueued[scope] = now
		o.pruneLocked(now)
		return true
	default:
		o.finishLocked()
		o.logger.Debug("preload queue full", "scope", scope.String())
		return false
	}
}

// Wait blocks until every queued preload has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	if o.pending == 0 {
		o.mu.Unlock()
		return nil
	}
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("preload wait: %w", ctx.Err())
	}
}

// Close cancels pending timers, stops the workers and drops queued work.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	stop, group := o.stop, o.group
	o.mu.Unlock()

	o.scheduler.Cancel(hoverKey)
	o.scheduler.Cancel(idleKey)
	if stop != nil {
		stop()
		_ = group.Wait()
	}
	for {
		select {
		case <-o.queue:
			o.finish()
		default:
			return
		}
	}
}

func (o *Orchestrator) beginLocked() {
	if o.pending == 0 {
		o.idle = make(chan struct{})
	}
	o.pending++
}

func (o *Orchestrator) finishLocked() {
	o.pending--
	if o.pending == 0 {
		close(o.idle)
	}
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.finishLocked()
}

// Adjacent picks the scopes worth preloading around nav: the previous and
// next siblings of Current, or the first limit siblings when nothing is
// current. Current itself is never returned.
func Adjacent(nav Navigation, limit int) []chatsync.ScopeKey {
	if limit <= 0 {
		return nil
	}

	current := -1
	for i, sibling := range nav.Siblings {
		if sibling == nav.Current {
			current = i
			break
		}
	}

	picked := make([]chatsync.ScopeKey, 0, limit)
	if current < 0 {
		for _, sibling := range nav.Siblings {
			if len(picked) == limit {
				break
			}
			picked = append(picked, sibling)
		}
		return picked
	}

	for offset := 1; len(picked) < limit; offset++ {
		before, after := current-offset, current+offset
		if before < 0 && after >= len(nav.Siblings) {
			break
		}
		if before >= 0 {
			picked = append(picked, nav.Siblings[before])
		}
		if after < len(nav.Siblings) && len(picked) < limit {
			picked = append(picked, nav.Siblings[after])
		}
	}

	return picked
}

func (o *Orchestrator) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case scope := <-o.queue:
			o.preload(ctx, scope)
			o.finish()
		}
	}
}

// preload fetches scope and writes it unless the cache gained an entry in
// the meantime or the session moved on.
func (o *Orchestrator) preload(ctx context.Context, scope chatsync.ScopeKey) {
	generation := o.epoch.Current()
	if o.cache.Has(scope) {
		return
	}

	var err error
	switch scope.Class {
	case chatsync.ScopeClassChannelMessages, chatsync.ScopeClassDirectThread:
		err = o.preloadMessages(ctx, scope, generation)
	case chatsync.ScopeClassServerChannels:
		err = o.preloadServer(ctx, scope, generation)
	case chatsync.ScopeClassServerMembers:
		err = o.preloadMembers(ctx, scope, generation)
	default:
		err = fmt.Errorf("preload %s: %w", scope, chatsync.ErrInvalidScope)
	}
	if err != nil {
		o.logger.DebugContext(ctx, "preload failed", "scope", scope.String(), "error", err)
	}
}

func (o *Orchestrator) preloadMessages(ctx context.Context, scope chatsync.ScopeKey, generation uint64) error {
	messages, err := o.loader.Messages(ctx, scope, time.Time{}, 0)
	if err != nil {
		return fmt.Errorf("preload messages %s: %w", scope, err)
	}
	if !o.writable(scope, generation) {
		return nil
	}
	o.cache.MessagesFor(scope).Update(scope.ID, messages, entitycache.ModeReplaceMerge)
	o.logger.DebugContext(ctx, "preloaded messages", "scope", scope.String(), "count", len(messages))

	return nil
}

func (o *Orchestrator) preloadServer(ctx context.Context, scope chatsync.ScopeKey, generation uint64) error {
	channels, err := o.loader.Channels(ctx, scope.ID)
	if err != nil {
		return fmt.Errorf("preload channels %s: %w", scope, err)
	}
	meta, found, err := o.loader.Server(ctx, scope.ID)
	if err != nil {
		return fmt.Errorf("preload server %s: %w", scope, err)
	}
	if !o.writable(scope, generation) {
		return nil
	}
	o.cache.Channels.Update(scope.ID, channels, entitycache.ModeReplaceMerge)
	if found {
		o.cache.Servers.Put(scope.ID, meta, entitycache.ValueReplace)
	}
	o.logger.DebugContext(ctx, "preloaded server", "scope", scope.String(), "channels", len(channels))

	return nil
}

func (o *Orchestrator) preloadMembers(ctx context.Context, scope chatsync.ScopeKey, generation uint64) error {
	members, err := o.loader.Members(ctx, scope.ID, o.scheduler.Now())
	if err != nil {
		return fmt.Errorf("preload members %s: %w", scope, err)
	}
	if !o.writable(scope, generation) {
		return nil
	}
	o.cache.Members.Put(scope.ID, members, entitycache.ValueMerge)
	o.logger.DebugContext(ctx, "preloaded members", "scope", scope.String(), "members", len(members.Members))

	return nil
}

func (o *Orchestrator) writable(scope chatsync.ScopeKey, generation uint64) bool {
	return o.epoch.Valid(generation) && !o.cache.Has(scope)
}

// pruneLocked forgets cooldown stamps that have expired.
func (o *Orchestrator) pruneLocked(now time.Time) {
	for scope, last := range o.lastQueued {
		if now.Sub(last) >= o.cooldown {
			delete(o.lastQueued, scope)
		}
	}
}
