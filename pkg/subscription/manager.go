// Package subscription owns the bounded pool of live remote subscriptions of
// one session and the batching layer for one-shot lookups.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/scheduler"
)

// SlotType classifies live subscriptions for budgeting and batching.
type SlotType string

const (
	SlotMessages SlotType = "messages"
	SlotThread   SlotType = "thread"
	SlotChannels SlotType = "channels"
	SlotMembers  SlotType = "members"
	SlotProfile  SlotType = "profile"
	SlotPresence SlotType = "presence"
	SlotTyping   SlotType = "typing"
	SlotUnread   SlotType = "unread"
)

// Priority orders slots for eviction. Higher survives longer.
type Priority int

const (
	PriorityBackground Priority = 10
	PriorityVisible    Priority = 50
	PriorityActive     Priority = 80
	// PriorityPersistent slots are never reclaimed by the idle sweep.
	PriorityPersistent Priority = 100
)

const sweepKey = "subscription:sweep"

// ErrReclaimed is delivered to a slot's error callback when the slot is
// evicted for capacity or reclaimed by the idle sweep.
var ErrReclaimed = errors.New("subscription reclaimed")

// Key derives the slot key of one (type, scope) pair.
func Key(slotType SlotType, scopeID string) string {
	return string(slotType) + ":" + scopeID
}

// Handle identifies a live slot. Cancel is idempotent.
type Handle struct {
	Key    string
	Cancel chatsync.CancelFunc
}

// SlotInfo is a read-only view of one live slot.
type SlotInfo struct {
	Key        string
	Type       SlotType
	ScopeID    string
	Priority   Priority
	LastAccess time.Time
}

type slot struct {
	id         uint64
	key        string
	slotType   SlotType
	scopeID    string
	priority   Priority
	lastAccess time.Time
	stop       context.CancelFunc
	remote     chatsync.CancelFunc
	onError    func(error)
	removed    bool
}

// Manager admits, deduplicates, evicts and reclaims live subscriptions.
type Manager struct {
	store     chatsync.RemoteStore
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	epoch     *chatsync.Epoch

	capacity      int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	batchDelay    time.Duration
	batchSize     int
	sideTTL       time.Duration
	budgets       map[SlotType]int

	ctx  context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	nextID    uint64
	slots     map[string]*slot
	closed    bool
	sweepStop chatsync.CancelFunc
	fetchers  map[SlotType]Fetcher
	sinks     map[SlotType]Sink
	pending   map[SlotType]*batch
	sideCache map[string]sideEntry
}

// New creates a manager over store. Timers run on sched.
func New(store chatsync.RemoteStore, sched *scheduler.Scheduler, opts ...Option) *Manager {
	if sched == nil {
		sched = scheduler.New(nil)
	}
	ctx, stop := context.WithCancel(context.Background())
	manager := &Manager{
		store:         store,
		scheduler:     sched,
		logger:        slog.Default(),
		epoch:         chatsync.NewEpoch(),
		capacity:      defaultCapacity,
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		batchDelay:    defaultBatchDelay,
		batchSize:     defaultBatchSize,
		sideTTL:       defaultSideCacheTTL,
		budgets:       map[SlotType]int{SlotProfile: defaultProfileBudget},
		ctx:           ctx,
		stop:          stop,
		slots:         make(map[string]*slot),
		fetchers:      make(map[SlotType]Fetcher),
		sinks:         make(map[SlotType]Sink),
		pending:       make(map[SlotType]*batch),
		sideCache:     make(map[string]sideEntry),
	}
	for _, option := range opts {
		option(manager)
	}

	return manager
}

// Start arms the periodic idle sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.closed || m.sweepStop != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	stop := m.scheduler.Every(sweepKey, m.sweepInterval, func() { m.SweepIdle() })

	m.mu.Lock()
	m.sweepStop = stop
	m.mu.Unlock()
}

// Subscribe opens or reuses the live slot for (slotType, scopeID).
//
// An existing slot is returned as-is with its access refreshed and its
// priority raised to the maximum requested; the new callbacks are ignored.
// At capacity the slot with the lowest priority and then oldest access is
// evicted and its owner receives ErrReclaimed. Remote failures are delivered
// to onError and remove the slot.
func (m *Manager) Subscribe(
	slotType SlotType,
	scopeID string,
	priority Priority,
	target chatsync.Target,
	onChange func(chatsync.ChangeSet),
	onError func(error),
) (Handle, error) {
	key := Key(slotType, scopeID)
	if err := target.Validate(); err != nil {
		return Handle{}, fmt.Errorf("subscription subscribe %s: %w", key, err)
	}
	if onChange == nil {
		return Handle{}, fmt.Errorf("subscription subscribe %s: nil change callback", key)
	}

	now := m.scheduler.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("subscription subscribe %s: %w", key, chatsync.ErrSessionClosed)
	}
	if existing, ok := m.slots[key]; ok {
		existing.lastAccess = now
		if priority > existing.priority {
			existing.priority = priority
		}
		handle := m.handleLocked(existing)
		m.mu.Unlock()
		return handle, nil
	}

	var victim *slot
	if len(m.slots) >= m.capacity {
		victim = m.evictionCandidateLocked()
		if victim != nil {
			m.removeLocked(victim)
		}
	}

	m.nextID++
	ctx, stop := context.WithCancel(m.ctx)
	created := &slot{
		id:         m.nextID,
		key:        key,
		slotType:   slotType,
		scopeID:    scopeID,
		priority:   priority,
		lastAccess: now,
		stop:       stop,
		onError:    onError,
	}
	m.slots[key] = created
	handle := m.handleLocked(created)
	m.mu.Unlock()

	if victim != nil {
		m.logger.Debug("subscription evicted for capacity",
			"key", victim.key,
			"priority", int(victim.priority),
			"admitted", key,
		)
		m.reclaim(victim)
	}

	generation := m.epoch.Current()
	remote, err := m.store.Subscribe(ctx, target,
		func(changes chatsync.ChangeSet) {
			if !m.deliverable(created, generation) {
				return
			}
			scheduler.Guard("subscription change "+key, func() { onChange(changes) }, m.reportPanic)
		},
		func(subscribeErr error) {
			m.fail(created, generation, subscribeErr, onError)
		},
	)
	if err != nil {
		m.fail(created, generation, fmt.Errorf("subscription subscribe %s: %w", key, err), onError)
		return handle, nil
	}

	m.mu.Lock()
	if created.removed {
		m.mu.Unlock()
		if remote != nil {
			remote()
		}
		return handle, nil
	}
	created.remote = remote
	m.mu.Unlock()

	return handle, nil
}

// Touch refreshes the last access of key. It reports whether key is live.
func (m *Manager) Touch(key string) bool {
	now := m.scheduler.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	live, ok := m.slots[key]
	if ok {
		live.lastAccess = now
	}

	return ok
}

// Has reports whether key is live.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.slots[key]
	return ok
}

// Slot returns a view of the live slot under key.
func (m *Manager) Slot(key string) (SlotInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, ok := m.slots[key]
	if !ok {
		return SlotInfo{}, false
	}

	return SlotInfo{
		Key:        live.key,
		Type:       live.slotType,
		ScopeID:    live.scopeID,
		Priority:   live.priority,
		LastAccess: live.lastAccess,
	}, true
}

// Len returns the number of live slots.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.slots)
}

// CountByType returns the number of live slots of slotType.
func (m *Manager) CountByType(slotType SlotType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.countLocked(slotType)
}

// TypeBudget returns the configured budget of slotType, or zero when none.
func (m *Manager) TypeBudget(slotType SlotType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.budgets[slotType]
}

// HasBudget reports whether another slot of slotType fits its budget.
// Types without a budget always fit.
func (m *Manager) HasBudget(slotType SlotType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget, limited := m.budgets[slotType]
	return !limited || m.countLocked(slotType) < budget
}

// Release cancels the slot under key. It reports whether one was live.
func (m *Manager) Release(key string) bool {
	m.mu.Lock()
	live, ok := m.slots[key]
	if ok {
		m.removeLocked(live)
	}
	m.mu.Unlock()

	if ok {
		m.teardown(live)
	}

	return ok
}

// SweepIdle cancels every non-persistent slot idle for at least the idle
// timeout and returns how many were reclaimed.
func (m *Manager) SweepIdle() int {
	now := m.scheduler.Now()

	m.mu.Lock()
	var idle []*slot
	for _, live := range m.slots {
		if live.priority >= PriorityPersistent {
			continue
		}
		if now.Sub(live.lastAccess) >= m.idleTimeout {
			idle = append(idle, live)
		}
	}
	for _, live := range idle {
		m.removeLocked(live)
	}
	m.mu.Unlock()

	for _, live := range idle {
		m.reclaim(live)
	}
	if len(idle) > 0 {
		m.logger.Debug("subscription idle sweep", "reclaimed", len(idle))
	}

	return len(idle)
}

// CancelAll cancels every live slot and returns how many were live.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	all := make([]*slot, 0, len(m.slots))
	for _, live := range m.slots {
		all = append(all, live)
	}
	for _, live := range all {
		m.removeLocked(live)
	}
	m.mu.Unlock()

	for _, live := range all {
		m.teardown(live)
	}

	return len(all)
}

// Close cancels every slot, drops pending one-shot requests and rejects
// further subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sweepStop := m.sweepStop
	m.sweepStop = nil
	pendingTypes := make([]SlotType, 0, len(m.pending))
	for slotType := range m.pending {
		pendingTypes = append(pendingTypes, slotType)
	}
	m.pending = make(map[SlotType]*batch)
	m.sideCache = make(map[string]sideEntry)
	m.mu.Unlock()

	if sweepStop != nil {
		sweepStop()
	}
	for _, slotType := range pendingTypes {
		m.scheduler.Cancel(batchKey(slotType))
	}
	cancelled := m.CancelAll()
	m.stop()
	m.logger.Debug("subscription manager closed", "cancelled", cancelled)
}

func (m *Manager) handleLocked(live *slot) Handle {
	key := live.key
	id := live.id

	return Handle{
		Key: key,
		Cancel: chatsync.OnceCancel(func() {
			m.mu.Lock()
			current, ok := m.slots[key]
			if !ok || current.id != id {
				m.mu.Unlock()
				return
			}
			m.removeLocked(current)
			m.mu.Unlock()
			m.teardown(current)
		}),
	}
}

func (m *Manager) evictionCandidateLocked() *slot {
	var candidate *slot
	for _, live := range m.slots {
		if candidate == nil || lowerRank(live, candidate) {
			candidate = live
		}
	}

	return candidate
}

// lowerRank orders slots by priority, then access age, then admission order.
func lowerRank(a, b *slot) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.lastAccess.Equal(b.lastAccess) {
		return a.lastAccess.Before(b.lastAccess)
	}

	return a.id < b.id
}

func (m *Manager) countLocked(slotType SlotType) int {
	count := 0
	for _, live := range m.slots {
		if live.slotType == slotType {
			count++
		}
	}

	return count
}

func (m *Manager) removeLocked(live *slot) {
	if current, ok := m.slots[live.key]; ok && current == live {
		delete(m.slots, live.key)
	}
	live.removed = true
}

func (m *Manager) teardown(live *slot) {
	m.mu.Lock()
	remote := live.remote
	live.remote = nil
	m.mu.Unlock()

	live.stop()
	if remote != nil {
		remote()
	}
}

// reclaim tears live down and tells its owner why.
func (m *Manager) reclaim(live *slot) {
	m.teardown(live)
	if live.onError == nil || m.isClosed() {
		return
	}
	err := fmt.Errorf("subscription %s: %w", live.key, ErrReclaimed)
	scheduler.Guard("subscription reclaim "+live.key, func() { live.onError(err) }, m.reportPanic)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

func (m *Manager) deliverable(live *slot, generation uint64) bool {
	if !m.epoch.Valid(generation) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return !live.removed && !m.closed
}

func (m *Manager) fail(live *slot, generation uint64, err error, onError func(error)) {
	if !m.deliverable(live, generation) {
		return
	}
	m.mu.Lock()
	m.removeLocked(live)
	m.mu.Unlock()
	m.teardown(live)

	m.logger.Warn("subscription failed", "key", live.key, "error", err)
	if onError != nil {
		scheduler.Guard("subscription error "+live.key, func() { onError(err) }, m.reportPanic)
	}
}

func (m *Manager) reportPanic(err error) {
	m.logger.Error("subscription callback panicked", "error", err)
}
