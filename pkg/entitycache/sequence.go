package entitycache

import (
	"sort"
	"sync"

	"chatsync/pkg/chatsync"
)

// Mode selects how Update combines incoming items with a cached sequence.
type Mode int

const (
	// ModeReplaceMerge replaces items whose id is in the batch, keeps the
	// rest, and re-sorts.
	ModeReplaceMerge Mode = iota
	// ModePrepend splices older items (pagination) at the head after dropping
	// ids that are already cached.
	ModePrepend
	// ModeUpsert inserts or replaces single items, re-sorting only when an
	// item lands out of order.
	ModeUpsert
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	switch m {
	case ModeReplaceMerge:
		return "replace_merge"
	case ModePrepend:
		return "prepend"
	case ModeUpsert:
		return "upsert"
	default:
		return "unknown"
	}
}

// SequenceSpec describes the identity, ordering and copy semantics of T.
type SequenceSpec[T any] struct {
	// ID returns the identity of an item, unique within one scope.
	ID func(T) string
	// Before is a strict total order over items of one scope.
	Before func(a, b T) bool
	// Clone deep-copies an item. Nil means values are copied as-is.
	Clone func(T) T
}

// SequenceCache holds ordered, bounded item windows for many scopes of one
// class, evicting the least recently accessed scope beyond capacity.
//
// It never performs I/O and every operation is total.
type SequenceCache[T any] struct {
	class     chatsync.ScopeClass
	spec      SequenceSpec[T]
	maxItems  int
	maxScopes int
	onEvict   func(chatsync.ScopeKey)
	// onAccess hands scope admission to a class-wide order shared with
	// another cache. When set, this cache never evicts on its own.
	onAccess func(scopeID string)

	mu      sync.Mutex
	scopes  map[string][]T
	recency recency
}

// NewSequenceCache creates an empty cache for one scope class.
func NewSequenceCache[T any](class chatsync.ScopeClass, spec SequenceSpec[T], limits Limits, onEvict func(chatsync.ScopeKey)) *SequenceCache[T] {
	if spec.Clone == nil {
		spec.Clone = func(item T) T { return item }
	}
	limits = limits.normalized()

	return &SequenceCache[T]{
		class:     class,
		spec:      spec,
		maxItems:  limits.MaxItems,
		maxScopes: limits.MaxScopes,
		onEvict:   onEvict,
		scopes:    make(map[string][]T),
		recency:   newRecency(),
	}
}

// Get returns a copy of the cached sequence for scopeID, or an empty slice.
// A hit refreshes the scope's last access.
func (c *SequenceCache[T]) Get(scopeID string) []T {
	c.mu.Lock()
	items, exists := c.scopes[scopeID]
	if !exists {
		c.mu.Unlock()
		return []T{}
	}
	c.recency.touch(scopeID)
	cloned := c.cloneAll(items)
	c.mu.Unlock()

	c.accessed(scopeID)

	return cloned
}

// Peek is Get without refreshing access.
func (c *SequenceCache[T]) Peek(scopeID string) []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cloneAll(c.scopes[scopeID])
}

// Has reports whether scopeID is cached without refreshing its access.
func (c *SequenceCache[T]) Has(scopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.scopes[scopeID]
	return exists
}

// Update merges items into scopeID using mode, truncates the sequence to the
// item limit by dropping the oldest entries, and evicts least recently
// accessed scopes beyond the scope limit.
func (c *SequenceCache[T]) Update(scopeID string, items []T, mode Mode) {
	incoming := c.cloneAll(items)

	c.mu.Lock()
	existing := c.scopes[scopeID]
	var merged []T
	switch mode {
	case ModePrepend:
		merged = c.prepend(existing, incoming)
	case ModeUpsert:
		merged = existing
		for _, item := range incoming {
			merged = c.upsert(merged, item)
		}
	default:
		merged = c.replaceMerge(existing, incoming)
	}
	if merged == nil {
		merged = []T{}
	}
	c.scopes[scopeID] = c.truncate(merged)
	c.recency.touch(scopeID)
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	c.accessed(scopeID)
}

// Remove deletes the items with the given ids from scopeID without touching
// its access order and returns how many were removed.
func (c *SequenceCache[T]) Remove(scopeID string, ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.scopes[scopeID]
	if !ok {
		return 0
	}
	kept := existing[:0:0]
	for _, item := range existing {
		if _, gone := drop[c.spec.ID(item)]; !gone {
			kept = append(kept, item)
		}
	}
	c.scopes[scopeID] = kept

	return len(existing) - len(kept)
}

// Clear drops scopeID. It reports whether the scope was cached.
func (c *SequenceCache[T]) Clear(scopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.scopes[scopeID]
	delete(c.scopes, scopeID)
	c.recency.remove(scopeID)

	return exists
}

// ClearAll drops every scope and returns how many were cached.
func (c *SequenceCache[T]) ClearAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.scopes)
	c.scopes = make(map[string][]T)
	c.recency.reset()

	return count
}

// Len returns the number of cached scopes.
func (c *SequenceCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.scopes)
}

// Scopes returns cached scope ids, most recently accessed first.
func (c *SequenceCache[T]) Scopes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.recency.ordered()
}

// Class returns the scope class served by this cache.
func (c *SequenceCache[T]) Class() chatsync.ScopeClass {
	return c.class
}

func (c *SequenceCache[T]) replaceMerge(existing []T, incoming []T) []T {
	merged := make([]T, len(existing), len(existing)+len(incoming))
	copy(merged, existing)

	position := make(map[string]int, len(merged)+len(incoming))
	for i, item := range merged {
		position[c.spec.ID(item)] = i
	}
	for _, item := range incoming {
		id := c.spec.ID(item)
		if i, exists := position[id]; exists {
			merged[i] = item
			continue
		}
		position[id] = len(merged)
		merged = append(merged, item)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return c.spec.Before(merged[i], merged[j])
	})

	return merged
}

func (c *SequenceCache[T]) prepend(existing []T, incoming []T) []T {
	known := make(map[string]struct{}, len(existing)+len(incoming))
	for _, item := range existing {
		known[c.spec.ID(item)] = struct{}{}
	}

	fresh := make([]T, 0, len(incoming))
	for _, item := range incoming {
		id := c.spec.ID(item)
		if _, exists := known[id]; exists {
			continue
		}
		known[id] = struct{}{}
		fresh = append(fresh, item)
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return c.spec.Before(fresh[i], fresh[j])
	})

	merged := make([]T, 0, len(fresh)+len(existing))
	merged = append(merged, fresh...)
	merged = append(merged, existing...)

	// Pages that overlap the cached window arrive slightly out of order.
	if !sort.SliceIsSorted(merged, func(i, j int) bool { return c.spec.Before(merged[i], merged[j]) }) {
		sort.SliceStable(merged, func(i, j int) bool {
			return c.spec.Before(merged[i], merged[j])
		})
	}

	return merged
}

func (c *SequenceCache[T]) upsert(existing []T, item T) []T {
	id := c.spec.ID(item)
	for i := range existing {
		if c.spec.ID(existing[i]) != id {
			continue
		}
		updated := make([]T, len(existing))
		copy(updated, existing)
		updated[i] = item
		if c.inOrderAt(updated, i) {
			return updated
		}
		updated = append(updated[:i], updated[i+1:]...)
		return c.insertSorted(updated, item)
	}

	return c.insertSorted(existing, item)
}

func (c *SequenceCache[T]) inOrderAt(items []T, i int) bool {
	if i > 0 && c.spec.Before(items[i], items[i-1]) {
		return false
	}
	if i+1 < len(items) && c.spec.Before(items[i+1], items[i]) {
		return false
	}

	return true
}

func (c *SequenceCache[T]) insertSorted(items []T, item T) []T {
	at := sort.Search(len(items), func(i int) bool {
		return c.spec.Before(item, items[i])
	})
	inserted := make([]T, 0, len(items)+1)
	inserted = append(inserted, items[:at]...)
	inserted = append(inserted, item)
	inserted = append(inserted, items[at:]...)

	return inserted
}

func (c *SequenceCache[T]) truncate(items []T) []T {
	if len(items) <= c.maxItems {
		return items
	}
	kept := make([]T, c.maxItems)
	copy(kept, items[len(items)-c.maxItems:])

	return kept
}

func (c *SequenceCache[T]) evictLocked() []string {
	if c.onAccess != nil {
		return nil
	}
	var evicted []string
	for c.recency.len() > c.maxScopes {
		scopeID, ok := c.recency.popOldest()
		if !ok {
			break
		}
		delete(c.scopes, scopeID)
		evicted = append(evicted, scopeID)
	}

	return evicted
}

func (c *SequenceCache[T]) accessed(scopeID string) {
	if c.onAccess != nil {
		c.onAccess(scopeID)
	}
}

func (c *SequenceCache[T]) notifyEvicted(evicted []string) {
	if c.onEvict == nil {
		return
	}
	for _, scopeID := range evicted {
		c.onEvict(chatsync.ScopeKey{Class: c.class, ID: scopeID})
	}
}

func (c *SequenceCache[T]) cloneAll(items []T) []T {
	cloned := make([]T, len(items))
	for i, item := range items {
		cloned[i] = c.spec.Clone(item)
	}

	return cloned
}
