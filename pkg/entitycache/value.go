package entitycache

import (
	"sync"

	"chatsync/pkg/chatsync"
)

// ValueMode selects how Put combines a value with the cached one.
type ValueMode int

const (
	// ValueMerge folds the incoming value into the cached one.
	ValueMerge ValueMode = iota
	// ValueReplace overwrites the cached value.
	ValueReplace
)

// ValueSpec describes merge and copy semantics of V.
type ValueSpec[V any] struct {
	// Merge folds patch over base. Nil means patches replace.
	Merge func(base, patch V) V
	// Clone deep-copies a value. Nil means values are copied as-is.
	Clone func(V) V
}

// ValueCache holds one value per scope with LRU eviction beyond capacity.
type ValueCache[V any] struct {
	class     chatsync.ScopeClass
	spec      ValueSpec[V]
	maxScopes int
	onEvict   func(chatsync.ScopeKey)
	// onAccess mirrors SequenceCache.onAccess.
	onAccess func(scopeID string)

	mu      sync.Mutex
	values  map[string]V
	recency recency
}

// NewValueCache creates an empty value cache for one scope class.
func NewValueCache[V any](class chatsync.ScopeClass, spec ValueSpec[V], limits Limits, onEvict func(chatsync.ScopeKey)) *ValueCache[V] {
	if spec.Clone == nil {
		spec.Clone = func(value V) V { return value }
	}
	if spec.Merge == nil {
		spec.Merge = func(_ V, patch V) V { return patch }
	}

	return &ValueCache[V]{
		class:     class,
		spec:      spec,
		maxScopes: limits.normalized().MaxScopes,
		onEvict:   onEvict,
		values:    make(map[string]V),
		recency:   newRecency(),
	}
}

// Get returns a copy of the cached value and refreshes its access.
func (c *ValueCache[V]) Get(scopeID string) (V, bool) {
	c.mu.Lock()
	value, exists := c.values[scopeID]
	if !exists {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	c.recency.touch(scopeID)
	cloned := c.spec.Clone(value)
	c.mu.Unlock()

	if c.onAccess != nil {
		c.onAccess(scopeID)
	}

	return cloned, true
}

// Has reports whether scopeID is cached without refreshing its access.
func (c *ValueCache[V]) Has(scopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.values[scopeID]
	return exists
}

// Put stores value under scopeID using mode.
func (c *ValueCache[V]) Put(scopeID string, value V, mode ValueMode) {
	incoming := c.spec.Clone(value)

	c.mu.Lock()
	if current, exists := c.values[scopeID]; exists && mode == ValueMerge {
		incoming = c.spec.Merge(current, incoming)
	}
	c.values[scopeID] = incoming
	c.recency.touch(scopeID)

	var evicted []string
	for c.onAccess == nil && c.recency.len() > c.maxScopes {
		oldest, ok := c.recency.popOldest()
		if !ok {
			break
		}
		delete(c.values, oldest)
		evicted = append(evicted, oldest)
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, scopeID := range evicted {
			c.onEvict(chatsync.ScopeKey{Class: c.class, ID: scopeID})
		}
	}
	if c.onAccess != nil {
		c.onAccess(scopeID)
	}
}

// Clear drops scopeID. It reports whether a value was cached.
func (c *ValueCache[V]) Clear(scopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.values[scopeID]
	delete(c.values, scopeID)
	c.recency.remove(scopeID)

	return exists
}

// ClearAll drops every value and returns how many were cached.
func (c *ValueCache[V]) ClearAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.values)
	c.values = make(map[string]V)
	c.recency.reset()

	return count
}

// Len returns the number of cached scopes.
func (c *ValueCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.values)
}

// Scopes returns cached scope ids, most recently accessed first.
func (c *ValueCache[V]) Scopes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.recency.ordered()
}
