package subscription

import (
	"context"
	"fmt"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/scheduler"
)

// Fetcher loads many records of one type in a single remote round trip.
// Missing ids are simply absent from the result.
type Fetcher func(ctx context.Context, ids []string) (map[string]chatsync.Record, error)

// Sink receives every record fetched for one type, typically to populate a
// cache.
type Sink func(id string, record chatsync.Record)

// RequestCallback receives the outcome of one RequestOnce. found is false
// when the record is missing or its fetch failed.
type RequestCallback func(record chatsync.Record, found bool)

type batch struct {
	order   []string
	waiters map[string][]RequestCallback
}

type sideEntry struct {
	record  chatsync.Record
	found   bool
	expires int64
}

func batchKey(slotType SlotType) string {
	return "subscription:batch:" + string(slotType)
}

func sideKey(slotType SlotType, id string) string {
	return string(slotType) + "\x00" + id
}

// RegisterFetcher installs the batch fetcher of slotType.
func (m *Manager) RegisterFetcher(slotType SlotType, fetcher Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchers[slotType] = fetcher
}

// RegisterSink installs the result sink of slotType.
func (m *Manager) RegisterSink(slotType SlotType, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sinks[slotType] = sink
}

// RequestOnce asks for one record of slotType. Requests of the same type made
// within the batching delay share one chunked fetch; duplicates within the
// side-cache TTL are answered without a fetch. callback runs exactly once
// unless the manager is closed first.
func (m *Manager) RequestOnce(slotType SlotType, id string, callback RequestCallback) {
	if callback == nil {
		return
	}
	now := m.scheduler.Now().UnixNano()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if entry, ok := m.sideCache[sideKey(slotType, id)]; ok && now < entry.expires {
		record := chatsync.CloneRecord(entry.record)
		found := entry.found
		m.mu.Unlock()
		scheduler.Guard("subscription request "+string(slotType), func() { callback(record, found) }, m.reportPanic)
		return
	}

	pending, exists := m.pending[slotType]
	if !exists {
		pending = &batch{waiters: make(map[string][]RequestCallback)}
		m.pending[slotType] = pending
	}
	if _, queued := pending.waiters[id]; !queued {
		pending.order = append(pending.order, id)
	}
	pending.waiters[id] = append(pending.waiters[id], callback)
	m.mu.Unlock()

	if !exists {
		m.scheduler.Arm(batchKey(slotType), m.batchDelay, func() { m.flush(slotType) })
	}
}

// flush fetches every id collected for slotType and fans results out.
func (m *Manager) flush(slotType SlotType) {
	m.mu.Lock()
	pending := m.pending[slotType]
	delete(m.pending, slotType)
	fetcher := m.fetchers[slotType]
	sink := m.sinks[slotType]
	closed := m.closed
	m.mu.Unlock()

	if pending == nil || closed {
		return
	}
	generation := m.epoch.Current()

	results := make(map[string]chatsync.Record, len(pending.order))
	settled := make(map[string]bool, len(pending.order))
	for start := 0; start < len(pending.order); start += m.batchSize {
		end := start + m.batchSize
		if end > len(pending.order) {
			end = len(pending.order)
		}
		chunk := pending.order[start:end]
		if fetcher == nil {
			m.logger.Warn("subscription request without fetcher", "type", string(slotType), "ids", len(chunk))
			continue
		}
		records, err := fetcher(m.ctx, chunk)
		if err != nil {
			m.logger.Debug("subscription batch fetch failed",
				"type", string(slotType),
				"ids", len(chunk),
				"error", fmt.Errorf("request %s: %w", slotType, err),
			)
			continue
		}
		for _, id := range chunk {
			settled[id] = true
			if record, ok := records[id]; ok {
				results[id] = record
			}
		}
	}

	if !m.epoch.Valid(generation) {
		return
	}

	expires := m.scheduler.Now().Add(m.sideTTL).UnixNano()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pruneSideCacheLocked()
	// Ids from failed chunks stay uncached so the next request refetches.
	for _, id := range pending.order {
		if !settled[id] {
			continue
		}
		record, found := results[id]
		m.sideCache[sideKey(slotType, id)] = sideEntry{record: record, found: found, expires: expires}
	}
	m.mu.Unlock()

	for _, id := range pending.order {
		record, found := results[id]
		if found && sink != nil {
			scheduler.Guard("subscription sink "+string(slotType), func() { sink(id, chatsync.CloneRecord(record)) }, m.reportPanic)
		}
		for _, callback := range pending.waiters[id] {
			delivered := chatsync.CloneRecord(record)
			scheduler.Guard("subscription request "+string(slotType), func() { callback(delivered, found) }, m.reportPanic)
		}
	}
}

func (m *Manager) pruneSideCacheLocked() {
	now := m.scheduler.Now().UnixNano()
	for key, entry := range m.sideCache {
		if now >= entry.expires {
			delete(m.sideCache, key)
		}
	}
}
