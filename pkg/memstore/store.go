// Package memstore is an in-memory RemoteStore and LocalStore. It backs the
// demo CLI and component tests: pushes are delivered synchronously on the
// goroutine that performed the mutation.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatsync/pkg/chatsync"
)

// Op names a store operation in the mutation log and counters.
type Op string

const (
	OpRead      Op = "read"
	OpQuery     Op = "query"
	OpSubscribe Op = "subscribe"
	OpWrite     Op = "write"
	OpDelete    Op = "delete"
)

// Mutation is one entry of the write/delete log.
type Mutation struct {
	Op     Op
	Path   string
	Fields map[string]any
}

type watcher struct {
	id       uint64
	target   chatsync.Target
	onChange func(chatsync.ChangeSet)
	onError  func(error)
	last     map[string]chatsync.Record
	order    []string
}

type delivery struct {
	watcher *watcher
	changes chatsync.ChangeSet
	err     error
}

// Store is a concurrency-safe in-memory RemoteStore.
type Store struct {
	mu        sync.Mutex
	records   map[string]chatsync.Record
	watchers  map[uint64]*watcher
	nextID    uint64
	errors    map[string]error
	counts    map[Op]int
	mutations []Mutation
	closed    bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records:  make(map[string]chatsync.Record),
		watchers: make(map[uint64]*watcher),
		errors:   make(map[string]error),
		counts:   make(map[Op]int),
	}
}

// Seed stores fields at path without logging a mutation, then notifies
// watchers.
func (s *Store) Seed(path string, fields map[string]any) {
	s.mu.Lock()
	s.records[path] = newRecord(path, fields)
	deliveries := s.collectLocked()
	s.mu.Unlock()

	deliver(deliveries)
}

// SetError makes every operation addressing key fail with err. key is a
// record path or a collection. A nil err clears the failure.
func (s *Store) SetError(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.errors, key)
		return
	}
	s.errors[key] = err
}

// Break delivers err to every live subscription addressing key and drops them.
func (s *Store) Break(key string, err error) int {
	s.mu.Lock()
	var deliveries []delivery
	for id, live := range s.watchers {
		if targetKey(live.target) != key {
			continue
		}
		delete(s.watchers, id)
		deliveries = append(deliveries, delivery{watcher: live, err: err})
	}
	s.mu.Unlock()

	deliver(deliveries)

	return len(deliveries)
}

// Count returns how many times op was called.
func (s *Store) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[op]
}

// ActiveSubscriptions returns the number of live subscriptions.
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.watchers)
}

// Mutations returns a copy of the write/delete log.
func (s *Store) Mutations() []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Mutation(nil), s.mutations...)
}

// Get returns the record at path.
func (s *Store) Get(path string) (chatsync.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[path]
	return chatsync.CloneRecord(record), ok
}

// Close fails further operations with chatsync.ErrStoreClosed and drops
// every subscription without notifying it.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.watchers = make(map[uint64]*watcher)
}

// Read implements chatsync.RemoteStore.
func (s *Store) Read(ctx context.Context, path string, _ chatsync.ReadMode) (chatsync.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return chatsync.Record{}, false, fmt.Errorf("memstore read %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[OpRead]++
	if err := s.failureLocked(path, collectionOf(path)); err != nil {
		return chatsync.Record{}, false, fmt.Errorf("memstore read %s: %w", path, err)
	}
	record, ok := s.records[path]

	return chatsync.CloneRecord(record), ok, nil
}

// Query implements chatsync.RemoteStore.
func (s *Store) Query(ctx context.Context, query chatsync.Query) ([]chatsync.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memstore query %s: %w", query.Collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[OpQuery]++
	if err := s.failureLocked(query.Collection); err != nil {
		return nil, fmt.Errorf("memstore query %s: %w", query.Collection, err)
	}

	return s.runQueryLocked(query), nil
}

// Subscribe implements chatsync.RemoteStore. The initial snapshot is
// delivered before Subscribe returns.
func (s *Store) Subscribe(
	ctx context.Context,
	target chatsync.Target,
	onChange func(chatsync.ChangeSet),
	onError func(error),
) (chatsync.CancelFunc, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("memstore subscribe: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memstore subscribe %s: %w", targetKey(target), err)
	}

	s.mu.Lock()
	s.counts[OpSubscribe]++
	if err := s.failureLocked(targetKey(target)); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("memstore subscribe %s: %w", targetKey(target), err)
	}
	s.nextID++
	live := &watcher{
		id:       s.nextID,
		target:   target,
		onChange: onChange,
		onError:  onError,
	}
	s.watchers[live.id] = live
	initial, _ := s.snapshotLocked(live)
	s.mu.Unlock()

	cancel := chatsync.OnceCancel(func() {
		s.mu.Lock()
		delete(s.watchers, live.id)
		s.mu.Unlock()
	})
	stopWatching := context.AfterFunc(ctx, cancel)

	deliver([]delivery{{watcher: live, changes: initial}})

	return func() {
		stopWatching()
		cancel()
	}, nil
}

// Write implements chatsync.RemoteStore.
func (s *Store) Write(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memstore write %s: %w", path, err)
	}

	s.mu.Lock()
	s.counts[OpWrite]++
	if err := s.failureLocked(path, collectionOf(path)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("memstore write %s: %w", path, err)
	}
	merged := chatsync.CloneRecord(s.records[path])
	if merged.Fields == nil {
		merged = newRecord(path, nil)
	}
	for key, value := range fields {
		merged.Fields[key] = value
	}
	s.records[path] = merged
	s.mutations = append(s.mutations, Mutation{Op: OpWrite, Path: path, Fields: chatsync.CloneRecord(chatsync.Record{Fields: fields}).Fields})
	deliveries := s.collectLocked()
	s.mu.Unlock()

	deliver(deliveries)

	return nil
}

// Delete implements chatsync.RemoteStore.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memstore delete %s: %w", path, err)
	}

	s.mu.Lock()
	s.counts[OpDelete]++
	if err := s.failureLocked(path, collectionOf(path)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("memstore delete %s: %w", path, err)
	}
	delete(s.records, path)
	s.mutations = append(s.mutations, Mutation{Op: OpDelete, Path: path})
	deliveries := s.collectLocked()
	s.mu.Unlock()

	deliver(deliveries)

	return nil
}

func (s *Store) failureLocked(keys ...string) error {
	if s.closed {
		return chatsync.ErrStoreClosed
	}
	for _, key := range keys {
		if err, ok := s.errors[key]; ok {
			return err
		}
	}

	return nil
}

// collectLocked computes pending change sets for every watcher whose result
// changed since its previous delivery.
func (s *Store) collectLocked() []delivery {
	var deliveries []delivery
	ids := make([]uint64, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		live := s.watchers[id]
		changes, changed := s.snapshotLocked(live)
		if changed {
			deliveries = append(deliveries, delivery{watcher: live, changes: changes})
		}
	}

	return deliveries
}

func (s *Store) snapshotLocked(live *watcher) (chatsync.ChangeSet, bool) {
	var records []chatsync.Record
	if live.target.Query != nil {
		records = s.runQueryLocked(*live.target.Query)
	} else if record, ok := s.records[live.target.Path]; ok {
		records = []chatsync.Record{chatsync.CloneRecord(record)}
	}

	current := make(map[string]chatsync.Record, len(records))
	order := make([]string, 0, len(records))
	var changes []chatsync.Change
	for _, record := range records {
		current[record.Path] = record
		order = append(order, record.Path)
		previous, existed := live.last[record.Path]
		switch {
		case !existed:
			changes = append(changes, chatsync.Change{Kind: chatsync.ChangeAdded, Record: record})
		case !sameFields(previous.Fields, record.Fields):
			changes = append(changes, chatsync.Change{Kind: chatsync.ChangeModified, Record: record})
		}
	}
	for _, path := range live.order {
		if _, kept := current[path]; !kept {
			changes = append(changes, chatsync.Change{Kind: chatsync.ChangeRemoved, Record: live.last[path]})
		}
	}

	first := live.last == nil
	changed := first || len(changes) > 0 || !sameOrder(live.order, order)
	live.last = current
	live.order = order
	if records == nil {
		records = []chatsync.Record{}
	}

	return chatsync.ChangeSet{Records: records, Changes: changes}, changed
}

func (s *Store) runQueryLocked(query chatsync.Query) []chatsync.Record {
	matched := make([]chatsync.Record, 0)
	for path, record := range s.records {
		if collectionOf(path) != query.Collection {
			continue
		}
		if !matchesAll(record, query.Filters) {
			continue
		}
		matched = append(matched, chatsync.CloneRecord(record))
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if query.OrderBy != "" {
			if order := compareValues(fieldValue(matched[i], query.OrderBy), fieldValue(matched[j], query.OrderBy)); order != 0 {
				if query.Descending {
					return order > 0
				}
				return order < 0
			}
		}
		if query.Descending && query.OrderBy != "" {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ID < matched[j].ID
	})

	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}

	return matched
}

func deliver(deliveries []delivery) {
	for _, pending := range deliveries {
		if pending.err != nil {
			if pending.watcher.onError != nil {
				pending.watcher.onError(pending.err)
			}
			continue
		}
		if pending.watcher.onChange != nil {
			pending.watcher.onChange(pending.changes)
		}
	}
}

func newRecord(path string, fields map[string]any) chatsync.Record {
	record := chatsync.Record{
		Path:   path,
		ID:     idOf(path),
		Fields: make(map[string]any, len(fields)),
	}
	for key, value := range fields {
		record.Fields[key] = value
	}

	return record
}

func targetKey(target chatsync.Target) string {
	if target.Query != nil {
		return target.Query.Collection
	}

	return target.Path
}

func collectionOf(path string) string {
	if index := strings.LastIndex(path, "/"); index >= 0 {
		return path[:index]
	}

	return ""
}

func idOf(path string) string {
	if index := strings.LastIndex(path, "/"); index >= 0 {
		return path[index+1:]
	}

	return path
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func sameFields(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		other, ok := b[key]
		if !ok || fmt.Sprint(value) != fmt.Sprint(other) {
			return false
		}
	}

	return true
}
