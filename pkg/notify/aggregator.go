// Package notify merges the viewer's unread sources into one ranked
// notification list and one platform badge.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/loader"
	"chatsync/pkg/scheduler"
	"chatsync/pkg/subscription"
)

// Source names one independently updated unread source.
type Source string

const (
	SourceChannels Source = "channels"
	SourceThreads  Source = "threads"
	SourceDirects  Source = "directs"
)

var allSources = []Source{SourceChannels, SourceThreads, SourceDirects}

// Option mutates aggregator configuration.
type Option func(*Aggregator)

// WithLogger injects the aggregator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(aggregator *Aggregator) {
		if logger != nil {
			aggregator.logger = logger
		}
	}
}

// WithBadgeSink pushes badge changes to sink.
func WithBadgeSink(sink chatsync.BadgeSink) Option {
	return func(aggregator *Aggregator) {
		aggregator.badgeSink = sink
	}
}

// WithBadgeCap sets the largest displayed badge value.
func WithBadgeCap(limit int) Option {
	return func(aggregator *Aggregator) {
		if limit > 0 {
			aggregator.badgeCap = limit
		}
	}
}

// Aggregator holds the latest counters of every source and recomputes the
// full snapshot on each update.
type Aggregator struct {
	logger    *slog.Logger
	badgeSink chatsync.BadgeSink
	badgeCap  int

	mu        sync.Mutex
	channels  map[string]chatsync.ChannelUnread
	threads   map[string]chatsync.ThreadUnread
	directs   map[string]chatsync.DirectUnread
	ready     map[Source]bool
	snapshot  Snapshot
	delivered int
	pushing   bool
	nextID    uint64
	observers map[uint64]func(Snapshot)
	closed    bool
}

// New creates an empty aggregator.
func New(opts ...Option) *Aggregator {
	aggregator := &Aggregator{
		logger:    slog.Default(),
		badgeCap:  DefaultBadgeCap,
		channels:  make(map[string]chatsync.ChannelUnread),
		threads:   make(map[string]chatsync.ThreadUnread),
		directs:   make(map[string]chatsync.DirectUnread),
		ready:     make(map[Source]bool, len(allSources)),
		observers: make(map[uint64]func(Snapshot)),
	}
	for _, option := range opts {
		option(aggregator)
	}
	aggregator.snapshot = Compute(nil, nil, nil, aggregator.badgeCap)

	return aggregator
}

// ReplaceChannels swaps the whole channel source.
func (a *Aggregator) ReplaceChannels(counters []chatsync.ChannelUnread) {
	a.update(SourceChannels, func() {
		a.channels = make(map[string]chatsync.ChannelUnread, len(counters))
		for _, counter := range counters {
			a.channels[counter.ChannelID] = counter
		}
	})
}

// PutChannel replaces one channel counter.
func (a *Aggregator) PutChannel(counter chatsync.ChannelUnread) {
	a.update(SourceChannels, func() { a.channels[counter.ChannelID] = counter })
}

// RemoveChannel drops one channel counter, for example after the channel
// was read.
func (a *Aggregator) RemoveChannel(channelID string) {
	a.update(SourceChannels, func() { delete(a.channels, channelID) })
}

// ReplaceThreads swaps the whole followed-thread source.
func (a *Aggregator) ReplaceThreads(counters []chatsync.ThreadUnread) {
	a.update(SourceThreads, func() {
		a.threads = make(map[string]chatsync.ThreadUnread, len(counters))
		for _, counter := range counters {
			a.threads[counter.ThreadID] = counter
		}
	})
}

// PutThread replaces one thread counter.
func (a *Aggregator) PutThread(counter chatsync.ThreadUnread) {
	a.update(SourceThreads, func() { a.threads[counter.ThreadID] = counter })
}

// RemoveThread drops one thread counter.
func (a *Aggregator) RemoveThread(threadID string) {
	a.update(SourceThreads, func() { delete(a.threads, threadID) })
}

// ReplaceDirects swaps the whole direct-message source.
func (a *Aggregator) ReplaceDirects(counters []chatsync.DirectUnread) {
	a.update(SourceDirects, func() {
		a.directs = make(map[string]chatsync.DirectUnread, len(counters))
		for _, counter := range counters {
			a.directs[counter.ThreadID] = counter
		}
	})
}

// PutDirect replaces one direct-message counter.
func (a *Aggregator) PutDirect(counter chatsync.DirectUnread) {
	a.update(SourceDirects, func() { a.directs[counter.ThreadID] = counter })
}

// RemoveDirect drops one direct-message counter.
func (a *Aggregator) RemoveDirect(threadID string) {
	a.update(SourceDirects, func() { delete(a.directs, threadID) })
}

// Fail degrades source to ready but empty. The other sources keep
// aggregating.
func (a *Aggregator) Fail(source Source, err error) {
	a.logger.Warn("unread source failed", "source", string(source), "error", err)
	a.update(source, func() {
		switch source {
		case SourceChannels:
			a.channels = make(map[string]chatsync.ChannelUnread)
		case SourceThreads:
			a.threads = make(map[string]chatsync.ThreadUnread)
		case SourceDirects:
			a.directs = make(map[string]chatsync.DirectUnread)
		}
	})
}

// Snapshot returns the latest computed view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return cloneSnapshot(a.snapshot)
}

// Subscribe registers observer for every snapshot that differs from the
// previous one. It does not replay the current snapshot.
func (a *Aggregator) Subscribe(observer func(Snapshot)) chatsync.CancelFunc {
	if observer == nil {
		return func() {}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return func() {}
	}
	a.nextID++
	id := a.nextID
	a.observers[id] = observer

	return chatsync.OnceCancel(func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	})
}

// Bind feeds the three unread sources of userID from persistent live
// subscriptions. The returned CancelFunc releases all three.
func (a *Aggregator) Bind(subs *subscription.Manager, userID string) (chatsync.CancelFunc, error) {
	if subs == nil {
		return nil, fmt.Errorf("bind unread sources: nil subscription manager")
	}
	if userID == "" {
		return nil, fmt.Errorf("bind unread sources: empty user id")
	}

	handles := make([]subscription.Handle, 0, len(allSources))
	release := func() {
		for _, handle := range handles {
			handle.Cancel()
		}
	}
	for _, source := range allSources {
		source := source
		query := chatsync.Query{
			Collection: chatsync.UnreadCollection(userID, string(source)),
			OrderBy:    loader.FieldLastActivity,
			Descending: true,
		}
		handle, err := subs.Subscribe(subscription.SlotUnread, userID+"/"+string(source), subscription.PriorityPersistent,
			chatsync.Target{Query: &query},
			func(changes chatsync.ChangeSet) { a.apply(source, changes.Records) },
			func(err error) { a.Fail(source, err) },
		)
		if err != nil {
			release()
			return nil, fmt.Errorf("bind unread source %s: %w", source, err)
		}
		handles = append(handles, handle)
	}

	return chatsync.OnceCancel(release), nil
}

// Close drops every observer. Later updates still recompute but notify
// nobody.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	a.observers = make(map[uint64]func(Snapshot))
}

// Reset clears every source and the badge.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.channels = make(map[string]chatsync.ChannelUnread)
	a.threads = make(map[string]chatsync.ThreadUnread)
	a.directs = make(map[string]chatsync.DirectUnread)
	a.ready = make(map[Source]bool, len(allSources))
	a.mu.Unlock()

	a.recompute()
}

func (a *Aggregator) apply(source Source, records []chatsync.Record) {
	switch source {
	case SourceChannels:
		counters := make([]chatsync.ChannelUnread, 0, len(records))
		for _, record := range records {
			counters = append(counters, loader.DecodeChannelUnread(record))
		}
		a.ReplaceChannels(counters)
	case SourceThreads:
		counters := make([]chatsync.ThreadUnread, 0, len(records))
		for _, record := range records {
			counters = append(counters, loader.DecodeThreadUnread(record))
		}
		a.ReplaceThreads(counters)
	case SourceDirects:
		counters := make([]chatsync.DirectUnread, 0, len(records))
		for _, record := range records {
			counters = append(counters, loader.DecodeDirectUnread(record))
		}
		a.ReplaceDirects(counters)
	}
}

func (a *Aggregator) update(source Source, mutate func()) {
	a.mu.Lock()
	mutate()
	a.ready[source] = true
	a.mu.Unlock()

	a.recompute()
}

// recompute rebuilds the snapshot from scratch, then pushes the badge and
// notifies observers outside the lock when anything changed.
func (a *Aggregator) recompute() {
	a.mu.Lock()
	channels := make([]chatsync.ChannelUnread, 0, len(a.channels))
	for _, counter := range a.channels {
		channels = append(channels, counter)
	}
	threads := make([]chatsync.ThreadUnread, 0, len(a.threads))
	for _, counter := range a.threads {
		threads = append(threads, counter)
	}
	directs := make([]chatsync.DirectUnread, 0, len(a.directs))
	for _, counter := range a.directs {
		directs = append(directs, counter)
	}
	next := Compute(channels, threads, directs, a.badgeCap)
	next.Ready = len(a.ready) == len(allSources)

	if sameSnapshot(next, a.snapshot) {
		a.mu.Unlock()
		return
	}
	a.snapshot = next
	observers := make([]func(Snapshot), 0, len(a.observers))
	for _, observer := range a.observers {
		observers = append(observers, observer)
	}
	a.mu.Unlock()

	if a.badgeSink != nil {
		a.deliverBadge()
	}
	for _, observer := range observers {
		view := cloneSnapshot(next)
		scheduler.Guard("notification observer", func() { observer(view) }, func(err error) {
			a.logger.Error("notification observer panicked", "error", err)
		})
	}
}

// deliverBadge pushes the latest badge until the sink has seen it. Only one
// caller pushes at a time; a caller arriving mid-push leaves its value to the
// active pusher, so the sink never ends on a stale badge.
func (a *Aggregator) deliverBadge() {
	a.mu.Lock()
	if a.pushing {
		a.mu.Unlock()
		return
	}
	a.pushing = true
	for a.snapshot.Badge != a.delivered {
		badge := a.snapshot.Badge
		a.delivered = badge
		a.mu.Unlock()
		a.pushBadge(badge)
		a.mu.Lock()
	}
	a.pushing = false
	a.mu.Unlock()
}

func (a *Aggregator) pushBadge(badge int) {
	scheduler.Guard("badge sink", func() {
		if badge == 0 {
			a.badgeSink.ClearBadge()
			return
		}
		a.badgeSink.SetBadge(badge)
	}, func(err error) {
		a.logger.Error("badge sink panicked", "badge", badge, "error", err)
	})
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	cloned := snapshot
	cloned.Items = append([]chatsync.NotificationItem(nil), snapshot.Items...)
	if cloned.Items == nil {
		cloned.Items = []chatsync.NotificationItem{}
	}

	return cloned
}

func sameSnapshot(a, b Snapshot) bool {
	if a.Badge != b.Badge || a.Uncapped != b.Uncapped || a.Ready != b.Ready || len(a.Items) != len(b.Items) {
		return false
	}
	for i := range a.Items {
		left, right := a.Items[i], b.Items[i]
		if !left.LastActivity.Equal(right.LastActivity) {
			return false
		}
		left.LastActivity = right.LastActivity
		if left != right {
			return false
		}
	}

	return true
}
