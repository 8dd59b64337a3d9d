package typing

import (
	"context"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/loader"
	"chatsync/pkg/scheduler"
	"chatsync/pkg/subscription"
)

// watch is the shared live view of one scope's typing records.
type watch struct {
	scopeID   string
	cancel    chatsync.CancelFunc
	entries   []chatsync.TypingEntry
	last      []chatsync.TypingEntry
	callbacks map[uint64]func([]chatsync.TypingEntry)
}

// Watch streams who else is typing in scopeID. Records older than the expiry
// horizon and the local identity's own record are filtered out, and the list
// is re-evaluated when the oldest shown entry goes stale even if no push
// arrives. Watches of the same scope share one subscription.
func (c *Coalescer) Watch(scopeID string, callback func([]chatsync.TypingEntry)) chatsync.CancelFunc {
	if scopeID == "" || callback == nil {
		return func() {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextID++
	token := c.nextID
	if existing, ok := c.watches[scopeID]; ok {
		existing.callbacks[token] = callback
		current := append([]chatsync.TypingEntry(nil), existing.last...)
		c.mu.Unlock()
		c.deliver(scopeID, callback, current)
		return chatsync.OnceCancel(func() { c.releaseWatch(scopeID, token) })
	}
	created := &watch{
		scopeID:   scopeID,
		callbacks: map[uint64]func([]chatsync.TypingEntry){token: callback},
	}
	c.watches[scopeID] = created
	c.mu.Unlock()

	query := chatsync.Query{Collection: chatsync.TypingCollection(scopeID)}
	target := chatsync.Target{Query: &query}
	onChange := func(changes chatsync.ChangeSet) { c.applyRecords(created, changes.Records) }
	onError := func(err error) { c.watchFailed(created, err) }

	var (
		cancel chatsync.CancelFunc
		err    error
	)
	if c.subs != nil {
		var handle subscription.Handle
		handle, err = c.subs.Subscribe(subscription.SlotTyping, scopeID, subscription.PriorityVisible, target, onChange, onError)
		cancel = handle.Cancel
	} else {
		cancel, err = c.store.Subscribe(context.Background(), target, onChange, onError)
	}
	if err != nil {
		c.watchFailed(created, err)
		return func() {}
	}

	c.mu.Lock()
	released := c.watches[scopeID] != created
	if !released {
		created.cancel = cancel
	}
	c.mu.Unlock()
	if released && cancel != nil {
		cancel()
	}

	return chatsync.OnceCancel(func() { c.releaseWatch(scopeID, token) })
}

func (c *Coalescer) applyRecords(target *watch, records []chatsync.Record) {
	entries := make([]chatsync.TypingEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, loader.DecodeTypingEntry(record))
	}

	c.mu.Lock()
	if c.watches[target.scopeID] != target {
		c.mu.Unlock()
		return
	}
	target.entries = entries
	c.mu.Unlock()

	c.evaluate(target)
}

// evaluate recomputes the fresh list, notifies on change and arms the next
// staleness check at the instant the oldest shown entry expires.
func (c *Coalescer) evaluate(target *watch) {
	now := c.scheduler.Now()

	c.mu.Lock()
	if c.watches[target.scopeID] != target {
		c.mu.Unlock()
		return
	}
	fresh := chatsync.FreshTypingEntries(target.entries, now, c.expiry, c.identity.UserID)
	changed := !sameEntries(fresh, target.last)
	var callbacks []func([]chatsync.TypingEntry)
	if changed {
		target.last = fresh
		callbacks = make([]func([]chatsync.TypingEntry), 0, len(target.callbacks))
		for _, callback := range target.callbacks {
			callbacks = append(callbacks, callback)
		}
	}
	c.mu.Unlock()

	key := watchKey(target.scopeID)
	if len(fresh) == 0 {
		c.scheduler.Cancel(key)
	} else {
		next := fresh[0].Timestamp.Add(c.expiry)
		for _, entry := range fresh[1:] {
			if expires := entry.Timestamp.Add(c.expiry); expires.Before(next) {
				next = expires
			}
		}
		c.scheduler.Arm(key, next.Sub(now), func() { c.evaluate(target) })
	}

	for _, callback := range callbacks {
		c.deliver(target.scopeID, callback, append([]chatsync.TypingEntry(nil), fresh...))
	}
}

// watchFailed drops the watch and reports an empty list to its callbacks.
func (c *Coalescer) watchFailed(target *watch, err error) {
	c.mu.Lock()
	if c.watches[target.scopeID] != target {
		c.mu.Unlock()
		return
	}
	delete(c.watches, target.scopeID)
	callbacks := make([]func([]chatsync.TypingEntry), 0, len(target.callbacks))
	for _, callback := range target.callbacks {
		callbacks = append(callbacks, callback)
	}
	hadEntries := len(target.last) > 0
	c.mu.Unlock()

	c.logger.Debug("typing watch failed", "scope_id", target.scopeID, "error", err)
	target.shutdown(c.scheduler)
	if !hadEntries {
		return
	}
	for _, callback := range callbacks {
		c.deliver(target.scopeID, callback, []chatsync.TypingEntry{})
	}
}

func (c *Coalescer) releaseWatch(scopeID string, token uint64) {
	c.mu.Lock()
	target, ok := c.watches[scopeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(target.callbacks, token)
	if len(target.callbacks) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.watches, scopeID)
	c.mu.Unlock()

	target.shutdown(c.scheduler)
}

func (c *Coalescer) deliver(scopeID string, callback func([]chatsync.TypingEntry), entries []chatsync.TypingEntry) {
	scheduler.Guard("typing watch "+scopeID, func() { callback(entries) }, func(err error) {
		c.logger.Error("typing watch callback panicked", "scope_id", scopeID, "error", err)
	})
}

func (w *watch) shutdown(sched *scheduler.Scheduler) {
	sched.Cancel(watchKey(w.scopeID))
	if w.cancel != nil {
		w.cancel()
	}
}

func sameEntries(a, b []chatsync.TypingEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].DisplayName != b[i].DisplayName || !a[i].Timestamp.Equal(b[i].Timestamp) {
			return false
		}
	}

	return true
}

func watchKey(scopeID string) string { return "typing:watch:" + scopeID }
