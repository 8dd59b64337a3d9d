package session

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/entitycache"
	"chatsync/pkg/loader"
	"chatsync/pkg/preload"
	"chatsync/pkg/subscription"
)

// profilePriorityAuthor ranks author lookups of open scopes above member
// list backfill.
const profilePriorityAuthor = 10

type openScope struct {
	refs    int
	release chatsync.CancelFunc
	primed  bool
}

type applyFunc func(entry *openScope, changes chatsync.ChangeSet)

// OpenChannel streams the latest message window of channelID into the cache.
// Opening an already open scope shares its subscription.
func (s *Session) OpenChannel(channelID string) (chatsync.CancelFunc, error) {
	return s.openMessages(chatsync.ChannelScope(channelID), subscription.SlotMessages)
}

// OpenDirectThread streams the latest message window of threadID.
func (s *Session) OpenDirectThread(threadID string) (chatsync.CancelFunc, error) {
	return s.openMessages(chatsync.DirectScope(threadID), subscription.SlotThread)
}

// OpenServer streams the channel list and member set of serverID and
// resolves its metadata once.
func (s *Session) OpenServer(serverID string) (chatsync.CancelFunc, error) {
	channels := chatsync.ServerChannelsScope(serverID)
	if err := channels.Validate(); err != nil {
		return nil, fmt.Errorf("open server: %w", err)
	}

	channelQuery := s.loader.ChannelsQuery(serverID)
	releaseChannels, err := s.openLive(subscription.SlotChannels, serverID, channelQuery, func(_ *openScope, changes chatsync.ChangeSet) {
		s.cache.Channels.Update(serverID, loader.DecodeChannels(changes.Records, serverID), entitycache.ModeReplaceMerge)
		if removed := removedIDs(changes, nil); len(removed) > 0 {
			s.cache.Channels.Remove(serverID, removed...)
		}
	})
	if err != nil {
		return nil, err
	}

	memberQuery := s.loader.MembersQuery(serverID)
	releaseMembers, err := s.openLive(subscription.SlotMembers, serverID, memberQuery, func(_ *openScope, changes chatsync.ChangeSet) {
		members := loader.DecodeMemberSet(changes.Records, s.scheduler.Now())
		s.cache.Members.Put(serverID, members, entitycache.ValueReplace)
		for _, entry := range members.Profiles {
			s.profiles.Put(entry)
		}
	})
	if err != nil {
		releaseChannels()
		return nil, err
	}

	s.RequestServer(serverID)

	return chatsync.OnceCancel(func() {
		releaseMembers()
		releaseChannels()
	}), nil
}

// RequestServer resolves the metadata of serverID through the batched
// one-shot path unless it is cached.
func (s *Session) RequestServer(serverID string) {
	if serverID == "" || s.cache.Servers.Has(serverID) {
		return
	}
	s.subs.RequestOnce(subscription.SlotChannels, serverID, func(_ chatsync.Record, found bool) {
		if !found {
			s.logger.Debug("server metadata not found", "server_id", serverID)
		}
	})
}

func (s *Session) storeServerMeta(serverID string, record chatsync.Record) {
	meta := loader.DecodeServerMeta(record)
	if meta.ID == "" {
		meta.ID = serverID
	}
	s.cache.Servers.Put(serverID, meta, entitycache.ValueReplace)
}

// Focus marks nav.Current as the scope on screen and schedules an idle
// preload of its neighbours. Messages arriving in the focused scope never
// raise alerts.
func (s *Session) Focus(nav preload.Navigation) {
	s.mu.Lock()
	s.focused = nav.Current
	s.mu.Unlock()

	if slotType, ok := messageSlot(nav.Current); ok {
		s.subs.Touch(subscription.Key(slotType, nav.Current.ID))
	}
	s.preload.CancelIdle()
	s.preload.ScheduleIdle(nav)
}

// Hover forwards a hover over scope to the preload orchestrator.
func (s *Session) Hover(scope chatsync.ScopeKey) {
	s.preload.OnHover(scope)
}

// LoadOlder fetches the page preceding the oldest cached message of scope
// and splices it in front. It returns the number of fetched messages.
func (s *Session) LoadOlder(ctx context.Context, scope chatsync.ScopeKey) (int, error) {
	messages := s.cache.MessagesFor(scope)
	if messages == nil {
		return 0, fmt.Errorf("load older %s: %w", scope, chatsync.ErrInvalidScope)
	}
	if s.isClosed() {
		return 0, fmt.Errorf("load older %s: %w", scope, chatsync.ErrSessionClosed)
	}
	generation := s.epoch.Current()

	var before time.Time
	if cached := messages.Peek(scope.ID); len(cached) > 0 {
		before = cached[0].Timestamp
	}
	page, err := s.loader.Messages(ctx, scope, before, 0)
	if err != nil {
		return 0, fmt.Errorf("load older: %w", err)
	}
	if !s.epoch.Valid(generation) {
		return 0, fmt.Errorf("load older %s: %w", scope, chatsync.ErrSessionClosed)
	}
	messages.Update(scope.ID, page, entitycache.ModePrepend)

	return len(page), nil
}

// SendMessage inserts payload as a provisional message authored by the
// session identity and writes it remotely. The remote echo replaces the
// provisional entry; a failed write removes it.
func (s *Session) SendMessage(ctx context.Context, scope chatsync.ScopeKey, payload chatsync.Payload) (chatsync.CachedMessage, error) {
	messages := s.cache.MessagesFor(scope)
	if messages == nil {
		return chatsync.CachedMessage{}, fmt.Errorf("send message %s: %w", scope, chatsync.ErrInvalidScope)
	}
	if s.isClosed() {
		return chatsync.CachedMessage{}, fmt.Errorf("send message %s: %w", scope, chatsync.ErrSessionClosed)
	}

	message := chatsync.CachedMessage{
		ID:          ulid.Make().String(),
		ScopeID:     scope.ID,
		AuthorID:    s.identity.UserID,
		Timestamp:   s.scheduler.Now(),
		Provisional: true,
		Payload:     payload,
	}
	messages.Update(scope.ID, []chatsync.CachedMessage{message}, entitycache.ModeUpsert)
	s.typing.Stop(scope.ID)

	committed := message
	committed.Provisional = false
	if err := s.deps.Remote.Write(ctx, chatsync.MessagePath(scope, message.ID), loader.MessageFields(committed)); err != nil {
		messages.Remove(scope.ID, message.ID)
		return chatsync.CachedMessage{}, fmt.Errorf("send message %s: %w", scope, err)
	}

	return message, nil
}

func (s *Session) openMessages(scope chatsync.ScopeKey, slotType subscription.SlotType) (chatsync.CancelFunc, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("open %s: %w", slotType, err)
	}
	query := s.loader.MessagesQuery(scope, time.Time{}, 0)

	return s.openLive(slotType, scope.ID, query, func(entry *openScope, changes chatsync.ChangeSet) {
		s.applyMessages(scope, query.Limit, entry, changes)
	})
}

// openLive opens or shares the live slot of (slotType, scopeID). apply runs
// only while the session epoch is unchanged.
func (s *Session) openLive(slotType subscription.SlotType, scopeID string, query chatsync.Query, apply applyFunc) (chatsync.CancelFunc, error) {
	key := subscription.Key(slotType, scopeID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", key, chatsync.ErrSessionClosed)
	}
	if existing, ok := s.open[key]; ok {
		existing.refs++
		s.mu.Unlock()
		s.subs.Touch(key)
		return s.releaser(key, existing), nil
	}
	entry := &openScope{refs: 1}
	s.open[key] = entry
	s.mu.Unlock()

	generation := s.epoch.Current()
	handle, err := s.subs.Subscribe(slotType, scopeID, subscription.PriorityActive, chatsync.Target{Query: &query},
		func(changes chatsync.ChangeSet) {
			if !s.epoch.Valid(generation) {
				return
			}
			apply(entry, changes)
		},
		func(err error) { s.liveFailed(key, entry, err) },
	)
	if err != nil {
		s.mu.Lock()
		if s.open[key] == entry {
			delete(s.open, key)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", key, err)
	}

	s.mu.Lock()
	if s.open[key] != entry {
		s.mu.Unlock()
		handle.Cancel()
		return func() {}, nil
	}
	entry.release = handle.Cancel
	s.mu.Unlock()

	return s.releaser(key, entry), nil
}

func (s *Session) releaser(key string, entry *openScope) chatsync.CancelFunc {
	return chatsync.OnceCancel(func() {
		s.mu.Lock()
		if s.open[key] != entry {
			s.mu.Unlock()
			return
		}
		entry.refs--
		if entry.refs > 0 {
			s.mu.Unlock()
			return
		}
		delete(s.open, key)
		release := entry.release
		s.mu.Unlock()

		if release != nil {
			release()
		}
	})
}

// liveFailed forgets a slot the manager dropped so the next open subscribes
// again. Cached data stays readable.
func (s *Session) liveFailed(key string, entry *openScope, err error) {
	s.mu.Lock()
	if s.open[key] == entry {
		delete(s.open, key)
	}
	s.mu.Unlock()

	s.logger.Debug("live scope dropped", "key", key, "error", err)
}

func (s *Session) applyMessages(scope chatsync.ScopeKey, limit int, entry *openScope, changes chatsync.ChangeSet) {
	messages := s.cache.MessagesFor(scope)
	decoded := loader.DecodeMessages(changes.Records, scope.ID)
	messages.Update(scope.ID, decoded, entitycache.ModeReplaceMerge)

	// A full window pushes its oldest record out of the result; only
	// removals at or after the window start are deletions.
	var windowStart time.Time
	if len(decoded) >= limit && len(decoded) > 0 {
		windowStart = decoded[0].Timestamp
	}
	if removed := removedIDs(changes, func(record chatsync.Record) bool {
		return windowStart.IsZero() || !record.Time(loader.FieldCreatedAt).Before(windowStart)
	}); len(removed) > 0 {
		messages.Remove(scope.ID, removed...)
	}

	s.requestAuthors(decoded)

	s.mu.Lock()
	primed := entry.primed
	entry.primed = true
	focused := s.focused == scope
	s.mu.Unlock()
	if !primed || focused {
		return
	}
	for _, change := range changes.Changes {
		if change.Kind != chatsync.ChangeAdded {
			continue
		}
		message := loader.DecodeMessage(change.Record, scope.ID)
		if message.AuthorID == s.identity.UserID {
			continue
		}
		title := chatsync.UnknownDisplayName
		if author, ok := s.profiles.Get(message.AuthorID); ok {
			title = author.DisplayName
		}
		s.alerts.Offer(chatsync.Alert{
			ScopeID:   scope.ID,
			MessageID: message.ID,
			Title:     title,
			Body:      chatsync.PreviewText(message.Payload),
		})
	}
}

func (s *Session) requestAuthors(messages []chatsync.CachedMessage) {
	seen := make(map[string]struct{}, len(messages))
	for _, message := range messages {
		if message.AuthorID == "" {
			continue
		}
		if _, dup := seen[message.AuthorID]; dup {
			continue
		}
		seen[message.AuthorID] = struct{}{}
		s.profiles.Request(message.AuthorID, profilePriorityAuthor, func(chatsync.ProfileEntry) {}, nil)
	}
}

func removedIDs(changes chatsync.ChangeSet, keep func(chatsync.Record) bool) []string {
	var removed []string
	for _, change := range changes.Changes {
		if change.Kind != chatsync.ChangeRemoved || change.Record.ID == "" {
			continue
		}
		if keep != nil && !keep(change.Record) {
			continue
		}
		removed = append(removed, change.Record.ID)
	}

	return removed
}

func messageSlot(scope chatsync.ScopeKey) (subscription.SlotType, bool) {
	switch scope.Class {
	case chatsync.ScopeClassChannelMessages:
		return subscription.SlotMessages, true
	case chatsync.ScopeClassDirectThread:
		return subscription.SlotThread, true
	default:
		return "", false
	}
}

func slotForClass(class chatsync.ScopeClass) subscription.SlotType {
	switch class {
	case chatsync.ScopeClassServerChannels:
		return subscription.SlotChannels
	case chatsync.ScopeClassServerMembers:
		return subscription.SlotMembers
	case chatsync.ScopeClassDirectThread:
		return subscription.SlotThread
	default:
		return subscription.SlotMessages
	}
}
