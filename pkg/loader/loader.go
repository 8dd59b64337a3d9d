// Package loader issues typed remote store queries and decodes records into
// cache entities. Decoding never fails: malformed fields fall back to zero
// values so that one bad record cannot poison a page.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"chatsync/pkg/chatsync"
)

const (
	defaultPageSize       = 50
	defaultProfileChunk   = 10
	defaultChannelLimit   = 500
	defaultMemberPageSize = 1000
)

// Option mutates loader configuration.
type Option func(*Loader)

// WithLogger injects the loader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(loader *Loader) {
		if logger != nil {
			loader.logger = logger
		}
	}
}

// WithPageSize sets the default message page size.
func WithPageSize(size int) Option {
	return func(loader *Loader) {
		if size > 0 {
			loader.pageSize = size
		}
	}
}

// WithProfileChunk caps how many ids one profile query may carry.
func WithProfileChunk(size int) Option {
	return func(loader *Loader) {
		if size > 0 {
			loader.profileChunk = size
		}
	}
}

// Loader reads typed entities from a remote store.
type Loader struct {
	store        chatsync.RemoteStore
	logger       *slog.Logger
	pageSize     int
	profileChunk int
}

// New creates a loader over store.
func New(store chatsync.RemoteStore, opts ...Option) *Loader {
	loader := &Loader{
		store:        store,
		logger:       slog.Default(),
		pageSize:     defaultPageSize,
		profileChunk: defaultProfileChunk,
	}
	for _, option := range opts {
		option(loader)
	}

	return loader
}

// PageSize returns the default message page size.
func (l *Loader) PageSize() int {
	return l.pageSize
}

// MessagesQuery returns the query of the newest limit messages of scope
// strictly older than before. A zero before means "latest".
func (l *Loader) MessagesQuery(scope chatsync.ScopeKey, before time.Time, limit int) chatsync.Query {
	if limit <= 0 {
		limit = l.pageSize
	}
	query := chatsync.Query{
		Collection: chatsync.MessagesCollection(scope),
		OrderBy:    FieldCreatedAt,
		Descending: true,
		Limit:      limit,
	}
	if !before.IsZero() {
		query.Filters = []chatsync.Filter{{
			Field: FieldCreatedAt,
			Op:    chatsync.OpLess,
			Value: before.UnixMilli(),
		}}
	}

	return query
}

// Messages loads one page of scope in ascending order.
func (l *Loader) Messages(ctx context.Context, scope chatsync.ScopeKey, before time.Time, limit int) ([]chatsync.CachedMessage, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if !scope.IsMessageScope() {
		return nil, fmt.Errorf("load messages %s: %w", scope, chatsync.ErrInvalidScope)
	}

	records, err := l.store.Query(ctx, l.MessagesQuery(scope, before, limit))
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", scope, err)
	}

	return DecodeMessages(records, scope.ID), nil
}

// DecodeMessages decodes records of scopeID into ascending message order.
func DecodeMessages(records []chatsync.Record, scopeID string) []chatsync.CachedMessage {
	messages := make([]chatsync.CachedMessage, 0, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		messages = append(messages, DecodeMessage(record, scopeID))
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return chatsync.MessageBefore(messages[i], messages[j])
	})

	return messages
}

// ChannelsQuery returns the query of every channel of serverID.
func (l *Loader) ChannelsQuery(serverID string) chatsync.Query {
	return chatsync.Query{
		Collection: chatsync.ServerChannelsCollection(serverID),
		OrderBy:    FieldPosition,
		Limit:      defaultChannelLimit,
	}
}

// Channels loads the ordered channel list of serverID.
func (l *Loader) Channels(ctx context.Context, serverID string) ([]chatsync.ChannelDescriptor, error) {
	records, err := l.store.Query(ctx, l.ChannelsQuery(serverID))
	if err != nil {
		return nil, fmt.Errorf("load channels %s: %w", serverID, err)
	}

	return DecodeChannels(records, serverID), nil
}

// DecodeChannels decodes channel records into position order.
func DecodeChannels(records []chatsync.Record, serverID string) []chatsync.ChannelDescriptor {
	channels := make([]chatsync.ChannelDescriptor, 0, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		channels = append(channels, DecodeChannel(record, serverID))
	}
	sort.SliceStable(channels, func(i, j int) bool {
		return chatsync.ChannelBefore(channels[i], channels[j])
	})

	return channels
}

// Server loads the meta record of serverID. found is false when absent.
func (l *Loader) Server(ctx context.Context, serverID string) (chatsync.ServerMeta, bool, error) {
	record, found, err := l.store.Read(ctx, chatsync.ServerPath(serverID), chatsync.ReadCacheFirst)
	if err != nil {
		return chatsync.ServerMeta{}, false, fmt.Errorf("load server %s: %w", serverID, err)
	}
	if !found {
		return chatsync.ServerMeta{}, false, nil
	}
	meta := DecodeServerMeta(record)
	if meta.ID == "" {
		meta.ID = serverID
	}

	return meta, true, nil
}

// MembersQuery returns the query of every member of serverID.
func (l *Loader) MembersQuery(serverID string) chatsync.Query {
	return chatsync.Query{
		Collection: chatsync.ServerMembersCollection(serverID),
		Limit:      defaultMemberPageSize,
	}
}

// Members loads the member set of serverID.
func (l *Loader) Members(ctx context.Context, serverID string, fetchedAt time.Time) (chatsync.MemberSet, error) {
	records, err := l.store.Query(ctx, l.MembersQuery(serverID))
	if err != nil {
		return chatsync.MemberSet{}, fmt.Errorf("load members %s: %w", serverID, err)
	}

	return DecodeMemberSet(records, fetchedAt), nil
}

// Profiles loads raw profile records of ids with chunked membership queries.
// Missing ids are absent from the result.
func (l *Loader) Profiles(ctx context.Context, ids []string) (map[string]chatsync.ProfileRecord, error) {
	profiles := make(map[string]chatsync.ProfileRecord, len(ids))
	for start := 0; start < len(ids); start += l.profileChunk {
		end := start + l.profileChunk
		if end > len(ids) {
			end = len(ids)
		}
		records, err := l.store.Query(ctx, chatsync.Query{
			Collection: chatsync.CollectionUsers,
			Filters: []chatsync.Filter{{
				Field: chatsync.DocumentIDField,
				Op:    chatsync.OpIn,
				Value: append([]string(nil), ids[start:end]...),
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("load profiles: %w", err)
		}
		for _, record := range records {
			profile := DecodeProfileRecord(record)
			if profile.ID == "" {
				continue
			}
			profiles[profile.ID] = profile
		}
	}

	return profiles, nil
}

// ServerRecords reads server meta records of ids for one-shot lookups.
func (l *Loader) ServerRecords(ctx context.Context, ids []string) (map[string]chatsync.Record, error) {
	records := make(map[string]chatsync.Record, len(ids))
	for _, id := range ids {
		record, found, err := l.store.Read(ctx, chatsync.ServerPath(id), chatsync.ReadCacheFirst)
		if err != nil {
			l.logger.DebugContext(ctx, "server lookup failed", "server_id", id, "error", err)
			continue
		}
		if found {
			records[id] = record
		}
	}

	return records, nil
}
