// Package warmstart persists a bounded slice of the session caches in the
// local store so the next session can render before the network answers.
package warmstart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/entitycache"
	"chatsync/pkg/loader"
)

const (
	keyChannels  = "channels"
	keyMessages  = "messages"
	keyPositions = "positions"

	defaultMaxScopes   = 10
	defaultMaxMessages = 50
)

// Position is a pinned scroll position of one scope.
type Position struct {
	AnchorMessageID string `json:"anchor_message_id"`
	Offset          int    `json:"offset"`
}

type window struct {
	Class    chatsync.ScopeClass `json:"class"`
	ScopeID  string              `json:"scope_id"`
	Messages []storedMessage     `json:"messages"`
}

type storedMessage struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Option mutates warm start configuration.
type Option func(*Store)

// WithLogger injects the warm start logger.
func WithLogger(logger *slog.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithMaxScopes bounds how many message scopes are persisted.
func WithMaxScopes(limit int) Option {
	return func(store *Store) {
		if limit > 0 {
			store.maxScopes = limit
		}
	}
}

// WithMaxMessages bounds how many trailing messages are persisted per scope.
func WithMaxMessages(limit int) Option {
	return func(store *Store) {
		if limit > 0 {
			store.maxMessages = limit
		}
	}
}

// Store reads and writes the warm start state of one identity.
type Store struct {
	local       chatsync.LocalStore
	userID      string
	logger      *slog.Logger
	maxScopes   int
	maxMessages int
}

// New creates a warm start store for userID.
func New(local chatsync.LocalStore, userID string, opts ...Option) *Store {
	store := &Store{
		local:       local,
		userID:      userID,
		logger:      slog.Default(),
		maxScopes:   defaultMaxScopes,
		maxMessages: defaultMaxMessages,
	}
	for _, option := range opts {
		option(store)
	}

	return store
}

// Key returns the namespaced local key of name.
func (s *Store) Key(name string) string {
	return "chatsync:" + s.userID + ":" + name
}

// Save persists every cached channel list, the trailing message window of the
// most recently accessed scopes and the given positions. Provisional messages
// are skipped.
func (s *Store) Save(ctx context.Context, cache *entitycache.Cache, positions map[string]Position) error {
	channels := make(map[string][]chatsync.ChannelDescriptor)
	for _, serverID := range cache.Channels.Scopes() {
		if list := cache.Channels.Peek(serverID); len(list) > 0 {
			channels[serverID] = list
		}
	}

	windows := make([]window, 0, s.maxScopes)
	for _, messages := range []*entitycache.SequenceCache[chatsync.CachedMessage]{cache.Messages, cache.Threads} {
		for _, scopeID := range messages.Scopes() {
			if len(windows) >= s.maxScopes {
				break
			}
			stored := s.encodeWindow(messages.Peek(scopeID))
			if len(stored) == 0 {
				continue
			}
			windows = append(windows, window{Class: messages.Class(), ScopeID: scopeID, Messages: stored})
		}
	}

	if positions == nil {
		positions = map[string]Position{}
	}

	return errors.Join(
		s.put(ctx, keyChannels, channels),
		s.put(ctx, keyMessages, windows),
		s.put(ctx, keyPositions, positions),
	)
}

func (s *Store) encodeWindow(messages []chatsync.CachedMessage) []storedMessage {
	stored := make([]storedMessage, 0, len(messages))
	for _, message := range messages {
		if message.Provisional {
			continue
		}
		stored = append(stored, storedMessage{ID: message.ID, Fields: loader.MessageFields(message)})
	}
	if len(stored) > s.maxMessages {
		stored = stored[len(stored)-s.maxMessages:]
	}

	return stored
}

// Restore seeds cache with the persisted state and returns the pinned
// positions. Scopes already cached are left alone. Corrupt values are
// discarded and removed from the local store.
func (s *Store) Restore(ctx context.Context, cache *entitycache.Cache) (map[string]Position, error) {
	channels, err := load[map[string][]chatsync.ChannelDescriptor](ctx, s, keyChannels)
	if err != nil {
		return nil, err
	}
	for serverID, list := range channels {
		if !cache.Channels.Has(serverID) {
			cache.Channels.Update(serverID, list, entitycache.ModeReplaceMerge)
		}
	}

	windows, err := load[[]window](ctx, s, keyMessages)
	if err != nil {
		return nil, err
	}
	// Oldest first so the restored recency order matches the saved one.
	for i := len(windows) - 1; i >= 0; i-- {
		stored := windows[i]
		messages := cache.MessagesFor(chatsync.ScopeKey{Class: stored.Class, ID: stored.ScopeID})
		if messages == nil || stored.ScopeID == "" || messages.Has(stored.ScopeID) {
			continue
		}
		decoded := make([]chatsync.CachedMessage, 0, len(stored.Messages))
		for _, message := range stored.Messages {
			decoded = append(decoded, loader.DecodeMessage(chatsync.Record{ID: message.ID, Fields: message.Fields}, stored.ScopeID))
		}
		messages.Update(stored.ScopeID, decoded, entitycache.ModeReplaceMerge)
	}

	positions, err := load[map[string]Position](ctx, s, keyPositions)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = map[string]Position{}
	}

	return positions, nil
}

// Clear removes every warm start key of the identity.
func (s *Store) Clear(ctx context.Context) error {
	var errs []error
	for _, name := range []string{keyChannels, keyMessages, keyPositions} {
		if err := s.local.Delete(ctx, s.Key(name)); err != nil {
			errs = append(errs, fmt.Errorf("warmstart clear %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func (s *Store) put(ctx context.Context, name string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("warmstart encode %s: %w", name, err)
	}
	if err := s.local.Set(ctx, s.Key(name), string(encoded)); err != nil {
		return fmt.Errorf("warmstart save %s: %w", name, err)
	}

	return nil
}

func load[T any](ctx context.Context, s *Store, name string) (T, error) {
	var value T
	key := s.Key(name)
	raw, found, err := s.local.Get(ctx, key)
	if err != nil {
		return value, fmt.Errorf("warmstart load %s: %w", name, err)
	}
	if !found {
		return value, nil
	}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		s.logger.WarnContext(ctx, "warm start value discarded", "key", key, "error", err)
		if deleteErr := s.local.Delete(ctx, key); deleteErr != nil {
			s.logger.DebugContext(ctx, "warm start delete failed", "key", key, "error", deleteErr)
		}
		var zero T
		return zero, nil
	}

	return value, nil
}
