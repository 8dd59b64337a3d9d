// Package entitycache keeps bounded, ordered, in-memory windows of chat
// entities per scope: channel messages, direct threads, server channel lists
// with their server metadata, and server member sets.
package entitycache

import (
	"log/slog"
	"sync"

	"chatsync/pkg/chatsync"
)

const (
	defaultMessageItems  = 100
	defaultMessageScopes = 30
	defaultThreadItems   = 100
	defaultThreadScopes  = 20
	defaultChannelItems  = 500
	defaultServerScopes  = 10
	defaultMemberScopes  = 10
)

// Limits bounds one scope class.
type Limits struct {
	// MaxItems bounds the length of one scope's sequence.
	MaxItems int
	// MaxScopes bounds how many scopes of the class are cached at once.
	MaxScopes int
}

func (l Limits) normalized() Limits {
	if l.MaxItems <= 0 {
		l.MaxItems = 1
	}
	if l.MaxScopes <= 0 {
		l.MaxScopes = 1
	}

	return l
}

// DefaultLimits returns the built-in limits of every scope class.
func DefaultLimits() map[chatsync.ScopeClass]Limits {
	return map[chatsync.ScopeClass]Limits{
		chatsync.ScopeClassChannelMessages: {MaxItems: defaultMessageItems, MaxScopes: defaultMessageScopes},
		chatsync.ScopeClassDirectThread:    {MaxItems: defaultThreadItems, MaxScopes: defaultThreadScopes},
		chatsync.ScopeClassServerChannels:  {MaxItems: defaultChannelItems, MaxScopes: defaultServerScopes},
		chatsync.ScopeClassServerMembers:   {MaxItems: 1, MaxScopes: defaultMemberScopes},
	}
}

// Option mutates entity cache configuration.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	limits  map[chatsync.ScopeClass]Limits
	onEvict []func(chatsync.ScopeKey)
}

// WithLogger injects the logger used for eviction diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithLimits overrides the limits of one scope class. Non-positive fields keep
// the default.
func WithLimits(class chatsync.ScopeClass, limits Limits) Option {
	return func(opts *options) {
		current := opts.limits[class]
		if limits.MaxItems > 0 {
			current.MaxItems = limits.MaxItems
		}
		if limits.MaxScopes > 0 {
			current.MaxScopes = limits.MaxScopes
		}
		opts.limits[class] = current
	}
}

// WithEvictHook registers a callback invoked after a scope is evicted for
// capacity. Explicit Clear calls do not trigger it.
func WithEvictHook(hook func(chatsync.ScopeKey)) Option {
	return func(opts *options) {
		if hook != nil {
			opts.onEvict = append(opts.onEvict, hook)
		}
	}
}

// Cache groups the per-class caches of one session.
type Cache struct {
	logger  *slog.Logger
	onEvict []func(chatsync.ScopeKey)

	// Messages holds channel message windows keyed by channel id.
	Messages *SequenceCache[chatsync.CachedMessage]
	// Threads holds direct-message windows keyed by thread id.
	Threads *SequenceCache[chatsync.CachedMessage]
	// Channels holds server channel lists keyed by server id.
	Channels *SequenceCache[chatsync.ChannelDescriptor]
	// Servers holds server metadata next to Channels, keyed by server id.
	Servers *ValueCache[chatsync.ServerMeta]
	// Members holds server member sets keyed by server id.
	Members *ValueCache[chatsync.MemberSet]

	// servers is the one access order of the server-channels class. Channels
	// and Servers report every access to it and it evicts from both.
	servers *linkedScopes
}

type linkedScopes struct {
	mu        sync.Mutex
	order     recency
	maxScopes int
}

// touch refreshes scopeID and returns the scopes pushed out beyond capacity.
func (l *linkedScopes) touch(scopeID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.order.touch(scopeID)
	var evicted []string
	for l.order.len() > l.maxScopes {
		oldest, ok := l.order.popOldest()
		if !ok {
			break
		}
		evicted = append(evicted, oldest)
	}

	return evicted
}

func (l *linkedScopes) remove(scopeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.order.remove(scopeID)
}

func (l *linkedScopes) reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.order.len()
	l.order.reset()

	return count
}

// New creates an empty entity cache.
func New(opts ...Option) *Cache {
	config := options{
		logger: slog.Default(),
		limits: DefaultLimits(),
	}
	for _, option := range opts {
		option(&config)
	}

	cache := &Cache{
		logger:  config.logger,
		onEvict: config.onEvict,
	}

	messageSpec := SequenceSpec[chatsync.CachedMessage]{
		ID:     func(message chatsync.CachedMessage) string { return message.ID },
		Before: chatsync.MessageBefore,
		Clone:  chatsync.CloneMessage,
	}
	cache.Messages = NewSequenceCache(chatsync.ScopeClassChannelMessages, messageSpec,
		config.limits[chatsync.ScopeClassChannelMessages], cache.evicted)
	cache.Threads = NewSequenceCache(chatsync.ScopeClassDirectThread, messageSpec,
		config.limits[chatsync.ScopeClassDirectThread], cache.evicted)

	serverLimits := config.limits[chatsync.ScopeClassServerChannels].normalized()
	cache.servers = &linkedScopes{order: newRecency(), maxScopes: serverLimits.MaxScopes}
	cache.Channels = NewSequenceCache(chatsync.ScopeClassServerChannels, SequenceSpec[chatsync.ChannelDescriptor]{
		ID:     func(channel chatsync.ChannelDescriptor) string { return channel.ID },
		Before: chatsync.ChannelBefore,
	}, serverLimits, nil)
	cache.Channels.onAccess = cache.serverAccessed
	cache.Servers = NewValueCache(chatsync.ScopeClassServerChannels, ValueSpec[chatsync.ServerMeta]{},
		serverLimits, nil)
	cache.Servers.onAccess = cache.serverAccessed

	cache.Members = NewValueCache(chatsync.ScopeClassServerMembers, ValueSpec[chatsync.MemberSet]{
		Merge: chatsync.MergeMemberSet,
		Clone: chatsync.CloneMemberSet,
	}, config.limits[chatsync.ScopeClassServerMembers], cache.evicted)

	return cache
}

// MessagesFor returns the message cache serving scope's class. It returns nil
// for non-message scopes.
func (c *Cache) MessagesFor(scope chatsync.ScopeKey) *SequenceCache[chatsync.CachedMessage] {
	switch scope.Class {
	case chatsync.ScopeClassChannelMessages:
		return c.Messages
	case chatsync.ScopeClassDirectThread:
		return c.Threads
	default:
		return nil
	}
}

// Has reports whether scope holds any cached entry, without refreshing access.
func (c *Cache) Has(scope chatsync.ScopeKey) bool {
	switch scope.Class {
	case chatsync.ScopeClassChannelMessages:
		return c.Messages.Has(scope.ID)
	case chatsync.ScopeClassDirectThread:
		return c.Threads.Has(scope.ID)
	case chatsync.ScopeClassServerChannels:
		return c.Channels.Has(scope.ID) || c.Servers.Has(scope.ID)
	case chatsync.ScopeClassServerMembers:
		return c.Members.Has(scope.ID)
	default:
		return false
	}
}

// Clear drops scope from the cache serving its class.
func (c *Cache) Clear(scope chatsync.ScopeKey) {
	switch scope.Class {
	case chatsync.ScopeClassChannelMessages:
		c.Messages.Clear(scope.ID)
	case chatsync.ScopeClassDirectThread:
		c.Threads.Clear(scope.ID)
	case chatsync.ScopeClassServerChannels:
		c.Channels.Clear(scope.ID)
		c.Servers.Clear(scope.ID)
		c.servers.remove(scope.ID)
	case chatsync.ScopeClassServerMembers:
		c.Members.Clear(scope.ID)
	}
}

// ClearAll drops every cached scope and returns how many were dropped.
func (c *Cache) ClearAll() int {
	c.Channels.ClearAll()
	c.Servers.ClearAll()

	return c.Messages.ClearAll() + c.Threads.ClearAll() + c.servers.reset() + c.Members.ClearAll()
}

// serverAccessed records an access to a server scope through either Channels
// or Servers and drops both halves of every server pushed out of the class.
func (c *Cache) serverAccessed(scopeID string) {
	for _, oldest := range c.servers.touch(scopeID) {
		c.Channels.Clear(oldest)
		c.Servers.Clear(oldest)
		c.evicted(chatsync.ScopeKey{Class: chatsync.ScopeClassServerChannels, ID: oldest})
	}
}

func (c *Cache) evicted(scope chatsync.ScopeKey) {
	c.logger.Debug("entity cache evicted scope", "scope", scope.String())
	for _, hook := range c.onEvict {
		hook(scope)
	}
}
