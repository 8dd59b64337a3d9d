// Package session assembles the sync components of one signed-in identity
// around a shared epoch and owns their lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/clock"
	"chatsync/pkg/config"
	"chatsync/pkg/entitycache"
	"chatsync/pkg/loader"
	"chatsync/pkg/notify"
	"chatsync/pkg/preload"
	"chatsync/pkg/profile"
	"chatsync/pkg/scheduler"
	"chatsync/pkg/subscription"
	"chatsync/pkg/typing"
	"chatsync/pkg/warmstart"
)

// Deps are the external collaborators of a session.
type Deps struct {
	// Remote is required.
	Remote chatsync.RemoteStore
	// Local enables warm start when set.
	Local chatsync.LocalStore
	Badge chatsync.BadgeSink
	Alert chatsync.AlertSink
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Option mutates session configuration.
type Option func(*Session)

// WithLogger injects the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(session *Session) {
		if logger != nil {
			session.logger = logger
		}
	}
}

// WithVisibility reports whether the consuming surface is focused. Alerts are
// only raised while it returns false.
func WithVisibility(visible func() bool) Option {
	return func(session *Session) {
		if visible != nil {
			session.visible = visible
		}
	}
}

// WithEvictObserver registers a callback invoked after the cache evicts a
// scope, so views built on it can be dropped.
func WithEvictObserver(observer func(chatsync.ScopeKey)) Option {
	return func(session *Session) {
		if observer != nil {
			session.onEvict = observer
		}
	}
}

// Session is the sync core of one identity.
type Session struct {
	identity chatsync.Identity
	deps     Deps
	cfg      config.Config
	logger   *slog.Logger
	visible  func() bool
	onEvict  func(chatsync.ScopeKey)

	epoch         *chatsync.Epoch
	scheduler     *scheduler.Scheduler
	cache         *entitycache.Cache
	loader        *loader.Loader
	subs          *subscription.Manager
	profiles      *profile.Cache
	notifications *notify.Aggregator
	alerts        *notify.AlertGate
	preload       *preload.Orchestrator
	typing        *typing.Coalescer
	warm          *warmstart.Store

	mu            sync.Mutex
	started       bool
	closed        bool
	open          map[string]*openScope
	focused       chatsync.ScopeKey
	positions     map[string]warmstart.Position
	releaseUnread chatsync.CancelFunc
}

// New builds every component of a session for identity. Nothing talks to the
// remote store until Start.
func New(identity chatsync.Identity, deps Deps, cfg config.Config, opts ...Option) (*Session, error) {
	if identity.UserID == "" {
		return nil, fmt.Errorf("new session: empty user id")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("new session: nil remote store")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	session := &Session{
		identity:  identity,
		deps:      deps,
		cfg:       cfg,
		logger:    slog.Default(),
		visible:   func() bool { return false },
		epoch:     chatsync.NewEpoch(),
		open:      make(map[string]*openScope),
		positions: make(map[string]warmstart.Position),
	}
	for _, option := range opts {
		option(session)
	}

	cacheOptions := []entitycache.Option{
		entitycache.WithLogger(session.logger),
		entitycache.WithEvictHook(session.scopeEvicted),
	}
	for rawClass, limits := range cfg.CacheLimits {
		class := chatsync.ScopeClass(rawClass)
		if !knownClass(class) {
			return nil, fmt.Errorf("new session: cache limits for unknown class %q", rawClass)
		}
		cacheOptions = append(cacheOptions, entitycache.WithLimits(class, entitycache.Limits{
			MaxItems:  limits.MaxItems,
			MaxScopes: limits.MaxScopes,
		}))
	}

	session.scheduler = scheduler.New(deps.Clock, scheduler.WithLogger(session.logger))
	session.cache = entitycache.New(cacheOptions...)
	session.loader = loader.New(deps.Remote, loader.WithLogger(session.logger), loader.WithPageSize(cfg.PageSize))

	subOptions := []subscription.Option{
		subscription.WithLogger(session.logger),
		subscription.WithEpoch(session.epoch),
		subscription.WithCapacity(cfg.Subscriptions.Capacity),
		subscription.WithIdleTimeout(cfg.Subscriptions.IdleTimeout),
		subscription.WithSweepInterval(cfg.Subscriptions.SweepInterval),
		subscription.WithBatchDelay(cfg.Subscriptions.BatchDelay),
		subscription.WithBatchSize(cfg.Subscriptions.BatchSize),
		subscription.WithSideCacheTTL(cfg.Subscriptions.SideCacheTTL),
	}
	for rawType, budget := range cfg.Subscriptions.TypeBudgets {
		subOptions = append(subOptions, subscription.WithTypeBudget(subscription.SlotType(rawType), budget))
	}
	session.subs = subscription.New(deps.Remote, session.scheduler, subOptions...)

	session.profiles = profile.New(session.loader.Profiles, session.subs, session.scheduler,
		profile.WithLogger(session.logger),
		profile.WithEpoch(session.epoch),
		profile.WithTTL(cfg.Profiles.TTL),
		profile.WithBatchDelay(cfg.Profiles.BatchDelay),
		profile.WithBatchSize(cfg.Profiles.BatchSize),
	)
	session.notifications = notify.New(
		notify.WithLogger(session.logger),
		notify.WithBadgeSink(deps.Badge),
		notify.WithBadgeCap(cfg.BadgeCap),
	)
	session.alerts = notify.NewAlertGate(deps.Alert, session.visible, session.logger)
	session.preload = preload.New(session.cache, session.loader, session.scheduler,
		preload.WithLogger(session.logger),
		preload.WithEpoch(session.epoch),
		preload.WithWorkers(cfg.Preload.Workers),
		preload.WithQueueSize(cfg.Preload.QueueSize),
		preload.WithHoverDelay(cfg.Preload.HoverDelay),
		preload.WithIdleDelay(cfg.Preload.IdleDelay),
		preload.WithCooldown(cfg.Preload.Cooldown),
		preload.WithAdjacent(cfg.Preload.Adjacent),
	)
	session.typing = typing.New(deps.Remote, session.subs, session.scheduler, identity,
		typing.WithLogger(session.logger),
		typing.WithEpoch(session.epoch),
		typing.WithDebounce(cfg.Typing.Debounce),
		typing.WithExpiry(cfg.Typing.Expiry),
		typing.WithWriteTimeout(cfg.Typing.WriteTimeout),
	)
	if deps.Local != nil {
		session.warm = warmstart.New(deps.Local, identity.UserID,
			warmstart.WithLogger(session.logger),
			warmstart.WithMaxScopes(cfg.WarmStart.MaxScopes),
			warmstart.WithMaxMessages(cfg.WarmStart.MaxMessages),
		)
	}

	session.subs.RegisterFetcher(subscription.SlotChannels, session.loader.ServerRecords)
	session.subs.RegisterSink(subscription.SlotChannels, session.storeServerMeta)

	return session, nil
}

func (s *Session) scopeEvicted(scope chatsync.ScopeKey) {
	s.mu.Lock()
	_, live := s.open[subscription.Key(slotForClass(scope.Class), scope.ID)]
	s.mu.Unlock()

	s.logger.Debug("scope evicted", "scope", scope.String(), "live", live)
	if s.onEvict != nil {
		s.onEvict(scope)
	}
}

func knownClass(class chatsync.ScopeClass) bool {
	for _, known := range chatsync.ScopeClasses {
		if class == known {
			return true
		}
	}

	return false
}

// Start seeds the caches from warm start, binds the unread sources and starts
// the background workers. It may be called once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("start session: %w", chatsync.ErrSessionClosed)
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("start session: already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.warm != nil {
		positions, err := s.warm.Restore(ctx, s.cache)
		if err != nil {
			s.logger.WarnContext(ctx, "warm start restore failed", "error", err)
		} else {
			s.mu.Lock()
			for scopeID, position := range positions {
				s.positions[scopeID] = position
			}
			s.mu.Unlock()
		}
	}

	release, err := s.notifications.Bind(s.subs, s.identity.UserID)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.mu.Lock()
	s.releaseUnread = release
	s.mu.Unlock()

	s.subs.Start()
	s.preload.Start(ctx)
	s.logger.InfoContext(ctx, "session started", "user_id", s.identity.UserID)

	return nil
}

// Identity returns the signed-in identity.
func (s *Session) Identity() chatsync.Identity { return s.identity }

// Cache returns the entity cache.
func (s *Session) Cache() *entitycache.Cache { return s.cache }

// Profiles returns the profile cache.
func (s *Session) Profiles() *profile.Cache { return s.profiles }

// Notifications returns the unread aggregator.
func (s *Session) Notifications() *notify.Aggregator { return s.notifications }

// Subscriptions returns the subscription manager.
func (s *Session) Subscriptions() *subscription.Manager { return s.subs }

// Preload returns the preload orchestrator.
func (s *Session) Preload() *preload.Orchestrator { return s.preload }

// Typing returns the typing coalescer.
func (s *Session) Typing() *typing.Coalescer { return s.typing }

// Scheduler returns the session scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.scheduler }

// SetPosition pins the scroll position of scopeID for the next warm start.
func (s *Session) SetPosition(scopeID string, position warmstart.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[scopeID] = position
}

// Position returns the pinned scroll position of scopeID.
func (s *Session) Position(scopeID string) (warmstart.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	position, ok := s.positions[scopeID]
	return position, ok
}

// Persist stores the warm start state. It is a no-op without a local store.
func (s *Session) Persist(ctx context.Context) error {
	if s.warm == nil {
		return nil
	}
	s.mu.Lock()
	positions := make(map[string]warmstart.Position, len(s.positions))
	for scopeID, position := range s.positions {
		positions[scopeID] = position
	}
	s.mu.Unlock()

	if err := s.warm.Save(ctx, s.cache, positions); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	return nil
}

// Teardown persists warm start state, invalidates every in-flight completion,
// stops all components and clears every cache. It is idempotent.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	started := s.started
	s.mu.Unlock()

	var errs []error
	if started {
		if err := s.Persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.closed = true
	open := s.open
	s.open = make(map[string]*openScope)
	release := s.releaseUnread
	s.releaseUnread = nil
	s.mu.Unlock()

	s.epoch.Bump()
	for _, scope := range open {
		if scope.release != nil {
			scope.release()
		}
	}
	if release != nil {
		release()
	}
	s.preload.Close()
	s.typing.Close()
	s.profiles.Close()
	s.profiles.Clear()
	s.subs.Close()
	s.notifications.Reset()
	s.notifications.Close()
	if pending := s.scheduler.CancelAll(); pending > 0 {
		s.logger.DebugContext(ctx, "timers cancelled at teardown", "count", pending)
	}
	cleared := s.cache.ClearAll()
	s.logger.InfoContext(ctx, "session torn down", "user_id", s.identity.UserID, "cleared_scopes", cleared)

	return errors.Join(errs...)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}
