package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/clock"
	"chatsync/pkg/config"
	"chatsync/pkg/loader"
	"chatsync/pkg/memstore"
	"chatsync/pkg/preload"
	"chatsync/pkg/warmstart"
)

var start = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []chatsync.Alert
}

func (r *alertRecorder) Alert(alert chatsync.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *alertRecorder) snapshot() []chatsync.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chatsync.Alert(nil), r.alerts...)
}

type badgeRecorder struct {
	mu    sync.Mutex
	badge int
}

func (r *badgeRecorder) SetBadge(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badge = count
}

func (r *badgeRecorder) ClearBadge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badge = 0
}

func (r *badgeRecorder) value() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.badge
}

type fixture struct {
	session *Session
	store   *memstore.Store
	local   *memstore.Local
	fake    *clock.FakeClock
	alerts  *alertRecorder
	badge   *badgeRecorder
}

func newFixture(t *testing.T, store *memstore.Store, local *memstore.Local, mutate func(*config.Config)) *fixture {
	t.Helper()

	f := &fixture{
		store:  store,
		local:  local,
		fake:   clock.Fake(start),
		alerts: &alertRecorder{},
		badge:  &badgeRecorder{},
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	deps := Deps{Remote: store, Badge: f.badge, Alert: f.alerts, Clock: f.fake}
	if local != nil {
		deps.Local = local
	}
	session, err := New(chatsync.Identity{UserID: "me", DisplayName: "Me"}, deps, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.session = session
	t.Cleanup(func() { _ = session.Teardown(context.Background()) })

	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func seedMessage(store *memstore.Store, scope chatsync.ScopeKey, id, author string, offset time.Duration, text string) {
	store.Seed(chatsync.MessagePath(scope, id), map[string]any{
		loader.FieldAuthorID:  author,
		loader.FieldCreatedAt: start.Add(offset).UnixMilli(),
		loader.FieldKind:      string(chatsync.PayloadKindText),
		loader.FieldText:      text,
	})
}

func messageIDs(messages []chatsync.CachedMessage) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.ID)
	}
	return out
}

func TestNewRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tests := []struct {
		name     string
		identity chatsync.Identity
		deps     Deps
		mutate   func(*config.Config)
	}{
		{name: "empty user", deps: Deps{Remote: store}},
		{name: "nil remote", identity: chatsync.Identity{UserID: "me"}},
		{
			name:     "unknown cache class",
			identity: chatsync.Identity{UserID: "me"},
			deps:     Deps{Remote: store},
			mutate: func(cfg *config.Config) {
				cfg.CacheLimits = map[string]config.Limits{"attachments": {MaxItems: 1, MaxScopes: 1}}
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			if testCase.mutate != nil {
				testCase.mutate(&cfg)
			}
			if _, err := New(testCase.identity, testCase.deps, cfg); err == nil {
				t.Fatal("New() error = nil")
			}
		})
	}
}

func TestOpenChannelFeedsCacheAndAlerts(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	scope := chatsync.ChannelScope("c1")
	store.Seed(chatsync.UserPath("u2"), map[string]any{loader.FieldDisplayName: "Bob"})
	seedMessage(store, scope, "m1", "u2", 0, "first")
	seedMessage(store, scope, "m2", "u2", time.Second, "second")

	f := newFixture(t, store, nil, nil)
	f.start(t)

	release, err := f.session.OpenChannel("c1")
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	defer release()

	if diff := cmp.Diff([]string{"m1", "m2"}, messageIDs(f.session.Cache().Messages.Get("c1"))); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}
	if got := f.alerts.snapshot(); len(got) != 0 {
		t.Fatalf("initial snapshot raised alerts: %+v", got)
	}

	f.fake.Advance(time.Second)
	if entry, ok := f.session.Profiles().Get("u2"); !ok || entry.DisplayName != "Bob" {
		t.Fatalf("author profile = %+v, %v", entry, ok)
	}

	seedMessage(store, scope, "m3", "u2", 2*time.Second, "third")
	seedMessage(store, scope, "m4", "me", 3*time.Second, "mine")
	want := []chatsync.Alert{{ScopeID: "c1", MessageID: "m3", Title: "Bob", Body: "third"}}
	if diff := cmp.Diff(want, f.alerts.snapshot()); diff != "" {
		t.Fatalf("alerts mismatch (-want +got):\n%s", diff)
	}

	f.session.Focus(preload.Navigation{Current: scope})
	seedMessage(store, scope, "m5", "u2", 4*time.Second, "seen")
	if got := f.alerts.snapshot(); len(got) != 1 {
		t.Fatalf("focused scope raised alerts: %+v", got)
	}
}

func TestOpenChannelSharesOneSubscription(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	f := newFixture(t, store, nil, nil)
	f.start(t)
	baseline := store.ActiveSubscriptions()

	first, err := f.session.OpenChannel("c1")
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	second, err := f.session.OpenChannel("c1")
	if err != nil {
		t.Fatalf("OpenChannel() second error = %v", err)
	}
	if got := store.ActiveSubscriptions() - baseline; got != 1 {
		t.Fatalf("active subscriptions = %d, want 1", got)
	}

	first()
	first()
	if got := store.ActiveSubscriptions() - baseline; got != 1 {
		t.Fatalf("subscription closed while still referenced: %d", got)
	}
	second()
	if got := store.ActiveSubscriptions() - baseline; got != 0 {
		t.Fatalf("subscription leaked: %d", got)
	}
}

func TestEvictObserverSeesCacheEvictions(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedMessage(store, chatsync.ChannelScope("c1"), "m1", "u2", 0, "one")
	seedMessage(store, chatsync.ChannelScope("c2"), "m2", "u2", 0, "two")

	cfg := config.Default()
	cfg.CacheLimits[string(chatsync.ScopeClassChannelMessages)] = config.Limits{MaxScopes: 1}
	var (
		mu      sync.Mutex
		evicted []chatsync.ScopeKey
	)
	session, err := New(chatsync.Identity{UserID: "me"}, Deps{Remote: store, Clock: clock.Fake(start)}, cfg,
		WithEvictObserver(func(scope chatsync.ScopeKey) {
			mu.Lock()
			defer mu.Unlock()
			evicted = append(evicted, scope)
		}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = session.Teardown(context.Background()) })

	for _, channelID := range []string{"c1", "c2"} {
		if _, err := session.OpenChannel(channelID); err != nil {
			t.Fatalf("OpenChannel(%s) error = %v", channelID, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]chatsync.ScopeKey{chatsync.ChannelScope("c1")}, evicted); diff != "" {
		t.Fatalf("evicted mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOlderPrependsPage(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	scope := chatsync.ChannelScope("c1")
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		seedMessage(store, scope, id, "u2", time.Duration(i)*time.Second, id)
	}
	f := newFixture(t, store, nil, func(cfg *config.Config) { cfg.PageSize = 2 })
	f.start(t)

	release, err := f.session.OpenChannel("c1")
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	defer release()

	loaded, err := f.session.LoadOlder(context.Background(), scope)
	if err != nil {
		t.Fatalf("LoadOlder() error = %v", err)
	}
	if loaded != 2 {
		t.Fatalf("LoadOlder() = %d, want 2", loaded)
	}
	if diff := cmp.Diff([]string{"b", "c", "d", "e"}, messageIDs(f.session.Cache().Messages.Get("c1"))); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}

	// The window slides; "d" leaving the live result is not a deletion.
	seedMessage(store, scope, "f", "u2", 5*time.Second, "f")
	if diff := cmp.Diff([]string{"b", "c", "d", "e", "f"}, messageIDs(f.session.Cache().Messages.Get("c1"))); diff != "" {
		t.Fatalf("window after slide mismatch (-want +got):\n%s", diff)
	}

	if _, err := f.session.LoadOlder(context.Background(), chatsync.ServerMembersScope("s1")); !errors.Is(err, chatsync.ErrInvalidScope) {
		t.Fatalf("LoadOlder(members) error = %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	scope := chatsync.DirectScope("d1")
	f := newFixture(t, store, nil, nil)
	f.start(t)

	release, err := f.session.OpenDirectThread("d1")
	if err != nil {
		t.Fatalf("OpenDirectThread() error = %v", err)
	}
	defer release()

	sent, err := f.session.SendMessage(context.Background(), scope, chatsync.TextPayload{Text: "hey"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !sent.Provisional || sent.AuthorID != "me" || !sent.Timestamp.Equal(start) {
		t.Fatalf("sent = %+v", sent)
	}
	record, ok := store.Get(chatsync.MessagePath(scope, sent.ID))
	if !ok || record.Bool(loader.FieldPending) {
		t.Fatalf("remote record = %+v, %v", record, ok)
	}
	cached := f.session.Cache().Threads.Get("d1")
	if len(cached) != 1 || cached[0].ID != sent.ID || cached[0].Provisional {
		t.Fatalf("cached = %+v, want the remote echo", cached)
	}
	if got := f.alerts.snapshot(); len(got) != 0 {
		t.Fatalf("own message raised alerts: %+v", got)
	}

	boom := errors.New("offline")
	store.SetError(chatsync.MessagesCollection(scope), boom)
	if _, err := f.session.SendMessage(context.Background(), scope, chatsync.TextPayload{Text: "lost"}); !errors.Is(err, boom) {
		t.Fatalf("SendMessage() error = %v, want %v", err, boom)
	}
	if got := f.session.Cache().Threads.Get("d1"); len(got) != 1 {
		t.Fatalf("failed send left a provisional message: %+v", got)
	}
}

func TestOpenServerFeedsChannelsMembersAndMeta(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	store.Seed(chatsync.ServerPath("s1"), map[string]any{loader.FieldName: "Guild"})
	store.Seed(chatsync.ServerChannelsCollection("s1")+"/general", map[string]any{loader.FieldName: "general", loader.FieldPosition: 0})
	store.Seed(chatsync.ServerChannelsCollection("s1")+"/random", map[string]any{loader.FieldName: "random", loader.FieldPosition: 1})
	store.Seed(chatsync.ServerMembersCollection("s1")+"/u2", map[string]any{loader.FieldDisplayName: "Bob", loader.FieldPresence: "online"})

	f := newFixture(t, store, nil, nil)
	f.start(t)

	release, err := f.session.OpenServer("s1")
	if err != nil {
		t.Fatalf("OpenServer() error = %v", err)
	}
	defer release()
	f.fake.Advance(time.Second)

	var channels []string
	for _, channel := range f.session.Cache().Channels.Get("s1") {
		channels = append(channels, channel.ID)
	}
	if diff := cmp.Diff([]string{"general", "random"}, channels); diff != "" {
		t.Fatalf("channels mismatch (-want +got):\n%s", diff)
	}
	members, ok := f.session.Cache().Members.Get("s1")
	if !ok || members.Presence["u2"] != chatsync.PresenceOnline {
		t.Fatalf("members = %+v, %v", members, ok)
	}
	if entry, ok := f.session.Profiles().Get("u2"); !ok || entry.DisplayName != "Bob" {
		t.Fatalf("member profile = %+v, %v", entry, ok)
	}
	if meta, ok := f.session.Cache().Servers.Get("s1"); !ok || meta.Name != "Guild" || meta.ID != "s1" {
		t.Fatalf("server meta = %+v, %v", meta, ok)
	}

	if err := store.Delete(context.Background(), chatsync.ServerChannelsCollection("s1")+"/random"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := f.session.Cache().Channels.Get("s1"); len(got) != 1 || got[0].ID != "general" {
		t.Fatalf("channels after delete = %+v", got)
	}
}

func TestStartBindsUnreadBadge(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	f := newFixture(t, store, nil, nil)
	f.start(t)

	store.Seed(chatsync.UnreadCollection("me", "channels")+"/c1", map[string]any{
		loader.FieldServerID:     "s1",
		loader.FieldHigh:         2,
		loader.FieldLastActivity: start.UnixMilli(),
	})

	snapshot := f.session.Notifications().Snapshot()
	if !snapshot.Ready || snapshot.Badge == 0 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if f.badge.value() != snapshot.Badge {
		t.Fatalf("badge sink = %d, want %d", f.badge.value(), snapshot.Badge)
	}

	if err := f.session.Start(context.Background()); err == nil {
		t.Fatal("second Start() error = nil")
	}
}

func TestTeardownClearsStateAndDropsLateData(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	scope := chatsync.ChannelScope("c1")
	seedMessage(store, scope, "m1", "u2", 0, "hello")

	f := newFixture(t, store, nil, nil)
	f.start(t)
	if _, err := f.session.OpenChannel("c1"); err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	if !f.session.Cache().Messages.Has("c1") {
		t.Fatal("channel not cached before teardown")
	}

	if err := f.session.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if err := f.session.Teardown(context.Background()); err != nil {
		t.Fatalf("second Teardown() error = %v", err)
	}

	if f.session.Cache().Messages.Has("c1") || f.session.Profiles().Len() != 0 {
		t.Fatal("teardown kept cached state")
	}
	if got := store.ActiveSubscriptions(); got != 0 {
		t.Fatalf("active subscriptions after teardown = %d", got)
	}
	if got := f.session.Scheduler().Len(); got != 0 {
		t.Fatalf("pending timers after teardown = %d", got)
	}

	seedMessage(store, scope, "m2", "u2", time.Second, "late")
	if f.session.Cache().Messages.Has("c1") {
		t.Fatal("late push reached the cache")
	}

	if _, err := f.session.OpenChannel("c1"); !errors.Is(err, chatsync.ErrSessionClosed) {
		t.Fatalf("OpenChannel() after teardown error = %v", err)
	}
	if _, err := f.session.LoadOlder(context.Background(), scope); !errors.Is(err, chatsync.ErrSessionClosed) {
		t.Fatalf("LoadOlder() after teardown error = %v", err)
	}
	if err := f.session.Start(context.Background()); !errors.Is(err, chatsync.ErrSessionClosed) {
		t.Fatalf("Start() after teardown error = %v", err)
	}
}

func TestWarmStartAcrossSessions(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	local := memstore.NewLocal()
	scope := chatsync.ChannelScope("c1")
	seedMessage(store, scope, "m1", "u2", 0, "hello")
	seedMessage(store, scope, "m2", "u2", time.Second, "again")

	first := newFixture(t, store, local, nil)
	first.start(t)
	if _, err := first.session.OpenChannel("c1"); err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	first.session.SetPosition("c1", warmstart.Position{AnchorMessageID: "m2", Offset: 12})
	if err := first.session.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}

	second := newFixture(t, memstore.New(), local, nil)
	second.start(t)
	if diff := cmp.Diff([]string{"m1", "m2"}, messageIDs(second.session.Cache().Messages.Get("c1"))); diff != "" {
		t.Fatalf("restored window mismatch (-want +got):\n%s", diff)
	}
	position, ok := second.session.Position("c1")
	if !ok || position != (warmstart.Position{AnchorMessageID: "m2", Offset: 12}) {
		t.Fatalf("Position() = %+v, %v", position, ok)
	}
}
