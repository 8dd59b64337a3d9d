package notify

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/clock"
	"chatsync/pkg/loader"
	"chatsync/pkg/memstore"
	"chatsync/pkg/scheduler"
	"chatsync/pkg/subscription"
)

type badgeRecorder struct {
	mu    sync.Mutex
	calls []int
}

func (r *badgeRecorder) SetBadge(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, count)
}

func (r *badgeRecorder) ClearBadge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, 0)
}

func (r *badgeRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.calls...)
}

func TestMentionPromotesChannelAndRaisesBadge(t *testing.T) {
	t.Parallel()

	badge := &badgeRecorder{}
	aggregator := New(WithBadgeSink(badge))

	channel := chatsync.ChannelUnread{ChannelID: "c1", Title: "general", Low: 3, Preview: "lunch?", LastActivity: at(1)}
	aggregator.PutChannel(channel)
	before := aggregator.Snapshot()

	channel.High = 1
	channel.MentionPreview = "@ann ping"
	channel.LastActivity = at(2)
	aggregator.PutChannel(channel)
	after := aggregator.Snapshot()

	if len(after.Items) != 1 {
		t.Fatalf("items = %+v", after.Items)
	}
	item := after.Items[0]
	if item.Priority != chatsync.PriorityHigh || item.Unread != 1 || item.Total != 4 || item.Preview != "@ann ping" {
		t.Fatalf("item = %+v", item)
	}
	if before.Badge != 3 || after.Badge != 4 {
		t.Fatalf("badge %d -> %d, want 3 -> 4", before.Badge, after.Badge)
	}
	if diff := cmp.Diff([]int{3, 4}, badge.snapshot()); diff != "" {
		t.Fatalf("badge pushes mismatch (-want +got):\n%s", diff)
	}
}

func TestBadgePushedOnlyOnChange(t *testing.T) {
	t.Parallel()

	badge := &badgeRecorder{}
	aggregator := New(WithBadgeSink(badge))
	notified := 0
	aggregator.Subscribe(func(Snapshot) { notified++ })

	aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Title: "Bo", Unread: 2, LastActivity: at(1)})
	aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Title: "Bo", Unread: 2, LastActivity: at(1)})
	aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Title: "Bo", Unread: 2, Preview: "new", LastActivity: at(2)})
	aggregator.RemoveDirect("d1")

	if diff := cmp.Diff([]int{2, 0}, badge.snapshot()); diff != "" {
		t.Fatalf("badge pushes mismatch (-want +got):\n%s", diff)
	}
	if notified != 3 {
		t.Fatalf("observer notified %d times, want 3", notified)
	}
}

func TestFailedSourceIsReadyButEmpty(t *testing.T) {
	t.Parallel()

	aggregator := New()
	aggregator.PutChannel(chatsync.ChannelUnread{ChannelID: "c1", Title: "general", Low: 2, LastActivity: at(1)})
	aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Title: "Bo", Unread: 1, LastActivity: at(2)})
	if aggregator.Snapshot().Ready {
		t.Fatal("ready before the thread source reported")
	}

	aggregator.Fail(SourceThreads, errors.New("permission denied"))
	aggregator.Fail(SourceChannels, errors.New("permission denied"))

	snapshot := aggregator.Snapshot()
	if !snapshot.Ready || snapshot.Badge != 1 || len(snapshot.Items) != 1 || snapshot.Items[0].Kind != chatsync.NotificationKindDirect {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestBindFollowsRemoteUnreadSources(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	fake := clock.Fake(base)
	subs := subscription.New(store, scheduler.New(fake))
	t.Cleanup(subs.Close)

	store.Seed(chatsync.UnreadCollection("u1", string(SourceChannels))+"/c1", map[string]any{
		loader.FieldTitle:        "general",
		loader.FieldLow:          3,
		loader.FieldLastActivity: at(1).UnixMilli(),
	})
	store.SetError(chatsync.UnreadCollection("u1", string(SourceThreads)), errors.New("denied"))

	badge := &badgeRecorder{}
	aggregator := New(WithBadgeSink(badge))
	release, err := aggregator.Bind(subs, "u1")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	snapshot := aggregator.Snapshot()
	if !snapshot.Ready || snapshot.Badge != 3 {
		t.Fatalf("snapshot after bind = %+v", snapshot)
	}
	if subs.CountByType(subscription.SlotUnread) != 2 {
		t.Fatalf("unread slots = %d, want 2 live and 1 failed", subs.CountByType(subscription.SlotUnread))
	}

	store.Seed(chatsync.UnreadCollection("u1", string(SourceDirects))+"/d1", map[string]any{
		loader.FieldTitle:        "Bo",
		loader.FieldUnread:       2,
		loader.FieldLastActivity: at(5).UnixMilli(),
	})
	snapshot = aggregator.Snapshot()
	if snapshot.Badge != 5 || snapshot.Items[0].Target.ThreadID != "d1" {
		t.Fatalf("snapshot after push = %+v", snapshot)
	}

	release()
	if subs.Len() != 0 || store.ActiveSubscriptions() != 0 {
		t.Fatalf("slots=%d remote=%d after release", subs.Len(), store.ActiveSubscriptions())
	}
	if diff := cmp.Diff([]int{3, 5}, badge.snapshot()); diff != "" {
		t.Fatalf("badge pushes mismatch (-want +got):\n%s", diff)
	}
}

func TestObserverPanicDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	aggregator := New()
	aggregator.Subscribe(func(Snapshot) { panic("boom") })
	got := 0
	cancel := aggregator.Subscribe(func(snapshot Snapshot) { got = snapshot.Badge })

	aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Unread: 7, LastActivity: at(1)})
	if got != 7 {
		t.Fatalf("observer saw badge %d, want 7", got)
	}

	cancel()
	cancel()
	aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Unread: 8, LastActivity: at(1)})
	if got != 7 {
		t.Fatalf("cancelled observer still notified: %d", got)
	}
}

type chainedBadgeSink struct {
	badgeRecorder
	before func(int)
}

func (s *chainedBadgeSink) SetBadge(count int) {
	if s.before != nil {
		s.before(count)
	}
	s.badgeRecorder.SetBadge(count)
}

func TestBadgeUpdateDuringPushIsDeliveredLast(t *testing.T) {
	t.Parallel()

	sink := &chainedBadgeSink{}
	aggregator := New(WithBadgeSink(sink))
	sink.before = func(count int) {
		if count == 2 {
			aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d2", Title: "Cy", Unread: 3, LastActivity: at(2)})
		}
	}

	aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Title: "Bo", Unread: 2, LastActivity: at(1)})

	if diff := cmp.Diff([]int{2, 5}, sink.snapshot()); diff != "" {
		t.Fatalf("badge pushes mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentUpdatesSettleOnLatestBadge(t *testing.T) {
	t.Parallel()

	badge := &badgeRecorder{}
	aggregator := New(WithBadgeSink(badge))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(unread int) {
			defer wg.Done()
			aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Title: "Bo", Unread: unread, LastActivity: at(1)})
		}(i + 1)
	}
	wg.Wait()

	pushes := badge.snapshot()
	if len(pushes) == 0 {
		t.Fatal("no badge pushed")
	}
	if got, want := pushes[len(pushes)-1], aggregator.Snapshot().Badge; got != want {
		t.Fatalf("last pushed badge = %d, want %d", got, want)
	}
}

func TestResetClearsBadge(t *testing.T) {
	t.Parallel()

	badge := &badgeRecorder{}
	aggregator := New(WithBadgeSink(badge), WithBadgeCap(5))
	aggregator.PutDirect(chatsync.DirectUnread{ThreadID: "d1", Unread: 9, LastActivity: at(1)})
	aggregator.Reset()

	if diff := cmp.Diff([]int{5, 0}, badge.snapshot()); diff != "" {
		t.Fatalf("badge pushes mismatch (-want +got):\n%s", diff)
	}
	if snapshot := aggregator.Snapshot(); len(snapshot.Items) != 0 || snapshot.Ready {
		t.Fatalf("snapshot after reset = %+v", snapshot)
	}
}

func TestAlertGateOncePerMessageWhileHidden(t *testing.T) {
	t.Parallel()

	var alerts []chatsync.Alert
	visible := false
	gate := NewAlertGate(alertFunc(func(alert chatsync.Alert) { alerts = append(alerts, alert) }), func() bool { return visible }, nil)

	first := chatsync.Alert{ScopeID: "c1", MessageID: "m1", Title: "general", Body: "@ann"}
	if !gate.Offer(first) || gate.Offer(first) {
		t.Fatal("first offer should alert exactly once")
	}

	visible = true
	if gate.Offer(chatsync.Alert{ScopeID: "c1", MessageID: "m2"}) {
		t.Fatal("alerted while visible")
	}
	visible = false
	if gate.Offer(chatsync.Alert{ScopeID: "c1", MessageID: "m2"}) {
		t.Fatal("message seen while visible alerted later")
	}
	if !gate.Offer(chatsync.Alert{ScopeID: "c2", MessageID: "m1"}) {
		t.Fatal("same message id in another scope suppressed")
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %+v", alerts)
	}
}

type alertFunc func(chatsync.Alert)

func (f alertFunc) Alert(alert chatsync.Alert) { f(alert) }
