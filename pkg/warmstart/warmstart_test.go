package warmstart

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/entitycache"
	"chatsync/pkg/memstore"
)

var start = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func message(scopeID string, index int) chatsync.CachedMessage {
	return chatsync.CachedMessage{
		ID:        scopeID + "-" + strconv.Itoa(index),
		ScopeID:   scopeID,
		AuthorID:  "u1",
		Timestamp: start.Add(time.Duration(index) * time.Minute),
		Payload:   chatsync.TextPayload{Text: "hello " + strconv.Itoa(index)},
	}
}

func ids(messages []chatsync.CachedMessage) []string {
	out := make([]string, 0, len(messages))
	for _, item := range messages {
		out = append(out, item.ID)
	}
	return out
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local := memstore.NewLocal()
	source := entitycache.New()
	source.Channels.Update("s1", []chatsync.ChannelDescriptor{
		{ID: "general", ServerID: "s1", Name: "general", Position: 0},
		{ID: "random", ServerID: "s1", Name: "random", Position: 1},
	}, entitycache.ModeReplaceMerge)

	var window []chatsync.CachedMessage
	for i := 0; i < 5; i++ {
		window = append(window, message("a", i))
	}
	pending := message("a", 9)
	pending.Provisional = true
	window = append(window, pending)
	source.Messages.Update("a", window, entitycache.ModeReplaceMerge)
	source.Messages.Update("b", []chatsync.CachedMessage{message("b", 0)}, entitycache.ModeReplaceMerge)
	source.Threads.Update("d1", []chatsync.CachedMessage{message("d1", 0)}, entitycache.ModeReplaceMerge)

	store := New(local, "me", WithMaxMessages(3), WithMaxScopes(2))
	positions := map[string]Position{"a": {AnchorMessageID: "a-2", Offset: 40}}
	if err := store.Save(ctx, source, positions); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if local.Keys() != 3 {
		t.Fatalf("local keys = %d, want 3", local.Keys())
	}
	if _, found, _ := local.Get(ctx, "chatsync:me:messages"); !found {
		t.Fatal("messages key is not namespaced by identity")
	}

	restored := entitycache.New()
	gotPositions, err := store.Restore(ctx, restored)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if diff := cmp.Diff(positions, gotPositions); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"general", "random"}, channelIDs(restored.Channels.Get("s1"))); diff != "" {
		t.Fatalf("channels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a-2", "a-3", "a-4"}, ids(restored.Messages.Get("a"))); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}
	if restored.Threads.Has("d1") {
		t.Fatal("scope beyond the scope limit was persisted")
	}
	if got := restored.Messages.Get("b"); len(got) != 1 || got[0].Payload != (chatsync.TextPayload{Text: "hello 0"}) || !got[0].Timestamp.Equal(start) {
		t.Fatalf("restored message = %+v", got)
	}
}

func TestRestoreKeepsCachedScopes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local := memstore.NewLocal()
	source := entitycache.New()
	source.Messages.Update("a", []chatsync.CachedMessage{message("a", 0)}, entitycache.ModeReplaceMerge)
	store := New(local, "me")
	if err := store.Save(ctx, source, nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	live := entitycache.New()
	live.Messages.Update("a", []chatsync.CachedMessage{message("a", 7)}, entitycache.ModeReplaceMerge)
	if _, err := store.Restore(ctx, live); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if diff := cmp.Diff([]string{"a-7"}, ids(live.Messages.Get("a"))); diff != "" {
		t.Fatalf("live scope overwritten (-want +got):\n%s", diff)
	}
}

func TestCorruptValueIsDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local := memstore.NewLocal()
	store := New(local, "me")
	if err := local.Set(ctx, store.Key("channels"), "{not json"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	positions, err := store.Restore(ctx, entitycache.New())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("positions = %+v", positions)
	}
	if _, found, _ := local.Get(ctx, store.Key("channels")); found {
		t.Fatal("corrupt value kept")
	}
}

func TestClearRemovesOnlyOwnKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local := memstore.NewLocal()
	mine := New(local, "me")
	theirs := New(local, "other")
	for _, store := range []*Store{mine, theirs} {
		if err := store.Save(ctx, entitycache.New(), nil); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	if err := mine.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if local.Keys() != 3 {
		t.Fatalf("local keys = %d, want the other identity's 3", local.Keys())
	}
}

func channelIDs(channels []chatsync.ChannelDescriptor) []string {
	out := make([]string, 0, len(channels))
	for _, channel := range channels {
		out = append(out, channel.ID)
	}
	return out
}
