package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatsync/pkg/chatsync"
)

func TestQueryOrdersFiltersAndLimits(t *testing.T) {
	t.Parallel()

	store := New()
	store.Seed("channels/c1/messages/a", map[string]any{"ts": int64(30), "author": "u1"})
	store.Seed("channels/c1/messages/b", map[string]any{"ts": int64(10), "author": "u2"})
	store.Seed("channels/c1/messages/c", map[string]any{"ts": int64(20), "author": "u1"})
	store.Seed("channels/c2/messages/d", map[string]any{"ts": int64(5), "author": "u1"})

	tests := []struct {
		name  string
		query chatsync.Query
		want  []string
	}{
		{
			name:  "ascending",
			query: chatsync.Query{Collection: "channels/c1/messages", OrderBy: "ts"},
			want:  []string{"b", "c", "a"},
		},
		{
			name:  "descending with limit",
			query: chatsync.Query{Collection: "channels/c1/messages", OrderBy: "ts", Descending: true, Limit: 2},
			want:  []string{"a", "c"},
		},
		{
			name: "filtered",
			query: chatsync.Query{
				Collection: "channels/c1/messages",
				OrderBy:    "ts",
				Filters:    []chatsync.Filter{{Field: "ts", Op: chatsync.OpLess, Value: int64(25)}},
			},
			want: []string{"b", "c"},
		},
		{
			name: "membership",
			query: chatsync.Query{
				Collection: "channels/c1/messages",
				Filters:    []chatsync.Filter{{Field: "author", Op: chatsync.OpIn, Value: []string{"u2"}}},
			},
			want: []string{"b"},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			records, err := store.Query(context.Background(), testCase.query)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			got := make([]string, 0, len(records))
			for _, record := range records {
				got = append(got, record.ID)
			}
			if diff := cmp.Diff(testCase.want, got); diff != "" {
				t.Fatalf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	t.Parallel()

	store := New()
	store.Seed("typing/c1/users/u1", map[string]any{"name": "Ann"})

	var deliveries []chatsync.ChangeSet
	cancel, err := store.Subscribe(context.Background(),
		chatsync.Target{Query: &chatsync.Query{Collection: "typing/c1/users"}},
		func(changes chatsync.ChangeSet) { deliveries = append(deliveries, changes) },
		nil,
	)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := store.Write(context.Background(), "typing/c1/users/u2", map[string]any{"name": "Bo"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := store.Delete(context.Background(), "typing/c1/users/u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	cancel()
	_ = store.Write(context.Background(), "typing/c1/users/u3", map[string]any{})

	if len(deliveries) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(deliveries))
	}
	last := deliveries[2]
	if len(last.Records) != 1 || last.Records[0].ID != "u2" {
		t.Fatalf("final records = %+v, want [u2]", last.Records)
	}
	if len(last.Changes) != 1 || last.Changes[0].Kind != chatsync.ChangeRemoved {
		t.Fatalf("final changes = %+v, want one removal", last.Changes)
	}
	if store.ActiveSubscriptions() != 0 {
		t.Fatal("cancel left subscription active")
	}
}

func TestBreakAndInjectedErrors(t *testing.T) {
	t.Parallel()

	store := New()
	boom := errors.New("permission denied")
	store.SetError("users/u1/unread_channels", boom)
	if _, err := store.Query(context.Background(), chatsync.Query{Collection: "users/u1/unread_channels"}); !errors.Is(err, boom) {
		t.Fatalf("Query() error = %v, want %v", err, boom)
	}

	var got error
	if _, err := store.Subscribe(context.Background(), chatsync.Target{Path: "servers/s1"},
		func(chatsync.ChangeSet) {}, func(err error) { got = err }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if broken := store.Break("servers/s1", boom); broken != 1 {
		t.Fatalf("Break() = %d, want 1", broken)
	}
	if !errors.Is(got, boom) {
		t.Fatalf("onError got %v, want %v", got, boom)
	}

	store.Close()
	if err := store.Write(context.Background(), "servers/s1", nil); !errors.Is(err, chatsync.ErrStoreClosed) {
		t.Fatalf("Write() after close error = %v", err)
	}
}

func TestCancelledContextStopsSubscription(t *testing.T) {
	t.Parallel()

	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := store.Subscribe(ctx, chatsync.Target{Path: "servers/s1"}, func(chatsync.ChangeSet) {}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()

	// context.AfterFunc runs asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for store.ActiveSubscriptions() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.ActiveSubscriptions() != 0 {
		t.Fatal("context cancellation left subscription active")
	}
}
