package wsstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/memstore"
)

const waitTimeout = 5 * time.Second

func newPair(t *testing.T, opts ...ServerOption) (*Client, *memstore.Store, *Server) {
	t.Helper()

	store := memstore.New()
	handler, err := NewServer(store, opts...)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := Dial(context.Background(), wsURL(srv), WithRequestTimeout(waitTimeout))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client, store, handler
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRequestsRoundTrip(t *testing.T) {
	t.Parallel()

	client, store, _ := newPair(t)
	ctx := context.Background()
	store.Seed("channels/c1/messages/m1", map[string]any{"text": "hello", "created_at": int64(1000)})

	record, found, err := client.Read(ctx, "channels/c1/messages/m1", chatsync.ReadCacheFirst)
	if err != nil || !found {
		t.Fatalf("Read() = %+v, %v, %v", record, found, err)
	}
	if record.Text("text") != "hello" || record.Int("created_at") != 1000 || record.ID != "m1" {
		t.Fatalf("record = %+v", record)
	}

	if _, found, err := client.Read(ctx, "channels/c1/messages/absent", chatsync.ReadDefault); err != nil || found {
		t.Fatalf("Read(absent) found=%v err=%v", found, err)
	}

	if err := client.Write(ctx, "channels/c1/messages/m2", map[string]any{"text": "again", "created_at": 2000}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	records, err := client.Query(ctx, chatsync.Query{Collection: "channels/c1/messages", OrderBy: "created_at"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	var ids []string
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, ids); diff != "" {
		t.Fatalf("query mismatch (-want +got):\n%s", diff)
	}

	if err := client.Delete(ctx, "channels/c1/messages/m1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := store.Get("channels/c1/messages/m1"); ok {
		t.Fatal("record survived delete")
	}
}

func TestRemoteErrorsKeepTheirCode(t *testing.T) {
	t.Parallel()

	client, store, _ := newPair(t)
	store.SetError("users", chatsync.ErrNotFound)

	_, err := client.Query(context.Background(), chatsync.Query{Collection: "users"})
	if !errors.Is(err, chatsync.ErrNotFound) {
		t.Fatalf("Query() error = %v, want ErrNotFound", err)
	}

	store.SetError("users", errors.New("quota exceeded"))
	_, err = client.Query(context.Background(), chatsync.Query{Collection: "users"})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeInternal || !strings.Contains(remote.Message, "quota exceeded") {
		t.Fatalf("Query() error = %v", err)
	}

	if _, err := client.Subscribe(context.Background(), chatsync.Target{}, func(chatsync.ChangeSet) {}, nil); !errors.Is(err, chatsync.ErrInvalidTarget) {
		t.Fatalf("Subscribe(empty target) error = %v", err)
	}
}

func TestSubscribeStreamsChangesUntilCancelled(t *testing.T) {
	t.Parallel()

	client, store, _ := newPair(t)
	store.Seed("typing/c1/users/u1", map[string]any{"ts": 1})

	deliveries := make(chan chatsync.ChangeSet, 8)
	query := chatsync.Query{Collection: "typing/c1/users"}
	cancel, err := client.Subscribe(context.Background(), chatsync.Target{Query: &query},
		func(changes chatsync.ChangeSet) { deliveries <- changes }, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	initial := receive(t, deliveries)
	if len(initial.Records) != 1 || initial.Records[0].ID != "u1" {
		t.Fatalf("initial = %+v", initial)
	}

	store.Seed("typing/c1/users/u2", map[string]any{"ts": 2})
	next := receive(t, deliveries)
	if len(next.Records) != 2 || len(next.Changes) != 1 || next.Changes[0].Kind != chatsync.ChangeAdded {
		t.Fatalf("next = %+v", next)
	}

	cancel()
	cancel()
	waitFor(t, func() bool { return store.ActiveSubscriptions() == 0 })
}

func TestBrokenSubscriptionReportsOnce(t *testing.T) {
	t.Parallel()

	client, store, _ := newPair(t)
	errs := make(chan error, 2)
	cancel, err := client.Subscribe(context.Background(), chatsync.Target{Path: "servers/s1"},
		func(chatsync.ChangeSet) {}, func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	waitFor(t, func() bool { return store.Break("servers/s1", chatsync.ErrStoreClosed) == 1 })
	select {
	case err := <-errs:
		if !errors.Is(err, chatsync.ErrStoreClosed) {
			t.Fatalf("onError = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("onError not called")
	}
}

func TestConnectionLossFailsEverything(t *testing.T) {
	t.Parallel()

	client, store, handler := newPair(t)
	errs := make(chan error, 1)
	if _, err := client.Subscribe(context.Background(), chatsync.Target{Path: "servers/s1"},
		func(chatsync.ChangeSet) {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	handler.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, chatsync.ErrStoreClosed) {
			t.Fatalf("onError = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("subscription not failed on connection loss")
	}
	if _, err := client.Query(context.Background(), chatsync.Query{Collection: "users"}); !errors.Is(err, chatsync.ErrStoreClosed) {
		t.Fatalf("Query() after loss error = %v", err)
	}
	waitFor(t, func() bool { return store.ActiveSubscriptions() == 0 })
}

func TestAuthorizerRejectsHandshake(t *testing.T) {
	t.Parallel()

	handler, err := NewServer(memstore.New(), WithAuthorizer(func(r *http.Request) error {
		if r.Header.Get("Authorization") != "Bearer good" {
			return errors.New("bad token")
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	if _, err := Dial(context.Background(), wsURL(srv)); err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("Dial(no token) error = %v", err)
	}

	client, err := Dial(context.Background(), wsURL(srv), WithHeader(http.Header{"Authorization": {"Bearer good"}}))
	if err != nil {
		t.Fatalf("Dial(token) error = %v", err)
	}
	_ = client.Close()
}

func receive(t *testing.T, deliveries <-chan chatsync.ChangeSet) chatsync.ChangeSet {
	t.Helper()

	select {
	case changes := <-deliveries:
		return changes
	case <-time.After(waitTimeout):
		t.Fatal("no delivery")
		return chatsync.ChangeSet{}
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
