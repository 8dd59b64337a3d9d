package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/entitycache"
	"chatsync/pkg/warmstart"
)

var _ chatsync.LocalStore = (*Store)(nil)

func TestGetSetDelete(t *testing.T) {
	t.Parallel()

	for _, path := range []string{":memory:", filepath.Join(t.TempDir(), "local.db")} {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store, err := Open(path)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer store.Close()

			if _, found, err := store.Get(ctx, "missing"); err != nil || found {
				t.Fatalf("Get(missing) found=%v err=%v", found, err)
			}
			if err := store.Set(ctx, "chatsync:me:channels", "[]"); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := store.Set(ctx, "chatsync:me:channels", `{"s1":[]}`); err != nil {
				t.Fatalf("Set(overwrite) error = %v", err)
			}
			value, found, err := store.Get(ctx, "chatsync:me:channels")
			if err != nil || !found || value != `{"s1":[]}` {
				t.Fatalf("Get() = %q, %v, %v", value, found, err)
			}
			if err := store.Delete(ctx, "chatsync:me:channels"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := store.Delete(ctx, "chatsync:me:channels"); err != nil {
				t.Fatalf("Delete(absent) error = %v", err)
			}
			if _, found, _ := store.Get(ctx, "chatsync:me:channels"); found {
				t.Fatal("value survived delete")
			}
		})
	}
}

func TestValuesSurviveReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, key := range []string{"chatsync:me:positions", "chatsync:me:messages", "chatsync:other:messages"} {
		if err := first.Set(ctx, key, "{}"); err != nil {
			t.Fatalf("Set(%s) error = %v", key, err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()
	keys, err := second.Keys(ctx, "chatsync:me:")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if diff := cmp.Diff([]string{"chatsync:me:messages", "chatsync:me:positions"}, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestBacksWarmStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	source := entitycache.New()
	source.Channels.Update("s1", []chatsync.ChannelDescriptor{{ID: "general", ServerID: "s1", Name: "general"}}, entitycache.ModeReplaceMerge)
	warm := warmstart.New(store, "me")
	if err := warm.Save(ctx, source, nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	restored := entitycache.New()
	if _, err := warm.Restore(ctx, restored); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := restored.Channels.Get("s1"); len(got) != 1 || got[0].Name != "general" {
		t.Fatalf("restored channels = %+v", got)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("Open(empty) error = nil")
	}
}
