package driver

import (
	"context"
	"log/slog"
	"strings"

	"chatsync/internal/driver/sqlitestore"
	"chatsync/internal/driver/wsstore"
	"chatsync/pkg/chatsync"
	"chatsync/pkg/memstore"
)

// NewBuiltinRegistry constructs the registry with the websocket and
// in-memory remote drivers and the SQLite local store.
func NewBuiltinRegistry() (*Registry, error) {
	dialWebsocket := func(ctx context.Context, definition Definition, logger *slog.Logger) (chatsync.RemoteStore, CloseFunc, error) {
		client, err := wsstore.Dial(ctx, strings.TrimSpace(definition.RemoteURL),
			wsstore.WithLogger(logger),
			wsstore.WithRequestTimeout(definition.RequestTimeout),
			wsstore.WithHeader(definition.Header),
		)
		if err != nil {
			return nil, nil, err
		}

		return client, client.Close, nil
	}

	return NewRegistry([]Descriptor{
		{Scheme: "ws", Builder: dialWebsocket},
		{Scheme: "wss", Builder: dialWebsocket},
		{
			Scheme: SchemeMemory,
			Builder: func(context.Context, Definition, *slog.Logger) (chatsync.RemoteStore, CloseFunc, error) {
				store := memstore.New()
				return store, func() error {
					store.Close()
					return nil
				}, nil
			},
		},
	}, openLocal)
}

func openLocal(definition Definition) (chatsync.LocalStore, CloseFunc, error) {
	path := strings.TrimSpace(definition.LocalPath)
	if path == "" {
		return memstore.NewLocal(), nil, nil
	}
	store, err := sqlitestore.Open(path)
	if err != nil {
		return nil, nil, err
	}

	return store, store.Close, nil
}
