package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatsync/internal/driver/wsstore"
	"chatsync/pkg/identity"
	"chatsync/pkg/memstore"
)

const (
	defaultServeAddr       = "127.0.0.1:8787"
	defaultServePath       = "/sync"
	serveReadHeaderTimeout = 10 * time.Second
	serveShutdownTimeout   = 5 * time.Second
)

type serveOptions struct {
	addr         string
	path         string
	seed         bool
	requireToken bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	options := &serveOptions{}

	command := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory remote store over websocket",
		Long: `serve exposes an in-memory document store with the chatsync websocket
protocol. State is lost on exit. Point remote.url of a client config at
ws://<addr><path>.

--require-token only checks that a bearer ID token is present and parses.
Its signature is not verified, so it is for development servers only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := root.setup(cmd)
			if err != nil {
				return err
			}

			store := memstore.New()
			defer store.Close()
			if options.seed {
				seedDemo(store, time.Now())
			}

			serverOptions := []wsstore.ServerOption{wsstore.WithServerLogger(logger)}
			if options.requireToken {
				serverOptions = append(serverOptions, wsstore.WithAuthorizer(authorizeBearer))
			}
			handler, err := wsstore.NewServer(store, serverOptions...)
			if err != nil {
				return err
			}

			listener, err := net.Listen("tcp", options.addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", options.addr, err)
			}
			mux := http.NewServeMux()
			mux.Handle(options.path, handler)

			return serveUntilDone(cmd.Context(), &http.Server{
				Handler:           mux,
				ReadHeaderTimeout: serveReadHeaderTimeout,
			}, listener, handler, func(addr string) {
				logger.Info("serving remote store", "addr", addr, "path", options.path, "seeded", options.seed)
			})
		},
	}
	command.Flags().StringVar(&options.addr, "addr", defaultServeAddr, "listen address")
	command.Flags().StringVar(&options.path, "path", defaultServePath, "websocket endpoint path")
	command.Flags().BoolVar(&options.seed, "seed", false, "seed a demo server with channels, members and messages")
	command.Flags().BoolVar(&options.requireToken, "require-token", false, "reject handshakes without a parseable bearer ID token (signature not verified; development only)")

	return command
}

func serveUntilDone(ctx context.Context, httpServer *http.Server, listener net.Listener, handler *wsstore.Server, ready func(addr string)) error {
	errs := make(chan error, 1)
	go func() {
		errs <- httpServer.Serve(listener)
	}()
	ready(listener.Addr().String())

	select {
	case err := <-errs:
		handler.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	handler.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}

// authorizeBearer accepts requests carrying an ID token with a subject.
func authorizeBearer(r *http.Request) error {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return errors.New("missing bearer token")
	}
	if _, err := identity.FromToken(token); err != nil {
		return err
	}

	return nil
}
