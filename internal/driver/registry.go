// Package driver builds the remote and local stores of a session from
// configuration.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"chatsync/pkg/chatsync"
)

// SchemeMemory selects the in-process remote store. An empty remote URL
// selects it too.
const SchemeMemory = "memory"

// Definition describes one configured store pair.
type Definition struct {
	// RemoteURL selects the remote driver by scheme.
	RemoteURL string
	// RequestTimeout bounds remote round trips.
	RequestTimeout time.Duration
	// Header is sent with the remote handshake when the driver has one.
	Header http.Header
	// LocalPath is the local store file. Empty keeps local state in memory.
	LocalPath string
}

// CloseFunc releases one built store.
type CloseFunc func() error

// BuilderFunc builds the remote store of one definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (chatsync.RemoteStore, CloseFunc, error)

// LocalBuilderFunc builds the local store of one definition.
type LocalBuilderFunc func(definition Definition) (chatsync.LocalStore, CloseFunc, error)

// Descriptor binds one URL scheme to its remote builder.
type Descriptor struct {
	Scheme  string
	Builder BuilderFunc
}

// Stores holds the built stores of one session.
type Stores struct {
	Remote chatsync.RemoteStore
	Local  chatsync.LocalStore

	closers []CloseFunc
}

// Close releases the stores in reverse build order.
func (s Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Registry maps URL schemes to remote builders.
type Registry struct {
	entries map[string]BuilderFunc
	schemes []string
	local   LocalBuilderFunc
}

// NewRegistry creates one immutable registry. local builds the local store
// of every definition.
func NewRegistry(descriptors []Descriptor, local LocalBuilderFunc) (*Registry, error) {
	if local == nil {
		return nil, fmt.Errorf("new registry: nil local builder")
	}

	entries := make(map[string]BuilderFunc, len(descriptors))
	schemes := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Scheme == "" {
			return nil, fmt.Errorf("new registry: empty descriptor scheme")
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry scheme %s: nil builder", descriptor.Scheme)
		}
		if _, exists := entries[descriptor.Scheme]; exists {
			return nil, fmt.Errorf("new registry scheme %s: duplicate", descriptor.Scheme)
		}

		entries[descriptor.Scheme] = descriptor.Builder
		schemes = append(schemes, descriptor.Scheme)
	}
	sort.Strings(schemes)

	return &Registry{
		entries: entries,
		schemes: schemes,
		local:   local,
	}, nil
}

// Schemes returns all registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	if r == nil {
		return nil
	}

	schemes := make([]string, len(r.schemes))
	copy(schemes, r.schemes)

	return schemes
}

// Open builds the remote and local stores of definition. A failure releases
// whatever was already built.
func (r *Registry) Open(ctx context.Context, definition Definition, logger *slog.Logger) (Stores, error) {
	if r == nil {
		return Stores{}, fmt.Errorf("open stores: nil registry")
	}
	if logger == nil {
		logger = slog.Default()
	}

	scheme, err := schemeOf(definition.RemoteURL)
	if err != nil {
		return Stores{}, fmt.Errorf("open stores: %w", err)
	}
	builder, exists := r.entries[scheme]
	if !exists {
		return Stores{}, fmt.Errorf("open stores scheme %s: unsupported scheme", scheme)
	}

	var stores Stores
	remote, closeRemote, err := builder(ctx, definition, logger)
	if err != nil {
		return Stores{}, fmt.Errorf("open remote store %s: %w", scheme, err)
	}
	if remote == nil {
		return Stores{}, fmt.Errorf("open remote store %s: nil store", scheme)
	}
	stores.Remote = remote
	if closeRemote != nil {
		stores.closers = append(stores.closers, closeRemote)
	}

	local, closeLocal, err := r.local(definition)
	if err != nil {
		return Stores{}, errors.Join(fmt.Errorf("open local store: %w", err), stores.Close())
	}
	stores.Local = local
	if closeLocal != nil {
		stores.closers = append(stores.closers, closeLocal)
	}

	logger.DebugContext(ctx, "stores opened", "remote_scheme", scheme, "local_path", definition.LocalPath)

	return stores, nil
}

func schemeOf(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return SchemeMemory, nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("parse remote url %q: missing scheme", trimmed)
	}

	return strings.ToLower(parsed.Scheme), nil
}
