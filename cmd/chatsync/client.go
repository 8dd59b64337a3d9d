package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"chatsync/internal/driver"
	"chatsync/pkg/chatsync"
	"chatsync/pkg/config"
	"chatsync/pkg/identity"
	"chatsync/pkg/notify"
	"chatsync/pkg/session"
)

// clientSession is a session with the stores it was opened on.
type clientSession struct {
	*session.Session
	stores driver.Stores
}

func openClientSession(ctx context.Context, cfg config.Config, token string, logger *slog.Logger, deps session.Deps, opts ...session.Option) (*clientSession, error) {
	viewer, err := identity.FromToken(token)
	if err != nil {
		return nil, err
	}

	registry, err := driver.NewBuiltinRegistry()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	stores, err := registry.Open(ctx, driver.Definition{
		RemoteURL:      cfg.Remote.URL,
		RequestTimeout: cfg.Remote.RequestTimeout,
		Header:         header,
		LocalPath:      cfg.Local.Path,
	}, logger)
	if err != nil {
		return nil, err
	}

	deps.Remote = stores.Remote
	deps.Local = stores.Local
	sess, err := session.New(viewer, deps, cfg, append([]session.Option{session.WithLogger(logger)}, opts...)...)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	return &clientSession{Session: sess, stores: stores}, nil
}

// Close tears the session down and releases its stores.
func (c *clientSession) Close(ctx context.Context) error {
	teardownErr := c.Teardown(ctx)
	if err := c.stores.Close(); err != nil && teardownErr == nil {
		return fmt.Errorf("close stores: %w", err)
	}

	return teardownErr
}

// eventPrinter writes one JSON object per line for every observed event.
type eventPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{encoder: json.NewEncoder(w)}
}

type printedEvent struct {
	Event     string                      `json:"event"`
	Class     chatsync.ScopeClass         `json:"class,omitempty"`
	ScopeID   string                      `json:"scope_id,omitempty"`
	MessageID string                      `json:"message_id,omitempty"`
	Title     string                      `json:"title,omitempty"`
	Body      string                      `json:"body,omitempty"`
	Badge     *int                        `json:"badge,omitempty"`
	Items     []chatsync.NotificationItem `json:"items,omitempty"`
	Typing    []string                    `json:"typing,omitempty"`
}

func (p *eventPrinter) print(event printedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.encoder.Encode(event)
}

// SetBadge implements chatsync.BadgeSink.
func (p *eventPrinter) SetBadge(count int) {
	p.print(printedEvent{Event: "badge", Badge: &count})
}

// ClearBadge implements chatsync.BadgeSink.
func (p *eventPrinter) ClearBadge() {
	zero := 0
	p.print(printedEvent{Event: "badge", Badge: &zero})
}

// Alert implements chatsync.AlertSink.
func (p *eventPrinter) Alert(alert chatsync.Alert) {
	p.print(printedEvent{
		Event:     "alert",
		ScopeID:   alert.ScopeID,
		MessageID: alert.MessageID,
		Title:     alert.Title,
		Body:      alert.Body,
	})
}

func (p *eventPrinter) notifications(snapshot notify.Snapshot) {
	badge := snapshot.Badge
	p.print(printedEvent{Event: "notifications", Badge: &badge, Items: snapshot.Items})
}

func (p *eventPrinter) typing(scopeID string) func([]chatsync.TypingEntry) {
	return func(entries []chatsync.TypingEntry) {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.DisplayName
			if name == "" {
				name = entry.UserID
			}
			names = append(names, name)
		}
		p.print(printedEvent{Event: "typing", ScopeID: scopeID, Typing: names})
	}
}

func (p *eventPrinter) evicted(scope chatsync.ScopeKey) {
	p.print(printedEvent{Event: "evicted", Class: scope.Class, ScopeID: scope.ID})
}
