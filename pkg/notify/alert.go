package notify

import (
	"log/slog"
	"sync"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/scheduler"
)

// AlertGate raises a desktop alert for a (scope, message) pair at most once
// per process, and only while the consuming surface is hidden.
type AlertGate struct {
	sink    chatsync.AlertSink
	visible func() bool
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewAlertGate creates a gate in front of sink. visible reports whether the
// consuming surface is focused; nil means never visible.
func NewAlertGate(sink chatsync.AlertSink, visible func() bool, logger *slog.Logger) *AlertGate {
	if logger == nil {
		logger = slog.Default()
	}

	return &AlertGate{
		sink:    sink,
		visible: visible,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// Offer raises alert unless its pair was offered before or the surface is
// visible. A pair offered while visible is consumed and never alerts later.
func (g *AlertGate) Offer(alert chatsync.Alert) bool {
	if g == nil || alert.ScopeID == "" || alert.MessageID == "" {
		return false
	}
	key := alert.ScopeID + "\x00" + alert.MessageID

	g.mu.Lock()
	if _, dup := g.seen[key]; dup {
		g.mu.Unlock()
		return false
	}
	g.seen[key] = struct{}{}
	g.mu.Unlock()

	if g.sink == nil || (g.visible != nil && g.visible()) {
		return false
	}
	scheduler.Guard("alert sink", func() { g.sink.Alert(alert) }, func(err error) {
		g.logger.Error("alert sink panicked", "scope_id", alert.ScopeID, "error", err)
	})

	return true
}
