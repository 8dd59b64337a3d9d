package chatsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RemoteStore is the hosted real-time document store consumed by the core.
//
// Implementations must be concurrency-safe. Subscription callbacks may run on
// any goroutine but must be serialized per subscription.
type RemoteStore interface {
	// Read performs a point read. When the record is absent, found is false
	// and err is nil.
	Read(ctx context.Context, path string, mode ReadMode) (record Record, found bool, err error)
	// Query returns records of one collection in query order.
	Query(ctx context.Context, query Query) ([]Record, error)
	// Subscribe streams ordered change sets for target until the returned
	// CancelFunc is called. onError is invoked at most once, after which the
	// subscription delivers nothing further.
	Subscribe(ctx context.Context, target Target, onChange func(ChangeSet), onError func(error)) (CancelFunc, error)
	// Write merges fields into the record at path, creating it when absent.
	Write(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the record at path. Deleting an absent record succeeds.
	Delete(ctx context.Context, path string) error
}

// ReadMode selects between network reads and local-cache-first reads.
type ReadMode int

const (
	// ReadDefault reads from the network.
	ReadDefault ReadMode = iota
	// ReadCacheFirst answers from the store's local cache when possible and
	// falls back to the network.
	ReadCacheFirst
)

// FilterOp is a query filter operator.
type FilterOp string

const (
	OpEqual   FilterOp = "=="
	OpLess    FilterOp = "<"
	OpGreater FilterOp = ">"
	// OpIn matches when the field equals any element of a []string value.
	OpIn FilterOp = "in"
)

// DocumentIDField names the record id in filters and ordering rather than a
// stored field.
const DocumentIDField = "__id__"

// Filter is one query predicate.
type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

// Query selects ordered, limited records of one collection.
type Query struct {
	Collection string   `json:"collection"`
	OrderBy    string   `json:"order_by,omitempty"`
	Descending bool     `json:"descending,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
}

// Target is what a subscription watches: one record path or one query.
type Target struct {
	Path  string `json:"path,omitempty"`
	Query *Query `json:"query,omitempty"`
}

// Validate checks that exactly one of Path and Query is set.
func (t Target) Validate() error {
	hasPath := strings.TrimSpace(t.Path) != ""
	hasQuery := t.Query != nil && strings.TrimSpace(t.Query.Collection) != ""
	if hasPath == hasQuery {
		return fmt.Errorf("%w: want exactly one of path and query", ErrInvalidTarget)
	}

	return nil
}

// ChangeKind classifies one record change.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one record-level difference within a ChangeSet.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Record Record     `json:"record"`
}

// ChangeSet is one push delivery: the full ordered result after the change
// plus the individual changes that produced it.
type ChangeSet struct {
	Records []Record `json:"records"`
	Changes []Change `json:"changes,omitempty"`
}

// Record is one untyped remote document. Decoders in package loader turn
// records into typed entities; the accessors below never fail and report
// missing or mistyped fields as zero values.
type Record struct {
	Path   string         `json:"path"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Text returns the string field name, or "".
func (r Record) Text(name string) string {
	switch typed := r.Fields[name].(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	default:
		return ""
	}
}

// Int returns the integer field name, or 0.
func (r Record) Int(name string) int {
	switch typed := r.Fields[name].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		parsed, err := strconv.Atoi(typed)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

// Bool returns the boolean field name, or false.
func (r Record) Bool(name string) bool {
	typed, _ := r.Fields[name].(bool)
	return typed
}

// Time returns the timestamp field name. Accepted encodings are time.Time,
// RFC 3339 strings and Unix milliseconds. The zero time means absent.
func (r Record) Time(name string) time.Time {
	switch typed := r.Fields[name].(type) {
	case time.Time:
		return typed.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, typed)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	case int64:
		return time.UnixMilli(typed).UTC()
	case int:
		return time.UnixMilli(int64(typed)).UTC()
	case float64:
		return time.UnixMilli(int64(typed)).UTC()
	default:
		return time.Time{}
	}
}

// Strings returns the string-list field name, or nil.
func (r Record) Strings(name string) []string {
	switch typed := r.Fields[name].(type) {
	case []string:
		return append([]string(nil), typed...)
	case []any:
		values := make([]string, 0, len(typed))
		for _, item := range typed {
			if value, ok := item.(string); ok {
				values = append(values, value)
			}
		}
		return values
	default:
		return nil
	}
}

// Map returns the nested object field name, or nil.
func (r Record) Map(name string) map[string]any {
	typed, _ := r.Fields[name].(map[string]any)
	return typed
}

// CloneRecord returns a copy of record with a shallow-copied field map.
func CloneRecord(record Record) Record {
	cloned := record
	if record.Fields != nil {
		cloned.Fields = make(map[string]any, len(record.Fields))
		for key, value := range record.Fields {
			cloned.Fields[key] = value
		}
	}

	return cloned
}

// LocalStore is the persistent key/value store used for warm starts and
// small synced UI state.
type LocalStore interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
}

// BadgeSink is the optional platform badge API.
type BadgeSink interface {
	SetBadge(count int)
	ClearBadge()
}

// AlertSink is the optional desktop alert API. Alerts are fire-and-forget.
type AlertSink interface {
	Alert(alert Alert)
}

// Identity is the already-authenticated viewer consumed by the core.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
	PhotoURL    string
}

// Validate checks that the identity carries a user id.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" {
		return fmt.Errorf("validate identity: missing user id")
	}

	return nil
}
