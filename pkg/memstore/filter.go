package memstore

import (
	"fmt"
	"time"

	"chatsync/pkg/chatsync"
)

func matchesAll(record chatsync.Record, filters []chatsync.Filter) bool {
	for _, filter := range filters {
		if !matches(fieldValue(record, filter.Field), filter) {
			return false
		}
	}

	return true
}

func fieldValue(record chatsync.Record, name string) any {
	if name == chatsync.DocumentIDField {
		return record.ID
	}

	return record.Fields[name]
}

func matches(value any, filter chatsync.Filter) bool {
	switch filter.Op {
	case chatsync.OpEqual:
		return value != nil && compareValues(value, filter.Value) == 0
	case chatsync.OpLess:
		return value != nil && compareValues(value, filter.Value) < 0
	case chatsync.OpGreater:
		return value != nil && compareValues(value, filter.Value) > 0
	case chatsync.OpIn:
		for _, candidate := range candidates(filter.Value) {
			if value != nil && compareValues(value, candidate) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func candidates(value any) []any {
	switch typed := value.(type) {
	case []any:
		return typed
	case []string:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = item
		}
		return out
	default:
		return []any{value}
	}
}

// compareValues orders numbers numerically, times chronologically and
// everything else by its printed form.
func compareValues(a, b any) int {
	if left, ok := asFloat(a); ok {
		if right, ok := asFloat(b); ok {
			switch {
			case left < right:
				return -1
			case left > right:
				return 1
			default:
				return 0
			}
		}
	}
	if left, ok := a.(time.Time); ok {
		if right, ok := b.(time.Time); ok {
			return left.Compare(right)
		}
	}

	left, right := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		return 0, false
	}
}
