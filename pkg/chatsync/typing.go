package chatsync

import (
	"sort"
	"time"
)

// TypingEntry is one remote "is typing" record.
type TypingEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

// FreshTypingEntries returns the entries younger than horizon at now,
// excluding selfID, ordered by timestamp then user id.
func FreshTypingEntries(entries []TypingEntry, now time.Time, horizon time.Duration, selfID string) []TypingEntry {
	fresh := make([]TypingEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.UserID == "" || entry.UserID == selfID {
			continue
		}
		if now.Sub(entry.Timestamp) >= horizon {
			continue
		}
		fresh = append(fresh, entry)
	}
	sort.Slice(fresh, func(i, j int) bool {
		if !fresh[i].Timestamp.Equal(fresh[j].Timestamp) {
			return fresh[i].Timestamp.Before(fresh[j].Timestamp)
		}
		return fresh[i].UserID < fresh[j].UserID
	})

	return fresh
}
