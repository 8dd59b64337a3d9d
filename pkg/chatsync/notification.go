package chatsync

import "time"

// NotificationKind identifies which source produced a notification item.
type NotificationKind string

const (
	NotificationKindChannel NotificationKind = "channel"
	NotificationKindThread  NotificationKind = "thread"
	NotificationKindDirect  NotificationKind = "direct"
)

// NotificationPriority ranks unread state.
type NotificationPriority string

const (
	// PriorityHigh means the viewer was addressed directly (mention, DM, followed thread).
	PriorityHigh NotificationPriority = "high"
	// PriorityLow is ambient channel activity.
	PriorityLow NotificationPriority = "low"
)

// NotificationTarget is where activating an item navigates to.
type NotificationTarget struct {
	ServerID  string `json:"server_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// NotificationItem is one unit of unread state shown to the viewer.
type NotificationItem struct {
	Kind     NotificationKind     `json:"kind"`
	Priority NotificationPriority `json:"priority"`
	// Unread is the count displayed on the item: the high-priority count for
	// high items, the ambient count for low items.
	Unread int `json:"unread"`
	// Total is every unread message the item accounts for.
	Total        int                `json:"total"`
	Title        string             `json:"title"`
	Preview      string             `json:"preview,omitempty"`
	LastActivity time.Time          `json:"last_activity"`
	Target       NotificationTarget `json:"target"`
}

// Alert is one best-effort desktop alert.
type Alert struct {
	ScopeID   string
	MessageID string
	Title     string
	Body      string
}

// ChannelUnread is the viewer's unread counter of one channel.
type ChannelUnread struct {
	ChannelID string `json:"channel_id"`
	ServerID  string `json:"server_id,omitempty"`
	Title     string `json:"title"`
	// High counts messages that addressed the viewer directly.
	High int `json:"high"`
	// Low counts ambient messages.
	Low            int       `json:"low"`
	MentionPreview string    `json:"mention_preview,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	LastActivity   time.Time `json:"last_activity"`
}

// ThreadUnread is the viewer's unread counter of one followed thread.
type ThreadUnread struct {
	ThreadID     string    `json:"thread_id"`
	ChannelID    string    `json:"channel_id"`
	ServerID     string    `json:"server_id,omitempty"`
	Title        string    `json:"title"`
	ChannelTitle string    `json:"channel_title,omitempty"`
	Unread       int       `json:"unread"`
	Preview      string    `json:"preview,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// DirectUnread is the viewer's unread counter of one direct-message thread.
type DirectUnread struct {
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title"`
	Unread       int       `json:"unread"`
	Preview      string    `json:"preview,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}
