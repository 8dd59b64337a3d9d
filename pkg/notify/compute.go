package notify

import (
	"sort"
	"time"

	"chatsync/pkg/chatsync"
)

// DefaultBadgeCap is the largest badge value shown to the platform.
const DefaultBadgeCap = 99

// Snapshot is one recomputed view of every unread source.
type Snapshot struct {
	Items []chatsync.NotificationItem `json:"items"`
	// Badge is the capped sum of channel and direct-message totals.
	Badge int `json:"badge"`
	// Uncapped is the badge before capping.
	Uncapped int `json:"uncapped"`
	// Ready is set once every source has reported data or failed.
	Ready bool `json:"ready"`
}

// Compute derives the ranked item list and badge from the current counters.
// It is pure: equal inputs produce equal snapshots regardless of map or
// slice order.
//
// Thread counters roll up into their parent channel. A thread whose parent
// has no counter of its own still contributes through a synthesized channel
// entry, so the badge never loses unread state.
func Compute(channels []chatsync.ChannelUnread, threads []chatsync.ThreadUnread, directs []chatsync.DirectUnread, badgeCap int) Snapshot {
	if badgeCap <= 0 {
		badgeCap = DefaultBadgeCap
	}

	byChannel := make(map[string]chatsync.ChannelUnread, len(channels))
	for _, channel := range channels {
		if channel.ChannelID == "" {
			continue
		}
		byChannel[channel.ChannelID] = channel
	}

	rollup := make(map[string]int)
	threadActivity := make(map[string]time.Time)
	items := make([]chatsync.NotificationItem, 0, len(channels)+len(threads)+len(directs))
	for _, thread := range threads {
		if thread.ThreadID == "" || thread.ChannelID == "" || thread.Unread <= 0 {
			continue
		}
		rollup[thread.ChannelID] += thread.Unread
		if thread.LastActivity.After(threadActivity[thread.ChannelID]) {
			threadActivity[thread.ChannelID] = thread.LastActivity
		}
		if _, ok := byChannel[thread.ChannelID]; !ok {
			title := thread.ChannelTitle
			if title == "" {
				title = thread.ChannelID
			}
			byChannel[thread.ChannelID] = chatsync.ChannelUnread{
				ChannelID: thread.ChannelID,
				ServerID:  thread.ServerID,
				Title:     title,
			}
		}
		items = append(items, chatsync.NotificationItem{
			Kind:         chatsync.NotificationKindThread,
			Priority:     chatsync.PriorityHigh,
			Unread:       thread.Unread,
			Total:        thread.Unread,
			Title:        thread.Title,
			Preview:      thread.Preview,
			LastActivity: thread.LastActivity,
			Target: chatsync.NotificationTarget{
				ServerID:  thread.ServerID,
				ChannelID: thread.ChannelID,
				ThreadID:  thread.ThreadID,
			},
		})
	}

	badge := 0
	for id, channel := range byChannel {
		item, ok := channelItem(channel, rollup[id], threadActivity[id])
		if !ok {
			continue
		}
		badge += item.Total
		items = append(items, item)
	}

	seenDirect := make(map[string]struct{}, len(directs))
	for _, direct := range directs {
		if direct.ThreadID == "" || direct.Unread <= 0 {
			continue
		}
		if _, dup := seenDirect[direct.ThreadID]; dup {
			continue
		}
		seenDirect[direct.ThreadID] = struct{}{}
		badge += direct.Unread
		items = append(items, chatsync.NotificationItem{
			Kind:         chatsync.NotificationKindDirect,
			Priority:     chatsync.PriorityHigh,
			Unread:       direct.Unread,
			Total:        direct.Unread,
			Title:        direct.Title,
			Preview:      direct.Preview,
			LastActivity: direct.LastActivity,
			Target:       chatsync.NotificationTarget{ThreadID: direct.ThreadID},
		})
	}

	sortItems(items)
	capped := badge
	if capped > badgeCap {
		capped = badgeCap
	}

	return Snapshot{Items: items, Badge: capped, Uncapped: badge}
}

func channelItem(channel chatsync.ChannelUnread, rollup int, threadActivity time.Time) (chatsync.NotificationItem, bool) {
	high := max(channel.High, 0)
	low := max(channel.Low, 0)
	total := high + low + rollup
	if total == 0 {
		return chatsync.NotificationItem{}, false
	}

	item := chatsync.NotificationItem{
		Kind:         chatsync.NotificationKindChannel,
		Priority:     chatsync.PriorityLow,
		Unread:       low,
		Total:        total,
		Title:        channel.Title,
		Preview:      channel.Preview,
		LastActivity: channel.LastActivity,
		Target: chatsync.NotificationTarget{
			ServerID:  channel.ServerID,
			ChannelID: channel.ChannelID,
		},
	}
	if high > 0 || rollup > 0 {
		item.Priority = chatsync.PriorityHigh
		item.Unread = high + rollup
	}
	if high > 0 && channel.MentionPreview != "" {
		item.Preview = channel.MentionPreview
	}
	if threadActivity.After(item.LastActivity) {
		item.LastActivity = threadActivity
	}

	return item, true
}

func sortItems(items []chatsync.NotificationItem) {
	sort.Slice(items, func(i, j int) bool {
		left, right := items[i], items[j]
		if !left.LastActivity.Equal(right.LastActivity) {
			return left.LastActivity.After(right.LastActivity)
		}
		if left.Title != right.Title {
			return left.Title < right.Title
		}
		if left.Kind != right.Kind {
			return left.Kind < right.Kind
		}
		return targetKey(left.Target) < targetKey(right.Target)
	})
}

func targetKey(target chatsync.NotificationTarget) string {
	return target.ServerID + "/" + target.ChannelID + "/" + target.ThreadID
}
