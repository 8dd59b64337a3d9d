package chatsync

import (
	"fmt"
	"strings"
)

// ScopeClass identifies one family of cacheable scopes.
type ScopeClass string

const (
	// ScopeClassChannelMessages is the message window of one server channel.
	ScopeClassChannelMessages ScopeClass = "channel_messages"
	// ScopeClassDirectThread is the message window of one direct-message thread.
	ScopeClassDirectThread ScopeClass = "direct_thread"
	// ScopeClassServerChannels is one server's ordered channel list and meta.
	ScopeClassServerChannels ScopeClass = "server_channels"
	// ScopeClassServerMembers is one server's member, profile, presence and role maps.
	ScopeClassServerMembers ScopeClass = "server_members"
)

// ScopeClasses lists every class in a stable order.
var ScopeClasses = []ScopeClass{
	ScopeClassChannelMessages,
	ScopeClassDirectThread,
	ScopeClassServerChannels,
	ScopeClassServerMembers,
}

// ScopeKey identifies one cacheable unit.
type ScopeKey struct {
	Class ScopeClass
	ID    string
}

// ChannelScope returns the message scope of a channel.
func ChannelScope(channelID string) ScopeKey {
	return ScopeKey{Class: ScopeClassChannelMessages, ID: channelID}
}

// DirectScope returns the message scope of a direct-message thread.
func DirectScope(threadID string) ScopeKey {
	return ScopeKey{Class: ScopeClassDirectThread, ID: threadID}
}

// ServerChannelsScope returns the channel-list scope of a server.
func ServerChannelsScope(serverID string) ScopeKey {
	return ScopeKey{Class: ScopeClassServerChannels, ID: serverID}
}

// ServerMembersScope returns the member-set scope of a server.
func ServerMembersScope(serverID string) ScopeKey {
	return ScopeKey{Class: ScopeClassServerMembers, ID: serverID}
}

// Validate checks that the key names a known class and a non-empty id.
func (k ScopeKey) Validate() error {
	switch k.Class {
	case ScopeClassChannelMessages, ScopeClassDirectThread, ScopeClassServerChannels, ScopeClassServerMembers:
	default:
		return fmt.Errorf("%w: unknown class %q", ErrInvalidScope, k.Class)
	}
	if strings.TrimSpace(k.ID) == "" {
		return fmt.Errorf("%w: missing %s id", ErrInvalidScope, k.Class)
	}

	return nil
}

// String renders the key as "class:id".
func (k ScopeKey) String() string {
	return string(k.Class) + ":" + k.ID
}

// IsMessageScope reports whether the scope holds an ordered message window.
func (k ScopeKey) IsMessageScope() bool {
	return k.Class == ScopeClassChannelMessages || k.Class == ScopeClassDirectThread
}
