package chatsync

import "path"

// Remote store layout. Every path helper joins with "/".
const (
	CollectionServers  = "servers"
	CollectionChannels = "channels"
	CollectionDirects  = "dms"
	CollectionUsers    = "users"
	CollectionTyping   = "typing"
)

// ServerPath is the meta record of a server.
func ServerPath(serverID string) string {
	return path.Join(CollectionServers, serverID)
}

// ServerChannelsCollection holds one record per channel of a server.
func ServerChannelsCollection(serverID string) string {
	return path.Join(CollectionServers, serverID, "channels")
}

// ServerMembersCollection holds one record per member of a server.
func ServerMembersCollection(serverID string) string {
	return path.Join(CollectionServers, serverID, "members")
}

// MessagesCollection holds the messages of a channel or direct thread scope.
func MessagesCollection(scope ScopeKey) string {
	if scope.Class == ScopeClassDirectThread {
		return path.Join(CollectionDirects, scope.ID, "messages")
	}

	return path.Join(CollectionChannels, scope.ID, "messages")
}

// MessagePath is one message record of a scope.
func MessagePath(scope ScopeKey, messageID string) string {
	return path.Join(MessagesCollection(scope), messageID)
}

// UserPath is the profile record of an identity.
func UserPath(userID string) string {
	return path.Join(CollectionUsers, userID)
}

// UnreadCollection holds one viewer's unread counters of one source.
func UnreadCollection(userID string, source string) string {
	return path.Join(CollectionUsers, userID, "unread_"+source)
}

// TypingCollection holds the typing records of one scope.
func TypingCollection(scopeID string) string {
	return path.Join(CollectionTyping, scopeID, "users")
}

// TypingPath is the typing record of one identity in one scope.
func TypingPath(scopeID, userID string) string {
	return path.Join(TypingCollection(scopeID), userID)
}
