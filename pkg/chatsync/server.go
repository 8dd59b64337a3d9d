package chatsync

// ServerMeta is the display metadata of one server.
type ServerMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
}

// ChannelDescriptor describes one channel of a server. Lists of channels are
// ordered by the server-declared Position.
type ChannelDescriptor struct {
	ID         string `json:"id"`
	ServerID   string `json:"server_id"`
	Name       string `json:"name"`
	CategoryID string `json:"category_id,omitempty"`
	Position   int    `json:"position"`
}

// ChannelBefore orders channels by position, then id.
func ChannelBefore(a, b ChannelDescriptor) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}

	return a.ID < b.ID
}

// Presence is the online state of one member.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceBusy    Presence = "dnd"
	PresenceOffline Presence = "offline"
)

// MemberSummary is the per-server membership record of one identity.
type MemberSummary struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	JoinedAt int64  `json:"joined_at,omitempty"`
}

// Role is a server role assignment.
type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	Position int    `json:"position"`
}

// MemberSet holds the four independently mergeable per-server maps.
// A nil map in a patch means "no change" for that map.
type MemberSet struct {
	Members  map[string]MemberSummary `json:"members,omitempty"`
	Profiles map[string]ProfileEntry  `json:"profiles,omitempty"`
	Presence map[string]Presence      `json:"presence,omitempty"`
	Roles    map[string]Role          `json:"roles,omitempty"`
}

// MergeMemberSet applies patch over base. Each map merges key by key and
// independently of the others. Neither argument is modified.
func MergeMemberSet(base MemberSet, patch MemberSet) MemberSet {
	return MemberSet{
		Members:  mergeMap(base.Members, patch.Members),
		Profiles: mergeMap(base.Profiles, patch.Profiles),
		Presence: mergeMap(base.Presence, patch.Presence),
		Roles:    mergeMap(base.Roles, patch.Roles),
	}
}

// CloneMemberSet returns a copy whose maps are not shared with set.
func CloneMemberSet(set MemberSet) MemberSet {
	return MergeMemberSet(set, MemberSet{})
}

func mergeMap[V any](base map[string]V, patch map[string]V) map[string]V {
	if base == nil && patch == nil {
		return nil
	}
	merged := make(map[string]V, len(base)+len(patch))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range patch {
		merged[key] = value
	}

	return merged
}
