package chatsync

import (
	"strings"
	"time"
)

// UnknownDisplayName is the last fallback of the display-name chain.
const UnknownDisplayName = "Unknown user"

// ProfileRecord is the raw identity record as observed from the backend.
// Every field is optional; NormalizeProfile resolves the missing ones.
type ProfileRecord struct {
	ID string
	// DisplayName is the name explicitly chosen by the user.
	DisplayName string
	// ProfileName is the name stored on the backend profile document.
	ProfileName string
	// Handle is a login handle or email address.
	Handle string
	// PhotoURL is the avatar explicitly chosen by the user.
	PhotoURL string
	// CachedPhotoURL is a previously mirrored copy of the avatar.
	CachedPhotoURL string
	// ProviderPhotoURL is the avatar supplied by the authentication provider.
	ProviderPhotoURL string
}

// ProfileEntry is the normalized display data of one identity.
type ProfileEntry struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	// Live is set while the entry is fed by an active subscription.
	Live bool `json:"live,omitempty"`
}

// HasAvatar reports whether any avatar source resolved.
func (e ProfileEntry) HasAvatar() bool {
	return e.AvatarURL != ""
}

// NormalizeProfile maps a raw record to a ProfileEntry. It is pure: the
// result depends only on which fields are non-blank, never on how the record
// was assembled.
func NormalizeProfile(record ProfileRecord, fetchedAt time.Time) ProfileEntry {
	return ProfileEntry{
		ID:          strings.TrimSpace(record.ID),
		DisplayName: resolveDisplayName(record),
		AvatarURL:   resolveAvatar(record),
		FetchedAt:   fetchedAt,
	}
}

func resolveDisplayName(record ProfileRecord) string {
	if name := strings.TrimSpace(record.DisplayName); name != "" {
		return name
	}
	if name := strings.TrimSpace(record.ProfileName); name != "" {
		return name
	}
	if name := nameFromHandle(record.Handle); name != "" {
		return name
	}

	return UnknownDisplayName
}

func resolveAvatar(record ProfileRecord) string {
	for _, candidate := range []string{record.PhotoURL, record.CachedPhotoURL, record.ProviderPhotoURL} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}

	return ""
}

// nameFromHandle derives a display name from "@name" or "name@example.com".
func nameFromHandle(handle string) string {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if at := strings.Index(handle, "@"); at >= 0 {
		handle = handle[:at]
	}

	return strings.TrimSpace(handle)
}
