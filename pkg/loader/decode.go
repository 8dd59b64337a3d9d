package loader

import (
	"sort"
	"strings"
	"time"

	"chatsync/pkg/chatsync"
)

// Record field names of the remote layout.
const (
	FieldID               = "id"
	FieldAuthorID         = "author_id"
	FieldCreatedAt        = "created_at"
	FieldPending          = "pending"
	FieldKind             = "kind"
	FieldText             = "text"
	FieldMediaURL         = "media_url"
	FieldMIMEType         = "mime_type"
	FieldCaption          = "caption"
	FieldQuestion         = "question"
	FieldOptions          = "options"
	FieldVotes            = "votes"
	FieldTitle            = "title"
	FieldFormFields       = "fields"
	FieldReplyTo          = "reply_to"
	FieldReactions        = "reactions"
	FieldEditedAt         = "edited_at"
	FieldName             = "name"
	FieldDescription      = "description"
	FieldIconURL          = "icon_url"
	FieldCategoryID       = "category_id"
	FieldPosition         = "position"
	FieldNickname         = "nickname"
	FieldJoinedAt         = "joined_at"
	FieldPresence         = "presence"
	FieldRole             = "role"
	FieldDisplayName      = "display_name"
	FieldProfileName      = "profile_name"
	FieldHandle           = "handle"
	FieldPhotoURL         = "photo_url"
	FieldCachedPhotoURL   = "cached_photo_url"
	FieldProviderPhotoURL = "provider_photo_url"
	FieldUpdatedAt        = "updated_at"
	FieldServerID         = "server_id"
	FieldChannelID        = "channel_id"
	FieldChannelTitle     = "channel_title"
	FieldHigh             = "high"
	FieldLow              = "low"
	FieldUnread           = "unread"
	FieldMentionPreview   = "mention_preview"
	FieldPreview          = "preview"
	FieldLastActivity     = "last_activity"
)

// DecodeMessage maps a message record of scopeID. Unknown or missing kinds
// decode as text; malformed fields fall back to zero values.
func DecodeMessage(record chatsync.Record, scopeID string) chatsync.CachedMessage {
	message := chatsync.CachedMessage{
		ID:          record.ID,
		ScopeID:     scopeID,
		AuthorID:    record.Text(FieldAuthorID),
		Timestamp:   record.Time(FieldCreatedAt),
		Provisional: record.Bool(FieldPending),
		Payload:     decodePayload(record),
		Overlay: chatsync.Overlay{
			Reactions: decodeReactions(record.Map(FieldReactions)),
		},
	}
	if editedAt := record.Time(FieldEditedAt); !editedAt.IsZero() {
		message.Overlay.EditedAt = &editedAt
	}

	return message
}

func decodePayload(record chatsync.Record) chatsync.Payload {
	switch chatsync.PayloadKind(record.Text(FieldKind)) {
	case chatsync.PayloadKindMedia:
		return chatsync.MediaPayload{
			URL:      record.Text(FieldMediaURL),
			MIMEType: record.Text(FieldMIMEType),
			Caption:  record.Text(FieldCaption),
		}
	case chatsync.PayloadKindPoll:
		return chatsync.PollPayload{
			Question: record.Text(FieldQuestion),
			Options:  record.Strings(FieldOptions),
			Votes:    decodeVotes(record.Map(FieldVotes)),
		}
	case chatsync.PayloadKindForm:
		return chatsync.FormPayload{
			Title:  record.Text(FieldTitle),
			Fields: decodeFormFields(record.Fields[FieldFormFields]),
		}
	case chatsync.PayloadKindReply:
		return chatsync.ReplyPayload{
			ReplyToID: record.Text(FieldReplyTo),
			Text:      record.Text(FieldText),
		}
	default:
		return chatsync.TextPayload{Text: record.Text(FieldText)}
	}
}

func decodeVotes(raw map[string]any) map[string]int {
	if len(raw) == 0 {
		return nil
	}
	votes := make(map[string]int, len(raw))
	for option, value := range raw {
		votes[option] = chatsync.Record{Fields: map[string]any{"v": value}}.Int("v")
	}

	return votes
}

func decodeFormFields(raw any) []chatsync.FormField {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	fields := make([]chatsync.FormField, 0, len(items))
	for _, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			continue
		}
		field := chatsync.Record{Fields: object}
		if field.Text(FieldName) == "" {
			continue
		}
		fields = append(fields, chatsync.FormField{
			Name:     field.Text(FieldName),
			Label:    field.Text("label"),
			Required: field.Bool("required"),
		})
	}

	return fields
}

// decodeReactions reads {emoji: [user ids]} into emoji order.
func decodeReactions(raw map[string]any) []chatsync.Reaction {
	if len(raw) == 0 {
		return nil
	}
	reactions := make([]chatsync.Reaction, 0, len(raw))
	for emoji := range raw {
		users := chatsync.Record{Fields: raw}.Strings(emoji)
		if len(users) == 0 {
			continue
		}
		reactions = append(reactions, chatsync.Reaction{Emoji: emoji, UserIDs: users})
	}
	sortReactions(reactions)

	return reactions
}

// MessageFields encodes message into the record fields written remotely.
func MessageFields(message chatsync.CachedMessage) map[string]any {
	fields := map[string]any{
		FieldAuthorID:  message.AuthorID,
		FieldCreatedAt: message.Timestamp.UnixMilli(),
	}
	if message.Provisional {
		fields[FieldPending] = true
	}

	switch payload := message.Payload.(type) {
	case chatsync.TextPayload:
		fields[FieldKind] = string(chatsync.PayloadKindText)
		fields[FieldText] = payload.Text
	case chatsync.MediaPayload:
		fields[FieldKind] = string(chatsync.PayloadKindMedia)
		fields[FieldMediaURL] = payload.URL
		fields[FieldMIMEType] = payload.MIMEType
		fields[FieldCaption] = payload.Caption
	case chatsync.PollPayload:
		fields[FieldKind] = string(chatsync.PayloadKindPoll)
		fields[FieldQuestion] = payload.Question
		fields[FieldOptions] = append([]string(nil), payload.Options...)
	case chatsync.FormPayload:
		fields[FieldKind] = string(chatsync.PayloadKindForm)
		fields[FieldTitle] = payload.Title
		encoded := make([]any, 0, len(payload.Fields))
		for _, field := range payload.Fields {
			encoded = append(encoded, map[string]any{
				FieldName:  field.Name,
				"label":    field.Label,
				"required": field.Required,
			})
		}
		fields[FieldFormFields] = encoded
	case chatsync.ReplyPayload:
		fields[FieldKind] = string(chatsync.PayloadKindReply)
		fields[FieldReplyTo] = payload.ReplyToID
		fields[FieldText] = payload.Text
	}

	return fields
}

// DecodeChannel maps a channel record of serverID.
func DecodeChannel(record chatsync.Record, serverID string) chatsync.ChannelDescriptor {
	name := record.Text(FieldName)
	if strings.TrimSpace(name) == "" {
		name = record.ID
	}

	return chatsync.ChannelDescriptor{
		ID:         record.ID,
		ServerID:   serverID,
		Name:       name,
		CategoryID: record.Text(FieldCategoryID),
		Position:   record.Int(FieldPosition),
	}
}

// DecodeServerMeta maps a server record.
func DecodeServerMeta(record chatsync.Record) chatsync.ServerMeta {
	return chatsync.ServerMeta{
		ID:          record.ID,
		Name:        record.Text(FieldName),
		Description: record.Text(FieldDescription),
		IconURL:     record.Text(FieldIconURL),
	}
}

// DecodeProfileRecord maps a user or member record to its raw profile.
func DecodeProfileRecord(record chatsync.Record) chatsync.ProfileRecord {
	id := record.Text(FieldID)
	if id == "" {
		id = record.ID
	}

	return chatsync.ProfileRecord{
		ID:               id,
		DisplayName:      record.Text(FieldDisplayName),
		ProfileName:      record.Text(FieldProfileName),
		Handle:           record.Text(FieldHandle),
		PhotoURL:         record.Text(FieldPhotoURL),
		CachedPhotoURL:   record.Text(FieldCachedPhotoURL),
		ProviderPhotoURL: record.Text(FieldProviderPhotoURL),
	}
}

// DecodeMemberSet folds member records into the four member maps. Profiles
// are normalized with fetchedAt.
func DecodeMemberSet(records []chatsync.Record, fetchedAt time.Time) chatsync.MemberSet {
	set := chatsync.MemberSet{
		Members:  make(map[string]chatsync.MemberSummary, len(records)),
		Profiles: make(map[string]chatsync.ProfileEntry, len(records)),
		Presence: make(map[string]chatsync.Presence, len(records)),
		Roles:    make(map[string]chatsync.Role),
	}
	for _, record := range records {
		userID := record.ID
		if userID == "" {
			continue
		}
		set.Members[userID] = chatsync.MemberSummary{
			UserID:   userID,
			Nickname: record.Text(FieldNickname),
			JoinedAt: int64(record.Int(FieldJoinedAt)),
		}
		profile := DecodeProfileRecord(record)
		profile.ID = userID
		if profile.DisplayName == "" {
			profile.DisplayName = record.Text(FieldNickname)
		}
		set.Profiles[userID] = chatsync.NormalizeProfile(profile, fetchedAt)
		set.Presence[userID] = decodePresence(record.Text(FieldPresence))
		if role := record.Map(FieldRole); role != nil {
			fields := chatsync.Record{Fields: role}
			set.Roles[userID] = chatsync.Role{
				ID:       fields.Text(FieldID),
				Name:     fields.Text(FieldName),
				Color:    fields.Text("color"),
				Position: fields.Int(FieldPosition),
			}
		}
	}

	return set
}

func decodePresence(raw string) chatsync.Presence {
	switch presence := chatsync.Presence(raw); presence {
	case chatsync.PresenceOnline, chatsync.PresenceIdle, chatsync.PresenceBusy:
		return presence
	default:
		return chatsync.PresenceOffline
	}
}

// DecodeTypingEntry maps a typing record.
func DecodeTypingEntry(record chatsync.Record) chatsync.TypingEntry {
	return chatsync.TypingEntry{
		UserID:      record.ID,
		DisplayName: record.Text(FieldDisplayName),
		Timestamp:   record.Time(FieldUpdatedAt),
	}
}

// DecodeChannelUnread maps one record of the viewer's channel unread source.
// Negative counters clamp to zero.
func DecodeChannelUnread(record chatsync.Record) chatsync.ChannelUnread {
	return chatsync.ChannelUnread{
		ChannelID:      record.ID,
		ServerID:       record.Text(FieldServerID),
		Title:          titleOr(record, record.ID),
		High:           count(record, FieldHigh),
		Low:            count(record, FieldLow),
		MentionPreview: record.Text(FieldMentionPreview),
		Preview:        record.Text(FieldPreview),
		LastActivity:   record.Time(FieldLastActivity),
	}
}

// DecodeThreadUnread maps one record of the viewer's followed-thread source.
func DecodeThreadUnread(record chatsync.Record) chatsync.ThreadUnread {
	return chatsync.ThreadUnread{
		ThreadID:     record.ID,
		ChannelID:    record.Text(FieldChannelID),
		ServerID:     record.Text(FieldServerID),
		Title:        titleOr(record, record.ID),
		ChannelTitle: record.Text(FieldChannelTitle),
		Unread:       count(record, FieldUnread),
		Preview:      record.Text(FieldPreview),
		LastActivity: record.Time(FieldLastActivity),
	}
}

// DecodeDirectUnread maps one record of the viewer's direct-message source.
func DecodeDirectUnread(record chatsync.Record) chatsync.DirectUnread {
	return chatsync.DirectUnread{
		ThreadID:     record.ID,
		Title:        titleOr(record, record.ID),
		Unread:       count(record, FieldUnread),
		Preview:      record.Text(FieldPreview),
		LastActivity: record.Time(FieldLastActivity),
	}
}

func titleOr(record chatsync.Record, fallback string) string {
	if title := strings.TrimSpace(record.Text(FieldTitle)); title != "" {
		return title
	}

	return fallback
}

func count(record chatsync.Record, field string) int {
	if value := record.Int(field); value > 0 {
		return value
	}

	return 0
}

func sortReactions(reactions []chatsync.Reaction) {
	sort.Slice(reactions, func(i, j int) bool {
		return reactions[i].Emoji < reactions[j].Emoji
	})
	for i := range reactions {
		sort.Strings(reactions[i].UserIDs)
	}
}
