package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadKind discriminates message payload variants.
type PayloadKind string

const (
	// PayloadKindText is a plain text body.
	PayloadKindText PayloadKind = "text"
	// PayloadKindMedia references an uploaded image, GIF, video or file.
	PayloadKindMedia PayloadKind = "media"
	// PayloadKindPoll is a structured poll.
	PayloadKindPoll PayloadKind = "poll"
	// PayloadKindForm is a structured form.
	PayloadKindForm PayloadKind = "form"
	// PayloadKindReply is a text body replying to another message.
	PayloadKindReply PayloadKind = "reply"
)

// Payload is the tagged union of message bodies. The set of variants is
// closed; switch on the concrete type or on Kind.
type Payload interface {
	Kind() PayloadKind
	clonePayload() Payload
}

// TextPayload is a plain text body.
type TextPayload struct {
	Text string
}

// MediaPayload references externally stored media.
type MediaPayload struct {
	URL      string
	MIMEType string
	Caption  string
}

// PollPayload is a structured poll body.
type PollPayload struct {
	Question string
	Options  []string
	Votes    map[string]int
}

// FormPayload is a structured form body.
type FormPayload struct {
	Title  string
	Fields []FormField
}

// FormField is one field of a FormPayload.
type FormField struct {
	Name     string
	Label    string
	Required bool
}

// ReplyPayload is a text body that references an earlier message.
type ReplyPayload struct {
	ReplyToID string
	Text      string
}

func (TextPayload) Kind() PayloadKind  { return PayloadKindText }
func (MediaPayload) Kind() PayloadKind { return PayloadKindMedia }
func (PollPayload) Kind() PayloadKind  { return PayloadKindPoll }
func (FormPayload) Kind() PayloadKind  { return PayloadKindForm }
func (ReplyPayload) Kind() PayloadKind { return PayloadKindReply }

func (p TextPayload) clonePayload() Payload  { return p }
func (p MediaPayload) clonePayload() Payload { return p }
func (p ReplyPayload) clonePayload() Payload { return p }

func (p PollPayload) clonePayload() Payload {
	cloned := p
	cloned.Options = append([]string(nil), p.Options...)
	if p.Votes != nil {
		cloned.Votes = make(map[string]int, len(p.Votes))
		for option, votes := range p.Votes {
			cloned.Votes[option] = votes
		}
	}

	return cloned
}

func (p FormPayload) clonePayload() Payload {
	cloned := p
	cloned.Fields = append([]FormField(nil), p.Fields...)

	return cloned
}

// PreviewText renders a short human-readable summary of a payload.
func PreviewText(payload Payload) string {
	switch typed := payload.(type) {
	case TextPayload:
		return typed.Text
	case ReplyPayload:
		return typed.Text
	case MediaPayload:
		if typed.Caption != "" {
			return typed.Caption
		}
		return "[media]"
	case PollPayload:
		return "[poll] " + typed.Question
	case FormPayload:
		return "[form] " + typed.Title
	default:
		return ""
	}
}

// Reaction is one emoji reaction aggregate on a message.
type Reaction struct {
	Emoji   string
	UserIDs []string
}

// Overlay holds the mutable decorations of a message.
type Overlay struct {
	Reactions []Reaction
	EditedAt  *time.Time
}

// CachedMessage is one message held in a channel or direct-thread scope.
type CachedMessage struct {
	ID       string
	ScopeID  string
	AuthorID string
	// Timestamp orders messages within a scope. It is store-assigned, or
	// client-assigned while Provisional is true.
	Timestamp   time.Time
	Provisional bool
	Payload     Payload
	Overlay     Overlay
}

// CloneMessage returns a deep copy of message.
func CloneMessage(message CachedMessage) CachedMessage {
	cloned := message
	if message.Payload != nil {
		cloned.Payload = message.Payload.clonePayload()
	}
	if len(message.Overlay.Reactions) > 0 {
		cloned.Overlay.Reactions = make([]Reaction, len(message.Overlay.Reactions))
		for i, reaction := range message.Overlay.Reactions {
			cloned.Overlay.Reactions[i] = Reaction{
				Emoji:   reaction.Emoji,
				UserIDs: append([]string(nil), reaction.UserIDs...),
			}
		}
	}
	if message.Overlay.EditedAt != nil {
		editedAt := *message.Overlay.EditedAt
		cloned.Overlay.EditedAt = &editedAt
	}

	return cloned
}

// MessageBefore orders messages by timestamp, then id.
func MessageBefore(a, b CachedMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}

	return a.ID < b.ID
}

type messageJSON struct {
	ID          string          `json:"id"`
	ScopeID     string          `json:"scope_id"`
	AuthorID    string          `json:"author_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Provisional bool            `json:"provisional,omitempty"`
	Kind        PayloadKind     `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Reactions   []Reaction      `json:"reactions,omitempty"`
	EditedAt    *time.Time      `json:"edited_at,omitempty"`
}

// MarshalJSON encodes the payload variant alongside its kind tag.
func (m CachedMessage) MarshalJSON() ([]byte, error) {
	encoded := messageJSON{
		ID:          m.ID,
		ScopeID:     m.ScopeID,
		AuthorID:    m.AuthorID,
		Timestamp:   m.Timestamp,
		Provisional: m.Provisional,
		Reactions:   m.Overlay.Reactions,
		EditedAt:    m.Overlay.EditedAt,
	}
	if m.Payload != nil {
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal message %s payload: %w", m.ID, err)
		}
		encoded.Kind = m.Payload.Kind()
		encoded.Payload = raw
	}

	return json.Marshal(encoded)
}

// UnmarshalJSON decodes a message produced by MarshalJSON.
func (m *CachedMessage) UnmarshalJSON(data []byte) error {
	var decoded messageJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	payload, err := decodePayloadJSON(decoded.Kind, decoded.Payload)
	if err != nil {
		return fmt.Errorf("unmarshal message %s: %w", decoded.ID, err)
	}

	*m = CachedMessage{
		ID:          decoded.ID,
		ScopeID:     decoded.ScopeID,
		AuthorID:    decoded.AuthorID,
		Timestamp:   decoded.Timestamp,
		Provisional: decoded.Provisional,
		Payload:     payload,
		Overlay: Overlay{
			Reactions: decoded.Reactions,
			EditedAt:  decoded.EditedAt,
		},
	}

	return nil
}

func decodePayloadJSON(kind PayloadKind, raw json.RawMessage) (Payload, error) {
	if kind == "" {
		return nil, nil
	}

	var (
		payload Payload
		err     error
	)
	switch kind {
	case PayloadKindText:
		var typed TextPayload
		err = json.Unmarshal(raw, &typed)
		payload = typed
	case PayloadKindMedia:
		var typed MediaPayload
		err = json.Unmarshal(raw, &typed)
		payload = typed
	case PayloadKindPoll:
		var typed PollPayload
		err = json.Unmarshal(raw, &typed)
		payload = typed
	case PayloadKindForm:
		var typed FormPayload
		err = json.Unmarshal(raw, &typed)
		payload = typed
	case PayloadKindReply:
		var typed ReplyPayload
		err = json.Unmarshal(raw, &typed)
		payload = typed
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}

	return payload, nil
}
