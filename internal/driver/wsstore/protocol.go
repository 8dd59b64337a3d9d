// Package wsstore carries the chatsync remote store protocol over a
// websocket: Client implements chatsync.RemoteStore against a remote
// endpoint and Server exposes any chatsync.RemoteStore to such clients.
package wsstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/pkg/chatsync"
)

// MessageType identifies one websocket frame.
type MessageType string

const (
	// Client -> server. The envelope id correlates the reply.
	TypeRead        MessageType = "read"
	TypeQuery       MessageType = "query"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeWrite       MessageType = "write"
	TypeDelete      MessageType = "delete"

	// Server -> client. Change and error frames of a live subscription carry
	// the id of the subscribe request.
	TypeResult MessageType = "result"
	TypeChange MessageType = "change"
	TypeError  MessageType = "error"
)

// Envelope wraps every frame with its type and correlation id.
type Envelope struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReadRequest is the payload of TypeRead.
type ReadRequest struct {
	Path       string `json:"path"`
	CacheFirst bool   `json:"cache_first,omitempty"`
}

// ReadResult answers TypeRead.
type ReadResult struct {
	Record chatsync.Record `json:"record"`
	Found  bool            `json:"found"`
}

// QueryRequest is the payload of TypeQuery.
type QueryRequest struct {
	Query chatsync.Query `json:"query"`
}

// QueryResult answers TypeQuery.
type QueryResult struct {
	Records []chatsync.Record `json:"records"`
}

// SubscribeRequest is the payload of TypeSubscribe.
type SubscribeRequest struct {
	Target chatsync.Target `json:"target"`
}

// WriteRequest is the payload of TypeWrite.
type WriteRequest struct {
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
}

// DeleteRequest is the payload of TypeDelete.
type DeleteRequest struct {
	Path string `json:"path"`
}

// Error codes carried by TypeError frames.
const (
	CodeBadRequest    = "bad_request"
	CodeInvalidTarget = "invalid_target"
	CodeInvalidScope  = "invalid_scope"
	CodeNotFound      = "not_found"
	CodeClosed        = "closed"
	CodeInternal      = "internal"
)

// ErrorMessage is the payload of TypeError.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is a failure reported by the server. It unwraps to the
// matching chatsync sentinel when the code has one.
type RemoteError struct {
	Code    string
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Unwrap maps the code to its sentinel.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeInvalidTarget:
		return chatsync.ErrInvalidTarget
	case CodeInvalidScope:
		return chatsync.ErrInvalidScope
	case CodeNotFound:
		return chatsync.ErrNotFound
	case CodeClosed:
		return chatsync.ErrStoreClosed
	default:
		return nil
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chatsync.ErrInvalidTarget):
		return CodeInvalidTarget
	case errors.Is(err, chatsync.ErrInvalidScope):
		return CodeInvalidScope
	case errors.Is(err, chatsync.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, chatsync.ErrStoreClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}

func newEnvelope(messageType MessageType, id string, payload any) (Envelope, error) {
	envelope := Envelope{Type: messageType, ID: id}
	if payload == nil {
		return envelope, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", messageType, err)
	}
	envelope.Data = data

	return envelope, nil
}

func encodeEnvelope(messageType MessageType, id string, payload any) ([]byte, error) {
	envelope, err := newEnvelope(messageType, id, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", messageType, err)
	}

	return data, nil
}

func decodeRemoteError(data json.RawMessage) error {
	var message ErrorMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return &RemoteError{Code: CodeInternal, Message: "malformed error frame"}
	}

	return &RemoteError{Code: message.Code, Message: message.Message}
}
