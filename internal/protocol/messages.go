// Package protocol defines the WebSocket events exchanged between clients and
// the gateway. Every frame is a JSON object with a "type" discriminator; the
// remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed frame
// whose type is not a client event.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ErrInvalidPayload is returned by ParseClientMessage when the type is known
// but the remaining fields do not decode into its struct.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypePresenceQuery = "presence_query"
	TypeChatSend      = "chat_send"
	TypeChatHistory   = "chat_history"
	TypePing          = "ping"
)

// Server -> Client event types. TypeChatHistory is shared by request and
// response.
const (
	TypeSessionCreated = "session_created"
	TypePresenceAnswer = "presence_answer"
	TypeNotification   = "notification"
	TypeChatMessage    = "chat_message"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeAuthFailed      = "auth_failed"
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidRequest  = "invalid_request"
	CodeInternal        = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// PresenceQueryMsg asks which of the listed users are currently reachable.
type PresenceQueryMsg struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"user_ids"`
}

// ChatSendMsg carries one chat message from the client. Missing fields are
// left at their zero value and rejected by the chat gate's shape check.
type ChatSendMsg struct {
	Type       string `json:"type"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// ChatHistoryMsg requests stored messages exchanged with another user.
// Before is an exclusive unix-millisecond bound; zero means "now".
type ChatHistoryMsg struct {
	Type       string `json:"type"`
	WithUserID string `json:"with_user_id"`
	Before     int64  `json:"before,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg greets an admitted connection.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// PresenceAnswerMsg maps each queried user id to its liveness.
type PresenceAnswerMsg struct {
	Type   string          `json:"type"`
	Online map[string]bool `json:"online"`
}

// NotificationMsg delivers a producer-defined payload. The target user id is
// stripped before delivery.
type NotificationMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMessageMsg is an accepted chat message relayed to the participants.
type ChatMessageMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// ChatHistoryResultMsg answers a ChatHistoryMsg, newest message first.
type ChatHistoryResultMsg struct {
	Type       string           `json:"type"`
	WithUserID string           `json:"with_user_id"`
	Messages   []ChatMessageMsg `json:"messages"`
}

// RateLimitedMsg tells the client its event was dropped by the rate limiter.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg reports a rejection to the originating session only.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes raw frame bytes into a typed client event. An
// error is returned for malformed JSON and for unknown or server-only types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypePresenceQuery:
		var m PresenceQueryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatSend:
		var m ChatSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatHistory:
		var m ChatHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q: %v", ErrInvalidPayload, env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload and forces its "type" field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewError is a shorthand for an encoded ErrorMsg.
func NewError(code, message string) ([]byte, error) {
	return NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
}
