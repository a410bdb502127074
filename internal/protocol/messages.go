// Package protocol defines the WebSocket frame types and structures exchanged
// between the chat client and the marketplace message broker. All frames are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Broker frame types.
const (
	TypeJoinChat  = "join_chat"
	TypeLeaveChat = "leave_chat"
	TypeTyping    = "typing"
	TypePing      = "ping"
)

// Broker -> Client frame types. TypeTyping is shared: the broker relays
// typing frames with the originating user_id filled in.
const (
	TypeNewMessage     = "new_message"
	TypeMessageUpdated = "message_updated"
	TypeMessageDeleted = "message_deleted"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypePong           = "pong"
	TypeError          = "error"
)

// Message kind values carried in the "message_type" field.
const (
	KindText   = "text"
	KindImage  = "image"
	KindFile   = "file"
	KindSystem = "system"
)

// ---------------------------------------------------------------------------
// Data model
// ---------------------------------------------------------------------------

// Message is the authoritative message record as pushed by the broker. The ID
// is server-assigned and is the sole dedup key; SenderID is empty for system
// messages.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id,omitempty"`
	Body      string `json:"body"`
	Kind      string `json:"message_type"`
	Edited    bool   `json:"edited,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// IsSystem reports whether the message was generated by the platform rather
// than a participant.
func (m *Message) IsSystem() bool {
	return m.SenderID == "" || m.Kind == KindSystem
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw frame for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
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
// Client -> Broker frame structs
// ---------------------------------------------------------------------------

// JoinChatMsg subscribes the connection to push events for a chat.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// LeaveChatMsg unsubscribes the connection from a chat.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// TypingMsg carries a typing indicator. Outbound frames omit UserID (the
// broker knows the sender); inbound frames have it filled in.
type TypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Broker -> Client frame structs
// ---------------------------------------------------------------------------

// NewMessageMsg delivers an authoritative message to subscribed clients.
type NewMessageMsg struct {
	Type string `json:"type"`
	Message
}

// MessageUpdatedMsg delivers an edit to a previously delivered message. The
// embedded Message carries the full post-edit record.
type MessageUpdatedMsg struct {
	Type string `json:"type"`
	Message
}

// MessageDeletedMsg marks a message as removed.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// UserJoinedMsg announces a participant joining a chat.
type UserJoinedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

// UserLeftMsg announces a participant leaving a chat.
type UserLeftMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

// PongMsg is the broker's response to a client ping.
type PongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMsg is sent by the broker to communicate an application-level error
// condition. It does not terminate the connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses raw WebSocket bytes into a typed broker frame.
// It returns the frame type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or client-only
// frame types.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageUpdated:
		var m MessageUpdatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageDeleted:
		var m MessageDeletedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserJoined:
		var m UserJoinedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserLeft:
		var m UserLeftMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewClientMessage creates a JSON-encoded byte slice for a client frame. The
// msgType is injected into the payload under the "type" key. The payload
// should be one of the client frame structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client frame: %w", err)
	}
	return out, nil
}
