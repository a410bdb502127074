package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid new_message frame
// ---------------------------------------------------------------------------

func TestParseServerMessage_NewMessage(t *testing.T) {
	input := []byte(`{"type":"new_message","id":"501","chat_id":"42","sender_id":"u9","body":"hi","message_type":"text","created_at":1700000000}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeNewMessage {
		t.Fatalf("expected type %q, got %q", TypeNewMessage, msgType)
	}

	nm, ok := msg.(NewMessageMsg)
	if !ok {
		t.Fatalf("expected NewMessageMsg, got %T", msg)
	}
	if nm.ID != "501" {
		t.Errorf("expected id %q, got %q", "501", nm.ID)
	}
	if nm.ChatID != "42" {
		t.Errorf("expected chat_id %q, got %q", "42", nm.ChatID)
	}
	if nm.Body != "hi" {
		t.Errorf("expected body %q, got %q", "hi", nm.Body)
	}
	if nm.Kind != KindText {
		t.Errorf("expected message_type %q, got %q", KindText, nm.Kind)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an inbound typing frame carries the user id
// ---------------------------------------------------------------------------

func TestParseServerMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","chat_id":"42","user_id":"u7","is_typing":true}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if tm.UserID != "u7" {
		t.Errorf("expected user_id %q, got %q", "u7", tm.UserID)
	}
	if !tm.IsTyping {
		t.Error("expected is_typing true")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a join_chat client frame
// ---------------------------------------------------------------------------

func TestNewClientMessage_JoinChat(t *testing.T) {
	data, err := NewClientMessage(TypeJoinChat, JoinChatMsg{ChatID: "room-42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeJoinChat {
		t.Errorf("expected type %q, got %v", TypeJoinChat, result["type"])
	}
	if result["chat_id"] != "room-42" {
		t.Errorf("expected chat_id %q, got %v", "room-42", result["chat_id"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown frame type returns an error
// ---------------------------------------------------------------------------

func TestParseServerMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseServerMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown frame type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity for an outbound typing frame
// ---------------------------------------------------------------------------

func TestRoundTrip_TypingFrame(t *testing.T) {
	data, err := NewClientMessage(TypeTyping, TypingMsg{ChatID: "room-7", IsTyping: true})
	if err != nil {
		t.Fatalf("failed to create client frame: %v", err)
	}

	// The broker echoes typing frames back through the same parser.
	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	decoded, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if decoded.ChatID != "room-7" {
		t.Errorf("chat_id mismatch: expected %q, got %q", "room-7", decoded.ChatID)
	}
	if !decoded.IsTyping {
		t.Error("expected is_typing true after round trip")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all broker frame types succeeds
// ---------------------------------------------------------------------------

func TestParseServerMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"new_message", `{"type":"new_message","id":"1","chat_id":"42","body":"hi","message_type":"text"}`, TypeNewMessage},
		{"message_updated", `{"type":"message_updated","id":"1","chat_id":"42","body":"hi!","edited":true,"message_type":"text"}`, TypeMessageUpdated},
		{"message_deleted", `{"type":"message_deleted","chat_id":"42","message_id":"1"}`, TypeMessageDeleted},
		{"typing", `{"type":"typing","chat_id":"42","user_id":"u1","is_typing":false}`, TypeTyping},
		{"user_joined", `{"type":"user_joined","chat_id":"42","user_id":"u1"}`, TypeUserJoined},
		{"user_left", `{"type":"user_left","chat_id":"42","user_id":"u1"}`, TypeUserLeft},
		{"pong", `{"type":"pong","timestamp":1700000000}`, TypePong},
		{"error", `{"type":"error","message":"boom"}`, TypeError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseServerMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: system message detection
// ---------------------------------------------------------------------------

func TestMessage_IsSystem(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"no sender", Message{ID: "1", Body: "escrow released"}, true},
		{"system kind", Message{ID: "2", SenderID: "platform", Kind: KindSystem}, true},
		{"regular text", Message{ID: "3", SenderID: "u1", Kind: KindText}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.IsSystem(); got != tc.want {
				t.Errorf("IsSystem() = %v, want %v", got, tc.want)
			}
		})
	}
}
