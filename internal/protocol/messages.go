// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
// Server-originated frames always carry a server-assigned timestamp; client
// timestamps are never trusted for ordering.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify = "identify"
	TypeMessage  = "message"
	TypeTyping   = "typing"
	TypePing     = "ping"
)

// Server -> Client message types. TypeMessage and TypeTyping are shared with
// the client constants above: the server relays them with sender identity and
// a timestamp attached.
const (
	TypeConnected  = "connected"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypePresence   = "presence"
	TypeError      = "error"
	TypePong       = "pong"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// IdentifyMsg is sent by the client to associate a user identity with the
// current session. A subsequent identify overwrites the previous identity.
type IdentifyMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

// ChatMsg is a text message sent by the client to the room.
type ChatMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server when a new session is established.
type ConnectedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ServerChatMsg is a chat message relayed by the server with the sender's
// identity attached.
type ServerChatMsg struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	SenderID   int64  `json:"senderId"`
	SenderName string `json:"senderName"`
}

// ServerTypingMsg relays a user's typing indicator to other clients.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceMsg announces that a user went online or offline.
type PresenceMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	Status   string `json:"status"` // online | offline
}

// UserJoinedMsg announces a newly identified user to the other sessions.
type UserJoinedMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

// UserLeftMsg announces that an identified user's session ended.
type UserLeftMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
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
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType and a server-assigned RFC 3339 timestamp are injected into the
// payload; any client-supplied timestamp is discarded. The payload should be
// one of the Server*Msg structs.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return newServerMessageAt(msgType, payload, time.Now().UTC())
}

func newServerMessageAt(msgType string, payload interface{}, now time.Time) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// and "timestamp" fields are present and server-controlled.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType
	m["timestamp"] = now.Format(time.RFC3339Nano)

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
