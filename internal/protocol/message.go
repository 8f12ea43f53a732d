package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the envelope version written by this build. Peers accept
// higher versions and ignore fields they do not know.
const Version = 1

// Message is the envelope for all WebSocket messages.
type Message struct {
	Version   int             `json:"v"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
// A nil payload leaves the payload field empty.
func NewMessage(msgType, sessionID string, payload interface{}) (*Message, error) {
	msg := &Message{
		Version:   Version,
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty payload for %s", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", m.Type, err)
	}
	return nil
}

// Client → Host message types.
const (
	TypeCreateSession = "create-session"
	TypeCloseSession  = "close-session"
	TypeCommand       = "command"
	TypeListSessions  = "list-sessions"
)

// Host → Client message types.
const (
	TypeOutput       = "output"
	TypeStatusChange = "status-change"
	TypeAck          = "ack"
	TypeSessionList  = "session-list"
	TypeError        = "error"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSessionClosed   = "SESSION_CLOSED"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrSpawnFailed     = "SPAWN_FAILED"
)

// Session status values carried by status-change and session-list.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusError   = "error"
)

// Output stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// Host → Client payloads.

type OutputPayload struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

type StatusChangePayload struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

type AckPayload struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type SessionListPayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SessionInfo describes one host-side session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Host payloads.

type CreateSessionPayload struct {
	Name string `json:"name"`
}

type CommandPayload struct {
	Input string `json:"input"`
}

// NewAck builds the ack for requestID. A zero code means success.
func NewAck(requestID, sessionID, code, message string) (*Message, error) {
	msg, err := NewMessage(TypeAck, sessionID, AckPayload{
		OK:    code == "",
		Code:  code,
		Error: message,
	})
	if err != nil {
		return nil, err
	}
	msg.RequestID = requestID
	return msg, nil
}
