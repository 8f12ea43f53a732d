package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→host message types.
var validClientTypes = map[string]bool{
	TypeCreateSession: true,
	TypeCloseSession:  true,
	TypeCommand:       true,
	TypeListSessions:  true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// Validate required fields per type.
	switch msg.Type {
	case TypeCreateSession:
		if msg.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s", msg.Type)
		}
		if len(msg.Payload) > 0 {
			var p CreateSessionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
			}
		}

	case TypeCloseSession:
		if msg.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s", msg.Type)
		}

	case TypeCommand:
		if msg.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s", msg.Type)
		}
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		var p CommandPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
	}

	return &msg, nil
}

// DecodeHostMessage parses a host→client message. It only rejects
// malformed JSON and a missing type; unknown types are returned as-is so
// the caller can ignore them.
func DecodeHostMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, "", ErrorPayload{
		Code:    code,
		Message: message,
	})
}
