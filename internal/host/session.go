package host

import (
	"time"

	"voiceterm/internal/protocol"
)

// Info holds metadata and state for one host-side terminal session.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	WorkDir   string    `json:"workDir"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventKind distinguishes output lines from status changes.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventStatus EventKind = "status"
)

// Event is one sequenced thing that happened in a session. Seq increases by
// one per event within a session.
type Event struct {
	SessionID string    `json:"sessionId"`
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Stream    string    `json:"stream,omitempty"`
	Data      string    `json:"data,omitempty"`
	Status    string    `json:"status,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message converts the event into its wire form.
func (e Event) Message() (*protocol.Message, error) {
	var (
		msg *protocol.Message
		err error
	)
	switch e.Kind {
	case EventStatus:
		msg, err = protocol.NewMessage(protocol.TypeStatusChange, e.SessionID, protocol.StatusChangePayload{
			Status:   e.Status,
			ExitCode: e.ExitCode,
		})
	default:
		msg, err = protocol.NewMessage(protocol.TypeOutput, e.SessionID, protocol.OutputPayload{
			Stream: e.Stream,
			Data:   e.Data,
		})
	}
	if err != nil {
		return nil, err
	}
	msg.Seq = e.Seq
	msg.Timestamp = e.Timestamp
	return msg, nil
}

func (i Info) wire() protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:        i.ID,
		Name:      i.Name,
		Status:    i.Status,
		CreatedAt: i.CreatedAt,
	}
}
