// Package events is the typed seam between the core and whatever renders it.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name identifies an event kind.
type Name string

const (
	SessionAction   Name = "session-action"
	TerminalAction  Name = "terminal-action"
	VoiceStatus     Name = "voice-status"
	StatusMessage   Name = "status-message"
	ConnectionState Name = "connection-state"
)

// Level grades status messages.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is published on the bus.
type Event struct {
	Name      Name      `json:"name"`
	Action    string    `json:"action,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Parameter string    `json:"parameter,omitempty"`
	Level     Level     `json:"level,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultBufferSize = 64

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) (string, <-chan Event) {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	id := uuid.New().String()
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Status publishes a user-visible status message.
func (b *Bus) Status(level Level, msg string) {
	b.Publish(Event{Name: StatusMessage, Level: level, Parameter: msg})
}
