package session

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a terminal session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// ParseStatus maps a wire status to a Status. Unknown values map to idle.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusRunning:
		return StatusRunning
	case StatusError:
		return StatusError
	default:
		return StatusIdle
	}
}

// Source tags where an output line came from.
type Source string

const (
	SourceStdin  Source = "stdin"
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceSystem Source = "system"
)

// ParseSource maps a wire stream name to a Source. Unknown values map to stdout.
func ParseSource(s string) Source {
	switch Source(s) {
	case SourceStdin, SourceStderr, SourceSystem:
		return Source(s)
	default:
		return SourceStdout
	}
}

// Line is a single line of terminal output.
type Line struct {
	Content   string    `json:"content" yaml:"content"`
	Source    Source    `json:"source" yaml:"source"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Session is a point-in-time view of one terminal session.
type Session struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	Status    Status    `json:"status" yaml:"status"`
	Active    bool      `json:"isActive" yaml:"isActive"`
	Lines     int       `json:"lines" yaml:"-"`
}

// RemoteInfo is the host's view of a session, used for resync.
type RemoteInfo struct {
	ID        string
	Name      string
	Status    Status
	CreatedAt time.Time
}

// ContextKey identifies the session that currently receives actions.
type ContextKey string

const contextPrefix = "terminal-"

// ContextFor returns the context key of a session.
func ContextFor(id string) ContextKey {
	return ContextKey(contextPrefix + id)
}

// SessionID returns the session id encoded in the key.
func (k ContextKey) SessionID() string {
	return strings.TrimPrefix(string(k), contextPrefix)
}

// ChangeKind describes what changed in the registry.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeClosed  ChangeKind = "closed"
	ChangeOutput  ChangeKind = "output"
	ChangeCleared ChangeKind = "cleared"
	ChangeStatus  ChangeKind = "status"
	ChangeActive  ChangeKind = "active"
)

// Change is delivered to registry subscribers.
type Change struct {
	Kind      ChangeKind
	SessionID string
}

// Record is a session together with its buffered output.
type Record struct {
	Session `yaml:",inline"`
	Output  []Line `json:"output" yaml:"output"`
}

// Snapshot is an exportable copy of the registry.
type Snapshot struct {
	ActiveID string   `json:"activeId" yaml:"activeId"`
	Sessions []Record `json:"sessions" yaml:"sessions"`
}
