package transport

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultQueueDepth    = 256
	defaultAckTimeout    = 5 * time.Second
	defaultMinBackoff    = 500 * time.Millisecond
	defaultMaxBackoff    = 30 * time.Second
	defaultPingInterval  = 30 * time.Second
	defaultReadDeadline  = 60 * time.Second
	defaultWriteDeadline = 10 * time.Second
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	URL string

	// QueueDepth bounds the outbox used while disconnected. When full the
	// oldest queued message is dropped.
	QueueDepth int
	AckTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxAttempts stops reconnecting after that many consecutive failed
	// dials. Zero keeps trying.
	MaxAttempts int

	PingInterval  time.Duration
	ReadDeadline  time.Duration
	WriteDeadline time.Duration

	// OnState is called on every connection state change.
	OnState func(State)
	// OnGiveUp is called once when MaxAttempts is exhausted. The client
	// stays in StateError and stops dialing.
	OnGiveUp func(attempts int)

	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = defaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = defaultMaxBackoff
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ReadDeadline <= 0 {
		o.ReadDeadline = defaultReadDeadline
	}
	if o.ReadDeadline <= o.PingInterval {
		o.ReadDeadline = 2 * o.PingInterval
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = defaultWriteDeadline
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}
