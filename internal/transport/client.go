// Package transport is the client side of the terminal host protocol. It
// keeps a websocket connection alive, queues requests during outages and
// forwards host events to a Sink.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"voiceterm/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the connection state reported through Options.OnState.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	// ErrQueued is returned by Send while disconnected. The message is kept
	// in the outbox and sent after the next successful connect.
	ErrQueued     = errors.New("not connected, message queued")
	ErrAckTimeout = errors.New("no ack from host")
	ErrBufferFull = errors.New("send buffer full")
)

// RemoteError is a request the host refused.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("host: %s: %s", e.Code, e.Message)
}

// Sink receives host events. Calls happen on the connection's read
// goroutine, in arrival order.
type Sink interface {
	ApplyOutput(sessionID string, out protocol.OutputPayload)
	ApplyStatus(sessionID string, status protocol.StatusChangePayload)
	ApplySessionList(sessions []protocol.SessionInfo)
}

// Observer is told about every request round trip.
type Observer interface {
	RecordRoundTrip(latency time.Duration, success bool)
}

// queued is an outbox entry. requestID is empty for fire-and-forget sends.
type queued struct {
	requestID string
	data      []byte
}

// Client is a reconnecting protocol client.
type Client struct {
	opts     Options
	sink     Sink
	observer Observer
	logger   zerolog.Logger

	mu      sync.Mutex
	state   State
	send    chan []byte // nil while disconnected
	outbox  []queued
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	pendMu  sync.Mutex
	pending map[string]chan protocol.AckPayload

	seqMu   sync.Mutex
	lastSeq map[string]uint64
}

// New creates a disconnected client. observer may be nil.
func New(opts Options, sink Sink, observer Observer, logger zerolog.Logger) *Client {
	return &Client{
		opts:     opts.withDefaults(),
		sink:     sink,
		observer: observer,
		logger:   logger.With().Str("component", "transport").Logger(),
		state:    StateDisconnected,
		pending:  make(map[string]chan protocol.AckPayload),
		lastSeq:  make(map[string]uint64),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Info().Str("state", string(s)).Msg("connection state changed")
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Connect starts the connection manager and returns immediately. Progress
// is reported through OnState. Calling Connect while running is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.URL == "" {
		return errors.New("transport: no host url")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, c.done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It is safe to
// call when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		close(done)
	}()

	backoff := c.opts.MinBackoff
	attempts := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			attempts++
			c.logger.Warn().Err(err).Int("attempt", attempts).Dur("backoff", backoff).Msg("dial failed")
			c.setState(StateError)

			if c.opts.MaxAttempts > 0 && attempts >= c.opts.MaxAttempts {
				c.logger.Error().Int("attempts", attempts).Msg("giving up reconnecting")
				if c.opts.OnGiveUp != nil {
					c.opts.OnGiveUp(attempts)
				}
				return
			}
			if !sleep(ctx, backoff) {
				c.setState(StateDisconnected)
				return
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}

		attempts = 0
		backoff = c.opts.MinBackoff
		c.serve(ctx, conn)

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateDisconnected)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// serve runs one connection until it drops or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, c.opts.QueueDepth+16)

	// Resync goes out before anything queued during the outage.
	if resync, err := c.encode(protocol.TypeListSessions, "", "", nil); err == nil {
		send <- resync
	}

	c.mu.Lock()
	for _, q := range c.outbox {
		send <- q.data
	}
	flushed := len(c.outbox)
	c.outbox = nil
	c.send = send
	c.mu.Unlock()

	c.setState(StateConnected)
	if flushed > 0 {
		c.logger.Info().Int("messages", flushed).Msg("flushed outbox")
	}

	writeDone := make(chan struct{})
	go c.writePump(conn, send, writeDone)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.opts.WriteDeadline)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		case <-stop:
		}
	}()

	c.readPump(conn)
	close(stop)

	c.mu.Lock()
	close(c.send)
	c.send = nil
	c.mu.Unlock()

	<-writeDone
	conn.Close()
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.opts.ReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadDeadline))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case data, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("write failed")
				conn.Close()
				drain(send)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				drain(send)
				return
			}
		}
	}
}

// drain consumes send until serve closes it.
func drain(send <-chan []byte) {
	for range send {
	}
}

func (c *Client) handleMessage(raw []byte) {
	msg, err := protocol.DecodeHostMessage(raw)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed host message")
		return
	}

	switch msg.Type {
	case protocol.TypeAck:
		var ack protocol.AckPayload
		if err := msg.Decode(&ack); err != nil {
			c.logger.Warn().Err(err).Msg("bad ack payload")
			return
		}
		c.resolve(msg.RequestID, ack)

	case protocol.TypeOutput:
		if !c.fresh(msg) {
			return
		}
		var out protocol.OutputPayload
		if err := msg.Decode(&out); err != nil {
			c.logger.Warn().Err(err).Str("session", msg.SessionID).Msg("bad output payload")
			return
		}
		c.sink.ApplyOutput(msg.SessionID, out)

	case protocol.TypeStatusChange:
		if !c.fresh(msg) {
			return
		}
		var st protocol.StatusChangePayload
		if err := msg.Decode(&st); err != nil {
			c.logger.Warn().Err(err).Str("session", msg.SessionID).Msg("bad status payload")
			return
		}
		c.sink.ApplyStatus(msg.SessionID, st)

	case protocol.TypeSessionList:
		var list protocol.SessionListPayload
		if err := msg.Decode(&list); err != nil {
			c.logger.Warn().Err(err).Msg("bad session list payload")
			return
		}
		c.sink.ApplySessionList(list.Sessions)

	case protocol.TypeError:
		var e protocol.ErrorPayload
		_ = msg.Decode(&e)
		c.logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("host error")
		if msg.RequestID != "" {
			c.resolve(msg.RequestID, protocol.AckPayload{OK: false, Code: e.Code, Error: e.Message})
		}

	default:
		c.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown message type")
	}
}

// fresh reports whether msg is newer than anything seen for its session.
// Messages without a sequence number are applied in arrival order.
func (c *Client) fresh(msg *protocol.Message) bool {
	if msg.Seq == 0 || msg.SessionID == "" {
		return true
	}
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	if msg.Seq <= c.lastSeq[msg.SessionID] {
		return false
	}
	c.lastSeq[msg.SessionID] = msg.Seq
	return true
}

func (c *Client) forgetSeq(sessionID string) {
	c.seqMu.Lock()
	delete(c.lastSeq, sessionID)
	c.seqMu.Unlock()
}

// resolve hands an ack to its waiting request. Acks for unknown or already
// answered requests are ignored.
func (c *Client) resolve(requestID string, ack protocol.AckPayload) {
	c.pendMu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendMu.Unlock()

	if !ok {
		c.logger.Debug().Str("request", requestID).Msg("ignoring unmatched ack")
		return
	}
	ch <- ack
}

func (c *Client) encode(msgType, sessionID, requestID string, payload interface{}) ([]byte, error) {
	msg, err := protocol.NewMessage(msgType, sessionID, payload)
	if err != nil {
		return nil, err
	}
	msg.RequestID = requestID
	return json.Marshal(msg)
}

// Send writes msg, or queues it while disconnected and returns ErrQueued.
func (c *Client) Send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return c.sendRaw(msg.Type, msg.RequestID, data)
}

func (c *Client) sendRaw(msgType, requestID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.send != nil {
		select {
		case c.send <- data:
			return nil
		default:
			return ErrBufferFull
		}
	}

	if len(c.outbox) >= c.opts.QueueDepth {
		c.outbox = c.outbox[1:]
		c.logger.Warn().Int("depth", c.opts.QueueDepth).Msg("outbox full, dropped oldest message")
	}
	c.outbox = append(c.outbox, queued{requestID: requestID, data: data})
	c.logger.Debug().Str("type", msgType).Int("queued", len(c.outbox)).Msg("queued while disconnected")
	return ErrQueued
}

// withdraw removes a queued request so it is never sent. It reports
// whether the request was still in the outbox.
func (c *Client) withdraw(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.outbox {
		if q.requestID == requestID {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			return true
		}
	}
	return false
}

// Queued returns the number of messages waiting for a connection.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Request sends a session request and waits for its ack. A queued request
// keeps waiting so it can still be acked after a reconnect within
// AckTimeout. A request that fails while still queued is withdrawn, so the
// host never runs something the caller was told failed.
func (c *Client) Request(ctx context.Context, msgType, sessionID string, payload interface{}) error {
	requestID := uuid.New().String()
	data, err := c.encode(msgType, sessionID, requestID, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	ch := make(chan protocol.AckPayload, 1)
	c.pendMu.Lock()
	c.pending[requestID] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, requestID)
		c.pendMu.Unlock()
	}()

	start := time.Now()
	if err := c.sendRaw(msgType, requestID, data); err != nil && !errors.Is(err, ErrQueued) {
		c.observe(start, false)
		return err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		c.observe(start, ack.OK)
		if !ack.OK {
			return &RemoteError{Code: ack.Code, Message: ack.Error}
		}
		return nil
	case <-timer.C:
		c.abandon(requestID, msgType)
		c.observe(start, false)
		return fmt.Errorf("%s for %s: %w", msgType, sessionID, ErrAckTimeout)
	case <-ctx.Done():
		c.abandon(requestID, msgType)
		c.observe(start, false)
		return ctx.Err()
	}
}

func (c *Client) abandon(requestID, msgType string) {
	if c.withdraw(requestID) {
		c.logger.Debug().Str("type", msgType).Str("request", requestID).Msg("withdrew unsent request")
	}
}

func (c *Client) observe(start time.Time, ok bool) {
	if c.observer != nil {
		c.observer.RecordRoundTrip(time.Since(start), ok)
	}
}

// CreateSession asks the host for a session with the given id. The host
// treats repeated creates for one id as a no-op.
func (c *Client) CreateSession(ctx context.Context, id, name string) error {
	c.forgetSeq(id)
	return c.Request(ctx, protocol.TypeCreateSession, id, protocol.CreateSessionPayload{Name: name})
}

// CloseSession releases the host session. A session the host no longer
// knows counts as closed.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	err := c.Request(ctx, protocol.TypeCloseSession, id, nil)
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Code == protocol.ErrSessionNotFound {
		err = nil
	}
	if err == nil {
		c.forgetSeq(id)
	}
	return err
}

// SendCommand runs input in the host session and waits for the host to
// accept it.
func (c *Client) SendCommand(ctx context.Context, id, input string) error {
	return c.Request(ctx, protocol.TypeCommand, id, protocol.CommandPayload{Input: input})
}
