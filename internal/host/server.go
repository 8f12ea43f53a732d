package host

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"voiceterm/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 2048
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Local tool; any origin may connect.
	},
}

// Server manages WebSocket connections and routes protocol messages to the
// session manager.
type Server struct {
	mgr    *Manager
	logger zerolog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks output subscriptions per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	server *Server

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewServer creates a host server for mgr.
func NewServer(mgr *Manager, logger zerolog.Logger) *Server {
	return &Server{
		mgr:           mgr,
		logger:        logger.With().Str("component", "host-server").Logger(),
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
}

// RegisterRoutes registers the websocket endpoint and the REST API.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.handleWebSocket)

	e.GET("/health", s.handleHealth)
	e.POST("/sessions", s.handleCreateSession)
	e.GET("/sessions", s.handleListSessions)
	e.GET("/sessions/:id", s.handleGetSession)
	e.GET("/sessions/:id/history", s.handleHistory)
	e.POST("/sessions/:id/commands", s.handleRunCommand)
	e.DELETE("/sessions/:id", s.handleDeleteSession)
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(ctx echo.Context) error {
	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	go c.writePump()
	go c.readPump()
	return nil
}

// enqueue hands data to the write pump. Messages to a full or closed
// client are dropped.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn().Msg("client send buffer full, dropping message")
	}
}

func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.mgr.Unsubscribe(sessionID, subID)
	}

	c.shutdown()
	s.logger.Info().Msg("client disconnected")
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeCreateSession:
		s.handleWSCreate(c, msg)
	case protocol.TypeCloseSession:
		s.handleWSClose(c, msg)
	case protocol.TypeCommand:
		s.handleWSCommand(c, msg)
	case protocol.TypeListSessions:
		s.handleWSList(c)
	}
}

func (s *Server) handleWSCreate(c *client, msg *protocol.Message) {
	var payload protocol.CreateSessionPayload
	if len(msg.Payload) > 0 {
		_ = msg.Decode(&payload)
	}

	_, created, err := s.mgr.Create(msg.SessionID, payload.Name)
	if err != nil {
		code := protocol.ErrSpawnFailed
		if errors.Is(err, ErrMaxSessions) {
			code = protocol.ErrMaxSessions
		}
		s.ack(c, msg, code, err.Error())
		return
	}
	s.ack(c, msg, "", "")

	if created {
		s.subscribeAllClients(msg.SessionID)
	} else {
		s.subscribeClient(c, msg.SessionID)
	}
}

func (s *Server) handleWSClose(c *client, msg *protocol.Message) {
	if err := s.mgr.Close(msg.SessionID); err != nil {
		s.ack(c, msg, codeFor(err), err.Error())
		return
	}
	s.forgetSession(msg.SessionID)
	s.ack(c, msg, "", "")
}

func (s *Server) handleWSCommand(c *client, msg *protocol.Message) {
	var payload protocol.CommandPayload
	if err := msg.Decode(&payload); err != nil {
		s.ack(c, msg, protocol.ErrInvalidMessage, err.Error())
		return
	}

	// Subscribe before running so no output is missed.
	s.subscribeClient(c, msg.SessionID)
	if err := s.mgr.Run(msg.SessionID, payload.Input); err != nil {
		s.ack(c, msg, codeFor(err), err.Error())
		return
	}
	s.ack(c, msg, "", "")
}

// handleWSList answers the resync handshake: the session list first, then
// the buffered history of every session. Clients drop what they have
// already seen by seq.
func (s *Server) handleWSList(c *client) {
	sessions := s.mgr.List()
	list := protocol.SessionListPayload{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
	for _, info := range sessions {
		list.Sessions = append(list.Sessions, info.wire())
	}
	s.sendMessage(c, protocol.TypeSessionList, "", list)

	for _, info := range sessions {
		if s.subscribeClient(c, info.ID) {
			continue
		}
		history, err := s.mgr.History(info.ID)
		if err != nil {
			continue
		}
		for _, ev := range history {
			s.sendEvent(c, ev)
		}
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, ErrClosed):
		return protocol.ErrSessionClosed
	case errors.Is(err, ErrMaxSessions):
		return protocol.ErrMaxSessions
	default:
		return protocol.ErrSpawnFailed
	}
}

// subscribeAllClients subscribes all connected clients to a session.
func (s *Server) subscribeAllClients(sessionID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sessionID)
	}
}

// subscribeClient subscribes a client to a session's events and sends the
// buffered history. It reports whether a new subscription was made.
func (s *Server) subscribeClient(c *client, sessionID string) bool {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return false
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.mgr.Subscribe(sessionID)
	if err != nil {
		return false
	}

	s.subscriptionsMu.Lock()
	subs, ok := s.subscriptions[c]
	if !ok {
		// Client went away meanwhile.
		s.subscriptionsMu.Unlock()
		s.mgr.Unsubscribe(sessionID, subID)
		return false
	}
	if _, exists := subs[sessionID]; exists {
		s.subscriptionsMu.Unlock()
		s.mgr.Unsubscribe(sessionID, subID)
		return false
	}
	subs[sessionID] = subID
	s.subscriptionsMu.Unlock()

	for _, ev := range history {
		s.sendEvent(c, ev)
	}

	go func() {
		for ev := range ch {
			s.sendEvent(c, ev)
		}
	}()
	return true
}

// forgetSession drops subscription bookkeeping for a closed session. The
// manager has already closed the channels.
func (s *Server) forgetSession(sessionID string) {
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()
	for _, subs := range s.subscriptions {
		delete(subs, sessionID)
	}
}

func (s *Server) sendEvent(c *client, ev Event) {
	msg, err := ev.Message()
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (s *Server) sendMessage(c *client, msgType, sessionID string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, sessionID, payload)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

func (s *Server) ack(c *client, req *protocol.Message, code, message string) {
	if code != "" {
		s.logger.Warn().Str("type", req.Type).Str("session", req.SessionID).Str("code", code).Msg(message)
	}
	msg, err := protocol.NewAck(req.RequestID, req.SessionID, code, message)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

// Shutdown disconnects every client and closes all sessions.
func (s *Server) Shutdown() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
	s.mgr.Shutdown()
}
