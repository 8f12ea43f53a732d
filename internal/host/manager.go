// Package host is the terminal host: it owns shell processes for each
// session and serves them over the websocket protocol.
package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"voiceterm/internal/protocol"
	"voiceterm/internal/ringbuf"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultScannerBufSize   = 1024 * 1024 // 1 MB
	defaultHistorySize      = 1000
	defaultSubscriberBufCap = 100
	defaultShell            = "/bin/sh"
	defaultMaxSessions      = 10
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrClosed      = errors.New("session closed")
	ErrMaxSessions = errors.New("maximum session limit reached")
	ErrBusy        = errors.New("a command is already running")
)

// Config configures a Manager.
type Config struct {
	Shell       string
	WorkDir     string
	MaxSessions int
	HistorySize int
}

// Manager manages host-side sessions and the commands they run.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession
	order    []string

	cfg    Config
	logger zerolog.Logger
}

type managedSession struct {
	mu      sync.Mutex // orders seq, history and fan-out
	info    Info
	seq     uint64
	history *ringbuf.RingBuffer[Event]
	cancel  context.CancelFunc // non-nil while a command runs
	closed  bool

	subMu       sync.RWMutex
	subscribers map[string]chan Event
}

// NewManager creates a new session manager.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	return &Manager{
		sessions: make(map[string]*managedSession),
		cfg:      cfg,
		logger:   logger.With().Str("component", "host").Logger(),
	}
}

// Create registers a session. Creating an id that already exists returns
// the existing session with created=false. An empty id gets a fresh uuid.
func (m *Manager) Create(id, name string) (Info, bool, error) {
	workDir := m.cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Info{}, false, fmt.Errorf("resolve working directory: %w", err)
		}
		workDir = wd
	}
	info, err := os.Stat(workDir)
	if err != nil {
		return Info{}, false, fmt.Errorf("working directory does not exist: %s", workDir)
	}
	if !info.IsDir() {
		return Info{}, false, fmt.Errorf("path is not a directory: %s", workDir)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if ms, ok := m.sessions[id]; ok {
			return ms.snapshot(), false, nil
		}
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return Info{}, false, fmt.Errorf("%w (%d)", ErrMaxSessions, m.cfg.MaxSessions)
	}

	if id == "" {
		id = uuid.New().String()
	}
	if name == "" {
		name = id
	}
	ms := &managedSession{
		info: Info{
			ID:        id,
			Name:      name,
			Status:    protocol.StatusIdle,
			WorkDir:   workDir,
			CreatedAt: time.Now().UTC(),
		},
		history:     ringbuf.New[Event](m.cfg.HistorySize),
		subscribers: make(map[string]chan Event),
	}
	m.sessions[id] = ms
	m.order = append(m.order, id)

	m.logger.Info().Str("session", id).Str("name", name).Msg("session created")
	return ms.info, true, nil
}

func (ms *managedSession) snapshot() Info {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.info
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms, nil
}

// Run starts `shell -c input` in the session's working directory. It
// returns once the process has started; output and the exit status arrive
// as events.
func (m *Manager) Run(id, input string) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	if ms.cancel != nil {
		ms.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, m.cfg.Shell, "-c", input)
	cmd.Dir = ms.info.WorkDir

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		ms.mu.Unlock()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		ms.mu.Unlock()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		ms.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", m.cfg.Shell, err)
	}
	ms.cancel = cancel
	ms.info.Status = protocol.StatusRunning
	m.emitLocked(ms, Event{Kind: EventStatus, Status: protocol.StatusRunning})
	ms.mu.Unlock()

	m.logger.Debug().Str("session", id).Str("input", input).Msg("command started")

	var wg sync.WaitGroup
	wg.Add(2)
	go m.scanOutput(ms, stdoutPipe, protocol.StreamStdout, &wg)
	go m.scanOutput(ms, stderrPipe, protocol.StreamStderr, &wg)
	go m.waitForExit(ms, cmd, cancel, &wg)

	return nil
}

// scanOutput reads lines from a pipe and emits them as output events.
func (m *Manager) scanOutput(ms *managedSession, pipe io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		m.emit(ms, Event{Kind: EventOutput, Stream: stream, Data: scanner.Text()})
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		m.logger.Warn().Err(err).Str("session", ms.info.ID).Str("stream", stream).Msg("scanner error")
	}
}

// waitForExit waits for the command to finish and reports its exit status.
func (m *Manager) waitForExit(ms *managedSession, cmd *exec.Cmd, cancel context.CancelFunc, wg *sync.WaitGroup) {
	// Pipes must be drained before Wait.
	wg.Wait()
	err := cmd.Wait()
	cancel()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	status := protocol.StatusIdle
	if exitCode != 0 {
		status = protocol.StatusError
	}

	ms.mu.Lock()
	ms.cancel = nil
	ms.info.Status = status
	m.emitLocked(ms, Event{Kind: EventStatus, Status: status, ExitCode: &exitCode})
	ms.mu.Unlock()

	m.logger.Debug().Str("session", ms.info.ID).Int("exit_code", exitCode).Msg("command finished")
}

func (m *Manager) emit(ms *managedSession, ev Event) {
	ms.mu.Lock()
	m.emitLocked(ms, ev)
	ms.mu.Unlock()
}

// emitLocked sequences ev, records it and fans it out. ms.mu must be held.
func (m *Manager) emitLocked(ms *managedSession, ev Event) {
	if ms.closed {
		return
	}
	ms.seq++
	ev.SessionID = ms.info.ID
	ev.Seq = ms.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ms.history.Write(ev)

	ms.subMu.RLock()
	defer ms.subMu.RUnlock()
	for _, ch := range ms.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (Info, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return ms.snapshot(), nil
}

// List returns all sessions in creation order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*managedSession, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.RUnlock()

	result := make([]Info, 0, len(sessions))
	for _, ms := range sessions {
		result = append(result, ms.snapshot())
	}
	return result
}

// Close kills any running command and removes the session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	ms.mu.Lock()
	ms.closed = true
	if ms.cancel != nil {
		ms.cancel()
	}
	ms.mu.Unlock()

	ms.subMu.Lock()
	for subID, ch := range ms.subscribers {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()

	m.logger.Info().Str("session", id).Msg("session closed")
	return nil
}

// Subscribe creates a channel that receives events for a session together
// with the buffered history. The channel is closed when the session closes.
func (m *Manager) Subscribe(id string) (string, <-chan Event, []Event, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	// Hold ms.mu so no event lands between the history read and the
	// subscription.
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	history := ms.history.ReadAll()

	ms.subMu.Lock()
	ms.subscribers[subID] = ch
	ms.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a session.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// History returns the buffered events of a session.
func (m *Manager) History(id string) ([]Event, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return ms.history.ReadAll(), nil
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Close(id)
	}
}
