// Package session owns the client-side set of terminal sessions, their
// bounded output buffers and the single active-session pointer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voiceterm/internal/ringbuf"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxLines         = 1000
	defaultSubscriberBufCap = 100
	defaultCreateTimeout    = 10 * time.Second
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosing  = errors.New("session is closing")
)

// Remote releases and allocates the host-side half of a session.
type Remote interface {
	CreateSession(ctx context.Context, id, name string) error
	CloseSession(ctx context.Context, id string) error
}

// Registry manages terminal sessions. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	order    []string
	activeID string
	closed   map[string]struct{} // ids removed by Close; never re-added
	created  int

	maxLines      int
	remote        Remote
	createTimeout time.Duration
	logger        zerolog.Logger

	subMu       sync.RWMutex
	subscribers map[string]chan Change
}

type entry struct {
	info    Session
	output  *ringbuf.RingBuffer[Line]
	closing bool
	// created is closed once the background host create has returned. It
	// is nil for sessions that never had one.
	created chan struct{}
}

// NewRegistry creates a registry whose sessions keep at most maxLines lines.
// remote may be nil for a registry without a host.
func NewRegistry(maxLines int, remote Remote, logger zerolog.Logger) *Registry {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Registry{
		sessions:      make(map[string]*entry),
		closed:        make(map[string]struct{}),
		maxLines:      maxLines,
		remote:        remote,
		createTimeout: defaultCreateTimeout,
		logger:        logger.With().Str("component", "registry").Logger(),
		subscribers:   make(map[string]chan Change),
	}
}

// MaxLines returns the per-session output bound.
func (r *Registry) MaxLines() int {
	return r.maxLines
}

// Create allocates a new idle session and returns its id. The host-side
// session is requested in the background; if that fails the session stays
// listed with status error.
func (r *Registry) Create(name string) string {
	id := uuid.New().String()

	r.mu.Lock()
	r.created++
	if name == "" {
		name = fmt.Sprintf("Terminal %d", r.created)
	}
	e := &entry{
		info: Session{
			ID:        id,
			Name:      name,
			CreatedAt: time.Now().UTC(),
			Status:    StatusIdle,
		},
		output: ringbuf.New[Line](r.maxLines),
	}
	if r.remote != nil {
		e.created = make(chan struct{})
	}
	r.sessions[id] = e
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Info().Str("session", id).Str("name", name).Msg("session created")
	r.notify(Change{Kind: ChangeCreated, SessionID: id})

	if r.remote != nil {
		go r.createRemote(id, name, e.created)
	}
	return id
}

func (r *Registry) createRemote(id, name string, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithTimeout(context.Background(), r.createTimeout)
	defer cancel()

	if err := r.remote.CreateSession(ctx, id, name); err != nil {
		r.logger.Warn().Err(err).Str("session", id).Msg("remote create failed")
		r.fail(id, fmt.Sprintf("remote create failed: %v", err))
	}
}

// fail marks a session as errored and records why.
func (r *Registry) fail(id, reason string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		e.info.Status = StatusError
		e.output.Write(Line{Content: reason, Source: SourceSystem, Timestamp: time.Now().UTC()})
	}
	r.mu.Unlock()

	if ok {
		r.notify(Change{Kind: ChangeStatus, SessionID: id})
	}
}

// Close releases the host-side session and then removes the local entry.
// Output arriving after Close was requested is dropped. If the remote close
// fails the session stays listed with status error.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.closing {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosing, id)
	}
	e.closing = true
	created := e.created
	r.mu.Unlock()

	// A close that overtakes the host create would leave an orphan behind.
	if created != nil {
		select {
		case <-created:
		case <-ctx.Done():
			r.mu.Lock()
			e.closing = false
			r.mu.Unlock()
			return fmt.Errorf("close session %s: %w", id, ctx.Err())
		}
	}

	if r.remote != nil {
		if err := r.remote.CloseSession(ctx, id); err != nil {
			r.mu.Lock()
			e.closing = false
			r.mu.Unlock()
			r.fail(id, fmt.Sprintf("close failed: %v", err))
			r.logger.Warn().Err(err).Str("session", id).Msg("remote close failed, keeping session")
			return fmt.Errorf("close session %s: %w", id, err)
		}
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.closed[id] = struct{}{}
	idx := r.indexOf(id)
	if idx >= 0 {
		r.order = append(r.order[:idx], r.order[idx+1:]...)
	}
	activeChanged := false
	if r.activeID == id {
		r.activeID = ""
		if len(r.order) > 0 {
			if idx >= len(r.order) {
				idx = len(r.order) - 1
			}
			r.activeID = r.order[idx]
			r.sessions[r.activeID].info.Active = true
		}
		activeChanged = true
	}
	r.mu.Unlock()

	r.logger.Info().Str("session", id).Msg("session closed")
	r.notify(Change{Kind: ChangeClosed, SessionID: id})
	if activeChanged {
		r.notify(Change{Kind: ChangeActive, SessionID: r.activeSnapshot()})
	}
	return nil
}

// AppendOutput appends a line to a session's buffer, evicting the oldest
// line when the buffer is full. It reports whether the line was stored;
// output for unknown, closing or closed sessions is dropped.
func (r *Registry) AppendOutput(id string, line Line) bool {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	e, ok := r.sessions[id]
	if !ok {
		_, wasClosed := r.closed[id]
		r.mu.RUnlock()
		if wasClosed {
			r.logger.Debug().Str("session", id).Msg("dropping output for closed session")
		} else {
			r.logger.Debug().Str("session", id).Msg("dropping output for unknown session")
		}
		return false
	}
	if e.closing {
		r.mu.RUnlock()
		r.logger.Debug().Str("session", id).Msg("dropping output for closing session")
		return false
	}
	e.output.Write(line)
	r.mu.RUnlock()

	r.notify(Change{Kind: ChangeOutput, SessionID: id})
	return true
}

// ClearOutput empties a session's buffer without touching its status.
func (r *Registry) ClearOutput(id string) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	if ok {
		e.output.Clear()
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.notify(Change{Kind: ChangeCleared, SessionID: id})
	return nil
}

// SetStatus updates a session's status. It reports false for unknown or
// closed sessions.
func (r *Registry) SetStatus(id string, status Status) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	changed := ok && e.info.Status != status
	if changed {
		e.info.Status = status
	}
	r.mu.Unlock()

	if changed {
		r.notify(Change{Kind: ChangeStatus, SessionID: id})
	}
	return ok
}

// SetActive makes id the active session. It is a no-op when id is already
// active and logs (without failing) when id does not exist.
func (r *Registry) SetActive(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn().Str("session", id).Msg("set active: session does not exist")
		return
	}
	if r.activeID == id {
		r.mu.Unlock()
		return
	}
	if prev, ok := r.sessions[r.activeID]; ok {
		prev.info.Active = false
	}
	e.info.Active = true
	r.activeID = id
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeActive, SessionID: id})
}

// Active returns the active session id.
func (r *Registry) Active() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID, r.activeID != ""
}

// ActiveContext returns the key of the active context.
func (r *Registry) ActiveContext() (ContextKey, bool) {
	id, ok := r.Active()
	if !ok {
		return "", false
	}
	return ContextFor(id), true
}

func (r *Registry) activeSnapshot() string {
	id, _ := r.Active()
	return id
}

// Next activates the session after the active one, wrapping around.
func (r *Registry) Next() (string, bool) {
	return r.step(1)
}

// Previous activates the session before the active one, wrapping around.
func (r *Registry) Previous() (string, bool) {
	return r.step(-1)
}

func (r *Registry) step(delta int) (string, bool) {
	r.mu.RLock()
	n := len(r.order)
	if n == 0 {
		r.mu.RUnlock()
		return "", false
	}
	idx := r.indexOf(r.activeID)
	var target string
	switch {
	case idx < 0 && delta > 0:
		target = r.order[0]
	case idx < 0:
		target = r.order[n-1]
	default:
		target = r.order[((idx+delta)%n+n)%n]
	}
	r.mu.RUnlock()

	r.SetActive(target)
	return target, true
}

// indexOf must be called with r.mu held.
func (r *Registry) indexOf(id string) int {
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

// Get returns a session by id.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s := e.info
	s.Lines = e.output.Len()
	return s, nil
}

// List returns all sessions in creation order.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		e := r.sessions[id]
		s := e.info
		s.Lines = e.output.Len()
		result = append(result, s)
	}
	return result
}

// Output returns a session's buffered lines in chronological order.
func (r *Registry) Output(id string) ([]Line, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.output.ReadAll(), nil
}

// IsClosed reports whether id was removed by Close.
func (r *Registry) IsClosed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.closed[id]
	return ok
}

// Reconcile applies the host's session list after a (re)connect. Known
// sessions take the host's status, host sessions unknown locally are adopted
// unless they were closed here, and local sessions the host does not know
// are returned so the caller can re-create them.
func (r *Registry) Reconcile(remote []RemoteInfo) []Session {
	seen := make(map[string]bool, len(remote))
	var changes []Change

	r.mu.Lock()
	for _, info := range remote {
		seen[info.ID] = true
		if _, wasClosed := r.closed[info.ID]; wasClosed {
			continue
		}
		if e, ok := r.sessions[info.ID]; ok {
			if e.info.Status != info.Status {
				e.info.Status = info.Status
				changes = append(changes, Change{Kind: ChangeStatus, SessionID: info.ID})
			}
			continue
		}
		createdAt := info.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		r.sessions[info.ID] = &entry{
			info: Session{
				ID:        info.ID,
				Name:      info.Name,
				CreatedAt: createdAt,
				Status:    info.Status,
			},
			output: ringbuf.New[Line](r.maxLines),
		}
		r.order = append(r.order, info.ID)
		changes = append(changes, Change{Kind: ChangeCreated, SessionID: info.ID})
	}

	var missing []Session
	for _, id := range r.order {
		e := r.sessions[id]
		if !seen[id] && !e.closing {
			missing = append(missing, e.info)
		}
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.notify(c)
	}
	r.logger.Info().Int("remote", len(remote)).Int("missing", len(missing)).Msg("registry reconciled")
	return missing
}

// Export returns a copy of every session with its buffered output.
func (r *Registry) Export() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{ActiveID: r.activeID}
	for _, id := range r.order {
		e := r.sessions[id]
		s := e.info
		s.Lines = e.output.Len()
		snap.Sessions = append(snap.Sessions, Record{Session: s, Output: e.output.ReadAll()})
	}
	return snap
}

// Import adds the sessions of a snapshot that are not already present.
// Output beyond MaxLines keeps only the most recent lines.
func (r *Registry) Import(snap Snapshot) int {
	var added []string

	r.mu.Lock()
	for _, rec := range snap.Sessions {
		if rec.ID == "" {
			continue
		}
		if _, exists := r.sessions[rec.ID]; exists {
			continue
		}
		if _, wasClosed := r.closed[rec.ID]; wasClosed {
			continue
		}
		info := rec.Session
		info.Active = false
		info.Lines = 0
		buf := ringbuf.New[Line](r.maxLines)
		for _, l := range rec.Output {
			buf.Write(l)
		}
		r.sessions[rec.ID] = &entry{info: info, output: buf}
		r.order = append(r.order, rec.ID)
		added = append(added, rec.ID)
	}
	r.created += len(added)
	r.mu.Unlock()

	for _, id := range added {
		r.notify(Change{Kind: ChangeCreated, SessionID: id})
	}
	if snap.ActiveID != "" {
		if _, ok := r.Active(); !ok {
			r.SetActive(snap.ActiveID)
		}
	}
	return len(added)
}

// Subscribe returns a channel receiving registry changes. Slow subscribers
// miss changes rather than blocking the registry.
func (r *Registry) Subscribe() (string, <-chan Change) {
	subID := uuid.New().String()
	ch := make(chan Change, defaultSubscriberBufCap)

	r.subMu.Lock()
	r.subscribers[subID] = ch
	r.subMu.Unlock()

	return subID, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Registry) Unsubscribe(subID string) {
	r.subMu.Lock()
	if ch, exists := r.subscribers[subID]; exists {
		close(ch)
		delete(r.subscribers, subID)
	}
	r.subMu.Unlock()
}

// notify sends a change to all subscribers.
func (r *Registry) notify(c Change) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- c:
		default:
			// Subscriber channel full, drop the change.
		}
	}
}
