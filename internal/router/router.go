// Package router is the single source of truth for what an action means,
// whether it came from voice, a key binding or the control API.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiceterm/internal/events"
	"voiceterm/internal/session"
)

var (
	ErrNoActiveContext  = errors.New("no active session")
	ErrNoSessions       = errors.New("no sessions")
	ErrMissingParameter = errors.New("missing parameter")
	ErrNoSearch         = errors.New("no search matches")
	ErrNoSelection      = errors.New("nothing selected")
	ErrUnavailable      = errors.New("not available")
)

// Sessions is the part of the session registry the router drives.
type Sessions interface {
	Create(name string) string
	Close(ctx context.Context, id string) error
	Get(id string) (session.Session, error)
	SetActive(id string)
	ActiveContext() (session.ContextKey, bool)
	Next() (string, bool)
	Previous() (string, bool)
	AppendOutput(id string, line session.Line) bool
	ClearOutput(id string) error
	Output(id string) ([]session.Line, error)
}

// Commander sends a command line to the remote session and waits for the
// host to accept it.
type Commander interface {
	SendCommand(ctx context.Context, sessionID, input string) error
}

// VoiceToggler starts or stops voice recognition.
type VoiceToggler interface {
	ToggleVoice()
}

// Recorder observes dispatch outcomes.
type Recorder interface {
	RecordCommand(latency time.Duration, success bool)
	RecordUnmatched()
}

// searchState is the per-session search cursor.
type searchState struct {
	query  string
	cursor int
}

// Router dispatches actions against the active session.
type Router struct {
	sessions  Sessions
	commander Commander
	metrics   Recorder
	bus       *events.Bus
	logger    zerolog.Logger

	mu      sync.RWMutex
	grammar *Grammar
	voice   VoiceToggler

	searchMu sync.Mutex
	searches map[string]*searchState
}

// New creates a router using the built-in grammar.
func New(sessions Sessions, commander Commander, metrics Recorder, bus *events.Bus, logger zerolog.Logger) *Router {
	return &Router{
		sessions:  sessions,
		commander: commander,
		metrics:   metrics,
		bus:       bus,
		logger:    logger.With().Str("component", "router").Logger(),
		grammar:   DefaultGrammar(),
		searches:  make(map[string]*searchState),
	}
}

// SetGrammar swaps the phrase grammar. In-flight matches finish against the
// grammar they started with.
func (r *Router) SetGrammar(g *Grammar) {
	if g == nil {
		g = DefaultGrammar()
	}
	r.mu.Lock()
	r.grammar = g
	r.mu.Unlock()
}

// Grammar returns the current grammar.
func (r *Router) Grammar() *Grammar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grammar
}

// SetVoiceToggler wires the voice-input action.
func (r *Router) SetVoiceToggler(v VoiceToggler) {
	r.mu.Lock()
	r.voice = v
	r.mu.Unlock()
}

// ProcessVoiceCommand matches a final transcript and dispatches the action.
// It reports whether a rule matched; unmatched transcripts only reach
// telemetry.
func (r *Router) ProcessVoiceCommand(ctx context.Context, transcript string) bool {
	action, ok := r.Grammar().Match(transcript)
	if !ok {
		r.logger.Info().Str("transcript", transcript).Msg("unmatched voice command")
		if r.metrics != nil {
			r.metrics.RecordUnmatched()
		}
		r.status(events.LevelInfo, fmt.Sprintf("Not recognised: %q", transcript))
		return false
	}

	r.logger.Debug().
		Str("transcript", transcript).
		Str("action", string(action.Token())).
		Str("parameter", parameterOf(action)).
		Msg("voice command matched")

	// The outcome is logged and counted by DispatchAction.
	_ = r.DispatchAction(ctx, action)
	return true
}

// DispatchToken parses a token from a non-voice source and dispatches it.
// Unknown tokens are logged and ignored without being counted.
func (r *Router) DispatchToken(ctx context.Context, token Token, param string) error {
	action, err := ParseAction(token, param)
	if err != nil {
		r.logger.Warn().Str("action", string(token)).Msg("ignoring unknown action")
		r.status(events.LevelWarning, fmt.Sprintf("Unknown action %q", token))
		return err
	}
	return r.DispatchAction(ctx, action)
}

// DispatchAction resolves the active session once and runs the action
// against it. Every call is recorded in the metrics tracker.
func (r *Router) DispatchAction(ctx context.Context, action Action) error {
	start := time.Now()

	target := ""
	if action.Targeted() {
		key, ok := r.sessions.ActiveContext()
		if !ok {
			r.logger.Warn().Str("action", string(action.Token())).Msg("dropping action: no active session")
			r.status(events.LevelWarning, fmt.Sprintf("No active session for %s", action.Token()))
			r.record(start, false)
			return ErrNoActiveContext
		}
		target = key.SessionID()
	}

	err := r.execute(ctx, action, target)
	r.record(start, err == nil)

	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("action", string(action.Token())).
			Str("session", target).
			Msg("action failed")
		r.status(events.LevelError, fmt.Sprintf("%s failed: %v", action.Token(), err))
		return err
	}

	r.logger.Debug().
		Str("action", string(action.Token())).
		Str("session", target).
		Dur("latency", time.Since(start)).
		Msg("action dispatched")
	return nil
}

func (r *Router) execute(ctx context.Context, action Action, target string) error {
	switch a := action.(type) {
	case NewSession:
		id := r.sessions.Create(strings.TrimSpace(a.Name))
		r.sessions.SetActive(id)
		r.publish(events.SessionAction, a, id, a.Name)
		return nil

	case CloseSession:
		if err := r.sessions.Close(ctx, target); err != nil {
			return err
		}
		r.dropSearch(target)
		r.publish(events.SessionAction, a, target, "")
		return nil

	case NextSession:
		return r.step(a, r.sessions.Next)

	case PreviousSession:
		return r.step(a, r.sessions.Previous)

	case SplitSession:
		name := ""
		parent := ""
		if key, ok := r.sessions.ActiveContext(); ok {
			parent = key.SessionID()
			if s, err := r.sessions.Get(parent); err == nil {
				name = s.Name + " (split)"
			}
		}
		id := r.sessions.Create(name)
		r.sessions.SetActive(id)
		r.publish(events.SessionAction, a, id, parent)
		return nil

	case ScrollUp, ScrollDown, ScrollTop, ScrollBottom, Focus:
		if _, err := r.sessions.Get(target); err != nil {
			return err
		}
		r.publish(events.TerminalAction, a, target, "")
		return nil

	case VoiceInput:
		r.mu.RLock()
		v := r.voice
		r.mu.RUnlock()
		if v == nil {
			return fmt.Errorf("voice input: %w", ErrUnavailable)
		}
		v.ToggleVoice()
		r.publish(events.TerminalAction, a, target, "")
		return nil

	case Clear:
		if err := r.sessions.ClearOutput(target); err != nil {
			return err
		}
		r.dropSearch(target)
		r.publish(events.TerminalAction, a, target, "")
		return nil

	case Execute:
		return r.runCommand(ctx, a, target)

	case CopyAll:
		lines, err := r.sessions.Output(target)
		if err != nil {
			return err
		}
		text := make([]string, len(lines))
		for i, l := range lines {
			text[i] = l.Content
		}
		r.publish(events.TerminalAction, a, target, strings.Join(text, "\n"))
		return nil

	case CopySelection:
		line, _, err := r.currentMatch(target)
		if err != nil {
			return ErrNoSelection
		}
		r.publish(events.TerminalAction, a, target, line)
		return nil

	case Search:
		return r.search(a, target)

	case SearchNext:
		return r.cycle(a, target, 1)

	case SearchPrevious:
		return r.cycle(a, target, -1)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, action)
	}
}

func (r *Router) step(a Action, move func() (string, bool)) error {
	id, ok := move()
	if !ok {
		return ErrNoSessions
	}
	r.sessions.SetActive(id)
	r.publish(events.SessionAction, a, id, "")
	return nil
}

func (r *Router) runCommand(ctx context.Context, a Execute, target string) error {
	input := strings.TrimSpace(a.Command)
	if input == "" {
		return fmt.Errorf("execute: %w", ErrMissingParameter)
	}
	if r.commander == nil {
		return fmt.Errorf("execute: %w", ErrUnavailable)
	}

	if !r.sessions.AppendOutput(target, session.Line{
		Content:   input,
		Source:    session.SourceStdin,
		Timestamp: time.Now().UTC(),
	}) {
		return fmt.Errorf("execute in %s: %w", target, session.ErrNotFound)
	}

	if err := r.commander.SendCommand(ctx, target, input); err != nil {
		return fmt.Errorf("execute in %s: %w", target, err)
	}
	r.publish(events.TerminalAction, a, target, input)
	return nil
}

func (r *Router) search(a Search, target string) error {
	query := strings.TrimSpace(a.Query)
	if query == "" {
		return fmt.Errorf("search: %w", ErrMissingParameter)
	}

	r.searchMu.Lock()
	r.searches[target] = &searchState{query: query}
	r.searchMu.Unlock()

	line, index, err := r.currentMatch(target)
	if errors.Is(err, ErrNoSearch) {
		r.status(events.LevelInfo, fmt.Sprintf("No matches for %q", query))
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.Debug().Str("session", target).Str("query", query).Str("match", line).Msg("search hit")
	r.publish(events.TerminalAction, a, target, strconv.Itoa(index))
	return nil
}

// cycle moves the search cursor by delta with wrap-around. Matches are
// recomputed against the current output since lines may have been evicted.
func (r *Router) cycle(a Action, target string, delta int) error {
	r.searchMu.Lock()
	st, ok := r.searches[target]
	if !ok {
		r.searchMu.Unlock()
		return ErrNoSearch
	}
	query := st.query
	r.searchMu.Unlock()

	matches, err := r.matches(target, query)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return ErrNoSearch
	}

	r.searchMu.Lock()
	st.cursor = ((st.cursor+delta)%len(matches) + len(matches)) % len(matches)
	index := matches[st.cursor]
	r.searchMu.Unlock()

	r.publish(events.TerminalAction, a, target, strconv.Itoa(index))
	return nil
}

// currentMatch returns the line under the search cursor and its index in
// the session output.
func (r *Router) currentMatch(target string) (string, int, error) {
	r.searchMu.Lock()
	st, ok := r.searches[target]
	if !ok {
		r.searchMu.Unlock()
		return "", 0, ErrNoSearch
	}
	query, cursor := st.query, st.cursor
	r.searchMu.Unlock()

	lines, err := r.sessions.Output(target)
	if err != nil {
		return "", 0, err
	}
	matches := matchIndices(lines, query)
	if len(matches) == 0 {
		return "", 0, ErrNoSearch
	}
	index := matches[cursor%len(matches)]
	return lines[index].Content, index, nil
}

func (r *Router) matches(target, query string) ([]int, error) {
	lines, err := r.sessions.Output(target)
	if err != nil {
		return nil, err
	}
	return matchIndices(lines, query), nil
}

func matchIndices(lines []session.Line, query string) []int {
	q := strings.ToLower(query)
	var out []int
	for i, l := range lines {
		if strings.Contains(strings.ToLower(l.Content), q) {
			out = append(out, i)
		}
	}
	return out
}

func (r *Router) dropSearch(id string) {
	r.searchMu.Lock()
	delete(r.searches, id)
	r.searchMu.Unlock()
}

func (r *Router) record(start time.Time, success bool) {
	if r.metrics != nil {
		r.metrics.RecordCommand(time.Since(start), success)
	}
}

func (r *Router) publish(name events.Name, a Action, sessionID, param string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Name:      name,
		Action:    string(a.Token()),
		SessionID: sessionID,
		Parameter: param,
	})
}

func (r *Router) status(level events.Level, msg string) {
	if r.bus != nil {
		r.bus.Status(level, msg)
	}
}
