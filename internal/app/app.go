// Package app wires the session registry, router, transport, voice adapter
// and metrics tracker into one controller.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"voiceterm/internal/config"
	"voiceterm/internal/events"
	"voiceterm/internal/metrics"
	"voiceterm/internal/protocol"
	"voiceterm/internal/router"
	"voiceterm/internal/session"
	"voiceterm/internal/snapshot"
	"voiceterm/internal/transport"
	"voiceterm/internal/voice"
	"voiceterm/internal/watcher"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StateOffline is reported when no host url is configured.
const StateOffline = "offline"

// Voice status actions published on the bus.
const (
	VoiceListening = "listening"
	VoicePartial   = "partial"
	VoiceFinal     = "final"
	VoiceRejected  = "rejected"
	VoiceError     = "error"
	VoiceIdle      = "idle"
)

// Options are the parts of an App that do not come from configuration.
type Options struct {
	Engine voice.Engine
	Logger zerolog.Logger
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
}

// App is the controller. It receives host events from the transport and
// voice results from the adapter and hands them to the registry and router.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus      *events.Bus
	tracker  *metrics.Tracker
	client   *transport.Client
	registry *session.Registry
	router   *router.Router
	voice    *voice.Adapter
	watcher  *watcher.Watcher
	store    *snapshot.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New builds an App from cfg. Nothing connects until Start.
func New(cfg *config.Config, opts Options) (*App, error) {
	grammar, err := router.LoadGrammar(cfg.Router.AliasesFile)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:    cfg,
		logger: opts.Logger.With().Str("component", "app").Logger(),
		bus:    events.NewBus(),
		ctx:    ctx,
		cancel: cancel,
	}

	a.tracker = metrics.NewTracker(cfg.Metrics.HistorySize, cfg.Metrics.SlowThreshold, opts.Logger)
	a.tracker.OnAlert(a.onSlowCommand)

	// The registry and router take interfaces; keep them nil when offline.
	var remote session.Remote
	var commander router.Commander
	if cfg.Host.URL != "" {
		a.client = transport.New(transport.Options{
			URL:           cfg.Host.URL,
			QueueDepth:    cfg.Transport.QueueDepth,
			AckTimeout:    cfg.Transport.AckTimeout,
			MinBackoff:    cfg.Transport.MinBackoff,
			MaxBackoff:    cfg.Transport.MaxBackoff,
			MaxAttempts:   cfg.Transport.MaxAttempts,
			PingInterval:  cfg.Transport.PingInterval,
			ReadDeadline:  cfg.Transport.ReadDeadline,
			WriteDeadline: cfg.Transport.WriteDeadline,
			OnState:       a.onConnectionState,
			OnGiveUp:      a.onGiveUp,
			Dialer:        opts.Dialer,
		}, a, a.tracker, opts.Logger)
		remote, commander = a.client, a.client
	}

	a.registry = session.NewRegistry(cfg.Session.MaxLines, remote, opts.Logger)
	a.router = router.New(a.registry, commander, a.tracker, a.bus, opts.Logger)
	a.router.SetGrammar(grammar)
	a.router.SetVoiceToggler(a)
	a.voice = voice.NewAdapter(opts.Engine, opts.Logger)

	if cfg.Router.AliasesFile != "" {
		a.watcher = watcher.New(cfg.Router.AliasesFile, 0, a.reloadGrammar, opts.Logger)
	}
	return a, nil
}

func (a *App) Bus() *events.Bus            { return a.bus }
func (a *App) Registry() *session.Registry { return a.registry }
func (a *App) Router() *router.Router      { return a.router }
func (a *App) Tracker() *metrics.Tracker   { return a.tracker }
func (a *App) Config() *config.Config      { return a.cfg }

// Start restores the snapshot, starts the alias watcher and connects to the
// host. A failing watcher is logged and ignored.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Snapshot.Enabled {
		store, err := snapshot.Open(a.cfg.Snapshot.Path)
		if err != nil {
			return err
		}
		a.store = store
		snap, err := store.Load(ctx)
		if err != nil {
			return err
		}
		if n := a.registry.Import(snap); n > 0 {
			a.logger.Info().Int("sessions", n).Msg("restored snapshot")
		}
	}

	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			a.logger.Warn().Err(err).Msg("alias file not watched")
		}
	}

	if a.client == nil {
		a.bus.Publish(events.Event{Name: events.ConnectionState, Parameter: StateOffline})
		return nil
	}
	return a.client.Connect(a.ctx)
}

// Stop ends recognition, disconnects and saves the snapshot. Safe to call
// more than once.
func (a *App) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.voice.Stop()
		a.voice.Wait()
		if a.watcher != nil {
			a.watcher.Close()
		}

		a.cancel()
		if a.client != nil {
			a.client.Disconnect()
		}
		a.wg.Wait()

		if a.store != nil {
			if serr := a.store.Save(ctx, a.registry.Export()); serr != nil {
				err = fmt.Errorf("save snapshot: %w", serr)
			}
			if cerr := a.store.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// ConnectionState returns the transport state, or StateOffline.
func (a *App) ConnectionState() string {
	if a.client == nil {
		return StateOffline
	}
	return string(a.client.State())
}

// Listening reports whether voice recognition is running.
func (a *App) Listening() bool {
	return a.voice.Listening()
}

// ToggleVoice starts recognition when idle and stops it otherwise. It is
// the target of the voice-input action and the global shortcut.
func (a *App) ToggleVoice() {
	if a.voice.Listening() {
		a.StopVoice()
		return
	}
	if err := a.StartVoice(); err != nil && !errors.Is(err, voice.ErrAlreadyListening) {
		a.logger.Warn().Err(err).Msg("voice start failed")
	}
}

// StartVoice begins a recognition pass. The listening status is published
// before any result of the pass.
func (a *App) StartVoice() error {
	if a.voice.Listening() {
		return voice.ErrAlreadyListening
	}
	a.bus.Publish(events.Event{Name: events.VoiceStatus, Action: VoiceListening})
	return a.voice.Start(voice.Callbacks{
		OnResult: a.onVoiceResult,
		OnError:  a.onVoiceError,
		OnEnd:    a.onVoiceEnd,
	})
}

// StopVoice asks the engine to finalise; pending results still arrive.
func (a *App) StopVoice() {
	a.voice.Stop()
}

// HandleTranscript gates a final transcript on confidence and routes it.
// It reports whether a grammar rule matched.
func (a *App) HandleTranscript(ctx context.Context, transcript string, confidence float64) bool {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return false
	}
	if confidence < a.cfg.Voice.MinConfidence {
		a.logger.Info().
			Str("transcript", transcript).
			Float64("confidence", confidence).
			Msg("rejected low-confidence transcript")
		a.bus.Publish(events.Event{Name: events.VoiceStatus, Action: VoiceRejected, Parameter: transcript})
		a.bus.Status(events.LevelWarning, fmt.Sprintf("Didn't catch that (%.0f%% sure): %q", confidence*100, transcript))
		return false
	}
	a.bus.Publish(events.Event{Name: events.VoiceStatus, Action: VoiceFinal, Parameter: transcript})
	return a.router.ProcessVoiceCommand(ctx, transcript)
}

func (a *App) onVoiceResult(r voice.Result) {
	defer a.recoverPanic("voice result")

	if !r.IsFinal {
		a.bus.Publish(events.Event{Name: events.VoiceStatus, Action: VoicePartial, Parameter: r.Transcript})
		return
	}
	a.HandleTranscript(a.ctx, r.Transcript, r.Confidence)
}

func (a *App) onVoiceError(err *voice.Error) {
	defer a.recoverPanic("voice error")

	a.bus.Publish(events.Event{Name: events.VoiceStatus, Action: VoiceError, Parameter: string(err.Kind)})
	level := events.LevelError
	if err.Kind == voice.ErrorNoSpeech || err.Kind == voice.ErrorAborted {
		level = events.LevelInfo
	}
	a.bus.Status(level, voiceErrorMessage(err))
}

func (a *App) onVoiceEnd() {
	a.bus.Publish(events.Event{Name: events.VoiceStatus, Action: VoiceIdle})
}

func voiceErrorMessage(err *voice.Error) string {
	switch err.Kind {
	case voice.ErrorNotSupported:
		return "Voice input is not supported here"
	case voice.ErrorNoSpeech:
		return "No speech detected"
	case voice.ErrorNotAllowed:
		return "Microphone access denied"
	case voice.ErrorAudioCapture:
		return "Microphone unavailable"
	case voice.ErrorAborted:
		return "Voice input aborted"
	default:
		return fmt.Sprintf("Voice input failed: %v", err)
	}
}

// ApplyOutput stores a host output line. Output for unknown or closing
// sessions is dropped.
func (a *App) ApplyOutput(sessionID string, out protocol.OutputPayload) {
	defer a.recoverPanic("output")

	ok := a.registry.AppendOutput(sessionID, session.Line{
		Content:   out.Data,
		Source:    session.ParseSource(out.Stream),
		Timestamp: time.Now().UTC(),
	})
	if !ok {
		reason := "unknown session"
		if a.registry.IsClosed(sessionID) {
			reason = "closed session"
		}
		a.logger.Debug().Str("session", sessionID).Str("reason", reason).Msg("dropping output")
	}
}

// ApplyStatus records a host status change. A failed command also leaves a
// system line with its exit code.
func (a *App) ApplyStatus(sessionID string, st protocol.StatusChangePayload) {
	defer a.recoverPanic("status")

	status := session.ParseStatus(st.Status)
	if !a.registry.SetStatus(sessionID, status) {
		return
	}
	if status == session.StatusError && st.ExitCode != nil {
		a.registry.AppendOutput(sessionID, session.Line{
			Content: fmt.Sprintf("exit status %d", *st.ExitCode),
			Source:  session.SourceSystem,
		})
	}
}

// ApplySessionList reconciles the registry with the host after a connect
// and re-creates the sessions the host lost.
func (a *App) ApplySessionList(list []protocol.SessionInfo) {
	defer a.recoverPanic("session list")

	remote := make([]session.RemoteInfo, len(list))
	for i, s := range list {
		remote[i] = session.RemoteInfo{
			ID:        s.ID,
			Name:      s.Name,
			Status:    session.ParseStatus(s.Status),
			CreatedAt: s.CreatedAt,
		}
	}
	missing := a.registry.Reconcile(remote)
	if len(missing) == 0 || a.ctx.Err() != nil {
		return
	}

	// Requests wait for acks read by the goroutine calling us.
	a.wg.Add(1)
	go a.recreate(missing)
}

func (a *App) recreate(missing []session.Session) {
	defer a.wg.Done()
	defer a.recoverPanic("recreate")

	for _, s := range missing {
		if a.ctx.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(a.ctx, a.cfg.Transport.AckTimeout)
		err := a.client.CreateSession(ctx, s.ID, s.Name)
		cancel()
		if err != nil {
			a.logger.Warn().Err(err).Str("session", s.ID).Msg("re-create on host failed")
			a.registry.SetStatus(s.ID, session.StatusError)
			continue
		}
		a.registry.SetStatus(s.ID, session.StatusIdle)
		a.logger.Info().Str("session", s.ID).Msg("session re-created on host")
	}
}

func (a *App) onConnectionState(s transport.State) {
	a.bus.Publish(events.Event{Name: events.ConnectionState, Parameter: string(s)})
	switch s {
	case transport.StateConnected:
		a.bus.Status(events.LevelInfo, "Connected to host")
	case transport.StateError:
		a.bus.Status(events.LevelWarning, "Host unreachable, retrying")
	}
}

func (a *App) onGiveUp(attempts int) {
	a.bus.Status(events.LevelError, fmt.Sprintf("Host unreachable, gave up after %d attempts", attempts))
}

func (a *App) onSlowCommand(al metrics.Alert) {
	a.bus.Status(events.LevelWarning, fmt.Sprintf("Slow command: %s (threshold %s)",
		al.Latency.Round(time.Millisecond), al.Threshold))
}

// reloadGrammar swaps in the alias grammar from path. A broken file keeps
// the current grammar.
func (a *App) reloadGrammar(path string) {
	defer a.recoverPanic("grammar reload")

	g, err := router.LoadGrammar(path)
	if err != nil {
		a.logger.Warn().Err(err).Msg("alias reload failed, keeping current grammar")
		a.bus.Status(events.LevelError, fmt.Sprintf("Alias file rejected: %v", err))
		return
	}
	a.router.SetGrammar(g)
	a.logger.Info().Int("rules", len(g.Rules())).Msg("grammar reloaded")
	a.bus.Status(events.LevelInfo, "Voice aliases reloaded")
}

// recoverPanic keeps a failing callback from taking down the process. It
// must be deferred directly.
func (a *App) recoverPanic(where string) {
	if r := recover(); r != nil {
		a.logger.Error().Interface("panic", r).Str("in", where).Msg("recovered from panic")
		a.bus.Status(events.LevelError, fmt.Sprintf("Internal error in %s", where))
	}
}
