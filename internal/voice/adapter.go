// Package voice wraps a speech engine behind a start/stop/result contract.
// It never dispatches actions itself.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Result is one recognition result. Only final results are actionable.
type Result struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"isFinal"`
}

// ErrorKind is the failure taxonomy reported through OnError.
type ErrorKind string

const (
	ErrorNotSupported ErrorKind = "not-supported"
	ErrorNoSpeech     ErrorKind = "no-speech"
	ErrorNetwork      ErrorKind = "network"
	ErrorAborted      ErrorKind = "aborted"
	ErrorNotAllowed   ErrorKind = "not-allowed"
	ErrorAudioCapture ErrorKind = "audio-capture"
)

// Error is a classified engine failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrAlreadyListening is returned by Start while a pass is in progress.
var ErrAlreadyListening = errors.New("voice: already listening")

// Engine is a speech backend. Listen runs one recognition pass and emits
// results until the pass ends or ctx is cancelled. On cancellation an engine
// must emit any pending final result before returning.
type Engine interface {
	Supported() bool
	Listen(ctx context.Context, emit func(Result)) error
}

// Callbacks receive the events of one recognition pass. OnEnd always runs
// last, exactly once per successful Start.
type Callbacks struct {
	OnResult func(Result)
	OnError  func(*Error)
	OnEnd    func()
}

// Adapter runs at most one recognition pass at a time.
type Adapter struct {
	engine Engine
	logger zerolog.Logger

	mu        sync.Mutex
	listening bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAdapter wraps engine. A nil engine reports not-supported on Start.
func NewAdapter(engine Engine, logger zerolog.Logger) *Adapter {
	return &Adapter{
		engine: engine,
		logger: logger.With().Str("component", "voice").Logger(),
	}
}

// Start begins a listening pass and returns immediately. Calling Start while
// already listening returns ErrAlreadyListening and leaves the running pass
// untouched. Engine failures are reported through cb.OnError, never here.
func (a *Adapter) Start(cb Callbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listening {
		return ErrAlreadyListening
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.listening = true
	a.cancel = cancel
	a.done = done

	go a.run(ctx, cancel, cb, done)
	return nil
}

func (a *Adapter) run(ctx context.Context, cancel context.CancelFunc, cb Callbacks, done chan struct{}) {
	defer close(done)
	defer cancel()

	a.logger.Debug().Msg("listening started")

	var err error
	if a.engine == nil || !a.engine.Supported() {
		err = &Error{Kind: ErrorNotSupported}
	} else {
		err = a.engine.Listen(ctx, func(r Result) {
			if cb.OnResult != nil {
				cb.OnResult(r)
			}
		})
	}

	if verr := classify(ctx, err); verr != nil {
		a.logger.Warn().Str("kind", string(verr.Kind)).Err(verr.Err).Msg("recognition error")
		if cb.OnError != nil {
			cb.OnError(verr)
		}
	}

	a.mu.Lock()
	a.listening = false
	a.cancel = nil
	a.mu.Unlock()

	a.logger.Debug().Msg("listening ended")
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
}

// classify maps an engine error onto the taxonomy. Cancellation caused by
// Stop is not an error.
func classify(ctx context.Context, err error) *Error {
	if err == nil {
		return nil
	}
	var verr *Error
	if errors.As(err, &verr) {
		return verr
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return &Error{Kind: ErrorNetwork, Err: err}
}

// Stop asks the engine to finalise. Pending final results are still
// delivered before OnEnd. Stop is idempotent and does not block.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.listening || a.cancel == nil {
		return
	}
	a.cancel()
}

// Listening reports whether a pass is in progress.
func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// Wait blocks until the most recent pass has delivered OnEnd.
func (a *Adapter) Wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()

	if done != nil {
		<-done
	}
}
