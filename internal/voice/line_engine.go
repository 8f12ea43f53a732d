package voice

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

// LineEngine treats each line read from r as one spoken utterance. It emits
// a growing partial result per word and then the final result with
// confidence 1.0. In continuous mode a pass lasts until Stop or end of
// input; otherwise it ends after the first utterance.
type LineEngine struct {
	r          io.Reader
	continuous bool

	once  sync.Once
	lines chan string

	mu      sync.Mutex
	readErr error
}

// NewLineEngine creates an engine reading utterances from r.
func NewLineEngine(r io.Reader, continuous bool) *LineEngine {
	return &LineEngine{
		r:          r,
		continuous: continuous,
		lines:      make(chan string),
	}
}

// Supported reports whether the engine has an input.
func (e *LineEngine) Supported() bool {
	return e.r != nil
}

// start launches the single reader goroutine shared by all passes.
func (e *LineEngine) start() {
	go func() {
		scanner := bufio.NewScanner(e.r)
		for scanner.Scan() {
			e.lines <- scanner.Text()
		}
		e.mu.Lock()
		e.readErr = scanner.Err()
		e.mu.Unlock()
		close(e.lines)
	}()
}

// Listen implements Engine.
func (e *LineEngine) Listen(ctx context.Context, emit func(Result)) error {
	e.once.Do(e.start)

	heard := false
	for {
		select {
		case <-ctx.Done():
			// An utterance already read is the pending final result.
			select {
			case line, ok := <-e.lines:
				if ok && strings.TrimSpace(line) != "" {
					utter(line, emit)
				}
			default:
			}
			return nil

		case line, ok := <-e.lines:
			if !ok {
				e.mu.Lock()
				err := e.readErr
				e.mu.Unlock()
				if err != nil {
					return &Error{Kind: ErrorAudioCapture, Err: err}
				}
				if !heard {
					return &Error{Kind: ErrorNoSpeech}
				}
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			utter(line, emit)
			heard = true
			if !e.continuous {
				return nil
			}
		}
	}
}

func utter(line string, emit func(Result)) {
	words := strings.Fields(line)
	for i := 1; i < len(words); i++ {
		emit(Result{
			Transcript: strings.Join(words[:i], " "),
			Confidence: 0.5,
		})
	}
	emit(Result{
		Transcript: strings.Join(words, " "),
		Confidence: 1.0,
		IsFinal:    true,
	})
}
