// Package watcher reloads a file when it changes on disk.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is called after the watched file settles.
type ReloadFunc func(path string)

// Watcher monitors a single file. The parent directory is watched so that
// editors replacing the file by rename are still seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange ReloadFunc
	logger   zerolog.Logger

	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	timer     *time.Timer
	cancel    chan struct{}
	done      chan struct{}
	closed    bool
}

// New creates a watcher for path. A zero debounce uses DefaultDebounce.
func New(path string, debounce time.Duration, onChange ReloadFunc, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With().Str("component", "watcher").Str("path", path).Logger(),
	}
}

// Start begins watching. The file itself may not exist yet, its directory must.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", dir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.mu.Lock()
	if w.fsWatcher != nil || w.closed {
		w.mu.Unlock()
		fsW.Close()
		return nil
	}
	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.watchLoop(fsW, w.cancel, w.done)
	w.logger.Debug().Msg("watching")
	return nil
}

// Close stops watching. Pending reloads are dropped. Safe to call twice.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	fsW, cancel, done := w.fsWatcher, w.cancel, w.done
	w.mu.Unlock()

	if fsW == nil {
		return
	}
	close(cancel)
	fsW.Close()
	<-done
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fsW *fsnotify.Watcher, cancel, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-cancel:
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// schedule resets the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed || w.onChange == nil {
		return
	}
	if _, err := os.Stat(w.path); err != nil {
		// Removed or mid-rename; the next event will retrigger.
		return
	}
	w.logger.Info().Msg("file changed")
	w.onChange(w.path)
}
