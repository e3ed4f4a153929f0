package patterns

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long the watcher waits for writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a pattern directory into a store when files change.
type Watcher struct {
	store    *Store
	dir      string
	delay    time.Duration
	logger   zerolog.Logger
	onReload func(error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for dir. onReload, if non-nil, is called after
// every reload attempt with its result.
func NewWatcher(store *Store, dir string, logger zerolog.Logger, onReload func(error)) *Watcher {
	return &Watcher{
		store:    store,
		dir:      dir,
		delay:    DefaultReloadDelay,
		logger:   logger.With().Str("component", "pattern-watcher").Logger(),
		onReload: onReload,
	}
}

// SetDelay overrides the debounce delay.
func (w *Watcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Start begins watching. Watching stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch pattern directory: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher)

	w.logger.Info().Str("dir", w.dir).Msg("Started watching pattern directory")
	return nil
}

// processEvents debounces file events into reloads.
func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if _, ok := FormatFromPath(event.Name); !ok {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Pattern file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, func() { w.reload(ctx) })
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	err := w.store.Reload(ctx, w.dir)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload patterns")
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
