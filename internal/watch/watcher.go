// Package watch re-runs reconciliation whenever the migration source
// directory changes. Events are debounced so a burst of file writes triggers
// a single run, and runs never overlap: the next one starts only after the
// previous one returned.
package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the quiet period before a change triggers a run.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes one directory and invokes a callback after changes settle.
type Watcher struct {
	dir      string
	debounce time.Duration
	run      func(context.Context) error
	fsw      *fsnotify.Watcher
}

// New creates a watcher over dir. run is invoked once per settled burst of
// changes to .sql files; its errors are logged, not fatal, so a broken
// migration can be fixed and saved again without restarting the watcher.
func New(dir string, debounce time.Duration, run func(context.Context) error) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{dir: dir, debounce: debounce, run: run, fsw: fsw}, nil
}

// Run blocks, dispatching debounced change events to the callback, until the
// context is cancelled or the underlying watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	log.Info().
		Str("dir", w.dir).
		Dur("debounce", w.debounce).
		Msg("Watching migration directory")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("fs watcher closed")
			}
			if !relevant(event) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Source change detected")
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("fs watcher closed")
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-timer.C:
			if err := w.run(ctx); err != nil {
				log.Error().Err(err).Msg("Reconciliation failed, still watching")
			}
		}
	}
}

// relevant reports whether an event should trigger a run: any create, write,
// remove, or rename of a .sql file.
func relevant(event fsnotify.Event) bool {
	if !strings.HasSuffix(strings.ToLower(event.Name), ".sql") {
		return false
	}
	return event.Op.Has(fsnotify.Create) ||
		event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Remove) ||
		event.Op.Has(fsnotify.Rename)
}
