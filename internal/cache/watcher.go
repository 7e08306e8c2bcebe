package cache

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/logging"
)

// watchDebounce coalesces the burst of fsnotify events a single SQLite
// transaction produces into one flush.
const watchDebounce = 500 * time.Millisecond

// Watcher flushes the search tier when another process writes the database
// file. Our own writes already invalidate on the write path, so the extra
// flushes it triggers are redundant but harmless.
type Watcher struct {
	fsw  *fsnotify.Watcher
	tier *Cache
	base string
}

// NewWatcher watches the database file at path (and its -wal sibling, which
// is where WAL-mode writes land first).
func NewWatcher(path string, tier *Cache) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the containing directory: the -wal file may not exist yet and
	// fsnotify cannot watch files that appear later.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{fsw: fsw, tier: tier, base: filepath.Base(path)}, nil
}

// Run processes events until ctx is done. Call in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			w.tier.FlushSearches()
			logger.Debug("database changed on disk, search cache flushed")
			timer = nil
			timerC = nil

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("database watcher error", zap.Error(err))
		}
	}
}

// matches reports whether the event concerns the database file or its WAL.
func (w *Watcher) matches(name string) bool {
	b := filepath.Base(name)
	return b == w.base || strings.TrimSuffix(b, "-wal") == w.base || strings.TrimSuffix(b, "-shm") == w.base
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
