package render

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Clock abstracts time for the poll loop.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Waiter blocks between two existence checks of path.
type Waiter interface {
	// Wait returns after at most d, or earlier if path may have changed.
	// It returns ctx.Err() when ctx is done.
	Wait(ctx context.Context, path string, d time.Duration) error
}

// SleepWaiter waits the full interval on its clock.
type SleepWaiter struct {
	Clock Clock
}

func (w SleepWaiter) Wait(ctx context.Context, _ string, d time.Duration) error {
	c := w.Clock
	if c == nil {
		c = SystemClock{}
	}
	return c.Sleep(ctx, d)
}

// NotifyWaiter wakes early when the awaited file is created or written.
// Directories are watched lazily on first use. If a directory cannot be
// watched, Wait falls back to sleeping the full interval.
type NotifyWaiter struct {
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu      sync.Mutex
	watched map[string]bool
}

// NewNotifyWaiter creates a waiter backed by an fsnotify watcher.
// A nil logger uses log.Default().
func NewNotifyWaiter(logger *log.Logger) (*NotifyWaiter, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &NotifyWaiter{watcher: w, logger: logger, watched: make(map[string]bool)}, nil
}

func (w *NotifyWaiter) watch(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return true
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Debug("watch failed, polling only", "dir", dir, "error", err)
		return false
	}
	w.watched[dir] = true
	return true
}

func (w *NotifyWaiter) Wait(ctx context.Context, path string, d time.Duration) error {
	if !w.watch(filepath.Dir(path)) {
		return SystemClock{}.Sleep(ctx, d)
	}

	target := filepath.Clean(path)
	timer := time.NewTimer(d)
	defer timer.Stop()

	events, errs := w.watcher.Events, w.watcher.Errors
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == target && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Debug("watcher error", "error", err)
		}
	}
}

// Close stops the underlying watcher.
func (w *NotifyWaiter) Close() error {
	return w.watcher.Close()
}
