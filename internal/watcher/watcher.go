// Package watcher delivers filesystem change notifications to the
// index: creates and modifies flow to the single-file upsert
// entrypoint, deletes to the delete entrypoint, without waiting for a
// full rebuild. Events are debounced so editor save bursts collapse to
// one upsert per file.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// DefaultDebounceWindow collapses rapid successive events per path.
const DefaultDebounceWindow = 500 * time.Millisecond

// Notifier receives change notifications. The index coordinator
// satisfies this interface.
type Notifier interface {
	IndexFile(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
}

// Options configures a Watcher.
type Options struct {
	// DebounceWindow is how long to coalesce events per path before
	// dispatching. Zero uses DefaultDebounceWindow.
	DebounceWindow time.Duration
}

// Watcher bridges fsnotify events to a Notifier.
type Watcher struct {
	fsw      *fsnotify.Watcher
	notifier Notifier
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]fsnotify.Op
}

// New creates a watcher delivering to the given notifier.
func New(notifier Notifier, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	window := opts.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Watcher{
		fsw:      fsw,
		notifier: notifier,
		debounce: window,
		pending:  make(map[string]fsnotify.Op),
	}, nil
}

// Watch registers root and every directory beneath it. It returns only
// once the whole tree is registered, so events for writes that happen
// after Watch returns are guaranteed to be delivered by Run.
func (w *Watcher) Watch(root string) error {
	if err := w.addRecursive(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	return nil
}

// Run delivers events for the watched trees until ctx is cancelled.
// Newly created directories are added to the watch; events on files are
// debounced and dispatched to the notifier. Call Watch first.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.collect(ctx) })
	g.Go(func() error { return w.flushLoop(ctx) })

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// collect reads raw fsnotify events into the pending map.
func (w *Watcher) collect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher.error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	// New directories must join the watch before their contents change.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				slog.Warn("watcher.add_failed",
					slog.String("path", event.Name),
					slog.String("error", err.Error()))
			}
			return
		}
	}

	w.mu.Lock()
	w.pending[event.Name] |= event.Op
	w.mu.Unlock()
}

// flushLoop dispatches the pending map every debounce window.
func (w *Watcher) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush dispatches coalesced events. A path whose last ops include a
// remove or rename is deleted; anything else is (re)indexed.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for path, op := range batch {
		var err error
		if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			err = w.notifier.RemoveFile(ctx, path)
		} else {
			err = w.notifier.IndexFile(ctx, path)
		}
		if err != nil {
			slog.Warn("watcher.dispatch_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
}

// addRecursive watches root and every directory beneath it.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("watcher.add_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return nil
	})
}
