// Package watch reports debounced file changes under a directory tree.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked once per quiet period with the sorted, distinct
// paths that changed during it.
type ChangeCallback func(changed []string)

// Watcher monitors a directory tree and invokes a callback on debounced
// changes.
type Watcher struct {
	root     string
	callback ChangeCallback
	logger   *slog.Logger
	debounce time.Duration
	ignore   func(path string) bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the debounce duration. Default is 200ms.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithIgnore skips paths for which fn returns true. Ignored directories are
// not descended into.
func WithIgnore(fn func(path string) bool) Option {
	return func(w *Watcher) {
		w.ignore = fn
	}
}

// New creates a watcher for the tree rooted at root.
func New(root string, callback ChangeCallback, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		root:     root,
		callback: callback,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		ignore:   func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches every directory under root, adding directories created later,
// and invokes the callback on debounced write/create/remove/rename events.
// It blocks until ctx is cancelled, then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}

	pending := make(map[string]struct{})
	fireCh := make(chan struct{}, 1)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.ignore(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			pending[event.Name] = struct{}{}

			// Reset debounce timer
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case fireCh <- struct{}{}:
				default:
				}
			})

		case <-fireCh:
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			pending = make(map[string]struct{})
			if len(changed) == 0 {
				continue
			}
			sort.Strings(changed)
			w.callback(changed)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// addTree adds dir and all of its subdirectories.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && w.ignore(p) {
			return filepath.SkipDir
		}
		return fsw.Add(p)
	})
}
