// Package watch triggers rebuilds when files under a directory tree change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when Config.Debounce is zero.
const DefaultDebounce = 200 * time.Millisecond

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("watcher closed")

// Config controls a Watcher.
type Config struct {
	// Debounce is how long the tree must be quiet before a change is reported.
	Debounce time.Duration
	// Ignore lists names or glob patterns matched against every path element.
	// A matching directory is not descended into.
	Ignore []string
	Logger *slog.Logger
}

// Watcher reports batches of changed paths below a root directory.
type Watcher struct {
	root    string
	cfg     Config
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// New watches root and every directory below it that is not ignored.
func New(root string, cfg Config) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{root: abs, cfg: cfg, logger: logger, watcher: fsw}
	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Root returns the absolute directory being watched.
func (w *Watcher) Root() string {
	return w.root
}

// Run delivers changes to onChange until ctx ends or the watcher is closed.
// Paths are relative to the root, sorted and deduplicated. onChange runs on
// the Run goroutine; events arriving meanwhile start the next batch.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending = make(map[string]struct{})
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return ErrClosed
			}
			rel, keep := w.accept(ev)
			if !keep {
				continue
			}
			w.logger.Debug("change detected", "path", rel, "op", ev.Op.String())
			pending[rel] = struct{}{}

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.cfg.Debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			onChange(paths)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return ErrClosed
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Close stops watching. A blocked Run returns ErrClosed.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// accept filters ev and starts watching directories created under the root.
func (w *Watcher) accept(ev fsnotify.Event) (string, bool) {
	if ev.Op == fsnotify.Chmod {
		return "", false
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if w.ignored(rel) {
		return "", false
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watch new directory", "path", rel, "error", err)
			}
		}
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished or unreadable entries are skipped.
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(w.root, p); rel != "." && w.ignored(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(rel string) bool {
	for _, elem := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range w.cfg.Ignore {
			if elem == pattern {
				return true
			}
			if ok, _ := filepath.Match(pattern, elem); ok {
				return true
			}
		}
	}
	return false
}
