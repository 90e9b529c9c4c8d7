// Package fswatch provides a debounced recursive filesystem watcher shared by
// the endpoint and environment registries. On overlay filesystems, where
// inotify events are unreliable, it degrades to a polling loop.
package fswatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = 3 * time.Second

// Path prefixes on which inotify events are known not to propagate.
var overlayPrefixes = []string{"/mnt/", "/media/", "/run/desktop/"}

// Options shape a watcher instance.
type Options struct {
	// Root is the directory tree to observe.
	Root string
	// Match filters which files are interesting (e.g. "*.json" suffix check).
	Match func(path string) bool
	// Debounce batches repeated events for one path before OnChange fires.
	Debounce time.Duration
	// OnChange receives the affected path after the debounce window closes.
	// Calls are serialized.
	OnChange func(path string)
	Logger   *slog.Logger
}

// Watcher observes a directory tree. Stop must be called to release
// filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// New starts watching. When the root sits on an overlay filesystem the
// watcher polls for modification-time changes instead of using inotify.
func New(ctx context.Context, opts Options) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, fmt.Errorf("fswatch: change callback required")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("fswatch: root required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Match == nil {
		opts.Match = func(string) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("fswatch: resolve root: %w", err)
	}
	opts.Root = root

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := &Watcher{cancel: cancel, done: done}

	if isOverlayPath(root) {
		opts.Logger.Info("overlay filesystem detected, using polling loop", slog.String("root", root))
		go func() {
			defer close(done)
			pollLoop(watchCtx, opts)
		}()
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fswatch: %w", err)
	}

	go func() {
		defer close(done)
		defer func() {
			if err := fsw.Close(); err != nil {
				opts.Logger.Warn("watcher close failed", slog.Any("error", err))
			}
		}()
		eventLoop(watchCtx, fsw, opts)
	}()

	return w, nil
}

func isOverlayPath(root string) bool {
	for _, prefix := range overlayPrefixes {
		if strings.HasPrefix(root, prefix) {
			return true
		}
	}
	return false
}

func eventLoop(ctx context.Context, fsw *fsnotify.Watcher, opts Options) {
	dirs := map[string]struct{}{}
	addDir := func(dir string) {
		dir = filepath.Clean(dir)
		if _, ok := dirs[dir]; ok {
			return
		}
		if err := fsw.Add(dir); err != nil {
			opts.Logger.Warn("watch add failed", slog.String("dir", dir), slog.Any("error", err))
			return
		}
		dirs[dir] = struct{}{}
	}

	if err := filepath.WalkDir(opts.Root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			opts.Logger.Warn("watch walk failed", slog.String("path", path), slog.Any("error", walkErr))
			return nil
		}
		if d.IsDir() {
			addDir(path)
		}
		return nil
	}); err != nil {
		opts.Logger.Warn("watch traverse failed", slog.String("root", opts.Root), slog.Any("error", err))
	}

	// One timer per path collapses bursts of events for the same file into a
	// single OnChange call.
	pending := map[string]*time.Timer{}
	var pendingMu sync.Mutex
	fire := make(chan string, 64)
	schedule := func(path string) {
		pendingMu.Lock()
		defer pendingMu.Unlock()
		if timer, ok := pending[path]; ok {
			timer.Reset(opts.Debounce)
			return
		}
		pending[path] = time.AfterFunc(opts.Debounce, func() {
			pendingMu.Lock()
			delete(pending, path)
			pendingMu.Unlock()
			select {
			case fire <- path:
			case <-ctx.Done():
			}
		})
	}
	defer func() {
		pendingMu.Lock()
		for _, timer := range pending {
			timer.Stop()
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case path := <-fire:
			// OnChange calls are serialized here; reloads never overlap.
			opts.OnChange(path)
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(name); err == nil && info.IsDir() {
					addDir(name)
					continue
				}
			}
			if !opts.Match(name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
				continue
			}
			schedule(name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			opts.Logger.Warn("watch error", slog.Any("error", err))
		}
	}
}

// pollLoop snapshots modification times on a fixed cadence and reports paths
// whose size or mtime moved, plus paths that disappeared.
func pollLoop(ctx context.Context, opts Options) {
	type stamp struct {
		modTime time.Time
		size    int64
	}
	previous := map[string]stamp{}
	snapshot := func() map[string]stamp {
		current := map[string]stamp{}
		_ = filepath.WalkDir(opts.Root, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil || d.IsDir() || !opts.Match(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			current[path] = stamp{modTime: info.ModTime(), size: info.Size()}
			return nil
		})
		return current
	}
	previous = snapshot()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current := snapshot()
		for path, now := range current {
			before, existed := previous[path]
			if !existed || before.modTime != now.modTime || before.size != now.size {
				opts.OnChange(path)
			}
		}
		for path := range previous {
			if _, still := current[path]; !still {
				opts.OnChange(path)
			}
		}
		previous = current
	}
}
