// Package endpoint loads and serves the entity.json endpoint tree. The
// registry publishes immutable snapshots; reloads build a complete
// replacement off to the side and swap it in under the write lock.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/fswatch"
)

// kindDirs maps the directory names under the endpoints root to kinds.
var kindDirs = map[string]Kind{
	"SQL":       KindSQL,
	"Proxy":     KindProxy,
	"Composite": KindComposite,
	"Webhooks":  KindWebhook,
	"Files":     KindFile,
	"Static":    KindStatic,
}

// ChangeEvent notifies subscribers that an endpoint definition was added,
// replaced, or removed during a reload.
type ChangeEvent struct {
	Kind     Kind
	FullName string
}

// LoadIssue records one entity.json that failed validation. Invalid
// definitions are skipped, never fatal: the rest of the tree still serves.
type LoadIssue struct {
	Path string
	Err  error
}

type snapshot struct {
	// byKey indexes definitions by lower-cased "kind|fullname".
	byKey  map[string]*Definition
	issues []LoadIssue
}

// Registry owns the endpoint tree. Read paths take the RLock long enough to
// copy the snapshot pointer and then work lock-free.
type Registry struct {
	root   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *snapshot

	subMu sync.Mutex
	subs  []chan ChangeEvent

	watcher *fswatch.Watcher
}

// NewRegistry scans the endpoints root once and returns the registry. A
// missing root is not an error; the registry simply starts empty.
func NewRegistry(root string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		root:    root,
		logger:  logger.With(slog.String("agent", "endpoint_registry")),
		current: &snapshot{byKey: map[string]*Definition{}},
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rescans the whole tree and swaps the snapshot. Changed definitions
// are diffed against the previous snapshot and published to subscribers.
func (r *Registry) Reload() error {
	next, err := r.scan()
	if err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.current
	r.current = next
	r.mu.Unlock()

	for _, issue := range next.issues {
		r.logger.Warn("endpoint skipped",
			slog.String("path", issue.Path),
			slog.Any("error", issue.Err),
		)
	}
	r.logger.Info("endpoint tree loaded",
		slog.Int("endpoints", len(next.byKey)),
		slog.Int("skipped", len(next.issues)),
	)

	r.publishDiff(previous, next)
	return nil
}

// Watch starts the filesystem watcher; every settled change triggers a full
// rescan. Stop the returned watcher via Close.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := fswatch.New(ctx, fswatch.Options{
		Root:     r.root,
		Debounce: debounce,
		Match: func(path string) bool {
			return strings.EqualFold(filepath.Base(path), "entity.json")
		},
		OnChange: func(path string) {
			r.logger.Info("endpoint definition changed", slog.String("path", path))
			if err := r.Reload(); err != nil {
				r.logger.Error("endpoint reload failed", slog.Any("error", err))
			}
		},
		Logger: r.logger,
	})
	if err != nil {
		return err
	}
	r.watcher = w
	return nil
}

// Close stops the watcher and closes subscriber channels.
func (r *Registry) Close() {
	r.watcher.Stop()
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

// Subscribe returns a channel of change events. Slow consumers drop events
// rather than stall reloads.
func (r *Registry) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

// Lookup finds an endpoint of a given kind by full name within an
// environment, enforcing environment exposure and the method set. Endpoints
// hidden from an environment report NotFound, not Forbidden, so their
// existence does not leak.
func (r *Registry) Lookup(env string, kind Kind, fullName, method string) (*Definition, error) {
	def, ok := r.get(kind, fullName)
	if !ok {
		return nil, api.Errf(api.KindNotFound, "endpoint %q not found", fullName)
	}
	if !def.AllowsEnvironment(env) {
		return nil, api.Errf(api.KindNotFound, "endpoint %q not found", fullName)
	}
	if !def.AllowsMethod(method) {
		return nil, api.Errf(api.KindMethodNotAllowed, "method %s not allowed for %q", method, fullName)
	}
	return def, nil
}

// Resolve matches the longest endpoint prefix of a request path across the
// given kinds, returning the definition and the unconsumed trailing
// segments. SQL endpoints use the remainder for TVF path parameters.
func (r *Registry) Resolve(env string, kinds []Kind, segments []string, method string) (*Definition, []string, error) {
	var lastErr error
	for take := len(segments); take >= 1; take-- {
		name := strings.Join(segments[:take], "/")
		for _, kind := range kinds {
			def, err := r.Lookup(env, kind, name, method)
			if err == nil {
				return def, segments[take:], nil
			}
			if api.KindOf(err) == api.KindMethodNotAllowed {
				lastErr = err
			}
		}
	}
	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, api.Errf(api.KindNotFound, "endpoint %q not found", strings.Join(segments, "/"))
}

// List returns the endpoints visible in an environment, private ones
// excluded, sorted by kind then full name.
func (r *Registry) List(env string) []*Definition {
	snap := r.snapshot()
	out := make([]*Definition, 0, len(snap.byKey))
	for _, def := range snap.byKey {
		if def.IsPrivate || !def.AllowsEnvironment(env) {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].FullName() < out[j].FullName()
	})
	return out
}

// Issues returns the load problems from the most recent scan.
func (r *Registry) Issues() []LoadIssue {
	snap := r.snapshot()
	issues := make([]LoadIssue, len(snap.issues))
	copy(issues, snap.issues)
	return issues
}

// Count returns the number of live definitions.
func (r *Registry) Count() int {
	return len(r.snapshot().byKey)
}

func (r *Registry) get(kind Kind, fullName string) (*Definition, bool) {
	def, ok := r.snapshot().byKey[key(kind, fullName)]
	return def, ok
}

func (r *Registry) snapshot() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func key(kind Kind, fullName string) string {
	return string(kind) + "|" + strings.ToLower(fullName)
}

// scan walks endpoints/{Kind}/[{namespace}/]{name}/entity.json. Anything
// deeper than one namespace level is skipped with an issue.
func (r *Registry) scan() (*snapshot, error) {
	next := &snapshot{byKey: map[string]*Definition{}}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("endpoints directory missing", slog.String("root", r.root))
			return next, nil
		}
		return nil, fmt.Errorf("read endpoints root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		kind, known := kindDirs[entry.Name()]
		if !known {
			continue
		}
		kindRoot := filepath.Join(r.root, entry.Name())
		if err := r.scanKind(next, kindRoot, kind); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (r *Registry) scanKind(next *snapshot, kindRoot string, kind Kind) error {
	groups, err := os.ReadDir(kindRoot)
	if err != nil {
		return fmt.Errorf("read %s: %w", kindRoot, err)
	}
	for _, group := range groups {
		if !group.IsDir() {
			continue
		}
		dir := filepath.Join(kindRoot, group.Name())
		entityPath := filepath.Join(dir, "entity.json")
		if _, err := os.Stat(entityPath); err == nil {
			r.addEntity(next, entityPath, "", group.Name(), kind)
			continue
		}
		// No entity.json directly under the directory: treat it as a
		// namespace holding one more level of endpoint directories.
		nested, err := os.ReadDir(dir)
		if err != nil {
			next.issues = append(next.issues, LoadIssue{Path: dir, Err: err})
			continue
		}
		for _, inner := range nested {
			if !inner.IsDir() {
				continue
			}
			innerPath := filepath.Join(dir, inner.Name(), "entity.json")
			if _, err := os.Stat(innerPath); err != nil {
				continue
			}
			r.addEntity(next, innerPath, group.Name(), inner.Name(), kind)
		}
	}
	return nil
}

func (r *Registry) addEntity(next *snapshot, path, namespace, dirName string, kind Kind) {
	def, err := parseEntity(path, namespace, dirName, kind)
	if err != nil {
		next.issues = append(next.issues, LoadIssue{Path: path, Err: err})
		return
	}
	k := key(kind, def.FullName())
	if existing, dup := next.byKey[k]; dup {
		next.issues = append(next.issues, LoadIssue{
			Path: path,
			Err:  fmt.Errorf("duplicate endpoint %q (already defined as %s)", def.FullName(), existing.FullName()),
		})
		return
	}
	next.byKey[k] = def
}

// publishDiff emits one event per added, replaced, or removed definition.
func (r *Registry) publishDiff(previous, next *snapshot) {
	events := make([]ChangeEvent, 0, 4)
	for k, def := range next.byKey {
		if _, existed := previous.byKey[k]; !existed {
			events = append(events, ChangeEvent{Kind: def.Kind, FullName: def.FullName()})
		}
	}
	for k, def := range previous.byKey {
		if _, still := next.byKey[k]; still {
			// Replaced in place counts as changed too; the parse result is a
			// fresh pointer every scan, so always notify.
			events = append(events, ChangeEvent{Kind: def.Kind, FullName: def.FullName()})
			continue
		}
		events = append(events, ChangeEvent{Kind: def.Kind, FullName: def.FullName()})
	}

	if len(events) == 0 {
		return
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
