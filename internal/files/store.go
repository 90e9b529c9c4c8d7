// Package files implements endpoint-scoped file storage. Small uploads land
// in a bounded write-back memory layer and flush to disk in the background;
// everything else streams straight to disk. File handles are opaque ids that
// encode the owning environment, so a handle never crosses tenants.
package files

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/cache"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
)

// absMarker prefixes ids whose backing path lives outside the storage root.
const absMarker = "ABS:"

// FileInfo describes one stored file for listings.
type FileInfo struct {
	FileID       string    `json:"fileId"`
	FileName     string    `json:"fileName"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	InMemory     bool      `json:"inMemory"`
}

type memoryState int

const (
	stateDirty memoryState = iota
	stateClean
)

type memoryFile struct {
	data       []byte
	state      memoryState
	lastAccess time.Time
	diskPath   string
}

// Store is the file engine. One instance serves every file endpoint.
type Store struct {
	cfg    config.FilesConfig
	root   string
	cache  cache.Provider
	logger *slog.Logger

	mu         sync.Mutex
	memory     map[string]*memoryFile // keyed by disk path
	memorySize int64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewStore opens the storage root and starts the background flusher.
func NewStore(cfg config.FilesConfig, provider cache.Provider, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	s := &Store{
		cfg:    cfg,
		root:   root,
		cache:  provider,
		logger: logger.With(slog.String("agent", "file_store")),
		memory: map[string]*memoryFile{},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close flushes dirty entries and stops the background loop.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		s.flushDirty()
	})
}

// Upload stores content under the endpoint's directory for the environment
// and returns the opaque file id. Overwrite must be explicit; colliding
// with an existing file otherwise is a conflict.
func (s *Store) Upload(ctx context.Context, env string, def *endpoint.FileDefinition, filename string, content []byte, overwrite bool) (string, error) {
	if int64(len(content)) > s.cfg.MaxFileSizeBytes {
		return "", api.Errf(api.KindFileTooLarge, "file exceeds the %d byte limit", s.cfg.MaxFileSizeBytes)
	}
	if err := s.checkExtension(def, filename); err != nil {
		return "", err
	}
	diskPath, token, err := s.resolve(env, def, filename)
	if err != nil {
		return "", err
	}

	if !overwrite && s.exists(diskPath) {
		return "", api.Errf(api.KindFileExists, "file %q already exists", filename)
	}

	useMemory := s.cfg.MemoryCacheEnabled &&
		int64(len(content)) <= int64(s.cfg.MaxCachedFileSizeMB)<<20
	if useMemory {
		s.putMemory(diskPath, content, stateDirty)
	} else {
		if err := writeFileAtomic(diskPath, content); err != nil {
			return "", api.E(api.KindUnexpected, "file write failed", err)
		}
	}

	s.dropIndex(ctx, env)
	s.logger.Info("file stored",
		slog.String("environment", env),
		slog.String("file", filename),
		slog.Int("bytes", len(content)),
		slog.Bool("buffered", useMemory),
	)
	return EncodeID(env, token), nil
}

// Download returns the file content and a content type guessed from the
// extension. Disk reads under the cacheable size populate the memory layer
// as clean copies.
func (s *Store) Download(ctx context.Context, env, fileID string) ([]byte, string, string, error) {
	diskPath, filename, err := s.pathForID(env, fileID)
	if err != nil {
		return nil, "", "", err
	}

	if data, ok := s.getMemory(diskPath); ok {
		return data, contentTypeFor(filename), filename, nil
	}

	data, err := os.ReadFile(diskPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", "", api.Errf(api.KindNotFound, "file not found")
		}
		return nil, "", "", api.E(api.KindUnexpected, "file read failed", err)
	}
	if s.cfg.MemoryCacheEnabled && int64(len(data)) <= int64(s.cfg.MaxCachedFileSizeMB)<<20 {
		s.putMemory(diskPath, data, stateClean)
	}
	_ = ctx
	return data, contentTypeFor(filename), filename, nil
}

// Delete removes a file from memory, disk, and the listing index.
func (s *Store) Delete(ctx context.Context, env, fileID string) error {
	diskPath, _, err := s.pathForID(env, fileID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if entry, ok := s.memory[diskPath]; ok {
		s.memorySize -= int64(len(entry.data))
		delete(s.memory, diskPath)
	}
	s.mu.Unlock()

	if err := os.Remove(diskPath); err != nil && !os.IsNotExist(err) {
		return api.E(api.KindUnexpected, "file delete failed", err)
	}
	s.dropIndex(ctx, env)
	return nil
}

// List returns the environment's files, optionally filtered by path prefix.
// The listing is served from the shared cache between reconciliations so
// large trees are not rescanned per request.
func (s *Store) List(ctx context.Context, env, prefix string) ([]FileInfo, error) {
	index, err := s.index(ctx, env)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return index, nil
	}
	needle := strings.ToLower(prefix)
	filtered := make([]FileInfo, 0, len(index))
	for _, info := range index {
		// The prefix matches either the relative path or the bare file name.
		if strings.HasPrefix(strings.ToLower(info.Path), needle) ||
			strings.HasPrefix(strings.ToLower(info.FileName), needle) {
			filtered = append(filtered, info)
		}
	}
	return filtered, nil
}

// EncodeID builds the opaque file handle.
func EncodeID(env, token string) string {
	return base64.URLEncoding.EncodeToString([]byte(env + ":" + token))
}

// DecodeID splits a handle back into environment and path token.
func DecodeID(fileID string) (env, token string, err error) {
	raw, err := base64.URLEncoding.DecodeString(fileID)
	if err != nil {
		return "", "", api.Errf(api.KindNotFound, "file not found")
	}
	env, token, found := strings.Cut(string(raw), ":")
	if !found || env == "" || token == "" {
		return "", "", api.Errf(api.KindNotFound, "file not found")
	}
	return env, token, nil
}

// resolve computes the backing path for a new upload. Relative base
// directories nest under {root}/{env}; absolute ones are used as-is and
// marked in the id token.
func (s *Store) resolve(env string, def *endpoint.FileDefinition, filename string) (diskPath, token string, err error) {
	cleaned, err := sanitizeRelative(filename)
	if err != nil {
		return "", "", err
	}
	base := def.BaseDirectory
	if filepath.IsAbs(base) {
		diskPath = filepath.Join(base, filepath.FromSlash(cleaned))
		if !strings.HasPrefix(diskPath, filepath.Clean(base)+string(filepath.Separator)) {
			return "", "", api.Errf(api.KindPathEscape, "path escapes the storage directory")
		}
		return diskPath, absMarker + path.Join(filepath.ToSlash(base), cleaned), nil
	}
	rel := path.Join(base, cleaned)
	if strings.HasPrefix(rel, "..") {
		return "", "", api.Errf(api.KindPathEscape, "path escapes the storage directory")
	}
	diskPath = filepath.Join(s.root, env, filepath.FromSlash(rel))
	if !strings.HasPrefix(diskPath, filepath.Join(s.root, env)+string(filepath.Separator)) {
		return "", "", api.Errf(api.KindPathEscape, "path escapes the storage directory")
	}
	return diskPath, rel, nil
}

// pathForID resolves an id back to its disk path, rejecting handles minted
// for a different environment.
func (s *Store) pathForID(env, fileID string) (diskPath, filename string, err error) {
	idEnv, token, err := DecodeID(fileID)
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(idEnv, env) {
		return "", "", api.Errf(api.KindNotFound, "file not found")
	}
	if abs, found := strings.CutPrefix(token, absMarker); found {
		return filepath.FromSlash(abs), path.Base(abs), nil
	}
	cleaned, err := sanitizeRelative(token)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(s.root, env, filepath.FromSlash(cleaned)), path.Base(cleaned), nil
}

func sanitizeRelative(name string) (string, error) {
	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return "", api.Errf(api.KindPathEscape, "path escapes the storage directory")
	}
	cleaned := path.Clean(normalized)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", api.Errf(api.KindPathEscape, "path escapes the storage directory")
	}
	return cleaned, nil
}

func (s *Store) checkExtension(def *endpoint.FileDefinition, filename string) error {
	ext := strings.ToLower(path.Ext(filename))
	for _, blocked := range s.cfg.BlockedExtensions {
		if ext == blocked {
			return api.Errf(api.KindExtensionDenied, "extension %q is not allowed", ext)
		}
	}
	if len(def.AllowedExtensions) == 0 {
		return nil
	}
	for _, allowed := range def.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return api.Errf(api.KindExtensionDenied, "extension %q is not allowed", ext)
}

func (s *Store) exists(diskPath string) bool {
	s.mu.Lock()
	_, inMemory := s.memory[diskPath]
	s.mu.Unlock()
	if inMemory {
		return true
	}
	_, err := os.Stat(diskPath)
	return err == nil
}

// Memory layer.

func (s *Store) putMemory(diskPath string, data []byte, state memoryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.memory[diskPath]; ok {
		s.memorySize -= int64(len(existing.data))
	}
	s.memory[diskPath] = &memoryFile{
		data:       data,
		state:      state,
		lastAccess: time.Now(),
		diskPath:   diskPath,
	}
	s.memorySize += int64(len(data))
	s.evictLocked()
}

func (s *Store) getMemory(diskPath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.memory[diskPath]
	if !ok {
		return nil, false
	}
	entry.lastAccess = time.Now()
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, true
}

// evictLocked shrinks the layer to its budget, oldest access first. Dirty
// entries are flushed to disk before they go so buffered bytes never vanish.
func (s *Store) evictLocked() {
	budget := int64(s.cfg.MaxTotalMemoryMB) << 20
	if s.memorySize <= budget {
		return
	}
	entries := make([]*memoryFile, 0, len(s.memory))
	for _, entry := range s.memory {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	for _, entry := range entries {
		if s.memorySize <= budget {
			return
		}
		if entry.state == stateDirty {
			if err := writeFileAtomic(entry.diskPath, entry.data); err != nil {
				s.logger.Error("eviction flush failed",
					slog.String("path", entry.diskPath), slog.Any("error", err))
				continue
			}
		}
		s.memorySize -= int64(len(entry.data))
		delete(s.memory, entry.diskPath)
	}
}

func (s *Store) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flushDirty()
		}
	}
}

// flushDirty persists buffered writes and downgrades them to clean copies.
func (s *Store) flushDirty() {
	s.mu.Lock()
	var dirty []*memoryFile
	for _, entry := range s.memory {
		if entry.state == stateDirty {
			dirty = append(dirty, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range dirty {
		if err := writeFileAtomic(entry.diskPath, entry.data); err != nil {
			s.logger.Error("file flush failed",
				slog.String("path", entry.diskPath), slog.Any("error", err))
			continue
		}
		s.mu.Lock()
		entry.state = stateClean
		s.mu.Unlock()
	}
	if len(dirty) > 0 {
		s.logger.Debug("dirty files flushed", slog.Int("count", len(dirty)))
	}
}

func writeFileAtomic(diskPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
		return err
	}
	tmp := diskPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, diskPath)
}

// Listing index.

func indexKey(env string) string {
	return "file:index:" + strings.ToLower(env)
}

func (s *Store) index(ctx context.Context, env string) ([]FileInfo, error) {
	if s.cache != nil {
		if entry, ok, err := s.cache.Get(ctx, indexKey(env)); err == nil && ok {
			var index []FileInfo
			if err := json.Unmarshal(entry.Content, &index); err == nil {
				return index, nil
			}
		}
	}

	index, err := s.buildIndex(env)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		payload, err := json.Marshal(index)
		if err == nil {
			entry := cache.Entry{Content: payload, ContentType: "application/json", CreatedAt: time.Now().UTC()}
			if err := s.cache.Set(ctx, indexKey(env), entry, s.cfg.IndexRefreshInterval); err != nil {
				s.logger.Warn("index cache store failed", slog.Any("error", err))
			}
		}
	}
	return index, nil
}

func (s *Store) buildIndex(env string) ([]FileInfo, error) {
	envRoot := filepath.Join(s.root, env)
	var index []FileInfo
	seen := map[string]struct{}{}
	err := filepath.WalkDir(envRoot, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(envRoot, p)
		if err != nil {
			return nil
		}
		token := filepath.ToSlash(rel)
		seen[p] = struct{}{}
		s.mu.Lock()
		_, inMemory := s.memory[p]
		s.mu.Unlock()
		index = append(index, FileInfo{
			FileID:       EncodeID(env, token),
			FileName:     path.Base(token),
			Path:         token,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
			InMemory:     inMemory,
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, api.E(api.KindUnexpected, "listing failed", err)
	}

	// Dirty uploads that have not flushed yet still belong in the listing.
	s.mu.Lock()
	prefix := envRoot + string(filepath.Separator)
	for diskPath, entry := range s.memory {
		if entry.state != stateDirty || !strings.HasPrefix(diskPath, prefix) {
			continue
		}
		if _, onDisk := seen[diskPath]; onDisk {
			continue
		}
		rel, err := filepath.Rel(envRoot, diskPath)
		if err != nil {
			continue
		}
		token := filepath.ToSlash(rel)
		index = append(index, FileInfo{
			FileID:       EncodeID(env, token),
			FileName:     path.Base(token),
			Path:         token,
			Size:         int64(len(entry.data)),
			LastModified: entry.lastAccess.UTC(),
			InMemory:     true,
		})
	}
	s.mu.Unlock()

	sort.Slice(index, func(i, j int) bool { return index[i].Path < index[j].Path })
	return index, nil
}

func (s *Store) dropIndex(ctx context.Context, env string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remove(ctx, indexKey(env)); err != nil {
		s.logger.Warn("index invalidation failed", slog.Any("error", err))
	}
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
