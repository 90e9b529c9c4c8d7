package environment

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/portwayapi/portway/internal/api"
)

// Settings is the resolved configuration for one named environment.
type Settings struct {
	Name             string
	ServerName       string
	ConnectionString *Secret
	Headers          map[string]string
}

type settingsDocument struct {
	ServerName       string            `koanf:"ServerName"`
	ConnectionString string            `koanf:"ConnectionString"`
	Headers          map[string]string `koanf:"Headers"`
}

type allowListDocument struct {
	Environment struct {
		ServerName          string   `koanf:"ServerName"`
		AllowedEnvironments []string `koanf:"AllowedEnvironments"`
	} `koanf:"Environment"`
}

// Registry serves per-environment settings with lazy loading and
// copy-on-reload semantics. Environment names are case-insensitive.
type Registry struct {
	dir    string
	key    *rsa.PrivateKey
	logger *slog.Logger

	mu        sync.RWMutex
	allowList map[string]string // lower-case name -> canonical name
	loaded    map[string]*Settings
	allowOK   bool
}

// NewRegistry points the registry at the environments directory. The private
// key may be nil; encrypted settings then fail with a typed error at load.
func NewRegistry(dir string, key *rsa.PrivateKey, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:       dir,
		key:       key,
		logger:    logger.With(slog.String("agent", "environment_registry")),
		allowList: make(map[string]string),
		loaded:    make(map[string]*Settings),
	}
}

// IsAllowed reports whether an environment name is in the global allow-list.
func (r *Registry) IsAllowed(name string) bool {
	if err := r.ensureAllowList(); err != nil {
		r.logger.Error("allow-list load failed", slog.Any("error", err))
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.allowList[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// AllowedEnvironments returns the canonical allow-list names, sorted.
func (r *Registry) AllowedEnvironments() []string {
	if err := r.ensureAllowList(); err != nil {
		r.logger.Error("allow-list load failed", slog.Any("error", err))
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.allowList))
	for _, canonical := range r.allowList {
		names = append(names, canonical)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves settings for an environment, loading lazily on first
// reference. Unknown environments return NotFound so callers cannot probe
// for partially configured tenants.
func (r *Registry) Lookup(ctx context.Context, name string) (*Settings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, api.Errf(api.KindNotFound, "environment required")
	}
	if err := r.ensureAllowList(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	canonical, allowed := r.allowList[key]
	settings, cached := r.loaded[key]
	r.mu.RUnlock()

	if !allowed {
		return nil, api.Errf(api.KindNotFound, "environment %q not allowed", name)
	}
	if cached {
		return settings, nil
	}

	settings, err := r.loadSettings(canonical)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another loader may have raced us; first committed copy wins so every
	// reader observes one immutable snapshot per load cycle.
	if existing, ok := r.loaded[key]; ok {
		r.mu.Unlock()
		settings.ConnectionString.Close()
		return existing, nil
	}
	r.loaded[key] = settings
	r.mu.Unlock()
	return settings, nil
}

// Invalidate drops a cached environment so the next reference reloads it.
// An empty name drops everything, including the allow-list.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		for key, settings := range r.loaded {
			settings.ConnectionString.Close()
			delete(r.loaded, key)
		}
		r.allowOK = false
		return
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if settings, ok := r.loaded[key]; ok {
		settings.ConnectionString.Close()
		delete(r.loaded, key)
	}
}

func (r *Registry) ensureAllowList() error {
	r.mu.RLock()
	ready := r.allowOK
	r.mu.RUnlock()
	if ready {
		return nil
	}

	path := filepath.Join(r.dir, "settings.json")
	body, err := os.ReadFile(path)
	if err != nil {
		return api.E(api.KindEnvMisconfigured, "global environment settings unreadable", err)
	}
	var doc allowListDocument
	if err := unmarshalJSON(body, &doc); err != nil {
		return api.E(api.KindEnvMisconfigured, "global environment settings invalid", err)
	}

	allowList := make(map[string]string, len(doc.Environment.AllowedEnvironments))
	for _, name := range doc.Environment.AllowedEnvironments {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		allowList[strings.ToLower(trimmed)] = trimmed
	}

	r.mu.Lock()
	r.allowList = allowList
	r.allowOK = true
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadSettings(name string) (*Settings, error) {
	path := filepath.Join(r.dir, name, "settings.json")
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, api.E(api.KindEnvMisconfigured, fmt.Sprintf("settings for environment %q unreadable", name), err)
	}

	if IsEncrypted(body) {
		if r.key == nil {
			return nil, api.Errf(api.KindDecryptionMissing, "settings for environment %q are encrypted and no key is configured", name)
		}
		plaintext, err := DecryptSettings(body, r.key)
		if err != nil {
			return nil, api.E(api.KindDecryptionMissing, fmt.Sprintf("settings for environment %q could not be decrypted", name), err)
		}
		body = plaintext
	}

	var doc settingsDocument
	if err := unmarshalJSON(body, &doc); err != nil {
		return nil, api.E(api.KindEnvMisconfigured, fmt.Sprintf("settings for environment %q invalid", name), err)
	}
	if strings.TrimSpace(doc.ConnectionString) == "" {
		return nil, api.Errf(api.KindEnvMisconfigured, "environment %q missing ConnectionString", name)
	}

	headers := make(map[string]string, len(doc.Headers)+2)
	for k, v := range doc.Headers {
		headers[k] = v
	}
	if _, ok := headers["DatabaseName"]; !ok {
		headers["DatabaseName"] = name
	}
	if _, ok := headers["ServerName"]; !ok && doc.ServerName != "" {
		headers["ServerName"] = doc.ServerName
	}

	r.logger.Info("environment settings loaded",
		slog.String("environment", name),
		slog.String("server_name", doc.ServerName),
		slog.String("connection_string", MaskConnectionString(doc.ConnectionString)),
	)

	return &Settings{
		Name:             name,
		ServerName:       doc.ServerName,
		ConnectionString: NewSecret(doc.ConnectionString),
		Headers:          headers,
	}, nil
}

func unmarshalJSON(body []byte, out any) error {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(body), kjson.Parser()); err != nil {
		return err
	}
	return k.Unmarshal("", out)
}
