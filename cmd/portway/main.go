// Command portway runs the API gateway: it loads configuration, opens the
// credential store, builds the endpoint and environment registries with
// their filesystem watchers, and serves the /api dispatch surface.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/portwayapi/portway/internal/auth"
	"github.com/portwayapi/portway/internal/cache"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
	"github.com/portwayapi/portway/internal/environment"
	"github.com/portwayapi/portway/internal/files"
	"github.com/portwayapi/portway/internal/fswatch"
	"github.com/portwayapi/portway/internal/logging"
	"github.com/portwayapi/portway/internal/metrics"
	"github.com/portwayapi/portway/internal/proxy"
	"github.com/portwayapi/portway/internal/ratelimit"
	"github.com/portwayapi/portway/internal/server"
	"github.com/portwayapi/portway/internal/sqlengine"
	"github.com/portwayapi/portway/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader("PORTWAY", *configPath).Load(ctx)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	recorder := metrics.NewRecorder(nil)

	provider, err := buildCache(cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer provider.Close(context.Background())

	key, err := loadEncryptionKey(cfg.Server.EncryptionKey)
	if err != nil {
		return err
	}
	envs := environment.NewRegistry(cfg.Server.EnvironmentsDirectory, key, logger)

	endpoints, err := endpoint.NewRegistry(cfg.Server.EndpointsDirectory, logger)
	if err != nil {
		return err
	}
	defer endpoints.Close()
	if err := endpoints.Watch(ctx, cfg.Server.ReloadDebounce); err != nil {
		return err
	}

	store, err := auth.OpenStore(cfg.Auth.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SyncTokenFiles(ctx, cfg.Auth.TokensDirectory); err != nil {
		logger.Warn("token file import failed", slog.Any("error", err))
	}
	verifier := auth.NewVerifier(store)
	auditor := auth.NewAuditor(store, logger)
	defer auditor.Close()

	sqlEngine := sqlengine.NewEngine(cfg.SQL, envs, recorder, logger)
	defer sqlEngine.Close()
	proxyEngine := proxy.NewEngine(cfg.Proxy, provider, envs, recorder, logger)
	fileStore, err := files.NewStore(cfg.Files, provider, logger)
	if err != nil {
		return err
	}
	defer fileStore.Close()
	webhookEngine := webhook.NewEngine(sqlEngine, logger)

	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		return err
	}

	// Endpoint reloads drop the SQL metadata cache and any proxy responses
	// cached for the changed endpoint.
	go func() {
		for event := range endpoints.Subscribe() {
			sqlEngine.InvalidateMetadata()
			if event.Kind == endpoint.KindProxy {
				for _, env := range envs.AllowedEnvironments() {
					proxyEngine.Invalidate(ctx, env, event.FullName)
				}
			}
		}
	}()

	// Environment settings changes invalidate the cached settings and the
	// connection pool for that environment.
	envWatcher, err := fswatch.New(ctx, fswatch.Options{
		Root:     cfg.Server.EnvironmentsDirectory,
		Debounce: cfg.Server.ReloadDebounce,
		Match: func(path string) bool {
			return strings.EqualFold(filepath.Base(path), "settings.json")
		},
		OnChange: func(path string) {
			name := environmentFromPath(cfg.Server.EnvironmentsDirectory, path)
			logger.Info("environment settings changed", slog.String("environment", name))
			envs.Invalidate(name)
			if name == "" {
				sqlEngine.Close()
				sqlEngine.InvalidateMetadata()
			} else {
				sqlEngine.InvalidateEnvironment(name)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer envWatcher.Stop()

	handler := server.NewHandler(server.Options{
		Config:    &cfg,
		Logger:    logger,
		Metrics:   recorder,
		Endpoints: endpoints,
		Envs:      envs,
		Verifier:  verifier,
		Auditor:   auditor,
		Limiter:   limiter,
		SQL:       sqlEngine,
		Proxy:     proxyEngine,
		Files:     fileStore,
		Webhook:   webhookEngine,
		Cache:     provider,
	})

	logger.Info("gateway starting",
		slog.Int("endpoints", endpoints.Count()),
		slog.String("cache_backend", cfg.Cache.Backend),
	)
	return server.New(cfg.Server.Listen, handler.Router(), logger).Run(ctx)
}

// buildCache assembles the response cache: plain memory, or valkey fronted
// by a memory fallback that takes over while the backend is unreachable.
func buildCache(cfg config.CacheConfig, logger *slog.Logger) (cache.Provider, error) {
	memory, err := cache.NewMemory(cfg.MemorySize, cfg.DefaultTTL)
	if err != nil {
		return nil, err
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "memory" {
		return memory, nil
	}

	valkeyCfg := cache.ValkeyConfig{
		Address:  cfg.Valkey.Address,
		Username: cfg.Valkey.Username,
		Password: cfg.Valkey.Password,
		DB:       cfg.Valkey.DB,
		TLS:      cache.ValkeyTLSConfig{Enabled: cfg.Valkey.TLS.Enabled, CAFile: cfg.Valkey.TLS.CAFile},
	}
	rebuild := func() (cache.Provider, error) { return cache.NewValkey(valkeyCfg) }

	primary, err := rebuild()
	if err != nil {
		if !cfg.MemoryFallback {
			return nil, err
		}
		logger.Warn("valkey unavailable at startup, starting degraded", slog.Any("error", err))
		return cache.NewWithFallback(logger, nil, memory, rebuild), nil
	}
	if !cfg.MemoryFallback {
		return primary, nil
	}
	return cache.NewWithFallback(logger, primary, memory, rebuild), nil
}

func loadEncryptionKey(value string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return environment.LoadPrivateKey(value)
}

// environmentFromPath maps a changed settings.json back to its environment
// name. The root settings.json (the allow-list) returns "" which drops
// everything.
func environmentFromPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	rel = filepath.ToSlash(rel)
	if !strings.Contains(rel, "/") {
		return ""
	}
	name, _, _ := strings.Cut(rel, "/")
	return name
}
