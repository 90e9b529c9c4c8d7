package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting
// env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{envPrefix: envPrefix, files: files}
}

// Load assembles the effective snapshot so the lifecycle agent can make
// decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.endpointsdirectory":    "server.endpointsDirectory",
			"server.environmentsdirectory": "server.environmentsDirectory",
			"server.reloaddebounce":        "server.reloadDebounce",
			"server.encryptionkey":         "server.encryptionKey",
			"encryptionkey":                "server.encryptionKey",
			"server.publicscheme":          "server.publicScheme",
			"auth.databasepath":            "auth.databasePath",
			"auth.tokensdirectory":         "auth.tokensDirectory",
			"cache.defaultttl":             "cache.defaultTTL",
			"cache.operationtimeout":       "cache.operationTimeout",
			"cache.memoryfallback":         "cache.memoryFallback",
			"cache.memorysize":             "cache.memorySize",
			"cache.valkey.tls.cafile":      "cache.valkey.tls.caFile",
			"sql.defaulttop":               "sql.defaultTop",
			"sql.maxtop":                   "sql.maxTop",
			"sql.commandtimeout":           "sql.commandTimeout",
			"sql.maxopenconns":             "sql.maxOpenConns",
			"sql.maxidleconns":             "sql.maxIdleConns",
			"proxy.defaultcachettl":        "proxy.defaultCacheTTL",
			"proxy.headerconflict":         "proxy.headerConflict",
			"composite.arrayfanout":        "composite.arrayFanout",
			"composite.steptimeout":        "composite.stepTimeout",
			"files.maxfilesizebytes":       "files.maxFileSizeBytes",
			"files.memorycacheenabled":     "files.memoryCacheEnabled",
			"files.maxtotalmemorycachemb":  "files.maxTotalMemoryCacheMB",
			"files.maxcachedfilesizemb":    "files.maxCachedFileSizeMB",
			"files.flushinterval":          "files.flushInterval",
			"files.indexrefreshinterval":   "files.indexRefreshInterval",
			"files.blockedextensions":      "files.blockedExtensions",
			"ratelimit.iprate":             "rateLimit.ipRate",
			"ratelimit.ipburst":            "rateLimit.ipBurst",
			"ratelimit.tokenrate":          "rateLimit.tokenRate",
			"ratelimit.tokenburst":         "rateLimit.tokenBurst",
			"ratelimit.maxtracked":         "rateLimit.maxTracked",
			"ratelimit.enabled":            "rateLimit.enabled",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (CACHE__VALKEY__ADDRESS -> cache.valkey.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap
// provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":     cfg.Server.Logging.Level,
				"format":    cfg.Server.Logging.Format,
				"directory": cfg.Server.Logging.Directory,
			},
			"publicScheme":          cfg.Server.PublicScheme,
			"endpointsDirectory":    cfg.Server.EndpointsDirectory,
			"environmentsDirectory": cfg.Server.EnvironmentsDirectory,
			"encryptionKey":         cfg.Server.EncryptionKey,
			"reloadDebounce":        cfg.Server.ReloadDebounce,
		},
		"auth": map[string]any{
			"databasePath":    cfg.Auth.DatabasePath,
			"tokensDirectory": cfg.Auth.TokensDirectory,
		},
		"cache": map[string]any{
			"backend":          cfg.Cache.Backend,
			"defaultTTL":       cfg.Cache.DefaultTTL,
			"operationTimeout": cfg.Cache.OperationTimeout,
			"memoryFallback":   cfg.Cache.MemoryFallback,
			"memorySize":       cfg.Cache.MemorySize,
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
		},
		"sql": map[string]any{
			"defaultTop":     cfg.SQL.DefaultTop,
			"maxTop":         cfg.SQL.MaxTop,
			"commandTimeout": cfg.SQL.CommandTimeout,
			"maxOpenConns":   cfg.SQL.MaxOpenConns,
			"maxIdleConns":   cfg.SQL.MaxIdleConns,
		},
		"proxy": map[string]any{
			"timeout":         cfg.Proxy.Timeout,
			"defaultCacheTTL": cfg.Proxy.DefaultCacheTTL,
			"headerConflict":  cfg.Proxy.HeaderConflict,
		},
		"composite": map[string]any{
			"arrayFanout": cfg.Composite.ArrayFanout,
			"stepTimeout": cfg.Composite.StepTimeout,
		},
		"files": map[string]any{
			"directory":             cfg.Files.Directory,
			"maxFileSizeBytes":      cfg.Files.MaxFileSizeBytes,
			"memoryCacheEnabled":    cfg.Files.MemoryCacheEnabled,
			"maxTotalMemoryCacheMB": cfg.Files.MaxTotalMemoryMB,
			"maxCachedFileSizeMB":   cfg.Files.MaxCachedFileSizeMB,
			"flushInterval":         cfg.Files.FlushInterval,
			"indexRefreshInterval":  cfg.Files.IndexRefreshInterval,
			"blockedExtensions":     cfg.Files.BlockedExtensions,
		},
		"rateLimit": map[string]any{
			"enabled":    cfg.RateLimit.Enabled,
			"ipRate":     cfg.RateLimit.IPRate,
			"ipBurst":    cfg.RateLimit.IPBurst,
			"tokenRate":  cfg.RateLimit.TokenRate,
			"tokenBurst": cfg.RateLimit.TokenBurst,
			"maxTracked": cfg.RateLimit.MaxTracked,
		},
	}
}
