package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option the gateway needs at startup.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Cache     CacheConfig     `koanf:"cache"`
	SQL       SQLConfig       `koanf:"sql"`
	Proxy     ProxyConfig     `koanf:"proxy"`
	Composite CompositeConfig `koanf:"composite"`
	Files     FilesConfig     `koanf:"files"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen       ListenConfig  `koanf:"listen"`
	Logging      LoggingConfig `koanf:"logging"`
	PublicScheme string        `koanf:"publicScheme"`

	// EndpointsDirectory is the root of the endpoints/{kind}/... tree.
	EndpointsDirectory string `koanf:"endpointsDirectory"`
	// EnvironmentsDirectory holds settings.json plus per-environment folders.
	EnvironmentsDirectory string `koanf:"environmentsDirectory"`
	// EncryptionKey is the RSA private key (PEM content or file path) used
	// to decrypt protected environment settings. Empty disables decryption.
	EncryptionKey string `koanf:"encryptionKey"`
	// ReloadDebounce batches filesystem events per path before a reload.
	ReloadDebounce time.Duration `koanf:"reloadDebounce"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and the optional daily file sink.
type LoggingConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	Directory string `koanf:"directory"`
}

// AuthConfig locates the token database and provisioning files.
type AuthConfig struct {
	DatabasePath    string `koanf:"databasePath"`
	TokensDirectory string `koanf:"tokensDirectory"`
}

// CacheConfig selects the response-cache backend and its behavior.
type CacheConfig struct {
	Backend          string        `koanf:"backend"`
	DefaultTTL       time.Duration `koanf:"defaultTTL"`
	OperationTimeout time.Duration `koanf:"operationTimeout"`
	MemoryFallback   bool          `koanf:"memoryFallback"`
	MemorySize       int           `koanf:"memorySize"`
	Valkey           ValkeyConfig  `koanf:"valkey"`
}

// ValkeyConfig mirrors the distributed cache connection settings.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// SQLConfig bounds query execution.
type SQLConfig struct {
	DefaultTop     int           `koanf:"defaultTop"`
	MaxTop         int           `koanf:"maxTop"`
	CommandTimeout time.Duration `koanf:"commandTimeout"`
	MaxOpenConns   int           `koanf:"maxOpenConns"`
	MaxIdleConns   int           `koanf:"maxIdleConns"`
}

// ProxyConfig bounds upstream forwarding and response caching.
type ProxyConfig struct {
	Timeout         time.Duration `koanf:"timeout"`
	DefaultCacheTTL time.Duration `koanf:"defaultCacheTTL"`
	// HeaderConflict decides whether appended method headers replace
	// caller-supplied values: "skip" or "overwrite".
	HeaderConflict string `koanf:"headerConflict"`
}

// CompositeConfig bounds orchestrated sub-requests.
type CompositeConfig struct {
	ArrayFanout int           `koanf:"arrayFanout"`
	StepTimeout time.Duration `koanf:"stepTimeout"`
}

// FilesConfig bounds the file engine and its hybrid memory layer.
type FilesConfig struct {
	Directory            string        `koanf:"directory"`
	MaxFileSizeBytes     int64         `koanf:"maxFileSizeBytes"`
	MemoryCacheEnabled   bool          `koanf:"memoryCacheEnabled"`
	MaxTotalMemoryMB     int           `koanf:"maxTotalMemoryCacheMB"`
	MaxCachedFileSizeMB  int           `koanf:"maxCachedFileSizeMB"`
	FlushInterval        time.Duration `koanf:"flushInterval"`
	IndexRefreshInterval time.Duration `koanf:"indexRefreshInterval"`
	BlockedExtensions    []string      `koanf:"blockedExtensions"`
}

// RateLimitConfig shapes the per-IP and per-token buckets.
type RateLimitConfig struct {
	Enabled    bool    `koanf:"enabled"`
	IPRate     float64 `koanf:"ipRate"`
	IPBurst    int     `koanf:"ipBurst"`
	TokenRate  float64 `koanf:"tokenRate"`
	TokenBurst int     `koanf:"tokenBurst"`
	MaxTracked int     `koanf:"maxTracked"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.EndpointsDirectory) == "" {
		return errors.New("config: server.endpointsDirectory required")
	}
	if strings.TrimSpace(c.Server.EnvironmentsDirectory) == "" {
		return errors.New("config: server.environmentsDirectory required")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "valkey", "redis":
		if strings.TrimSpace(c.Cache.Valkey.Address) == "" {
			return errors.New("config: cache.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.SQL.DefaultTop <= 0 {
		return fmt.Errorf("config: sql.defaultTop invalid: %d", c.SQL.DefaultTop)
	}
	if c.SQL.MaxTop < c.SQL.DefaultTop {
		return fmt.Errorf("config: sql.maxTop %d below sql.defaultTop %d", c.SQL.MaxTop, c.SQL.DefaultTop)
	}
	switch strings.ToLower(strings.TrimSpace(c.Proxy.HeaderConflict)) {
	case "", "skip", "overwrite":
	default:
		return fmt.Errorf("config: proxy.headerConflict unsupported: %s", c.Proxy.HeaderConflict)
	}
	if c.Composite.ArrayFanout <= 0 {
		return fmt.Errorf("config: composite.arrayFanout invalid: %d", c.Composite.ArrayFanout)
	}
	if c.Files.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("config: files.maxFileSizeBytes invalid: %d", c.Files.MaxFileSizeBytes)
	}
	if c.RateLimit.Enabled && (c.RateLimit.IPRate <= 0 || c.RateLimit.TokenRate <= 0) {
		return errors.New("config: rateLimit rates must be positive when enabled")
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design
// defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:                ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging:               LoggingConfig{Level: "info", Format: "json", Directory: "log"},
			PublicScheme:          "https",
			EndpointsDirectory:    "endpoints",
			EnvironmentsDirectory: "environments",
			ReloadDebounce:        2 * time.Second,
		},
		Auth: AuthConfig{
			DatabasePath:    "auth.db",
			TokensDirectory: "tokens",
		},
		Cache: CacheConfig{
			Backend:          "memory",
			DefaultTTL:       5 * time.Minute,
			OperationTimeout: 5 * time.Second,
			MemoryFallback:   true,
			MemorySize:       4096,
		},
		SQL: SQLConfig{
			DefaultTop:     50,
			MaxTop:         1000,
			CommandTimeout: 30 * time.Second,
			MaxOpenConns:   16,
			MaxIdleConns:   4,
		},
		Proxy: ProxyConfig{
			Timeout:         30 * time.Second,
			DefaultCacheTTL: 5 * time.Minute,
			HeaderConflict:  "skip",
		},
		Composite: CompositeConfig{
			ArrayFanout: 4,
			StepTimeout: 30 * time.Second,
		},
		Files: FilesConfig{
			Directory:            "files",
			MaxFileSizeBytes:     50 << 20,
			MemoryCacheEnabled:   true,
			MaxTotalMemoryMB:     256,
			MaxCachedFileSizeMB:  16,
			FlushInterval:        time.Minute,
			IndexRefreshInterval: 20 * time.Minute,
			BlockedExtensions:    []string{".exe", ".dll", ".bat", ".cmd", ".sh", ".ps1", ".msi", ".com", ".scr"},
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			IPRate:     50,
			IPBurst:    100,
			TokenRate:  100,
			TokenBurst: 200,
			MaxTracked: 8192,
		},
	}
}
