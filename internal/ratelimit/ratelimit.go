// Package ratelimit applies token-bucket limits per client IP and per bearer
// token. Bucket maps are LRU-bounded so a scan across many source addresses
// cannot grow memory without bound.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/config"
)

// Scope names which bucket rejected a request, for metrics.
type Scope string

const (
	ScopeIP    Scope = "ip"
	ScopeToken Scope = "token"
)

// Limiter holds the per-IP and per-token bucket maps.
type Limiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	byIP    *lru.Cache[string, *rate.Limiter]
	byToken *lru.Cache[string, *rate.Limiter]
}

// New builds the limiter. A disabled configuration returns a limiter that
// always admits.
func New(cfg config.RateLimitConfig) (*Limiter, error) {
	l := &Limiter{cfg: cfg}
	if !cfg.Enabled {
		return l, nil
	}
	byIP, err := lru.New[string, *rate.Limiter](cfg.MaxTracked)
	if err != nil {
		return nil, err
	}
	byToken, err := lru.New[string, *rate.Limiter](cfg.MaxTracked)
	if err != nil {
		return nil, err
	}
	l.byIP = byIP
	l.byToken = byToken
	return l, nil
}

// AllowIP admits or rejects by source address. Runs before authentication so
// invalid credentials still burn the caller's budget.
func (l *Limiter) AllowIP(remoteAddr string) error {
	if !l.cfg.Enabled {
		return nil
	}
	ip := clientIP(remoteAddr)
	if !l.bucket(l.byIP, ip, l.cfg.IPRate, l.cfg.IPBurst).Allow() {
		return api.Errf(api.KindRateLimited, "too many requests")
	}
	return nil
}

// AllowToken admits or rejects by authenticated identity.
func (l *Limiter) AllowToken(username string) error {
	if !l.cfg.Enabled || username == "" {
		return nil
	}
	if !l.bucket(l.byToken, strings.ToLower(username), l.cfg.TokenRate, l.cfg.TokenBurst).Allow() {
		return api.Errf(api.KindRateLimited, "too many requests")
	}
	return nil
}

func (l *Limiter) bucket(buckets *lru.Cache[string, *rate.Limiter], key string, perSecond float64, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok := buckets.Get(key); ok {
		return bucket
	}
	bucket := rate.NewLimiter(rate.Limit(perSecond), burst)
	buckets.Add(key, bucket)
	return bucket
}

// clientIP strips the port and tolerates bare addresses.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// FromRequest resolves the client address, honoring the first entry of
// X-Forwarded-For when a proxy sits in front of the gateway.
func FromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if trimmed := strings.TrimSpace(first); trimmed != "" {
			return trimmed
		}
	}
	return clientIP(r.RemoteAddr)
}
