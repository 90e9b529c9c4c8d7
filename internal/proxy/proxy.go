// Package proxy forwards endpoint requests to HTTP upstreams, with method
// translation, per-environment header injection, and a shared response
// cache for idempotent reads.
package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/cache"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
	"github.com/portwayapi/portway/internal/environment"
	"github.com/portwayapi/portway/internal/metrics"
)

// CacheHeader reports whether a response was served from the gateway cache.
const CacheHeader = "X-Portway-Cache"

// hopByHopHeaders never cross the proxy boundary in either direction.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Engine executes proxy endpoint requests.
type Engine struct {
	cfg     config.ProxyConfig
	cache   cache.Provider
	envs    *environment.Registry
	logger  *slog.Logger
	metrics *metrics.Recorder
	client  *http.Client
}

// NewEngine builds the proxy engine around one shared HTTP client.
func NewEngine(cfg config.ProxyConfig, provider cache.Provider, envs *environment.Registry, recorder *metrics.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		cache:   provider,
		envs:    envs,
		logger:  logger.With(slog.String("agent", "proxy_engine")),
		metrics: recorder,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects pass through untouched; the caller follows them.
				return http.ErrUseLastResponse
			},
		},
	}
}

// Execute forwards the request. The rest segments and query string are
// appended to the upstream base URL; publicBase is the gateway prefix used
// for response URL rewriting.
func (e *Engine) Execute(ctx context.Context, w http.ResponseWriter, r *http.Request, env string, def *endpoint.Definition, rest []string, publicBase string) error {
	settings, err := e.envs.Lookup(ctx, env)
	if err != nil {
		return err
	}

	target := buildTargetURL(def.Proxy.UpstreamURL, rest, r.URL.RawQuery)
	translated := def.Proxy.TranslateMethod(r.Method)

	cacheable := translated == http.MethodGet && def.Proxy.CacheSeconds >= 0
	key := e.cacheKey(env, def.FullName(), translated, target, r)
	if cacheable {
		if entry, ok := e.cacheGet(ctx, key); ok {
			writeCached(w, entry, "HIT")
			return nil
		}
	}

	var body io.Reader
	if r.Body != nil && r.ContentLength != 0 {
		body = r.Body
	}
	upstream, err := http.NewRequestWithContext(ctx, translated, target, body)
	if err != nil {
		return api.E(api.KindUnexpected, "upstream request invalid", err)
	}
	copyRequestHeaders(upstream.Header, r.Header)
	for name, value := range settings.Headers {
		upstream.Header.Set(name, value)
	}
	e.appendMethodHeaders(upstream.Header, def.Proxy, r.Method, translated)
	if r.ContentLength > 0 {
		upstream.ContentLength = r.ContentLength
	}

	response, err := e.client.Do(upstream)
	if err != nil {
		return classifyUpstreamError(def.FullName(), err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 64<<20))
	if err != nil {
		return api.E(api.KindUpstreamDown, fmt.Sprintf("upstream %q response unreadable", def.FullName()), err)
	}

	if def.Proxy.RewriteResponseURLs && isTextual(response.Header.Get("Content-Type")) {
		payload = rewriteURLs(payload, def.Proxy.UpstreamURL, publicBase)
	}

	if cacheable && response.StatusCode >= 200 && response.StatusCode < 300 {
		e.cacheSet(ctx, key, def, response, payload)
	}
	if translated != http.MethodGet {
		// Any mutation through this endpoint makes its cached reads stale.
		e.invalidate(ctx, env, def.FullName())
	}

	copyResponseHeaders(w.Header(), response.Header)
	w.Header().Set(CacheHeader, "MISS")
	w.WriteHeader(response.StatusCode)
	_, _ = w.Write(payload)
	return nil
}

// Invalidate drops every cached response for one endpoint in an environment.
func (e *Engine) Invalidate(ctx context.Context, env, endpointName string) {
	e.invalidate(ctx, env, endpointName)
}

func (e *Engine) invalidate(ctx context.Context, env, endpointName string) {
	if e.cache == nil {
		return
	}
	prefix := cachePrefix(env, endpointName)
	if err := e.cache.DeletePrefix(ctx, prefix); err != nil {
		e.logger.Warn("cache invalidation failed",
			slog.String("prefix", prefix), slog.Any("error", err))
	}
}

func cachePrefix(env, endpointName string) string {
	return "proxy:" + strings.ToLower(env) + ":" + strings.ToLower(endpointName) + ":"
}

// cacheKey hashes everything that legitimately varies a response. The
// Authorization header participates as a digest so tokens never land in the
// cache backend.
func (e *Engine) cacheKey(env, endpointName, method, target string, r *http.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s",
		method, target, env, endpointName, r.Header.Get("Accept-Language"))
	if auth := r.Header.Get("Authorization"); auth != "" {
		sum := sha256.Sum256([]byte(auth))
		h.Write(sum[:])
	}
	return cachePrefix(env, endpointName) + hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) cacheGet(ctx context.Context, key string) (cache.Entry, bool) {
	if e.cache == nil {
		return cache.Entry{}, false
	}
	started := time.Now()
	entry, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.metrics.ObserveCache("get", "error", time.Since(started))
		return cache.Entry{}, false
	}
	if !ok {
		e.metrics.ObserveCache("get", "miss", time.Since(started))
		return cache.Entry{}, false
	}
	e.metrics.ObserveCache("get", "hit", time.Since(started))
	return entry, true
}

func (e *Engine) cacheSet(ctx context.Context, key string, def *endpoint.Definition, response *http.Response, payload []byte) {
	if e.cache == nil {
		return
	}
	// Only textual payloads (JSON, XML, text) are worth replaying; binary
	// streams pass through uncached.
	if !isTextual(response.Header.Get("Content-Type")) {
		return
	}
	ttl := e.ttlFor(def, response.Header)
	if ttl <= 0 {
		return
	}
	headers := map[string]string{}
	for _, name := range []string{"Content-Type", "Content-Language", "ETag", "Last-Modified"} {
		if value := response.Header.Get(name); value != "" {
			headers[name] = value
		}
	}
	entry := cache.Entry{
		Content:     payload,
		Headers:     headers,
		StatusCode:  response.StatusCode,
		ContentType: response.Header.Get("Content-Type"),
		CreatedAt:   time.Now().UTC(),
	}
	started := time.Now()
	if err := e.cache.Set(ctx, key, entry, ttl); err != nil {
		e.metrics.ObserveCache("set", "error", time.Since(started))
		e.logger.Warn("cache store failed", slog.Any("error", err))
		return
	}
	e.metrics.ObserveCache("set", "ok", time.Since(started))
}

// ttlFor takes the tightest of the upstream max-age, the endpoint override,
// and the configured default.
func (e *Engine) ttlFor(def *endpoint.Definition, headers http.Header) time.Duration {
	ttl := e.cfg.DefaultCacheTTL
	if def.Proxy.CacheSeconds > 0 {
		ttl = time.Duration(def.Proxy.CacheSeconds) * time.Second
	}
	if maxAge, ok := parseMaxAge(headers.Get("Cache-Control")); ok {
		if maxAge == 0 {
			return 0
		}
		if maxAge < ttl {
			ttl = maxAge
		}
	}
	return ttl
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if directive == "no-store" || directive == "no-cache" {
			return 0, true
		}
		if value, found := strings.CutPrefix(directive, "max-age="); found {
			seconds, err := strconv.Atoi(value)
			if err != nil {
				continue
			}
			return time.Duration(seconds) * time.Second, true
		}
	}
	return 0, false
}

func (e *Engine) appendMethodHeaders(headers http.Header, def *endpoint.ProxyDefinition, original, translated string) {
	templates := def.AppendHeaders[strings.ToUpper(original)]
	if len(templates) == 0 {
		return
	}
	replacer := strings.NewReplacer(
		"{ORIGINAL_METHOD}", strings.ToUpper(original),
		"{TRANSLATED_METHOD}", translated,
	)
	for name, template := range templates {
		value := replacer.Replace(template)
		if def.HeaderConflict != "overwrite" && headers.Get(name) != "" {
			continue
		}
		headers.Set(name, value)
	}
}

func buildTargetURL(upstream string, rest []string, rawQuery string) string {
	var sb strings.Builder
	sb.WriteString(upstream)
	for _, segment := range rest {
		sb.WriteString("/")
		sb.WriteString(url.PathEscape(segment))
	}
	if rawQuery != "" {
		sb.WriteString("?")
		sb.WriteString(rawQuery)
	}
	return sb.String()
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) || strings.EqualFold(name, "Host") {
			continue
		}
		// The gateway's own bearer token authenticates against the gateway,
		// not the upstream; it never crosses the boundary.
		if strings.EqualFold(name, "Authorization") {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func isHopByHop(name string) bool {
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}

func isTextual(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "xml") ||
		strings.HasPrefix(contentType, "text/")
}

// rewriteURLs is a plain textual substitution: upstream base addresses in
// JSON and XML payloads become the gateway's public address so clients never
// learn the internal topology.
func rewriteURLs(payload []byte, upstreamBase, publicBase string) []byte {
	if publicBase == "" {
		return payload
	}
	return bytes.ReplaceAll(payload, []byte(upstreamBase), []byte(publicBase))
}

func writeCached(w http.ResponseWriter, entry cache.Entry, verdict string) {
	for name, value := range entry.Headers {
		w.Header().Set(name, value)
	}
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set(CacheHeader, verdict)
	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Content)
}

func classifyUpstreamError(endpointName string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return api.E(api.KindUpstreamTimeout, fmt.Sprintf("upstream %q timed out", endpointName), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return api.E(api.KindUpstreamDown, fmt.Sprintf("upstream %q unreachable", endpointName), err)
}
