// Package server exposes the gateway's HTTP surface: the /api dispatch
// pipeline, health probes, and the metrics endpoint.
package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/portwayapi/portway/internal/api"
	"github.com/portwayapi/portway/internal/auth"
	"github.com/portwayapi/portway/internal/cache"
	"github.com/portwayapi/portway/internal/composite"
	"github.com/portwayapi/portway/internal/config"
	"github.com/portwayapi/portway/internal/endpoint"
	"github.com/portwayapi/portway/internal/environment"
	"github.com/portwayapi/portway/internal/files"
	"github.com/portwayapi/portway/internal/metrics"
	"github.com/portwayapi/portway/internal/proxy"
	"github.com/portwayapi/portway/internal/ratelimit"
	"github.com/portwayapi/portway/internal/sqlengine"
	"github.com/portwayapi/portway/internal/webhook"
)

const maxBodyBytes = 10 << 20

// Options carries every dependency the handler dispatches into.
type Options struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Endpoints *endpoint.Registry
	Envs      *environment.Registry
	Verifier  *auth.Verifier
	Auditor   *auth.Auditor
	Limiter   *ratelimit.Limiter
	SQL       *sqlengine.Engine
	Proxy     *proxy.Engine
	Files     *files.Store
	Webhook   *webhook.Engine
	Cache     cache.Provider
}

// Handler routes and executes gateway requests.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Recorder
	endpoints *endpoint.Registry
	envs      *environment.Registry
	verifier  *auth.Verifier
	auditor   *auth.Auditor
	limiter   *ratelimit.Limiter
	sql       *sqlengine.Engine
	proxy     *proxy.Engine
	composite *composite.Engine
	files     *files.Store
	webhook   *webhook.Engine
	cache     cache.Provider
	started   time.Time
}

// NewHandler wires the dispatch pipeline. The composite engine is built here
// because its steps call back into this handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:       opts.Config,
		logger:    logger.With(slog.String("agent", "dispatcher")),
		metrics:   opts.Metrics,
		endpoints: opts.Endpoints,
		envs:      opts.Envs,
		verifier:  opts.Verifier,
		auditor:   opts.Auditor,
		limiter:   opts.Limiter,
		sql:       opts.SQL,
		proxy:     opts.Proxy,
		files:     opts.Files,
		webhook:   opts.Webhook,
		cache:     opts.Cache,
		started:   time.Now(),
	}
	h.composite = composite.NewEngine(opts.Config.Composite, h, logger)
	return h
}

// Router builds the chi mux.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.serveHealth)
	r.Get("/health/live", h.serveLive)
	r.Get("/health/details", h.serveHealthDetails)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	r.HandleFunc("/api/{environment}/*", h.dispatch)
	return r
}

type outcome struct {
	endpoint string
	kind     string
	username string
}

// dispatch runs the request pipeline: IP rate limit, environment check,
// authentication, token rate limit, scope checks, then the kind-specific
// executor. Every completed request is measured and access-logged; auth
// failures additionally land in the audit trail.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	env := chi.URLParam(r, "environment")
	segments := splitPath(chi.URLParam(r, "*"))
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	out := &outcome{kind: "unknown", endpoint: "unknown"}
	defer h.finish(r, sw, env, out, started)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := h.limiter.AllowIP(ratelimit.FromRequest(r)); err != nil {
		h.metrics.ObserveRateLimited(string(ratelimit.ScopeIP))
		api.WriteError(sw, h.logger, err)
		return
	}
	if len(segments) == 0 {
		api.WriteError(sw, h.logger, api.Errf(api.KindNotFound, "endpoint required"))
		return
	}
	if !h.envs.IsAllowed(env) {
		api.WriteError(sw, h.logger, api.Errf(api.KindNotFound, "environment %q not found", env))
		return
	}

	token := auth.BearerFromHeader(r.Header.Get("Authorization"))
	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.metrics.ObserveAuthFailure("token")
		h.auditor.Record(auth.AuditRecord{
			Operation: auth.OpFailedAuth,
			Source:    "api",
			IPAddress: ratelimit.FromRequest(r),
			UserAgent: r.UserAgent(),
			Details: map[string]any{
				"Path":        r.URL.Path,
				"Environment": env,
			},
		})
		api.WriteError(sw, h.logger, err)
		return
	}
	out.username = identity.Username

	if err := h.limiter.AllowToken(identity.Username); err != nil {
		h.metrics.ObserveRateLimited(string(ratelimit.ScopeToken))
		api.WriteError(sw, h.logger, err)
		return
	}
	if !identity.AllowsEnvironment(env) {
		h.metrics.ObserveAuthFailure("environment")
		h.auditDenied(r, identity, "Environment", env)
		api.WriteError(sw, h.logger, api.Errf(api.KindForbidden, "environment %q not permitted for this token", env))
		return
	}

	switch segments[0] {
	case "composite":
		h.serveComposite(sw, r, env, identity, segments[1:], out)
	case "files":
		h.serveFiles(sw, r, env, identity, segments[1:], out)
	case "webhook":
		h.serveWebhook(sw, r, env, identity, segments[1:], out)
	default:
		h.serveData(sw, r, env, identity, segments, out)
	}
}

func (h *Handler) authorizeEndpoint(w http.ResponseWriter, r *http.Request, identity *auth.Identity, def *endpoint.Definition) bool {
	if identity.AllowsEndpoint(def.FullName()) {
		return true
	}
	h.metrics.ObserveAuthFailure("scope")
	h.auditDenied(r, identity, "Endpoint", def.FullName())
	api.WriteError(w, h.logger, api.Errf(api.KindForbidden, "endpoint %q not permitted for this token", def.FullName()))
	return false
}

// auditDenied records one AuthorizationFailed row with the grants the token
// actually holds, so operators can see how far off the request was.
func (h *Handler) auditDenied(r *http.Request, identity *auth.Identity, resourceType, resourceName string) {
	h.auditor.Record(auth.AuditRecord{
		TokenID:   identity.TokenID,
		Username:  identity.Username,
		Operation: auth.OpAuthorizationFailed,
		Source:    "api",
		IPAddress: ratelimit.FromRequest(r),
		UserAgent: r.UserAgent(),
		Details: map[string]any{
			"ResourceType":          resourceType,
			"ResourceName":          resourceName,
			"availableScopes":       identity.Scopes,
			"availableEnvironments": identity.Environments,
		},
	})
}

func (h *Handler) serveData(w http.ResponseWriter, r *http.Request, env string, identity *auth.Identity, segments []string, out *outcome) {
	def, rest, err := h.endpoints.Resolve(env, []endpoint.Kind{endpoint.KindSQL, endpoint.KindProxy, endpoint.KindStatic}, segments, r.Method)
	if err != nil {
		api.WriteError(w, h.logger, err)
		return
	}
	out.endpoint, out.kind = def.FullName(), string(def.Kind)
	if !h.authorizeEndpoint(w, r, identity, def) {
		return
	}

	switch def.Kind {
	case endpoint.KindStatic:
		w.Header().Set("Content-Type", def.Static.ContentType)
		_, _ = w.Write([]byte(def.Static.Content))
	case endpoint.KindProxy:
		publicBase := h.publicBase(r, env, def.FullName())
		if err := h.proxy.Execute(r.Context(), w, r, env, def, rest, publicBase); err != nil {
			api.WriteError(w, h.logger, err)
		}
	case endpoint.KindSQL:
		h.serveSQL(w, r, env, def, rest)
	default:
		api.WriteError(w, h.logger, api.Errf(api.KindUnexpected, "endpoint kind %q not dispatchable", def.Kind))
	}
}

func (h *Handler) serveSQL(w http.ResponseWriter, r *http.Request, env string, def *endpoint.Definition, rest []string) {
	switch def.SQL.ObjectType {
	case endpoint.ObjectProcedure:
		body, err := decodeBody(r)
		if err != nil {
			api.WriteError(w, h.logger, err)
			return
		}
		result, err := h.sql.ExecProcedure(r.Context(), env, def, r.Method, body)
		if err != nil {
			api.WriteError(w, h.logger, err)
			return
		}
		api.WriteJSON(w, h.logger, http.StatusOK, result)
	case endpoint.ObjectTVF:
		result, err := h.sql.CallFunction(r.Context(), env, def, rest, r.URL.Query(), r.Header, h.publicURL(r))
		if err != nil {
			api.WriteError(w, h.logger, err)
			return
		}
		api.WriteJSON(w, h.logger, http.StatusOK, result)
	default:
		if len(rest) != 0 {
			api.WriteError(w, h.logger, api.Errf(api.KindNotFound, "endpoint %q not found", strings.Join(rest, "/")))
			return
		}
		result, err := h.sql.Query(r.Context(), env, def, r.URL.Query(), h.publicURL(r))
		if err != nil {
			api.WriteError(w, h.logger, err)
			return
		}
		api.WriteJSON(w, h.logger, http.StatusOK, result)
	}
}

func (h *Handler) serveComposite(w http.ResponseWriter, r *http.Request, env string, identity *auth.Identity, segments []string, out *outcome) {
	if len(segments) == 0 {
		api.WriteError(w, h.logger, api.Errf(api.KindNotFound, "composite endpoint required"))
		return
	}
	name := strings.Join(segments, "/")
	def, err := h.endpoints.Lookup(env, endpoint.KindComposite, name, r.Method)
	if err != nil {
		api.WriteError(w, h.logger, err)
		return
	}
	out.endpoint, out.kind = def.FullName(), string(def.Kind)
	if !h.authorizeEndpoint(w, r, identity, def) {
		return
	}

	body, err := decodeBody(r)
	if err != nil {
		api.WriteError(w, h.logger, err)
		return
	}
	result, execErr := h.composite.Execute(r.Context(), env, def, body)
	if execErr != nil {
		// The partial envelope still ships so callers can see which steps
		// committed before the failure.
		api.WriteJSON(w, h.logger, http.StatusInternalServerError, result)
		return
	}
	api.WriteJSON(w, h.logger, http.StatusOK, result)
}

func (h *Handler) serveFiles(w http.ResponseWriter, r *http.Request, env string, identity *auth.Identity, segments []string, out *outcome) {
	if len(segments) == 0 {
		api.WriteError(w, h.logger, api.Errf(api.KindNotFound, "file endpoint required"))
		return
	}
	def, rest, err := h.endpoints.Resolve(env, []endpoint.Kind{endpoint.KindFile}, segments, r.Method)
	if err != nil {
		api.WriteError(w, h.logger, err)
		return
	}
	out.endpoint, out.kind = def.FullName(), string(def.Kind)
	if !h.authorizeEndpoint(w, r, identity, def) {
		return
	}

	switch {
	case r.Method == http.MethodPost:
		h.serveFileUpload(w, r, env, def)
	case r.Method == http.MethodGet && len(rest) == 0:
		index, err := h.files.List(r.Context(), env, r.URL.Query().Get("prefix"))
		if err != nil {
			api.WriteError(w, h.logger, err)
			return
		}
		api.WriteJSON(w, h.logger, http.StatusOK, map[string]any{"Count": len(index), "Value": index})
	case r.Method == http.MethodGet && len(rest) == 1:
		data, contentType, filename, err := h.files.Download(r.Context(), env, rest[0])
		if err != nil {
			api.WriteError(w, h.logger, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		_, _ = w.Write(data)
	case r.Method == http.MethodDelete && len(rest) == 1:
		if err := h.files.Delete(r.Context(), env, rest[0]); err != nil {
			api.WriteError(w, h.logger, err)
			return
		}
		api.WriteJSON(w, h.logger, http.StatusOK, map[string]any{"success": true})
	default:
		api.WriteError(w, h.logger, api.Errf(api.KindNotFound, "file operation not recognized"))
	}
}

// serveFileUpload accepts multipart form uploads on the "file" field, or a
// raw body with a filename query parameter.
func (h *Handler) serveFileUpload(w http.ResponseWriter, r *http.Request, env string, def *endpoint.Definition) {
	overwrite := strings.EqualFold(r.URL.Query().Get("overwrite"), "true")
	var content []byte
	var filename string

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			api.WriteError(w, h.logger, api.Errf(api.KindQuerySyntax, "multipart field %q required", "file"))
			return
		}
		defer file.Close()
		content, err = io.ReadAll(file)
		if err != nil {
			api.WriteError(w, h.logger, api.E(api.KindUnexpected, "upload read failed", err))
			return
		}
		filename = header.Filename
	} else {
		filename = r.URL.Query().Get("filename")
		if filename == "" {
			api.WriteError(w, h.logger, api.Errf(api.KindQuerySyntax, "filename query parameter required"))
			return
		}
		var err error
		content, err = io.ReadAll(r.Body)
		if err != nil {
			api.WriteError(w, h.logger, api.E(api.KindUnexpected, "upload read failed", err))
			return
		}
	}

	fileID, err := h.files.Upload(r.Context(), env, def.File, filename, content, overwrite)
	if err != nil {
		api.WriteError(w, h.logger, err)
		return
	}
	api.WriteJSON(w, h.logger, http.StatusCreated, map[string]any{"success": true, "fileId": fileID})
}

func (h *Handler) serveWebhook(w http.ResponseWriter, r *http.Request, env string, identity *auth.Identity, segments []string, out *outcome) {
	if len(segments) == 0 {
		api.WriteError(w, h.logger, api.Errf(api.KindNotFound, "webhook endpoint required"))
		return
	}
	name := strings.Join(segments, "/")
	def, err := h.endpoints.Lookup(env, endpoint.KindWebhook, name, r.Method)
	if err != nil {
		api.WriteError(w, h.logger, err)
		return
	}
	out.endpoint, out.kind = def.FullName(), string(def.Kind)
	if !h.authorizeEndpoint(w, r, identity, def) {
		return
	}

	body, err := decodeBody(r)
	if err != nil {
		api.WriteError(w, h.logger, err)
		return
	}
	if err := h.webhook.Receive(r.Context(), env, def, body); err != nil {
		api.WriteError(w, h.logger, err)
		return
	}
	api.WriteJSON(w, h.logger, http.StatusOK, map[string]any{"success": true})
}

// Health surface.

func (h *Handler) serveHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, h.logger, http.StatusOK, map[string]any{"status": "healthy"})
}

func (h *Handler) serveLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveHealthDetails(w http.ResponseWriter, r *http.Request) {
	details := map[string]any{
		"status":       "healthy",
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"endpoints":    h.endpoints.Count(),
		"environments": h.envs.AllowedEnvironments(),
	}
	if h.cache != nil {
		if size, err := h.cache.Size(r.Context()); err == nil {
			details["cacheEntries"] = size
		}
	}
	if issues := h.endpoints.Issues(); len(issues) > 0 {
		details["configIssues"] = len(issues)
	}
	api.WriteJSON(w, h.logger, http.StatusOK, details)
}

// finish emits metrics and the access log line.
func (h *Handler) finish(r *http.Request, sw *statusWriter, env string, out *outcome, started time.Time) {
	took := time.Since(started)
	h.metrics.ObserveRequest(env, out.endpoint, out.kind, sw.status, took)
	h.logger.Info("request completed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("environment", env),
		slog.String("endpoint", out.endpoint),
		slog.Int("status", sw.status),
		slog.Duration("took", took),
		slog.String("client", ratelimit.FromRequest(r)),
		slog.String("username", out.username),
	)
}

func (h *Handler) publicBase(r *http.Request, env, endpointName string) string {
	return h.scheme(r) + "://" + r.Host + "/api/" + env + "/" + endpointName
}

func (h *Handler) publicURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = h.scheme(r)
	u.Host = r.Host
	return &u
}

func (h *Handler) scheme(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		return forwarded
	}
	if h.cfg.Server.PublicScheme != "" {
		return h.cfg.Server.PublicScheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func decodeBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return map[string]any{}, nil
	}
	var body map[string]any
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return nil, api.Errf(api.KindQuerySyntax, "request body is not valid JSON")
	}
	if body == nil {
		body = map[string]any{}
	}
	return normalizeNumbers(body).(map[string]any), nil
}

// normalizeNumbers converts json.Number to int64 where lossless, float64
// otherwise, so SQL parameters bind with native driver types.
func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalizeNumbers(item)
		}
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return value
	}
}

func splitPath(raw string) []string {
	var segments []string
	for _, part := range strings.Split(raw, "/") {
		if decoded, err := url.PathUnescape(part); err == nil {
			part = decoded
		}
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusWriter) WriteHeader(status int) {
	if !s.wrote {
		s.status = status
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}
