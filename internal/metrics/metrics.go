package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	CacheOperationGet    CacheOperation = "get"
	CacheOperationSet    CacheOperation = "set"
	CacheOperationRemove CacheOperation = "remove"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	sqlLatency *prometheus.HistogramVec

	rateLimited *prometheus.CounterVec

	authFailures *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portway",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total API requests processed per environment and endpoint kind.",
	}, []string{"environment", "endpoint", "kind", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portway",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"environment", "endpoint", "kind"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portway",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the gateway.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portway",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	sqlLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portway",
		Subsystem: "sql",
		Name:      "query_duration_seconds",
		Help:      "Latency distribution for SQL queries and procedure calls.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"environment", "endpoint", "operation"})

	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portway",
		Subsystem: "gateway",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"scope"})

	authFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portway",
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Authentication and authorization rejections.",
	}, []string{"reason"})

	reg.MustRegister(requests, requestLatency, cacheOperations, cacheLatency, sqlLatency, rateLimited, authFailures)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestLatency:  requestLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		sqlLatency:      sqlLatency,
		rateLimited:     rateLimited,
		authFailures:    authFailures,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed request.
func (r *Recorder) ObserveRequest(environment, endpoint, kind string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	envLabel := normalizeLabel(environment)
	epLabel := normalizeLabel(endpoint)
	kindLabel := normalizeLabel(kind)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(envLabel, epLabel, kindLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(envLabel, epLabel, kindLabel).Observe(duration.Seconds())
}

// ObserveCache records a response cache operation.
func (r *Recorder) ObserveCache(op CacheOperation, result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(string(op), normalizeLabel(result)).Inc()
	r.cacheLatency.WithLabelValues(string(op), normalizeLabel(result)).Observe(duration.Seconds())
}

// ObserveSQL records a database round trip.
func (r *Recorder) ObserveSQL(environment, endpoint, operation string, duration time.Duration) {
	if r == nil {
		return
	}
	r.sqlLatency.WithLabelValues(normalizeLabel(environment), normalizeLabel(endpoint), normalizeLabel(operation)).Observe(duration.Seconds())
}

// ObserveRateLimited counts a 429 rejection for the given bucket scope.
func (r *Recorder) ObserveRateLimited(scope string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(normalizeLabel(scope)).Inc()
}

// ObserveAuthFailure counts a 401/403 rejection.
func (r *Recorder) ObserveAuthFailure(reason string) {
	if r == nil {
		return
	}
	r.authFailures.WithLabelValues(normalizeLabel(reason)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
