// Package metrics provides Prometheus metrics for the identity service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "identity_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Delegation metrics
	delegationsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_delegations_issued_total",
			Help: "Total number of delegations signed",
		},
		[]string{"preset"},
	)

	// Session metrics
	sessionOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_session_operations_total",
			Help: "Total number of session operations",
		},
		[]string{"operation", "outcome"},
	)

	cookieRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_cookie_rejections_total",
			Help: "Total number of refresh cookies rejected",
		},
		[]string{"reason"}, // error code
	)

	upgradeLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_upgrade_lockouts_total",
			Help: "Total number of principals locked out of upgrade",
		},
	)

	// KV metrics
	kvOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_kv_operations_total",
			Help: "Total number of KV operations",
		},
		[]string{"backend", "op", "result"}, // result: "ok", "miss", error code
	)

	kvOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "identity_kv_operation_duration_seconds",
			Help:    "KV operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Rate limiting metrics
	rateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"endpoint"},
	)
)

// RecordDelegationIssued records a delegation signed with the named preset.
func RecordDelegationIssued(preset string) {
	delegationsIssuedTotal.WithLabelValues(preset).Inc()
}

// RecordSessionOperation records the outcome of a session operation.
func RecordSessionOperation(operation, outcome string) {
	sessionOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordCookieRejected records a refresh cookie that failed to decode.
func RecordCookieRejected(reason string) {
	cookieRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordUpgradeLockout records a principal being locked out of upgrade.
func RecordUpgradeLockout() {
	upgradeLockoutsTotal.Inc()
}

// RecordKVOperation records a KV operation and its latency.
func RecordKVOperation(backend, op, result string, d time.Duration) {
	kvOperationsTotal.WithLabelValues(backend, op, result).Inc()
	kvOperationDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

// RecordRateLimitExceeded records a rate limit exceeded event.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var knownPaths = map[string]bool{
	"/healthz":                       true,
	"/readyz":                        true,
	"/metrics":                       true,
	"/api/identity/anonymous":        true,
	"/api/identity/anonymous/cookie": true,
	"/api/identity/extract":          true,
	"/api/identity/extract/short":    true,
	"/api/identity/temp-token":       true,
	"/api/identity/upgrade":          true,
	"/api/identity/logout":           true,
	"/api/identity/provider":         true,
}

// normalizePath keeps known routes and folds everything else into one
// label value so scanners cannot inflate cardinality.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "/other"
}
