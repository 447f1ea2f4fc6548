package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	governanceRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_rejections_total",
			Help: "Access item configurations rejected by the governance engine.",
		},
		[]string{"platform", "item_type"},
	)

	pamCheckouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pam_checkouts_total",
			Help: "PAM checkout attempts by outcome.",
		},
		[]string{"outcome"},
	)

	externalCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_provider_calls_total",
			Help: "Calls to third-party platform APIs by platform, operation and result.",
		},
		[]string{"platform", "operation", "result"},
	)

	auditSinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_sink_failures_total",
			Help: "Audit appends that failed in a sink; the triggering operation still succeeded.",
		},
		[]string{"sink"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			governanceRejections, pamCheckouts, externalCalls, auditSinkFailures, ready,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordGovernanceRejection counts a rejected access item configuration.
func RecordGovernanceRejection(platform, itemType string) {
	governanceRejections.WithLabelValues(platform, itemType).Inc()
}

// RecordCheckout counts a PAM checkout attempt ("granted", "exclusive", "no_credential", "error").
func RecordCheckout(outcome string) {
	pamCheckouts.WithLabelValues(outcome).Inc()
}

// RecordExternalCall counts a platform API call. result is "ok" or an error kind.
func RecordExternalCall(platform, operation, result string) {
	externalCalls.WithLabelValues(platform, operation, result).Inc()
}

// RecordAuditSinkFailure counts a swallowed audit sink error.
func RecordAuditSinkFailure(sink string) {
	auditSinkFailures.WithLabelValues(sink).Inc()
}

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps a handler with RPS/latency/in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if idSegmentAfter[parts[i-1]] {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

var idSegmentAfter = map[string]bool{
	"platforms":              true,
	"access-requests":        true,
	"onboarding":             true,
	"items":                  true,
	"clients":                true,
	"integration-identities": true,
	"sessions":               true,
}

// statusWriter is a local copy so Instrument knows the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
