package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
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

	// AuthzDecisions counts permission evaluations by operation and result.
	AuthzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveys_authz_decisions_total",
			Help: "Survey authorization decisions.",
		},
		[]string{"operation", "result"},
	)

	// TokenCacheOps counts backing-store operations issued by credential cache handles.
	TokenCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveys_token_cache_operations_total",
			Help: "Token cache backing-store operations.",
		},
		[]string{"op", "result"},
	)

	// TokenAcquisitions counts delegated token requests by source (cache, refresh, redeem).
	TokenAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveys_token_acquisitions_total",
			Help: "Delegated token acquisitions.",
		},
		[]string{"source", "result"},
	)

	// ProvisioningEvents counts tenant onboarding outcomes.
	ProvisioningEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveys_provisioning_events_total",
			Help: "Tenant and user provisioning events.",
		},
		[]string{"event"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Tailspin auth service build information.",
		},
		[]string{"version", "commit"},
	)

	initOnce sync.Once
)

// Init registers the metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal, httpRequestDuration,
			AuthzDecisions, TokenCacheOps, TokenAcquisitions, ProvisioningEvents,
			buildInfo,
		)
	})
}

// SetBuildInfo publishes build_info{version,commit} 1.
func SetBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "ok"/"error" label used by the counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Instrument records request count and latency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
