package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Stream kinds reported by the open streams gauge.
const (
	streamSteps  = "steps"
	streamEvents = "events"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Streaming endpoints are excluded.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	openStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestra_http_open_streams",
			Help: "Step SSE streams and event websockets currently open.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, openStreams)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern, not the raw path, to bound label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		if !isStream(path) {
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func isStream(pattern string) bool {
	return pattern == "/v1/events" || pattern == "/v1/executions/{id}/steps/stream"
}

// trackStream bumps the open streams gauge and returns its release.
func trackStream(kind string) func() {
	g := openStreams.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
