// metrics.go registers Prometheus HTTP metrics for the service. Path
// labels are normalized so per-upload URLs do not blow up cardinality.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geostage_http_requests_total",
			Help: "Total HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geostage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Metrics returns middleware that records request counts and durations.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the original ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath replaces identifier path segments with placeholders.
// /api/uploads/3f2a.../approve becomes /api/uploads/{id}/approve.
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/metrics", "/api/analyses", "/api/uploads", "/api/configs", "/api/structures":
		return path
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if i == 0 || seg == "" {
			continue
		}
		prev := segments[i-1]
		if prev == "uploads" || prev == "configs" || prev == "structures" || prev == "datasets" {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}
