package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "route"},
	)

	// Pipeline and catalog metrics
	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Duration of full sync, build and collect runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	PipelineRepositoryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_repository_failures_total",
			Help: "Repositories excluded from a run, by stage",
		},
		[]string{"stage"},
	)

	CatalogScanErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_scan_errors_total",
			Help: "Total number of failed plugin tree scans",
		},
	)

	CatalogPlugins = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_plugins",
			Help: "Number of plugins in the published catalog",
		},
	)

	ArtifactDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifact_downloads_total",
			Help: "Artifacts served, by kind",
		},
		[]string{"kind"},
	)

	ArtifactCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "artifact_cache_hits_total",
			Help: "Total number of artifact cache hits",
		},
	)

	ArtifactCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "artifact_cache_misses_total",
			Help: "Total number of artifact cache misses",
		},
	)
)

// Metrics returns a middleware that records Prometheus metrics, labelled by
// route pattern rather than raw path
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.Status())
		pattern := parseRoute(r.URL.Path).pattern

		httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(duration)
		httpResponseSize.WithLabelValues(r.Method, pattern).Observe(float64(ww.BytesWritten()))
	})
}
