// Package metrics holds the Prometheus collectors for taskdesk. HTTP metrics
// are recorded by Middleware; business counters are updated by the engine and
// the file store.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdesk_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskdesk_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

var (
	// TransitionsTotal counts lifecycle transition attempts by target status and result.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdesk_task_transitions_total",
			Help: "Task lifecycle transitions by target status and result.",
		},
		[]string{"target", "result"},
	)

	// TasksCreatedTotal counts task creation attempts by result.
	TasksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdesk_tasks_created_total",
			Help: "Task creation attempts by result.",
		},
		[]string{"result"},
	)

	// RecommendationsTotal counts recommendation runs by outcome (found, none).
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdesk_recommendations_total",
			Help: "Assignment recommendations by outcome.",
		},
		[]string{"outcome"},
	)

	// ArchivesTotal counts archive writes by namespace and result.
	ArchivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdesk_archives_total",
			Help: "Archive uploads by namespace and result.",
		},
		[]string{"namespace", "result"},
	)

	// ArchiveBytes observes stored archive sizes.
	ArchiveBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskdesk_archive_bytes",
			Help:    "Size of stored archives in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	// PathViolationsTotal counts download paths rejected for escaping the upload root.
	PathViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskdesk_path_violations_total",
			Help: "Stored paths rejected because they resolve outside the upload root.",
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency per normalized route.
func Middleware(basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := normalizePath(basePath, r.URL.Path)
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath replaces task and person ids with placeholders to bound label cardinality.
func normalizePath(basePath, path string) string {
	rest, ok := strings.CutPrefix(path, basePath)
	if !ok || basePath == "" {
		return path
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) >= 2 {
		switch parts[0] {
		case "tasks":
			parts[1] = "{id}"
		case "persons":
			parts[1] = "{id}"
		}
	}
	return basePath + "/" + strings.Join(parts, "/")
}
