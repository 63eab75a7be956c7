package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	syncDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Encounter metrics
	InstancesCreatedTotal    *prometheus.CounterVec
	FieldSavesTotal          *prometheus.CounterVec
	FieldValidationFailures  *prometheus.CounterVec
	TransitionsTotal         *prometheus.CounterVec
	BypassesTotal            *prometheus.CounterVec
	CompletionsTotal         *prometheus.CounterVec
	ClassificationsTotal     *prometheus.CounterVec
	ClinicalWarningsTotal    *prometheus.CounterVec

	// Sync metrics
	SyncAttemptsTotal *prometheus.CounterVec
	SyncQueueDepth    prometheus.Gauge
	SyncErrorRecords  prometheus.Gauge
	SyncPushDuration  prometheus.Histogram

	// System metrics
	SchemasLoaded          prometheus.Gauge
	SchemaChecksumFailures prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "afya_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "afya_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "afya_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Encounters
		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_instances_created_total",
			Help: "Total number of form instances created.",
		}, []string{"schema_id"}),
		FieldSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_field_saves_total",
			Help: "Total number of accepted field writes.",
		}, []string{"schema_id"}),
		FieldValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_field_validation_failures_total",
			Help: "Total number of rejected field writes.",
		}, []string{"schema_id", "code"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_transitions_total",
			Help: "Total number of state transition attempts.",
		}, []string{"schema_id", "outcome"}),
		BypassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_bypasses_total",
			Help: "Total number of emergency bypass transitions.",
		}, []string{"schema_id"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_completions_total",
			Help: "Total number of completed encounters.",
		}, []string{"schema_id"}),
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_classifications_total",
			Help: "Total number of triage classifications at completion.",
		}, []string{"schema_id", "priority"}),
		ClinicalWarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_clinical_warnings_total",
			Help: "Total number of clinical warnings raised on field writes.",
		}, []string{"schema_id"}),

		// Sync
		SyncAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "afya_sync_attempts_total",
			Help: "Total number of sync push attempts.",
		}, []string{"result"}),
		SyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "afya_sync_queue_depth",
			Help: "Number of records waiting in the sync queue.",
		}),
		SyncErrorRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "afya_sync_error_records",
			Help: "Number of queued records with at least one failed attempt.",
		}),
		SyncPushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "afya_sync_push_duration_seconds",
			Help:    "Sync push duration in seconds.",
			Buckets: syncDurationBuckets,
		}),

		// System
		SchemasLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "afya_schemas_loaded",
			Help: "Number of schema versions in the registry.",
		}),
		SchemaChecksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "afya_schema_checksum_failures_total",
			Help: "Total number of schemas rejected for checksum mismatch.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Encounters
		m.InstancesCreatedTotal,
		m.FieldSavesTotal,
		m.FieldValidationFailures,
		m.TransitionsTotal,
		m.BypassesTotal,
		m.CompletionsTotal,
		m.ClassificationsTotal,
		m.ClinicalWarningsTotal,
		// Sync
		m.SyncAttemptsTotal,
		m.SyncQueueDepth,
		m.SyncErrorRecords,
		m.SyncPushDuration,
		// System
		m.SchemasLoaded,
		m.SchemaChecksumFailures,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordInstanceCreated records a new form instance.
func (m *Metrics) RecordInstanceCreated(schemaID string) {
	m.InstancesCreatedTotal.WithLabelValues(schemaID).Inc()
}

// RecordFieldSave records an accepted field write and any warnings it raised.
func (m *Metrics) RecordFieldSave(schemaID string, warnings int) {
	m.FieldSavesTotal.WithLabelValues(schemaID).Inc()
	if warnings > 0 {
		m.ClinicalWarningsTotal.WithLabelValues(schemaID).Add(float64(warnings))
	}
}

// RecordFieldValidationFailure records a rejected field write.
func (m *Metrics) RecordFieldValidationFailure(schemaID, code string) {
	m.FieldValidationFailures.WithLabelValues(schemaID, code).Inc()
}

// RecordTransition records a transition attempt. Outcome is one of
// "allowed", "bypassed", or the refusal error code.
func (m *Metrics) RecordTransition(schemaID, outcome string) {
	m.TransitionsTotal.WithLabelValues(schemaID, outcome).Inc()
	if outcome == "bypassed" {
		m.BypassesTotal.WithLabelValues(schemaID).Inc()
	}
}

// RecordCompletion records a completed encounter and its classification.
func (m *Metrics) RecordCompletion(schemaID, priority string) {
	m.CompletionsTotal.WithLabelValues(schemaID).Inc()
	m.ClassificationsTotal.WithLabelValues(schemaID, priority).Inc()
}

// RecordSyncAttempt records a sync push attempt ("success" or "failure").
func (m *Metrics) RecordSyncAttempt(result string, duration time.Duration) {
	m.SyncAttemptsTotal.WithLabelValues(result).Inc()
	m.SyncPushDuration.Observe(duration.Seconds())
}

// SetSyncQueueDepth sets the current queue depth gauges.
func (m *Metrics) SetSyncQueueDepth(depth, errored int) {
	m.SyncQueueDepth.Set(float64(depth))
	m.SyncErrorRecords.Set(float64(errored))
}

// SetSchemasLoaded sets the number of loaded schema versions.
func (m *Metrics) SetSchemasLoaded(count float64) {
	m.SchemasLoaded.Set(count)
}

// RecordSchemaChecksumFailure records a schema rejected during manifest
// verification.
func (m *Metrics) RecordSchemaChecksumFailure() {
	m.SchemaChecksumFailures.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
