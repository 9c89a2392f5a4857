package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobDurationBuckets  = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments of the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec
	AuthFailuresTotal     *prometheus.CounterVec

	// Definition and instance metrics
	DefinitionsCreatedTotal *prometheus.CounterVec
	InstancesStartedTotal   *prometheus.CounterVec
	InstancesFinishedTotal  *prometheus.CounterVec
	TransitionsTotal        *prometheus.CounterVec

	// Task metrics
	TasksCreatedTotal  prometheus.Counter
	TasksResolvedTotal *prometheus.CounterVec

	// Dispatcher metrics
	JobsEnqueuedTotal prometheus.Counter
	JobsTotal         *prometheus.CounterVec
	JobDuration       prometheus.Histogram

	// Gateway metrics
	IdempotencyOutcomesTotal *prometheus.CounterVec
	ApprovalGateTotal        *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_auth_failures_total",
			Help: "Total number of rejected bearer tokens by reason.",
		}, []string{"reason"}),

		// Definitions and instances
		DefinitionsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_definitions_created_total",
			Help: "Total number of definitions created.",
		}, []string{"type"}),
		InstancesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_instances_started_total",
			Help: "Total number of workflow instances started.",
		}, []string{"definition_key"}),
		InstancesFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_instances_finished_total",
			Help: "Total number of instances that reached a terminal status.",
		}, []string{"definition_key", "status"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_transitions_total",
			Help: "Total number of state transitions applied.",
		}, []string{"definition_key"}),

		// Tasks
		TasksCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tessera_tasks_created_total",
			Help: "Total number of tasks created.",
		}),
		TasksResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_tasks_resolved_total",
			Help: "Total number of tasks completed or failed.",
		}, []string{"status"}),

		// Dispatcher
		JobsEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tessera_jobs_enqueued_total",
			Help: "Total number of orchestration jobs enqueued.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_jobs_total",
			Help: "Total number of orchestration job executions by outcome.",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tessera_job_duration_seconds",
			Help:    "Orchestration job execution duration in seconds.",
			Buckets: jobDurationBuckets,
		}),

		// Gateways
		IdempotencyOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_idempotency_outcomes_total",
			Help: "Total number of idempotency claims by outcome.",
		}, []string{"action_key", "outcome"}),
		ApprovalGateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_approval_gate_total",
			Help: "Total number of approval gate decisions.",
		}, []string{"status", "reason"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.AuthFailuresTotal,
		// Definitions and instances
		m.DefinitionsCreatedTotal,
		m.InstancesStartedTotal,
		m.InstancesFinishedTotal,
		m.TransitionsTotal,
		// Tasks
		m.TasksCreatedTotal,
		m.TasksResolvedTotal,
		// Dispatcher
		m.JobsEnqueuedTotal,
		m.JobsTotal,
		m.JobDuration,
		// Gateways
		m.IdempotencyOutcomesTotal,
		m.ApprovalGateTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordDefinitionCreated records a new definition version.
func (m *Metrics) RecordDefinitionCreated(definitionType string) {
	if m == nil {
		return
	}
	m.DefinitionsCreatedTotal.WithLabelValues(definitionType).Inc()
}

// RecordInstanceStarted records a newly created instance.
func (m *Metrics) RecordInstanceStarted(definitionKey string) {
	if m == nil {
		return
	}
	m.InstancesStartedTotal.WithLabelValues(definitionKey).Inc()
}

// RecordInstanceFinished records an instance reaching COMPLETED or CANCELLED.
func (m *Metrics) RecordInstanceFinished(definitionKey, status string) {
	if m == nil {
		return
	}
	m.InstancesFinishedTotal.WithLabelValues(definitionKey, status).Inc()
}

// RecordTransitions records n transitions taken in one orchestration step.
func (m *Metrics) RecordTransitions(definitionKey string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TransitionsTotal.WithLabelValues(definitionKey).Add(float64(n))
}

// RecordTasksCreated records materialized tasks.
func (m *Metrics) RecordTasksCreated(n int) {
	if m == nil || n == 0 {
		return
	}
	m.TasksCreatedTotal.Add(float64(n))
}

// RecordTaskResolved records a task moving to SUCCEEDED or FAILED.
func (m *Metrics) RecordTaskResolved(status string) {
	if m == nil {
		return
	}
	m.TasksResolvedTotal.WithLabelValues(status).Inc()
}

// RecordJobEnqueued records a job handed to the queue.
func (m *Metrics) RecordJobEnqueued() {
	if m == nil {
		return
	}
	m.JobsEnqueuedTotal.Inc()
}

// RecordJob records one job execution. Outcome is succeeded, retried or
// failed.
func (m *Metrics) RecordJob(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(duration.Seconds())
}

// RecordIdempotencyOutcome records the result of an idempotency claim.
func (m *Metrics) RecordIdempotencyOutcome(actionKey, outcome string) {
	if m == nil {
		return
	}
	m.IdempotencyOutcomesTotal.WithLabelValues(actionKey, outcome).Inc()
}

// RecordAuthFailure records a rejected bearer token.
func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordApprovalGate records an approval gate response.
func (m *Metrics) RecordApprovalGate(status, reason string) {
	if m == nil {
		return
	}
	m.ApprovalGateTotal.WithLabelValues(status, reason).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, statusOf(ww), duration, reqSize, ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
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
