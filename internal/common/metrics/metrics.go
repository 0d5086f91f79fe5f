// Package metrics defines the Prometheus collectors of the approvals service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	resolutions    *prometheus.CounterVec
	instantiations *prometheus.CounterVec
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	levelsDone     *prometheus.CounterVec
	retries        prometheus.Counter
	httpRequests   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "matrix_resolutions_total",
			Help:      "Matrix resolutions by outcome (matched, no_match, error).",
		}, []string{"module", "entity_type", "outcome"}),
		instantiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "workflows_instantiated_total",
			Help:      "Workflows created by approval type.",
		}, []string{"module", "entity_type", "approval_type"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "step_actions_total",
			Help:      "Step state machine actions by outcome error code (ok on success).",
		}, []string{"action", "outcome"}),
		actionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "approvals",
			Name:      "step_action_duration_seconds",
			Help:      "Latency of step actions including the workflow lock wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		levelsDone: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "levels_completed_total",
			Help:      "Approval levels completed, by approval type.",
		}, []string{"approval_type"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "transaction_retries_total",
			Help:      "Workflow transactions retried after transient lock contention.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Resolution(module, entityType, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(module, entityType, outcome).Inc()
}

func (m *Metrics) Instantiated(module, entityType, approvalType string) {
	if m == nil {
		return
	}
	m.instantiations.WithLabelValues(module, entityType, approvalType).Inc()
}

// Action records one state machine action.
func (m *Metrics) Action(action, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.actionDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

func (m *Metrics) LevelCompleted(approvalType string) {
	if m == nil {
		return
	}
	m.levelsDone.WithLabelValues(approvalType).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware counts HTTP requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
	})
}
