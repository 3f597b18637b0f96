// Package observability provides the Prometheus metrics exported by energia
// on /metrics.
//
// Every metric lives in a private registry owned by Metrics, so tests can
// build as many instances as they like. All methods are nil-safe: components
// built without metrics simply skip recording.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/energia/trace"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Scheduler
	TaskRuns        *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	TaskLastSuccess *prometheus.GaugeVec

	// Ingestion
	RowsInserted     *prometheus.CounterVec
	RowsPruned       *prometheus.CounterVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	AlertsRaised     *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Narrative
	LLMCalls  *prometheus.CounterVec
	LLMTokens prometheus.Counter

	// Database
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered in a
// fresh registry, plus the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "energia"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_runs_total",
			Help:      "Scheduled task executions by task and status",
		}, []string{"task", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Scheduled task duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"task"}),
		TaskLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run per task",
		}, []string{"task"}),

		RowsInserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "rows_inserted_total",
			Help:      "Rows newly inserted per table (duplicates excluded)",
		}, []string{"table"}),
		RowsPruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "rows_pruned_total",
			Help:      "Rows deleted by retention per table",
		}, []string{"table"}),
		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "xm",
			Name:      "requests_total",
			Help:      "Upstream market-data requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "xm",
			Name:      "request_duration_seconds",
			Help:      "Upstream market-data request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anomaly",
			Name:      "alerts_raised_total",
			Help:      "Alerts written by the anomaly pass by type",
		}, []string{"tipo"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		LLMCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ia",
			Name:      "calls_total",
			Help:      "Chat-completion calls by analysis type and outcome",
		}, []string{"tipo", "outcome"}),
		LLMTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ia",
			Name:      "tokens_total",
			Help:      "Tokens reported by the model provider",
		}),

		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "SQL statement duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Failed SQL statements by operation",
		}, []string{"operation"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveTask records one scheduler tick.
func (m *Metrics) ObserveTask(task string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, outcome(err)).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
	if err == nil {
		m.TaskLastSuccess.WithLabelValues(task).SetToCurrentTime()
	}
}

// AddInserted counts rows newly written to table.
func (m *Metrics) AddInserted(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsInserted.WithLabelValues(table).Add(float64(n))
}

// AddPruned counts rows removed from table by retention.
func (m *Metrics) AddPruned(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsPruned.WithLabelValues(table).Add(float64(n))
}

// ObserveUpstream records one upstream call.
func (m *Metrics) ObserveUpstream(endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(endpoint, outcome(err)).Inc()
	m.UpstreamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// AddAlert counts one alert written by the anomaly pass.
func (m *Metrics) AddAlert(tipo string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(tipo).Inc()
}

// ObserveLLM records one chat-completion call.
func (m *Metrics) ObserveLLM(tipo string, tokens int, err error) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(tipo, outcome(err)).Inc()
	if tokens > 0 {
		m.LLMTokens.Add(float64(tokens))
	}
}

// RecordQuery implements trace.Recorder.
func (m *Metrics) RecordQuery(_ context.Context, e *trace.Entry) {
	if m == nil {
		return
	}
	op := strings.ToLower(e.Op)
	m.DBQueryDuration.WithLabelValues(op).Observe(e.Duration.Seconds())
	if e.Err != nil {
		m.DBQueryErrors.WithLabelValues(op).Inc()
	}
}

// Middleware records HTTP requests by chi route pattern so that IDs in the
// path do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

var _ trace.Recorder = (*Metrics)(nil)
