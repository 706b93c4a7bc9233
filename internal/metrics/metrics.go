package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for monitoring intake, forwarding and breaker health
var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsms_submissions_total",
			Help: "Total number of submissions received, by validation result",
		},
		[]string{"result"},
	)

	ValidationIssuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsms_validation_issues_total",
			Help: "Total number of validation issues, by kind",
		},
		[]string{"kind"},
	)

	TransactionsQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsms_transactions_queued_total",
			Help: "Total number of validated transactions queued for forwarding",
		},
	)

	ForwardAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsms_forward_attempts_total",
			Help: "Total number of forward attempts, by outcome",
		},
		[]string{"outcome"},
	)

	ForwardAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tsms_forward_attempt_duration_seconds",
			Help:    "Duration of outbound forward attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsms_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	ObserverOverThresholdTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsms_tenant_breaker_over_threshold_total",
			Help: "Evaluations where a tenant's failure ratio crossed the observation threshold",
		},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsms_job_runs_total",
			Help: "Scheduled job runs, by job and result",
		},
		[]string{"job", "result"},
	)

	ForwardsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsms_forwards",
			Help: "Forward records by status as of the last health check",
		},
		[]string{"status"},
	)

	OpenBreakers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsms_open_circuit_breakers",
			Help: "Circuit breakers OPEN as of the last health check",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

// Register registers all collectors with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SubmissionsTotal,
		ValidationIssuesTotal,
		TransactionsQueuedTotal,
		ForwardAttemptsTotal,
		ForwardAttemptDuration,
		BreakerTransitionsTotal,
		ObserverOverThresholdTotal,
		JobRunsTotal,
		ForwardsByStatus,
		OpenBreakers,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// InstrumentHandler wraps an HTTP handler with request count and latency metrics.
func InstrumentHandler(handlerName string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(wrapped, r)

		duration := time.Since(startTime).Seconds()
		httpRequestDuration.WithLabelValues(handlerName, r.Method).Observe(duration)
		httpRequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}

// responseWriter captures the status code written by the wrapped handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
