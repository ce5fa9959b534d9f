package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the chat sandbox.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	RepairsTotal      *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	PolicyViolations  *prometheus.CounterVec
	ExtractionsTotal  *prometheus.CounterVec
	ModelRequests     *prometheus.CounterVec
	ModelLatency      prometheus.Histogram
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	HTTPRequestsTotal *prometheus.CounterVec
	CodeSizeBytes     prometheus.Histogram
	TablesStored      prometheus.Gauge
	AuditDroppedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chat",
				Name:      "runs_total",
				Help:      "Total pipeline runs by final status.",
			},
			[]string{"status"},
		),

		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "chat",
				Name:      "run_duration_seconds",
				Help:      "End-to-end duration of a pipeline run, model calls included.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		RepairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chat",
				Name:      "repairs_total",
				Help:      "Repair attempts by the failure that triggered them and whether they succeeded.",
			},
			[]string{"trigger", "outcome"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total sandbox executions by outcome.",
			},
			[]string{"outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of live execution workers, abandoned ones included.",
			},
		),

		PolicyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "policy_violations_total",
				Help:      "Static policy violations by rule.",
			},
			[]string{"rule"},
		),

		ExtractionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chat",
				Name:      "extractions_total",
				Help:      "Code extractions by method (tagged, generic, unverified, failed).",
			},
			[]string{"method"},
		),

		ModelRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chat",
				Name:      "model_requests_total",
				Help:      "Requests to the text-generation model by result.",
			},
			[]string{"result"},
		),

		ModelLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "chat",
				Name:      "model_request_duration_seconds",
				Help:      "Latency of text-generation model requests.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "security_events_total",
				Help:      "Suspicious patterns seen in model replies or captured output.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chat",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chat",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of extracted candidate code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
			},
		),

		TablesStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chat",
				Name:      "tables_stored",
				Help:      "Uploaded tables currently held in memory.",
			},
		),

		AuditDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chat",
				Name:      "audit_records_dropped_total",
				Help:      "Audit records dropped because the write buffer was full.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RepairsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.PolicyViolations,
		m.ExtractionsTotal,
		m.ModelRequests,
		m.ModelLatency,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.HTTPRequestsTotal,
		m.CodeSizeBytes,
		m.TablesStored,
		m.AuditDroppedTotal,
	)

	return m
}

// RecordRun records a finished pipeline run.
func (m *Metrics) RecordRun(status string, durationSec float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(durationSec)
}

// RecordExecution records metrics for a completed sandbox execution.
func (m *Metrics) RecordExecution(outcome string, durationSec float64, codeBytes int) {
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.WithLabelValues(outcome).Observe(durationSec)
	m.CodeSizeBytes.Observe(float64(codeBytes))
}

// RecordViolations counts each violated rule once per execution.
func (m *Metrics) RecordViolations(rules []string) {
	for _, r := range rules {
		m.PolicyViolations.WithLabelValues(r).Inc()
	}
}

// RecordRepair records a repair attempt and whether it produced a success.
func (m *Metrics) RecordRepair(trigger string, succeeded bool) {
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	m.RepairsTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordModelRequest records one model call.
func (m *Metrics) RecordModelRequest(err error, durationSec float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModelRequests.WithLabelValues(result).Inc()
	m.ModelLatency.Observe(durationSec)
}

// RecordExtraction records how code was located in a model reply.
func (m *Metrics) RecordExtraction(method string) {
	m.ExtractionsTotal.WithLabelValues(method).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}
