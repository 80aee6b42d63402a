package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// Metrics holds all Prometheus metrics for the execution API and viewers.
type Metrics struct {
	Registry *prometheus.Registry

	ReportsTotal      *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	ReportErrors      *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	EventsHandled     *prometheus.CounterVec
	Subscribers       prometheus.Gauge
	RetriesTotal      *prometheus.CounterVec
	ExportsTotal      *prometheus.CounterVec
	ExportRecords     prometheus.Histogram
	TestRunsTotal     *prometheus.CounterVec
	EstimatedCredits  prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execwatch",
				Name:      "reports_total",
				Help:      "Execution reports applied, by resulting status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "execwatch",
				Name:      "execution_duration_seconds",
				Help:      "Duration of finished agent executions in seconds.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600, 86400},
			},
			[]string{"status"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execwatch",
				Name:      "active_executions",
				Help:      "Number of executions started and not yet finished.",
			},
		),

		ReportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execwatch",
				Name:      "report_errors_total",
				Help:      "Execution reports that could not be persisted, by stage.",
			},
			[]string{"stage"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execwatch",
				Name:      "events_published_total",
				Help:      "Push events fanned out to subscribers, by kind.",
			},
			[]string{"kind"},
		),

		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execwatch",
				Name:      "events_handled_total",
				Help:      "Push events handled by a viewing session, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),

		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execwatch",
				Name:      "event_subscribers",
				Help:      "Number of open event streams.",
			},
		),

		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execwatch",
				Name:      "retries_total",
				Help:      "Retry requests by outcome.",
			},
			[]string{"outcome"},
		),

		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execwatch",
				Name:      "exports_total",
				Help:      "Exports served by format.",
			},
			[]string{"format"},
		),

		ExportRecords: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "execwatch",
				Name:      "export_records",
				Help:      "Number of records per export.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),

		TestRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execwatch",
				Name:      "test_runs_total",
				Help:      "Dry runs by outcome.",
			},
			[]string{"outcome"},
		),

		EstimatedCredits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "execwatch",
				Name:      "estimated_credits",
				Help:      "Upper bound of the per-run credit estimate of successful dry runs.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execwatch",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "execwatch",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests by method and status code.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "code"},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ReportsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.ReportErrors,
		m.EventsPublished,
		m.EventsHandled,
		m.Subscribers,
		m.RetriesTotal,
		m.ExportsTotal,
		m.ExportRecords,
		m.TestRunsTotal,
		m.EstimatedCredits,
		m.RequestsInFlight,
		m.RequestDuration,
	)

	return m
}

// RecordReport records an applied execution report.
func (m *Metrics) RecordReport(rec execution.Record, started bool) {
	m.ReportsTotal.WithLabelValues(string(rec.Status)).Inc()
	if started {
		m.ActiveExecutions.Inc()
	}
	if d, ok := rec.Duration(); ok {
		m.ActiveExecutions.Dec()
		m.ExecutionDuration.WithLabelValues(string(rec.Status)).Observe(d.Seconds())
	}
}

// RecordError records a report persistence error by stage.
func (m *Metrics) RecordError(stage string) {
	m.ReportErrors.WithLabelValues(stage).Inc()
}

// EventHandled counts push events handled by a viewing session.
func (m *Metrics) EventHandled(kind execution.EventKind, outcome string) {
	m.EventsHandled.WithLabelValues(string(kind), outcome).Inc()
}
