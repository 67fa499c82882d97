// Package metrics provides Prometheus metrics for the sentinel engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	EventsIngested   *prometheus.CounterVec
	PollsTotal       *prometheus.CounterVec
	AlertsFired      *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	FindingsTotal    *prometheus.CounterVec
	ArchivesTotal    *prometheus.CounterVec
	SubmissionsTotal *prometheus.CounterVec
	OpenAlerts       prometheus.Gauge
	TrackedItems     prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_events_ingested_total",
				Help: "Pod watch events processed, by phase.",
			},
			[]string{"phase"},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_polls_total",
				Help: "PR polling rounds, by result.",
			},
			[]string{"result"},
		),
		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_alerts_fired_total",
				Help: "Alerts fired, by rule kind.",
			},
			[]string{"kind"},
		),
		AlertsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_alerts_suppressed_total",
				Help: "Re-detections suppressed by an open dedupe key, by rule kind.",
			},
			[]string{"kind"},
		),
		FindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_findings_total",
				Help: "Completion check findings, by check kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		ArchivesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_archives_total",
				Help: "Log archive attempts, by outcome (ok, failed, lost).",
			},
			[]string{"outcome"},
		),
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_submissions_total",
				Help: "Remediation submissions, by status.",
			},
			[]string{"status"},
		),
		OpenAlerts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_open_alerts",
				Help: "Dedupe keys with an outstanding remediation.",
			},
		),
		TrackedItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_tracked_work_items",
				Help: "Work items currently tracked by the state store.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.EventsIngested,
		m.PollsTotal,
		m.AlertsFired,
		m.AlertsSuppressed,
		m.FindingsTotal,
		m.ArchivesTotal,
		m.SubmissionsTotal,
		m.OpenAlerts,
		m.TrackedItems,
		m.ErrorsTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
