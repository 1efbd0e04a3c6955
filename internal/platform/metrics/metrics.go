// Package metrics exposes Prometheus collectors for the ingestion pipeline
// and the persistence layer. All recording methods are safe on a nil
// *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recordintake"

type Metrics struct {
	registry *prometheus.Registry

	itemsAdmitted  *prometheus.CounterVec
	itemsRejected  *prometheus.CounterVec
	itemsFinished  *prometheus.CounterVec
	itemsBlocked   *prometheus.CounterVec
	softFailures   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	saveAttempts   *prometheus.CounterVec
	enrichAttempts *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		itemsAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "items_admitted_total", Help: "Items accepted at intake"},
			[]string{"source_kind"},
		),
		itemsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "items_rejected_total", Help: "Items rejected at intake"},
			[]string{"reason"},
		),
		itemsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "items_finished_total", Help: "Pipeline runs reaching a terminal status"},
			[]string{"status"},
		),
		itemsBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "items_blocked_total", Help: "Pipeline entries refused by the lock table"},
			[]string{"reason"},
		),
		softFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "soft_failures_total", Help: "Optional steps that failed without failing the item"},
			[]string{"step"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "items_in_flight", Help: "Items currently inside the pipeline"},
		),
		saveAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "save_attempts_total", Help: "Persistence attempts by outcome"},
			[]string{"outcome"},
		),
		enrichAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "enrich_attempts_total", Help: "Enrichment attempts by outcome"},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.itemsAdmitted, m.itemsRejected, m.itemsFinished, m.itemsBlocked,
		m.softFailures, m.stageDuration, m.inFlight, m.saveAttempts, m.enrichAttempts,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ItemAdmitted(sourceKind string) {
	if m == nil {
		return
	}
	m.itemsAdmitted.WithLabelValues(sourceKind).Inc()
}

func (m *Metrics) ItemRejected(reason string) {
	if m == nil {
		return
	}
	m.itemsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ItemFinished(status string) {
	if m == nil {
		return
	}
	m.itemsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) ItemBlocked(reason string) {
	if m == nil {
		return
	}
	m.itemsBlocked.WithLabelValues(reason).Inc()
}

func (m *Metrics) SoftFailure(step string) {
	if m == nil {
		return
	}
	m.softFailures.WithLabelValues(step).Inc()
}

// ObserveStage records how long a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func (m *Metrics) SaveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.saveAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EnrichAttempt(outcome string) {
	if m == nil {
		return
	}
	m.enrichAttempts.WithLabelValues(outcome).Inc()
}
