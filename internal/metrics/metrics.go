// Package metrics exposes the pipeline's Prometheus collectors on a
// private registry so tests never collide on the global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the pipeline emits.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal        *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
	ProbesTotal        *prometheus.CounterVec
	PlaybooksTotal     *prometheus.CounterVec
	VerificationsTotal *prometheus.CounterVec
	CorrelationsStored prometheus.Counter
	CacheSizeBytes     prometheus.Gauge
	CacheItems         prometheus.Gauge
	DedupeSkips        prometheus.Counter
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triageflux_events_total",
			Help: "Events processed, by source and triage action.",
		}, []string{"source", "action"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "triageflux_pipeline_duration_seconds",
			Help:    "End-to-end time to process one event.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triageflux_probes_total",
			Help: "Probe executions, by outcome.",
		}, []string{"outcome"}),
		PlaybooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triageflux_playbook_executions_total",
			Help: "Playbook executions, by playbook and outcome.",
		}, []string{"playbook", "outcome"}),
		VerificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "triageflux_verifications_total",
			Help: "Verification runs, by verdict.",
		}, []string{"verdict"}),
		CorrelationsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "triageflux_correlations_stored_total",
			Help: "New knowledge edges written by the correlator.",
		}),
		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "triageflux_cache_size_bytes",
			Help: "Evidence cache size on disk.",
		}),
		CacheItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "triageflux_cache_items",
			Help: "Items in the evidence cache.",
		}),
		DedupeSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "triageflux_dedupe_skips_total",
			Help: "Events skipped because they were processed recently.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
