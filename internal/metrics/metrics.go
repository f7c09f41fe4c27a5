// Package metrics defines the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors.
type Metrics struct {
	SyncFilesTotal   *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	Orphans          prometheus.Gauge
	WatchEventsTotal *prometheus.CounterVec
	WritesTotal      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses a fresh private
// registry, so tests and multiple engines never collide.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)

	return &Metrics{
		SyncFilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdwiki_sync_files_total",
				Help: "Files processed by sync, by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mdwiki_sync_duration_seconds",
				Help:    "Duration of directory syncs in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		Orphans: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mdwiki_orphans",
				Help: "Pages currently in the orphan set",
			},
		),
		WatchEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdwiki_watch_events_total",
				Help: "Filesystem events seen by the watcher, by kind",
			},
			[]string{"kind"},
		),
		WritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdwiki_writes_total",
				Help: "Direct page writes, by operation and status",
			},
			[]string{"operation", "status"},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Status maps an error to the status label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
