package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters and model-size gauges on a
// prometheus registerer.
type Metrics struct {
	Ticks           prometheus.Counter
	Warnings        prometheus.Counter
	PrefetchedBytes prometheus.Counter
	PlanItems       prometheus.Gauge
	PlanKB          prometheus.Gauge
	Exes            prometheus.Gauge
	Maps            prometheus.Gauge
	Edges           prometheus.Gauge
	Active          prometheus.Gauge
	Saves           prometheus.Counter
	SaveFailures    prometheus.Counter
}

// NewMetrics registers all engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "preheat", Name: "ticks_total",
			Help: "Completed engine cycles.",
		}),
		Warnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: "preheat", Name: "tick_warnings_total",
			Help: "Non-fatal problems encountered during cycles.",
		}),
		PrefetchedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "preheat", Name: "prefetched_bytes_total",
			Help: "Bytes successfully readied into the page cache.",
		}),
		PlanItems: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "preheat", Name: "plan_items",
			Help: "Items selected by the most recent plan.",
		}),
		PlanKB: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "preheat", Name: "plan_kilobytes",
			Help: "Kilobytes selected by the most recent plan.",
		}),
		Exes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "preheat", Name: "exes",
			Help: "Tracked executables.",
		}),
		Maps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "preheat", Name: "maps",
			Help: "Tracked map segments.",
		}),
		Edges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "preheat", Name: "markov_edges",
			Help: "Pair edges in the transition graph.",
		}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "preheat", Name: "active_exes",
			Help: "Executables inside the active window.",
		}),
		Saves: f.NewCounter(prometheus.CounterOpts{
			Namespace: "preheat", Name: "snapshot_saves_total",
			Help: "Completed state snapshots.",
		}),
		SaveFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "preheat", Name: "snapshot_save_failures_total",
			Help: "Snapshot attempts that returned an error.",
		}),
	}
}
