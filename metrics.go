package objtrace

import "github.com/prometheus/client_golang/prometheus"

var PassDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "objtrace",
	Subsystem: "gc",
	Name:      "pass_duration_seconds",
	Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
}, []string{"mode"})

var ObjectsVisited = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "objtrace",
	Subsystem: "gc",
	Name:      "objects_visited",
}, []string{"mode"})

var ReferencesFollowed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "objtrace",
	Subsystem: "gc",
	Name:      "references_followed",
}, []string{"mode"})

var UnreachableFound = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "objtrace",
	Subsystem: "gc",
	Name:      "unreachable_objects",
})

var clustersCreated = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "objtrace",
	Subsystem: "clusters",
	Name:      "created",
})

var clustersDissolved = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "objtrace",
	Subsystem: "clusters",
	Name:      "dissolved",
})

// Metrics returns every package-level collector for registration by the
// embedding application.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		PassDuration, ObjectsVisited, ReferencesFollowed, UnreachableFound,
		clustersCreated, clustersDissolved,
	}
}

// EngineCollector exports live engine state: table occupancy, cluster
// counts, buffer-pool accounting.
type EngineCollector struct {
	e *Engine

	tableCapacity   *prometheus.Desc
	tableLive       *prometheus.Desc
	tableFreeSlots  *prometheus.Desc
	clustersLive    *prometheus.Desc
	clusterSlots    *prometheus.Desc
	poolOutstanding *prometheus.Desc
}

func NewEngineCollector(e *Engine) *EngineCollector {
	return &EngineCollector{
		e: e,

		tableCapacity: prometheus.NewDesc(
			"objtrace_table_capacity",
			"One past the highest object index ever allocated",
			nil, nil,
		),
		tableLive: prometheus.NewDesc(
			"objtrace_table_live_objects",
			"Number of occupied object table slots",
			nil, nil,
		),
		tableFreeSlots: prometheus.NewDesc(
			"objtrace_table_free_slots",
			"Number of freed slots awaiting reuse",
			nil, nil,
		),
		clustersLive: prometheus.NewDesc(
			"objtrace_clusters_live",
			"Number of live clusters",
			nil, nil,
		),
		clusterSlots: prometheus.NewDesc(
			"objtrace_cluster_slots",
			"Number of cluster slots ever created, free ones included",
			nil, nil,
		),
		poolOutstanding: prometheus.NewDesc(
			"objtrace_arraypool_outstanding",
			"Work buffers currently lent out of the recycling pool",
			nil, nil,
		),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tableCapacity
	ch <- c.tableLive
	ch <- c.tableFreeSlots
	ch <- c.clustersLive
	ch <- c.clusterSlots
	ch <- c.poolOutstanding
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.tableCapacity, prometheus.GaugeValue, float64(c.e.table.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.tableLive, prometheus.GaugeValue, float64(c.e.table.Live()))
	ch <- prometheus.MustNewConstMetric(c.tableFreeSlots, prometheus.GaugeValue, float64(c.e.table.FreeSlots()))
	ch <- prometheus.MustNewConstMetric(c.clustersLive, prometheus.GaugeValue, float64(c.e.clusters.Allocated()))
	ch <- prometheus.MustNewConstMetric(c.clusterSlots, prometheus.GaugeValue, float64(c.e.clusters.Count()))
	ch <- prometheus.MustNewConstMetric(c.poolOutstanding, prometheus.GaugeValue, float64(c.e.pool.Outstanding()))
}
