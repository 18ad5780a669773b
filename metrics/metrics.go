// Package metrics exposes an arena's condition as Prometheus
// collectors (spec.md §6 "Messages", generalized to real metrics
// rather than a message-queue poll).
//
// Grounded on Manager.Stats (block/block_manager.go:60, returned
// whole by Manager.Stats() and mutated via atomic adds throughout
// block_manager.go), generalized from a flat atomic-counter struct
// handed back on demand into a set of prometheus.Collector instances
// scraped the normal way.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ravenbrook/mps-go/arena"
	"github.com/ravenbrook/mps-go/pool"
)

// Host is the subset of *arena.Arena the collector needs. Declared
// narrowly so tests can supply a fake arena.
type Host interface {
	Committed() uintptr
	Reserved() uintptr
	ActiveTraceCount() int
	Pools() []pool.Pool
	Stats() arena.Stats
}

// Collector implements prometheus.Collector over a live arena. Every
// value comes straight from the arena on each scrape: the gauges from
// its live registries, the counters from its cumulative Stats
// snapshot. Nothing here touches the arena's message queue, which
// stays exclusively available for clients polling for finalization
// results.
type Collector struct {
	host Host

	committed    *prometheus.Desc
	reserved     *prometheus.Desc
	pools        *prometheus.Desc
	activeTraces *prometheus.Desc
	gcStartsC    *prometheus.Desc
	gcEndsC      *prometheus.Desc
	condemnedC   *prometheus.Desc
	liveC        *prometheus.Desc
}

// New builds a Collector over host. Register it with a
// prometheus.Registry (or prometheus.MustRegister it into the default
// one) the way any other prometheus.Collector is registered.
func New(host Host) *Collector {
	return &Collector{
		host:         host,
		committed:    prometheus.NewDesc("mps_arena_committed_bytes", "Bytes currently committed by the arena.", nil, nil),
		reserved:     prometheus.NewDesc("mps_arena_reserved_bytes", "Bytes currently reserved (address space claimed) by the arena.", nil, nil),
		pools:        prometheus.NewDesc("mps_arena_pools", "Number of pools registered with the arena.", nil, nil),
		activeTraces: prometheus.NewDesc("mps_arena_active_traces", "Number of traces currently in flight.", nil, nil),
		gcStartsC:    prometheus.NewDesc("mps_trace_starts_total", "Number of traces started.", nil, nil),
		gcEndsC:      prometheus.NewDesc("mps_trace_ends_total", "Number of traces finished.", nil, nil),
		condemnedC:   prometheus.NewDesc("mps_trace_condemned_bytes_total", "Cumulative bytes condemned across finished traces.", nil, nil),
		liveC:        prometheus.NewDesc("mps_trace_live_bytes_total", "Cumulative bytes that survived a trace into the live set.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.committed
	ch <- c.reserved
	ch <- c.pools
	ch <- c.activeTraces
	ch <- c.gcStartsC
	ch <- c.gcEndsC
	ch <- c.condemnedC
	ch <- c.liveC
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.host.Stats()

	ch <- prometheus.MustNewConstMetric(c.committed, prometheus.GaugeValue, float64(c.host.Committed()))
	ch <- prometheus.MustNewConstMetric(c.reserved, prometheus.GaugeValue, float64(c.host.Reserved()))
	ch <- prometheus.MustNewConstMetric(c.pools, prometheus.GaugeValue, float64(len(c.host.Pools())))
	ch <- prometheus.MustNewConstMetric(c.activeTraces, prometheus.GaugeValue, float64(c.host.ActiveTraceCount()))
	ch <- prometheus.MustNewConstMetric(c.gcStartsC, prometheus.CounterValue, float64(stats.GCStarts))
	ch <- prometheus.MustNewConstMetric(c.gcEndsC, prometheus.CounterValue, float64(stats.GCEnds))
	ch <- prometheus.MustNewConstMetric(c.condemnedC, prometheus.CounterValue, float64(stats.Condemned))
	ch <- prometheus.MustNewConstMetric(c.liveC, prometheus.CounterValue, float64(stats.Live))
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ Host                 = (*arena.Arena)(nil)
)
