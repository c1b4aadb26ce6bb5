// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package metrics exports the FTL core's operational state as Prometheus
// gauges, using github.com/prometheus/client_golang the way other
// collector-style exporters wire themselves rather than a one-off text
// format. Usable capacity, per-die free-block counts, the GC-trigger
// count, and the row-address blocked-queue depths are the device-health
// signals worth exporting.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dswarbrick/ftlcore/internal/addr"
)

// Source is the subset of the FTL core's state the collector reads. A
// narrow interface keeps this package decoupled from internal/ftl's full
// Device so it can be unit tested against a fake.
type Source interface {
	UsableCapacityMB() uint64
	Dies() uint32
	FreeBlockCnt(die addr.Die) uint32
	GCTriggerCount() uint64
	BlockedReadCnt() uint32
	BlockedEraseCnt() uint32
}

// Collector implements prometheus.Collector over a Source, computing gauge
// values on demand in Collect rather than caching them.
type Collector struct {
	source Source

	usableCapacityMB *prometheus.Desc
	freeBlockCnt     *prometheus.Desc
	gcTriggerCount   *prometheus.Desc
	blockedReadCnt   *prometheus.Desc
	blockedEraseCnt  *prometheus.Desc
}

// NewCollector wires a Collector over source. namespace is the
// Prometheus metric namespace prefix (e.g. "ftlcore").
func NewCollector(namespace string, source Source) *Collector {
	return &Collector{
		source: source,
		usableCapacityMB: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "usable_capacity_mb"),
			"Usable device capacity in megabytes, after subtracting worst-case bad-block shrinkage.",
			nil, nil,
		),
		freeBlockCnt: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "free_block_count"),
			"Number of blocks currently on a die's free list.",
			[]string{"die"}, nil,
		),
		gcTriggerCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "gc_trigger_total"),
			"Number of times NORMAL free-block exhaustion triggered garbage collection.",
			nil, nil,
		),
		blockedReadCnt: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "row_addr_blocked_reads"),
			"Reads currently parked on the row-address dependency table.",
			nil, nil,
		),
		blockedEraseCnt: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "row_addr_blocked_erases"),
			"Erases currently parked on the row-address dependency table.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usableCapacityMB
	ch <- c.freeBlockCnt
	ch <- c.gcTriggerCount
	ch <- c.blockedReadCnt
	ch <- c.blockedEraseCnt
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.usableCapacityMB, prometheus.GaugeValue, float64(c.source.UsableCapacityMB()))

	for d := addr.Die(0); uint32(d) < c.source.Dies(); d++ {
		ch <- prometheus.MustNewConstMetric(
			c.freeBlockCnt, prometheus.GaugeValue, float64(c.source.FreeBlockCnt(d)),
			strconv.FormatUint(uint64(d), 10),
		)
	}

	ch <- prometheus.MustNewConstMetric(c.gcTriggerCount, prometheus.CounterValue, float64(c.source.GCTriggerCount()))
	ch <- prometheus.MustNewConstMetric(c.blockedReadCnt, prometheus.GaugeValue, float64(c.source.BlockedReadCnt()))
	ch <- prometheus.MustNewConstMetric(c.blockedEraseCnt, prometheus.GaugeValue, float64(c.source.BlockedEraseCnt()))
}
