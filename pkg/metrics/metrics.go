// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the counters and gauges spec.md §9's
// observability note calls for: allocator ticks, power-change
// outcomes, BMP failures, and quota consolidation, scraped by an
// external admin UI over Prometheus exposition format.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the set of recording calls the core components make;
// an interface so tests can substitute a no-op without touching a
// real registry.
type Collector interface {
	AllocatorTick(durationSeconds float64, requestsPlaced, requestsAged int)
	PowerChangeCompleted(bmpAddress string)
	PowerChangeFailed(bmpAddress string)
	BMPFailure(bmpAddress string)
	JobExpired()
	JobTombstoned()
	QuotaConsolidated(groupID int64, debited int64)
	QuotaRejected(groupID int64)
}

// PrometheusCollector records every metric through client_golang
// instruments registered against one Registerer, matching the
// teacher's pattern of one collector object constructed at process
// startup and threaded into each component.
type PrometheusCollector struct {
	allocatorTickDuration prometheus.Histogram
	requestsPlaced        prometheus.Counter
	requestsAged          prometheus.Counter
	powerChangesCompleted *prometheus.CounterVec
	powerChangesFailed    *prometheus.CounterVec
	bmpFailures           *prometheus.CounterVec
	jobsExpired           prometheus.Counter
	jobsTombstoned        prometheus.Counter
	quotaDebited          prometheus.Counter
	quotaRejected         *prometheus.CounterVec
}

// NewPrometheusCollector registers the allocator's instruments
// against reg (typically prometheus.NewRegistry(), not the global
// DefaultRegisterer, so tests can construct independent collectors).
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		allocatorTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spalloc",
			Subsystem: "allocator",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one allocator tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		requestsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "allocator",
			Name:      "requests_placed_total",
			Help:      "Requests successfully placed on a machine.",
		}),
		requestsAged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "allocator",
			Name:      "requests_aged_total",
			Help:      "Requests that aged without being placed this tick.",
		}),
		powerChangesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "power",
			Name:      "changes_completed_total",
			Help:      "Power/FPGA changes successfully applied, by BMP.",
		}, []string{"bmp"}),
		powerChangesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "power",
			Name:      "changes_failed_total",
			Help:      "Power/FPGA changes that failed, by BMP.",
		}, []string{"bmp"}),
		bmpFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "power",
			Name:      "bmp_failures_total",
			Help:      "Hardware failures reported by a BMP.",
		}, []string{"bmp"}),
		jobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "lifecycle",
			Name:      "jobs_expired_total",
			Help:      "Jobs destroyed by the keepalive expiry sweep.",
		}),
		jobsTombstoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "lifecycle",
			Name:      "jobs_tombstoned_total",
			Help:      "Jobs copied to the historical database and deleted.",
		}),
		quotaDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "quota",
			Name:      "board_seconds_debited_total",
			Help:      "Board-seconds debited from group quotas by consolidation.",
		}),
		quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spalloc",
			Subsystem: "quota",
			Name:      "submissions_rejected_total",
			Help:      "Submissions rejected for insufficient quota, by group.",
		}, []string{"group"}),
	}

	reg.MustRegister(
		c.allocatorTickDuration, c.requestsPlaced, c.requestsAged,
		c.powerChangesCompleted, c.powerChangesFailed, c.bmpFailures,
		c.jobsExpired, c.jobsTombstoned, c.quotaDebited, c.quotaRejected,
	)
	return c
}

func (c *PrometheusCollector) AllocatorTick(durationSeconds float64, requestsPlaced, requestsAged int) {
	c.allocatorTickDuration.Observe(durationSeconds)
	c.requestsPlaced.Add(float64(requestsPlaced))
	c.requestsAged.Add(float64(requestsAged))
}

func (c *PrometheusCollector) PowerChangeCompleted(bmpAddress string) {
	c.powerChangesCompleted.WithLabelValues(bmpAddress).Inc()
}

func (c *PrometheusCollector) PowerChangeFailed(bmpAddress string) {
	c.powerChangesFailed.WithLabelValues(bmpAddress).Inc()
}

func (c *PrometheusCollector) BMPFailure(bmpAddress string) {
	c.bmpFailures.WithLabelValues(bmpAddress).Inc()
}

func (c *PrometheusCollector) JobExpired() { c.jobsExpired.Inc() }

func (c *PrometheusCollector) JobTombstoned() { c.jobsTombstoned.Inc() }

func (c *PrometheusCollector) QuotaConsolidated(groupID int64, debited int64) {
	c.quotaDebited.Add(float64(debited))
}

func (c *PrometheusCollector) QuotaRejected(groupID int64) {
	c.quotaRejected.WithLabelValues(strconv.FormatInt(groupID, 10)).Inc()
}

// NoOpCollector discards every recording call; the zero value is
// ready to use and is the package's default so components never need
// a nil check.
type NoOpCollector struct{}

func (NoOpCollector) AllocatorTick(float64, int, int) {}
func (NoOpCollector) PowerChangeCompleted(string)     {}
func (NoOpCollector) PowerChangeFailed(string)        {}
func (NoOpCollector) BMPFailure(string)               {}
func (NoOpCollector) JobExpired()                     {}
func (NoOpCollector) JobTombstoned()                  {}
func (NoOpCollector) QuotaConsolidated(int64, int64)  {}
func (NoOpCollector) QuotaRejected(int64)             {}

var defaultCollector Collector = NoOpCollector{}

// SetDefaultCollector installs the collector GetDefaultCollector
// returns; a nil collector installs NoOpCollector.
func SetDefaultCollector(c Collector) {
	if c == nil {
		c = NoOpCollector{}
	}
	defaultCollector = c
}

// GetDefaultCollector returns the current default collector.
func GetDefaultCollector() Collector { return defaultCollector }
