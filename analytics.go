package apppool

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// analyticsCollectionInterval is how often the background sweeper samples
// pool utilization into the debug log.
const analyticsCollectionInterval = 5 * time.Second

// poolStats is one utilization sample.
type poolStats struct {
	capacityUsed int
	max          int
	processes    int
	groups       int
	getWaiters   int
}

func (p *Pool) statsLocked() poolStats {
	processes := 0
	for _, group := range p.groups.All() {
		processes += group.processCount()
	}
	return poolStats{
		capacityUsed: p.capacityUsedLocked(),
		max:          p.max,
		processes:    processes,
		groups:       p.groups.Len(),
		getWaiters:   len(p.getWaitlist),
	}
}

// analyticsLoop periodically samples utilization. The embedding agent gets
// point-in-time numbers from the Prometheus collector; this loop keeps a
// trail in the debug log.
func (p *Pool) analyticsLoop(ctx context.Context) {
	ticker := p.clock.NewTicker(analyticsCollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		p.mu.Lock()
		stats := p.statsLocked()
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{
			"capacity_used": stats.capacityUsed,
			"max":           stats.max,
			"processes":     stats.processes,
			"groups":        stats.groups,
			"get_waiters":   stats.getWaiters,
		}).Debug("Pool utilization")
	}
}

// MetricsCollector returns a Prometheus collector exposing the pool's
// utilization gauges. Registration is left to the embedding agent.
func (p *Pool) MetricsCollector() prometheus.Collector {
	return &poolCollector{
		pool: p,
		capacityUsed: prometheus.NewDesc(
			"apppool_capacity_used",
			"Capacity slots currently in use, spawning workers included.",
			nil, nil),
		capacityMax: prometheus.NewDesc(
			"apppool_capacity_max",
			"Capacity ceiling shared across all groups.",
			nil, nil),
		processes: prometheus.NewDesc(
			"apppool_processes",
			"Workers currently attached to the pool.",
			nil, nil),
		groups: prometheus.NewDesc(
			"apppool_groups",
			"Application groups currently in the pool.",
			nil, nil),
		getWaiters: prometheus.NewDesc(
			"apppool_get_waiters",
			"Session requests parked on the pool wait list.",
			nil, nil),
	}
}

type poolCollector struct {
	pool *Pool

	capacityUsed *prometheus.Desc
	capacityMax  *prometheus.Desc
	processes    *prometheus.Desc
	groups       *prometheus.Desc
	getWaiters   *prometheus.Desc
}

// Describe implements prometheus.Collector.
func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacityUsed
	ch <- c.capacityMax
	ch <- c.processes
	ch <- c.groups
	ch <- c.getWaiters
}

// Collect implements prometheus.Collector.
func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	c.pool.mu.Lock()
	stats := c.pool.statsLocked()
	c.pool.mu.Unlock()
	ch <- prometheus.MustNewConstMetric(c.capacityUsed, prometheus.GaugeValue, float64(stats.capacityUsed))
	ch <- prometheus.MustNewConstMetric(c.capacityMax, prometheus.GaugeValue, float64(stats.max))
	ch <- prometheus.MustNewConstMetric(c.processes, prometheus.GaugeValue, float64(stats.processes))
	ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(stats.groups))
	ch <- prometheus.MustNewConstMetric(c.getWaiters, prometheus.GaugeValue, float64(stats.getWaiters))
}

// Txn is a lightweight analytics transaction a request may be tagged with.
// The pool logs milestones under it; options persisted on a wait list are
// detached from it first, so a transaction never outlives its request.
type Txn struct {
	category string
	log      logrus.FieldLogger
}

// NewTxn creates an analytics transaction logging under the given
// category.
func NewTxn(log logrus.FieldLogger, category string) *Txn {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Txn{category: category, log: log}
}

// Message records one milestone on the transaction.
func (t *Txn) Message(message string) {
	t.log.WithField("category", t.category).Debug(message)
}
