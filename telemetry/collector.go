// Package telemetry exposes engine statistics as Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	rv "github.com/medvertical/validator"
)

// StatsSource supplies point-in-time engine statistics. *engine.Engine
// satisfies it.
type StatsSource interface {
	Stats() rv.Stats
}

// Collector is a prometheus.Collector over a StatsSource. Every scrape reads
// one fresh snapshot; nothing is accumulated here.
type Collector struct {
	source StatsSource

	poolWorkers       *prometheus.Desc
	queueDepth        *prometheus.Desc
	validationsTotal  *prometheus.Desc
	errorsTotal       *prometheus.Desc
	timeoutsTotal     *prometheus.Desc
	latencySeconds    *prometheus.Desc
	cacheEntries      *prometheus.Desc
	cacheLookupsTotal *prometheus.Desc
}

// NewCollector builds a collector. Register it on a prometheus.Registerer.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		poolWorkers: prometheus.NewDesc(
			"records_validator_pool_workers",
			"Worker processes by lifecycle state.",
			[]string{"state"}, nil),
		queueDepth: prometheus.NewDesc(
			"records_validator_queue_depth",
			"Jobs waiting for an idle worker.",
			nil, nil),
		validationsTotal: prometheus.NewDesc(
			"records_validator_validations_total",
			"Completed validations since startup.",
			nil, nil),
		errorsTotal: prometheus.NewDesc(
			"records_validator_errors_total",
			"Failed validations since startup.",
			nil, nil),
		timeoutsTotal: prometheus.NewDesc(
			"records_validator_timeouts_total",
			"Validations that exceeded their deadline since startup.",
			nil, nil),
		latencySeconds: prometheus.NewDesc(
			"records_validator_latency_seconds",
			"Validation latency over completed validations.",
			[]string{"stat"}, nil),
		cacheEntries: prometheus.NewDesc(
			"records_validator_cache_entries",
			"Outcomes currently held by the coordination cache.",
			nil, nil),
		cacheLookupsTotal: prometheus.NewDesc(
			"records_validator_cache_lookups_total",
			"Coordination cache lookups since startup.",
			[]string{"result"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolWorkers
	ch <- c.queueDepth
	ch <- c.validationsTotal
	ch <- c.errorsTotal
	ch <- c.timeoutsTotal
	ch <- c.latencySeconds
	ch <- c.cacheEntries
	ch <- c.cacheLookupsTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(c.poolWorkers, prometheus.GaugeValue, float64(s.Idle), "idle")
	ch <- prometheus.MustNewConstMetric(c.poolWorkers, prometheus.GaugeValue, float64(s.Busy), "busy")
	ch <- prometheus.MustNewConstMetric(c.poolWorkers, prometheus.GaugeValue, float64(s.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.Queued))

	ch <- prometheus.MustNewConstMetric(c.validationsTotal, prometheus.CounterValue, float64(s.TotalValidations))
	ch <- prometheus.MustNewConstMetric(c.errorsTotal, prometheus.CounterValue, float64(s.TotalErrors))
	ch <- prometheus.MustNewConstMetric(c.timeoutsTotal, prometheus.CounterValue, float64(s.TotalTimeouts))

	ch <- prometheus.MustNewConstMetric(c.latencySeconds, prometheus.GaugeValue, s.AvgLatency.Seconds(), "avg")
	ch <- prometheus.MustNewConstMetric(c.latencySeconds, prometheus.GaugeValue, s.MinLatency.Seconds(), "min")
	ch <- prometheus.MustNewConstMetric(c.latencySeconds, prometheus.GaugeValue, s.MaxLatency.Seconds(), "max")

	ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(s.CacheEntries))
	ch <- prometheus.MustNewConstMetric(c.cacheLookupsTotal, prometheus.CounterValue, float64(s.CacheHits), "hit")
	ch <- prometheus.MustNewConstMetric(c.cacheLookupsTotal, prometheus.CounterValue, float64(s.CacheMisses), "miss")
}
