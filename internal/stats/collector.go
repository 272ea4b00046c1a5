package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "smtp_relay"

// Collector exposes a Store and the queue depth as Prometheus metrics. Values
// are read at scrape time, so the Store stays the only source of truth.
type Collector struct {
	store *Store
	depth func() int

	sent        *prometheus.Desc
	failed      *prometheus.Desc
	lastSuccess *prometheus.Desc
	lastFailure *prometheus.Desc
	queueDepth  *prometheus.Desc
}

// NewCollector creates a Collector. depth may be nil when no queue is wired.
func NewCollector(store *Store, depth func() int) *Collector {
	labels := []string{"identity"}
	return &Collector{
		store: store,
		depth: depth,
		sent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sent_total"),
			"Messages delivered by the provider.",
			labels, nil,
		),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failed_total"),
			"Failed delivery attempts, retries included.",
			labels, nil,
		),
		lastSuccess: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "last_success_timestamp_seconds"),
			"Unix time of the last successful delivery.",
			labels, nil,
		),
		lastFailure: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "last_failure_timestamp_seconds"),
			"Unix time of the last failed delivery attempt.",
			labels, nil,
		),
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_depth"),
			"Messages waiting for delivery or retry.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sent
	ch <- c.failed
	ch <- c.lastSuccess
	ch <- c.lastFailure
	ch <- c.queueDepth
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, counters := range c.store.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(counters.Sent), name)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(counters.Failed), name)
		if !counters.LastSuccess.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue,
				float64(counters.LastSuccess.UnixNano())/1e9, name)
		}
		if !counters.LastFailure.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastFailure, prometheus.GaugeValue,
				float64(counters.LastFailure.UnixNano())/1e9, name)
		}
	}

	if c.depth != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.depth()))
	}
}
