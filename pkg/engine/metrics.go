package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tenantsnap"

// Collector is a prometheus.Collector for snapshot engine operations.
type Collector struct {
	operations       *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerFailures *prometheus.CounterVec
	payloadBytes     prometheus.Histogram
	tokensIssued     prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Snapshot operations by kind and outcome.",
			}, []string{"operation", "outcome"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provider_call_seconds",
				Help:      "Duration of a single provider capture, diff or restore.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			}, []string{"provider", "operation"},
		),
		providerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "provider_failures_total",
				Help:      "Failed provider calls.",
			}, []string{"provider", "operation"},
		),
		payloadBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "payload_bytes",
				Help:      "Size of persisted snapshot payloads.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		tokensIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "confirmation_tokens_issued_total",
				Help:      "Confirmation tokens minted by preview.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.operations.Describe(ch)
	c.providerDuration.Describe(ch)
	c.providerFailures.Describe(ch)
	c.payloadBytes.Describe(ch)
	c.tokensIssued.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.operations.Collect(ch)
	c.providerDuration.Collect(ch)
	c.providerFailures.Collect(ch)
	c.payloadBytes.Collect(ch)
	c.tokensIssued.Collect(ch)
}
