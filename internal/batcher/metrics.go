package batcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush triggers
const (
	TriggerSize  = "size"
	TriggerTimer = "timer"
)

// Rejection reasons
const (
	RejectCapacity = "capacity"
	RejectClosed   = "closed"
	RejectKey      = "key"
)

// Request outcomes
const (
	OutcomeSuccess     = "success"
	OutcomeApplication = "application_error"
	OutcomeTransport   = "transport_error"
	OutcomeMissing     = "missing"
	OutcomeClosed      = "closed"
)

// Metrics holds the Prometheus collectors of a Manager
type Metrics struct {
	Submitted    prometheus.Counter
	Rejected     *prometheus.CounterVec
	Flushes      *prometheus.CounterVec
	BatchSize    prometheus.Histogram
	Results      *prometheus.CounterVec
	SendDuration prometheus.Histogram
	ActiveKeys   prometheus.Gauge
	Buffered     prometheus.Gauge
}

// NewMetrics creates the batcher collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "batcher_requests_submitted_total",
			Help: "Total number of requests accepted into a batch buffer",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batcher_requests_rejected_total",
			Help: "Total number of requests rejected at submission, by reason",
		}, []string{"reason"}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batcher_flushes_total",
			Help: "Total number of batches flushed, by trigger",
		}, []string{"trigger"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batcher_batch_size",
			Help:    "Number of requests per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batcher_results_total",
			Help: "Total number of resolved requests, by outcome",
		}, []string{"outcome"}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "batcher_send_duration_seconds",
			Help: "Duration of batched send calls in seconds",
		}),
		ActiveKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batcher_active_keys",
			Help: "Number of partition keys with a live buffer",
		}),
		Buffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batcher_buffered_requests",
			Help: "Number of requests waiting in batch buffers",
		}),
	}
}
