// Package metrics registers the Prometheus metric set for the decay
// cloud core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics exposed by the service.
type Metrics struct {
	// Ingestion
	BatchesReceived   *prometheus.CounterVec
	EventsPersisted   prometheus.Counter
	EventsDropped     *prometheus.CounterVec
	BatchProcessing   prometheus.Histogram
	QueueDepth        prometheus.Gauge
	BackpressureAcks  prometheus.Counter
	ActiveSubscribers prometheus.Gauge
	FanoutDropped     prometheus.Counter

	// Validation
	JobsSubmitted   *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	ChunksValidated *prometheus.CounterVec
	ValidatorRPC    *prometheus.HistogramVec

	// Identity
	TokenFetchFailures prometheus.Counter
	BreakerOpen        prometheus.Gauge

	// Kernel feeder
	FeederBytesWritten prometheus.Counter
	FeederFailures     prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		BatchesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaycloud_ingest_batches_total",
				Help: "Event batches received on the ingest stream",
			},
			[]string{"result"}, // result: persisted, failed
		),
		EventsPersisted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "decaycloud_ingest_events_persisted_total",
				Help: "Decay events committed to the event store",
			},
		),
		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaycloud_ingest_events_dropped_total",
				Help: "Events dropped at proto-level validation",
			},
			[]string{"reason"}, // reason: timestamp, sequence, future, past
		),
		BatchProcessing: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "decaycloud_ingest_batch_seconds",
				Help:    "Wall time from batch receipt to ack",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "decaycloud_ingest_queue_depth",
				Help: "Current depth of the bounded ingest queue",
			},
		),
		BackpressureAcks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "decaycloud_ingest_backpressure_acks_total",
				Help: "Acks returned with the backpressure flag set",
			},
		),
		ActiveSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "decaycloud_subscribers_active",
				Help: "Currently connected batch subscribers",
			},
		),
		FanoutDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "decaycloud_subscribers_dropped_total",
				Help: "Batches dropped for individual slow subscribers",
			},
		),
		JobsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaycloud_validation_jobs_submitted_total",
				Help: "Validation jobs accepted for execution",
			},
			[]string{"type", "origin"}, // origin: operator, scheduled
		),
		JobsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaycloud_validation_jobs_finished_total",
				Help: "Validation jobs reaching a terminal state",
			},
			[]string{"type", "status"},
		),
		ChunksValidated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaycloud_validation_chunks_total",
				Help: "Bitstream chunks submitted to external validators",
			},
			[]string{"type"},
		),
		ValidatorRPC: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decaycloud_validator_rpc_seconds",
				Help:    "Latency of external validator calls",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"validator"},
		),
		TokenFetchFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "decaycloud_token_fetch_failures_total",
				Help: "Failed service token fetches",
			},
		),
		BreakerOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "decaycloud_token_breaker_open",
				Help: "1 while the token fetch circuit breaker is open",
			},
		),
		FeederBytesWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "decaycloud_feeder_bytes_written_total",
				Help: "Whitened bytes written to the kernel entropy device",
			},
		),
		FeederFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "decaycloud_feeder_failures_total",
				Help: "Feeder ticks that exhausted all write retries",
			},
		),
	}
}
