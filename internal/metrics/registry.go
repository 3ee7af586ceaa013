package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the pipeline's domain metrics. Metric writes are
// fire-and-forget: nothing here ever fails a caller.
type Registry struct {
	// Ingestion
	IngestAccepted prometheus.Counter
	IngestRejected prometheus.Counter
	IngestFailed   prometheus.Counter

	// Processing
	ProcessingOutcomes *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	QueueDepth         prometheus.Gauge
	DeadLetterTotal    prometheus.Counter

	// Storage
	CacheHitRatio       prometheus.Gauge
	PoolAcquisitionTime prometheus.Gauge
}

// NewRegistry creates and registers the pipeline metrics on the given
// registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		IngestAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_ingest_accepted_total",
			Help: "Events accepted and enqueued",
		}),
		IngestRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_ingest_rejected_total",
			Help: "Events rejected by validation",
		}),
		IngestFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_ingest_failed_total",
			Help: "Events that failed to enqueue",
		}),
		ProcessingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_processing_outcomes_total",
			Help: "Processed jobs by outcome",
		}, []string{"outcome"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_processing_duration_seconds",
			Help:    "Handler execution time including retries",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Jobs waiting on the durable queue",
		}),
		DeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_dead_letter_total",
			Help: "Events moved to the dead-letter queue",
		}),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_query_cache_hit_ratio",
			Help: "Query cache hit ratio",
		}),
		PoolAcquisitionTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_pool_acquisition_ms",
			Help: "Exponential moving average of connection acquisition time",
		}),
	}

	reg.MustRegister(
		r.IngestAccepted, r.IngestRejected, r.IngestFailed,
		r.ProcessingOutcomes, r.ProcessingDuration, r.QueueDepth, r.DeadLetterTotal,
		r.CacheHitRatio, r.PoolAcquisitionTime,
	)
	return r
}

// NewTestRegistry creates an unregistered registry for tests.
func NewTestRegistry() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
