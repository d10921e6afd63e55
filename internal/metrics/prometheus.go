package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_index_jobs_total",
			Help: "Index jobs handled by workers, by outcome",
		},
		[]string{"outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docchat_index_job_duration_seconds",
			Help:    "Wall time spent running the indexer per job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	QueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docchat_index_queue_wait_seconds",
			Help:    "Time a job spent in the queue before being claimed",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docchat_index_queue_depth",
			Help: "Pending jobs seen at the start of the last worker pass",
		},
	)

	StaleClaimsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docchat_index_stale_claims_recovered_total",
			Help: "Abandoned job claims returned to the queue",
		},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_documents_ingested_total",
			Help: "Documents created by the upload path, by source",
		},
		[]string{"source"},
	)

	IngestFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_ingest_failures_total",
			Help: "Uploads that did not produce a document, by reason",
		},
		[]string{"reason"},
	)

	ParseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docchat_parse_duration_seconds",
			Help:    "Wall time of the external parser",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	CleanupBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_cleanup_vector_batches_total",
			Help: "Vector delete batches issued by cleanup, by outcome",
		},
		[]string{"outcome"},
	)

	CleanupRecordsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docchat_cleanup_index_records_deleted_total",
			Help: "Index records removed by cleanup",
		},
	)

	StatusPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docchat_status_polls_total",
			Help: "document_status lookups served",
		},
	)

	EstimateRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_estimate_requests_total",
			Help: "Estimate requests, by overall estimate source",
		},
		[]string{"source"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			JobsProcessed,
			JobDuration,
			QueueWait,
			QueueDepth,
			StaleClaimsRecovered,
			DocumentsIngested,
			IngestFailures,
			ParseDuration,
			CleanupBatches,
			CleanupRecordsDeleted,
			StatusPolls,
			EstimateRequests,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
