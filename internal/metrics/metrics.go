// Package metrics provides Prometheus metrics for the DOI exporter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the exporter.
type Metrics struct {
	// Record metrics
	RecordsProcessed prometheus.Counter
	RecordsWritten   prometheus.Counter

	// Bucket metrics
	BucketsCompleted   prometheus.Counter
	BucketsFailed      prometheus.Counter
	BucketsRegenerated prometheus.Counter

	// Stream metrics
	PageRequests  prometheus.Counter
	StreamRetries *prometheus.CounterVec // kind: "timeout" | "failure"

	// Output metrics
	FileRotations prometheus.Counter
	UploadedFiles *prometheus.CounterVec // outcome: "ok" | "error"

	// Timing
	BucketExportDuration prometheus.Histogram

	// Pipeline metrics
	JobQueueDepth prometheus.Gauge

	// Reconciliation
	TotalDiscrepancy prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "doi_exporter"
	}

	m := &Metrics{
		RecordsProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_processed_total",
				Help:      "Total number of records pulled from the search index",
			},
		),
		RecordsWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_written_total",
				Help:      "Total number of findable records written to JSONL output",
			},
		),
		BucketsCompleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buckets_completed_total",
				Help:      "Total number of month buckets exported to completion",
			},
		),
		BucketsFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buckets_failed_total",
				Help:      "Total number of month bucket jobs that ended in an error",
			},
		),
		BucketsRegenerated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buckets_regenerated_total",
				Help:      "Total number of month buckets re-queued by the reconciler",
			},
		),
		PageRequests: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_requests_total",
				Help:      "Total number of page queries issued to the search backend",
			},
		),
		StreamRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_retries_total",
				Help:      "Total number of page retries, by cause",
			},
			[]string{"kind"},
		),
		FileRotations: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "file_rotations_total",
				Help:      "Total number of JSONL sequence file rotations",
			},
		),
		UploadedFiles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_files_total",
				Help:      "Total number of files pushed to bulk storage, by outcome",
			},
			[]string{"outcome"},
		),
		BucketExportDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bucket_export_duration_seconds",
				Help:      "Time to export one month bucket",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
		),
		JobQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_queue_depth",
				Help:      "Current number of jobs waiting in the work queue",
			},
		),
		TotalDiscrepancy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "total_discrepancy",
				Help:      "Last computed expected-minus-final sum across reconciled buckets",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}
