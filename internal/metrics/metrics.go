// Package metrics defines custom Prometheus metrics for Honeydew.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeydew_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "honeydew_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "honeydew_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "honeydew_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Upload engine metrics.
var (
	// UploadOperationsTotal counts engine operations by name and outcome.
	UploadOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeydew_upload_operations_total",
			Help: "Upload engine operations by type",
		},
		[]string{"operation", "status"},
	)

	// BlocksWrittenTotal counts blocks durably written, by backend.
	BlocksWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeydew_blocks_written_total",
			Help: "Blocks written to the storage backend",
		},
		[]string{"backend"},
	)

	// BlockWriteDuration observes block write plus ledger update latency.
	BlockWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "honeydew_block_write_duration_seconds",
			Help:    "Block write and ledger update latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// BytesReceivedTotal counts upload bytes committed to storage.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "honeydew_bytes_received_total",
			Help: "Total upload bytes committed",
		},
	)

	// BytesSentTotal counts bytes served by downloads.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "honeydew_bytes_sent_total",
			Help: "Total bytes sent (download bodies)",
		},
	)

	// UploadsCompletedTotal counts uploads that reached Complete.
	UploadsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "honeydew_uploads_completed_total",
			Help: "Uploads finalized",
		},
	)
)

// Deletion sweeper metrics.
var (
	// SweepRunsTotal counts sweeper iterations.
	SweepRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "honeydew_sweep_runs_total",
			Help: "Deletion sweeper iterations",
		},
	)

	// SweepDeletedTotal counts uploads purged by the sweeper.
	SweepDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "honeydew_sweep_deleted_total",
			Help: "Uploads purged by the deletion sweeper",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			UploadOperationsTotal,
			BlocksWrittenTotal,
			BlockWriteDuration,
			BytesReceivedTotal,
			BytesSentTotal,
			UploadsCompletedTotal,
			SweepRunsTotal,
			SweepDeletedTotal,
		)
		// Initialize UploadOperationsTotal so it appears in /metrics output
		// before the first upload.
		UploadOperationsTotal.WithLabelValues("Create", "success")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual upload IDs.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json",
		"/api/uploads", "/api/upload":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	if rest, ok := strings.CutPrefix(path, "/api/uploads/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return "/api/uploads/{id}"
	}

	trimmed := strings.TrimPrefix(path, "/")
	id, action, found := strings.Cut(trimmed, "/")
	if found && id != "" {
		switch action {
		case "raw":
			return "/{id}/raw"
		case "download":
			return "/{id}/download"
		}
	}
	return "/{other}"
}
