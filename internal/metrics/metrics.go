// Package metrics declares the Prometheus collectors of the file service.
// Collectors are registered on the default registry and exposed by the API
// binary at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fs_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Uploads and downloads
var (
	// UploadsTotal counts upload attempts by backend and result.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_uploads_total",
			Help: "Total number of upload requests.",
		},
		[]string{"backend", "result"},
	)

	UploadedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_uploaded_bytes_total",
			Help: "Total number of bytes stored by successful uploads.",
		},
		[]string{"backend"},
	)

	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_downloads_total",
			Help: "Total number of file fetches.",
		},
		[]string{"backend", "result"},
	)
)

// Mirror
var (
	// MirrorJobsTotal counts mirror jobs by result: copied, failed or dropped.
	MirrorJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_mirror_jobs_total",
			Help: "Total number of mirror jobs.",
		},
		[]string{"result"},
	)

	MirrorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fs_mirror_queue_depth",
		Help: "Number of mirror jobs waiting for a worker.",
	})
)

// Retention
var (
	RetentionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_retention_runs_total",
			Help: "Total number of retention sweeps.",
		},
		[]string{"result"},
	)

	RetentionFilesDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_retention_files_deleted_total",
			Help: "Total number of files removed by retention sweeps.",
		},
		[]string{"backend"},
	)

	RetentionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_retention_failures_total",
			Help: "Total number of files a retention sweep failed to remove.",
		},
		[]string{"backend"},
	)

	RetentionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fs_retention_duration_seconds",
		Help:    "Duration of retention sweeps in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)
