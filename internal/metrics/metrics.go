package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvideo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mvideo_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Ingestion metrics
var (
	IngestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvideo_ingestions_total",
			Help: "Total number of asset ingestions, by outcome and the stage that failed (if any)",
		},
		[]string{"outcome", "stage"},
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mvideo_ingestion_duration_seconds",
			Help:    "Wall time of a complete ingestion, from upload to committed record",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	IngestionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mvideo_ingestions_in_flight",
			Help: "Number of ingestions currently being processed",
		},
	)

	DerivedArtifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvideo_derived_artifacts_total",
			Help: "Total number of derived artifacts generated, by artifact kind",
		},
		[]string{"artifact"},
	)
)

// Transcoding engine metrics
var (
	TranscodeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvideo_transcode_jobs_total",
			Help: "Total number of transcoding jobs executed, by job kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TranscodeJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mvideo_transcode_job_duration_seconds",
			Help:    "Transcoding job duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mvideo_probe_duration_seconds",
			Help:    "Duration of metadata probes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	ProbeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mvideo_probe_failures_total",
			Help: "Total number of failed metadata probes",
		},
	)

	EngineAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mvideo_engine_available",
			Help: "1 if the transcoding engine availability check succeeded, 0 if it failed (unset until checked)",
		},
	)
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
