// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline and image lifecycle jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsFetched counts raw events pulled per source, before any filtering.
	EventsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "towncal_events_fetched_total",
			Help: "Raw events fetched from upstream sources",
		},
		[]string{"source"},
	)

	// SourceErrors counts fetch or parse failures per source.
	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "towncal_source_errors_total",
			Help: "Fetch or parse failures per source",
		},
		[]string{"source"},
	)

	// EventsFiltered counts events dropped by the geographic filter.
	EventsFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "towncal_events_filtered_total",
			Help: "Events dropped by the postal code filter",
		},
	)

	// EventsDeduped counts events dropped as duplicates, split by kind.
	EventsDeduped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "towncal_events_deduped_total",
			Help: "Events dropped as duplicates",
		},
		[]string{"kind"},
	)

	// EventsWritten counts events handed to the storage upsert.
	EventsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "towncal_events_written_total",
			Help: "Events written through the storage upsert",
		},
	)

	// UpsertChunkFailures counts chunks that failed even after the
	// insert-or-ignore retry.
	UpsertChunkFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "towncal_upsert_chunk_failures_total",
			Help: "Storage chunks that failed both upsert and fallback insert",
		},
	)

	// IngestRuns counts completed pipeline runs by outcome.
	IngestRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "towncal_ingest_runs_total",
			Help: "Completed ingestion runs",
		},
		[]string{"outcome"},
	)

	// IngestDuration tracks full pipeline run latency.
	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "towncal_ingest_duration_seconds",
			Help:    "Duration of a full ingestion run",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// ImagesBackfilled counts backfill outcomes per event processed.
	ImagesBackfilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "towncal_images_backfilled_total",
			Help: "Image backfill outcomes",
		},
		[]string{"outcome"},
	)

	// ImagesExpired counts image assets removed by the retention job.
	ImagesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "towncal_images_expired_total",
			Help: "Image assets removed after the retention window",
		},
	)
)
