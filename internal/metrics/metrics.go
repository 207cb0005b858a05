// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentsMatched counts segments upserted as driven, by update path
	SegmentsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_segments_matched_total",
		Help: "Segments marked driven by automatic matching",
	}, []string{"path"}) // "incremental" or "backfill"

	// TripsProcessed counts trips handled by the incremental worker and backfill
	TripsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_trips_processed_total",
		Help: "Trips processed by result",
	}, []string{"path", "result"})

	// EventsDropped counts events evicted from full subscriber queues
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coverage_events_dropped_total",
		Help: "Events dropped from full subscriber queues",
	})

	// HandlerErrors counts failed or panicking event handlers
	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_event_handler_errors_total",
		Help: "Event handler failures by event type",
	}, []string{"event"})

	// WaysClassified counts classifier decisions by reason code
	WaysClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_ways_classified_total",
		Help: "OSM ways classified during ingestion by reason code",
	}, []string{"reason"})

	// BackfillDuration tracks full backfill runs
	BackfillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coverage_backfill_duration_seconds",
		Help:    "Backfill duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
	})

	// JobsFinished counts jobs reaching a terminal state
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coverage_jobs_finished_total",
		Help: "Jobs finished by kind and final status",
	}, []string{"kind", "status"})
)
