// Package coverage keeps per-segment coverage state current: the incremental
// worker applies single trips, the backfill replays history for an area, and
// manual overrides let an operator correct individual segments.
package coverage

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/internal/events"
	"github.com/rossigee/street-coverage/internal/index"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/internal/trips"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// Service applies trips and overrides to coverage state
type Service struct {
	store    *storage.Store
	bus      *events.Bus
	matcher  *trips.Matcher
	opts     index.Options
	backfill config.BackfillConfig
	clock    quartz.Clock
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces the wall clock used for progress throttling and
// undated trips
func WithClock(clock quartz.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// NewService creates a coverage service. bus may be nil when no events are
// needed.
func NewService(store *storage.Store, bus *events.Bus, cov config.CoverageConfig, backfill config.BackfillConfig, opts ...Option) *Service {
	idxOpts := index.Options{
		BufferMeters:     cov.MatchBufferMeters,
		MinOverlapMeters: cov.MinOverlapMeters,
	}
	defaults := config.Default().Backfill
	if backfill.TripChunkSize <= 0 {
		backfill.TripChunkSize = defaults.TripChunkSize
	}
	if backfill.BatchSize <= 0 {
		backfill.BatchSize = defaults.BatchSize
	}
	if backfill.WriteBatchSize <= 0 {
		backfill.WriteBatchSize = defaults.WriteBatchSize
	}
	if backfill.Workers <= 0 {
		backfill.Workers = defaults.Workers
	}

	s := &Service{
		store:    store,
		bus:      bus,
		matcher:  trips.NewMatcher(store, idxOpts),
		opts:     idxOpts,
		backfill: backfill,
		clock:    quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkSegment applies a manual override and refreshes the area stats
func (s *Service) MarkSegment(ctx context.Context, areaID, segmentID string, status types.SegmentStatus) (*types.CoverageState, error) {
	state, err := s.store.MarkSegment(ctx, areaID, segmentID, status)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"area_id":    areaID,
		"segment_id": segmentID,
		"status":     status,
	}).Info("Segment manually marked")

	if err := s.refreshStats(ctx, areaID, 1); err != nil {
		return nil, err
	}
	return state, nil
}

// ResetSegment clears a manual override and refreshes the area stats
func (s *Service) ResetSegment(ctx context.Context, areaID, segmentID string) (*types.CoverageState, error) {
	state, err := s.store.ResetSegment(ctx, areaID, segmentID)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"area_id":    areaID,
		"segment_id": segmentID,
		"status":     state.Status,
	}).Info("Segment override reset")

	if err := s.refreshStats(ctx, areaID, 1); err != nil {
		return nil, err
	}
	return state, nil
}

// refreshStats recomputes the area aggregate and announces the change
func (s *Service) refreshStats(ctx context.Context, areaID string, updated int) error {
	stats, err := s.store.RecomputeAreaStats(ctx, areaID)
	if err != nil {
		return fmt.Errorf("failed to recompute stats for area %s: %w", areaID, err)
	}
	s.publishUpdate(areaID, updated, stats)
	return nil
}

func (s *Service) publishUpdate(areaID string, updated int, stats *types.AreaStats) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.AreaTopic(areaID), types.Event{
		Type: types.EventCoverageUpdated,
		Payload: map[string]any{
			"area_id":          areaID,
			"updated_count":    updated,
			"coverage_percent": stats.CoveragePercent,
		},
		Timestamp: s.clock.Now().UTC(),
	})
}
