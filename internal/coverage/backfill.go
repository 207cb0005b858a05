package coverage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/rossigee/street-coverage/internal/index"
	"github.com/rossigee/street-coverage/internal/metrics"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/internal/trips"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const pathBackfill = "backfill"

// BackfillOptions narrows a backfill run
type BackfillOptions struct {
	// DryRun matches without writing coverage state or stats
	DryRun bool
	Since  *time.Time
	Until  *time.Time
}

// BackfillResult summarizes one backfill run
type BackfillResult struct {
	AreaID          string           `json:"area_id"`
	AreaVersion     int              `json:"area_version"`
	Segments        int              `json:"segments"`
	CandidateTrips  int              `json:"candidate_trips"`
	ValidTrips      int              `json:"valid_trips"`
	InvalidTrips    int              `json:"invalid_trips"`
	Batches         int              `json:"batches"`
	MatchedSegments int              `json:"matched_segments"`
	Updated         int              `json:"updated"`
	DrivenAt        *time.Time       `json:"driven_at,omitempty"`
	DryRun          bool             `json:"dry_run"`
	Stats           *types.AreaStats `json:"stats,omitempty"`
	Duration        time.Duration    `json:"duration"`
}

// converted is one candidate trip turned into match geometry
type converted struct {
	line     orb.LineString
	drivenAt time.Time
	err      error
}

// Backfill replays every stored trip overlapping the area against its active
// segments. Trip lines are matched in batches through the index union and
// the result is written as bulk upserts stamped with the earliest trip
// time. Running it twice over the same trips leaves the same state.
func (s *Service) Backfill(ctx context.Context, areaID string, opts BackfillOptions, updater ProgressUpdater) (*BackfillResult, error) {
	start := s.clock.Now()
	progress := NewThrottle(updater, s.clock, s.backfill.ProgressEvery, s.backfill.ProgressInterval)
	progress.Report("loading_segments", 0, "", true)

	area, err := s.store.GetArea(ctx, areaID)
	if err != nil {
		return nil, err
	}
	if area.AreaVersion == 0 {
		return nil, types.Validationf("area %s has no ingested segments", areaID)
	}

	log := logrus.WithFields(logrus.Fields{
		"area_id":      area.ID,
		"area_version": area.AreaVersion,
		"dry_run":      opts.DryRun,
	})

	streets, err := s.store.Streets(ctx, area.ID, area.AreaVersion)
	if err != nil {
		return nil, err
	}
	idx := index.Build(streets, s.opts)

	result := &BackfillResult{
		AreaID:      area.ID,
		AreaVersion: area.AreaVersion,
		Segments:    idx.Len(),
		DryRun:      opts.DryRun,
	}
	if idx.Len() == 0 {
		log.Info("Area has no segments, nothing to backfill")
		progress.Report("completed", 100, "no segments", true)
		result.Duration = s.clock.Since(start)
		return result, nil
	}

	bound := geo.BoundPad(idx.Bound(), s.opts.BufferMeters)
	filter := storage.TripFilter{Bound: &bound, Since: opts.Since, Until: opts.Until}
	total, err := s.store.CountCandidateTrips(ctx, filter)
	if err != nil {
		return nil, err
	}
	result.CandidateTrips = total
	progress.Report("loading_trips", 5, fmt.Sprintf("%d candidate trips", total), true)

	lines, earliest, err := s.loadLines(ctx, filter, total, result, progress)
	if err != nil {
		return nil, err
	}

	matched, err := s.matchBatches(ctx, idx, lines, result, progress)
	if err != nil {
		return nil, err
	}
	result.MatchedSegments = len(matched)

	if !earliest.IsZero() {
		result.DrivenAt = &earliest
	}

	if opts.DryRun {
		log.WithField("matched", len(matched)).Info("Dry run backfill finished")
		progress.Report("completed", 100, fmt.Sprintf("dry run: %d segments matched", len(matched)), true)
		result.Duration = s.clock.Since(start)
		return result, nil
	}

	progress.Report("writing", 85, fmt.Sprintf("%d segments", len(matched)), true)
	updated, err := s.store.BackfillDriven(ctx, area.ID, area.AreaVersion, matched, earliest, s.backfill.WriteBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to write backfill for area %s: %w", area.ID, err)
	}
	result.Updated = updated
	metrics.SegmentsMatched.WithLabelValues(pathBackfill).Add(float64(updated))

	progress.Report("finalizing", 95, "", true)
	stats, err := s.store.RecomputeAreaStats(ctx, area.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute stats for area %s: %w", area.ID, err)
	}
	result.Stats = stats
	s.publishUpdate(area.ID, updated, stats)

	result.Duration = s.clock.Since(start)
	metrics.BackfillDuration.Observe(result.Duration.Seconds())
	log.WithFields(logrus.Fields{
		"trips":    result.ValidTrips,
		"matched":  result.MatchedSegments,
		"updated":  updated,
		"coverage": fmt.Sprintf("%.2f%%", stats.CoveragePercent),
		"duration": result.Duration,
	}).Info("Backfill completed")
	progress.Report("completed", 100, fmt.Sprintf("%d segments updated", updated), true)
	return result, nil
}

// loadLines pages through candidate trips and converts each page in
// parallel. Malformed trips are counted and skipped. It returns the valid
// lines and the earliest driven-at time among them.
func (s *Service) loadLines(ctx context.Context, filter storage.TripFilter, total int, result *BackfillResult, progress *Throttle) ([]orb.LineString, time.Time, error) {
	var (
		lines    []orb.LineString
		earliest time.Time
		invalid  *multierror.Error
		afterID  string
		seen     int
	)

	for {
		page, err := s.store.CandidateTrips(ctx, filter, afterID, s.backfill.TripChunkSize)
		if err != nil {
			return nil, time.Time{}, err
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].TransactionID

		out, err := s.convertChunk(ctx, page)
		if err != nil {
			return nil, time.Time{}, err
		}
		for _, c := range out {
			if c.err != nil {
				invalid = multierror.Append(invalid, c.err)
				metrics.TripsProcessed.WithLabelValues(pathBackfill, "invalid").Inc()
				continue
			}
			lines = append(lines, c.line)
			if earliest.IsZero() || c.drivenAt.Before(earliest) {
				earliest = c.drivenAt
			}
		}

		seen += len(page)
		progress.Report("loading_trips", 5+35*ratio(seen, total), fmt.Sprintf("%d/%d trips", seen, total), false)
		if len(page) < s.backfill.TripChunkSize {
			break
		}
	}

	result.ValidTrips = len(lines)
	if invalid != nil {
		result.InvalidTrips = len(invalid.Errors)
		logrus.WithFields(logrus.Fields{
			"area_id": result.AreaID,
			"skipped": len(invalid.Errors),
		}).WithError(invalid.Errors[0]).Warn("Skipped malformed trips during backfill")
	}
	return lines, earliest, nil
}

// convertChunk decodes one page of trips on a bounded worker group
func (s *Service) convertChunk(ctx context.Context, page []*types.Trip) ([]converted, error) {
	out := make([]converted, len(page))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.backfill.Workers)

	for i, trip := range page {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			line, err := trips.Line(trip)
			if err != nil {
				out[i] = converted{err: err}
				return nil
			}
			at, ok := trips.DrivenAt(trip)
			if !ok {
				out[i] = converted{err: types.Validationf("trip %s has no timestamp", trip.TransactionID)}
				return nil
			}
			out[i] = converted{line: line, drivenAt: at}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// matchBatches runs the lines through the index in fixed-size batches and
// returns the sorted union of matched segment ids
func (s *Service) matchBatches(ctx context.Context, idx *index.Index, lines []orb.LineString, result *BackfillResult, progress *Throttle) ([]string, error) {
	size := s.backfill.BatchSize
	matched := make(map[string]struct{})

	for start := 0; start < len(lines); start += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+size, len(lines))

		ids, skipped := idx.MatchBatch(lines[start:end])
		for _, id := range ids {
			matched[id] = struct{}{}
		}
		result.Batches++
		metrics.TripsProcessed.WithLabelValues(pathBackfill, "matched").Add(float64(end - start - skipped))

		progress.Report("matching", 40+45*ratio(end, len(lines)),
			fmt.Sprintf("batch %d: %d segments matched", result.Batches, len(matched)), false)
	}

	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func ratio(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	if done >= total {
		return 1
	}
	return float64(done) / float64(total)
}
