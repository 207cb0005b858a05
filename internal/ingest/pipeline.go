// Package ingest turns an OSM road extract into the versioned coverage
// segments of an area.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/internal/coverage"
	"github.com/rossigee/street-coverage/internal/geocode"
	"github.com/rossigee/street-coverage/internal/geometry"
	"github.com/rossigee/street-coverage/internal/metrics"
	"github.com/rossigee/street-coverage/internal/osm"
	"github.com/rossigee/street-coverage/internal/roads"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// Geocoder resolves a location name to a boundary
type Geocoder interface {
	Resolve(ctx context.Context, location string) (*geocode.Result, error)
}

// Options controls one ingestion run
type Options struct {
	// Backfill replays stored trips once the new segments are active
	Backfill bool
}

// Result summarizes one ingestion run
type Result struct {
	AreaID      string                   `json:"area_id"`
	AreaVersion int                      `json:"area_version"`
	Ways        int                      `json:"ways"`
	InvalidWays int                      `json:"invalid_ways"`
	Segments    int                      `json:"segments"`
	Carried     int64                    `json:"carried"`
	Audit       *roads.Audit             `json:"audit"`
	Stats       *types.AreaStats         `json:"stats,omitempty"`
	Backfill    *coverage.BackfillResult `json:"backfill,omitempty"`
}

// Pipeline ingests and rebuilds areas
type Pipeline struct {
	store    *storage.Store
	source   osm.Source
	geocoder Geocoder
	coverage *coverage.Service
	cfg      config.Config
	clock    quartz.Clock
}

// NewPipeline creates an ingestion pipeline. geocoder may be nil, in which
// case areas must carry an explicit boundary.
func NewPipeline(store *storage.Store, source osm.Source, geocoder Geocoder, svc *coverage.Service, cfg config.Config) *Pipeline {
	return &Pipeline{
		store:    store,
		source:   source,
		geocoder: geocoder,
		coverage: svc,
		cfg:      cfg,
		clock:    quartz.NewReal(),
	}
}

// Run builds a new segment version for the area and activates it. Manual
// marks and driving history carry over to segments present in both
// versions. On failure the partial version is discarded and the area is
// marked failed; the previously active version stays in use.
func (p *Pipeline) Run(ctx context.Context, areaID string, opts Options, updater coverage.ProgressUpdater) (*Result, error) {
	area, err := p.store.GetArea(ctx, areaID)
	if err != nil {
		return nil, err
	}
	version := area.AreaVersion + 1

	log := logrus.WithFields(logrus.Fields{
		"area_id":      area.ID,
		"area_version": version,
	})
	log.Info("Starting area ingestion")

	res, err := p.build(ctx, area, version, updater)
	if err != nil {
		p.fail(ctx, area, version, err)
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"segments": res.Segments,
		"included": res.Audit.Included,
		"excluded": res.Audit.Excluded,
	}).Info("Area ingestion completed")

	if opts.Backfill {
		bf, err := p.coverage.Backfill(ctx, area.ID, coverage.BackfillOptions{}, scaled{updater, 85, 100})
		if err != nil {
			return res, fmt.Errorf("backfill after ingestion failed: %w", err)
		}
		res.Backfill = bf
		res.Stats = bf.Stats
	}

	report(updater, "completed", 100, fmt.Sprintf("%d segments", res.Segments))
	return res, nil
}

func (p *Pipeline) build(ctx context.Context, area *types.Area, version int, updater coverage.ProgressUpdater) (*Result, error) {
	if err := p.store.UpdateAreaStatus(ctx, area.ID, types.AreaProcessing, ""); err != nil {
		return nil, err
	}

	classifier, err := roads.NewClassifier(roads.Mode(p.cfg.Classifier.Mode), roads.TrackPolicy(p.cfg.Classifier.TrackPolicy))
	if err != nil {
		return nil, types.Validationf("%v", err)
	}

	// Step 1: boundary
	report(updater, "resolving_boundary", 5, "")
	if err := p.resolveBoundary(ctx, area); err != nil {
		return nil, err
	}

	// Step 2: road graph
	report(updater, "loading_graph", 15, "")
	ways, err := p.source.LoadWays(ctx, area)
	if err != nil {
		return nil, fmt.Errorf("failed to load road graph: %w", err)
	}
	ways = osm.WithinBoundary(ways, area.Boundary)

	// Step 3 and 4: classify and segment
	res := &Result{AreaID: area.ID, AreaVersion: version, Ways: len(ways), Audit: roads.NewAudit(classifier, 0)}
	streets, err := p.segment(ctx, area.ID, version, ways, classifier, res, updater)
	if err != nil {
		return nil, err
	}
	if len(streets) == 0 {
		return nil, types.Validationf("no drivable public roads inside the boundary of area %s", area.ID)
	}
	res.Segments = len(streets)

	// Step 5: persist. A crashed earlier attempt may have left rows behind.
	report(updater, "persisting", 60, fmt.Sprintf("%d segments", len(streets)))
	if err := p.store.DiscardAreaVersion(ctx, area.ID, version); err != nil {
		return nil, err
	}
	if err := p.store.InsertStreets(ctx, streets); err != nil {
		return nil, err
	}

	// Step 6: state
	report(updater, "initializing_state", 75, "")
	if _, err := p.store.InitCoverageState(ctx, area.ID, version); err != nil {
		return nil, err
	}
	if area.AreaVersion > 0 {
		carried, err := p.store.CarryCoverage(ctx, area.ID, area.AreaVersion, version)
		if err != nil {
			return nil, err
		}
		res.Carried = carried
	}
	if err := p.store.ActivateAreaVersion(ctx, area.ID, version); err != nil {
		return nil, err
	}

	stats, err := p.store.RecomputeAreaStats(ctx, area.ID)
	if err != nil {
		return nil, err
	}
	res.Stats = stats
	report(updater, "activated", 85, "")
	return res, nil
}

func (p *Pipeline) resolveBoundary(ctx context.Context, area *types.Area) error {
	if area.Boundary != nil {
		return nil
	}
	if p.geocoder == nil {
		return types.Validationf("area %s has no boundary and no geocoder is configured", area.ID)
	}
	resolved, err := p.geocoder.Resolve(ctx, area.Name)
	if err != nil {
		return fmt.Errorf("failed to resolve boundary for %q: %w", area.Name, err)
	}
	if err := p.store.UpdateAreaBoundary(ctx, area.ID, resolved.Boundary, resolved.BBox); err != nil {
		return err
	}
	area.Boundary = resolved.Boundary
	area.BBox = resolved.BBox
	return nil
}

// segment classifies every way and cuts the included ones into segments.
// Ways with unusable geometry are skipped.
func (p *Pipeline) segment(ctx context.Context, areaID string, version int, ways []osm.Way, classifier *roads.Classifier, res *Result, updater coverage.ProgressUpdater) ([]types.Street, error) {
	progress := coverage.NewThrottle(updater, p.clock, p.cfg.Backfill.ProgressEvery, p.cfg.Backfill.ProgressInterval)
	target := p.cfg.Coverage.SegmentLengthMeters

	var (
		streets []types.Street
		invalid *multierror.Error
	)
	for i, way := range ways {
		if i%500 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		if err := geometry.ValidLine(way.Coordinates); err != nil {
			invalid = multierror.Append(invalid, fmt.Errorf("way %d: %w", way.OsmID, err))
			continue
		}

		tags := roads.NormalizeTags(way.Tags)
		decision := classifier.Classify(tags)
		res.Audit.Record(way.OsmID, decision)
		metrics.WaysClassified.WithLabelValues(decision.ReasonCode).Inc()
		if !decision.Include {
			continue
		}

		for ordinal, piece := range geometry.Segmentize(way.Coordinates, target) {
			streets = append(streets, types.Street{
				SegmentID:   geometry.SegmentID(way.OsmID, ordinal),
				AreaID:      areaID,
				AreaVersion: version,
				OsmID:       way.OsmID,
				Ordinal:     ordinal,
				Name:        tags.First("name"),
				HighwayType: decision.HighwayType,
				LengthMiles: geometry.LengthMiles(piece),
				Geometry:    piece,
			})
		}

		progress.Report("classifying", 15+45*float64(i+1)/float64(len(ways)),
			fmt.Sprintf("%d/%d ways", i+1, len(ways)), false)
	}

	if invalid != nil {
		res.InvalidWays = len(invalid.Errors)
		logrus.WithFields(logrus.Fields{
			"area_id": areaID,
			"skipped": len(invalid.Errors),
		}).WithError(invalid.Errors[0]).Warn("Skipped ways with invalid geometry")
	}
	return streets, nil
}

// fail discards the partial version. A first ingestion leaves the area
// failed with the error; a failed rebuild returns the area to ready on its
// previous version and the error stays with the job. It runs even when ctx
// is cancelled.
func (p *Pipeline) fail(ctx context.Context, area *types.Area, version int, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := logrus.WithField("area_id", area.ID).WithError(cause)

	if err := p.store.DiscardAreaVersion(ctx, area.ID, version); err != nil {
		log.WithField("discard_error", err).Warn("Failed to discard partial area version")
	}

	status, lastError := types.AreaFailed, cause.Error()
	if area.AreaVersion > 0 {
		status, lastError = types.AreaReady, ""
		log = log.WithField("active_version", area.AreaVersion)
	}
	log.Error("Area ingestion failed")
	if err := p.store.UpdateAreaStatus(ctx, area.ID, status, lastError); err != nil && !errors.Is(err, types.ErrNotFound) {
		log.WithField("status_error", err).Warn("Failed to record area status")
	}
}

func report(updater coverage.ProgressUpdater, stage string, percent float64, message string) {
	if updater != nil {
		updater.UpdateProgress(stage, percent, message)
	}
}

// scaled maps a nested operation's 0-100 progress into [from, to]
type scaled struct {
	updater  coverage.ProgressUpdater
	from, to float64
}

func (s scaled) UpdateProgress(stage string, percent float64, message string) {
	report(s.updater, "backfill_"+stage, s.from+(s.to-s.from)*percent/100, message)
}
