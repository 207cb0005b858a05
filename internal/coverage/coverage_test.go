package coverage

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/internal/events"
	"github.com/rossigee/street-coverage/internal/geometry"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origin = orb.Point{13.4, 52.5}

// at returns the lon/lat point x meters east and y meters north of origin
func at(x, y float64) orb.Point {
	perDegree := orb.EarthRadius * math.Pi / 180
	return orb.Point{
		origin.Lon() + x/(perDegree*math.Cos(origin.Lat()*math.Pi/180)),
		origin.Lat() + y/perDegree,
	}
}

func day(d int) time.Time {
	return time.Date(2024, 5, d, 8, 0, 0, 0, time.UTC)
}

type fixture struct {
	store   *storage.Store
	bus     *events.Bus
	svc     *Service
	clock   *quartz.Mock
	areaID  string
	version int
	ids     []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.New(10)
	clock := quartz.NewMock(t)

	backfill := config.Default().Backfill
	backfill.TripChunkSize = 2
	backfill.BatchSize = 2
	backfill.WriteBatchSize = 3
	backfill.Workers = 2
	backfill.ProgressEvery = 1
	backfill.ProgressInterval = 0

	svc := NewService(store, bus, config.CoverageConfig{
		SegmentLengthMeters: 46,
		MatchBufferMeters:   15,
		MinOverlapMeters:    5,
	}, backfill, WithClock(clock))

	f := &fixture{store: store, bus: bus, svc: svc, clock: clock, areaID: "area-1", version: 1}
	f.ids = f.seedArea(t, orb.LineString{at(0, 0), at(200, 0)})
	return f
}

// seedArea stores one east-west street segmented at 46 m as version 1
func (f *fixture) seedArea(t *testing.T, line orb.LineString) []string {
	t.Helper()
	ctx := context.Background()

	bbox := geo.BoundPad(line.Bound(), 100)
	require.NoError(t, f.store.CreateArea(ctx, &types.Area{
		ID:        f.areaID,
		Name:      "Test Area",
		Boundary:  bbox.ToPolygon(),
		BBox:      bbox,
		Status:    types.AreaProcessing,
		CreatedAt: day(1),
		UpdatedAt: day(1),
	}))

	var streets []types.Street
	var ids []string
	for i, piece := range geometry.Segmentize(line, 46) {
		id := geometry.SegmentID(100, i)
		ids = append(ids, id)
		streets = append(streets, types.Street{
			SegmentID:   id,
			AreaID:      f.areaID,
			AreaVersion: f.version,
			OsmID:       100,
			Ordinal:     i,
			HighwayType: "residential",
			LengthMiles: geometry.LengthMiles(piece),
			Geometry:    piece,
		})
	}
	require.NoError(t, f.store.InsertStreets(ctx, streets))
	_, err := f.store.InitCoverageState(ctx, f.areaID, f.version)
	require.NoError(t, err)
	require.NoError(t, f.store.ActivateAreaVersion(ctx, f.areaID, f.version))
	return ids
}

func (f *fixture) state(t *testing.T, id string) *types.CoverageState {
	t.Helper()
	st, err := f.store.GetCoverage(context.Background(), f.areaID, f.version, id)
	require.NoError(t, err)
	return st
}

func (f *fixture) snapshot(t *testing.T) []types.CoverageState {
	t.Helper()
	states, err := f.store.ListCoverage(context.Background(), storage.CoverageFilter{AreaID: f.areaID, Version: f.version})
	require.NoError(t, err)
	return states
}

func trip(t *testing.T, id string, end time.Time, line orb.Geometry) *types.Trip {
	t.Helper()
	raw, err := geojson.NewGeometry(line).MarshalJSON()
	require.NoError(t, err)
	return &types.Trip{TransactionID: id, EndTime: &end, GPS: raw}
}

// alongStreet drives the whole street 5 m north of its centerline
func alongStreet() orb.LineString {
	return orb.LineString{at(-10, 5), at(210, 5)}
}

func farAway() orb.LineString {
	return orb.LineString{at(0, 2000), at(200, 2000)}
}

type recorder struct {
	mu       sync.Mutex
	stages   []string
	percents []float64
}

func (r *recorder) UpdateProgress(stage string, percent float64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	r.percents = append(r.percents, percent)
}

func TestProcessTrip_MarksDrivenAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(events.AreaTopic(f.areaID))
	defer f.bus.Unsubscribe(sub)

	updated, err := f.svc.ProcessTrip(ctx, "", trip(t, "trip-1", day(5), alongStreet()))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{f.areaID: len(f.ids)}, updated)

	for _, id := range f.ids {
		st := f.state(t, id)
		assert.Equal(t, types.SegmentDriven, st.Status, id)
		assert.Equal(t, day(5), *st.FirstDrivenAt)
		assert.Equal(t, day(5), *st.LastDrivenAt)
		assert.Equal(t, "trip-1", st.DrivenByTripID)
		assert.False(t, st.ManuallyMarked)
	}

	select {
	case ev := <-sub.Events():
		assert.Equal(t, types.EventCoverageUpdated, ev.Type)
		assert.Equal(t, f.areaID, ev.Payload["area_id"])
		assert.Equal(t, len(f.ids), ev.Payload["updated_count"])
		assert.InDelta(t, 100.0, ev.Payload["coverage_percent"], 1e-9)
	default:
		t.Fatal("expected a coverage_updated event")
	}

	area, err := f.store.GetArea(ctx, f.areaID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, area.Stats.CoveragePercent, 1e-9)

	saved, err := f.store.GetTrip(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, day(5), *saved.EndTime)
}

func TestProcessTrip_NotAnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		trip *types.Trip
	}{
		{"unmatched", trip(t, "far", day(5), farAway())},
		{"stationary point", trip(t, "point", day(5), at(10, 0))},
		{"no geometry", &types.Trip{TransactionID: "empty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated, err := f.svc.ProcessTrip(ctx, "", tt.trip)
			require.NoError(t, err)
			assert.Empty(t, updated)
		})
	}
	for _, st := range f.snapshot(t) {
		assert.Equal(t, types.SegmentUndriven, st.Status)
	}
}

func TestProcessTrip_LoadsStoredTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := trip(t, "trip-9", day(6), alongStreet())
	line := alongStreet()
	b := line.Bound()
	end := day(6)
	require.NoError(t, f.store.SaveTrip(ctx, storage.TripRecord{Trip: tr, Bound: &b, DrivenAt: &end}))

	updated, err := f.svc.ProcessTrip(ctx, "trip-9", nil)
	require.NoError(t, err)
	assert.Equal(t, len(f.ids), updated[f.areaID])

	_, err = f.svc.ProcessTrip(ctx, "missing", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.svc.ProcessTrip(ctx, "", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestProcessTrip_UndatedTripUsesClock(t *testing.T) {
	f := newFixture(t)
	tr := trip(t, "undated", day(1), alongStreet())
	tr.EndTime = nil

	_, err := f.svc.ProcessTrip(context.Background(), "", tr)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UTC().Truncate(time.Second), *f.state(t, f.ids[0]).FirstDrivenAt)
}

func TestHandleTripCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Register(f.bus)

	t.Run("in-process trip", func(t *testing.T) {
		require.NoError(t, f.bus.EmitTripCompleted(ctx, "trip-1", trip(t, "trip-1", day(5), alongStreet())))
		assert.Equal(t, "trip-1", f.state(t, f.ids[0]).DrivenByTripID)
	})

	t.Run("decoded json payload", func(t *testing.T) {
		raw, err := json.Marshal(trip(t, "trip-2", day(7), alongStreet()))
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(raw, &payload))

		err = f.bus.Dispatch(ctx, types.Event{
			Type:    types.EventTripCompleted,
			Payload: map[string]any{"trip_id": "trip-2", "trip": payload},
		})
		require.NoError(t, err)
		st := f.state(t, f.ids[0])
		assert.Equal(t, "trip-2", st.DrivenByTripID)
		assert.Equal(t, day(5), *st.FirstDrivenAt)
		assert.Equal(t, day(7), *st.LastDrivenAt)
	})

	t.Run("unknown trip propagates", func(t *testing.T) {
		err := f.bus.EmitTripCompleted(ctx, "missing", nil)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestFirstDrivenNeverIncreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, d := range []int{5, 3, 9, 4} {
		_, err := f.svc.ProcessTrip(ctx, "", trip(t, "trip-"+string(rune('a'+i)), day(d), alongStreet()))
		require.NoError(t, err)
	}
	_, err := f.svc.Backfill(ctx, f.areaID, BackfillOptions{}, nil)
	require.NoError(t, err)

	st := f.state(t, f.ids[0])
	assert.Equal(t, day(3), *st.FirstDrivenAt)
	assert.Equal(t, day(9), *st.LastDrivenAt)
	assert.Equal(t, "trip-c", st.DrivenByTripID)
}

func TestManualMarks_NeverOverwritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.MarkSegment(ctx, f.areaID, f.ids[0], types.SegmentUndriven)
	require.NoError(t, err)
	_, err = f.svc.MarkSegment(ctx, f.areaID, f.ids[1], types.SegmentUndriveable)
	require.NoError(t, err)
	before0, before1 := f.state(t, f.ids[0]), f.state(t, f.ids[1])

	_, err = f.svc.ProcessTrip(ctx, "", trip(t, "trip-1", day(5), alongStreet()))
	require.NoError(t, err)
	_, err = f.svc.Backfill(ctx, f.areaID, BackfillOptions{}, nil)
	require.NoError(t, err)

	assert.Equal(t, before0, f.state(t, f.ids[0]))
	assert.Equal(t, before1, f.state(t, f.ids[1]))
	assert.Equal(t, types.SegmentDriven, f.state(t, f.ids[2]).Status)
}

func TestMarkAndResetSegment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.store.RecomputeAreaStats(ctx, f.areaID)
	require.NoError(t, err)

	st, err := f.svc.MarkSegment(ctx, f.areaID, f.ids[0], types.SegmentUndriveable)
	require.NoError(t, err)
	assert.True(t, st.ManuallyMarked)
	assert.NotNil(t, st.MarkedAt)

	area, err := f.store.GetArea(ctx, f.areaID)
	require.NoError(t, err)
	assert.Less(t, area.Stats.TotalLengthMiles, before.TotalLengthMiles)
	assert.Equal(t, 1, area.Stats.UndriveableCount)

	st, err = f.svc.ResetSegment(ctx, f.areaID, f.ids[0])
	require.NoError(t, err)
	assert.False(t, st.ManuallyMarked)
	assert.Equal(t, types.SegmentUndriven, st.Status)

	_, err = f.svc.MarkSegment(ctx, f.areaID, f.ids[0], "paved")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.svc.MarkSegment(ctx, f.areaID, "missing", types.SegmentDriven)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// seedTrips stores trips the way the trip pipeline would
func (f *fixture) seedTrips(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	save := func(tr *types.Trip, bound orb.Bound) {
		end := *tr.EndTime
		require.NoError(t, f.store.SaveTrip(ctx, storage.TripRecord{Trip: tr, Bound: &bound, DrivenAt: &end}))
	}

	first := orb.LineString{at(-10, 3), at(100, 3)}
	second := orb.LineString{at(90, -4), at(210, -4)}
	save(trip(t, "t-1", day(4), first), first.Bound())
	save(trip(t, "t-2", day(2), second), second.Bound())
	save(trip(t, "t-3", day(7), alongStreet()), alongStreet().Bound())
	save(trip(t, "t-4", day(1), farAway()), farAway().Bound())

	// malformed geometry inside the area bbox is skipped, not fatal
	bad := &types.Trip{TransactionID: "t-5", EndTime: &[]time.Time{day(1)}[0], GPS: json.RawMessage(`{"type":"LineString","coordinates":[[13.4,52.5]]}`)}
	save(bad, orb.Bound{Min: at(0, 0), Max: at(10, 0)})
}

func TestBackfill(t *testing.T) {
	f := newFixture(t)
	f.seedTrips(t)
	rec := &recorder{}

	res, err := f.svc.Backfill(context.Background(), f.areaID, BackfillOptions{}, rec)
	require.NoError(t, err)

	assert.Equal(t, len(f.ids), res.Segments)
	assert.Equal(t, 4, res.CandidateTrips)
	assert.Equal(t, 3, res.ValidTrips)
	assert.Equal(t, 1, res.InvalidTrips)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, len(f.ids), res.MatchedSegments)
	assert.Equal(t, len(f.ids), res.Updated)
	assert.Equal(t, day(2), *res.DrivenAt)
	require.NotNil(t, res.Stats)
	assert.InDelta(t, 100.0, res.Stats.CoveragePercent, 1e-9)

	for _, st := range f.snapshot(t) {
		assert.Equal(t, types.SegmentDriven, st.Status)
		assert.Equal(t, day(2), *st.FirstDrivenAt)
		assert.Empty(t, st.DrivenByTripID)
	}

	require.NotEmpty(t, rec.stages)
	assert.Equal(t, "loading_segments", rec.stages[0])
	assert.Equal(t, "completed", rec.stages[len(rec.stages)-1])
	assert.Equal(t, 100.0, rec.percents[len(rec.percents)-1])
	for i := 1; i < len(rec.percents); i++ {
		assert.GreaterOrEqual(t, rec.percents[i], rec.percents[i-1])
	}
}

func TestBackfill_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.seedTrips(t)
	ctx := context.Background()

	_, err := f.svc.Backfill(ctx, f.areaID, BackfillOptions{}, nil)
	require.NoError(t, err)
	once := f.snapshot(t)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Backfill(ctx, f.areaID, BackfillOptions{}, nil)
	require.NoError(t, err)

	assert.Equal(t, once, f.snapshot(t))
}

func TestBackfill_IdempotentWithUndatedTrips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	line := alongStreet()
	raw, err := geojson.NewGeometry(line).MarshalJSON()
	require.NoError(t, err)
	b := line.Bound()
	require.NoError(t, f.store.SaveTrip(ctx, storage.TripRecord{
		Trip:  &types.Trip{TransactionID: "undated", GPS: raw},
		Bound: &b,
	}))
	stored, err := f.store.GetTrip(ctx, "undated")
	require.NoError(t, err)
	require.NotNil(t, stored.ReceivedAt)

	res, err := f.svc.Backfill(ctx, f.areaID, BackfillOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ValidTrips)
	require.NotNil(t, res.DrivenAt)
	assert.True(t, stored.ReceivedAt.Equal(*res.DrivenAt))
	once := f.snapshot(t)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Backfill(ctx, f.areaID, BackfillOptions{}, nil)
	require.NoError(t, err)

	twice := f.snapshot(t)
	assert.Equal(t, once, twice)
	for _, st := range twice {
		require.NotNil(t, st.LastDrivenAt, st.SegmentID)
		assert.True(t, stored.ReceivedAt.Equal(*st.LastDrivenAt), st.SegmentID)
	}
}

func TestBackfill_MatchesIncremental(t *testing.T) {
	incremental := newFixture(t)
	backfilled := newFixture(t)
	incremental.seedTrips(t)
	backfilled.seedTrips(t)
	ctx := context.Background()

	for _, id := range []string{"t-1", "t-2", "t-3", "t-4", "t-5"} {
		_, err := incremental.svc.ProcessTrip(ctx, id, nil)
		require.NoError(t, err)
	}
	_, err := backfilled.svc.Backfill(ctx, backfilled.areaID, BackfillOptions{}, nil)
	require.NoError(t, err)

	inc, bf := incremental.snapshot(t), backfilled.snapshot(t)
	require.Len(t, bf, len(inc))
	for i := range inc {
		assert.Equal(t, inc[i].SegmentID, bf[i].SegmentID)
		assert.Equal(t, inc[i].Status, bf[i].Status, inc[i].SegmentID)
	}
}

func TestBackfill_DryRun(t *testing.T) {
	f := newFixture(t)
	f.seedTrips(t)

	res, err := f.svc.Backfill(context.Background(), f.areaID, BackfillOptions{DryRun: true}, nil)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, len(f.ids), res.MatchedSegments)
	assert.Zero(t, res.Updated)
	assert.Nil(t, res.Stats)

	for _, st := range f.snapshot(t) {
		assert.Equal(t, types.SegmentUndriven, st.Status)
	}
}

func TestBackfill_TimeWindow(t *testing.T) {
	f := newFixture(t)
	f.seedTrips(t)
	since := day(5)

	res, err := f.svc.Backfill(context.Background(), f.areaID, BackfillOptions{Since: &since}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CandidateTrips)
	assert.Equal(t, day(7), *res.DrivenAt)
}

func TestBackfill_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Backfill(ctx, "missing", BackfillOptions{}, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, f.store.CreateArea(ctx, &types.Area{ID: "fresh", Name: "Fresh", Status: types.AreaPending}))
	_, err = f.svc.Backfill(ctx, "fresh", BackfillOptions{}, nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	f.seedTrips(t)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.svc.Backfill(cancelled, f.areaID, BackfillOptions{}, nil)
	assert.Error(t, err)
	for _, st := range f.snapshot(t) {
		assert.Equal(t, types.SegmentUndriven, st.Status)
	}
}

func TestThrottle(t *testing.T) {
	clock := quartz.NewMock(t)
	rec := &recorder{}
	th := NewThrottle(rec, clock, 3, time.Second)

	assert.True(t, th.Report("a", 1, "", false), "first report passes")
	assert.False(t, th.Report("a", 2, "", false))
	assert.False(t, th.Report("a", 3, "", false))
	assert.False(t, th.Report("a", 4, "", false), "count reached but interval not elapsed")

	clock.Advance(time.Second)
	assert.True(t, th.Report("a", 5, "", false))
	clock.Advance(time.Second)
	assert.False(t, th.Report("a", 6, "", false), "interval elapsed but count not reached")
	assert.True(t, th.Report("b", 7, "", true), "forced")

	assert.Equal(t, []float64{1, 5, 7}, rec.percents)

	var nilThrottle *Throttle
	assert.False(t, nilThrottle.Report("a", 1, "", true))
	assert.False(t, NewThrottle(nil, clock, 1, 0).Report("a", 1, "", true))
}
