package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/rossigee/street-coverage/internal/coverage"
	"github.com/rossigee/street-coverage/internal/events"
	"github.com/rossigee/street-coverage/internal/jobs"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockJobManager for testing
type MockJobManager struct {
	mu          sync.Mutex
	err         error
	jobs        map[string]*types.Job
	lastRequest types.CreateAreaRequest
	lastOpts    coverage.BackfillOptions
	lastRebuild bool
	cancelled   []string
	active      int
}

func (m *MockJobManager) CreateArea(_ context.Context, req types.CreateAreaRequest) (*types.Area, string, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, "", m.err
	}
	area := &types.Area{ID: "area-new", Name: req.Name, Status: types.AreaPending}
	if len(req.Boundary) > 0 {
		b, err := jobs.ParseBoundary(req.Boundary)
		if err != nil {
			return nil, "", err
		}
		area.Boundary = b
		area.BBox = b.Bound()
	}
	return area, "job-ingest", nil
}

func (m *MockJobManager) RebuildArea(_ context.Context, _ string, backfill bool) (string, error) {
	m.lastRebuild = backfill
	return "job-rebuild", m.err
}

func (m *MockJobManager) BackfillArea(_ context.Context, _ string, opts coverage.BackfillOptions) (string, error) {
	m.lastOpts = opts
	return "job-backfill", m.err
}

func (m *MockJobManager) DeleteArea(context.Context, string) (string, error) {
	return "job-delete", m.err
}

func (m *MockJobManager) GetJob(_ context.Context, jobID string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, types.NotFoundf("job %s", jobID)
	}
	return job, nil
}

func (m *MockJobManager) CancelJob(jobID string) error {
	if _, ok := m.jobs[jobID]; !ok {
		return types.NotFoundf("job %s", jobID)
	}
	m.cancelled = append(m.cancelled, jobID)
	return nil
}

func (m *MockJobManager) GetActiveJobs() int {
	return m.active
}

type mockCoverage struct {
	mu     sync.Mutex
	trips  []string
	marked map[string]types.SegmentStatus
}

func (m *mockCoverage) ProcessTrip(_ context.Context, tripID string, trip *types.Trip) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tripID == "bad" {
		return nil, types.Validationf("no geometry")
	}
	m.trips = append(m.trips, tripID)
	return map[string]int{"area-1": 3}, nil
}

func (m *mockCoverage) MarkSegment(_ context.Context, areaID, segmentID string, status types.SegmentStatus) (*types.CoverageState, error) {
	if segmentID == "missing" {
		return nil, types.NotFoundf("segment %s", segmentID)
	}
	if m.marked == nil {
		m.marked = make(map[string]types.SegmentStatus)
	}
	m.marked[segmentID] = status
	return &types.CoverageState{AreaID: areaID, SegmentID: segmentID, Status: status, ManuallyMarked: true}, nil
}

func (m *mockCoverage) ResetSegment(_ context.Context, areaID, segmentID string) (*types.CoverageState, error) {
	return &types.CoverageState{AreaID: areaID, SegmentID: segmentID, Status: types.SegmentUndriven}, nil
}

type fixture struct {
	router  *gin.Engine
	jobs    *MockJobManager
	cov     *mockCoverage
	store   *storage.Store
	bus     *events.Bus
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	seedArea(t, store)

	f := &fixture{
		jobs:  &MockJobManager{jobs: map[string]*types.Job{}},
		cov:   &mockCoverage{},
		store: store,
		bus:   events.New(10),
	}
	f.handler = NewHandler(f.jobs, f.cov, store, f.bus, "test")
	f.router = gin.New()
	SetupRoutes(f.router, f.handler, nil)
	return f
}

// seedArea stores area-1 with three active segments, the second driven
func seedArea(t *testing.T, store *storage.Store) {
	t.Helper()
	ctx := context.Background()
	boundary := orb.Polygon{{{13.3, 52.4}, {13.5, 52.4}, {13.5, 52.6}, {13.3, 52.6}, {13.3, 52.4}}}
	now := time.Now().UTC()
	require.NoError(t, store.CreateArea(ctx, &types.Area{
		ID: "area-1", Name: "Mitte", Boundary: boundary, BBox: boundary.Bound(),
		Status: types.AreaPending, CreatedAt: now, UpdatedAt: now,
	}))

	var streets []types.Street
	for i := 0; i < 3; i++ {
		lon := 13.4 + float64(i)*0.001
		streets = append(streets, types.Street{
			SegmentID:   fmt.Sprintf("seg-%d", i),
			AreaID:      "area-1",
			AreaVersion: 1,
			OsmID:       42,
			Ordinal:     i,
			Name:        "Main Street",
			HighwayType: "residential",
			LengthMiles: 0.05,
			Geometry:    orb.LineString{{lon, 52.5}, {lon + 0.001, 52.5}},
		})
	}
	require.NoError(t, store.InsertStreets(ctx, streets))
	_, err := store.InitCoverageState(ctx, "area-1", 1)
	require.NoError(t, err)
	require.NoError(t, store.ActivateAreaVersion(ctx, "area-1", 1))
	_, err = store.MarkDriven(ctx, "area-1", 1, []string{"seg-1"}, now, "trip-1")
	require.NoError(t, err)
	_, err = store.RecomputeAreaStats(ctx, "area-1")
	require.NoError(t, err)
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	f.jobs.active = 3

	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[types.HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 3, resp.ActiveJobs)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHealthCheck_DatabaseDown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[types.HealthResponse](t, w).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCreateArea(t *testing.T) {
	boundary := `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`

	tests := []struct {
		name     string
		body     string
		err      error
		expected int
	}{
		{name: "name only", body: `{"name":"Mitte, Berlin"}`, expected: http.StatusAccepted},
		{name: "with boundary", body: `{"name":"Square","boundary":` + boundary + `}`, expected: http.StatusAccepted},
		{name: "missing name", body: `{"owner":"alice"}`, expected: http.StatusBadRequest},
		{name: "malformed json", body: `{"name":`, expected: http.StatusBadRequest},
		{name: "point boundary", body: `{"name":"x","boundary":{"type":"Point","coordinates":[0,0]}}`, expected: http.StatusBadRequest},
		{name: "area busy", body: `{"name":"x"}`, err: fmt.Errorf("%w: job-1", jobs.ErrAreaBusy), expected: http.StatusConflict},
		{name: "shutting down", body: `{"name":"x"}`, err: jobs.ErrShuttingDown, expected: http.StatusServiceUnavailable},
		{name: "storage failure", body: `{"name":"x"}`, err: fmt.Errorf("disk full"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.jobs.err = tt.err

			w := f.do(http.MethodPost, "/api/v1/areas", tt.body)
			assert.Equal(t, tt.expected, w.Code, w.Body.String())
			if tt.expected != http.StatusAccepted {
				assert.NotEmpty(t, decode[types.ErrorResponse](t, w).Error)
				return
			}

			resp := decode[types.AreaResponse](t, w)
			assert.Equal(t, "job-ingest", resp.JobID)
			assert.Equal(t, "area-new", resp.Area.ID)
			if strings.Contains(tt.body, "boundary") {
				assert.Equal(t, []float64{0, 0, 1, 1}, resp.BBox)
				assert.Contains(t, string(resp.Boundary), "Polygon")
			}
		})
	}
}

func TestGetAndListAreas(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/areas/area-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[types.AreaResponse](t, w)
	assert.Equal(t, "Mitte", resp.Area.Name)
	assert.Equal(t, 1, resp.Area.AreaVersion)
	assert.Equal(t, 3, resp.Area.Stats.TotalSegments)
	assert.InDelta(t, 33.33, resp.Area.Stats.CoveragePercent, 0.01)
	assert.Len(t, resp.BBox, 4)

	w = f.do(http.MethodGet, "/api/v1/areas/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/areas", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Areas []types.AreaResponse `json:"areas"`
		Count int                  `json:"count"`
	}](t, w)
	assert.Equal(t, 1, list.Count)

	w = f.do(http.MethodGet, "/api/v1/areas?owner=nobody", nil)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestAreaJobs(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/areas/area-1/rebuild?backfill=false", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "job-rebuild")
	assert.False(t, f.jobs.lastRebuild)

	w = f.do(http.MethodPost, "/api/v1/areas/area-1/rebuild?backfill=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/areas/area-1/backfill", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.False(t, f.jobs.lastOpts.DryRun)

	w = f.do(http.MethodPost, "/api/v1/areas/area-1/backfill", `{"dry_run":true,"since":"2024-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, f.jobs.lastOpts.DryRun)
	require.NotNil(t, f.jobs.lastOpts.Since)
	assert.Equal(t, 2024, f.jobs.lastOpts.Since.Year())

	w = f.do(http.MethodPost, "/api/v1/areas/area-1/backfill", `{"since":"2024-02-01T00:00:00Z","until":"2024-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodDelete, "/api/v1/areas/area-1", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "job-delete")

	f.jobs.err = types.NotFoundf("area missing")
	w = f.do(http.MethodDelete, "/api/v1/areas/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSegments(t *testing.T) {
	type segmentList struct {
		AreaVersion int       `json:"area_version"`
		Segments    []Segment `json:"segments"`
		Count       int       `json:"count"`
	}

	tests := []struct {
		name     string
		query    string
		expected int
		count    int
	}{
		{name: "all", query: "", expected: http.StatusOK, count: 3},
		{name: "driven only", query: "?status=driven", expected: http.StatusOK, count: 1},
		{name: "paged", query: "?limit=2&offset=2", expected: http.StatusOK, count: 1},
		{name: "manual only", query: "?manual=true", expected: http.StatusOK, count: 0},
		{name: "unknown status", query: "?status=flying", expected: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=-1", expected: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodGet, "/api/v1/areas/area-1/segments"+tt.query, nil)
			require.Equal(t, tt.expected, w.Code, w.Body.String())
			if tt.expected != http.StatusOK {
				return
			}
			resp := decode[segmentList](t, w)
			assert.Equal(t, 1, resp.AreaVersion)
			assert.Equal(t, tt.count, resp.Count)
			for _, s := range resp.Segments {
				assert.Equal(t, "Main Street", s.Name)
				assert.Equal(t, int64(42), s.OsmID)
			}
		})
	}
}

func TestListSegments_GeoJSON(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/areas/area-1/segments?format=geojson&status=driven", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID         string         `json:"id"`
			Geometry   map[string]any `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "seg-1", fc.Features[0].ID)
	assert.Equal(t, "LineString", fc.Features[0].Geometry["type"])
	assert.Equal(t, "driven", fc.Features[0].Properties["status"])
	assert.NotEmpty(t, fc.Features[0].Properties["last_driven_at"])
}

func TestMarkAndResetSegment(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPut, "/api/v1/areas/area-1/segments/seg-0/mark", `{"status":"undriveable"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.SegmentUndriveable, f.cov.marked["seg-0"])
	assert.True(t, decode[types.CoverageState](t, w).ManuallyMarked)

	w = f.do(http.MethodPut, "/api/v1/areas/area-1/segments/seg-0/mark", `{"status":"paved"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/v1/areas/area-1/segments/seg-0/mark", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/v1/areas/area-1/segments/missing/mark", `{"status":"driven"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodDelete, "/api/v1/areas/area-1/segments/seg-0/mark", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.SegmentUndriven, decode[types.CoverageState](t, w).Status)
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t)
	f.jobs.jobs["job-1"] = &types.Job{ID: "job-1", Kind: types.JobIngest, Status: types.StatusRunning}

	w := f.do(http.MethodGet, "/api/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusRunning, decode[types.Job](t, w).Status)

	w = f.do(http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodDelete, "/api/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"job-1"}, f.jobs.cancelled)

	w = f.do(http.MethodDelete, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTripCompleted(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/trips/completed", `{"trip_id":"trip-9"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[types.TripCompletedResponse](t, w)
	assert.Equal(t, "trip-9", resp.TripID)
	assert.Equal(t, 3, resp.Updated["area-1"])

	w = f.do(http.MethodPost, "/api/v1/trips/completed", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/trips/completed", `{"trip_id":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTripCompleted_Async(t *testing.T) {
	f := newFixture(t)
	handled := make(chan string, 1)
	f.bus.Handle(types.EventTripCompleted, func(_ context.Context, ev types.Event) error {
		handled <- ev.Payload["trip_id"].(string)
		return nil
	})

	w := f.do(http.MethodPost, "/api/v1/trips/completed?async=true", `{"trip_id":"trip-7"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case id := <-handled:
		assert.Equal(t, "trip-7", id)
	case <-time.After(2 * time.Second):
		t.Fatal("trip_completed was not dispatched")
	}
}

func TestShutdown_WaitsForAsyncTrips(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var applied atomic.Bool
	f.bus.Handle(types.EventTripCompleted, func(_ context.Context, _ types.Event) error {
		close(started)
		<-release
		applied.Store(true)
		return nil
	})

	w := f.do(http.MethodPost, "/api/v1/trips/completed?async=true", `{"trip_id":"trip-8"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	<-started

	// an expired context reports the trip still in flight
	expired, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.handler.Shutdown(expired), context.DeadlineExceeded)
	assert.False(t, applied.Load())

	// new asynchronous work is refused once shutdown began
	w = f.do(http.MethodPost, "/api/v1/trips/completed?async=true", `{"trip_id":"trip-9"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	done := make(chan error, 1)
	go func() { done <- f.handler.Shutdown(context.Background()) }()
	select {
	case <-done:
		t.Fatal("shutdown returned before the accepted trip finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.True(t, applied.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}

func TestStreamJobEvents_FinishedJob(t *testing.T) {
	f := newFixture(t)
	f.jobs.jobs["job-1"] = &types.Job{
		ID: "job-1", Status: types.StatusFailed, Error: "extract missing",
		Progress: types.ProgressInfo{Stage: "loading_graph", Percent: 15},
	}

	w := f.do(http.MethodGet, "/api/v1/jobs/job-1/events", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	body := w.Body.String()
	assert.Contains(t, body, "event:progress")
	assert.Contains(t, body, "event:job_failed")
	assert.Contains(t, body, "extract missing")
	assert.Zero(t, f.bus.Subscribers("job-1"), "subscription is released")
}

func TestStreamJobEvents_Live(t *testing.T) {
	f := newFixture(t)
	f.jobs.jobs["job-1"] = &types.Job{ID: "job-1", Status: types.StatusRunning}

	go func() {
		for f.bus.Subscribers("job-1") == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		f.bus.Publish("job-1", types.Event{JobID: "job-1", Type: types.EventProgress, Payload: map[string]any{"stage": "matching"}})
		f.bus.Publish("job-1", types.Event{JobID: "job-1", Type: types.EventJobCompleted, Payload: map[string]any{"status": "completed"}})
	}()

	w := f.do(http.MethodGet, "/api/v1/jobs/job-1/events", nil)
	body := w.Body.String()
	assert.Contains(t, body, "matching")
	assert.Contains(t, body, "event:job_completed")
	assert.Less(t, strings.Index(body, "matching"), strings.Index(body, "event:job_completed"))
}

func TestStreamJobEvents_UnknownJob(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/v1/jobs/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, f.bus.Topics())
}

func TestStreamAreaEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		topic := events.AreaTopic("area-1")
		for f.bus.Subscribers(topic) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		f.bus.Publish(topic, types.Event{Type: types.EventCoverageUpdated, Payload: map[string]any{"updated_count": 7}})
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/areas/area-1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	body := w.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event:coverage_updated"), body)
	assert.Contains(t, body, `"updated_count":7`)
}

func TestAuthMiddlewareGuardsAPIOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	router := gin.New()
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) }
	SetupRoutes(router, f.handler, deny)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/areas", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
