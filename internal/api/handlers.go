// Package api exposes areas, segments, jobs and trip notifications over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rossigee/street-coverage/internal/coverage"
	"github.com/rossigee/street-coverage/internal/events"
	"github.com/rossigee/street-coverage/internal/jobs"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// JobManager interface for job operations
type JobManager interface {
	CreateArea(ctx context.Context, req types.CreateAreaRequest) (*types.Area, string, error)
	RebuildArea(ctx context.Context, areaID string, backfill bool) (string, error)
	BackfillArea(ctx context.Context, areaID string, opts coverage.BackfillOptions) (string, error)
	DeleteArea(ctx context.Context, areaID string) (string, error)
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	CancelJob(jobID string) error
	GetActiveJobs() int
}

// CoverageService applies trips and manual overrides
type CoverageService interface {
	ProcessTrip(ctx context.Context, tripID string, trip *types.Trip) (map[string]int, error)
	MarkSegment(ctx context.Context, areaID, segmentID string, status types.SegmentStatus) (*types.CoverageState, error)
	ResetSegment(ctx context.Context, areaID, segmentID string) (*types.CoverageState, error)
}

// AreaStore is the read side used by the query endpoints
type AreaStore interface {
	ListAreas(ctx context.Context, owner string) ([]*types.Area, error)
	GetArea(ctx context.Context, id string) (*types.Area, error)
	Streets(ctx context.Context, areaID string, version int) ([]types.Street, error)
	ListCoverage(ctx context.Context, filter storage.CoverageFilter) ([]types.CoverageState, error)
	Ping(ctx context.Context) error
}

// Handler handles HTTP API requests
type Handler struct {
	jobManager JobManager
	coverage   CoverageService
	store      AreaStore
	bus        *events.Bus
	version    string
	started    time.Time
	heartbeat  time.Duration

	// async tracks trips accepted with ?async=true until they are applied
	asyncMu sync.Mutex
	async   sync.WaitGroup
	closed  bool
}

// NewHandler creates a new API handler
func NewHandler(jobManager JobManager, svc CoverageService, store AreaStore, bus *events.Bus, version string) *Handler {
	return &Handler{
		jobManager: jobManager,
		coverage:   svc,
		store:      store,
		bus:        bus,
		version:    version,
		started:    time.Now(),
		heartbeat:  15 * time.Second,
	}
}

// SetupRoutes configures the API routes. authMiddleware guards /api/v1 and
// may be nil.
func SetupRoutes(router *gin.Engine, handler *Handler, authMiddleware gin.HandlerFunc) {
	api := router.Group("/api/v1")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}
	{
		api.POST("/areas", handler.CreateArea)
		api.GET("/areas", handler.ListAreas)
		api.GET("/areas/:id", handler.GetArea)
		api.DELETE("/areas/:id", handler.DeleteArea)
		api.POST("/areas/:id/rebuild", handler.RebuildArea)
		api.POST("/areas/:id/backfill", handler.BackfillArea)
		api.GET("/areas/:id/events", handler.StreamAreaEvents)
		api.GET("/areas/:id/segments", handler.ListSegments)
		api.PUT("/areas/:id/segments/:segment_id/mark", handler.MarkSegment)
		api.DELETE("/areas/:id/segments/:segment_id/mark", handler.ResetSegment)

		api.GET("/jobs/:job_id", handler.GetJob)
		api.DELETE("/jobs/:job_id", handler.CancelJob)
		api.GET("/jobs/:job_id/events", handler.StreamJobEvents)

		api.POST("/trips/completed", handler.TripCompleted)
	}

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// writeError maps the error taxonomy to HTTP status codes
func writeError(c *gin.Context, message string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, jobs.ErrAreaBusy):
		code = http.StatusConflict
	case errors.Is(err, types.ErrDependency), errors.Is(err, jobs.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).WithError(err).Error(message)
	}
	c.JSON(code, types.ErrorResponse{
		Error:   message,
		Message: err.Error(),
		Code:    code,
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, types.ErrorResponse{
		Error:   "invalid request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

func areaResponse(area *types.Area, jobID string) types.AreaResponse {
	resp := types.AreaResponse{Area: area, JobID: jobID}
	if area.Boundary != nil {
		if raw, err := geojson.NewGeometry(area.Boundary).MarshalJSON(); err == nil {
			resp.Boundary = raw
		}
		resp.BBox = []float64{area.BBox.Min.Lon(), area.BBox.Min.Lat(), area.BBox.Max.Lon(), area.BBox.Max.Lat()}
	}
	return resp
}

// CreateArea registers an area and starts its ingestion
func (h *Handler) CreateArea(c *gin.Context) {
	var req types.CreateAreaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	area, jobID, err := h.jobManager.CreateArea(c.Request.Context(), req)
	if err != nil {
		writeError(c, "failed to create area", err)
		return
	}
	c.JSON(http.StatusAccepted, areaResponse(area, jobID))
}

// ListAreas returns all areas, optionally filtered by owner
func (h *Handler) ListAreas(c *gin.Context) {
	areas, err := h.store.ListAreas(c.Request.Context(), c.Query("owner"))
	if err != nil {
		writeError(c, "failed to list areas", err)
		return
	}

	resp := make([]types.AreaResponse, 0, len(areas))
	for _, area := range areas {
		resp = append(resp, areaResponse(area, ""))
	}
	c.JSON(http.StatusOK, gin.H{"areas": resp, "count": len(resp)})
}

// GetArea returns one area with its stats
func (h *Handler) GetArea(c *gin.Context) {
	area, err := h.store.GetArea(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "area not found", err)
		return
	}
	c.JSON(http.StatusOK, areaResponse(area, ""))
}

// DeleteArea starts the deletion job of an area
func (h *Handler) DeleteArea(c *gin.Context) {
	jobID, err := h.jobManager.DeleteArea(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "failed to delete area", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "job_id": jobID})
}

// RebuildArea re-ingests the area. Backfill runs afterwards unless
// ?backfill=false.
func (h *Handler) RebuildArea(c *gin.Context) {
	backfill, err := strconv.ParseBool(c.DefaultQuery("backfill", "true"))
	if err != nil {
		badRequest(c, "backfill must be a boolean")
		return
	}

	jobID, err := h.jobManager.RebuildArea(c.Request.Context(), c.Param("id"), backfill)
	if err != nil {
		writeError(c, "failed to start rebuild", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "job_id": jobID})
}

// BackfillRequest narrows a backfill run. The body is optional.
type BackfillRequest struct {
	DryRun bool       `json:"dry_run"`
	Since  *time.Time `json:"since,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}

// BackfillArea starts a replay of stored trips against the area
func (h *Handler) BackfillArea(c *gin.Context) {
	var req BackfillRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.Since != nil && req.Until != nil && req.Until.Before(*req.Since) {
		badRequest(c, "until must not be before since")
		return
	}

	jobID, err := h.jobManager.BackfillArea(c.Request.Context(), c.Param("id"), coverage.BackfillOptions{
		DryRun: req.DryRun,
		Since:  req.Since,
		Until:  req.Until,
	})
	if err != nil {
		writeError(c, "failed to start backfill", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "job_id": jobID})
}

// Segment is a coverage state joined with its street geometry
type Segment struct {
	types.CoverageState
	OsmID       int64   `json:"osm_id"`
	Name        string  `json:"name,omitempty"`
	HighwayType string  `json:"highway_type"`
	LengthMiles float64 `json:"length_miles"`
}

// ListSegments returns the active version's segments. Query parameters:
// status, manual, limit, offset, format=geojson.
func (h *Handler) ListSegments(c *gin.Context) {
	ctx := c.Request.Context()
	area, err := h.store.GetArea(ctx, c.Param("id"))
	if err != nil {
		writeError(c, "area not found", err)
		return
	}

	filter := storage.CoverageFilter{AreaID: area.ID, Version: area.AreaVersion}
	if status := types.SegmentStatus(c.Query("status")); status != "" {
		if !status.Valid() {
			badRequest(c, "unknown segment status "+string(status))
			return
		}
		filter.Status = status
	}
	filter.ManualOnly = c.Query("manual") == "true"
	if filter.Limit, err = queryInt(c, "limit", 1000); err != nil {
		badRequest(c, err.Error())
		return
	}
	if filter.Offset, err = queryInt(c, "offset", 0); err != nil {
		badRequest(c, err.Error())
		return
	}

	states, err := h.store.ListCoverage(ctx, filter)
	if err != nil {
		writeError(c, "failed to list segments", err)
		return
	}
	streets, err := h.store.Streets(ctx, area.ID, area.AreaVersion)
	if err != nil {
		writeError(c, "failed to list segments", err)
		return
	}
	byID := make(map[string]types.Street, len(streets))
	for _, s := range streets {
		byID[s.SegmentID] = s
	}

	if c.Query("format") == "geojson" {
		fc := geojson.NewFeatureCollection()
		for _, st := range states {
			street := byID[st.SegmentID]
			f := geojson.NewFeature(street.Geometry)
			f.ID = st.SegmentID
			f.Properties["status"] = st.Status
			f.Properties["manually_marked"] = st.ManuallyMarked
			f.Properties["name"] = street.Name
			f.Properties["highway_type"] = street.HighwayType
			f.Properties["length_miles"] = street.LengthMiles
			if st.LastDrivenAt != nil {
				f.Properties["last_driven_at"] = st.LastDrivenAt
			}
			fc.Append(f)
		}
		c.JSON(http.StatusOK, fc)
		return
	}

	segments := make([]Segment, 0, len(states))
	for _, st := range states {
		street := byID[st.SegmentID]
		segments = append(segments, Segment{
			CoverageState: st,
			OsmID:         street.OsmID,
			Name:          street.Name,
			HighwayType:   street.HighwayType,
			LengthMiles:   street.LengthMiles,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"area_id":      area.ID,
		"area_version": area.AreaVersion,
		"segments":     segments,
		"count":        len(segments),
	})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}

// MarkSegment manually overrides a segment's status
func (h *Handler) MarkSegment(c *gin.Context) {
	var req types.MarkSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !req.Status.Valid() {
		badRequest(c, "status must be driven, undriven or undriveable")
		return
	}

	state, err := h.coverage.MarkSegment(c.Request.Context(), c.Param("id"), c.Param("segment_id"), req.Status)
	if err != nil {
		writeError(c, "failed to mark segment", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ResetSegment clears a manual override
func (h *Handler) ResetSegment(c *gin.Context) {
	state, err := h.coverage.ResetSegment(c.Request.Context(), c.Param("id"), c.Param("segment_id"))
	if err != nil {
		writeError(c, "failed to reset segment", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetJob returns the status of a job
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobManager.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		writeError(c, "job not found", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob cancels a running job
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := h.jobManager.CancelJob(jobID); err != nil {
		writeError(c, "failed to cancel job", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "cancelled",
		"job_id": jobID,
	})
}

// TripCompleted applies a finished trip. With ?async=true the trip is
// handed to the event bus and the call returns at once.
func (h *Handler) TripCompleted(c *gin.Context) {
	var req types.TripCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if c.Query("async") == "true" {
		ctx := context.WithoutCancel(c.Request.Context())
		accepted := h.goAsync(func() {
			if err := h.bus.EmitTripCompleted(ctx, req.TripID, req.Trip); err != nil {
				logrus.WithField("trip_id", req.TripID).WithError(err).Warn("Asynchronous trip processing failed")
			}
		})
		if !accepted {
			writeError(c, "failed to accept trip", jobs.ErrShuttingDown)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "trip_id": req.TripID})
		return
	}

	updated, err := h.coverage.ProcessTrip(c.Request.Context(), req.TripID, req.Trip)
	if err != nil {
		writeError(c, "failed to process trip", err)
		return
	}
	c.JSON(http.StatusOK, types.TripCompletedResponse{TripID: req.TripID, Updated: updated})
}

// goAsync runs fn in a tracked goroutine. It returns false once Shutdown
// has started.
func (h *Handler) goAsync(fn func()) bool {
	h.asyncMu.Lock()
	defer h.asyncMu.Unlock()
	if h.closed {
		return false
	}
	h.async.Add(1)
	go func() {
		defer h.async.Done()
		fn()
	}()
	return true
}

// Shutdown stops accepting asynchronous trips and waits for the accepted ones
// to finish or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.asyncMu.Lock()
	h.closed = true
	h.asyncMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.async.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Asynchronous trips drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("asynchronous trips still running: %w", ctx.Err())
	}
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	response := types.HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		ActiveJobs: h.jobManager.GetActiveJobs(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		logrus.WithError(err).Warn("Health check database ping failed")
		response.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}
