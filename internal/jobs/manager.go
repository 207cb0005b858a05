// Package jobs runs area ingestion, rebuild, backfill and deletion as
// supervised background jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/internal/coverage"
	"github.com/rossigee/street-coverage/internal/events"
	"github.com/rossigee/street-coverage/internal/ingest"
	"github.com/rossigee/street-coverage/internal/metrics"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAreaBusy is returned when an area already has an active job
	ErrAreaBusy = errors.New("area has an active job")
	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// RunFunc is the body of a job. Its result is attached to the completion
// event.
type RunFunc func(ctx context.Context, job *Job) (any, error)

// Job is one running or finished background operation
type Job struct {
	mu         sync.Mutex
	record     types.Job
	cancelFunc context.CancelFunc
	manager    *Manager
}

// UpdateProgress implements coverage.ProgressUpdater. Progress is persisted
// and published on the job's topic.
func (j *Job) UpdateProgress(stage string, percent float64, message string) {
	j.mu.Lock()
	j.record.Progress = types.ProgressInfo{Stage: stage, Percent: percent, Message: message}
	j.record.UpdatedAt = time.Now()
	snapshot := j.record
	j.mu.Unlock()

	j.manager.persist(&snapshot)
	j.manager.publish(types.Event{
		JobID: snapshot.ID,
		Type:  types.EventProgress,
		Payload: map[string]any{
			"stage":   stage,
			"percent": percent,
			"message": message,
		},
	})
}

// Snapshot returns a copy of the job record
func (j *Job) Snapshot() *types.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.record
	return &rec
}

func (j *Job) active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.record.Status.Terminal()
}

// Manager manages coverage jobs
type Manager struct {
	store    *storage.Store
	bus      *events.Bus
	pipeline *ingest.Pipeline
	coverage *coverage.Service
	timeout  time.Duration

	jobs      map[string]*Job
	semaphore chan struct{} // Limits concurrent operations
	mu        sync.RWMutex
	wg        sync.WaitGroup
	closed    bool
}

// NewManager creates a new job manager
func NewManager(store *storage.Store, bus *events.Bus, pipeline *ingest.Pipeline, svc *coverage.Service, cfg config.JobsConfig) *Manager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	return &Manager{
		store:     store,
		bus:       bus,
		pipeline:  pipeline,
		coverage:  svc,
		timeout:   timeout,
		jobs:      make(map[string]*Job),
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// Recover marks jobs left running by a previous process as failed
func (m *Manager) Recover(ctx context.Context) error {
	n, err := m.store.MarkInProgressJobsFailed(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logrus.WithField("jobs", n).Warn("Marked interrupted jobs as failed")
	}
	return nil
}

// CreateArea stores a new area and starts its ingestion job. Without an
// explicit boundary the area name is geocoded.
func (m *Manager) CreateArea(ctx context.Context, req types.CreateAreaRequest) (*types.Area, string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, "", types.Validationf("area name is required")
	}

	now := time.Now().UTC()
	area := &types.Area{
		ID:        uuid.New().String(),
		Name:      name,
		Owner:     req.Owner,
		Status:    types.AreaPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(req.Boundary) > 0 {
		boundary, err := ParseBoundary(req.Boundary)
		if err != nil {
			return nil, "", err
		}
		area.Boundary = boundary
		area.BBox = boundary.Bound()
	}

	if err := m.store.CreateArea(ctx, area); err != nil {
		return nil, "", err
	}
	logrus.WithFields(logrus.Fields{
		"area_id": area.ID,
		"name":    area.Name,
		"owner":   area.Owner,
	}).Info("Created coverage area")

	backfill := req.Backfill == nil || *req.Backfill
	jobID, err := m.startIngest(area.ID, types.JobIngest, backfill)
	if err != nil {
		return nil, "", err
	}
	return area, jobID, nil
}

// RebuildArea re-ingests an area at the next version
func (m *Manager) RebuildArea(ctx context.Context, areaID string, backfill bool) (string, error) {
	if _, err := m.store.GetArea(ctx, areaID); err != nil {
		return "", err
	}
	return m.startIngest(areaID, types.JobRebuild, backfill)
}

func (m *Manager) startIngest(areaID string, kind types.JobKind, backfill bool) (string, error) {
	return m.StartJob(kind, areaID, func(ctx context.Context, job *Job) (any, error) {
		return m.pipeline.Run(ctx, areaID, ingest.Options{Backfill: backfill}, job)
	})
}

// BackfillArea replays stored trips against an area
func (m *Manager) BackfillArea(ctx context.Context, areaID string, opts coverage.BackfillOptions) (string, error) {
	if _, err := m.store.GetArea(ctx, areaID); err != nil {
		return "", err
	}
	return m.StartJob(types.JobBackfill, areaID, func(ctx context.Context, job *Job) (any, error) {
		return m.coverage.Backfill(ctx, areaID, opts, job)
	})
}

// DeleteArea removes an area with its segments and coverage state
func (m *Manager) DeleteArea(ctx context.Context, areaID string) (string, error) {
	if _, err := m.store.GetArea(ctx, areaID); err != nil {
		return "", err
	}
	return m.StartJob(types.JobDelete, areaID, func(ctx context.Context, job *Job) (any, error) {
		job.UpdateProgress("deleting", 10, "")
		if err := m.store.DeleteArea(ctx, areaID); err != nil {
			return nil, err
		}
		return map[string]any{"area_id": areaID, "deleted": true}, nil
	})
}

// StartJob registers a job and runs fn in the background. Only one active
// job per area is allowed.
func (m *Manager) StartJob(kind types.JobKind, areaID string, fn RunFunc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrShuttingDown
	}
	for _, other := range m.jobs {
		if areaID != "" && other.active() && other.Snapshot().AreaID == areaID {
			return "", fmt.Errorf("%w: %s", ErrAreaBusy, other.Snapshot().ID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	now := time.Now().UTC()
	job := &Job{
		record: types.Job{
			ID:        uuid.New().String(),
			AreaID:    areaID,
			Kind:      kind,
			Status:    types.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancelFunc: cancel,
		manager:    m,
	}
	m.jobs[job.record.ID] = job
	m.persist(job.Snapshot())

	// Start job in background
	m.wg.Add(1)
	go m.runJob(ctx, job, fn)

	logrus.WithFields(logrus.Fields{
		"job_id":  job.record.ID,
		"kind":    kind,
		"area_id": areaID,
	}).Info("Job started")
	return job.record.ID, nil
}

// GetJob returns a job from memory or, once evicted, from the store
func (m *Manager) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	m.mu.RLock()
	job, exists := m.jobs[jobID]
	m.mu.RUnlock()
	if exists {
		return job.Snapshot(), nil
	}
	return m.store.GetJob(ctx, jobID)
}

// ListJobs returns persisted jobs
func (m *Manager) ListJobs(ctx context.Context, filter storage.ListJobsFilter) ([]*types.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// CancelJob cancels a running job
func (m *Manager) CancelJob(jobID string) error {
	m.mu.RLock()
	job, exists := m.jobs[jobID]
	m.mu.RUnlock()
	if !exists {
		return types.NotFoundf("job %s", jobID)
	}

	job.mu.Lock()
	if job.record.Status.Terminal() {
		status := job.record.Status
		job.mu.Unlock()
		return types.Validationf("job cannot be cancelled: %s", status)
	}
	job.record.Status = types.StatusCancelled
	job.record.UpdatedAt = time.Now().UTC()
	job.mu.Unlock()

	job.cancelFunc()
	logrus.WithField("job_id", jobID).Info("Job cancellation requested")
	return nil
}

// runJob executes a job
func (m *Manager) runJob(ctx context.Context, job *Job, fn RunFunc) {
	defer m.wg.Done()
	defer job.cancelFunc()

	// Acquire semaphore (limit concurrent operations)
	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-ctx.Done():
		m.finish(job, nil, ctx.Err())
		return
	}

	job.mu.Lock()
	if job.record.Status == types.StatusCancelled {
		job.mu.Unlock()
		m.finish(job, nil, context.Canceled)
		return
	}
	job.record.Status = types.StatusRunning
	job.mu.Unlock()
	job.UpdateProgress("starting", 0, "")

	result, err := m.execute(ctx, job, fn)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	m.finish(job, result, err)
}

// execute runs fn, turning a panic into a job failure
func (m *Manager) execute(ctx context.Context, job *Job, fn RunFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return fn(ctx, job)
}

// finish records the final status, persists it and publishes the outcome
func (m *Manager) finish(job *Job, result any, err error) {
	now := time.Now().UTC()

	job.mu.Lock()
	switch {
	case job.record.Status == types.StatusCancelled:
		job.record.Error = "cancelled"
	case err == nil:
		job.record.Status = types.StatusCompleted
		job.record.Progress = types.ProgressInfo{Stage: "completed", Percent: 100}
	case errors.Is(err, context.DeadlineExceeded):
		job.record.Status = types.StatusFailed
		job.record.Error = fmt.Sprintf("timed out after %s: %v", m.timeout, err)
	default:
		job.record.Status = types.StatusFailed
		job.record.Error = err.Error()
	}
	job.record.UpdatedAt = now
	job.record.EndedAt = &now
	rec := job.record
	// Persist before readers can observe the final status
	m.persist(&rec)
	job.mu.Unlock()

	metrics.JobsFinished.WithLabelValues(string(rec.Kind), string(rec.Status)).Inc()

	log := logrus.WithFields(logrus.Fields{
		"job_id":  rec.ID,
		"kind":    rec.Kind,
		"area_id": rec.AreaID,
		"status":  rec.Status,
	})
	payload := map[string]any{"status": rec.Status, "area_id": rec.AreaID}
	eventType := types.EventJobCompleted
	if rec.Status == types.StatusCompleted {
		log.Info("Job completed")
		if result != nil {
			payload["result"] = result
		}
	} else {
		log.WithField("error", rec.Error).Error("Job failed")
		eventType = types.EventJobFailed
		payload["error"] = rec.Error
	}
	m.publish(types.Event{JobID: rec.ID, Type: eventType, Payload: payload})
}

func (m *Manager) persist(rec *types.Job) {
	if err := m.store.SaveJob(context.Background(), rec); err != nil {
		logrus.WithField("job_id", rec.ID).WithError(err).Warn("Failed to persist job")
	}
}

func (m *Manager) publish(ev types.Event) {
	if m.bus != nil {
		m.bus.Publish(ev.JobID, ev)
	}
}

// GetActiveJobs returns the count of active jobs
func (m *Manager) GetActiveJobs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, job := range m.jobs {
		if job.active() {
			count++
		}
	}
	return count
}

// CleanupCompletedJobs evicts finished jobs from memory and deletes
// persisted ones older than retention
func (m *Manager) CleanupCompletedJobs(ctx context.Context, retention time.Duration) {
	m.mu.Lock()
	for id, job := range m.jobs {
		if !job.active() {
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	if retention > 0 {
		if err := m.store.DeleteOldJobs(ctx, retention); err != nil {
			logrus.WithError(err).Warn("Failed to delete old jobs")
		}
	}
}

// Shutdown stops accepting jobs, cancels running ones and waits for them
// to finish or for ctx to expire
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, job := range m.jobs {
		if job.active() {
			job.cancelFunc()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("All jobs stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for jobs: %w", ctx.Err())
	}
}

// ParseBoundary decodes a GeoJSON Polygon or MultiPolygon, bare or wrapped
// in a Feature
func ParseBoundary(raw []byte) (orb.Geometry, error) {
	var g orb.Geometry
	if f, err := geojson.UnmarshalFeature(raw); err == nil && f.Geometry != nil {
		g = f.Geometry
	} else {
		geom, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, types.Validationf("invalid boundary: %v", err)
		}
		g = geom.Geometry()
	}
	if g == nil {
		return nil, types.Validationf("boundary has no geometry")
	}

	switch b := g.(type) {
	case orb.Polygon:
		if len(b) == 0 || len(b[0]) < 4 {
			return nil, types.Validationf("boundary polygon needs a closed ring of at least 4 points")
		}
		return b, nil
	case orb.MultiPolygon:
		if len(b) == 0 {
			return nil, types.Validationf("boundary multipolygon is empty")
		}
		return b, nil
	}
	return nil, types.Validationf("boundary must be a Polygon or MultiPolygon, got %s", g.GeoJSONType())
}
