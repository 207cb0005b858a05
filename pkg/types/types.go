package types

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
)

// AreaStatus represents the lifecycle state of a coverage area
type AreaStatus string

const (
	AreaPending    AreaStatus = "pending"
	AreaProcessing AreaStatus = "processing"
	AreaReady      AreaStatus = "ready"
	AreaFailed     AreaStatus = "failed"
)

// SegmentStatus is the coverage classification of one segment
type SegmentStatus string

const (
	SegmentUndriven    SegmentStatus = "undriven"
	SegmentDriven      SegmentStatus = "driven"
	SegmentUndriveable SegmentStatus = "undriveable"
)

// Valid reports whether s is one of the known segment statuses
func (s SegmentStatus) Valid() bool {
	switch s {
	case SegmentUndriven, SegmentDriven, SegmentUndriveable:
		return true
	}
	return false
}

// AreaStats holds the aggregate coverage numbers of an area
type AreaStats struct {
	TotalLengthMiles  float64   `json:"total_length_miles"`
	DrivenLengthMiles float64   `json:"driven_length_miles"`
	CoveragePercent   float64   `json:"coverage_percent"`
	TotalSegments     int       `json:"total_segments"`
	DrivenSegments    int       `json:"driven_segments"`
	UndriveableCount  int       `json:"undriveable_segments"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Area is a bounded region whose road segments are tracked for coverage
type Area struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Owner       string       `json:"owner,omitempty"`
	Boundary    orb.Geometry `json:"-"`
	BBox        orb.Bound    `json:"-"`
	AreaVersion int          `json:"area_version"`
	Status      AreaStatus   `json:"status"`
	LastError   string       `json:"last_error,omitempty"`
	Stats       AreaStats    `json:"stats"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Street is one fixed-length coverage segment of an OSM way
type Street struct {
	SegmentID   string         `json:"segment_id"`
	AreaID      string         `json:"area_id"`
	AreaVersion int            `json:"area_version"`
	OsmID       int64          `json:"osm_id"`
	Ordinal     int            `json:"ordinal"`
	Name        string         `json:"name,omitempty"`
	HighwayType string         `json:"highway_type"`
	LengthMiles float64        `json:"length_miles"`
	Geometry    orb.LineString `json:"geometry"`
}

// CoverageState is the coverage record of one segment within an area version
type CoverageState struct {
	AreaID         string        `json:"area_id"`
	AreaVersion    int           `json:"area_version"`
	SegmentID      string        `json:"segment_id"`
	Status         SegmentStatus `json:"status"`
	LastDrivenAt   *time.Time    `json:"last_driven_at,omitempty"`
	FirstDrivenAt  *time.Time    `json:"first_driven_at,omitempty"`
	DrivenByTripID string        `json:"driven_by_trip_id,omitempty"`
	ManuallyMarked bool          `json:"manually_marked"`
	MarkedAt       *time.Time    `json:"marked_at,omitempty"`
}

// Trip is a recorded GPS trip as delivered by the trip pipeline
type Trip struct {
	TransactionID string          `json:"transactionId"`
	StartTime     *time.Time      `json:"startTime,omitempty"`
	EndTime       *time.Time      `json:"endTime,omitempty"`
	LastUpdate    *time.Time      `json:"lastUpdate,omitempty"`
	GPS           json.RawMessage `json:"gps,omitempty"`
	MatchedGPS    json.RawMessage `json:"matchedGps,omitempty"`
	// ReceivedAt is when the trip was first stored; set on trips read back
	// from the store
	ReceivedAt *time.Time `json:"-"`
}

// JobKind identifies the operation a job performs
type JobKind string

const (
	JobIngest   JobKind = "ingest"
	JobRebuild  JobKind = "rebuild"
	JobBackfill JobKind = "backfill"
	JobDelete   JobKind = "delete"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProgressInfo represents progress information for a job
type ProgressInfo struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// Job tracks one long-running area operation
type Job struct {
	ID        string       `json:"job_id"`
	AreaID    string       `json:"area_id"`
	Kind      JobKind      `json:"kind"`
	Status    JobStatus    `json:"status"`
	Progress  ProgressInfo `json:"progress"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}

// Event types carried by the event bus
const (
	EventProgress        = "progress"
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
	EventTripCompleted   = "trip_completed"
	EventCoverageUpdated = "coverage_updated"
)

// Event is a single message delivered to bus subscribers
type Event struct {
	JobID     string         `json:"job_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// CreateAreaRequest represents a request to create a coverage area
type CreateAreaRequest struct {
	Name     string          `json:"name" binding:"required"`
	Owner    string          `json:"owner,omitempty"`
	Boundary json.RawMessage `json:"boundary,omitempty"`
	Backfill *bool           `json:"backfill,omitempty"`
}

// AreaResponse is the API representation of an area
type AreaResponse struct {
	Area     *Area           `json:"area"`
	Boundary json.RawMessage `json:"boundary,omitempty"`
	BBox     []float64       `json:"bbox,omitempty"`
	JobID    string          `json:"job_id,omitempty"`
}

// MarkSegmentRequest represents a manual override of a segment status
type MarkSegmentRequest struct {
	Status SegmentStatus `json:"status" binding:"required"`
}

// TripCompletedRequest is the notification sent by the trip pipeline
type TripCompletedRequest struct {
	TripID string `json:"trip_id" binding:"required"`
	Trip   *Trip  `json:"trip,omitempty"`
}

// TripCompletedResponse reports how many segments a trip updated per area
type TripCompletedResponse struct {
	TripID  string         `json:"trip_id"`
	Updated map[string]int `json:"updated"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Uptime     string    `json:"uptime"`
	ActiveJobs int       `json:"active_jobs"`
}
