// Package storage persists areas, segments, coverage state, trips and jobs
// in SQLite.
package storage

// Schema definitions for the coverage database. Timestamps are unix seconds.
const (
	// SchemaV1 is the initial database schema
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	area_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	progress_json TEXT,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_area_id ON jobs(area_id);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

	// SchemaV2 adds areas, their versioned segments and coverage state
	SchemaV2 = `
CREATE TABLE IF NOT EXISTS areas (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	boundary_geojson TEXT,
	min_lon REAL NOT NULL DEFAULT 0,
	min_lat REAL NOT NULL DEFAULT 0,
	max_lon REAL NOT NULL DEFAULT 0,
	max_lat REAL NOT NULL DEFAULT 0,
	area_version INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	total_length_miles REAL NOT NULL DEFAULT 0,
	driven_length_miles REAL NOT NULL DEFAULT 0,
	coverage_percent REAL NOT NULL DEFAULT 0,
	total_segments INTEGER NOT NULL DEFAULT 0,
	driven_segments INTEGER NOT NULL DEFAULT 0,
	undriveable_segments INTEGER NOT NULL DEFAULT 0,
	stats_updated_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_areas_owner ON areas(owner);

CREATE TABLE IF NOT EXISTS streets (
	area_id TEXT NOT NULL,
	area_version INTEGER NOT NULL,
	segment_id TEXT NOT NULL,
	osm_id INTEGER NOT NULL,
	ordinal INTEGER NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	highway_type TEXT NOT NULL,
	length_miles REAL NOT NULL,
	geometry BLOB NOT NULL,
	min_lon REAL NOT NULL,
	min_lat REAL NOT NULL,
	max_lon REAL NOT NULL,
	max_lat REAL NOT NULL,
	PRIMARY KEY (area_id, area_version, segment_id)
);

CREATE INDEX IF NOT EXISTS idx_streets_bbox ON streets(area_id, area_version, min_lon, max_lon);

CREATE TABLE IF NOT EXISTS coverage_state (
	area_id TEXT NOT NULL,
	area_version INTEGER NOT NULL,
	segment_id TEXT NOT NULL,
	status TEXT NOT NULL,
	last_driven_at INTEGER,
	first_driven_at INTEGER,
	driven_by_trip_id TEXT,
	manually_marked INTEGER NOT NULL DEFAULT 0,
	marked_at INTEGER,
	PRIMARY KEY (area_id, area_version, segment_id)
);

CREATE INDEX IF NOT EXISTS idx_coverage_status ON coverage_state(area_id, area_version, status);
`

	// SchemaV3 adds the trip history replayed by backfills
	SchemaV3 = `
CREATE TABLE IF NOT EXISTS trips (
	transaction_id TEXT PRIMARY KEY,
	start_time INTEGER,
	end_time INTEGER,
	last_update INTEGER,
	driven_at INTEGER,
	gps TEXT,
	matched_gps TEXT,
	min_lon REAL,
	min_lat REAL,
	max_lon REAL,
	max_lat REAL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trips_driven_at ON trips(driven_at);
CREATE INDEX IF NOT EXISTS idx_trips_bbox ON trips(min_lon, max_lon);
`
)

// Migrations represents all available migrations
var Migrations = []struct {
	Version int
	SQL     string
}{
	{
		Version: 1,
		SQL:     SchemaV1,
	},
	{
		Version: 2,
		SQL:     SchemaV2,
	},
	{
		Version: 3,
		SQL:     SchemaV3,
	},
}
