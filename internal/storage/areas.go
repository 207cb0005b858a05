package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

const areaColumns = `id, name, owner, boundary_geojson, min_lon, min_lat, max_lon, max_lat,
	area_version, status, last_error, total_length_miles, driven_length_miles,
	coverage_percent, total_segments, driven_segments, undriveable_segments,
	stats_updated_at, created_at, updated_at`

// CreateArea inserts a new area
func (s *Store) CreateArea(ctx context.Context, area *types.Area) error {
	boundary, err := encodeBoundary(area.Boundary)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO areas
		 (id, name, owner, boundary_geojson, min_lon, min_lat, max_lon, max_lat,
		  area_version, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		area.ID,
		area.Name,
		area.Owner,
		boundary,
		area.BBox.Min.Lon(),
		area.BBox.Min.Lat(),
		area.BBox.Max.Lon(),
		area.BBox.Max.Lat(),
		area.AreaVersion,
		string(area.Status),
		area.LastError,
		area.CreatedAt.Unix(),
		area.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert area: %w", err)
	}
	return nil
}

// GetArea retrieves an area by ID
func (s *Store) GetArea(ctx context.Context, id string) (*types.Area, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+areaColumns+" FROM areas WHERE id = ?", id)
	area, err := scanArea(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("area %s", id)
		}
		return nil, fmt.Errorf("failed to query area: %w", err)
	}
	return area, nil
}

// ListAreas returns all areas, optionally only those of one owner
func (s *Store) ListAreas(ctx context.Context, owner string) ([]*types.Area, error) {
	q := sq.Select(areaColumns).From("areas").OrderBy("created_at", "id")
	if owner != "" {
		q = q.Where(sq.Eq{"owner": owner})
	}
	return s.queryAreas(ctx, q)
}

// AreasIntersecting returns areas with an active segment version whose
// bounding box intersects b
func (s *Store) AreasIntersecting(ctx context.Context, b orb.Bound) ([]*types.Area, error) {
	q := sq.Select(areaColumns).From("areas").
		Where(sq.Gt{"area_version": 0}).
		Where(intersects("", b)).
		OrderBy("id")
	return s.queryAreas(ctx, q)
}

func (s *Store) queryAreas(ctx context.Context, q sq.SelectBuilder) ([]*types.Area, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build area query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query areas: %w", err)
	}
	defer closeRows(rows)

	var areas []*types.Area
	for rows.Next() {
		area, err := scanArea(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan area: %w", err)
		}
		areas = append(areas, area)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating areas: %w", err)
	}
	return areas, nil
}

// UpdateAreaStatus sets the lifecycle status and last error of an area
func (s *Store) UpdateAreaStatus(ctx context.Context, id string, status types.AreaStatus, lastError string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE areas SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(status), lastError, s.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update area status: %w", err)
	}
	return expectOne(result, "area %s", id)
}

// UpdateAreaBoundary stores a resolved boundary polygon and its bounding box
func (s *Store) UpdateAreaBoundary(ctx context.Context, id string, boundary orb.Geometry, bbox orb.Bound) error {
	encoded, err := encodeBoundary(boundary)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE areas
		 SET boundary_geojson = ?, min_lon = ?, min_lat = ?, max_lon = ?, max_lat = ?, updated_at = ?
		 WHERE id = ?`,
		encoded, bbox.Min.Lon(), bbox.Min.Lat(), bbox.Max.Lon(), bbox.Max.Lat(), s.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update area boundary: %w", err)
	}
	return expectOne(result, "area %s", id)
}

// ActivateAreaVersion switches an area to a fully written segment version
// and marks it ready. Rows of older versions stay in place for audit; every
// active query filters on the area's current version.
func (s *Store) ActivateAreaVersion(ctx context.Context, id string, version int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE areas SET area_version = ?, status = ?, last_error = '', updated_at = ? WHERE id = ?",
		version, string(types.AreaReady), s.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to activate area version: %w", err)
	}
	return expectOne(result, "area %s", id)
}

// DiscardAreaVersion removes a partially written segment version
func (s *Store) DiscardAreaVersion(ctx context.Context, id string, version int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"streets", "coverage_state"} {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM "+table+" WHERE area_id = ? AND area_version = ?", id, version,
			); err != nil {
				return fmt.Errorf("failed to discard %s: %w", table, err)
			}
		}
		return nil
	})
}

// DeleteArea removes an area with all its segments and coverage state
func (s *Store) DeleteArea(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"coverage_state", "streets"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE area_id = ?", id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", table, err)
			}
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM areas WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete area: %w", err)
		}
		return expectOne(result, "area %s", id)
	})
}

func expectOne(result sql.Result, format string, args ...any) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return types.NotFoundf(format, args...)
	}
	return nil
}

func encodeBoundary(g orb.Geometry) (any, error) {
	if g == nil {
		return nil, nil
	}
	data, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode boundary: %w", err)
	}
	return string(data), nil
}

func scanArea(row rowScanner) (*types.Area, error) {
	area := &types.Area{}
	var boundary sql.NullString
	var status string
	var statsUpdatedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&area.ID,
		&area.Name,
		&area.Owner,
		&boundary,
		&area.BBox.Min[0],
		&area.BBox.Min[1],
		&area.BBox.Max[0],
		&area.BBox.Max[1],
		&area.AreaVersion,
		&status,
		&area.LastError,
		&area.Stats.TotalLengthMiles,
		&area.Stats.DrivenLengthMiles,
		&area.Stats.CoveragePercent,
		&area.Stats.TotalSegments,
		&area.Stats.DrivenSegments,
		&area.Stats.UndriveableCount,
		&statsUpdatedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	area.Status = types.AreaStatus(status)
	area.CreatedAt = time.Unix(createdAt, 0).UTC()
	area.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if t := unixToTimePtr(statsUpdatedAt); t != nil {
		area.Stats.UpdatedAt = *t
	}
	if boundary.Valid && boundary.String != "" {
		g, err := geojson.UnmarshalGeometry([]byte(boundary.String))
		if err != nil {
			logrus.WithField("area_id", area.ID).WithError(err).Warn("Ignoring unreadable area boundary")
		} else {
			area.Boundary = g.Geometry()
		}
	}
	return area, nil
}
