package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/rossigee/street-coverage/pkg/types"
)

const streetColumns = "area_id, area_version, segment_id, osm_id, ordinal, name, highway_type, length_miles, geometry"

// InsertStreets bulk-inserts segments in one transaction. Segments already
// present for the same area version are left as they are.
func (s *Store) InsertStreets(ctx context.Context, streets []types.Street) error {
	if len(streets) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO streets
			 (`+streetColumns+`, min_lon, min_lat, max_lon, max_lat)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (area_id, area_version, segment_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare street insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i := range streets {
			st := &streets[i]
			geom, err := wkb.Marshal(st.Geometry)
			if err != nil {
				return types.Validationf("segment %s geometry: %v", st.SegmentID, err)
			}
			b := st.Geometry.Bound()
			if _, err := stmt.ExecContext(ctx,
				st.AreaID,
				st.AreaVersion,
				st.SegmentID,
				st.OsmID,
				st.Ordinal,
				st.Name,
				st.HighwayType,
				st.LengthMiles,
				geom,
				b.Min.Lon(),
				b.Min.Lat(),
				b.Max.Lon(),
				b.Max.Lat(),
			); err != nil {
				return fmt.Errorf("failed to insert segment %s: %w", st.SegmentID, err)
			}
		}
		return nil
	})
}

// Streets returns every segment of an area version ordered by way and ordinal
func (s *Store) Streets(ctx context.Context, areaID string, version int) ([]types.Street, error) {
	q := sq.Select(streetColumns).From("streets").
		Where(sq.Eq{"area_id": areaID, "area_version": version}).
		OrderBy("osm_id", "ordinal")
	return s.queryStreets(ctx, q)
}

// StreetsInBound returns the segments of an area version whose bounding box
// intersects b
func (s *Store) StreetsInBound(ctx context.Context, areaID string, version int, b orb.Bound) ([]types.Street, error) {
	q := sq.Select(streetColumns).From("streets").
		Where(sq.Eq{"area_id": areaID, "area_version": version}).
		Where(intersects("", b)).
		OrderBy("osm_id", "ordinal")
	return s.queryStreets(ctx, q)
}

// CountStreets returns the number of segments in an area version
func (s *Store) CountStreets(ctx context.Context, areaID string, version int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM streets WHERE area_id = ? AND area_version = ?", areaID, version,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count streets: %w", err)
	}
	return n, nil
}

func (s *Store) queryStreets(ctx context.Context, q sq.SelectBuilder) ([]types.Street, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build street query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query streets: %w", err)
	}
	defer closeRows(rows)

	var streets []types.Street
	for rows.Next() {
		var st types.Street
		var geom []byte
		if err := rows.Scan(
			&st.AreaID,
			&st.AreaVersion,
			&st.SegmentID,
			&st.OsmID,
			&st.Ordinal,
			&st.Name,
			&st.HighwayType,
			&st.LengthMiles,
			&geom,
		); err != nil {
			return nil, fmt.Errorf("failed to scan street: %w", err)
		}
		g, err := wkb.Unmarshal(geom)
		if err != nil {
			return nil, fmt.Errorf("failed to decode segment %s geometry: %w", st.SegmentID, err)
		}
		ls, ok := g.(orb.LineString)
		if !ok {
			return nil, fmt.Errorf("segment %s geometry is %s, not LineString", st.SegmentID, g.GeoJSONType())
		}
		st.Geometry = ls
		streets = append(streets, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating streets: %w", err)
	}
	return streets, nil
}
