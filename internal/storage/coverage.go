package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rossigee/street-coverage/pkg/types"
)

const coverageColumns = `area_id, area_version, segment_id, status, last_driven_at, first_driven_at,
	driven_by_trip_id, manually_marked, marked_at`

// drivenMerge is the monotone merge shared by every automatic update: driven
// is sticky, first_driven_at only decreases, last_driven_at only increases,
// and manual marks or undriveable segments are never touched.
const drivenMerge = `
ON CONFLICT (area_id, area_version, segment_id) DO UPDATE SET
	status = 'driven',
	first_driven_at = MIN(COALESCE(coverage_state.first_driven_at, excluded.first_driven_at), excluded.first_driven_at),
	last_driven_at = MAX(COALESCE(coverage_state.last_driven_at, excluded.last_driven_at), excluded.last_driven_at),
	driven_by_trip_id = CASE
		WHEN excluded.driven_by_trip_id IS NULL THEN coverage_state.driven_by_trip_id
		WHEN coverage_state.last_driven_at IS NULL OR excluded.last_driven_at >= coverage_state.last_driven_at
			THEN excluded.driven_by_trip_id
		ELSE coverage_state.driven_by_trip_id
	END
WHERE coverage_state.manually_marked = 0 AND coverage_state.status <> 'undriveable'`

// InitCoverageState creates an undriven state row for every segment of an
// area version that has none, in a single statement.
func (s *Store) InitCoverageState(ctx context.Context, areaID string, version int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO coverage_state (area_id, area_version, segment_id, status, manually_marked)
		 SELECT area_id, area_version, segment_id, ?, 0 FROM streets
		 WHERE area_id = ? AND area_version = ?
		 ON CONFLICT (area_id, area_version, segment_id) DO NOTHING`,
		string(types.SegmentUndriven), areaID, version,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize coverage state: %w", err)
	}
	return result.RowsAffected()
}

// CarryCoverage copies manual marks and driving history from one area
// version to the segments with the same id in another.
func (s *Store) CarryCoverage(ctx context.Context, areaID string, from, to int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO coverage_state (`+coverageColumns+`)
		 SELECT o.area_id, n.area_version, o.segment_id, o.status, o.last_driven_at, o.first_driven_at,
		        o.driven_by_trip_id, o.manually_marked, o.marked_at
		 FROM coverage_state o
		 JOIN streets n ON n.area_id = o.area_id AND n.area_version = ? AND n.segment_id = o.segment_id
		 WHERE o.area_id = ? AND o.area_version = ?
		   AND (o.manually_marked = 1 OR o.first_driven_at IS NOT NULL)
		 ON CONFLICT (area_id, area_version, segment_id) DO UPDATE SET
		     status = excluded.status,
		     last_driven_at = excluded.last_driven_at,
		     first_driven_at = excluded.first_driven_at,
		     driven_by_trip_id = excluded.driven_by_trip_id,
		     manually_marked = excluded.manually_marked,
		     marked_at = excluded.marked_at`,
		to, areaID, from,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to carry coverage state: %w", err)
	}
	return result.RowsAffected()
}

// MarkDriven records one trip driving the given segments and returns how many
// state rows changed. Manually marked and undriveable segments are skipped.
func (s *Store) MarkDriven(ctx context.Context, areaID string, version int, segmentIDs []string, drivenAt time.Time, tripID string) (int, error) {
	if len(segmentIDs) == 0 {
		return 0, nil
	}
	var trip any
	if tripID != "" {
		trip = tripID
	}

	updated := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO coverage_state (`+coverageColumns+`)
			 VALUES (?, ?, ?, 'driven', ?, ?, ?, 0, NULL)`+drivenMerge)
		if err != nil {
			return fmt.Errorf("failed to prepare coverage upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		at := drivenAt.Unix()
		for _, id := range segmentIDs {
			result, err := stmt.ExecContext(ctx, areaID, version, id, at, at, trip)
			if err != nil {
				return fmt.Errorf("failed to upsert segment %s: %w", id, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get affected rows: %w", err)
			}
			updated += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// BackfillDriven writes a backfill result as multi-row upserts of at most
// groupSize rows each. Existing rows keep their driven_by_trip_id and
// manual flag. Every group is its own transaction, so a cancelled backfill
// leaves only complete rows behind.
func (s *Store) BackfillDriven(ctx context.Context, areaID string, version int, segmentIDs []string, drivenAt time.Time, groupSize int) (int, error) {
	if groupSize <= 0 {
		groupSize = 1000
	}
	at := drivenAt.Unix()

	updated := 0
	for start := 0; start < len(segmentIDs); start += groupSize {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		end := start + groupSize
		if end > len(segmentIDs) {
			end = len(segmentIDs)
		}

		q := sq.Insert("coverage_state").Columns(
			"area_id", "area_version", "segment_id", "status", "last_driven_at",
			"first_driven_at", "driven_by_trip_id", "manually_marked", "marked_at",
		)
		for _, id := range segmentIDs[start:end] {
			q = q.Values(areaID, version, id, string(types.SegmentDriven), at, at, nil, 0, nil)
		}
		query, args, err := q.Suffix(drivenMerge).ToSql()
		if err != nil {
			return updated, fmt.Errorf("failed to build backfill upsert: %w", err)
		}

		var n int64
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to upsert backfill group: %w", err)
			}
			n, err = result.RowsAffected()
			return err
		})
		if err != nil {
			return updated, err
		}
		updated += int(n)
	}
	return updated, nil
}

// MarkSegment applies a manual override on the active version of an area
func (s *Store) MarkSegment(ctx context.Context, areaID, segmentID string, status types.SegmentStatus) (*types.CoverageState, error) {
	if !status.Valid() {
		return nil, types.Validationf("unknown segment status %q", status)
	}
	var out *types.CoverageState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		version, err := activeVersion(ctx, tx, areaID)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE coverage_state SET status = ?, manually_marked = 1, marked_at = ?
			 WHERE area_id = ? AND area_version = ? AND segment_id = ?`,
			string(status), s.now().Unix(), areaID, version, segmentID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark segment: %w", err)
		}
		if err := expectOne(result, "segment %s in area %s", segmentID, areaID); err != nil {
			return err
		}
		out, err = getCoverage(ctx, tx, areaID, version, segmentID)
		return err
	})
	return out, err
}

// ResetSegment clears a manual override. The segment returns to driven if
// any trip has ever driven it, otherwise to undriven.
func (s *Store) ResetSegment(ctx context.Context, areaID, segmentID string) (*types.CoverageState, error) {
	var out *types.CoverageState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		version, err := activeVersion(ctx, tx, areaID)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE coverage_state
			 SET status = CASE WHEN first_driven_at IS NOT NULL THEN ? ELSE ? END,
			     manually_marked = 0, marked_at = NULL
			 WHERE area_id = ? AND area_version = ? AND segment_id = ?`,
			string(types.SegmentDriven), string(types.SegmentUndriven), areaID, version, segmentID,
		)
		if err != nil {
			return fmt.Errorf("failed to reset segment: %w", err)
		}
		if err := expectOne(result, "segment %s in area %s", segmentID, areaID); err != nil {
			return err
		}
		out, err = getCoverage(ctx, tx, areaID, version, segmentID)
		return err
	})
	return out, err
}

// GetCoverage returns the state of one segment in an area version
func (s *Store) GetCoverage(ctx context.Context, areaID string, version int, segmentID string) (*types.CoverageState, error) {
	return getCoverage(ctx, s.db, areaID, version, segmentID)
}

// CoverageFilter selects state rows for ListCoverage
type CoverageFilter struct {
	AreaID     string
	Version    int
	Status     types.SegmentStatus // optional
	ManualOnly bool
	Limit      int // default: 1000
	Offset     int
}

// ListCoverage returns state rows of an area version ordered by segment id
func (s *Store) ListCoverage(ctx context.Context, filter CoverageFilter) ([]types.CoverageState, error) {
	if filter.Limit <= 0 {
		filter.Limit = 1000
	}
	q := sq.Select(coverageColumns).From("coverage_state").
		Where(sq.Eq{"area_id": filter.AreaID, "area_version": filter.Version})
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.ManualOnly {
		q = q.Where(sq.Eq{"manually_marked": 1})
	}
	query, args, err := q.OrderBy("segment_id").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build coverage query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage: %w", err)
	}
	defer closeRows(rows)

	var states []types.CoverageState
	for rows.Next() {
		st, err := scanCoverage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coverage: %w", err)
		}
		states = append(states, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coverage: %w", err)
	}
	return states, nil
}

// RecomputeAreaStats aggregates the active version's segment lengths by
// status and writes the result to the area row.
func (s *Store) RecomputeAreaStats(ctx context.Context, areaID string) (*types.AreaStats, error) {
	stats := &types.AreaStats{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		version, err := activeVersion(ctx, tx, areaID)
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx,
			`SELECT
			     COALESCE(SUM(CASE WHEN c.status <> 'undriveable' THEN s.length_miles END), 0),
			     COALESCE(SUM(CASE WHEN c.status = 'driven' THEN s.length_miles END), 0),
			     COUNT(*),
			     COALESCE(SUM(CASE WHEN c.status = 'driven' THEN 1 END), 0),
			     COALESCE(SUM(CASE WHEN c.status = 'undriveable' THEN 1 END), 0)
			 FROM streets s
			 JOIN coverage_state c
			   ON c.area_id = s.area_id AND c.area_version = s.area_version AND c.segment_id = s.segment_id
			 WHERE s.area_id = ? AND s.area_version = ?`,
			areaID, version,
		).Scan(
			&stats.TotalLengthMiles,
			&stats.DrivenLengthMiles,
			&stats.TotalSegments,
			&stats.DrivenSegments,
			&stats.UndriveableCount,
		)
		if err != nil {
			return fmt.Errorf("failed to aggregate coverage: %w", err)
		}
		if stats.TotalLengthMiles > 0 {
			stats.CoveragePercent = stats.DrivenLengthMiles / stats.TotalLengthMiles * 100
		}
		stats.UpdatedAt = s.now().UTC().Truncate(time.Second)

		_, err = tx.ExecContext(ctx,
			`UPDATE areas SET total_length_miles = ?, driven_length_miles = ?, coverage_percent = ?,
			     total_segments = ?, driven_segments = ?, undriveable_segments = ?, stats_updated_at = ?
			 WHERE id = ?`,
			stats.TotalLengthMiles,
			stats.DrivenLengthMiles,
			stats.CoveragePercent,
			stats.TotalSegments,
			stats.DrivenSegments,
			stats.UndriveableCount,
			stats.UpdatedAt.Unix(),
			areaID,
		)
		if err != nil {
			return fmt.Errorf("failed to store area stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activeVersion(ctx context.Context, q queryer, areaID string) (int, error) {
	var version int
	err := q.QueryRowContext(ctx, "SELECT area_version FROM areas WHERE id = ?", areaID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, types.NotFoundf("area %s", areaID)
		}
		return 0, fmt.Errorf("failed to read area version: %w", err)
	}
	return version, nil
}

func getCoverage(ctx context.Context, q queryer, areaID string, version int, segmentID string) (*types.CoverageState, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+coverageColumns+" FROM coverage_state WHERE area_id = ? AND area_version = ? AND segment_id = ?",
		areaID, version, segmentID,
	)
	st, err := scanCoverage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("segment %s in area %s", segmentID, areaID)
		}
		return nil, fmt.Errorf("failed to query coverage: %w", err)
	}
	return st, nil
}

func scanCoverage(row rowScanner) (*types.CoverageState, error) {
	st := &types.CoverageState{}
	var status string
	var lastDriven, firstDriven, markedAt sql.NullInt64
	var trip sql.NullString
	var manual int

	if err := row.Scan(
		&st.AreaID,
		&st.AreaVersion,
		&st.SegmentID,
		&status,
		&lastDriven,
		&firstDriven,
		&trip,
		&manual,
		&markedAt,
	); err != nil {
		return nil, err
	}

	st.Status = types.SegmentStatus(status)
	st.LastDrivenAt = unixToTimePtr(lastDriven)
	st.FirstDrivenAt = unixToTimePtr(firstDriven)
	st.DrivenByTripID = trip.String
	st.ManuallyMarked = manual != 0
	st.MarkedAt = unixToTimePtr(markedAt)
	return st, nil
}
