package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
	"github.com/rossigee/street-coverage/pkg/types"
)

const tripColumns = "transaction_id, start_time, end_time, last_update, gps, matched_gps"

// tripSelect adds the first-stored time, which a resave never changes
const tripSelect = tripColumns + ", created_at"

// TripRecord is a trip plus the derived columns used to pre-filter backfill
// candidates. Bound and DrivenAt are nil when the trip has no usable
// geometry or timestamp.
type TripRecord struct {
	Trip     *types.Trip
	Bound    *orb.Bound
	DrivenAt *time.Time
}

// SaveTrip inserts or replaces a trip
func (s *Store) SaveTrip(ctx context.Context, rec TripRecord) error {
	t := rec.Trip
	if t == nil || t.TransactionID == "" {
		return types.Validationf("trip has no transaction id")
	}

	var minLon, minLat, maxLon, maxLat any
	if rec.Bound != nil {
		minLon, minLat = rec.Bound.Min.Lon(), rec.Bound.Min.Lat()
		maxLon, maxLat = rec.Bound.Max.Lon(), rec.Bound.Max.Lat()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trips
		 (`+tripColumns+`, driven_at, min_lon, min_lat, max_lon, max_lat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (transaction_id) DO UPDATE SET
		     start_time = excluded.start_time,
		     end_time = excluded.end_time,
		     last_update = excluded.last_update,
		     gps = excluded.gps,
		     matched_gps = excluded.matched_gps,
		     driven_at = excluded.driven_at,
		     min_lon = excluded.min_lon,
		     min_lat = excluded.min_lat,
		     max_lon = excluded.max_lon,
		     max_lat = excluded.max_lat`,
		t.TransactionID,
		timeToUnixPtr(t.StartTime),
		timeToUnixPtr(t.EndTime),
		timeToUnixPtr(t.LastUpdate),
		rawOrNil(t.GPS),
		rawOrNil(t.MatchedGPS),
		timeToUnixPtr(rec.DrivenAt),
		minLon,
		minLat,
		maxLon,
		maxLat,
		s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save trip: %w", err)
	}
	return nil
}

// GetTrip retrieves a trip by transaction id
func (s *Store) GetTrip(ctx context.Context, id string) (*types.Trip, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tripSelect+" FROM trips WHERE transaction_id = ?", id)
	trip, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("trip %s", id)
		}
		return nil, fmt.Errorf("failed to query trip: %w", err)
	}
	return trip, nil
}

// TripFilter is the coarse candidate pre-filter for backfills
type TripFilter struct {
	Bound *orb.Bound
	Since *time.Time
	Until *time.Time
}

// CandidateTrips pages through trips matching filter in transaction id
// order, starting after afterID.
func (s *Store) CandidateTrips(ctx context.Context, filter TripFilter, afterID string, limit int) ([]*types.Trip, error) {
	if limit <= 0 {
		limit = 500
	}

	q := sq.Select(tripSelect).From("trips").Where(sq.Gt{"transaction_id": afterID})
	if filter.Bound != nil {
		q = q.Where(intersects("", *filter.Bound))
	}
	if filter.Since != nil {
		q = q.Where(sq.GtOrEq{"driven_at": filter.Since.Unix()})
	}
	if filter.Until != nil {
		q = q.Where(sq.Lt{"driven_at": filter.Until.Unix()})
	}
	query, args, err := q.OrderBy("transaction_id").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build trip query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer closeRows(rows)

	var trips []*types.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		trips = append(trips, trip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trips: %w", err)
	}
	return trips, nil
}

// CountCandidateTrips counts trips matching filter
func (s *Store) CountCandidateTrips(ctx context.Context, filter TripFilter) (int, error) {
	q := sq.Select("COUNT(*)").From("trips")
	if filter.Bound != nil {
		q = q.Where(intersects("", *filter.Bound))
	}
	if filter.Since != nil {
		q = q.Where(sq.GtOrEq{"driven_at": filter.Since.Unix()})
	}
	if filter.Until != nil {
		q = q.Where(sq.Lt{"driven_at": filter.Until.Unix()})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build trip count: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trips: %w", err)
	}
	return n, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func scanTrip(row rowScanner) (*types.Trip, error) {
	trip := &types.Trip{}
	var start, end, updated, created sql.NullInt64
	var gps, matched sql.NullString

	if err := row.Scan(&trip.TransactionID, &start, &end, &updated, &gps, &matched, &created); err != nil {
		return nil, err
	}
	trip.ReceivedAt = unixToTimePtr(created)
	trip.StartTime = unixToTimePtr(start)
	trip.EndTime = unixToTimePtr(end)
	trip.LastUpdate = unixToTimePtr(updated)
	if gps.Valid {
		trip.GPS = json.RawMessage(gps.String)
	}
	if matched.Valid {
		trip.MatchedGPS = json.RawMessage(matched.String)
	}
	return trip, nil
}
