package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rossigee/street-coverage/internal/events"
	"github.com/rossigee/street-coverage/internal/metrics"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/internal/trips"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

const pathIncremental = "incremental"

// Register subscribes the incremental worker to trip_completed events
func (s *Service) Register(bus *events.Bus) {
	bus.Handle(types.EventTripCompleted, s.HandleTripCompleted)
}

// HandleTripCompleted is the trip_completed event handler. The payload
// carries trip_id and optionally the trip itself.
func (s *Service) HandleTripCompleted(ctx context.Context, ev types.Event) error {
	tripID, _ := ev.Payload["trip_id"].(string)
	trip, err := tripFromPayload(ev.Payload["trip"])
	if err != nil {
		return err
	}
	_, err = s.ProcessTrip(ctx, tripID, trip)
	return err
}

// ProcessTrip matches one trip against every area it touches and marks the
// matched segments driven. It returns the number of state rows updated per
// area. An unmatched or malformed trip is not an error; storage failures
// are returned so the caller can redeliver.
func (s *Service) ProcessTrip(ctx context.Context, tripID string, trip *types.Trip) (map[string]int, error) {
	updated := make(map[string]int)

	if trip == nil {
		if tripID == "" {
			return nil, types.Validationf("trip_completed without trip_id")
		}
		loaded, err := s.store.GetTrip(ctx, tripID)
		if err != nil {
			return nil, fmt.Errorf("failed to load trip %s: %w", tripID, err)
		}
		trip = loaded
	} else {
		if trip.TransactionID == "" {
			trip.TransactionID = tripID
		}
		tripID = trip.TransactionID
		if err := s.saveTrip(ctx, trip); err != nil {
			return nil, err
		}
	}

	log := logrus.WithField("trip_id", tripID)

	line, err := trips.Line(trip)
	if err != nil {
		metrics.TripsProcessed.WithLabelValues(pathIncremental, "invalid").Inc()
		log.WithError(err).Warn("Skipping trip without usable geometry")
		return updated, nil
	}

	drivenAt, ok := trips.DrivenAt(trip)
	if !ok {
		drivenAt = s.clock.Now().UTC()
	}

	matches, err := s.matcher.Match(ctx, line)
	if err != nil {
		metrics.TripsProcessed.WithLabelValues(pathIncremental, "error").Inc()
		return nil, err
	}
	if len(matches) == 0 {
		metrics.TripsProcessed.WithLabelValues(pathIncremental, "unmatched").Inc()
		log.Debug("Trip matched no segments")
		return updated, nil
	}

	for _, m := range matches {
		n, err := s.store.MarkDriven(ctx, m.AreaID, m.AreaVersion, m.SegmentIDs, drivenAt, tripID)
		if err != nil {
			metrics.TripsProcessed.WithLabelValues(pathIncremental, "error").Inc()
			log.WithField("area_id", m.AreaID).WithError(err).Error("Failed to update coverage")
			return nil, fmt.Errorf("failed to update coverage for area %s: %w", m.AreaID, err)
		}
		updated[m.AreaID] = n
		metrics.SegmentsMatched.WithLabelValues(pathIncremental).Add(float64(n))

		if err := s.refreshStats(ctx, m.AreaID, n); err != nil {
			metrics.TripsProcessed.WithLabelValues(pathIncremental, "error").Inc()
			return nil, err
		}

		log.WithFields(logrus.Fields{
			"area_id": m.AreaID,
			"matched": len(m.SegmentIDs),
			"updated": n,
		}).Info("Applied trip to area coverage")
	}

	metrics.TripsProcessed.WithLabelValues(pathIncremental, "matched").Inc()
	return updated, nil
}

// saveTrip keeps the trip for later backfills of areas created after it
func (s *Service) saveTrip(ctx context.Context, trip *types.Trip) error {
	rec := storage.TripRecord{Trip: trip}
	if line, err := trips.Line(trip); err == nil {
		b := line.Bound()
		rec.Bound = &b
	}
	if at, ok := trips.DrivenAt(trip); ok {
		rec.DrivenAt = &at
	}
	if err := s.store.SaveTrip(ctx, rec); err != nil {
		if errors.Is(err, types.ErrValidation) {
			return err
		}
		return fmt.Errorf("failed to save trip %s: %w", trip.TransactionID, err)
	}
	return nil
}

// tripFromPayload accepts the trip as published in-process or as decoded
// JSON from an external notification.
func tripFromPayload(v any) (*types.Trip, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *types.Trip:
		return t, nil
	case types.Trip:
		return &t, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, types.Validationf("encode trip payload: %v", err)
	}
	var trip types.Trip
	if err := json.Unmarshal(raw, &trip); err != nil {
		return nil, types.Validationf("decode trip payload: %v", err)
	}
	return &trip, nil
}
