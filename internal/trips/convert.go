// Package trips turns trip records into match-ready line geometry and finds
// the areas and segments a trip drove.
package trips

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rossigee/street-coverage/internal/geometry"
	"github.com/rossigee/street-coverage/pkg/types"
)

// Line returns the geometry used for matching: the map-matched track when it
// decodes to a valid line, else the raw GPS track.
func Line(trip *types.Trip) (orb.LineString, error) {
	if trip == nil {
		return nil, types.Validationf("trip is nil")
	}
	if len(trip.MatchedGPS) > 0 {
		if ls, err := decodeLine(trip.MatchedGPS); err == nil {
			return ls, nil
		}
	}
	if len(trip.GPS) == 0 {
		return nil, types.Validationf("trip %s has no gps geometry", trip.TransactionID)
	}
	ls, err := decodeLine(trip.GPS)
	if err != nil {
		return nil, types.Validationf("trip %s: %v", trip.TransactionID, err)
	}
	return ls, nil
}

// DrivenAt picks the time a trip counts as driven: end time, else start
// time, else last update, else the time it was first stored.
func DrivenAt(trip *types.Trip) (time.Time, bool) {
	switch {
	case trip == nil:
		return time.Time{}, false
	case trip.EndTime != nil && !trip.EndTime.IsZero():
		return trip.EndTime.UTC(), true
	case trip.StartTime != nil && !trip.StartTime.IsZero():
		return trip.StartTime.UTC(), true
	case trip.LastUpdate != nil && !trip.LastUpdate.IsZero():
		return trip.LastUpdate.UTC(), true
	case trip.ReceivedAt != nil && !trip.ReceivedAt.IsZero():
		return trip.ReceivedAt.UTC(), true
	}
	return time.Time{}, false
}

// decodeLine accepts a GeoJSON geometry or a Feature wrapping one. A Point is
// a stationary trip and never matches.
func decodeLine(raw json.RawMessage) (orb.LineString, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, types.Validationf("decode geometry: %v", err)
	}

	var g orb.Geometry
	if head.Type == "Feature" {
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, types.Validationf("decode feature: %v", err)
		}
		g = f.Geometry
	} else {
		gg, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, types.Validationf("decode geometry: %v", err)
		}
		g = gg.Geometry()
	}

	ls, ok := g.(orb.LineString)
	if !ok {
		if g == nil {
			return nil, types.Validationf("empty geometry")
		}
		return nil, types.Validationf("unsupported geometry type %s", g.GeoJSONType())
	}
	if err := geometry.ValidLine(ls); err != nil {
		return nil, types.Validationf("%v", err)
	}
	return ls, nil
}
