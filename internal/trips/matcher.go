package trips

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/rossigee/street-coverage/internal/index"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// AreaSource provides the areas and segments a trip can be matched against
type AreaSource interface {
	// AreasIntersecting returns areas with an active version whose bounding
	// box intersects bound
	AreasIntersecting(ctx context.Context, bound orb.Bound) ([]*types.Area, error)
	// StreetsInBound returns the segments of one area version whose bounding
	// box intersects bound
	StreetsInBound(ctx context.Context, areaID string, version int, bound orb.Bound) ([]types.Street, error)
}

// AreaMatch is the set of segments one trip drove in one area version
type AreaMatch struct {
	AreaID      string
	AreaVersion int
	SegmentIDs  []string
}

// Matcher matches single trips against every area they touch
type Matcher struct {
	src  AreaSource
	opts index.Options
}

// NewMatcher creates a matcher reading areas and streets from src
func NewMatcher(src AreaSource, opts index.Options) *Matcher {
	return &Matcher{src: src, opts: opts}
}

// Match returns the matched segments per area. Areas the trip touches but
// drives no segment of are omitted, so an unmatched trip yields an empty
// result and no error.
func (m *Matcher) Match(ctx context.Context, line orb.LineString) ([]AreaMatch, error) {
	bound := geo.BoundPad(line.Bound(), m.opts.BufferMeters)

	areas, err := m.src.AreasIntersecting(ctx, bound)
	if err != nil {
		return nil, fmt.Errorf("failed to find areas for trip: %w", err)
	}

	var out []AreaMatch
	for _, area := range areas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		streets, err := m.src.StreetsInBound(ctx, area.ID, area.AreaVersion, bound)
		if err != nil {
			return nil, fmt.Errorf("failed to load streets for area %s: %w", area.ID, err)
		}
		if len(streets) == 0 {
			continue
		}

		ids := index.Build(streets, m.opts).Match(line)
		logrus.WithFields(logrus.Fields{
			"area_id":    area.ID,
			"candidates": len(streets),
			"matched":    len(ids),
		}).Debug("Matched trip against area")
		if len(ids) > 0 {
			out = append(out, AreaMatch{AreaID: area.ID, AreaVersion: area.AreaVersion, SegmentIDs: ids})
		}
	}
	return out, nil
}
