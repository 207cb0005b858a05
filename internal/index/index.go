// Package index matches trip geometries against the road segments of one
// coverage area.
package index

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/rossigee/street-coverage/internal/geometry"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/rtree"
)

// Options controls the buffered overlap test
type Options struct {
	BufferMeters     float64
	MinOverlapMeters float64
}

type segment struct {
	id     string
	edges  []geometry.Edge
	length float64
}

// Index is an in-memory R-tree over an area's segments in a local metric
// projection. It is read-only after Build and may be shared by concurrent
// readers.
type Index struct {
	opts     Options
	proj     geometry.Projection
	bound    orb.Bound
	segments []segment
	tree     rtree.RTreeG[int]
}

// Build indexes the given streets. Streets with unusable geometry are
// skipped and logged.
func Build(streets []types.Street, opts Options) *Index {
	idx := &Index{opts: opts}

	var bound orb.Bound
	first := true
	for _, s := range streets {
		if geometry.ValidLine(s.Geometry) != nil {
			continue
		}
		if first {
			bound = s.Geometry.Bound()
			first = false
		} else {
			bound = bound.Union(s.Geometry.Bound())
		}
	}
	idx.bound = bound
	idx.proj = geometry.NewProjection(bound.Center())

	skipped := 0
	for _, s := range streets {
		if err := geometry.ValidLine(s.Geometry); err != nil {
			skipped++
			logrus.WithFields(logrus.Fields{
				"segment_id": s.SegmentID,
				"area_id":    s.AreaID,
			}).WithError(err).Debug("Skipping segment with invalid geometry")
			continue
		}
		projected := idx.proj.Line(geometry.Clean(s.Geometry))
		seg := segment{id: s.SegmentID, edges: geometry.Edges(projected)}
		for _, e := range seg.edges {
			seg.length += e.Length()
		}
		b := projected.Bound()
		idx.tree.Insert(b.Min, b.Max, len(idx.segments))
		idx.segments = append(idx.segments, seg)
	}

	if skipped > 0 {
		logrus.WithFields(logrus.Fields{
			"skipped": skipped,
			"indexed": len(idx.segments),
		}).Warn("Segment index built with invalid geometries skipped")
	}
	return idx
}

// Len returns the number of indexed segments
func (idx *Index) Len() int {
	return len(idx.segments)
}

// Bound returns the lon/lat bounding box of the indexed segments
func (idx *Index) Bound() orb.Bound {
	return idx.bound
}

// Match returns the ids of segments that overlap the buffered trip line by
// at least the minimum overlap. An invalid line matches nothing.
func (idx *Index) Match(line orb.LineString) []string {
	ids, _ := idx.MatchBatch([]orb.LineString{line})
	return ids
}

// MatchBatch matches the union of all buffered lines against the index in
// one pass and returns the sorted matched segment ids plus the number of
// lines skipped as invalid. Per-line attribution is not kept. Because the
// union covers every member, the result always contains each line's
// individual match.
func (idx *Index) MatchBatch(lines []orb.LineString) ([]string, int) {
	if len(idx.segments) == 0 {
		return nil, 0
	}

	buffer := idx.opts.BufferMeters
	var union rtree.RTreeG[geometry.Edge]
	candidates := make(map[int]struct{})
	skipped := 0

	for _, line := range lines {
		if err := geometry.ValidLine(line); err != nil {
			skipped++
			continue
		}
		for _, e := range geometry.Edges(idx.proj.Line(geometry.Clean(line))) {
			b := e.Bound(buffer)
			union.Insert(b.Min, b.Max, e)
			idx.tree.Search(b.Min, b.Max, func(_, _ [2]float64, i int) bool {
				candidates[i] = struct{}{}
				return true
			})
		}
	}

	order := make([]int, 0, len(candidates))
	for i := range candidates {
		order = append(order, i)
	}
	sort.Ints(order)

	matched := make([]string, 0, len(order))
	var near []geometry.Edge
	for _, i := range order {
		seg := idx.segments[i]
		covered := 0.0
		for _, e := range seg.edges {
			near = near[:0]
			b := e.Bound(0)
			union.Search(b.Min, b.Max, func(_, _ [2]float64, q geometry.Edge) bool {
				near = append(near, q)
				return true
			})
			covered += geometry.CoveredLength(e, near, buffer)
		}
		if covered >= idx.required(seg) {
			matched = append(matched, seg.id)
		}
	}

	sort.Strings(matched)
	return matched, skipped
}

// required is the overlap a segment needs. Segments shorter than the
// minimum overlap match when fully covered.
func (idx *Index) required(seg segment) float64 {
	need := idx.opts.MinOverlapMeters
	if seg.length < need {
		need = seg.length
	}
	// Absorb float error from the interval search.
	return need - 1e-6
}
