package geometry

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const (
	goldenIterations = 64
	bisectIterations = 52
)

var invPhi = (math.Sqrt(5) - 1) / 2

// Edge is a straight piece of a projected line, in meters
type Edge struct {
	A, B orb.Point
}

// Bound returns the edge's bounding box padded by pad meters
func (e Edge) Bound(pad float64) orb.Bound {
	b := orb.Bound{Min: e.A, Max: e.A}.Extend(e.B)
	return orb.Bound{
		Min: orb.Point{b.Min[0] - pad, b.Min[1] - pad},
		Max: orb.Point{b.Max[0] + pad, b.Max[1] + pad},
	}
}

// Length returns the planar length of the edge
func (e Edge) Length() float64 {
	return math.Hypot(e.B[0]-e.A[0], e.B[1]-e.A[1])
}

// Edges splits a projected line into its edges, skipping zero-length ones
func Edges(ls orb.LineString) []Edge {
	out := make([]Edge, 0, len(ls))
	for i := 1; i < len(ls); i++ {
		if !ls[i-1].Equal(ls[i]) {
			out = append(out, Edge{A: ls[i-1], B: ls[i]})
		}
	}
	return out
}

type interval struct{ lo, hi float64 }

// CoveredLength returns how many meters of e lie within radius of at least
// one of the given edges. The union of buffered edges is never materialized:
// distance from a point moving along e to a fixed edge is convex, so each
// buffered edge covers a single parameter interval of e, and the result is
// the measure of the union of those intervals.
func CoveredLength(e Edge, near []Edge, radius float64) float64 {
	length := e.Length()
	if length == 0 || len(near) == 0 {
		return 0
	}

	spans := make([]interval, 0, len(near))
	for _, q := range near {
		if lo, hi, ok := coveredInterval(e, q, radius); ok {
			spans = append(spans, interval{lo, hi})
		}
	}
	if len(spans) == 0 {
		return 0
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].lo != spans[j].lo {
			return spans[i].lo < spans[j].lo
		}
		return spans[i].hi < spans[j].hi
	})

	total := 0.0
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.lo <= cur.hi {
			if s.hi > cur.hi {
				cur.hi = s.hi
			}
			continue
		}
		total += cur.hi - cur.lo
		cur = s
	}
	total += cur.hi - cur.lo
	return total * length
}

// coveredInterval finds the parameter range [lo, hi] of e whose points are
// within radius of q.
func coveredInterval(e Edge, q Edge, radius float64) (float64, float64, bool) {
	dist := func(t float64) float64 {
		p := orb.Point{e.A[0] + t*(e.B[0]-e.A[0]), e.A[1] + t*(e.B[1]-e.A[1])}
		return planar.DistanceFromSegment(q.A, q.B, p)
	}

	tmin := goldenMin(dist)
	if dist(tmin) > radius {
		return 0, 0, false
	}

	lo := 0.0
	if dist(0) > radius {
		// dist is decreasing on [0, tmin]
		a, b := 0.0, tmin
		for i := 0; i < bisectIterations; i++ {
			m := (a + b) / 2
			if dist(m) > radius {
				a = m
			} else {
				b = m
			}
		}
		lo = b
	}

	hi := 1.0
	if dist(1) > radius {
		a, b := tmin, 1.0
		for i := 0; i < bisectIterations; i++ {
			m := (a + b) / 2
			if dist(m) > radius {
				b = m
			} else {
				a = m
			}
		}
		hi = a
	}

	if hi < lo {
		return 0, 0, false
	}
	return lo, hi, true
}

func goldenMin(f func(float64) float64) float64 {
	a, b := 0.0, 1.0
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc, fd := f(c), f(d)
	for i := 0; i < goldenIterations; i++ {
		if fc <= fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			fd = f(d)
		}
	}
	t := (a + b) / 2
	// The minimum of a convex function on [0,1] may sit on an endpoint.
	best, fbest := t, f(t)
	if f0 := f(0); f0 < fbest {
		best, fbest = 0, f0
	}
	if f(1) < fbest {
		best = 1
	}
	return best
}
