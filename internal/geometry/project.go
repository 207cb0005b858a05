// Package geometry holds the metric helpers behind segmentation and
// buffered overlap matching.
package geometry

import (
	"math"

	"github.com/paulmach/orb"
)

// MetersPerMile converts between the segment length unit and meters
const MetersPerMile = 1609.344

var metersPerDegree = orb.EarthRadius * math.Pi / 180

// Projection is a local equirectangular projection to meters around an
// origin. Distortion stays well under 1% across a city-sized area.
type Projection struct {
	origin orb.Point
	kx, ky float64
}

// NewProjection returns a projection centred on origin
func NewProjection(origin orb.Point) Projection {
	return Projection{
		origin: origin,
		kx:     metersPerDegree * math.Cos(origin.Lat()*math.Pi/180),
		ky:     metersPerDegree,
	}
}

// Point projects a lon/lat point to planar meters
func (p Projection) Point(pt orb.Point) orb.Point {
	return orb.Point{(pt.Lon() - p.origin.Lon()) * p.kx, (pt.Lat() - p.origin.Lat()) * p.ky}
}

// Line projects every vertex of ls
func (p Projection) Line(ls orb.LineString) orb.LineString {
	out := make(orb.LineString, len(ls))
	for i, pt := range ls {
		out[i] = p.Point(pt)
	}
	return out
}
