package geometry

import (
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Segmentize cuts line into consecutive pieces of target meters measured
// along the geodesic. The final piece absorbs the remainder, so every piece
// but a single short way is between target and 2*target long.
func Segmentize(line orb.LineString, target float64) []orb.LineString {
	line = Clean(line)
	if len(line) < 2 || target <= 0 {
		return nil
	}

	cum := make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum[i] = cum[i-1] + geo.Distance(line[i-1], line[i])
	}
	total := cum[len(cum)-1]
	if total <= 0 {
		return nil
	}

	n := int(math.Floor(total / target))
	if n < 1 {
		n = 1
	}

	pieces := make([]orb.LineString, 0, n)
	current := orb.LineString{line[0]}
	i := 1
	for k := 1; k < n; k++ {
		cut := float64(k) * target
		for i < len(line) && cum[i] < cut {
			current = append(current, line[i])
			i++
		}

		var p orb.Point
		if cum[i] == cut {
			p = line[i]
			i++
		} else {
			t := (cut - cum[i-1]) / (cum[i] - cum[i-1])
			p = interpolate(line[i-1], line[i], t)
		}
		current = append(current, p)
		pieces = append(pieces, current)
		current = orb.LineString{p}
	}
	for ; i < len(line); i++ {
		current = append(current, line[i])
	}
	return append(pieces, current)
}

// Clean drops consecutive duplicate vertices
func Clean(line orb.LineString) orb.LineString {
	if len(line) == 0 {
		return line
	}
	out := make(orb.LineString, 0, len(line))
	out = append(out, line[0])
	for _, p := range line[1:] {
		if !p.Equal(out[len(out)-1]) {
			out = append(out, p)
		}
	}
	return out
}

// ValidLine reports whether ls has at least two distinct, finite, in-range
// lon/lat vertices
func ValidLine(ls orb.LineString) error {
	for i, p := range ls {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return fmt.Errorf("vertex %d is not finite", i)
		}
		if p.Lon() < -180 || p.Lon() > 180 || p.Lat() < -90 || p.Lat() > 90 {
			return fmt.Errorf("vertex %d out of range: %v", i, p)
		}
	}
	if len(Clean(ls)) < 2 {
		return fmt.Errorf("line has fewer than two distinct vertices")
	}
	return nil
}

// LengthMiles returns the geodesic length of ls in miles
func LengthMiles(ls orb.LineString) float64 {
	return geo.Length(ls) / MetersPerMile
}

// SegmentID derives the stable id of the ordinal-th piece of an OSM way.
// The same way and ordinal hash to the same id in every area version.
func SegmentID(osmID int64, ordinal int) string {
	key := strconv.FormatInt(osmID, 10) + ":" + strconv.Itoa(ordinal)
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func interpolate(a, b orb.Point, t float64) orb.Point {
	return orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])}
}
