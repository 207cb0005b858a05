// Package osm loads OSM road way extracts for coverage areas.
package osm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// Way is one OSM way with raw tags as found in the extract. Tag values may
// be strings, lists or a nested "tags" object.
type Way struct {
	OsmID       int64          `json:"osm_id"`
	Tags        map[string]any `json:"tags"`
	Coordinates orb.LineString `json:"coordinates"`
}

// Source loads the road ways of an area
type Source interface {
	LoadWays(ctx context.Context, area *types.Area) ([]Way, error)
}

// ExtractKeys returns the extract names tried for an area, in order
func ExtractKeys(area *types.Area) []string {
	keys := []string{area.ID + ".json"}
	if s := Slug(area.Name); s != "" && s != area.ID {
		keys = append(keys, s+".json")
	}
	return keys
}

// Slug lower-cases name and joins its alphanumeric runs with dashes
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

// Decode reads an extract: either a bare array of ways or an object with a
// "ways" array
func Decode(r io.Reader) ([]Way, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read extract: %w", err)
	}
	raw = bytes.TrimSpace(raw)

	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Ways []Way `json:"ways"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, types.Validationf("decode extract: %v", err)
		}
		return wrapped.Ways, nil
	}

	var ways []Way
	if err := json.Unmarshal(raw, &ways); err != nil {
		return nil, types.Validationf("decode extract: %v", err)
	}
	return ways, nil
}

// DirSource reads extracts from a local directory
type DirSource struct {
	Dir string
}

// LoadWays implements Source
func (d DirSource) LoadWays(ctx context.Context, area *types.Area) ([]Way, error) {
	for _, key := range ExtractKeys(area) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(d.Dir, key)
		f, err := os.Open(path) //nolint:gosec // path is built from the configured directory and a slug
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, types.Dependencyf(err, "open extract %s", path)
		}
		ways, err := Decode(f)
		_ = f.Close() // Close errors are not critical for reads
		if err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"area_id": area.ID,
			"path":    path,
			"ways":    len(ways),
		}).Info("Loaded extract from directory")
		return ways, nil
	}
	return nil, types.NotFoundf("no extract for area %s in %s", area.ID, d.Dir)
}

// Chain tries each source in turn. A source without the extract passes to
// the next; any other failure stops the chain.
type Chain []Source

// LoadWays implements Source
func (c Chain) LoadWays(ctx context.Context, area *types.Area) ([]Way, error) {
	for _, src := range c {
		ways, err := src.LoadWays(ctx, area)
		if err == nil {
			return ways, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		logrus.WithField("area_id", area.ID).WithError(err).Debug("Extract source has no data, trying next")
	}
	return nil, types.NotFoundf("no extract available for area %s", area.ID)
}

// WithinBoundary drops ways with no vertex inside boundary. Non-polygonal or
// nil boundaries keep every way.
func WithinBoundary(ways []Way, boundary orb.Geometry) []Way {
	var contains func(orb.Point) bool
	switch b := boundary.(type) {
	case orb.Polygon:
		contains = func(p orb.Point) bool { return planar.PolygonContains(b, p) }
	case orb.MultiPolygon:
		contains = func(p orb.Point) bool { return planar.MultiPolygonContains(b, p) }
	default:
		return ways
	}

	out := ways[:0:0]
	for _, w := range ways {
		for _, p := range w.Coordinates {
			if contains(p) {
				out = append(out, w)
				break
			}
		}
	}
	return out
}
