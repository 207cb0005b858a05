package osm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleExtract = `[
  {"osm_id": 1, "tags": {"highway": "residential", "name": "Main St"}, "coordinates": [[13.40, 52.50], [13.41, 52.50]]},
  {"osm_id": 2, "tags": {"highway": ["service", "track"]}, "coordinates": [[13.50, 52.60], [13.51, 52.60]]}
]`

func TestSlug(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"Berlin", "berlin"},
		{"Mitte, Berlin", "mitte-berlin"},
		{"  Saint-Denis  ", "saint-denis"},
		{"Zürich 8001", "zürich-8001"},
		{"---", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Slug(tt.name))
		})
	}
}

func TestExtractKeys(t *testing.T) {
	assert.Equal(t, []string{"area-1.json", "mitte-berlin.json"},
		ExtractKeys(&types.Area{ID: "area-1", Name: "Mitte, Berlin"}))
	assert.Equal(t, []string{"berlin.json"},
		ExtractKeys(&types.Area{ID: "berlin", Name: "Berlin"}))
	assert.Equal(t, []string{"area-1.json"},
		ExtractKeys(&types.Area{ID: "area-1"}))
}

func TestDecode(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		ways, err := Decode(strings.NewReader(sampleExtract))
		require.NoError(t, err)
		require.Len(t, ways, 2)
		assert.Equal(t, int64(1), ways[0].OsmID)
		assert.Equal(t, "residential", ways[0].Tags["highway"])
		assert.Equal(t, orb.LineString{{13.40, 52.50}, {13.41, 52.50}}, ways[0].Coordinates)
		assert.Equal(t, []any{"service", "track"}, ways[1].Tags["highway"])
	})

	t.Run("wrapped", func(t *testing.T) {
		ways, err := Decode(strings.NewReader(`  {"ways": ` + sampleExtract + `}`))
		require.NoError(t, err)
		assert.Len(t, ways, 2)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Decode(strings.NewReader(`[{"osm_id": "x"`))
		assert.ErrorIs(t, err, types.ErrValidation)
	})
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mitte-berlin.json"), []byte(sampleExtract), 0o600))

	src := DirSource{Dir: dir}

	t.Run("falls back to slug", func(t *testing.T) {
		ways, err := src.LoadWays(context.Background(), &types.Area{ID: "area-1", Name: "Mitte, Berlin"})
		require.NoError(t, err)
		assert.Len(t, ways, 2)
	})

	t.Run("prefers id", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "area-2.json"), []byte(`[]`), 0o600))
		ways, err := src.LoadWays(context.Background(), &types.Area{ID: "area-2", Name: "Mitte, Berlin"})
		require.NoError(t, err)
		assert.Empty(t, ways)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := src.LoadWays(context.Background(), &types.Area{ID: "area-3", Name: "Nowhere"})
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := src.LoadWays(ctx, &types.Area{ID: "area-1"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

type fakeSource struct {
	ways  []Way
	err   error
	calls int
}

func (f *fakeSource) LoadWays(context.Context, *types.Area) ([]Way, error) {
	f.calls++
	return f.ways, f.err
}

func TestChain(t *testing.T) {
	area := &types.Area{ID: "area-1"}
	found := []Way{{OsmID: 7}}

	t.Run("not found passes to next", func(t *testing.T) {
		first := &fakeSource{err: types.NotFoundf("nothing")}
		second := &fakeSource{ways: found}
		ways, err := Chain{first, second}.LoadWays(context.Background(), area)
		require.NoError(t, err)
		assert.Equal(t, found, ways)
		assert.Equal(t, 1, first.calls)
	})

	t.Run("dependency stops the chain", func(t *testing.T) {
		first := &fakeSource{err: types.Dependencyf(errors.New("timeout"), "object store")}
		second := &fakeSource{ways: found}
		_, err := Chain{first, second}.LoadWays(context.Background(), area)
		assert.ErrorIs(t, err, types.ErrDependency)
		assert.Equal(t, 0, second.calls)
	})

	t.Run("all missing", func(t *testing.T) {
		_, err := Chain{&fakeSource{err: types.NotFoundf("a")}}.LoadWays(context.Background(), area)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("empty chain", func(t *testing.T) {
		_, err := Chain{}.LoadWays(context.Background(), area)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestWithinBoundary(t *testing.T) {
	square := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}
	ways := []Way{
		{OsmID: 1, Coordinates: orb.LineString{{0.5, 0.5}, {0.6, 0.5}}},
		{OsmID: 2, Coordinates: orb.LineString{{2, 2}, {3, 3}}},
		{OsmID: 3, Coordinates: orb.LineString{{-1, 0.5}, {0.5, 0.5}}},
	}

	ids := func(ws []Way) []int64 {
		out := make([]int64, 0, len(ws))
		for _, w := range ws {
			out = append(out, w.OsmID)
		}
		return out
	}

	assert.Equal(t, []int64{1, 3}, ids(WithinBoundary(ways, square)))
	assert.Equal(t, []int64{1, 3}, ids(WithinBoundary(ways, orb.MultiPolygon{square})))
	assert.Equal(t, []int64{1, 2, 3}, ids(WithinBoundary(ways, nil)))
	assert.Equal(t, []int64{1, 2, 3}, ids(WithinBoundary(ways, orb.Point{0, 0})))
}

func TestNewExtractStore(t *testing.T) {
	retry := config.RetrySetting{Attempts: 1}

	tests := []struct {
		name     string
		cfg      config.MinIOConfig
		errorMsg string
	}{
		{
			name: "valid configuration",
			cfg: config.MinIOConfig{
				Endpoint:  "https://minio.example.com:9000",
				AccessKey: "key",
				SecretKey: "secret",
				Bucket:    "osm",
			},
		},
		{
			name:     "missing credentials",
			cfg:      config.MinIOConfig{Endpoint: "https://minio.example.com:9000", Bucket: "osm"},
			errorMsg: "MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required",
		},
		{
			name:     "endpoint without scheme",
			cfg:      config.MinIOConfig{Endpoint: "minio.example.com:9000", AccessKey: "k", SecretKey: "s"},
			errorMsg: "invalid MINIO_ENDPOINT scheme",
		},
		{
			name:     "missing hostname",
			cfg:      config.MinIOConfig{Endpoint: "https://", AccessKey: "k", SecretKey: "s"},
			errorMsg: "missing hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewExtractStore(tt.cfg, retry)
			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "osm", store.bucket)
		})
	}
}

func TestExtractStore_ObjectName(t *testing.T) {
	assert.Equal(t, "extracts/area-1.json", (&ExtractStore{prefix: "extracts"}).ObjectName("area-1.json"))
	assert.Equal(t, "extracts/area-1.json", (&ExtractStore{prefix: "extracts/"}).ObjectName("area-1.json"))
	assert.Equal(t, "area-1.json", (&ExtractStore{}).ObjectName("area-1.json"))
}
