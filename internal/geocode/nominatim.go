// Package geocode resolves a location name to an area boundary through a
// Nominatim-compatible search API.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/internal/retry"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Result is a resolved area boundary
type Result struct {
	DisplayName string
	Boundary    orb.Geometry
	BBox        orb.Bound
}

// Client wraps the Nominatim search endpoint
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Config
}

// NewClient creates a geocoder from configuration. Returns nil, nil if no URL
// is configured; areas then need an explicit boundary.
func NewClient(cfg config.GeocoderConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid GEOCODER_URL '%s': expected http(s)://host[/path]", cfg.URL)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		retry: retry.Config{
			Name:        "geocode",
			MaxAttempts: cfg.Retry.Attempts,
			Delays:      cfg.Retry.Delays,
		},
	}, nil
}

type searchResult struct {
	DisplayName string          `json:"display_name"`
	BoundingBox []string        `json:"boundingbox"`
	GeoJSON     json.RawMessage `json:"geojson"`
}

// Resolve returns the boundary polygon of the first polygonal match for
// location
func (c *Client) Resolve(ctx context.Context, location string) (*Result, error) {
	var results []searchResult
	err := retry.WithRetry(ctx, c.retry, func() error {
		var err error
		results, err = c.search(ctx, location)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		res, err := r.toResult()
		if err != nil {
			logrus.WithField("location", location).WithError(err).Debug("Skipping geocoder result")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"location": location,
			"match":    res.DisplayName,
		}).Info("Resolved area boundary")
		return res, nil
	}
	return nil, types.NotFoundf("no boundary polygon found for %q", location)
}

func (c *Client) search(ctx context.Context, location string) ([]searchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", location)
	q.Set("format", "jsonv2")
	q.Set("polygon_geojson", "1")
	q.Set("limit", "5")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.Dependencyf(err, "geocoding request")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, types.Dependencyf(nil, "geocoder returned HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("geocoder returned HTTP %d", resp.StatusCode)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, types.Dependencyf(err, "decoding geocoder response")
	}
	return results, nil
}

func (r searchResult) toResult() (*Result, error) {
	if len(r.GeoJSON) == 0 {
		return nil, types.Validationf("result %q has no geometry", r.DisplayName)
	}
	g, err := geojson.UnmarshalGeometry(r.GeoJSON)
	if err != nil {
		return nil, types.Validationf("result %q: %v", r.DisplayName, err)
	}

	switch g.Geometry().(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, types.Validationf("result %q is a %s, not a polygon", r.DisplayName, g.Geometry().GeoJSONType())
	}

	bound := g.Geometry().Bound()
	if bb, ok := parseBoundingBox(r.BoundingBox); ok {
		bound = bb
	}
	return &Result{
		DisplayName: r.DisplayName,
		Boundary:    g.Geometry(),
		BBox:        bound,
	}, nil
}

// parseBoundingBox reads Nominatim's [min_lat, max_lat, min_lon, max_lon]
func parseBoundingBox(raw []string) (orb.Bound, bool) {
	if len(raw) != 4 {
		return orb.Bound{}, false
	}
	var v [4]float64
	for i, s := range raw {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return orb.Bound{}, false
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[2], v[0]}, Max: orb.Point{v[3], v[1]}}, true
}
