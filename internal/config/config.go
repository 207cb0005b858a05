// Package config loads service settings from defaults, an optional YAML file
// and environment overrides, then validates them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the variable holding the optional YAML config path
const ConfigPathEnv = "COVERAGE_CONFIG"

// Config holds every setting of the coverage service
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Coverage   CoverageConfig   `yaml:"coverage"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Events     EventsConfig     `yaml:"events"`
	Jobs       JobsConfig       `yaml:"jobs"`
	OSM        OSMConfig        `yaml:"osm"`
	Geocoder   GeocoderConfig   `yaml:"geocoder"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ServerConfig is the HTTP listener
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// LogConfig controls logrus output
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// CoverageConfig holds the segmentation and matching tolerances in meters
type CoverageConfig struct {
	SegmentLengthMeters float64 `yaml:"segmentLengthMeters" validate:"gt=0"`
	MatchBufferMeters   float64 `yaml:"matchBufferMeters" validate:"gt=0"`
	MinOverlapMeters    float64 `yaml:"minOverlapMeters" validate:"gte=0"`
}

// ClassifierConfig selects the public-road policy
type ClassifierConfig struct {
	Mode        string `yaml:"mode" validate:"oneof=balanced strict legacy"`
	TrackPolicy string `yaml:"trackPolicy" validate:"oneof=conditional exclude include"`
}

// BackfillConfig sizes the bulk replay
type BackfillConfig struct {
	TripChunkSize    int           `yaml:"tripChunkSize" validate:"min=1"`
	BatchSize        int           `yaml:"batchSize" validate:"min=1"`
	WriteBatchSize   int           `yaml:"writeBatchSize" validate:"min=1"`
	Workers          int           `yaml:"workers" validate:"min=1"`
	ProgressEvery    int           `yaml:"progressEvery" validate:"min=1"`
	ProgressInterval time.Duration `yaml:"progressInterval" validate:"gte=0"`
}

// EventsConfig sizes subscriber queues
type EventsConfig struct {
	QueueSize int `yaml:"queueSize" validate:"min=1"`
}

// JobsConfig bounds background jobs
type JobsConfig struct {
	MaxConcurrent int           `yaml:"maxConcurrent" validate:"min=1"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	Retention     time.Duration `yaml:"retention" validate:"gte=0"`
}

// OSMConfig locates pre-fetched OSM way extracts
type OSMConfig struct {
	ExtractDir string       `yaml:"extractDir"`
	MinIO      MinIOConfig  `yaml:"minio"`
	Retry      RetrySetting `yaml:"retry"`
}

// MinIOConfig is the object store holding extracts. Empty endpoint disables it.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKey string `yaml:"accessKey" validate:"required_with=Endpoint"`
	SecretKey string `yaml:"secretKey" validate:"required_with=Endpoint"`
	Bucket    string `yaml:"bucket" validate:"required_with=Endpoint"`
	Prefix    string `yaml:"prefix"`
}

// RetrySetting configures retries of an external dependency
type RetrySetting struct {
	Attempts int             `yaml:"attempts" validate:"min=1"`
	Delays   []time.Duration `yaml:"delays"`
}

// GeocoderConfig is the Nominatim-compatible boundary lookup. Empty URL
// disables geocoding; areas then need an explicit boundary.
type GeocoderConfig struct {
	URL           string        `yaml:"url" validate:"omitempty,url"`
	UserAgent     string        `yaml:"userAgent"`
	RatePerSecond float64       `yaml:"ratePerSecond" validate:"gt=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	Retry         RetrySetting  `yaml:"retry"`
}

// AuthConfig controls API token checks
type AuthConfig struct {
	TokenFile string `yaml:"tokenFile"`
	Disabled  bool   `yaml:"disabled"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Path: "/var/lib/street-coverage/coverage.db"},
		Coverage: CoverageConfig{
			SegmentLengthMeters: 46,
			MatchBufferMeters:   15,
			MinOverlapMeters:    5,
		},
		Classifier: ClassifierConfig{Mode: "balanced", TrackPolicy: "conditional"},
		Backfill: BackfillConfig{
			TripChunkSize:    500,
			BatchSize:        200,
			WriteBatchSize:   1000,
			Workers:          4,
			ProgressEvery:    25,
			ProgressInterval: 2 * time.Second,
		},
		Events: EventsConfig{QueueSize: 100},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			Timeout:       2 * time.Hour,
			Retention:     7 * 24 * time.Hour,
		},
		OSM: OSMConfig{
			MinIO: MinIOConfig{Prefix: "extracts"},
			Retry: RetrySetting{
				Attempts: 3,
				Delays:   []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
			},
		},
		Geocoder: GeocoderConfig{
			UserAgent:     "street-coverage/1.0",
			RatePerSecond: 1,
			Timeout:       30 * time.Second,
			Retry: RetrySetting{
				Attempts: 3,
				Delays:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
			},
		},
		Auth: AuthConfig{TokenFile: "/etc/street-coverage/tokens"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// COVERAGE_CONFIG if set, then environment overrides. The result is
// validated.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigPathEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes YAML on top of the current values, so keys missing from
// the file keep their defaults
func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	logrus.WithField("path", path).Debug("Loaded configuration file")
	return nil
}

// Validate checks every section against its struct tags
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Address returns host:port for the HTTP listener
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Server.Host, "HOST")
	setInt(&c.Server.Port, "PORT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Database.Path, "DB_PATH")

	setFloat(&c.Coverage.SegmentLengthMeters, "SEGMENT_LENGTH_METERS")
	setFloat(&c.Coverage.MatchBufferMeters, "MATCH_BUFFER_METERS")
	setFloat(&c.Coverage.MinOverlapMeters, "MIN_OVERLAP_METERS")
	setString(&c.Classifier.Mode, "PUBLIC_ROAD_FILTER_MODE")
	setString(&c.Classifier.TrackPolicy, "PUBLIC_ROAD_TRACK_POLICY")

	setInt(&c.Backfill.TripChunkSize, "BACKFILL_TRIP_CHUNK_SIZE")
	setInt(&c.Backfill.BatchSize, "BACKFILL_BATCH_SIZE")
	setInt(&c.Backfill.WriteBatchSize, "BACKFILL_WRITE_BATCH_SIZE")
	setInt(&c.Backfill.Workers, "BACKFILL_WORKERS")
	setInt(&c.Events.QueueSize, "EVENT_QUEUE_SIZE")
	setInt(&c.Jobs.MaxConcurrent, "MAX_CONCURRENT_JOBS")
	setDuration(&c.Jobs.Timeout, "JOB_TIMEOUT")

	setString(&c.OSM.ExtractDir, "OSM_EXTRACT_DIR")
	setString(&c.OSM.MinIO.Endpoint, "MINIO_ENDPOINT")
	setString(&c.OSM.MinIO.AccessKey, "MINIO_ACCESS_KEY", "MINIO_ACCESS_KEY_ID")
	setString(&c.OSM.MinIO.SecretKey, "MINIO_SECRET_KEY", "MINIO_SECRET_ACCESS_KEY")
	setString(&c.OSM.MinIO.Bucket, "MINIO_BUCKET")
	setString(&c.OSM.MinIO.Prefix, "MINIO_PREFIX")
	c.OSM.Retry = parseRetry(c.OSM.Retry, os.Getenv("OSM_RETRY_ATTEMPTS"), os.Getenv("OSM_RETRY_BACKOFF_MS"))

	setString(&c.Geocoder.URL, "GEOCODER_URL")
	setString(&c.Geocoder.UserAgent, "GEOCODER_USER_AGENT")
	c.Geocoder.Retry = parseRetry(c.Geocoder.Retry, os.Getenv("GEOCODER_RETRY_ATTEMPTS"), os.Getenv("GEOCODER_RETRY_BACKOFF_MS"))

	setString(&c.Auth.TokenFile, "API_TOKENS_FILE")
	if v := os.Getenv("AUTH_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.Disabled = b
		}
	}
}

// setString applies the first non-empty variable among names
func setString(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			logrus.WithField("variable", name).WithError(err).Warn("Ignoring invalid integer override")
		}
	}
}

func setFloat(dst *float64, name string) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			logrus.WithField("variable", name).WithError(err).Warn("Ignoring invalid number override")
		}
	}
}

func setDuration(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			logrus.WithField("variable", name).WithError(err).Warn("Ignoring invalid duration override")
		}
	}
}

// parseRetry overrides attempts and a comma-separated list of millisecond
// delays, keeping the current values for anything unset or unparsable
func parseRetry(current RetrySetting, attemptsStr, backoffStr string) RetrySetting {
	out := current

	if attemptsStr != "" {
		if attempts, err := strconv.Atoi(attemptsStr); err == nil && attempts > 0 {
			out.Attempts = attempts
		}
	}

	if backoffStr != "" {
		var parsedDelays []time.Duration
		for _, delayStr := range strings.Split(backoffStr, ",") {
			if ms, err := strconv.Atoi(strings.TrimSpace(delayStr)); err == nil && ms > 0 {
				parsedDelays = append(parsedDelays, time.Duration(ms)*time.Millisecond)
			}
		}
		if len(parsedDelays) > 0 {
			out.Delays = parsedDelays
		}
	}

	return out
}
