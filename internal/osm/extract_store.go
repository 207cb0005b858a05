package osm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/internal/retry"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// ExtractStore reads extracts from a MinIO / S3 bucket
type ExtractStore struct {
	minioClient *minio.Client
	bucket      string
	prefix      string
	retry       retry.Config
}

// NewExtractStore creates a MinIO-backed extract source
func NewExtractStore(cfg config.MinIOConfig, retryCfg config.RetrySetting) (*ExtractStore, error) {
	logrus.WithFields(logrus.Fields{
		"endpoint":       cfg.Endpoint,
		"bucket":         cfg.Bucket,
		"prefix":         cfg.Prefix,
		"access_key_set": cfg.AccessKey != "",
		"secret_key_set": cfg.SecretKey != "",
	}).Debug("MinIO extract store configuration")

	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the extract store")
	}

	// Parse endpoint URL
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT scheme '%s': must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': missing hostname", cfg.Endpoint)
	}

	minioClient, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", u.Host, err)
	}

	return &ExtractStore{
		minioClient: minioClient,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		retry: retry.Config{
			Name:        "extract-store",
			MaxAttempts: retryCfg.Attempts,
			Delays:      retryCfg.Delays,
		},
	}, nil
}

// ObjectName returns the object key of an extract file
func (s *ExtractStore) ObjectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// LoadWays implements Source
func (s *ExtractStore) LoadWays(ctx context.Context, area *types.Area) ([]Way, error) {
	for _, key := range ExtractKeys(area) {
		objectName := s.ObjectName(key)

		var ways []Way
		found := true
		err := retry.WithRetry(ctx, s.retry, func() error {
			var err error
			ways, found, err = s.fetch(ctx, objectName)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"area_id": area.ID,
			"bucket":  s.bucket,
			"object":  objectName,
			"ways":    len(ways),
		}).Info("Loaded extract from object store")
		return ways, nil
	}
	return nil, types.NotFoundf("no extract for area %s in bucket %s", area.ID, s.bucket)
}

// fetch downloads and decodes one object. A missing object is reported as
// found=false rather than an error.
func (s *ExtractStore) fetch(ctx context.Context, objectName string) ([]Way, bool, error) {
	if _, err := s.minioClient.StatObject(ctx, s.bucket, objectName, minio.StatObjectOptions{}); err != nil {
		if isMissing(err) {
			return nil, false, nil
		}
		return nil, false, types.Dependencyf(err, "stat extract %s", objectName)
	}

	object, err := s.minioClient.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, types.Dependencyf(err, "get extract %s", objectName)
	}
	defer func() {
		_ = object.Close() // Close errors are not critical
	}()

	ways, err := Decode(object)
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			return nil, true, err
		}
		return nil, true, types.Dependencyf(err, "read extract %s", objectName)
	}
	return ways, true, nil
}

func isMissing(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}
