package artifacts

import (
	"context"
	"errors"
	"fmt"
)

// Kind names an archive backend.
type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Kind       Kind
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	GCSBucket  string
	Prefix     string
}

// Open builds the configured archive.
func Open(ctx context.Context, cfg Config) (Archive, error) {
	switch cfg.Kind {
	case "", KindFile:
		if cfg.Dir == "" {
			return nil, errors.New("artifacts: file archive needs a directory")
		}
		return NewFileArchive(cfg.Dir)
	case KindS3:
		if cfg.S3Bucket == "" {
			return nil, errors.New("artifacts: S3 archive needs a bucket")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Archive(ctx, S3Config{Bucket: cfg.S3Bucket, Region: region, Endpoint: cfg.S3Endpoint, Prefix: cfg.Prefix})
	case KindGCS:
		if cfg.GCSBucket == "" {
			return nil, errors.New("artifacts: GCS archive needs a bucket")
		}
		return openGCS(ctx, cfg)
	}
	return nil, fmt.Errorf("artifacts: unsupported archive kind %q", cfg.Kind)
}
