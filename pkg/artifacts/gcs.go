//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSConfig selects the bucket for GCSArchive.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSArchive keeps blobs in a Cloud Storage bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive uses application default credentials.
func NewGCSArchive(ctx context.Context, cfg GCSConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) object(sum string) *storage.ObjectHandle {
	return a.client.Bucket(a.bucket).Object(objectKey(a.prefix, sum))
}

func (a *GCSArchive) Put(ctx context.Context, data []byte) (string, error) {
	ref, sum := digest(data)
	obj := a.object(sum)
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	// DoesNotExist makes concurrent writers of the same digest safe.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("artifacts: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("artifacts: gcs close: %w", err)
	}
	return ref, nil
}

func (a *GCSArchive) Get(ctx context.Context, ref string) ([]byte, error) {
	sum, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := a.object(sum).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (a *GCSArchive) Exists(ctx context.Context, ref string) (bool, error) {
	sum, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = a.object(sum).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifacts: gcs attrs: %w", err)
	}
	return true, nil
}

func (a *GCSArchive) Close() error { return a.client.Close() }

func openGCS(ctx context.Context, cfg Config) (Archive, error) {
	return NewGCSArchive(ctx, GCSConfig{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
}
