package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config selects the bucket for S3Archive.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO or LocalStack
	Prefix   string
}

// S3Archive keeps blobs in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("artifacts: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) Put(ctx context.Context, data []byte) (string, error) {
	ref, sum := digest(data)
	key := objectKey(a.prefix, sum)

	if ok, _ := a.head(ctx, key); ok {
		return ref, nil
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("artifacts: s3 put %s: %w", key, err)
	}
	return ref, nil
}

func (a *S3Archive) Get(ctx context.Context, ref string) ([]byte, error) {
	sum, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey(a.prefix, sum)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("artifacts: s3 get %s: %w", ref, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (a *S3Archive) Exists(ctx context.Context, ref string) (bool, error) {
	sum, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	return a.head(ctx, objectKey(a.prefix, sum))
}

func (a *S3Archive) head(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: s3 head %s: %w", key, err)
}
