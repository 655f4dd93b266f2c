package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/dmcatalog/dmcat/pkg/types"
)

// S3Storage lists objects in a single S3 bucket.
type S3Storage struct {
	client     *s3.Client
	bucket     string
	maxRetries int
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region for the S3 bucket.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// MaxRetries bounds retries of a single list page.
	MaxRetries int
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:     "us-east-1",
		MaxRetries: 3,
	}
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// NewS3Storage creates a new S3 lister for the bucket.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient creates a new S3 lister with a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &S3Storage{
		client:     client,
		bucket:     bucket,
		maxRetries: maxRetries,
	}
}

// Bucket returns the bucket this lister reads.
func (s *S3Storage) Bucket() string {
	return s.bucket
}

// ListObjects returns all object keys under the given prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	objects := []string{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.retryWithBackoff(ctx, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: s3://%s/%s: %w", ErrListFailed, s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}

	return objects, nil
}

// PutObject writes a small object. Used to stage data in development buckets.
func (s *S3Storage) PutObject(ctx context.Context, objectPath string, data []byte) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// retryWithBackoff executes the operation with exponential backoff retry.
func (s *S3Storage) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Debug().Err(lastErr).Str("bucket", s.bucket).Int("attempt", attempt+1).
				Dur("backoff", backoff).Msg("s3 request failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// S3Resolver hands out one S3Storage per bucket, sharing a single client.
type S3Resolver struct {
	cfg S3Config

	mu      sync.Mutex
	client  *s3.Client
	listers map[string]*S3Storage
}

// NewS3Resolver creates a resolver. The AWS client is built lazily on first use.
func NewS3Resolver(cfg S3Config) *S3Resolver {
	return &S3Resolver{
		cfg:     cfg,
		listers: make(map[string]*S3Storage),
	}
}

// ListerFor returns the lister for the storage's bucket.
func (r *S3Resolver) ListerFor(ctx context.Context, desc types.StorageDescriptor) (Lister, error) {
	bucket, err := bucketOf(desc)
	if err != nil {
		return nil, fmt.Errorf("storage %q: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.listers[bucket]; ok {
		return l, nil
	}
	if r.client == nil {
		client, err := NewS3Client(ctx, r.cfg)
		if err != nil {
			return nil, err
		}
		r.client = client
	}
	l := NewS3StorageWithClient(r.client, bucket, r.cfg)
	r.listers[bucket] = l
	return l, nil
}
