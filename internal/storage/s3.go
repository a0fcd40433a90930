// Package storage uploads capsule images and avatars to S3-compatible
// object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

type Config struct {
	Region string
	// Endpoint points at LocalStack/MinIO instead of AWS when set.
	Endpoint      string
	PublicBaseURL string
}

type S3Storage struct {
	client  *s3.Client
	cfg     Config
	log     *zap.Logger
	ensured sync.Map // bucket -> struct{}
}

func NewS3Storage(ctx context.Context, cfg Config, log *zap.Logger) (*S3Storage, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Storage{client: client, cfg: cfg, log: log}, nil
}

// EnsureBucket creates bucket if it does not exist yet.
func (s *S3Storage) EnsureBucket(ctx context.Context, bucket string) error {
	if _, ok := s.ensured.Load(bucket); ok {
		return nil
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var notFound *types.NotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("head bucket %s: %w", bucket, err)
		}
		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
			}
		}
		if _, err := s.client.CreateBucket(ctx, input); err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			if !errors.As(err, &owned) {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		s.log.Info("bucket created", zap.String("bucket", bucket))
	}

	s.ensured.Store(bucket, struct{}{})
	return nil
}

// Upload stores body under key and returns its public URL.
func (s *S3Storage) Upload(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return PublicURL(s.cfg, bucket, key), nil
}

func PublicURL(cfg Config, bucket, key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	switch {
	case cfg.PublicBaseURL != "":
		return strings.TrimRight(cfg.PublicBaseURL, "/") + "/" + bucket + "/" + escaped
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + bucket + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, cfg.Region, escaped)
	}
}
