package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/smartcyclemarket/smartcyclemarket/internal/errors"
)

type S3Store struct {
	client    *s3.Client
	bucket    string
	region    string
	publicURL string
	useSSL    bool
}

func NewS3Store(cfg *Config) (*S3Store, error) {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	base := cfg.PublicURL
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !hasScheme(endpoint) {
			if cfg.UseSSL {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		}
		opts.BaseEndpoint = aws.String(endpoint)
		// Required for MinIO and other self-hosted endpoints
		opts.UsePathStyle = true
		if base == "" {
			base = endpoint
		}
	}
	if base == "" {
		base = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
	}

	return &S3Store{
		client:    s3.New(opts),
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		publicURL: base,
		useSSL:    cfg.UseSSL,
	}, nil
}

func hasScheme(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}

func (s *S3Store) Upload(ctx context.Context, in UploadInput) (*Image, error) {
	key := objectKey(in.Folder, in.ContentType)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(in.Size),
		ContentType:   aws.String(in.ContentType),
	}
	if t := in.Transform.String(); t != "" {
		input.Metadata = map[string]string{"transform": t}
	}

	err := apperrors.Retry(ctx, apperrors.StorageBackoff, func(ctx context.Context) error {
		if err := rewind(in.Body); err != nil {
			return err
		}
		input.Body = in.Body
		_, err := s.client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return &Image{URL: publicURL(s.publicURL, s.bucket, key, s.useSSL), ID: key}, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", id, err)
	}
	return nil
}

func (s *S3Store) EnsureBucket(ctx context.Context) error {
	err := s.Ping(ctx)
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
