package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/smartcyclemarket/smartcyclemarket/internal/errors"
)

type MinioStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
	useSSL    bool
}

func NewMinioStore(cfg *Config) (*MinioStore, error) {
	endpoint := cfg.Endpoint
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	base := cfg.PublicURL
	if base == "" {
		base = endpoint
	}

	return &MinioStore{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: base,
		useSSL:    cfg.UseSSL,
	}, nil
}

func (c *MinioStore) Upload(ctx context.Context, in UploadInput) (*Image, error) {
	key := objectKey(in.Folder, in.ContentType)
	opts := minio.PutObjectOptions{
		ContentType: in.ContentType,
	}
	if t := in.Transform.String(); t != "" {
		opts.UserMetadata = map[string]string{"transform": t}
	}

	err := apperrors.Retry(ctx, apperrors.StorageBackoff, func(ctx context.Context) error {
		if err := rewind(in.Body); err != nil {
			return err
		}
		_, err := c.client.PutObject(ctx, c.bucket, key, in.Body, in.Size, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	return &Image{URL: publicURL(c.publicURL, c.bucket, key, c.useSSL), ID: key}, nil
}

func (c *MinioStore) Delete(ctx context.Context, id string) error {
	err := c.client.RemoveObject(ctx, c.bucket, id, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", id, err)
	}
	return nil
}

func (c *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
		}
	}

	return nil
}

func (c *MinioStore) Ping(ctx context.Context) error {
	_, err := c.client.BucketExists(ctx, c.bucket)
	return err
}
