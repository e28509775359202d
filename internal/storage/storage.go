// Package storage keeps avatars and product images in an S3 compatible
// bucket. Two drivers are available: minio-go and the AWS SDK.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/google/uuid"
)

// Image is an uploaded object: the URL clients load it from and the ID used to delete it.
type Image struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// Transform describes how an image proxy in front of the bucket should
// render the object. It is stored with the object as metadata.
type Transform struct {
	Width   int
	Height  int
	Crop    string
	Gravity string
}

func (t *Transform) String() string {
	if t == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	if t.Width > 0 {
		parts = append(parts, fmt.Sprintf("w_%d", t.Width))
	}
	if t.Height > 0 {
		parts = append(parts, fmt.Sprintf("h_%d", t.Height))
	}
	if t.Crop != "" {
		parts = append(parts, "c_"+t.Crop)
	}
	if t.Gravity != "" {
		parts = append(parts, "g_"+t.Gravity)
	}
	return strings.Join(parts, ",")
}

var (
	// AvatarTransform renders avatars as face-centred 300x300 thumbnails.
	AvatarTransform = &Transform{Width: 300, Height: 300, Crop: "thumb", Gravity: "face"}
	// ProductTransform renders product pictures at 1280x720.
	ProductTransform = &Transform{Width: 1280, Height: 720, Crop: "fill"}
)

// UploadInput is a single object to store. Body must be rewindable so a
// failed attempt can be retried.
type UploadInput struct {
	Folder      string
	Body        io.ReadSeeker
	Size        int64
	ContentType string
	Transform   *Transform
}

type ImageStore interface {
	Upload(ctx context.Context, in UploadInput) (*Image, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type Config struct {
	Driver    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// PublicURL is the base clients load objects from. Defaults to the bucket endpoint.
	PublicURL string
}

// New returns the ImageStore for cfg.Driver and makes sure its bucket exists.
func New(ctx context.Context, cfg *Config) (ImageStore, error) {
	switch cfg.Driver {
	case "", "minio":
		c, err := NewMinioStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := c.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case "s3":
		s, err := NewS3Store(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// objectKey names a new object under folder, keeping an extension matching contentType.
func objectKey(folder, contentType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
		for _, e := range exts {
			// prefer the common spelling, e.g. .jpg over .jfif
			if e == ".jpg" || e == ".png" || e == ".webp" || e == ".gif" {
				ext = e
				break
			}
		}
	}
	return strings.Trim(folder, "/") + "/" + uuid.NewString() + ext
}

func publicURL(base, bucket, key string, useSSL bool) string {
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		scheme := "http://"
		if useSSL {
			scheme = "https://"
		}
		base = scheme + base
	}
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + key
}

func rewind(body io.ReadSeeker) error {
	_, err := body.Seek(0, io.SeekStart)
	return err
}
