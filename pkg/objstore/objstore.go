// Package objstore stores extracted images and downloaded files in an
// S3-compatible bucket.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/WessleyAI/wessley-kb/engine/domain"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Secure    bool
}

// Store wraps a minio client bound to one bucket.
type Store struct {
	client *minio.Client
	bucket string
	region string
	logger *slog.Logger
}

// New creates a Store. It does not contact the server.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objstore: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: client %s: %w", cfg.Endpoint, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region, logger: logger}, nil
}

// EnsureBucket creates the bucket when missing.
func (s *Store) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classify(fmt.Errorf("objstore: bucket exists %s: %w", s.bucket, err))
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return classify(fmt.Errorf("objstore: make bucket %s: %w", s.bucket, err))
	}
	s.logger.Info("objstore: bucket created", "bucket", s.bucket)
	return nil
}

// Upload stores data under key and returns its s3:// location.
func (s *Store) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", classify(fmt.Errorf("objstore: put %s: %w", key, err))
	}
	return s.location(key), nil
}

// Download reads the object at key.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(fmt.Errorf("objstore: get %s: %w", key, err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(fmt.Errorf("objstore: read %s: %w", key, err))
	}
	return data, nil
}

// PresignedURL returns a temporary GET URL for key.
func (s *Store) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("objstore: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete removes key. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classify(fmt.Errorf("objstore: remove %s: %w", key, err))
	}
	return nil
}

// DeletePrefix removes every object under prefix, e.g. all images of a
// knowledge base, and returns how many were submitted for removal.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		listed  int
		listErr error
	)
	keys := make(chan minio.ObjectInfo)
	go func() {
		defer close(keys)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			listed++
			keys <- obj
		}
	}()

	var removeErr error
	for res := range s.client.RemoveObjects(ctx, s.bucket, keys, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && removeErr == nil {
			removeErr = fmt.Errorf("objstore: remove %s: %w", res.ObjectName, res.Err)
		}
	}
	if listErr != nil {
		return listed, classify(fmt.Errorf("objstore: list %s: %w", prefix, listErr))
	}
	if removeErr != nil {
		return listed, classify(removeErr)
	}
	return listed, nil
}

func (s *Store) location(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// classify marks throttling, server errors and transport failures as
// recoverable.
func classify(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || resp.Code == "SlowDown" {
			return domain.Recoverable(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.Recoverable(err)
	}
	return err
}
