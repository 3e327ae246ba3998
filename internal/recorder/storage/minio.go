package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	// MaxUploads bounds concurrent uploads.
	MaxUploads     int
	ConnectTimeout time.Duration

	// Retries on top of the client's own. Zero retries until ctx ends.
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c MinIOConfig) withDefaults() MinIOConfig {
	if c.MaxUploads <= 0 {
		c.MaxUploads = 4
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// MinIOStore keeps recordings in one bucket.
type MinIOStore struct {
	client *minio.Client
	cfg    MinIOConfig
	slots  chan struct{}
	logger recorderlog.Logger

	uploads     atomic.Uint64
	uploadBytes atomic.Uint64
	failures    atomic.Uint64
	removals    atomic.Uint64
}

// NewMinIOStore connects to the endpoint and creates the bucket when it is
// missing.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig, logger recorderlog.Logger) (*MinIOStore, error) {
	cfg = cfg.withDefaults()
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	s := &MinIOStore{
		client: client,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.MaxUploads),
		logger: recorderlog.OrNop(logger).Named("minio-store"),
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	s.logger.Info("Created MinIO bucket", recorderlog.String("bucket", s.cfg.Bucket))
	return nil
}

func (s *MinIOStore) retryPolicy(ctx context.Context) backoff.BackOffContext {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = s.cfg.RetryBackoff
	ebo.MaxElapsedTime = 0
	var b backoff.BackOff = ebo
	if s.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(ebo, uint64(s.cfg.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Upload sends the file at path. Each attempt reopens the file, so a retry
// always starts from the first byte.
func (s *MinIOStore) Upload(ctx context.Context, key, path string, meta map[string]string) (ObjectInfo, error) {
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		return ObjectInfo{}, &StorageError{Op: "upload", Key: key, Err: ctx.Err()}
	}

	opts := minio.PutObjectOptions{ContentType: contentType(path), UserMetadata: meta}
	var (
		info    minio.UploadInfo
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		f, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}

		info, err = s.client.PutObject(ctx, s.cfg.Bucket, key, f, st.Size(), opts)
		if err == nil {
			return nil
		}
		s.failures.Add(1)
		switch statusCode(err) {
		case http.StatusBadRequest, http.StatusForbidden:
			return backoff.Permanent(err)
		}
		s.logger.Debug("Upload attempt failed",
			recorderlog.String("key", key),
			recorderlog.Int("attempt", attempt),
			recorderlog.Error(err))
		return err
	}, s.retryPolicy(ctx))
	if err != nil {
		code := statusCode(err)
		return ObjectInfo{}, &StorageError{
			Op:         "upload",
			Key:        key,
			Err:        err,
			StatusCode: code,
			Retryable:  ctx.Err() == nil && code != http.StatusBadRequest && code != http.StatusForbidden,
		}
	}

	s.uploads.Add(1)
	s.uploadBytes.Add(uint64(info.Size))
	s.logger.Debug("Recording uploaded",
		recorderlog.String("key", key),
		recorderlog.Int64("size", info.Size),
		recorderlog.Int("attempts", attempt))
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag, ContentType: opts.ContentType}, nil
}

// Stat returns the stored object's info.
func (s *MinIOStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	oi, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: "stat", Key: key, Err: err, StatusCode: statusCode(err)}
	}
	return ObjectInfo{
		Key:          oi.Key,
		Size:         oi.Size,
		ETag:         oi.ETag,
		ContentType:  oi.ContentType,
		LastModified: oi.LastModified,
	}, nil
}

// Remove deletes key. Removing a missing key succeeds.
func (s *MinIOStore) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return &StorageError{Op: "remove", Key: key, Err: err, StatusCode: statusCode(err)}
	}
	s.removals.Add(1)
	return nil
}

// PresignedURL returns a download link that plays inline in a browser.
func (s *MinIOStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-type", contentType(key))
	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, expiry, params)
	if err != nil {
		return "", &StorageError{Op: "presign", Key: key, Err: err}
	}
	return u.String(), nil
}

// HealthCheck verifies the bucket is reachable.
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err == nil && !exists {
		err = fmt.Errorf("bucket %s does not exist", s.cfg.Bucket)
	}
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	return nil
}

// GetMetrics returns upload counters.
func (s *MinIOStore) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uploads":         s.uploads.Load(),
		"upload_bytes":    s.uploadBytes.Load(),
		"upload_failures": s.failures.Load(),
		"removals":        s.removals.Load(),
		"active_uploads":  len(s.slots),
	}
}

// statusCode maps a MinIO error onto an HTTP status.
func statusCode(err error) int {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		return resp.StatusCode
	}
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return http.StatusNotFound
	case "AccessDenied":
		return http.StatusForbidden
	case "InvalidArgument":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
