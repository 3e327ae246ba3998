// Package storage archives finished recordings: files go to an object store
// and their metadata to a catalog.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// ObjectStore holds archived recording files.
type ObjectStore interface {
	// Upload stores the file at path under key with the given user metadata.
	Upload(ctx context.Context, key, path string, meta map[string]string) (ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Remove(ctx context.Context, key string) error
	// PresignedURL returns a time-limited download link for key.
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	HealthCheck(ctx context.Context) error
}

// ObjectInfo describes a stored file.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// ErrNotFound is returned by catalog lookups for unknown recordings.
var ErrNotFound = errors.New("recording not found")

// StorageError is an object store failure. Retryable is set when the
// operation gave up for a reason other than a rejected request.
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNotExist reports whether err is a missing object.
func IsNotExist(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound
}

// contentType maps a recording container extension to its MIME type.
func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mkv":
		return "video/x-matroska"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	}
	return "application/octet-stream"
}
