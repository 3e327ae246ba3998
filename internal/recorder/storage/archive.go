package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// ErrNoCatalog is returned by lookups on an archiver without a catalog.
var ErrNoCatalog = errors.New("no recording catalog configured")

// Archiver records finished files in the catalog and uploads them. Either
// store may be nil; with both nil Archive only validates.
type Archiver struct {
	objects ObjectStore
	catalog MetadataStore
	bucket  string
	prefix  string
	// deleteLocal removes the local file after a successful upload.
	deleteLocal bool
	logger      recorderlog.Logger
}

// ArchiverOptions configure an Archiver.
type ArchiverOptions struct {
	Bucket      string
	Prefix      string
	DeleteLocal bool
	Logger      recorderlog.Logger
}

func NewArchiver(objects ObjectStore, catalog MetadataStore, opts ArchiverOptions) *Archiver {
	return &Archiver{
		objects:     objects,
		catalog:     catalog,
		bucket:      opts.Bucket,
		prefix:      opts.Prefix,
		deleteLocal: opts.DeleteLocal,
		logger:      recorderlog.OrNop(opts.Logger).Named("archiver"),
	}
}

// ObjectKey builds {prefix/}{type}/{YYYY-MM-DD}/{id}{ext}.
func ObjectKey(prefix string, rec *Recording) string {
	key := fmt.Sprintf("%s/%s/%s%s",
		rec.Type,
		rec.StartedAt.UTC().Format("2006-01-02"),
		rec.ID,
		filepath.Ext(rec.LocalPath))
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// Archive catalogs rec, uploads its file and updates the catalog with the
// outcome. rec is updated in place.
func (a *Archiver) Archive(ctx context.Context, rec *Recording) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = StatusLocal
	}
	if a.objects != nil {
		rec.Status = StatusUploading
		rec.Bucket = a.bucket
		rec.ObjectKey = ObjectKey(a.prefix, rec)
	}
	if a.catalog != nil {
		if err := a.catalog.SaveRecording(ctx, rec); err != nil {
			return fmt.Errorf("catalog recording: %w", err)
		}
	}
	if a.objects == nil {
		return nil
	}

	start := time.Now()
	_, err := a.objects.Upload(ctx, rec.ObjectKey, rec.LocalPath, map[string]string{
		"recording-id": rec.ID,
		"type":         string(rec.Type),
		"checksum":     rec.Checksum,
		"truncated":    strconv.FormatBool(rec.Truncated),
	})
	if err != nil {
		rec.Status = StatusFailed
		rec.LastError = sql.NullString{String: err.Error(), Valid: true}
		a.logger.Error("Failed to upload recording",
			recorderlog.String("id", rec.ID),
			recorderlog.String("key", rec.ObjectKey),
			recorderlog.Error(err))
		return errors.Join(err, a.update(context.WithoutCancel(ctx), rec.ID, map[string]interface{}{
			"status":     rec.Status,
			"last_error": rec.LastError,
		}))
	}

	rec.Status = StatusArchived
	a.logger.Info("Recording archived",
		recorderlog.String("id", rec.ID),
		recorderlog.String("key", rec.ObjectKey),
		recorderlog.Int64("size", rec.SizeBytes),
		recorderlog.Duration("elapsed", time.Since(start)))
	if err := a.update(ctx, rec.ID, map[string]interface{}{"status": rec.Status}); err != nil {
		return fmt.Errorf("update catalog: %w", err)
	}

	if a.deleteLocal {
		a.removeLocal(rec.LocalPath)
	}
	return nil
}

func (a *Archiver) update(ctx context.Context, id string, fields map[string]interface{}) error {
	if a.catalog == nil {
		return nil
	}
	return a.catalog.UpdateRecording(ctx, id, fields)
}

func (a *Archiver) removeLocal(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("Failed to remove local recording",
			recorderlog.String("path", path),
			recorderlog.Error(err))
	}
}

// List returns catalog entries matching q.
func (a *Archiver) List(ctx context.Context, q RecordingQuery) ([]*Recording, error) {
	if a.catalog == nil {
		return nil, ErrNoCatalog
	}
	return a.catalog.QueryRecordings(ctx, q)
}

// Get returns one catalog entry.
func (a *Archiver) Get(ctx context.Context, id string) (*Recording, error) {
	if a.catalog == nil {
		return nil, ErrNoCatalog
	}
	return a.catalog.GetRecording(ctx, id)
}

// Stats aggregates the catalog.
func (a *Archiver) Stats(ctx context.Context) (*StorageStats, error) {
	if a.catalog == nil {
		return nil, ErrNoCatalog
	}
	return a.catalog.GetStorageStats(ctx)
}

// URL returns a download link for an archived recording.
func (a *Archiver) URL(ctx context.Context, id string, expiry time.Duration) (string, error) {
	rec, err := a.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if a.objects == nil || rec.ObjectKey == "" || !rec.IsArchived() {
		return "", fmt.Errorf("recording %s is not archived (status %s)", id, rec.Status)
	}
	return a.objects.PresignedURL(ctx, rec.ObjectKey, expiry)
}

// Delete removes a recording everywhere it is stored: the object, the local
// file and finally the catalog entry. The entry survives a failed removal
// so the delete can be retried.
func (a *Archiver) Delete(ctx context.Context, id string) error {
	rec, err := a.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.ObjectKey != "" {
		if a.objects == nil {
			return fmt.Errorf("recording %s is in bucket %s but no object store is configured", id, rec.Bucket)
		}
		if err := a.objects.Remove(ctx, rec.ObjectKey); err != nil && !IsNotExist(err) {
			return err
		}
	}
	a.removeLocal(rec.LocalPath)
	if err := a.catalog.DeleteRecording(ctx, id); err != nil {
		return err
	}
	a.logger.Info("Recording deleted", recorderlog.String("id", id))
	return nil
}

// Check pings every configured store.
func (a *Archiver) Check(ctx context.Context) error {
	var errs []error
	if a.objects != nil {
		if err := a.objects.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("object store: %w", err))
		}
	}
	if a.catalog != nil {
		if err := a.catalog.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("catalog: %w", err))
		}
	}
	return errors.Join(errs...)
}
