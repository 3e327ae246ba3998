package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	mu        sync.Mutex
	puts      map[string][]byte
	metadata  map[string]map[string]string
	removed   []string
	failPut   error
	unhealthy error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{puts: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (f *fakeObjects) Upload(_ context.Context, key, path string, meta map[string]string) (ObjectInfo, error) {
	if f.failPut != nil {
		return ObjectInfo{}, &StorageError{Op: "upload", Key: key, Err: f.failPut, Retryable: true}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ObjectInfo{}, &StorageError{Op: "upload", Key: key, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = b
	f.metadata[key] = meta
	return ObjectInfo{Key: key, Size: int64(len(b)), ContentType: contentType(path)}, nil
}

func (f *fakeObjects) Stat(_ context.Context, key string) (ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.puts[key]
	if !ok {
		return ObjectInfo{}, &StorageError{Op: "stat", Key: key, Err: errors.New("no such key"), StatusCode: 404}
	}
	return ObjectInfo{Key: key, Size: int64(len(b))}, nil
}

func (f *fakeObjects) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.puts, key)
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeObjects) PresignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	return "https://objects.test/" + key + "?expires=" + expiry.String(), nil
}

func (f *fakeObjects) HealthCheck(context.Context) error { return f.unhealthy }

type fakeCatalog struct {
	mu      sync.Mutex
	saved   []Recording
	byID    map[string]*Recording
	updates []map[string]interface{}
	deleted []string
}

func (c *fakeCatalog) SaveRecording(_ context.Context, r *Recording) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, *r)
	if c.byID == nil {
		c.byID = map[string]*Recording{}
	}
	cp := *r
	c.byID[r.ID] = &cp
	return nil
}

func (c *fakeCatalog) UpdateRecording(_ context.Context, id string, u map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	if rec, ok := c.byID[id]; ok {
		if st, ok := u["status"].(RecordingStatus); ok {
			rec.Status = st
		}
	}
	return nil
}

func (c *fakeCatalog) GetRecording(_ context.Context, id string) (*Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (c *fakeCatalog) QueryRecordings(context.Context, RecordingQuery) ([]*Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Recording, 0, len(c.byID))
	for _, r := range c.byID {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (c *fakeCatalog) DeleteRecording(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		return ErrNotFound
	}
	delete(c.byID, id)
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *fakeCatalog) GetStorageStats(context.Context) (*StorageStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := &StorageStats{ByType: map[RecordingType]TypeStats{}}
	for _, r := range c.byID {
		ts := stats.ByType[r.Type]
		ts.Count++
		ts.Bytes += r.SizeBytes
		stats.ByType[r.Type] = ts
		stats.TotalRecordings++
		stats.TotalBytes += r.SizeBytes
	}
	return stats, nil
}

func (c *fakeCatalog) HealthCheck(context.Context) error { return nil }

func testRecording(t *testing.T) *Recording {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay-1.mkv")
	require.NoError(t, os.WriteFile(path, []byte("matroska"), 0o644))
	return &Recording{
		ID:        "rec-1",
		Type:      RecordingReplay,
		StartedAt: time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC),
		LocalPath: path,
		Container: "mkv",
		SizeBytes: 8,
		Checksum:  "abc",
	}
}

func TestArchiveUploadsAndCatalogs(t *testing.T) {
	objects, catalog := newFakeObjects(), &fakeCatalog{}
	a := NewArchiver(objects, catalog, ArchiverOptions{Bucket: "clips", Prefix: "host-a", DeleteLocal: true})
	rec := testRecording(t)

	require.NoError(t, a.Archive(context.Background(), rec))

	key := "host-a/replay/2026-03-04/rec-1.mkv"
	assert.Equal(t, key, rec.ObjectKey)
	assert.Equal(t, "clips", rec.Bucket)
	assert.Equal(t, StatusArchived, rec.Status)
	assert.Equal(t, []byte("matroska"), objects.puts[key])
	assert.Equal(t, "abc", objects.metadata[key]["checksum"])
	assert.Equal(t, "false", objects.metadata[key]["truncated"])

	require.Len(t, catalog.saved, 1)
	assert.Equal(t, StatusUploading, catalog.saved[0].Status)
	require.Len(t, catalog.updates, 1)
	assert.Equal(t, StatusArchived, catalog.updates[0]["status"])

	_, err := os.Stat(rec.LocalPath)
	assert.True(t, os.IsNotExist(err), "local copy removed after upload")
}

func TestArchiveUploadFailure(t *testing.T) {
	objects, catalog := newFakeObjects(), &fakeCatalog{}
	objects.failPut = errors.New("connection refused")
	a := NewArchiver(objects, catalog, ArchiverOptions{Bucket: "clips", DeleteLocal: true})
	rec := testRecording(t)

	err := a.Archive(context.Background(), rec)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.True(t, serr.Retryable)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.True(t, rec.LastError.Valid)

	require.Len(t, catalog.updates, 1)
	assert.Equal(t, StatusFailed, catalog.updates[0]["status"])
	assert.FileExists(t, rec.LocalPath, "local copy kept when upload fails")
}

func TestArchiveCatalogOnly(t *testing.T) {
	catalog := &fakeCatalog{}
	a := NewArchiver(nil, catalog, ArchiverOptions{})
	rec := testRecording(t)

	require.NoError(t, a.Archive(context.Background(), rec))
	assert.Equal(t, StatusLocal, rec.Status)
	assert.Empty(t, rec.ObjectKey)
	require.Len(t, catalog.saved, 1)
}

func TestArchiveRejectsInvalidRecording(t *testing.T) {
	a := NewArchiver(nil, nil, ArchiverOptions{})
	err := a.Archive(context.Background(), &Recording{ID: "x", Type: "event", StartedAt: time.Now(), LocalPath: "x"})
	assert.Error(t, err)
}

func TestBuildQuery(t *testing.T) {
	q, args, err := buildQuery(RecordingQuery{
		Type:      RecordingReplay,
		Status:    StatusArchived,
		StartTime: time.Unix(100, 0),
		Limit:     10,
		OrderBy:   "size_bytes",
		OrderDesc: true,
	})
	require.NoError(t, err)
	assert.Contains(t, q, "WHERE type = $1 AND status = $2 AND started_at >= $3")
	assert.True(t, strings.HasSuffix(q, "ORDER BY size_bytes DESC LIMIT 10"))
	assert.Len(t, args, 3)

	_, _, err = buildQuery(RecordingQuery{OrderBy: "1; DROP TABLE recordings"})
	assert.Error(t, err)

	q, args, err = buildQuery(RecordingQuery{})
	require.NoError(t, err)
	assert.NotContains(t, q, "WHERE")
	assert.True(t, strings.HasSuffix(q, "ORDER BY started_at DESC"))
	assert.Empty(t, args)
}

func TestBuildUpdate(t *testing.T) {
	q, args, err := buildUpdate("rec-1", map[string]interface{}{
		"status":   StatusArchived,
		"checksum": "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE recordings SET checksum = $1, status = $2, updated_at = NOW() WHERE external_id = $3", q)
	assert.Equal(t, []interface{}{"abc", StatusArchived, "rec-1"}, args)

	_, _, err = buildUpdate("rec-1", map[string]interface{}{"id": 1})
	assert.Error(t, err)

	q, _, err = buildUpdate("rec-1", nil)
	require.NoError(t, err)
	assert.Empty(t, q)
}

func TestJSONMapScan(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan([]byte(`{"source":"synthetic"}`)))
	assert.Equal(t, "synthetic", m["source"])
	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)
	assert.Error(t, m.Scan(42))

	v, err := JSONMap(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), v)
}

func TestRecordingMarshalJSON(t *testing.T) {
	rec := &Recording{
		ID:      "rec-1",
		Type:    RecordingDirect,
		EndedAt: sql.NullTime{Time: time.Unix(0, 0).UTC(), Valid: true},
		Codec:   sql.NullString{String: "software", Valid: true},
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "1970-01-01T00:00:00Z", out["ended_at"])
	assert.Equal(t, "software", out["codec"])
	assert.NotContains(t, out, "resolution")
}

func TestStorageErrorClassification(t *testing.T) {
	err := &StorageError{Op: "stat", Key: "k", Err: errors.New("nope"), StatusCode: 404}
	assert.True(t, IsNotExist(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsNotExist(&StorageError{Op: "upload", Err: errors.New("denied"), StatusCode: 403}))
	assert.Equal(t, "stat k: nope", err.Error())
	assert.Equal(t, "health_check: nope", (&StorageError{Op: "health_check", Err: errors.New("nope")}).Error())
	assert.Equal(t, "video/x-matroska", contentType("a/b.MKV"))
	assert.Equal(t, "video/quicktime", contentType("a.mov"))
	assert.Equal(t, "application/octet-stream", contentType("a.bin"))
}

func TestArchiverDeleteRemovesEverywhere(t *testing.T) {
	objects, catalog := newFakeObjects(), &fakeCatalog{}
	a := NewArchiver(objects, catalog, ArchiverOptions{Bucket: "clips"})
	rec := testRecording(t)
	require.NoError(t, a.Archive(context.Background(), rec))
	require.FileExists(t, rec.LocalPath)

	require.NoError(t, a.Delete(context.Background(), rec.ID))
	assert.Equal(t, []string{rec.ObjectKey}, objects.removed)
	assert.Equal(t, []string{rec.ID}, catalog.deleted)
	assert.NoFileExists(t, rec.LocalPath)

	assert.ErrorIs(t, a.Delete(context.Background(), rec.ID), ErrNotFound)
}

func TestArchiverURL(t *testing.T) {
	objects, catalog := newFakeObjects(), &fakeCatalog{}
	a := NewArchiver(objects, catalog, ArchiverOptions{Bucket: "clips"})
	rec := testRecording(t)
	require.NoError(t, a.Archive(context.Background(), rec))

	u, err := a.URL(context.Background(), rec.ID, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, u, rec.ObjectKey)

	local := NewArchiver(nil, catalog, ArchiverOptions{})
	other := testRecording(t)
	other.ID = "rec-2"
	require.NoError(t, local.Archive(context.Background(), other))
	_, err = local.URL(context.Background(), other.ID, time.Hour)
	assert.ErrorContains(t, err, "not archived")
}

func TestArchiverLookupsNeedCatalog(t *testing.T) {
	a := NewArchiver(newFakeObjects(), nil, ArchiverOptions{})
	_, err := a.List(context.Background(), RecordingQuery{})
	assert.ErrorIs(t, err, ErrNoCatalog)
	_, err = a.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNoCatalog)
	assert.ErrorIs(t, a.Delete(context.Background(), "x"), ErrNoCatalog)
}

func TestArchiverStatsAndCheck(t *testing.T) {
	objects, catalog := newFakeObjects(), &fakeCatalog{}
	a := NewArchiver(objects, catalog, ArchiverOptions{Bucket: "clips"})
	require.NoError(t, a.Archive(context.Background(), testRecording(t)))

	stats, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalRecordings)
	assert.EqualValues(t, 8, stats.ByType[RecordingReplay].Bytes)

	require.NoError(t, a.Check(context.Background()))
	objects.unhealthy = errors.New("bucket gone")
	assert.ErrorContains(t, a.Check(context.Background()), "object store: bucket gone")
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("REPLAYCAP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REPLAYCAP_TEST_POSTGRES_DSN not set")
	}
	db, err := openTestDB(dsn)
	require.NoError(t, err)
	store := NewPostgresStoreFromDB(db, nil)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.initSchema(ctx))

	rec := testRecording(t)
	rec.ID = "it-" + time.Now().Format("150405.000000")
	rec.Status = StatusLocal
	require.NoError(t, store.SaveRecording(ctx, rec))
	defer store.DeleteRecording(ctx, rec.ID)

	require.NoError(t, store.UpdateRecording(ctx, rec.ID, map[string]interface{}{"status": StatusArchived}))
	got, err := store.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)
	assert.Equal(t, rec.LocalPath, got.LocalPath)

	list, err := store.QueryRecordings(ctx, RecordingQuery{Type: RecordingReplay, Limit: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	_, err = store.GetRecording(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func openTestDB(dsn string) (*sqlx.DB, error) {
	return sqlx.Connect("postgres", dsn)
}
