package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also registers the postgres driver

	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// MetadataStore is the recording catalog.
type MetadataStore interface {
	SaveRecording(ctx context.Context, recording *Recording) error
	UpdateRecording(ctx context.Context, id string, updates map[string]interface{}) error
	GetRecording(ctx context.Context, id string) (*Recording, error)
	QueryRecordings(ctx context.Context, query RecordingQuery) ([]*Recording, error)
	DeleteRecording(ctx context.Context, id string) error
	GetStorageStats(ctx context.Context) (*StorageStats, error)
	HealthCheck(ctx context.Context) error
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string // disable, require, verify-ca, verify-full
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

// DSN returns the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	c = c.withDefaults()
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// PostgresStore is the MetadataStore backed by a recordings table.
type PostgresStore struct {
	db     *sqlx.DB
	logger recorderlog.Logger
}

// NewPostgresStore connects, sizes the pool and creates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger recorderlog.Logger) (*PostgresStore, error) {
	cfg = cfg.withDefaults()
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store := NewPostgresStoreFromDB(db, logger)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an open connection. The schema is not
// touched.
func NewPostgresStoreFromDB(db *sqlx.DB, logger recorderlog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: recorderlog.OrNop(logger).Named("postgres-store"),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id BIGSERIAL PRIMARY KEY,
	external_id VARCHAR(64) UNIQUE NOT NULL,
	type VARCHAR(16) NOT NULL CHECK (type IN ('direct', 'replay')),
	status VARCHAR(16) NOT NULL CHECK (status IN ('local', 'uploading', 'archived', 'failed')),

	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION DEFAULT 0,

	local_path TEXT NOT NULL,
	bucket VARCHAR(255) DEFAULT '',
	object_key VARCHAR(500) DEFAULT '',
	container VARCHAR(8) NOT NULL,
	size_bytes BIGINT DEFAULT 0,
	checksum VARCHAR(64) DEFAULT '',

	resolution VARCHAR(20),
	fps INTEGER,
	codec VARCHAR(20),

	video_samples BIGINT DEFAULT 0,
	audio_samples BIGINT DEFAULT 0,
	truncated BOOLEAN DEFAULT FALSE,
	last_error TEXT,

	metadata JSONB DEFAULT '{}',
	tags TEXT[] DEFAULT '{}',

	created_at TIMESTAMPTZ DEFAULT NOW(),
	updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_recordings_type_status ON recordings(type, status);
CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_recordings_tags ON recordings USING GIN(tags);
`

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const recordingColumns = `
	external_id, type, status, started_at, ended_at, duration_seconds,
	local_path, bucket, object_key, container, size_bytes, checksum,
	resolution, fps, codec, video_samples, audio_samples, truncated, last_error,
	metadata, tags, created_at, updated_at`

// SaveRecording inserts a recording, or updates the mutable fields of an
// existing one with the same ID.
func (s *PostgresStore) SaveRecording(ctx context.Context, recording *Recording) error {
	if err := recording.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO recordings (
			external_id, type, status, started_at, ended_at, duration_seconds,
			local_path, bucket, object_key, container, size_bytes, checksum,
			resolution, fps, codec, video_samples, audio_samples, truncated, last_error,
			metadata, tags
		) VALUES (
			:external_id, :type, :status, :started_at, :ended_at, :duration_seconds,
			:local_path, :bucket, :object_key, :container, :size_bytes, :checksum,
			:resolution, :fps, :codec, :video_samples, :audio_samples, :truncated, :last_error,
			:metadata, :tags
		)
		ON CONFLICT (external_id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			bucket = EXCLUDED.bucket,
			object_key = EXCLUDED.object_key,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`
	if _, err := s.db.NamedExecContext(ctx, query, recording); err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}

	s.logger.Debug("Recording saved",
		recorderlog.String("id", recording.ID),
		recorderlog.String("type", string(recording.Type)),
		recorderlog.String("status", string(recording.Status)))
	return nil
}

// UpdateRecording sets the given columns on one recording.
func (s *PostgresStore) UpdateRecording(ctx context.Context, id string, updates map[string]interface{}) error {
	query, args, err := buildUpdate(id, updates)
	if err != nil || query == "" {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update recording: %w", err)
	}
	return expectOne(res, id)
}

// GetRecording looks a recording up by its external ID.
func (s *PostgresStore) GetRecording(ctx context.Context, id string) (*Recording, error) {
	rec := new(Recording)
	err := s.db.GetContext(ctx, rec, `SELECT `+recordingColumns+` FROM recordings WHERE external_id = $1`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}

// QueryRecordings returns the recordings matching q, newest first unless
// q orders otherwise.
func (s *PostgresStore) QueryRecordings(ctx context.Context, q RecordingQuery) ([]*Recording, error) {
	query, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}
	recs := []*Recording{}
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	return recs, nil
}

// DeleteRecording removes one catalog entry.
func (s *PostgresStore) DeleteRecording(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE external_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	if err := expectOne(res, id); err != nil {
		return err
	}
	s.logger.Debug("Catalog entry deleted", recorderlog.String("id", id))
	return nil
}

// GetStorageStats aggregates the catalog by recording type.
func (s *PostgresStore) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	var rows []struct {
		Type RecordingType `db:"type"`
		TypeStats
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT type, COUNT(*) AS count,
			COALESCE(SUM(size_bytes), 0) AS bytes,
			COALESCE(SUM(duration_seconds), 0) AS duration_seconds
		FROM recordings GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage stats: %w", err)
	}

	stats := &StorageStats{ByType: make(map[RecordingType]TypeStats, len(rows))}
	for _, r := range rows {
		stats.ByType[r.Type] = r.TypeStats
		stats.TotalRecordings += r.Count
		stats.TotalBytes += r.Bytes
	}
	return stats, nil
}

// HealthCheck pings the database.
func (s *PostgresStore) HealthCheck(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// updatable lists the columns callers may set or order by.
var updatable = map[string]bool{
	"status": true, "ended_at": true, "duration_seconds": true,
	"bucket": true, "object_key": true, "size_bytes": true, "checksum": true,
	"last_error": true, "metadata": true, "tags": true, "started_at": true,
	"local_path": true,
}

func buildUpdate(id string, updates map[string]interface{}) (string, []interface{}, error) {
	if len(updates) == 0 {
		return "", nil, nil
	}
	cols := make([]string, 0, len(updates))
	for col := range updates {
		if !updatable[col] {
			return "", nil, fmt.Errorf("invalid field name: %s", col)
		}
		cols = append(cols, col)
	}
	// Sorted for stable statements.
	slices.Sort(cols)

	var b strings.Builder
	b.WriteString("UPDATE recordings SET ")
	args := make([]interface{}, 0, len(cols)+1)
	for _, col := range cols {
		args = append(args, updates[col])
		fmt.Fprintf(&b, "%s = $%d, ", col, len(args))
	}
	args = append(args, id)
	fmt.Fprintf(&b, "updated_at = NOW() WHERE external_id = $%d", len(args))
	return b.String(), args, nil
}

func buildQuery(q RecordingQuery) (string, []interface{}, error) {
	var (
		conds []string
		args  []interface{}
	)
	where := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.Type != "" {
		where("type = $%d", q.Type)
	}
	if q.Status != "" {
		where("status = $%d", q.Status)
	}
	if !q.StartTime.IsZero() {
		where("started_at >= $%d", q.StartTime)
	}
	if !q.EndTime.IsZero() {
		where("started_at <= $%d", q.EndTime)
	}
	if len(q.Tags) > 0 {
		where("tags && $%d", pq.Array(q.Tags))
	}

	query := `SELECT ` + recordingColumns + ` FROM recordings`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	order, dir := "started_at", " DESC"
	if q.OrderBy != "" {
		if !updatable[q.OrderBy] {
			return "", nil, fmt.Errorf("invalid order by field: %s", q.OrderBy)
		}
		order, dir = q.OrderBy, ""
		if q.OrderDesc {
			dir = " DESC"
		}
	}
	query += " ORDER BY " + order + dir

	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(q.Offset)
	}
	return query, args, nil
}
