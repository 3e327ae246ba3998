package storage

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// RecordingType tells how a recording was produced.
type RecordingType string

const (
	// RecordingDirect is a file written while recording in direct mode.
	RecordingDirect RecordingType = "direct"
	// RecordingReplay is a file written by a replay buffer save.
	RecordingReplay RecordingType = "replay"
)

// RecordingStatus is the archive status of a recording.
type RecordingStatus string

const (
	StatusLocal     RecordingStatus = "local"
	StatusUploading RecordingStatus = "uploading"
	StatusArchived  RecordingStatus = "archived"
	StatusFailed    RecordingStatus = "failed"
)

// JSONMap is a JSONB column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// Recording is one finished output file and its archive state.
type Recording struct {
	ID     string          `json:"id" db:"external_id"`
	Type   RecordingType   `json:"type" db:"type"`
	Status RecordingStatus `json:"status" db:"status"`

	StartedAt time.Time    `json:"started_at" db:"started_at"`
	EndedAt   sql.NullTime `json:"ended_at,omitempty" db:"ended_at"`
	Duration  float64      `json:"duration_seconds,omitempty" db:"duration_seconds"`

	LocalPath string `json:"local_path" db:"local_path"`
	Bucket    string `json:"bucket,omitempty" db:"bucket"`
	ObjectKey string `json:"object_key,omitempty" db:"object_key"`
	Container string `json:"container" db:"container"`
	SizeBytes int64  `json:"size_bytes" db:"size_bytes"`
	Checksum  string `json:"checksum" db:"checksum"`

	Resolution sql.NullString `json:"resolution,omitempty" db:"resolution"`
	FPS        sql.NullInt32  `json:"fps,omitempty" db:"fps"`
	Codec      sql.NullString `json:"codec,omitempty" db:"codec"`

	VideoSamples int64 `json:"video_samples" db:"video_samples"`
	AudioSamples int64 `json:"audio_samples" db:"audio_samples"`
	// Truncated marks a replay save that stopped early.
	Truncated bool           `json:"truncated" db:"truncated"`
	LastError sql.NullString `json:"last_error,omitempty" db:"last_error"`

	Metadata JSONMap        `json:"metadata,omitempty" db:"metadata"`
	Tags     pq.StringArray `json:"tags,omitempty" db:"tags"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RecordingQuery defines search criteria for recordings
type RecordingQuery struct {
	Type      RecordingType
	Status    RecordingStatus
	StartTime time.Time
	EndTime   time.Time
	Tags      []string

	Limit  int
	Offset int

	OrderBy   string
	OrderDesc bool
}

// StorageStats represents catalog statistics
type StorageStats struct {
	TotalRecordings int64                       `json:"total_recordings"`
	TotalBytes      int64                       `json:"total_bytes"`
	ByType          map[RecordingType]TypeStats `json:"by_type"`
}

// TypeStats aggregates one recording type.
type TypeStats struct {
	Count    int64   `json:"count" db:"count"`
	Bytes    int64   `json:"bytes" db:"bytes"`
	Duration float64 `json:"duration_seconds" db:"duration_seconds"`
}

// MarshalJSON customizes JSON marshaling for Recording
func (r *Recording) MarshalJSON() ([]byte, error) {
	type Alias Recording

	aux := struct {
		*Alias
		EndedAt    *time.Time `json:"ended_at,omitempty"`
		Resolution *string    `json:"resolution,omitempty"`
		FPS        *int32     `json:"fps,omitempty"`
		Codec      *string    `json:"codec,omitempty"`
		LastError  *string    `json:"last_error,omitempty"`
	}{
		Alias: (*Alias)(r),
	}

	if r.EndedAt.Valid {
		aux.EndedAt = &r.EndedAt.Time
	}
	if r.Resolution.Valid {
		aux.Resolution = &r.Resolution.String
	}
	if r.FPS.Valid {
		aux.FPS = &r.FPS.Int32
	}
	if r.Codec.Valid {
		aux.Codec = &r.Codec.String
	}
	if r.LastError.Valid {
		aux.LastError = &r.LastError.String
	}

	return json.Marshal(aux)
}

// IsArchived returns true once the file is in object storage.
func (r *Recording) IsArchived() bool {
	return r.Status == StatusArchived
}

// GetDuration returns the recording duration as a time.Duration
func (r *Recording) GetDuration() time.Duration {
	return time.Duration(r.Duration * float64(time.Second))
}

// Validate checks if the recording data is valid
func (r *Recording) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("recording ID is required")
	}
	if r.Type != RecordingDirect && r.Type != RecordingReplay {
		return fmt.Errorf("invalid recording type: %s", r.Type)
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("start time is required")
	}
	if r.LocalPath == "" {
		return fmt.Errorf("local path is required")
	}
	return nil
}
