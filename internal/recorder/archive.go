package recorder

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/replaycap/internal/recorder/muxer"
	"github.com/mikeyg42/replaycap/internal/recorder/storage"
)

// recordingFor builds the catalog entry for a finalized file.
func (s *Service) recordingFor(rec *recording, typ storage.RecordingType, res *muxer.Result) *storage.Recording {
	ended := time.Now()
	started := rec.started
	if typ == storage.RecordingReplay {
		// A save covers the buffered window, not the whole recording.
		started = ended.Add(-res.Duration)
	}

	out := &storage.Recording{
		ID:           uuid.NewString(),
		Type:         typ,
		Status:       storage.StatusLocal,
		StartedAt:    started,
		EndedAt:      sql.NullTime{Time: ended, Valid: true},
		Duration:     res.Duration.Seconds(),
		LocalPath:    res.Path,
		Container:    string(res.Container),
		SizeBytes:    res.Bytes,
		Checksum:     res.Checksum,
		VideoSamples: int64(res.VideoSamples),
		AudioSamples: int64(res.AudioSamples),
		Truncated:    res.Truncated,
		Metadata: storage.JSONMap{
			"recording_id": rec.id,
			"origin_ns":    res.Origin.Nanoseconds(),
			"time_zero_ns": res.TimeZero.Nanoseconds(),
		},
		Tags: []string{string(rec.mode)},
	}
	if rec.encCfg.Width > 0 && rec.encCfg.Height > 0 {
		out.Resolution = sql.NullString{String: fmt.Sprintf("%dx%d", rec.encCfg.Width, rec.encCfg.Height), Valid: true}
	}
	if rec.encCfg.FrameRate > 0 {
		out.FPS = sql.NullInt32{Int32: int32(rec.encCfg.FrameRate + 0.5), Valid: true}
	}
	if rec.encCfg.Codec != "" {
		out.Codec = sql.NullString{String: string(rec.encCfg.Codec), Valid: true}
	}
	if s.cfg.Service.InstanceID != "" {
		out.Metadata["instance_id"] = s.cfg.Service.InstanceID
	}
	return out
}
