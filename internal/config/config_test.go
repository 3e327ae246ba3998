package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/replaycap/internal/crypto"
	"github.com/mikeyg42/replaycap/internal/recorder/container"
	"github.com/mikeyg42/replaycap/internal/recorder/encoder"
	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.ReplayMode())
	assert.Equal(t, container.KindMKV, cfg.ContainerKind())
	assert.Equal(t, 15, cfg.Recording.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Recording.RetryInterval)
}

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
recording:
  mode: direct
  output_dir: /var/lib/replaycap
video:
  width: 640
  height: 360
  frame_rate: 25
encoder:
  rate_control: cbr
  bitrate: 2000000
storage:
  minio:
    enabled: true
    bucket: clips
`))
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, cfg.Recording.Mode)
	assert.Equal(t, "/var/lib/replaycap", cfg.Recording.OutputDir)
	assert.Equal(t, 640, cfg.Video.Width)
	assert.Equal(t, "clips", cfg.Storage.MinIO.Bucket)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Recording.ReplayDuration)
	assert.Equal(t, "localhost:9000", cfg.Storage.MinIO.Endpoint)
}

func TestLoadFromReaderRejectsUnknownKeys(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("recording:\n  segment_duration: 5m\n"))
	assert.Error(t, err)
}

func TestLoadFromReaderEmpty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replaycap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
recording:
  replay_duration: 45s
log:
  level: debug
`), 0o644))

	t.Setenv("REPLAYCAP_RECORDING_CONTAINER", "mkv")
	t.Setenv("REPLAYCAP_VIDEO_WIDTH", "320")
	t.Setenv("REPLAYCAP_VIDEO_HEIGHT", "240")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Recording.ReplayDuration)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 320, cfg.Video.Width)
	assert.Equal(t, 240, cfg.Video.Height)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Recording.Mode = "event"
	cfg.Recording.Container = "avi"
	cfg.Video.Width = 0
	cfg.Audio.BitDepth = 12

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "recording.mode")
	assert.Contains(t, msg, "recording.container")
	assert.Contains(t, msg, "video size")
	assert.Contains(t, msg, "audio.bit_depth")
}

func TestValidateRejectsSoftwareCodecInMP4(t *testing.T) {
	cfg := Default()
	cfg.Recording.Container = "mp4"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, container.ErrUnsupportedCodec)
}

func TestValidateReplayDuration(t *testing.T) {
	cfg := Default()
	cfg.Recording.ReplayDuration = 0
	assert.Error(t, cfg.Validate())

	cfg.Recording.Mode = ModeDirect
	assert.NoError(t, cfg.Validate())
}

func TestEncoderConfigMapping(t *testing.T) {
	cfg := Default()
	enc, err := cfg.EncoderConfig()
	require.NoError(t, err)

	assert.Equal(t, media.CodecSoftware, enc.Codec)
	assert.Equal(t, cfg.Video.Width, enc.Width, "zero encoder size keeps capture size")
	assert.Equal(t, cfg.Video.Height, enc.Height)
	assert.Equal(t, encoder.RateCRF, enc.RateControl.Mode)
	assert.Equal(t, 30.0, enc.FrameRate)
	assert.True(t, enc.Replay.Enabled)
	assert.Equal(t, 30*time.Second, enc.Replay.Duration)
	assert.Equal(t, media.PrimariesBT709, enc.Color.Primaries)
	require.NoError(t, enc.Validate())

	cfg.Encoder.Width, cfg.Encoder.Height = 640, 360
	enc, err = cfg.EncoderConfig()
	require.NoError(t, err)
	assert.Equal(t, 640, enc.Width)

	cfg.Encoder.Codec = "vp9"
	_, err = cfg.EncoderConfig()
	assert.Error(t, err)
}

func TestFormats(t *testing.T) {
	cfg := Default()
	capture := cfg.CaptureFormat()
	assert.Equal(t, media.PixelBGRA, capture.PixelFormat)
	assert.Equal(t, 1280*4, capture.Stride)

	audio := cfg.AudioFormat()
	assert.Equal(t, media.CodecPCM, audio.Codec)
	assert.Equal(t, 48000, audio.SampleRate)

	cfg.Audio.Enabled = false
	assert.Equal(t, media.Format{}, cfg.AudioFormat())
}

func TestStorageMapping(t *testing.T) {
	cfg := Default()
	cfg.Storage.MinIO.AccessKeyID = "key"
	cfg.Storage.Postgres.Password = "secret"

	m := cfg.MinIOConfig()
	assert.Equal(t, "localhost:9000", m.Endpoint)
	assert.Equal(t, "key", m.AccessKeyID)
	assert.Equal(t, 4, m.MaxUploads)

	p := cfg.PostgresConfig()
	assert.Equal(t, 5432, p.Port)
	assert.Equal(t, "secret", p.Password)
	assert.Equal(t, "disable", p.SSLMode)
}

func TestSealedSecretsAreOpened(t *testing.T) {
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	sealed, err := crypto.Seal("s3cret", key)
	require.NoError(t, err)
	t.Setenv(MasterKeyEnv, key)

	cfg, err := LoadFromReader(strings.NewReader("storage:\n  postgres:\n    password: \"" + sealed + "\"\n  minio:\n    secret_access_key: plain\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Storage.Postgres.Password)
	assert.Equal(t, "plain", cfg.Storage.MinIO.SecretAccessKey)
	assert.Equal(t, "s3cret", cfg.PostgresConfig().Password)
}

func TestSealedSecretWithoutKey(t *testing.T) {
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	sealed, err := crypto.Seal("s3cret", key)
	require.NoError(t, err)
	t.Setenv(MasterKeyEnv, "")

	_, err = LoadFromReader(strings.NewReader("storage:\n  postgres:\n    password: \"" + sealed + "\"\n"))
	assert.ErrorIs(t, err, crypto.ErrNoMasterKey)
	assert.ErrorContains(t, err, "storage.postgres.password")
}

func TestAPIValidation(t *testing.T) {
	cfg := Default()
	cfg.API.Enabled = true
	cfg.API.Addr = ""
	cfg.API.SaveRateWindow = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "api.addr")
	assert.ErrorContains(t, err, "api.save_rate_window")
}
