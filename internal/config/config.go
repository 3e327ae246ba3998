// Package config loads the replaycap configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/replaycap/internal/crypto"
	"github.com/mikeyg42/replaycap/internal/recorder/container"
	"github.com/mikeyg42/replaycap/internal/recorder/encoder"
	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/storage"
)

// EnvPrefix prefixes environment overrides, e.g. REPLAYCAP_RECORDING_MODE.
const EnvPrefix = "REPLAYCAP"

// MasterKeyEnv names the variable holding the key for sealed ("enc:")
// secrets.
const MasterKeyEnv = EnvPrefix + "_MASTER_KEY"

// Recording modes.
const (
	ModeDirect = "direct"
	ModeReplay = "replay"
)

// Config represents the complete configuration for the recorder
type Config struct {
	Service   ServiceConfig   `yaml:"service" mapstructure:"service"`
	Recording RecordingConfig `yaml:"recording" mapstructure:"recording"`
	Video     VideoConfig     `yaml:"video" mapstructure:"video"`
	Audio     AudioConfig     `yaml:"audio" mapstructure:"audio"`
	Encoder   EncoderConfig   `yaml:"encoder" mapstructure:"encoder"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	InstanceID string `yaml:"instance_id" mapstructure:"instance_id"`

	// Graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// RecordingConfig contains recording-specific settings
type RecordingConfig struct {
	// Mode is "direct" (write while recording) or "replay" (keep a window,
	// write on save).
	Mode           string        `yaml:"mode" mapstructure:"mode"`
	ReplayDuration time.Duration `yaml:"replay_duration" mapstructure:"replay_duration"`

	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
	Container string `yaml:"container" mapstructure:"container"` // mkv, mp4, mov

	// Replay save flush tuning
	RetryInterval   time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	VideoQueueDepth int           `yaml:"video_queue_depth" mapstructure:"video_queue_depth"`
	AudioQueueDepth int           `yaml:"audio_queue_depth" mapstructure:"audio_queue_depth"`

	// Disk checks
	MinFreeDiskMB   int64         `yaml:"min_free_disk_mb" mapstructure:"min_free_disk_mb"`
	StaleTempMaxAge time.Duration `yaml:"stale_temp_max_age" mapstructure:"stale_temp_max_age"`

	IntakeQueueSize int `yaml:"intake_queue_size" mapstructure:"intake_queue_size"`
}

// VideoConfig describes the capture side of the video track
type VideoConfig struct {
	Source      string  `yaml:"source" mapstructure:"source"`
	Width       int     `yaml:"width" mapstructure:"width"`
	Height      int     `yaml:"height" mapstructure:"height"`
	FrameRate   float64 `yaml:"frame_rate" mapstructure:"frame_rate"`
	PixelFormat string  `yaml:"pixel_format" mapstructure:"pixel_format"`
}

// AudioConfig contains audio-specific settings
type AudioConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	SampleRate int  `yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels   int  `yaml:"channels" mapstructure:"channels"`
	BitDepth   int  `yaml:"bit_depth" mapstructure:"bit_depth"`
}

// EncoderConfig contains encoder-specific settings
type EncoderConfig struct {
	Codec   string `yaml:"codec" mapstructure:"codec"`
	Profile string `yaml:"profile" mapstructure:"profile"`

	// Output size; zero keeps the capture size.
	Width       int    `yaml:"width" mapstructure:"width"`
	Height      int    `yaml:"height" mapstructure:"height"`
	PixelFormat string `yaml:"pixel_format" mapstructure:"pixel_format"`
	BitDepth    int    `yaml:"bit_depth" mapstructure:"bit_depth"`

	// Rate control
	RateControl string  `yaml:"rate_control" mapstructure:"rate_control"` // cbr, abr, crf
	Bitrate     int     `yaml:"bitrate" mapstructure:"bitrate"`
	Quality     float64 `yaml:"quality" mapstructure:"quality"`

	// GOP settings
	KeyframeInterval         int           `yaml:"keyframe_interval" mapstructure:"keyframe_interval"`
	KeyframeIntervalDuration time.Duration `yaml:"keyframe_interval_duration" mapstructure:"keyframe_interval_duration"`
	BFrames                  bool          `yaml:"b_frames" mapstructure:"b_frames"`

	// Color
	ColorPrimaries   string `yaml:"color_primaries" mapstructure:"color_primaries"`
	TransferFunction string `yaml:"transfer_function" mapstructure:"transfer_function"`
	YCbCrMatrix      string `yaml:"ycbcr_matrix" mapstructure:"ycbcr_matrix"`
	ColorConversion  string `yaml:"color_conversion" mapstructure:"color_conversion"`

	StartTimeout time.Duration `yaml:"start_timeout" mapstructure:"start_timeout"`
}

// StorageConfig contains archive configuration
type StorageConfig struct {
	Archive  ArchiveConfig  `yaml:"archive" mapstructure:"archive"`
	MinIO    MinIOConfig    `yaml:"minio" mapstructure:"minio"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// ArchiveConfig controls what happens to finished files
type ArchiveConfig struct {
	Prefix        string        `yaml:"prefix" mapstructure:"prefix"`
	DeleteLocal   bool          `yaml:"delete_local" mapstructure:"delete_local"`
	UploadTimeout time.Duration `yaml:"upload_timeout" mapstructure:"upload_timeout"`
}

// MinIOConfig contains MinIO-specific configuration
type MinIOConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Endpoint        string        `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	UseSSL          bool          `yaml:"use_ssl" mapstructure:"use_ssl"`
	Bucket          string        `yaml:"bucket" mapstructure:"bucket"`
	Region          string        `yaml:"region" mapstructure:"region"`
	MaxUploads      int           `yaml:"max_uploads" mapstructure:"max_uploads"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	Database        string        `yaml:"database" mapstructure:"database"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json, console
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	ReportInterval time.Duration `yaml:"report_interval" mapstructure:"report_interval"`
}

// APIConfig contains the control API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
	// SaveRateLimit bounds replay saves per client within SaveRateWindow.
	SaveRateLimit  int           `yaml:"save_rate_limit" mapstructure:"save_rate_limit"`
	SaveRateWindow time.Duration `yaml:"save_rate_window" mapstructure:"save_rate_window"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "replaycap",
			ShutdownTimeout: 30 * time.Second,
		},
		Recording: RecordingConfig{
			Mode:            ModeReplay,
			ReplayDuration:  30 * time.Second,
			OutputDir:       "recordings",
			Container:       string(container.KindMKV),
			RetryInterval:   10 * time.Millisecond,
			MaxRetries:      15,
			VideoQueueDepth: 30,
			AudioQueueDepth: 100,
			MinFreeDiskMB:   500,
			StaleTempMaxAge: time.Hour,
			IntakeQueueSize: 64,
		},
		Video: VideoConfig{
			Source:      "synthetic",
			Width:       1280,
			Height:      720,
			FrameRate:   30,
			PixelFormat: string(media.PixelBGRA),
		},
		Audio: AudioConfig{
			Enabled:    true,
			SampleRate: 48000,
			Channels:   2,
			BitDepth:   16,
		},
		Encoder: EncoderConfig{
			Codec:                    string(media.CodecSoftware),
			PixelFormat:              string(media.PixelBGRA),
			BitDepth:                 8,
			RateControl:              string(encoder.RateCRF),
			Quality:                  0.5,
			KeyframeInterval:         60,
			KeyframeIntervalDuration: 2 * time.Second,
			ColorPrimaries:           string(media.PrimariesBT709),
			TransferFunction:         string(media.TransferSRGB),
			YCbCrMatrix:              string(media.MatrixBT709),
			StartTimeout:             5 * time.Second,
		},
		Storage: StorageConfig{
			Archive: ArchiveConfig{
				UploadTimeout: 5 * time.Minute,
			},
			MinIO: MinIOConfig{
				Endpoint:     "localhost:9000",
				Bucket:       "recordings",
				Region:       "us-east-1",
				MaxUploads:   4,
				MaxRetries:   3,
				RetryBackoff: 500 * time.Millisecond,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "recordings",
				Username:        "recorder",
				SSLMode:         "disable",
				MaxConnections:  10,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr:           ":9464",
			ReportInterval: 30 * time.Second,
		},
		API: APIConfig{
			Addr:           "127.0.0.1:8090",
			SaveRateLimit:  10,
			SaveRateWindow: time.Minute,
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
	}
}

// SetDefaults registers every key with v so env overrides resolve even when
// the file omits the key.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("service.name", defaults.Service.Name)
	v.SetDefault("service.instance_id", defaults.Service.InstanceID)
	v.SetDefault("service.shutdown_timeout", defaults.Service.ShutdownTimeout)

	v.SetDefault("recording.mode", defaults.Recording.Mode)
	v.SetDefault("recording.replay_duration", defaults.Recording.ReplayDuration)
	v.SetDefault("recording.output_dir", defaults.Recording.OutputDir)
	v.SetDefault("recording.container", defaults.Recording.Container)
	v.SetDefault("recording.retry_interval", defaults.Recording.RetryInterval)
	v.SetDefault("recording.max_retries", defaults.Recording.MaxRetries)
	v.SetDefault("recording.video_queue_depth", defaults.Recording.VideoQueueDepth)
	v.SetDefault("recording.audio_queue_depth", defaults.Recording.AudioQueueDepth)
	v.SetDefault("recording.min_free_disk_mb", defaults.Recording.MinFreeDiskMB)
	v.SetDefault("recording.stale_temp_max_age", defaults.Recording.StaleTempMaxAge)
	v.SetDefault("recording.intake_queue_size", defaults.Recording.IntakeQueueSize)

	v.SetDefault("video.source", defaults.Video.Source)
	v.SetDefault("video.width", defaults.Video.Width)
	v.SetDefault("video.height", defaults.Video.Height)
	v.SetDefault("video.frame_rate", defaults.Video.FrameRate)
	v.SetDefault("video.pixel_format", defaults.Video.PixelFormat)

	v.SetDefault("audio.enabled", defaults.Audio.Enabled)
	v.SetDefault("audio.sample_rate", defaults.Audio.SampleRate)
	v.SetDefault("audio.channels", defaults.Audio.Channels)
	v.SetDefault("audio.bit_depth", defaults.Audio.BitDepth)

	v.SetDefault("encoder.codec", defaults.Encoder.Codec)
	v.SetDefault("encoder.profile", defaults.Encoder.Profile)
	v.SetDefault("encoder.width", defaults.Encoder.Width)
	v.SetDefault("encoder.height", defaults.Encoder.Height)
	v.SetDefault("encoder.pixel_format", defaults.Encoder.PixelFormat)
	v.SetDefault("encoder.bit_depth", defaults.Encoder.BitDepth)
	v.SetDefault("encoder.rate_control", defaults.Encoder.RateControl)
	v.SetDefault("encoder.bitrate", defaults.Encoder.Bitrate)
	v.SetDefault("encoder.quality", defaults.Encoder.Quality)
	v.SetDefault("encoder.keyframe_interval", defaults.Encoder.KeyframeInterval)
	v.SetDefault("encoder.keyframe_interval_duration", defaults.Encoder.KeyframeIntervalDuration)
	v.SetDefault("encoder.b_frames", defaults.Encoder.BFrames)
	v.SetDefault("encoder.color_primaries", defaults.Encoder.ColorPrimaries)
	v.SetDefault("encoder.transfer_function", defaults.Encoder.TransferFunction)
	v.SetDefault("encoder.ycbcr_matrix", defaults.Encoder.YCbCrMatrix)
	v.SetDefault("encoder.color_conversion", defaults.Encoder.ColorConversion)
	v.SetDefault("encoder.start_timeout", defaults.Encoder.StartTimeout)

	v.SetDefault("storage.archive.prefix", defaults.Storage.Archive.Prefix)
	v.SetDefault("storage.archive.delete_local", defaults.Storage.Archive.DeleteLocal)
	v.SetDefault("storage.archive.upload_timeout", defaults.Storage.Archive.UploadTimeout)

	v.SetDefault("storage.minio.enabled", defaults.Storage.MinIO.Enabled)
	v.SetDefault("storage.minio.endpoint", defaults.Storage.MinIO.Endpoint)
	v.SetDefault("storage.minio.access_key_id", defaults.Storage.MinIO.AccessKeyID)
	v.SetDefault("storage.minio.secret_access_key", defaults.Storage.MinIO.SecretAccessKey)
	v.SetDefault("storage.minio.use_ssl", defaults.Storage.MinIO.UseSSL)
	v.SetDefault("storage.minio.bucket", defaults.Storage.MinIO.Bucket)
	v.SetDefault("storage.minio.region", defaults.Storage.MinIO.Region)
	v.SetDefault("storage.minio.max_uploads", defaults.Storage.MinIO.MaxUploads)
	v.SetDefault("storage.minio.max_retries", defaults.Storage.MinIO.MaxRetries)
	v.SetDefault("storage.minio.retry_backoff", defaults.Storage.MinIO.RetryBackoff)

	v.SetDefault("storage.postgres.enabled", defaults.Storage.Postgres.Enabled)
	v.SetDefault("storage.postgres.host", defaults.Storage.Postgres.Host)
	v.SetDefault("storage.postgres.port", defaults.Storage.Postgres.Port)
	v.SetDefault("storage.postgres.database", defaults.Storage.Postgres.Database)
	v.SetDefault("storage.postgres.username", defaults.Storage.Postgres.Username)
	v.SetDefault("storage.postgres.password", defaults.Storage.Postgres.Password)
	v.SetDefault("storage.postgres.ssl_mode", defaults.Storage.Postgres.SSLMode)
	v.SetDefault("storage.postgres.max_connections", defaults.Storage.Postgres.MaxConnections)
	v.SetDefault("storage.postgres.conn_max_lifetime", defaults.Storage.Postgres.ConnMaxLifetime)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.addr", defaults.Metrics.Addr)
	v.SetDefault("metrics.report_interval", defaults.Metrics.ReportInterval)

	v.SetDefault("api.enabled", defaults.API.Enabled)
	v.SetDefault("api.addr", defaults.API.Addr)
	v.SetDefault("api.save_rate_limit", defaults.API.SaveRateLimit)
	v.SetDefault("api.save_rate_window", defaults.API.SaveRateWindow)
	v.SetDefault("api.allowed_origins", defaults.API.AllowedOrigins)
}

// NewViper returns a viper instance with defaults and env overrides set up.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the file at path (optional) through viper, applies
// REPLAYCAP_* overrides and validates the result.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.OpenSecrets(os.Getenv(MasterKeyEnv)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes strict YAML on top of the defaults. Unknown keys
// are rejected. No env overrides are applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.OpenSecrets(os.Getenv(MasterKeyEnv)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is LoadFromReader over a file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadFromReader(f)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Recording.Mode {
	case ModeDirect:
	case ModeReplay:
		if c.Recording.ReplayDuration <= 0 {
			errs = append(errs, errors.New("recording.replay_duration must be positive in replay mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("recording.mode must be %q or %q, got %q", ModeDirect, ModeReplay, c.Recording.Mode))
	}
	if c.Recording.OutputDir == "" {
		errs = append(errs, errors.New("recording.output_dir is required"))
	}
	kind, err := container.ParseKind(c.Recording.Container)
	if err != nil {
		errs = append(errs, fmt.Errorf("recording.container: %w", err))
	}
	if c.Recording.RetryInterval <= 0 {
		errs = append(errs, errors.New("recording.retry_interval must be positive"))
	}
	if c.Recording.MaxRetries <= 0 {
		errs = append(errs, errors.New("recording.max_retries must be positive"))
	}
	if c.Recording.MinFreeDiskMB < 0 {
		errs = append(errs, errors.New("recording.min_free_disk_mb must not be negative"))
	}

	if c.Video.Source != "synthetic" {
		errs = append(errs, fmt.Errorf("video.source %q is not supported", c.Video.Source))
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		errs = append(errs, fmt.Errorf("video size %dx%d is invalid", c.Video.Width, c.Video.Height))
	}
	if c.Video.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("video.frame_rate must be positive, got %v", c.Video.FrameRate))
	}
	if _, err := media.ParsePixelFormat(c.Video.PixelFormat); err != nil {
		errs = append(errs, fmt.Errorf("video.pixel_format: %w", err))
	}

	if c.Audio.Enabled {
		if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 {
			errs = append(errs, errors.New("audio.sample_rate and audio.channels must be positive"))
		}
		if c.Audio.BitDepth != 16 && c.Audio.BitDepth != 24 && c.Audio.BitDepth != 32 {
			errs = append(errs, fmt.Errorf("audio.bit_depth must be 16, 24 or 32, got %d", c.Audio.BitDepth))
		}
	}

	enc, err := c.EncoderConfig()
	if err != nil {
		errs = append(errs, err)
	} else if err := enc.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("encoder: %w", err))
	} else if kind != "" {
		if err := container.CheckCodecs(kind, container.Tracks{Video: enc.OutputFormat()}); err != nil {
			errs = append(errs, fmt.Errorf("encoder.codec %s cannot be stored in %s: %w", enc.Codec, kind, err))
		}
	}

	if c.Storage.MinIO.Enabled {
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			errs = append(errs, errors.New("storage.minio.endpoint and storage.minio.bucket are required"))
		}
	}
	if c.Storage.Postgres.Enabled && c.Storage.Postgres.Host == "" {
		errs = append(errs, errors.New("storage.postgres.host is required"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	if c.API.Enabled {
		if c.API.Addr == "" {
			errs = append(errs, errors.New("api.addr is required when the API is enabled"))
		}
		if c.API.SaveRateLimit < 0 || c.API.SaveRateLimit > 0 && c.API.SaveRateWindow <= 0 {
			errs = append(errs, errors.New("api.save_rate_limit needs a positive api.save_rate_window"))
		}
	}

	return errors.Join(errs...)
}

// OpenSecrets decrypts sealed credentials in place.
func (c *Config) OpenSecrets(masterKey string) error {
	secrets := map[string]*string{
		"storage.minio.access_key_id":     &c.Storage.MinIO.AccessKeyID,
		"storage.minio.secret_access_key": &c.Storage.MinIO.SecretAccessKey,
		"storage.postgres.password":       &c.Storage.Postgres.Password,
	}
	var errs []error
	for key, p := range secrets {
		plain, err := crypto.Open(*p, masterKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*p = plain
	}
	return errors.Join(errs...)
}

// ContainerKind returns the configured output container.
func (c *Config) ContainerKind() container.Kind {
	return container.Kind(c.Recording.Container)
}

// ReplayMode reports whether recordings keep a replay window.
func (c *Config) ReplayMode() bool { return c.Recording.Mode == ModeReplay }

// CaptureFormat returns the video format delivered by the capture source.
func (c *Config) CaptureFormat() media.Format {
	pf := media.PixelFormat(c.Video.PixelFormat)
	return media.Format{
		Codec:       media.CodecRaw,
		PixelFormat: pf,
		Width:       c.Video.Width,
		Height:      c.Video.Height,
		Stride:      pf.FrameSize(c.Video.Width, 1),
		BitDepth:    pf.BitDepth(),
	}
}

// AudioFormat returns the format of the audio track, zero when disabled.
func (c *Config) AudioFormat() media.Format {
	if !c.Audio.Enabled {
		return media.Format{}
	}
	return media.Format{
		Codec:         media.CodecPCM,
		SampleRate:    c.Audio.SampleRate,
		Channels:      c.Audio.Channels,
		BitsPerSample: c.Audio.BitDepth,
	}
}

// EncoderConfig maps the encoder section onto encoder.Config.
func (c *Config) EncoderConfig() (encoder.Config, error) {
	codec, err := media.ParseCodec(c.Encoder.Codec)
	if err != nil {
		return encoder.Config{}, fmt.Errorf("encoder.codec: %w", err)
	}
	pf, err := media.ParsePixelFormat(c.Encoder.PixelFormat)
	if err != nil {
		return encoder.Config{}, fmt.Errorf("encoder.pixel_format: %w", err)
	}

	width, height := c.Encoder.Width, c.Encoder.Height
	if width == 0 && height == 0 {
		width, height = c.Video.Width, c.Video.Height
	}

	return encoder.Config{
		Codec:       codec,
		Profile:     c.Encoder.Profile,
		Width:       width,
		Height:      height,
		PixelFormat: pf,
		BitDepth:    c.Encoder.BitDepth,
		FrameRate:   c.Video.FrameRate,
		RateControl: encoder.RateControl{
			Mode:    encoder.RateControlMode(strings.ToLower(c.Encoder.RateControl)),
			Bitrate: c.Encoder.Bitrate,
			Quality: c.Encoder.Quality,
		},
		KeyframeInterval:         c.Encoder.KeyframeInterval,
		KeyframeIntervalDuration: c.Encoder.KeyframeIntervalDuration,
		BFrames:                  c.Encoder.BFrames,
		Color: media.ColorTags{
			Primaries: media.ColorPrimaries(c.Encoder.ColorPrimaries),
			Transfer:  media.TransferFunction(c.Encoder.TransferFunction),
			Matrix:    media.YCbCrMatrix(c.Encoder.YCbCrMatrix),
		},
		ColorConversion: c.Encoder.ColorConversion,
		Replay: encoder.ReplayConfig{
			Enabled:  c.ReplayMode(),
			Duration: c.Recording.ReplayDuration,
		},
	}, nil
}

// MinIOConfig maps the MinIO section onto the store configuration.
func (c *Config) MinIOConfig() storage.MinIOConfig {
	m := c.Storage.MinIO
	return storage.MinIOConfig{
		Endpoint:        m.Endpoint,
		AccessKeyID:     m.AccessKeyID,
		SecretAccessKey: m.SecretAccessKey,
		UseSSL:          m.UseSSL,
		Bucket:          m.Bucket,
		Region:          m.Region,
		MaxUploads:      m.MaxUploads,
		MaxRetries:      m.MaxRetries,
		RetryBackoff:    m.RetryBackoff,
	}
}

// PostgresConfig maps the Postgres section onto the catalog configuration.
func (c *Config) PostgresConfig() storage.PostgresConfig {
	p := c.Storage.Postgres
	return storage.PostgresConfig{
		Host:            p.Host,
		Port:            p.Port,
		Database:        p.Database,
		Username:        p.Username,
		Password:        p.Password,
		SSLMode:         p.SSLMode,
		MaxConnections:  p.MaxConnections,
		ConnMaxLifetime: p.ConnMaxLifetime,
	}
}
