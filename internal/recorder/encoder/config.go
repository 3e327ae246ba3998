package encoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

// RateControlMode selects how the compressor spends bits.
type RateControlMode string

const (
	RateCBR RateControlMode = "cbr"
	RateABR RateControlMode = "abr"
	RateCRF RateControlMode = "crf"
)

// RateControl holds the mode-specific parameters. Bitrate (bits/s) applies
// to CBR and ABR, Quality (0.0 to 1.0) to CRF.
type RateControl struct {
	Mode    RateControlMode
	Bitrate int
	Quality float64
}

// ReplayConfig enables the instant-replay window.
type ReplayConfig struct {
	Enabled  bool
	Duration time.Duration
}

// Color spaces a frame can be converted to before encoding.
var conversionTargets = map[string]bool{
	"srgb":       true,
	"display-p3": true,
	"bt709":      true,
	"bt2020":     true,
}

// Config contains encoding parameters. It is fixed for the lifetime of one
// session.
type Config struct {
	Codec       media.Codec
	Profile     string
	Width       int
	Height      int
	PixelFormat media.PixelFormat
	BitDepth    int
	FrameRate   float64

	RateControl RateControl

	// Keyframes are forced every KeyframeInterval frames and/or every
	// KeyframeIntervalDuration of media, whichever comes first. Zero disables
	// the respective bound.
	KeyframeInterval         int
	KeyframeIntervalDuration time.Duration

	BFrames bool

	Color      media.ColorTags
	ICCProfile []byte
	// ColorConversion names the target color space for pre-encode
	// conversion; empty disables it.
	ColorConversion string

	Replay ReplayConfig
}

// Validate checks cfg for internal consistency.
func (cfg Config) Validate() error {
	var errs []error

	if !cfg.Codec.Valid() {
		errs = append(errs, fmt.Errorf("unsupported codec %q", cfg.Codec))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height))
	}
	if !cfg.PixelFormat.Valid() {
		errs = append(errs, fmt.Errorf("unsupported pixel format %q", cfg.PixelFormat))
	} else {
		if !cfg.PixelFormat.Packed() && (cfg.Width%2 != 0 || cfg.Height%2 != 0) {
			errs = append(errs, fmt.Errorf("4:2:0 formats need even dimensions, got %dx%d", cfg.Width, cfg.Height))
		}
		if cfg.BitDepth != 8 && cfg.BitDepth != 10 {
			errs = append(errs, fmt.Errorf("bit depth must be 8 or 10, got %d", cfg.BitDepth))
		} else if cfg.BitDepth != cfg.PixelFormat.BitDepth() {
			errs = append(errs, fmt.Errorf("bit depth %d does not match pixel format %s", cfg.BitDepth, cfg.PixelFormat))
		}
	}
	if cfg.Codec == media.CodecH264 && cfg.BitDepth == 10 {
		errs = append(errs, errors.New("h264 does not support 10-bit encoding"))
	}
	if cfg.FrameRate < 0 {
		errs = append(errs, fmt.Errorf("invalid frame rate %v", cfg.FrameRate))
	}

	switch cfg.RateControl.Mode {
	case RateCBR, RateABR:
		if cfg.RateControl.Bitrate <= 0 {
			errs = append(errs, fmt.Errorf("%s needs a positive bitrate", cfg.RateControl.Mode))
		}
	case RateCRF:
		if q := cfg.RateControl.Quality; q < 0 || q > 1 {
			errs = append(errs, fmt.Errorf("crf quality must be within [0,1], got %v", q))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate control mode %q", cfg.RateControl.Mode))
	}

	if cfg.KeyframeInterval < 0 || cfg.KeyframeIntervalDuration < 0 {
		errs = append(errs, errors.New("keyframe interval must not be negative"))
	}
	if !cfg.Color.Valid() {
		errs = append(errs, fmt.Errorf("invalid color tags %+v", cfg.Color))
	}
	if cfg.ColorConversion != "" && !conversionTargets[cfg.ColorConversion] {
		errs = append(errs, fmt.Errorf("unknown color conversion target %q", cfg.ColorConversion))
	}
	if cfg.Replay.Enabled && cfg.Replay.Duration <= 0 {
		errs = append(errs, errors.New("replay duration must be positive"))
	}

	return errors.Join(errs...)
}

// OutputFormat returns the format metadata stamped on compressed frames.
func (cfg Config) OutputFormat() media.Format {
	color := cfg.Color
	if color == (media.ColorTags{}) {
		color = media.Untagged()
	}
	return media.Format{
		Codec:       cfg.Codec,
		PixelFormat: cfg.PixelFormat,
		Width:       cfg.Width,
		Height:      cfg.Height,
		BitDepth:    cfg.BitDepth,
		Color:       color,
		ICCProfile:  cfg.ICCProfile,
	}
}

// needsTransfer reports whether capture frames must be rescaled or
// converted before they reach the compressor.
func (cfg Config) needsTransfer(capture media.Format) bool {
	if capture.Width == 0 && capture.Height == 0 && capture.PixelFormat == "" {
		return false
	}
	return capture.Width != cfg.Width || capture.Height != cfg.Height ||
		capture.PixelFormat != cfg.PixelFormat
}
