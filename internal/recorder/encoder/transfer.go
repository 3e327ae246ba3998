package encoder

import (
	"fmt"
	"image"
	"sync/atomic"

	"golang.org/x/image/draw"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

// PixelTransfer rescales or converts raw frames to the encoder's input
// format.
type PixelTransfer interface {
	Transfer(in *media.Frame) (*media.Frame, error)
	Close() error
}

// SoftwareTransfer rescales packed 8-bit frames on the CPU.
type SoftwareTransfer struct {
	src, dst media.Format
	scaler   draw.Scaler
	closed   atomic.Bool
}

// NewSoftwareTransfer opens a transfer from the capture format to the
// encoder format. Only same-layout rescaling of BGRA frames is supported.
func NewSoftwareTransfer(src, dst media.Format) (*SoftwareTransfer, error) {
	if src.PixelFormat != dst.PixelFormat {
		return nil, configError("pixel transfer",
			fmt.Errorf("conversion %s -> %s not supported", src.PixelFormat, dst.PixelFormat))
	}
	if src.PixelFormat != media.PixelBGRA {
		return nil, configError("pixel transfer",
			fmt.Errorf("rescaling %s not supported", src.PixelFormat))
	}
	if src.Width <= 0 || src.Height <= 0 || dst.Width <= 0 || dst.Height <= 0 {
		return nil, configError("pixel transfer",
			fmt.Errorf("invalid dimensions %dx%d -> %dx%d", src.Width, src.Height, dst.Width, dst.Height))
	}
	return &SoftwareTransfer{
		src:    src,
		dst:    dst,
		scaler: draw.BiLinear.NewScaler(dst.Width, dst.Height, src.Width, src.Height),
	}, nil
}

// Transfer returns a rescaled copy of in. The input frame is not modified.
func (t *SoftwareTransfer) Transfer(in *media.Frame) (*media.Frame, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("pixel transfer closed")
	}
	stride := in.Format.Stride
	if stride == 0 {
		stride = t.src.Width * 4
	}
	if len(in.Payload) < stride*(t.src.Height-1)+t.src.Width*4 {
		return nil, fmt.Errorf("frame payload too short: %d bytes for %dx%d", len(in.Payload), t.src.Width, t.src.Height)
	}

	// Channel order is irrelevant to a per-channel resample, so BGRA can be
	// viewed as RGBA.
	src := &image.RGBA{
		Pix:    in.Payload,
		Stride: stride,
		Rect:   image.Rect(0, 0, t.src.Width, t.src.Height),
	}
	dst := image.NewRGBA(image.Rect(0, 0, t.dst.Width, t.dst.Height))
	t.scaler.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)

	format := in.Format
	format.Width = t.dst.Width
	format.Height = t.dst.Height
	format.Stride = dst.Stride

	return &media.Frame{
		Kind:     in.Kind,
		PTS:      in.PTS,
		Duration: in.Duration,
		Payload:  dst.Pix,
		Keyframe: in.Keyframe,
		Format:   format,
		Sequence: in.Sequence,
	}, nil
}

func (t *SoftwareTransfer) Close() error {
	t.closed.Store(true)
	return nil
}
