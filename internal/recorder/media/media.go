// Package media defines the timestamped samples that flow through the
// capture, encode, replay and mux stages, and the format metadata attached
// to them.
package media

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind is the media kind of a frame or track.
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one raw or compressed sample. A Frame must not be mutated after
// it has been handed to another stage; ownership moves with it.
type Frame struct {
	Kind     Kind
	PTS      time.Duration // presentation timestamp on the capture clock
	Duration time.Duration
	Payload  []byte
	Keyframe bool
	Format   Format
	Sequence uint64

	release     func([]byte)
	releaseOnce sync.Once
}

// NewPooledFrame returns a frame whose payload is handed back to release
// once the frame is no longer needed.
func NewPooledFrame(kind Kind, pts time.Duration, payload []byte, release func([]byte)) *Frame {
	return &Frame{Kind: kind, PTS: pts, Payload: payload, release: release}
}

// IsSync reports whether the frame is decodable on its own. Audio is always
// a sync sample.
func (f *Frame) IsSync() bool {
	return f.Kind == KindAudio || f.Keyframe
}

// Size returns the payload length in bytes.
func (f *Frame) Size() int { return len(f.Payload) }

// Pooled reports whether the payload goes back to a pool on Release.
func (f *Frame) Pooled() bool { return f.release != nil }

// Detached returns a frame that stays valid after f is released. Frames
// that are not pooled are returned as is; a pooled frame is copied into an
// unpooled one. It must be called while f is still owned.
func (f *Frame) Detached() *Frame {
	if f == nil || f.release == nil {
		return f
	}
	return &Frame{
		Kind:     f.Kind,
		PTS:      f.PTS,
		Duration: f.Duration,
		Payload:  append([]byte(nil), f.Payload...),
		Keyframe: f.Keyframe,
		Format:   f.Format,
		Sequence: f.Sequence,
	}
}

// Release returns a pooled payload. Safe to call more than once and on
// frames that were not pooled.
func (f *Frame) Release() {
	if f == nil || f.release == nil {
		return
	}
	f.releaseOnce.Do(func() {
		f.release(f.Payload)
		f.Payload = nil
	})
}

// Format describes the encoding of a frame's payload. Video fields are zero
// on audio frames and vice versa.
type Format struct {
	Codec       Codec
	PixelFormat PixelFormat
	Width       int
	Height      int
	Stride      int
	BitDepth    int
	Color       ColorTags
	ICCProfile  []byte

	// ParameterSets carries codec configuration (SPS/PPS, VPS/SPS/PPS).
	ParameterSets [][]byte

	SampleRate    int
	Channels      int
	BitsPerSample int
}

// ColorTags are the color description attached to a video track.
type ColorTags struct {
	Primaries ColorPrimaries
	Transfer  TransferFunction
	Matrix    YCbCrMatrix
}

// Codec identifies a compressed or raw payload encoding.
type Codec string

const (
	CodecRaw        Codec = "raw"
	CodecH264       Codec = "h264"
	CodecHEVC       Codec = "hevc"
	CodecProRes422  Codec = "prores422"
	CodecProRes4444 Codec = "prores4444"
	CodecSoftware   Codec = "software"
	CodecPCM        Codec = "pcm"
)

// Valid reports whether c names a video codec a session can be configured with.
func (c Codec) Valid() bool {
	switch c {
	case CodecH264, CodecHEVC, CodecProRes422, CodecProRes4444, CodecSoftware:
		return true
	}
	return false
}

// IsProRes reports whether c is a ProRes variant.
func (c Codec) IsProRes() bool {
	return c == CodecProRes422 || c == CodecProRes4444
}

// ParseCodec parses a codec name case-insensitively.
func ParseCodec(s string) (Codec, error) {
	c := Codec(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown codec %q", s)
	}
	return c, nil
}

// PixelFormat is the layout of a raw video payload.
type PixelFormat string

const (
	PixelBGRA      PixelFormat = "bgra"
	PixelRGB10     PixelFormat = "rgb10"
	PixelYUV420V8  PixelFormat = "yuv420v8"  // bi-planar, video range
	PixelYUV420F8  PixelFormat = "yuv420f8"  // bi-planar, full range
	PixelYUV420V10 PixelFormat = "yuv420v10" // bi-planar, video range
	PixelYUV420F10 PixelFormat = "yuv420f10" // bi-planar, full range
)

func (p PixelFormat) Valid() bool {
	switch p {
	case PixelBGRA, PixelRGB10, PixelYUV420V8, PixelYUV420F8, PixelYUV420V10, PixelYUV420F10:
		return true
	}
	return false
}

// BitDepth returns the per-component bit depth of p.
func (p PixelFormat) BitDepth() int {
	switch p {
	case PixelRGB10, PixelYUV420V10, PixelYUV420F10:
		return 10
	default:
		return 8
	}
}

// Packed reports whether p stores one 32-bit word per pixel.
func (p PixelFormat) Packed() bool {
	return p == PixelBGRA || p == PixelRGB10
}

// FrameSize returns the payload size of a tightly packed frame.
func (p PixelFormat) FrameSize(width, height int) int {
	switch p {
	case PixelBGRA, PixelRGB10:
		return width * height * 4
	case PixelYUV420V8, PixelYUV420F8:
		return width * height * 3 / 2
	case PixelYUV420V10, PixelYUV420F10:
		return width * height * 3
	default:
		return 0
	}
}

func ParsePixelFormat(s string) (PixelFormat, error) {
	p := PixelFormat(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown pixel format %q", s)
	}
	return p, nil
}

type ColorPrimaries string

const (
	PrimariesUntagged ColorPrimaries = "untagged"
	PrimariesBT709    ColorPrimaries = "bt709"
	PrimariesBT2020   ColorPrimaries = "bt2020"
	PrimariesP3D65    ColorPrimaries = "p3-d65"
)

func (c ColorPrimaries) Valid() bool {
	switch c {
	case PrimariesUntagged, PrimariesBT709, PrimariesBT2020, PrimariesP3D65:
		return true
	}
	return false
}

type TransferFunction string

const (
	TransferUntagged TransferFunction = "untagged"
	TransferBT709    TransferFunction = "bt709"
	TransferSRGB     TransferFunction = "srgb"
	TransferPQ       TransferFunction = "pq"
	TransferHLG      TransferFunction = "hlg"
	TransferLinear   TransferFunction = "linear"
)

func (t TransferFunction) Valid() bool {
	switch t {
	case TransferUntagged, TransferBT709, TransferSRGB, TransferPQ, TransferHLG, TransferLinear:
		return true
	}
	return false
}

type YCbCrMatrix string

const (
	MatrixUntagged YCbCrMatrix = "untagged"
	MatrixBT601    YCbCrMatrix = "bt601"
	MatrixBT709    YCbCrMatrix = "bt709"
	MatrixBT2020   YCbCrMatrix = "bt2020"
)

func (m YCbCrMatrix) Valid() bool {
	switch m {
	case MatrixUntagged, MatrixBT601, MatrixBT709, MatrixBT2020:
		return true
	}
	return false
}

// Untagged returns color tags with every component untagged.
func Untagged() ColorTags {
	return ColorTags{Primaries: PrimariesUntagged, Transfer: TransferUntagged, Matrix: MatrixUntagged}
}

// Valid reports whether every tag is from the known set. Empty tags count as untagged.
func (c ColorTags) Valid() bool {
	return (c.Primaries == "" || c.Primaries.Valid()) &&
		(c.Transfer == "" || c.Transfer.Valid()) &&
		(c.Matrix == "" || c.Matrix.Valid())
}

// Clock converts between capture time and media timestamps.
type Clock struct {
	origin time.Time
}

// NewClock starts a clock at now.
func NewClock() *Clock { return &Clock{origin: time.Now()} }

// Now returns the elapsed monotonic time since the clock started.
func (c *Clock) Now() time.Duration { return time.Since(c.origin) }
