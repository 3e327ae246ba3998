// Package container writes compressed samples into an output file. It
// mirrors the shape of an OS asset writer: each track reports whether it is
// ready for more data, appends are queued and drained by a single writer
// goroutine, and Finish finalizes the file asynchronously from the caller's
// point of view.
package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

// Kind is the output container type.
type Kind string

const (
	KindMOV Kind = "mov"
	KindMP4 Kind = "mp4"
	KindMKV Kind = "mkv"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMOV, KindMP4, KindMKV:
		return true
	}
	return false
}

// Ext returns the file extension including the dot.
func (k Kind) Ext() string { return "." + string(k) }

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown container %q", s)
	}
	return k, nil
}

var (
	// ErrUnsupportedCodec means the container cannot carry a track's codec.
	ErrUnsupportedCodec = errors.New("codec not supported by container")
	// ErrNotReady is returned by Append when the track's queue is full.
	ErrNotReady = errors.New("track not ready for more data")
	// ErrSessionNotStarted is returned by Append before StartSession.
	ErrSessionNotStarted = errors.New("writer session not started")
	// ErrTrackFinished is returned by Append after MarkAsFinished.
	ErrTrackFinished = errors.New("track marked as finished")
	// ErrBeforeTimeZero is returned for samples earlier than the first
	// sample written to the file.
	ErrBeforeTimeZero = errors.New("sample precedes output time zero")
	// ErrNonMonotonic is returned for a sample older than the previous
	// sample of the same track.
	ErrNonMonotonic = errors.New("sample timestamp not monotonic")
	// ErrWriterFailed is returned once the writer has failed.
	ErrWriterFailed = errors.New("container writer failed")
)

// Status is the lifecycle status of a writer.
type Status string

const (
	StatusWriting    Status = "writing"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Tracks describes the two tracks of an output file.
type Tracks struct {
	Video     media.Format
	Audio     media.Format
	FrameRate float64
}

// Info describes a finalized output file.
type Info struct {
	Path         string
	Container    Kind
	Size         int64
	Checksum     string
	Origin       time.Duration // session origin passed to StartSession
	TimeZero     time.Duration // PTS of the first sample written
	Duration     time.Duration // last sample end minus time zero
	VideoSamples uint64
	AudioSamples uint64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Writer is an output container session.
type Writer interface {
	// StartSession opens the session at origin. Samples may be appended
	// afterwards.
	StartSession(origin time.Duration) error
	// IsReadyForMoreData reports whether Append would accept a sample of kind.
	IsReadyForMoreData(kind media.Kind) bool
	// ReadinessChanged returns a channel closed on the next readiness
	// transition of any track. Call it again after every wake-up.
	ReadinessChanged() <-chan struct{}
	// Append queues f. It never blocks.
	Append(f *media.Frame) error
	// MarkAsFinished declares that no more samples of kind will follow.
	MarkAsFinished(kind media.Kind)
	// Finish drains queued samples and finalizes the file. The returned
	// error carries the failure status when finalization fails.
	Finish(ctx context.Context) (*Info, error)
	// Status returns the writer status.
	Status() Status
}

// format encodes samples into the file. It is driven by a single goroutine.
type format interface {
	writeSample(f *media.Frame, ts time.Duration) error
	// close writes any trailing structures. The underlying file is closed by
	// the caller.
	close(ctx context.Context) error
}

// Options configure a writer.
type Options struct {
	// Dir receives the output file.
	Dir string
	// Name is the file name without extension.
	Name string
	// QueueDepth bounds pending samples per track; a track is not ready
	// while it has QueueDepth samples queued. Defaults: video 30, audio 100.
	VideoQueueDepth int
	AudioQueueDepth int
}

func (o *Options) setDefaults() {
	if o.VideoQueueDepth <= 0 {
		o.VideoQueueDepth = 30
	}
	if o.AudioQueueDepth <= 0 {
		o.AudioQueueDepth = 100
	}
}

// New creates a writer of the given kind. The file is created immediately
// under a temporary name and renamed on Finish.
func New(kind Kind, tracks Tracks, opts Options) (Writer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, kind)
	}
	opts.setDefaults()
	if opts.Name == "" {
		return nil, errors.New("output name required")
	}

	out, err := createOutput(opts.Dir, opts.Name, kind.Ext())
	if err != nil {
		return nil, err
	}

	var f format
	switch kind {
	case KindMKV:
		f, err = newMKV(out, tracks)
	default:
		f, err = newMP4(out, tracks)
	}
	if err != nil {
		out.abort()
		return nil, err
	}
	return newQueuedWriter(kind, f, out, opts), nil
}

// CheckCodecs reports whether kind can carry the configured tracks, without
// creating a file.
func CheckCodecs(kind Kind, tracks Tracks) error {
	switch kind {
	case KindMKV:
		_, err := mkvCodecID(tracks.Video.Codec)
		return err
	case KindMP4, KindMOV:
		switch c := tracks.Video.Codec; {
		case c == media.CodecH264, c == media.CodecHEVC:
			return nil
		case c.IsProRes():
			// The fragmented ISO BMFF writer has no ProRes sample entry.
			return fmt.Errorf("%w: %s in %s, record ProRes to mkv", ErrUnsupportedCodec, c, kind)
		}
		return fmt.Errorf("%w: %s in %s", ErrUnsupportedCodec, tracks.Video.Codec, kind)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedCodec, kind)
}
