// Package capture defines how frame sources hand raw audio and video to the
// recorder, and provides a synthetic source for tests and demos.
package capture

import (
	"context"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

// Sink receives raw frames from a Source. Payloads are lent for the duration
// of the call only; a Sink that keeps a frame must copy the payload before
// returning. Calls for one kind arrive from one goroutine in PTS order.
type Sink interface {
	DeliverVideoFrame(f *media.Frame)
	DeliverAudioFrame(f *media.Frame)
	// StreamStopped is called once when the source stops, with the error
	// that stopped it or nil.
	StreamStopped(err error)
}

// Source produces timestamped frames on a monotonic clock.
type Source interface {
	// Format is the raw video format of delivered frames.
	Format() media.Format
	// AudioFormat is the format of delivered audio, zero when the source has
	// no audio.
	AudioFormat() media.Format
	Start(ctx context.Context, sink Sink) error
	Stop() error
}
