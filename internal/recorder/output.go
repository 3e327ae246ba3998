package recorder

import (
	"context"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/buffer"
	"github.com/mikeyg42/replaycap/internal/recorder/encoder"
	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

// replayOutput stages encoder output in the replay buffers. Nothing is
// written to disk until a save.
type replayOutput struct {
	replay *buffer.Replay
}

func (o replayOutput) SessionStarted(time.Duration) error { return nil }

func (o replayOutput) WriteVideo(f *media.Frame) { o.replay.Stage(f) }

func (o replayOutput) WriteAudio(f *media.Frame) { o.replay.Stage(f) }

// countingOutput counts samples leaving the encoder.
type countingOutput struct {
	next encoder.Output
	svc  *Service
}

func (o countingOutput) SessionStarted(origin time.Duration) error {
	return o.next.SessionStarted(origin)
}

func (o countingOutput) WriteVideo(f *media.Frame) {
	o.svc.otel.FrameEncoded(context.Background(), f.Kind.String())
	o.next.WriteVideo(f)
}

func (o countingOutput) WriteAudio(f *media.Frame) {
	o.svc.otel.FrameEncoded(context.Background(), f.Kind.String())
	o.next.WriteAudio(f)
}
