package recorder

import (
	"context"

	"github.com/mikeyg42/replaycap/internal/capture"
	"github.com/mikeyg42/replaycap/internal/recorder/encoder"
	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

var _ capture.Sink = (*Service)(nil)

// DeliverVideoFrame copies a captured video frame into the intake queue.
// It never blocks the capture goroutine; a full queue drops the frame.
func (s *Service) DeliverVideoFrame(f *media.Frame) { s.deliver(f, s.videoIn) }

// DeliverAudioFrame copies a captured audio frame into the intake queue.
func (s *Service) DeliverAudioFrame(f *media.Frame) { s.deliver(f, s.audioIn) }

func (s *Service) deliver(f *media.Frame, queue chan *media.Frame) {
	if f == nil || s.State() == StateNotCapturing {
		return
	}
	s.metrics.FramesReceived.Add(1)
	s.otel.FrameReceived(context.Background(), f.Kind.String())

	payload, release := s.pool.Copy(f.Payload)
	owned := media.NewPooledFrame(f.Kind, f.PTS, payload, release)
	owned.Duration = f.Duration
	owned.Keyframe = f.Keyframe
	owned.Format = f.Format
	owned.Sequence = f.Sequence

	select {
	case queue <- owned:
	default:
		owned.Release()
		s.metrics.FramesDropped.Add(1)
		s.otel.FrameDropped(context.Background(), f.Kind.String(), "intake queue full")
	}
}

// StreamStopped is called by the source when it stops. A stream that ends
// with an error takes capture down with it.
func (s *Service) StreamStopped(err error) {
	if err == nil {
		return
	}
	s.metrics.Errors.Add(1)
	s.logger.Error("Capture stream stopped", recorderlog.Error(err))
	s.publish(err)
	go func() {
		if err := s.StopCapture(context.Background()); err != nil {
			s.logger.Warn("Failed to stop capture after stream error", recorderlog.Error(err))
		}
	}()
}

// intake forwards one kind's queue to the frame handler.
func (s *Service) intake(ctx context.Context, in chan *media.Frame) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-in:
			select {
			case s.handle <- f:
			case <-ctx.Done():
				f.Release()
				return
			}
		}
	}
}

// frameHandler submits frames to the running encoder session, or releases
// them while no recording is running.
func (s *Service) frameHandler(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.handle:
			s.handleFrame(f)
		}
	}
}

func (s *Service) handleFrame(f *media.Frame) {
	rec := s.rec.Load()
	if rec == nil {
		f.Release()
		return
	}

	var err error
	if f.Kind == media.KindVideo {
		err = rec.session.SubmitVideoFrame(f)
	} else {
		err = rec.session.SubmitAudioFrame(f)
	}
	if err == nil {
		s.metrics.FramesProcessed.Add(1)
		return
	}

	if encoder.IsFatal(err) {
		go s.failRecording(rec, err)
		return
	}
	s.metrics.FramesDropped.Add(1)
	s.publish(err)
}

// drain releases frames left in the queues after the workers exit.
func (s *Service) drain() {
	for _, ch := range []chan *media.Frame{s.videoIn, s.audioIn, s.handle} {
		for {
			select {
			case f := <-ch:
				f.Release()
				continue
			default:
			}
			break
		}
	}
}
