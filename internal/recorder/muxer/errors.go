package muxer

import (
	"errors"
	"fmt"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

var (
	// ErrDroppedFrame marks a sample the muxer could not append. Drops are
	// informational and never stop the pipeline.
	ErrDroppedFrame = errors.New("dropped frame")
	// ErrReplayBufferRetryLimitExceeded is returned when a replay flush gave
	// up waiting for a track to accept data. The partial output is still
	// finalized.
	ErrReplayBufferRetryLimitExceeded = errors.New("replay buffer retry limit exceeded")
	// ErrReplayOutOfOrder is returned when a replay flush met a timestamp not
	// strictly after the previous sample of the same kind.
	ErrReplayOutOfOrder = errors.New("replay buffer out of order")
	// ErrMuxerFinalizeFailed is returned when the container reports a failed
	// finalization. It is fatal for the recording.
	ErrMuxerFinalizeFailed = errors.New("muxer finalize failed")
	// ErrReplayEmpty is returned when a save is requested with no video.
	ErrReplayEmpty = errors.New("replay buffer has no video")
)

// DroppedFrameError describes one dropped sample.
type DroppedFrameError struct {
	Kind   media.Kind
	PTS    time.Duration
	Reason string
	Err    error
}

func (e *DroppedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dropped %s frame at %v: %s: %v", e.Kind, e.PTS, e.Reason, e.Err)
	}
	return fmt.Sprintf("dropped %s frame at %v: %s", e.Kind, e.PTS, e.Reason)
}

func (e *DroppedFrameError) Is(target error) bool { return target == ErrDroppedFrame }

func (e *DroppedFrameError) Unwrap() error { return e.Err }

// RetryLimitError reports the track that never became ready.
type RetryLimitError struct {
	Kind     media.Kind
	Attempts int
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("%s track not ready after %d retries", e.Kind, e.Attempts)
}

func (e *RetryLimitError) Unwrap() error { return ErrReplayBufferRetryLimitExceeded }

// FinalizeError carries the container's failure status.
type FinalizeError struct {
	Path string
	Err  error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.Path, e.Err)
}

func (e *FinalizeError) Is(target error) bool { return target == ErrMuxerFinalizeFailed }

func (e *FinalizeError) Unwrap() error { return e.Err }

// IsFatal reports whether err ends the current recording.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMuxerFinalizeFailed)
}
