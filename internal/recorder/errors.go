package recorder

import (
	"errors"
	"fmt"
)

// ErrReplayBufferIsNil is returned by SaveReplayBuffer when no replay
// recording is running.
var ErrReplayBufferIsNil = errors.New("replay buffer is nil")

// ErrInsufficientDiskSpace is returned by StartRecording when the output
// directory is below the configured free space.
var ErrInsufficientDiskSpace = errors.New("insufficient disk space")

// RecordingFailedError reports a recording that ended on a fatal error.
// Capture continues after it.
type RecordingFailedError struct {
	ID   string
	Mode Mode
	Err  error
}

func (e *RecordingFailedError) Error() string {
	return fmt.Sprintf("%s recording %s failed: %v", e.Mode, e.ID, e.Err)
}

func (e *RecordingFailedError) Unwrap() error { return e.Err }
