package buffer

import (
	"errors"
	"fmt"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

var (
	// ErrKindMismatch is returned when a frame is written to the buffer of the other media kind.
	ErrKindMismatch = errors.New("frame kind does not match buffer")
	// ErrTimestampRegression is returned when a frame is older than the newest buffered frame.
	ErrTimestampRegression = errors.New("frame timestamp precedes newest buffered frame")
)

const defaultCapacity = 64

// ReplayBuffer holds the most recent window of compressed frames of one
// media kind. Frames are stored in a circular slice addressed through a
// logical head so eviction never shifts elements.
//
// ReplayBuffer is not safe for concurrent use. It is owned by a single
// goroutine (see Replay).
type ReplayBuffer struct {
	kind   media.Kind
	window time.Duration

	frames []*media.Frame
	head   int
	size   int

	// Metrics
	totalWrites uint64
	evicted     uint64
	grown       uint64
}

// NewReplayBuffer creates a buffer retaining at most window of media.
// capacityHint pre-sizes the circular slice; it grows on demand.
func NewReplayBuffer(kind media.Kind, window time.Duration, capacityHint int) *ReplayBuffer {
	if capacityHint <= 0 {
		capacityHint = defaultCapacity
	}
	return &ReplayBuffer{
		kind:   kind,
		window: window,
		frames: make([]*media.Frame, capacityHint),
	}
}

// Write appends f. Frames at the head are evicted while the span between f
// and the head exceeds the window, before f is inserted.
func (rb *ReplayBuffer) Write(f *media.Frame) error {
	if f == nil {
		return fmt.Errorf("cannot write nil frame")
	}
	if f.Kind != rb.kind {
		return fmt.Errorf("%w: buffer %s, frame %s", ErrKindMismatch, rb.kind, f.Kind)
	}
	if rb.size > 0 {
		if newest := rb.at(rb.size - 1); f.PTS < newest.PTS {
			return fmt.Errorf("%w: %v < %v", ErrTimestampRegression, f.PTS, newest.PTS)
		}
	}

	for rb.size > 0 && f.PTS-rb.frames[rb.head].PTS > rb.window {
		rb.evictHead()
	}

	if rb.size == len(rb.frames) {
		rb.grow()
	}
	rb.frames[(rb.head+rb.size)%len(rb.frames)] = f
	rb.size++
	rb.totalWrites++
	return nil
}

func (rb *ReplayBuffer) evictHead() {
	old := rb.frames[rb.head]
	rb.frames[rb.head] = nil
	rb.head = (rb.head + 1) % len(rb.frames)
	rb.size--
	rb.evicted++
	old.Release()
}

// grow doubles capacity and re-linearises so the head sits at index 0.
func (rb *ReplayBuffer) grow() {
	next := make([]*media.Frame, len(rb.frames)*2)
	for i := 0; i < rb.size; i++ {
		next[i] = rb.at(i)
	}
	rb.frames = next
	rb.head = 0
	rb.grown++
}

func (rb *ReplayBuffer) at(i int) *media.Frame {
	return rb.frames[(rb.head+i)%len(rb.frames)]
}

// SampleAt returns the frame at logical position i, where 0 is the oldest.
func (rb *ReplayBuffer) SampleAt(i int) (*media.Frame, bool) {
	if i < 0 || i >= rb.size {
		return nil, false
	}
	return rb.at(i), true
}

// FirstNonKeyframe scans from the oldest frame and returns the first one
// that is not a sync sample. It reports false when every buffered frame is
// a sync sample.
func (rb *ReplayBuffer) FirstNonKeyframe() (*media.Frame, bool) {
	for i := 0; i < rb.size; i++ {
		if f := rb.at(i); !f.IsSync() {
			return f, true
		}
	}
	return nil, false
}

// Oldest returns the frame at the logical head.
func (rb *ReplayBuffer) Oldest() (*media.Frame, bool) { return rb.SampleAt(0) }

// Newest returns the most recently written frame.
func (rb *ReplayBuffer) Newest() (*media.Frame, bool) { return rb.SampleAt(rb.size - 1) }

// Len returns the number of buffered frames.
func (rb *ReplayBuffer) Len() int { return rb.size }

// Capacity returns the current size of the circular slice.
func (rb *ReplayBuffer) Capacity() int { return len(rb.frames) }

// Kind returns the media kind held by the buffer.
func (rb *ReplayBuffer) Kind() media.Kind { return rb.kind }

// Window returns the configured retention window.
func (rb *ReplayBuffer) Window() time.Duration { return rb.window }

// Span returns the timestamp distance between the newest and oldest frame.
func (rb *ReplayBuffer) Span() time.Duration {
	if rb.size < 2 {
		return 0
	}
	return rb.at(rb.size-1).PTS - rb.at(0).PTS
}

// Frames returns the buffered frames from oldest to newest. The slice is a
// copy; the frames are shared.
func (rb *ReplayBuffer) Frames() []*media.Frame {
	out := make([]*media.Frame, rb.size)
	for i := range out {
		out[i] = rb.at(i)
	}
	return out
}

// Reset drops every buffered frame.
func (rb *ReplayBuffer) Reset() {
	for i := 0; i < rb.size; i++ {
		idx := (rb.head + i) % len(rb.frames)
		rb.frames[idx].Release()
		rb.frames[idx] = nil
	}
	rb.head = 0
	rb.size = 0
}

// Metrics returns buffer statistics
func (rb *ReplayBuffer) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"kind":         rb.kind.String(),
		"capacity":     len(rb.frames),
		"current_size": rb.size,
		"span":         rb.Span().String(),
		"total_writes": rb.totalWrites,
		"evicted":      rb.evicted,
		"grown":        rb.grown,
	}
}
