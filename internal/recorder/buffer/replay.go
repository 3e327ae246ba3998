package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// ErrReplayClosed is returned by operations on a Replay that has been closed.
var ErrReplayClosed = errors.New("replay buffer closed")

// Snapshot is an ordered copy of both replay buffers taken on the owner
// goroutine. Its frames belong to the snapshot: later eviction, Reset or
// Close of the buffers does not touch them.
type Snapshot struct {
	Video []*media.Frame
	Audio []*media.Frame

	// Seed is the timestamp a replay output session starts at: the video
	// buffer's first non-keyframe, or its oldest frame when none qualifies.
	Seed    time.Duration
	HasSeed bool
}

// Len returns the total number of frames in the snapshot.
func (s *Snapshot) Len() int { return len(s.Video) + len(s.Audio) }

// Replay owns the video and audio ReplayBuffers on a single goroutine.
// Producers never touch the buffers: they Stage frames into a side queue
// that the owner drains in arrival order. Readers run closures on the
// owner through Do.
type Replay struct {
	video  *ReplayBuffer
	audio  *ReplayBuffer
	logger recorderlog.Logger

	mu     sync.Mutex
	staged []*media.Frame
	wake   chan struct{}

	reqs   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	running atomic.Bool
	closed  atomic.Bool

	// Metrics
	stagedCount atomic.Uint64
	written     atomic.Uint64
	rejected    atomic.Uint64
}

// NewReplay creates the replay owner for a window of the given length.
func NewReplay(window time.Duration, logger recorderlog.Logger) *Replay {
	return &Replay{
		video:  NewReplayBuffer(media.KindVideo, window, defaultCapacity),
		audio:  NewReplayBuffer(media.KindAudio, window, defaultCapacity),
		logger: recorderlog.OrNop(logger).Named("replay"),
		wake:   make(chan struct{}, 1),
		reqs:   make(chan func()),
		stopCh: make(chan struct{}),
	}
}

// Start launches the owner goroutine.
func (r *Replay) Start() {
	if r.closed.Load() || !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Close stops the owner goroutine and drops every buffered frame.
func (r *Replay) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	for _, f := range r.staged {
		f.Release()
	}
	r.staged = nil
	r.mu.Unlock()

	r.video.Reset()
	r.audio.Reset()
}

// Stage queues f for the owner goroutine. It never blocks and may be called
// from any goroutine, including compressor completions.
func (r *Replay) Stage(f *media.Frame) {
	if f == nil || r.closed.Load() {
		return
	}
	r.mu.Lock()
	r.staged = append(r.staged, f)
	r.mu.Unlock()
	r.stagedCount.Add(1)

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the owner goroutine after all frames staged so far have been
// written, and waits for it to return.
func (r *Replay) Do(ctx context.Context, fn func(video, audio *ReplayBuffer)) error {
	if r.closed.Load() {
		return ErrReplayClosed
	}
	done := make(chan struct{})
	req := func() {
		defer close(done)
		fn(r.video, r.audio)
	}

	select {
	case r.reqs <- req:
	case <-r.stopCh:
		return ErrReplayClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted the closure runs to completion; wait for it regardless
	// of ctx so fn never outlives the call.
	<-done
	return nil
}

// Snapshot drains staged frames and returns ordered copies of both buffers.
// Pooled frames are copied out so the owner can keep evicting while the
// snapshot is written.
func (r *Replay) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	err := r.Do(ctx, func(video, audio *ReplayBuffer) {
		snap.Video = detach(video.Frames())
		snap.Audio = detach(audio.Frames())
		if f, ok := video.FirstNonKeyframe(); ok {
			snap.Seed, snap.HasSeed = f.PTS, true
		} else if f, ok := video.Oldest(); ok {
			snap.Seed, snap.HasSeed = f.PTS, true
		}
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func detach(frames []*media.Frame) []*media.Frame {
	for i, f := range frames {
		frames[i] = f.Detached()
	}
	return frames
}

// Reset clears both buffers on the owner goroutine.
func (r *Replay) Reset(ctx context.Context) error {
	return r.Do(ctx, func(video, audio *ReplayBuffer) {
		video.Reset()
		audio.Reset()
	})
}

func (r *Replay) run() {
	defer r.wg.Done()
	r.logger.Debug("Replay owner started",
		recorderlog.Duration("window", r.video.Window()))

	for {
		select {
		case <-r.stopCh:
			r.drain()
			return
		case <-r.wake:
			r.drain()
		case req := <-r.reqs:
			r.drain()
			req()
		}
	}
}

// drain writes staged frames in arrival order.
func (r *Replay) drain() {
	r.mu.Lock()
	batch := r.staged
	r.staged = nil
	r.mu.Unlock()

	for _, f := range batch {
		rb := r.video
		if f.Kind == media.KindAudio {
			rb = r.audio
		}
		if err := rb.Write(f); err != nil {
			r.rejected.Add(1)
			r.logger.Warn("Rejected replay frame",
				recorderlog.String("kind", f.Kind.String()),
				recorderlog.Duration("pts", f.PTS),
				recorderlog.Error(err))
			f.Release()
			continue
		}
		r.written.Add(1)
	}
}

// Metrics returns replay statistics
func (r *Replay) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"staged":   r.stagedCount.Load(),
		"written":  r.written.Load(),
		"rejected": r.rejected.Load(),
	}
}
