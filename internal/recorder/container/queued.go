package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

// queuedWriter accepts samples without blocking and writes them on a single
// drain goroutine in append order.
type queuedWriter struct {
	kind   Kind
	format format
	out    *output
	depth  [2]int

	mu       sync.Mutex
	queue    []*media.Frame
	pending  [2]int
	finished [2]bool
	lastPTS  [2]time.Duration
	seen     [2]bool
	started  bool
	origin   time.Duration
	zero     time.Duration
	zeroSet  bool
	status   Status
	failErr  error
	readyCh  chan struct{}

	wake    chan struct{}
	stopped chan struct{}
	closing bool

	// written by the drain goroutine, read after it exits
	samples [2]uint64
	endPTS  time.Duration

	startedAt time.Time
}

func newQueuedWriter(kind Kind, f format, out *output, opts Options) *queuedWriter {
	w := &queuedWriter{
		kind:      kind,
		format:    f,
		out:       out,
		depth:     [2]int{opts.VideoQueueDepth, opts.AudioQueueDepth},
		status:    StatusWriting,
		readyCh:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		startedAt: time.Now(),
	}
	go w.drain()
	return w
}

func idx(k media.Kind) int {
	if k == media.KindAudio {
		return 1
	}
	return 0
}

func (w *queuedWriter) StartSession(origin time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failErr != nil {
		return w.failErr
	}
	if w.started {
		return nil
	}
	w.started = true
	w.origin = origin
	return nil
}

func (w *queuedWriter) IsReadyForMoreData(kind media.Kind) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readyLocked(idx(kind))
}

func (w *queuedWriter) readyLocked(i int) bool {
	return w.failErr == nil && w.status == StatusWriting && !w.finished[i] && w.pending[i] < w.depth[i]
}

func (w *queuedWriter) ReadinessChanged() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readyCh
}

// notifyLocked wakes every ReadinessChanged waiter.
func (w *queuedWriter) notifyLocked() {
	close(w.readyCh)
	w.readyCh = make(chan struct{})
}

func (w *queuedWriter) Append(f *media.Frame) error {
	if f == nil {
		return errors.New("nil sample")
	}
	i := idx(f.Kind)

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.failErr != nil:
		return w.failErr
	case !w.started:
		return ErrSessionNotStarted
	case w.finished[i] || w.status != StatusWriting:
		return ErrTrackFinished
	case w.pending[i] >= w.depth[i]:
		return ErrNotReady
	}

	if !w.zeroSet {
		w.zero, w.zeroSet = f.PTS, true
	}
	if f.PTS < w.zero {
		return fmt.Errorf("%w: %v < %v", ErrBeforeTimeZero, f.PTS, w.zero)
	}
	if w.seen[i] && f.PTS < w.lastPTS[i] {
		return fmt.Errorf("%w: %s %v after %v", ErrNonMonotonic, f.Kind, f.PTS, w.lastPTS[i])
	}
	w.seen[i] = true
	w.lastPTS[i] = f.PTS

	w.queue = append(w.queue, f)
	w.pending[i]++
	if w.pending[i] == w.depth[i] {
		w.notifyLocked()
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *queuedWriter) MarkAsFinished(kind media.Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := idx(kind)
	if !w.finished[i] {
		w.finished[i] = true
		w.notifyLocked()
	}
}

func (w *queuedWriter) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *queuedWriter) drain() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			if w.closing {
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			<-w.wake
			w.mu.Lock()
		}
		f := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		failed := w.failErr != nil
		zero := w.zero
		w.mu.Unlock()

		var err error
		if !failed {
			err = w.format.writeSample(f, f.PTS-zero)
		}

		w.mu.Lock()
		i := idx(f.Kind)
		wasReady := w.readyLocked(i)
		w.pending[i]--
		if err != nil && w.failErr == nil {
			w.failErr = fmt.Errorf("%w: %w", ErrWriterFailed, err)
			w.status = StatusFailed
		}
		if !failed && err == nil {
			w.samples[i]++
			if end := f.PTS + f.Duration; end > w.endPTS {
				w.endPTS = end
			}
		}
		if wasReady != w.readyLocked(i) || err != nil {
			w.notifyLocked()
		}
		w.mu.Unlock()
	}
}

func (w *queuedWriter) Finish(ctx context.Context) (*Info, error) {
	w.mu.Lock()
	if w.status != StatusWriting && w.status != StatusFailed {
		w.mu.Unlock()
		return nil, fmt.Errorf("finish called twice (status %s)", w.status)
	}
	failed := w.failErr
	if failed == nil {
		w.status = StatusFinalizing
	}
	w.finished = [2]bool{true, true}
	w.closing = true
	w.notifyLocked()
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}

	select {
	case <-w.stopped:
	case <-ctx.Done():
		w.fail(ctx.Err())
		w.out.abort()
		return nil, fmt.Errorf("%w: finalize interrupted: %w", ErrWriterFailed, ctx.Err())
	}

	// The drain goroutine has exited; its state is ours now.
	w.mu.Lock()
	failed = w.failErr
	w.mu.Unlock()
	if failed != nil {
		_ = w.format.close(ctx)
		w.out.abort()
		return nil, failed
	}

	if err := w.format.close(ctx); err != nil {
		w.fail(err)
		w.out.abort()
		return nil, fmt.Errorf("%w: %w", ErrWriterFailed, err)
	}
	checksum, err := w.out.commit()
	if err != nil {
		w.fail(err)
		return nil, fmt.Errorf("%w: %w", ErrWriterFailed, err)
	}

	w.mu.Lock()
	w.status = StatusCompleted
	info := &Info{
		Path:         w.out.FilePath,
		Container:    w.kind,
		Size:         w.out.Size(),
		Checksum:     checksum,
		Origin:       w.origin,
		TimeZero:     w.zero,
		VideoSamples: w.samples[0],
		AudioSamples: w.samples[1],
		StartedAt:    w.startedAt,
		FinishedAt:   time.Now(),
	}
	if w.zeroSet && w.endPTS > w.zero {
		info.Duration = w.endPTS - w.zero
	}
	w.mu.Unlock()
	return info, nil
}

func (w *queuedWriter) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failErr == nil {
		w.failErr = fmt.Errorf("%w: %w", ErrWriterFailed, err)
	}
	w.status = StatusFailed
}
