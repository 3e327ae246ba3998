// Package muxer owns the output container. In direct mode compressed
// samples are appended as they arrive; in replay mode the two replay buffers
// are merged into a fresh file in timestamp order.
package muxer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mikeyg42/replaycap/internal/recorder/buffer"
	"github.com/mikeyg42/replaycap/internal/recorder/container"
	"github.com/mikeyg42/replaycap/internal/recorder/encoder"
	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

const (
	DefaultRetryInterval = 10 * time.Millisecond
	DefaultMaxRetries    = 15
)

// WriterFactory opens a container writer. container.New is the default.
type WriterFactory func(kind container.Kind, tracks container.Tracks, opts container.Options) (container.Writer, error)

// Options configure a Muxer.
type Options struct {
	Container container.Kind
	OutputDir string
	Tracks    container.Tracks

	// RetryInterval is the longest a replay flush waits for a readiness
	// change before re-checking a track. MaxRetries bounds consecutive
	// re-checks of one track.
	RetryInterval time.Duration
	MaxRetries    int

	VideoQueueDepth int
	AudioQueueDepth int

	Logger recorderlog.Logger
	// OnError receives non-fatal events such as dropped frames. It must not
	// block.
	OnError func(error)

	NewWriter WriterFactory
}

func (o *Options) setDefaults() {
	if o.Container == "" {
		o.Container = container.KindMKV
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.NewWriter == nil {
		o.NewWriter = container.New
	}
	if o.OnError == nil {
		o.OnError = func(error) {}
	}
}

// Result describes a finalized output file.
type Result struct {
	Path         string
	Container    container.Kind
	Origin       time.Duration
	TimeZero     time.Duration
	Duration     time.Duration
	VideoSamples uint64
	AudioSamples uint64
	Bytes        int64
	Checksum     string
	// Truncated is set when a replay flush stopped before the end of the
	// buffers.
	Truncated bool
}

func resultFromInfo(info *container.Info) *Result {
	return &Result{
		Path:         info.Path,
		Container:    info.Container,
		Origin:       info.Origin,
		TimeZero:     info.TimeZero,
		Duration:     info.Duration,
		VideoSamples: info.VideoSamples,
		AudioSamples: info.AudioSamples,
		Bytes:        info.Size,
		Checksum:     info.Checksum,
	}
}

// Muxer writes compressed samples into container files. The direct session
// is opened lazily by StartSession; every SaveReplayBuffer call writes its
// own file.
type Muxer struct {
	opts   Options
	logger recorderlog.Logger

	mu     sync.RWMutex
	writer container.Writer
	origin time.Duration

	saveMu sync.Mutex

	// Metrics
	appended atomic.Uint64
	dropped  atomic.Uint64
	retries  atomic.Uint64
	saves    atomic.Uint64
}

// New validates the container against the tracks and returns a Muxer.
// No file is created until a session starts.
func New(opts Options) (*Muxer, error) {
	opts.setDefaults()
	if err := container.CheckCodecs(opts.Container, opts.Tracks); err != nil {
		return nil, fmt.Errorf("%w: %w", encoder.ErrConfiguration, err)
	}
	return &Muxer{
		opts:   opts,
		logger: recorderlog.OrNop(opts.Logger).Named("muxer"),
	}, nil
}

func (m *Muxer) open(prefix string, origin time.Duration) (container.Writer, error) {
	name := fmt.Sprintf("%s-%s-%s", prefix, time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	w, err := m.opts.NewWriter(m.opts.Container, m.opts.Tracks, container.Options{
		Dir:             m.opts.OutputDir,
		Name:            name,
		VideoQueueDepth: m.opts.VideoQueueDepth,
		AudioQueueDepth: m.opts.AudioQueueDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open container: %w", encoder.ErrConfiguration, err)
	}
	if err := w.StartSession(origin); err != nil {
		if _, ferr := w.Finish(context.Background()); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return nil, fmt.Errorf("%w: start container session: %w", encoder.ErrConfiguration, err)
	}
	return w, nil
}

// StartSession opens the direct-mode output at origin. A second call while
// a session is open is a no-op.
func (m *Muxer) StartSession(ctx context.Context, origin time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil {
		return nil
	}
	w, err := m.open("recording", origin)
	if err != nil {
		return err
	}
	m.writer = w
	m.origin = origin
	m.logger.Info("Output session started",
		recorderlog.String("container", string(m.opts.Container)),
		recorderlog.Duration("origin", origin))
	return nil
}

// SendSample appends f to its track when the track is ready. Otherwise the
// frame is dropped and one DroppedFrameError is reported and returned.
// It never blocks.
func (m *Muxer) SendSample(f *media.Frame) error {
	if f == nil {
		return nil
	}
	m.mu.RLock()
	w := m.writer
	var err error
	switch {
	case w == nil:
		err = &DroppedFrameError{Kind: f.Kind, PTS: f.PTS, Reason: "no output session"}
	case !w.IsReadyForMoreData(f.Kind):
		err = &DroppedFrameError{Kind: f.Kind, PTS: f.PTS, Reason: "track not ready"}
	default:
		if aerr := w.Append(f); aerr != nil {
			err = &DroppedFrameError{Kind: f.Kind, PTS: f.PTS, Reason: "append rejected", Err: aerr}
		}
	}
	m.mu.RUnlock()

	if err != nil {
		m.dropped.Add(1)
		f.Release()
		m.logger.Debug("Dropped frame",
			recorderlog.String("kind", f.Kind.String()),
			recorderlog.Duration("pts", f.PTS),
			recorderlog.Error(err))
		m.opts.OnError(err)
		return err
	}
	m.appended.Add(1)
	return nil
}

// SessionStarted, WriteVideo and WriteAudio let the Muxer serve as the
// encoder's output in direct mode.
func (m *Muxer) SessionStarted(origin time.Duration) error {
	return m.StartSession(context.Background(), origin)
}

func (m *Muxer) WriteVideo(f *media.Frame) { _ = m.SendSample(f) }

func (m *Muxer) WriteAudio(f *media.Frame) { _ = m.SendSample(f) }

// Close marks the direct session's tracks finished and finalizes the file.
// It returns nil, nil when no session was opened.
func (m *Muxer) Close(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	w := m.writer
	m.writer = nil
	m.mu.Unlock()
	if w == nil {
		return nil, nil
	}

	w.MarkAsFinished(media.KindVideo)
	w.MarkAsFinished(media.KindAudio)
	res, err := m.finish(ctx, w)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Output finalized",
		recorderlog.String("path", res.Path),
		recorderlog.Uint64("video_samples", res.VideoSamples),
		recorderlog.Uint64("audio_samples", res.AudioSamples),
		recorderlog.Duration("duration", res.Duration))
	return res, nil
}

func (m *Muxer) finish(ctx context.Context, w container.Writer) (*Result, error) {
	info, err := w.Finish(ctx)
	if err != nil {
		var path string
		if info != nil {
			path = info.Path
		}
		return nil, &FinalizeError{Path: path, Err: err}
	}
	return resultFromInfo(info), nil
}

// SaveReplayBuffer writes snap into a fresh file. Video and audio are merged
// by timestamp, video first on ties. A track that stays not-ready for
// MaxRetries consecutive re-checks aborts the flush; a timestamp that does
// not advance within its kind halts it. In both cases the partial file is
// finalized, returned with Truncated set, and the cause is returned as the
// error.
func (m *Muxer) SaveReplayBuffer(ctx context.Context, snap *buffer.Snapshot) (*Result, error) {
	if snap == nil || len(snap.Video) == 0 || !snap.HasSeed {
		return nil, ErrReplayEmpty
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	start := time.Now()
	w, err := m.open("replay", snap.Seed)
	if err != nil {
		return nil, err
	}

	flushErr := m.merge(ctx, w, snap)

	w.MarkAsFinished(media.KindVideo)
	w.MarkAsFinished(media.KindAudio)
	res, err := m.finish(context.WithoutCancel(ctx), w)
	if err != nil {
		if flushErr != nil {
			return nil, errors.Join(err, flushErr)
		}
		return nil, err
	}
	res.Truncated = flushErr != nil
	m.saves.Add(1)

	fields := []recorderlog.Field{
		recorderlog.String("path", res.Path),
		recorderlog.Duration("seed", snap.Seed),
		recorderlog.Uint64("video_samples", res.VideoSamples),
		recorderlog.Uint64("audio_samples", res.AudioSamples),
		recorderlog.Duration("elapsed", time.Since(start)),
	}
	if flushErr != nil {
		m.logger.Warn("Replay saved partially", append(fields, recorderlog.Error(flushErr))...)
		return res, flushErr
	}
	m.logger.Info("Replay saved", fields...)
	return res, nil
}

// merge appends both frame lists to w in timestamp order.
func (m *Muxer) merge(ctx context.Context, w container.Writer, snap *buffer.Snapshot) error {
	var (
		vi, ai   int
		last     [2]time.Duration
		haveLast [2]bool
	)
	for vi < len(snap.Video) || ai < len(snap.Audio) {
		var f *media.Frame
		if ai >= len(snap.Audio) || vi < len(snap.Video) && snap.Video[vi].PTS <= snap.Audio[ai].PTS {
			f = snap.Video[vi]
			vi++
		} else {
			f = snap.Audio[ai]
			ai++
		}

		k := 0
		if f.Kind == media.KindAudio {
			k = 1
		}
		if haveLast[k] && f.PTS <= last[k] {
			return fmt.Errorf("%w: %s frame at %v after %v", ErrReplayOutOfOrder, f.Kind, f.PTS, last[k])
		}

		if err := m.waitReady(ctx, w, f.Kind); err != nil {
			return err
		}
		if err := w.Append(f); err != nil {
			return fmt.Errorf("append %s frame at %v: %w", f.Kind, f.PTS, err)
		}
		last[k], haveLast[k] = f.PTS, true
	}
	return nil
}

// waitReady blocks until kind is ready on w. Each wake-up (readiness change
// or interval elapsed) that finds the track still not ready counts as one
// retry.
func (m *Muxer) waitReady(ctx context.Context, w container.Writer, kind media.Kind) error {
	var b backoff.BackOff = backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.RetryInterval), uint64(m.opts.MaxRetries))
	attempts := 0
	for {
		changed := w.ReadinessChanged()
		if w.IsReadyForMoreData(kind) {
			return nil
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return &RetryLimitError{Kind: kind, Attempts: attempts}
		}
		attempts++
		m.retries.Add(1)

		timer := time.NewTimer(next)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// Active reports whether a direct session is open.
func (m *Muxer) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writer != nil
}

// Metrics returns muxer statistics
func (m *Muxer) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"appended": m.appended.Load(),
		"dropped":  m.dropped.Load(),
		"retries":  m.retries.Load(),
		"saves":    m.saves.Load(),
	}
}
