// Package recorder coordinates capture, encoding and output. A Service owns
// the frame intake queues and moves between NotCapturing, Capturing and
// Recording; each recording runs one encoder session that writes either
// straight to a container file (direct mode) or into replay buffers that
// are written out on demand (replay mode).
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/replaycap/internal/capture"
	"github.com/mikeyg42/replaycap/internal/config"
	"github.com/mikeyg42/replaycap/internal/observe"
	"github.com/mikeyg42/replaycap/internal/recorder/buffer"
	"github.com/mikeyg42/replaycap/internal/recorder/container"
	"github.com/mikeyg42/replaycap/internal/recorder/encoder"
	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/muxer"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
	"github.com/mikeyg42/replaycap/internal/recorder/storage"
)

// State is the controller state.
type State int32

const (
	StateNotCapturing State = iota
	StateCapturing
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateNotCapturing:
		return "not_capturing"
	case StateCapturing:
		return "capturing"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Mode is fixed when a recording starts.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeReplay Mode = "replay"
)

const (
	errorBacklog = 64
	// maxPooledPayload bounds pooled raw frame buffers (one 4K BGRA frame).
	maxPooledPayload = 64 << 20
)

// Options configure a Service.
type Options struct {
	Config *config.Config
	Source capture.Source
	Logger recorderlog.Logger
	// Metrics may be nil.
	Metrics *observe.Metrics
	// Archiver receives finished files; nil keeps them local only.
	Archiver *storage.Archiver

	// Compressor overrides the codec registry.
	Compressor encoder.Factory
	// NewWriter overrides container.New.
	NewWriter muxer.WriterFactory
	// DiskCheck overrides the free space check run before a recording.
	DiskCheck func(dir string, minMB int64) (availableMB uint64, err error)
}

// Metrics tracks service performance
type Metrics struct {
	FramesReceived    atomic.Uint64
	FramesProcessed   atomic.Uint64
	FramesDropped     atomic.Uint64
	RecordingsStarted atomic.Uint64
	RecordingsEnded   atomic.Uint64
	ReplaySaves       atomic.Uint64
	BytesWritten      atomic.Uint64
	Errors            atomic.Uint64
}

// Service manages the capture and recording pipeline
type Service struct {
	cfg     *config.Config
	source  capture.Source
	logger  recorderlog.Logger
	otel    *observe.Metrics
	archive *storage.Archiver
	opts    Options

	metrics Metrics
	pool    *buffer.PayloadPool

	// Intake queues: one per kind, feeding the frame handler.
	videoIn chan *media.Frame
	audioIn chan *media.Frame
	handle  chan *media.Frame

	errs chan error

	// mu serializes state transitions; readers use state and rec.
	mu    sync.Mutex
	state atomic.Int32
	rec   atomic.Pointer[recording]

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	archives *errgroup.Group
}

// recording is one Recording state: an encoder session plus its output.
type recording struct {
	id      string
	mode    Mode
	started time.Time
	encCfg  encoder.Config

	session *encoder.Session
	muxer   *muxer.Muxer
	replay  *buffer.Replay
	// saving is held shared by each replay save and exclusively while the
	// replay is closed.
	saving sync.RWMutex

	done chan struct{}
	ends sync.Once
}

// New creates a Service in the NotCapturing state.
func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Source == nil {
		return nil, errors.New("capture source is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", encoder.ErrConfiguration, err)
	}
	if opts.DiskCheck == nil {
		opts.DiskCheck = checkDiskSpace
	}
	logger := recorderlog.OrNop(opts.Logger).Named("recorder")

	queue := opts.Config.Recording.IntakeQueueSize
	if queue <= 0 {
		queue = 64
	}
	s := &Service{
		cfg:      opts.Config,
		source:   opts.Source,
		logger:   logger,
		otel:     opts.Metrics,
		archive:  opts.Archiver,
		opts:     opts,
		pool:     buffer.NewPayloadPool(maxPooledPayload, logger),
		videoIn:  make(chan *media.Frame, queue),
		audioIn:  make(chan *media.Frame, queue),
		handle:   make(chan *media.Frame, queue),
		errs:     make(chan error, errorBacklog),
		archives: &errgroup.Group{},
	}
	return s, nil
}

// State returns the controller state.
func (s *Service) State() State { return State(s.state.Load()) }

// Mode returns the mode of the running recording, or "" when not recording.
func (s *Service) Mode() Mode {
	if rec := s.rec.Load(); rec != nil {
		return rec.mode
	}
	return ""
}

// Errors delivers failures that happen off the caller's path: fatal
// recording failures (as *RecordingFailedError), dropped frames and
// encoder errors. Events are dropped when nobody drains the channel.
func (s *Service) Errors() <-chan error { return s.errs }

// StartCapture starts the source and the intake goroutines. Calling it while
// capturing is a no-op.
func (s *Service) StartCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateNotCapturing {
		return nil
	}

	if err := os.MkdirAll(s.cfg.Recording.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if removed, err := container.CleanupStale(s.cfg.Recording.OutputDir, s.cfg.Recording.StaleTempMaxAge); err != nil {
		s.logger.Warn("Failed to clean stale temp files", recorderlog.Error(err))
	} else if len(removed) > 0 {
		s.logger.Info("Removed stale temp files", recorderlog.Int("count", len(removed)))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(4)
	go s.intake(runCtx, s.videoIn)
	go s.intake(runCtx, s.audioIn)
	go s.frameHandler(runCtx)
	go s.metricsReporter(runCtx)

	// Frames may arrive as soon as the source starts.
	s.state.Store(int32(StateCapturing))
	if err := s.source.Start(ctx, s); err != nil {
		s.state.Store(int32(StateNotCapturing))
		s.shutdownWorkers()
		return fmt.Errorf("start capture: %w", err)
	}

	s.logger.Info("Capture started",
		recorderlog.Int("width", s.source.Format().Width),
		recorderlog.Int("height", s.source.Format().Height),
		recorderlog.String("output_dir", s.cfg.Recording.OutputDir))
	return nil
}

// StopCapture ends any recording, stops the source and waits for pending
// archive uploads. Calling it while not capturing is a no-op.
func (s *Service) StopCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateNotCapturing {
		return nil
	}

	var errs []error
	if s.rec.Load() != nil {
		if _, err := s.endRecordingLocked(ctx, "stopped"); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop source: %w", err))
	}
	s.state.Store(int32(StateNotCapturing))
	s.shutdownWorkers()

	if err := s.archives.Wait(); err != nil {
		s.logger.Warn("Archive uploads finished with errors", recorderlog.Error(err))
	}
	s.archives = &errgroup.Group{}

	s.logger.Info("Capture stopped",
		recorderlog.Uint64("frames_received", s.metrics.FramesReceived.Load()),
		recorderlog.Uint64("frames_dropped", s.metrics.FramesDropped.Load()))
	return errors.Join(errs...)
}

func (s *Service) shutdownWorkers() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.drain()
}

// StartRecording starts a recording in the configured mode. Calling it
// while not Capturing is a no-op. Configuration failures are returned and
// leave the service Capturing.
func (s *Service) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateCapturing {
		return nil
	}

	if required := s.cfg.Recording.MinFreeDiskMB; required > 0 {
		avail, err := s.opts.DiskCheck(s.cfg.Recording.OutputDir, required)
		if err != nil {
			return fmt.Errorf("disk space check: %w", err)
		}
		s.logger.Debug("Disk space check passed",
			recorderlog.Uint64("available_mb", avail),
			recorderlog.Int64("required_mb", required))
	}

	rec, err := s.newRecording()
	if err != nil {
		s.metrics.Errors.Add(1)
		s.logger.Error("Failed to start recording", recorderlog.Error(err))
		return err
	}

	s.rec.Store(rec)
	s.state.Store(int32(StateRecording))
	s.metrics.RecordingsStarted.Add(1)
	s.otel.RecordingStarted(ctx, string(rec.mode))

	s.wg.Add(1)
	go s.watchSession(rec)

	s.logger.Info("Recording started",
		recorderlog.String("id", rec.id),
		recorderlog.String("mode", string(rec.mode)),
		recorderlog.String("codec", string(rec.encCfg.Codec)),
		recorderlog.String("container", string(s.cfg.ContainerKind())))
	return nil
}

func (s *Service) newRecording() (*recording, error) {
	encCfg, err := s.cfg.EncoderConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", encoder.ErrConfiguration, err)
	}

	mode := ModeDirect
	if s.cfg.ReplayMode() {
		mode = ModeReplay
	}
	rec := &recording{
		id:      uuid.NewString(),
		mode:    mode,
		started: time.Now(),
		encCfg:  encCfg,
		done:    make(chan struct{}),
	}

	mux, err := muxer.New(muxer.Options{
		Container: s.cfg.ContainerKind(),
		OutputDir: s.cfg.Recording.OutputDir,
		Tracks: container.Tracks{
			Video:     encCfg.OutputFormat(),
			Audio:     s.source.AudioFormat(),
			FrameRate: encCfg.FrameRate,
		},
		RetryInterval:   s.cfg.Recording.RetryInterval,
		MaxRetries:      s.cfg.Recording.MaxRetries,
		VideoQueueDepth: s.cfg.Recording.VideoQueueDepth,
		AudioQueueDepth: s.cfg.Recording.AudioQueueDepth,
		Logger:          s.logger,
		OnError:         s.onMuxerEvent,
		NewWriter:       s.opts.NewWriter,
	})
	if err != nil {
		return nil, err
	}
	rec.muxer = mux

	var out encoder.Output = mux
	if mode == ModeReplay {
		rec.replay = buffer.NewReplay(s.cfg.Recording.ReplayDuration, s.logger)
		rec.replay.Start()
		out = replayOutput{replay: rec.replay}
	}

	sessOpts := []encoder.SessionOption{
		encoder.WithLogger(s.logger),
		encoder.WithStartTimeout(s.cfg.Encoder.StartTimeout),
	}
	if s.opts.Compressor != nil {
		sessOpts = append(sessOpts, encoder.WithFactory(s.opts.Compressor))
	}
	rec.session = encoder.NewSession(countingOutput{next: out, svc: s}, sessOpts...)
	if err := rec.session.Configure(encCfg, s.source.Format()); err != nil {
		if rec.replay != nil {
			rec.replay.Close()
		}
		return nil, err
	}
	return rec, nil
}

// StopRecording ends the running recording. In direct mode the finalized
// file is returned; in replay mode the window is discarded and the result
// is nil. Calling it while not Recording is a no-op.
func (s *Service) StopRecording(ctx context.Context) (*muxer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRecording {
		return nil, nil
	}
	return s.endRecordingLocked(ctx, "stopped")
}

// endRecordingLocked tears down the running recording and returns to
// Capturing. s.mu must be held.
func (s *Service) endRecordingLocked(ctx context.Context, status string) (*muxer.Result, error) {
	rec := s.rec.Swap(nil)
	if rec == nil {
		return nil, nil
	}
	s.state.Store(int32(StateCapturing))
	rec.ends.Do(func() { close(rec.done) })

	var errs []error
	// Stop flushes the compressor; every completion has reached the output
	// once it returns.
	if err := rec.session.Stop(); err != nil {
		errs = append(errs, err)
	}

	var res *muxer.Result
	switch rec.mode {
	case ModeDirect:
		r, err := rec.muxer.Close(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if r != nil {
			res = r
			s.recordOutput(ctx, rec, storage.RecordingDirect, r)
		}
	case ModeReplay:
		rec.saving.Lock()
		rec.replay.Close()
		rec.saving.Unlock()
	}

	s.metrics.RecordingsEnded.Add(1)
	if len(errs) > 0 && status == "stopped" {
		status = "failed"
	}
	s.otel.RecordingEnded(ctx, string(rec.mode), status)

	em := rec.session.Metrics()
	s.logger.Info("Recording ended",
		recorderlog.String("id", rec.id),
		recorderlog.String("mode", string(rec.mode)),
		recorderlog.String("status", status),
		recorderlog.Duration("elapsed", time.Since(rec.started)),
		recorderlog.Uint64("frames_encoded", em.FramesEncoded),
		recorderlog.Uint64("frames_dropped", em.DroppedFrames))
	return res, errors.Join(errs...)
}

// failRecording ends rec after a fatal error and publishes the reason.
// Capture keeps running.
func (s *Service) failRecording(rec *recording, cause error) {
	s.mu.Lock()
	if s.rec.Load() != rec {
		s.mu.Unlock()
		return
	}
	_, err := s.endRecordingLocked(context.Background(), "failed")
	s.mu.Unlock()

	s.metrics.Errors.Add(1)
	ferr := &RecordingFailedError{ID: rec.id, Mode: rec.mode, Err: errors.Join(cause, err)}
	s.logger.Error("Recording failed", recorderlog.String("id", rec.id), recorderlog.Error(ferr))
	s.publish(ferr)
}

// SaveReplayBuffer writes the current replay window to a new file. It fails
// with ErrReplayBufferIsNil unless a replay recording is running. A flush
// that hits the retry limit or an out-of-order frame still returns the
// finalized partial file along with the error. A StopRecording issued
// during a save waits for the file to be finalized.
func (s *Service) SaveReplayBuffer(ctx context.Context) (*muxer.Result, error) {
	rec := s.rec.Load()
	if rec == nil || rec.mode != ModeReplay || rec.replay == nil {
		return nil, ErrReplayBufferIsNil
	}
	rec.saving.RLock()
	defer rec.saving.RUnlock()

	start := time.Now()
	snap, err := rec.replay.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, buffer.ErrReplayClosed) {
			return nil, ErrReplayBufferIsNil
		}
		return nil, err
	}
	before := rec.muxer.Metrics()["retries"].(uint64)

	res, err := rec.muxer.SaveReplayBuffer(ctx, snap)
	retries := rec.muxer.Metrics()["retries"].(uint64) - before

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, muxer.ErrReplayBufferRetryLimitExceeded):
		status = "retry_limit"
	case errors.Is(err, muxer.ErrReplayOutOfOrder):
		status = "out_of_order"
	case errors.Is(err, muxer.ErrReplayEmpty):
		status = "empty"
	default:
		status = "failed"
	}
	s.otel.RecordSave(ctx, status, time.Since(start), int64(retries))

	if res != nil {
		s.metrics.ReplaySaves.Add(1)
		s.recordOutput(ctx, rec, storage.RecordingReplay, res)
	}
	if err != nil && muxer.IsFatal(err) {
		go s.failRecording(rec, err)
	}
	return res, err
}

// recordOutput accounts a finalized file and hands it to the archiver.
func (s *Service) recordOutput(ctx context.Context, rec *recording, typ storage.RecordingType, res *muxer.Result) {
	s.metrics.BytesWritten.Add(uint64(res.Bytes))
	s.otel.AddBytes(ctx, res.Bytes)
	if s.archive == nil {
		return
	}
	meta := s.recordingFor(rec, typ, res)
	s.archives.Go(func() error {
		actx, cancel := context.WithTimeout(context.Background(), s.cfg.Storage.Archive.UploadTimeout)
		defer cancel()
		if err := s.archive.Archive(actx, meta); err != nil {
			s.metrics.Errors.Add(1)
			s.publish(fmt.Errorf("archive %s: %w", meta.LocalPath, err))
			return err
		}
		return nil
	})
}

func (s *Service) publish(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("Error backlog full", recorderlog.Error(err))
	}
}

// onMuxerEvent receives non-fatal muxer events.
func (s *Service) onMuxerEvent(err error) {
	var dropped *muxer.DroppedFrameError
	if errors.As(err, &dropped) {
		s.metrics.FramesDropped.Add(1)
		s.otel.FrameDropped(context.Background(), dropped.Kind.String(), dropped.Reason)
	}
	s.publish(err)
}

// watchSession forwards encoder errors until the recording ends. A fatal
// error ends the recording.
func (s *Service) watchSession(rec *recording) {
	defer s.wg.Done()
	for {
		select {
		case <-rec.done:
			return
		case err := <-rec.session.Errors():
			if encoder.IsFatal(err) {
				go s.failRecording(rec, err)
				return
			}
			s.metrics.Errors.Add(1)
			s.publish(err)
		}
	}
}

// GetMetrics returns a snapshot of service counters.
func (s *Service) GetMetrics() map[string]interface{} {
	m := map[string]interface{}{
		"state":              s.State().String(),
		"frames_received":    s.metrics.FramesReceived.Load(),
		"frames_processed":   s.metrics.FramesProcessed.Load(),
		"frames_dropped":     s.metrics.FramesDropped.Load(),
		"recordings_started": s.metrics.RecordingsStarted.Load(),
		"recordings_ended":   s.metrics.RecordingsEnded.Load(),
		"replay_saves":       s.metrics.ReplaySaves.Load(),
		"bytes_written":      s.metrics.BytesWritten.Load(),
		"errors":             s.metrics.Errors.Load(),
	}
	if rec := s.rec.Load(); rec != nil {
		em := rec.session.Metrics()
		m["encoder_frames"] = em.FramesEncoded
		m["encoder_keyframes"] = em.KeyFrames
		m["encoder_state"] = em.State.String()
		m["muxer"] = rec.muxer.Metrics()
		if rec.replay != nil {
			m["replay"] = rec.replay.Metrics()
		}
	}
	return m
}

// metricsReporter periodically logs metrics
func (s *Service) metricsReporter(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Metrics.ReportInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportMetrics()
		}
	}
}

func (s *Service) reportMetrics() {
	fields := []recorderlog.Field{
		recorderlog.String("state", s.State().String()),
		recorderlog.Uint64("frames_received", s.metrics.FramesReceived.Load()),
		recorderlog.Uint64("frames_processed", s.metrics.FramesProcessed.Load()),
		recorderlog.Uint64("frames_dropped", s.metrics.FramesDropped.Load()),
		recorderlog.Uint64("recordings_started", s.metrics.RecordingsStarted.Load()),
		recorderlog.Uint64("recordings_ended", s.metrics.RecordingsEnded.Load()),
		recorderlog.Uint64("replay_saves", s.metrics.ReplaySaves.Load()),
		recorderlog.Uint64("bytes_written", s.metrics.BytesWritten.Load()),
		recorderlog.Uint64("errors", s.metrics.Errors.Load()),
		recorderlog.Any("payload_pool", s.pool.Metrics()),
	}
	if rec := s.rec.Load(); rec != nil {
		em := rec.session.Metrics()
		fields = append(fields,
			recorderlog.Uint64("encoder_frames", em.FramesEncoded),
			recorderlog.Uint64("encoder_keyframes", em.KeyFrames),
			recorderlog.Uint64("encoder_bytes", em.BytesEncoded))
	}
	s.logger.Info("Recording service metrics", fields...)
}
