package encoder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Output receives what a Session produces. In direct mode it is the muxer,
// in replay mode the replay buffers.
type Output interface {
	// SessionStarted is called exactly once, with the PTS of the first
	// successfully compressed video frame, before any sample is written.
	SessionStarted(origin time.Duration) error
	// WriteVideo and WriteAudio may be called from compressor completions
	// and must not block.
	WriteVideo(f *media.Frame)
	WriteAudio(f *media.Frame)
}

const (
	defaultStartTimeout = 5 * time.Second
	errorBacklog        = 32
)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l recorderlog.Logger) SessionOption {
	return func(s *Session) { s.logger = recorderlog.OrNop(l).Named("encoder") }
}

// WithFactory overrides the registry lookup for the compressor.
func WithFactory(f Factory) SessionOption {
	return func(s *Session) { s.factory = f }
}

// WithStartTimeout bounds how long the first frame may take to compress.
func WithStartTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

// Session owns one compressor for the duration of a recording.
//
// Submissions hold a read lock for their duration; Stop flips the state
// first so later submissions drop, then takes the write lock to wait out
// those already in flight before flushing.
type Session struct {
	out          Output
	logger       recorderlog.Logger
	factory      Factory
	startTimeout time.Duration

	cfg        Config
	compressor Compressor
	transfer   PixelTransfer
	configured bool

	state    atomic.Int32
	starting atomic.Bool
	mu       sync.RWMutex
	release  sync.Once

	kfMu       sync.Mutex
	sinceKey   int
	lastKeyPTS time.Duration

	errs chan error

	// Metrics
	framesSubmitted atomic.Uint64
	framesEncoded   atomic.Uint64
	audioForwarded  atomic.Uint64
	droppedFrames   atomic.Uint64
	keyFrames       atomic.Uint64
	bytesEncoded    atomic.Uint64
	lastFrameSize   atomic.Int64
	encodingNanos   atomic.Int64
}

// NewSession creates an idle session writing to out.
func NewSession(out Output, opts ...SessionOption) *Session {
	s := &Session{
		out:          out,
		logger:       recorderlog.Nop(),
		startTimeout: defaultStartTimeout,
		errs:         make(chan error, errorBacklog),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Errors reports non-fatal failures while the session is active. Entries
// are dropped when nobody drains the channel.
func (s *Session) Errors() <-chan error { return s.errs }

// Configure opens the compressor and, when the capture format differs from
// the encoder input, a pixel transfer. Allowed only once, while Idle. On
// failure the session is Faulted.
func (s *Session) Configure(cfg Config, capture media.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateIdle || s.configured {
		return fmt.Errorf("%w: configure in state %s", ErrInvalidState, s.State())
	}

	if err := cfg.Validate(); err != nil {
		return s.faultLocked(configError("invalid configuration", err))
	}

	var (
		c   Compressor
		err error
	)
	if s.factory != nil {
		c, err = s.factory(cfg, s.logger)
		if err != nil {
			err = configError("open compressor", err)
		}
	} else {
		c, err = Open(cfg, s.logger)
	}
	if err != nil {
		return s.faultLocked(err)
	}
	s.compressor = c

	if cfg.needsTransfer(capture) {
		t, err := NewSoftwareTransfer(capture, cfg.OutputFormat())
		if err != nil {
			return s.faultLocked(err)
		}
		s.transfer = t
		s.logger.Info("Pixel transfer enabled",
			recorderlog.String("from", fmt.Sprintf("%dx%d %s", capture.Width, capture.Height, capture.PixelFormat)),
			recorderlog.String("to", fmt.Sprintf("%dx%d %s", cfg.Width, cfg.Height, cfg.PixelFormat)))
	}
	if cfg.ColorConversion != "" {
		s.logger.Debug("Color conversion target recorded as track tag only",
			recorderlog.String("target", cfg.ColorConversion))
	}

	s.cfg = cfg
	s.configured = true
	s.logger.Info("Encoder session configured",
		recorderlog.String("codec", string(cfg.Codec)),
		recorderlog.Int("width", cfg.Width),
		recorderlog.Int("height", cfg.Height),
		recorderlog.String("rate_control", string(cfg.RateControl.Mode)),
		recorderlog.Bool("replay", cfg.Replay.Enabled))
	return nil
}

// SubmitVideoFrame compresses a raw video frame. The first submission
// starts the session: it waits for that frame's result before returning and
// opens the output with its timestamp as origin. Submissions racing the
// start get ErrSessionAlreadyActive. Once stopping, frames are dropped
// silently.
func (s *Session) SubmitVideoFrame(f *media.Frame) error {
	if f == nil {
		return errors.New("nil video frame")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.framesSubmitted.Add(1)

	switch st := s.State(); st {
	case StateActive:
		return s.encode(f)
	case StateIdle:
		if !s.configured {
			s.drop(f)
			return ErrNotConfigured
		}
		return s.start(f)
	case StateStarting:
		s.drop(f)
		return &EncoderError{Code: CodeAlreadyActive, Message: "start in progress", Err: ErrSessionAlreadyActive}
	default:
		s.drop(f)
		return nil
	}
}

// SubmitAudioFrame forwards audio to the output. Audio never starts a
// session; frames before the first video frame are dropped.
func (s *Session) SubmitAudioFrame(f *media.Frame) error {
	if f == nil {
		return errors.New("nil audio frame")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.State() != StateActive {
		f.Release()
		return nil
	}
	s.audioForwarded.Add(1)
	s.out.WriteAudio(f)
	return nil
}

func (s *Session) start(f *media.Frame) error {
	if !s.starting.CompareAndSwap(false, true) {
		s.drop(f)
		return &EncoderError{Code: CodeAlreadyActive, Message: "start in progress", Err: ErrSessionAlreadyActive}
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		s.drop(f)
		return nil
	}

	in, err := s.prepare(f)
	if err != nil {
		return s.fault(&EncoderError{Code: CodeInitialFrame, Message: "prepare first frame", Fatal: true,
			Err: fmt.Errorf("%w: %w", ErrInitialFrameNotEncoded, err)})
	}

	type result struct {
		out *media.Frame
		err error
	}
	res := make(chan result, 1)
	began := time.Now()
	s.noteKeyframe(in.PTS)
	err = s.compressor.Encode(in, true, func(out *media.Frame, err error) {
		in.Release()
		res <- result{out, err}
	})
	if err != nil {
		in.Release()
		return s.fault(&EncoderError{Code: CodeInitialFrame, Message: "submit first frame", Fatal: true,
			Err: fmt.Errorf("%w: %w", ErrInitialFrameNotEncoded, err)})
	}

	var r result
	select {
	case r = <-res:
	case <-time.After(s.startTimeout):
		r.err = fmt.Errorf("no result after %v", s.startTimeout)
	}
	if r.err == nil && r.out == nil {
		r.err = errors.New("compressor produced no sample")
	}
	if r.err != nil {
		return s.fault(&EncoderError{Code: CodeInitialFrame, Message: "compress first frame", Fatal: true,
			Err: fmt.Errorf("%w: %w", ErrInitialFrameNotEncoded, r.err)})
	}
	s.account(r.out, time.Since(began))

	if err := s.out.SessionStarted(r.out.PTS); err != nil {
		return s.fault(&EncoderError{Code: CodeOutput, Message: "open output session", Fatal: true, Err: err})
	}
	s.out.WriteVideo(r.out)

	if !s.state.CompareAndSwap(int32(StateStarting), int32(StateActive)) {
		// Stop began while we were starting.
		return nil
	}
	s.logger.Info("Encoder session started",
		recorderlog.Duration("origin", r.out.PTS),
		recorderlog.Duration("first_frame_latency", time.Since(began)))
	return nil
}

func (s *Session) encode(f *media.Frame) error {
	in, err := s.prepare(f)
	if err != nil {
		s.droppedFrames.Add(1)
		return s.report(&EncoderError{Code: CodeEncode, Message: "prepare frame", Err: err})
	}

	force := s.keyframeDue(in.PTS)
	began := time.Now()
	err = s.compressor.Encode(in, force, func(out *media.Frame, err error) {
		in.Release()
		if err != nil {
			s.droppedFrames.Add(1)
			s.report(&EncoderError{Code: CodeEncode, Message: "compress frame", Err: err})
			return
		}
		if out == nil {
			return
		}
		s.account(out, time.Since(began))
		s.out.WriteVideo(out)
	})
	if err != nil {
		in.Release()
		s.droppedFrames.Add(1)
		return s.report(&EncoderError{Code: CodeEncode, Message: "submit frame", Err: err})
	}
	return nil
}

// prepare runs the pixel transfer when one is configured. The returned
// frame is owned by the caller.
func (s *Session) prepare(f *media.Frame) (*media.Frame, error) {
	if s.transfer == nil {
		return f, nil
	}
	out, err := s.transfer.Transfer(f)
	f.Release()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) noteKeyframe(pts time.Duration) {
	s.kfMu.Lock()
	s.sinceKey = 0
	s.lastKeyPTS = pts
	s.kfMu.Unlock()
}

// keyframeDue advances the keyframe schedule by one frame at pts.
func (s *Session) keyframeDue(pts time.Duration) bool {
	s.kfMu.Lock()
	defer s.kfMu.Unlock()

	s.sinceKey++
	due := (s.cfg.KeyframeInterval > 0 && s.sinceKey >= s.cfg.KeyframeInterval) ||
		(s.cfg.KeyframeIntervalDuration > 0 && pts-s.lastKeyPTS >= s.cfg.KeyframeIntervalDuration)
	if due {
		s.sinceKey = 0
		s.lastKeyPTS = pts
	}
	return due
}

func (s *Session) account(out *media.Frame, took time.Duration) {
	s.framesEncoded.Add(1)
	s.bytesEncoded.Add(uint64(len(out.Payload)))
	s.lastFrameSize.Store(int64(len(out.Payload)))
	s.encodingNanos.Add(int64(took))
	if out.Keyframe {
		s.keyFrames.Add(1)
	}
}

func (s *Session) drop(f *media.Frame) {
	s.droppedFrames.Add(1)
	f.Release()
}

// report publishes a non-fatal error without blocking.
func (s *Session) report(err error) error {
	select {
	case s.errs <- err:
	default:
		s.logger.Warn("Encoder error backlog full", recorderlog.Error(err))
	}
	return err
}

func (s *Session) fault(err error) error {
	s.state.Store(int32(StateFaulted))
	s.logger.Error("Encoder session faulted", recorderlog.Error(err))
	return err
}

func (s *Session) faultLocked(err error) error {
	s.fault(err)
	s.releaseResources()
	return err
}

// Stop flushes pending compressor work and closes the session. It is
// idempotent, safe from any state, and safe to call while submissions are
// in flight.
func (s *Session) Stop() error {
	for {
		st := s.State()
		if st == StateStopping || st == StateClosed {
			return nil
		}
		if st == StateFaulted {
			s.mu.Lock()
			s.releaseResources()
			s.mu.Unlock()
			return nil
		}
		if s.state.CompareAndSwap(int32(st), int32(StateStopping)) {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.compressor != nil {
		if err := s.compressor.Flush(); err != nil {
			errs = append(errs, &EncoderError{Code: CodeFlush, Message: "flush compressor", Err: err})
		}
	}
	if err := s.releaseResources(); err != nil {
		errs = append(errs, err)
	}
	s.state.Store(int32(StateClosed))

	s.logger.Info("Encoder session stopped",
		recorderlog.Uint64("frames_encoded", s.framesEncoded.Load()),
		recorderlog.Uint64("frames_dropped", s.droppedFrames.Load()),
		recorderlog.Uint64("bytes", s.bytesEncoded.Load()))
	return errors.Join(errs...)
}

func (s *Session) releaseResources() error {
	var err error
	s.release.Do(func() {
		var errs []error
		if s.transfer != nil {
			errs = append(errs, s.transfer.Close())
		}
		if s.compressor != nil {
			errs = append(errs, s.compressor.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}

// Metrics returns a snapshot of session counters.
func (s *Session) Metrics() *EncoderMetrics {
	return &EncoderMetrics{
		FramesSubmitted: s.framesSubmitted.Load(),
		FramesEncoded:   s.framesEncoded.Load(),
		AudioForwarded:  s.audioForwarded.Load(),
		DroppedFrames:   s.droppedFrames.Load(),
		KeyFrames:       s.keyFrames.Load(),
		BytesEncoded:    s.bytesEncoded.Load(),
		LastFrameSize:   int(s.lastFrameSize.Load()),
		EncodingTime:    time.Duration(s.encodingNanos.Load()),
		State:           s.State(),
	}
}
