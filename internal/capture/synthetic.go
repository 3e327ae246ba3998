package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

// AudioChunk is the duration of one synthetic audio frame.
const AudioChunk = 20 * time.Millisecond

// ErrAlreadyRunning is returned by Start on a running source.
var ErrAlreadyRunning = errors.New("source already running")

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	Width     int
	Height    int
	FrameRate float64

	// Audio is 16-bit little-endian PCM; SampleRate zero disables it.
	SampleRate int
	Channels   int
	ToneHz     float64

	Clock  *media.Clock
	Logger recorderlog.Logger
}

// SyntheticStats tracks delivered frames.
type SyntheticStats struct {
	VideoFrames   int64
	AudioFrames   int64
	LastFrameTime time.Time
}

// Synthetic draws a moving bar test pattern in BGRA and a sine tone.
type Synthetic struct {
	cfg    SyntheticConfig
	clock  *media.Clock
	logger recorderlog.Logger

	mu  sync.Mutex
	run *syntheticRun

	isRunning atomic.Bool

	stats struct {
		videoFrames   atomic.Int64
		audioFrames   atomic.Int64
		lastFrameTime atomic.Value // time.Time
	}
}

// syntheticRun is the state of one Start/Stop cycle.
type syntheticRun struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sink   Sink
	once   sync.Once
}

// NewSynthetic creates a source with the given configuration.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 360
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.SampleRate > 0 && cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = 440
	}
	clock := cfg.Clock
	if clock == nil {
		clock = media.NewClock()
	}
	s := &Synthetic{
		cfg:    cfg,
		clock:  clock,
		logger: recorderlog.OrNop(cfg.Logger).Named("synthetic-source"),
	}
	s.stats.lastFrameTime.Store(time.Time{})
	return s
}

func (s *Synthetic) Format() media.Format {
	return media.Format{
		Codec:       media.CodecRaw,
		PixelFormat: media.PixelBGRA,
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		Stride:      s.cfg.Width * 4,
		BitDepth:    8,
		Color: media.ColorTags{
			Primaries: media.PrimariesBT709,
			Transfer:  media.TransferSRGB,
			Matrix:    media.MatrixUntagged,
		},
	}
}

func (s *Synthetic) AudioFormat() media.Format {
	if s.cfg.SampleRate <= 0 {
		return media.Format{}
	}
	return media.Format{
		Codec:         media.CodecPCM,
		SampleRate:    s.cfg.SampleRate,
		Channels:      s.cfg.Channels,
		BitsPerSample: 16,
	}
}

// Start begins delivering frames to sink until Stop is called or ctx ends.
func (s *Synthetic) Start(ctx context.Context, sink Sink) error {
	if sink == nil {
		return errors.New("nil sink")
	}
	if !s.isRunning.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &syntheticRun{cancel: cancel, sink: sink}
	s.mu.Lock()
	s.run = run
	s.mu.Unlock()

	s.logger.Info("Starting synthetic capture",
		recorderlog.Int("width", s.cfg.Width),
		recorderlog.Int("height", s.cfg.Height),
		recorderlog.Float64("fps", s.cfg.FrameRate),
		recorderlog.Int("sample_rate", s.cfg.SampleRate))

	run.wg.Add(1)
	go s.videoLoop(runCtx, run)
	if s.cfg.SampleRate > 0 {
		run.wg.Add(1)
		go s.audioLoop(runCtx, run)
	}

	// Parent cancellation stops the source on its own.
	go func() {
		<-runCtx.Done()
		run.wg.Wait()
		s.stopped(run, context.Cause(runCtx))
	}()
	return nil
}

// Stop halts delivery and waits for the delivery goroutines to exit.
func (s *Synthetic) Stop() error {
	if !s.isRunning.Load() {
		return nil
	}
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	run.cancel()

	done := make(chan struct{})
	go func() {
		run.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Stop timeout waiting for delivery goroutines")
	}
	s.stopped(run, nil)
	return nil
}

func (s *Synthetic) stopped(run *syntheticRun, err error) {
	run.once.Do(func() {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.isRunning.Store(false)
		run.sink.StreamStopped(err)
		s.logger.Info("Synthetic capture stopped",
			recorderlog.Int64("video_frames", s.stats.videoFrames.Load()),
			recorderlog.Int64("audio_frames", s.stats.audioFrames.Load()))
	})
}

// IsRunning reports whether frames are being delivered.
func (s *Synthetic) IsRunning() bool { return s.isRunning.Load() }

// GetStats returns delivery counters.
func (s *Synthetic) GetStats() SyntheticStats {
	last, _ := s.stats.lastFrameTime.Load().(time.Time)
	return SyntheticStats{
		VideoFrames:   s.stats.videoFrames.Load(),
		AudioFrames:   s.stats.audioFrames.Load(),
		LastFrameTime: last,
	}
}

func (s *Synthetic) videoLoop(ctx context.Context, run *syntheticRun) {
	defer run.wg.Done()

	interval := time.Duration(float64(time.Second) / s.cfg.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	format := s.Format()
	// The payload is lent to the sink, so one buffer is reused.
	payload := make([]byte, format.Stride*format.Height)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drawPattern(payload, format.Width, format.Height, format.Stride, seq)
			run.sink.DeliverVideoFrame(&media.Frame{
				Kind:     media.KindVideo,
				PTS:      s.clock.Now(),
				Duration: interval,
				Payload:  payload,
				Format:   format,
				Sequence: seq,
			})
			seq++
			s.stats.videoFrames.Add(1)
			s.stats.lastFrameTime.Store(time.Now())
		}
	}
}

func (s *Synthetic) audioLoop(ctx context.Context, run *syntheticRun) {
	defer run.wg.Done()

	ticker := time.NewTicker(AudioChunk)
	defer ticker.Stop()

	format := s.AudioFormat()
	samples := s.cfg.SampleRate * int(AudioChunk) / int(time.Second)
	payload := make([]byte, samples*s.cfg.Channels*2)
	var seq, phase uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			phase = fillTone(payload, s.cfg.Channels, s.cfg.SampleRate, s.cfg.ToneHz, phase)
			run.sink.DeliverAudioFrame(&media.Frame{
				Kind:     media.KindAudio,
				PTS:      s.clock.Now(),
				Duration: AudioChunk,
				Payload:  payload,
				Format:   format,
				Sequence: seq,
			})
			seq++
			s.stats.audioFrames.Add(1)
		}
	}
}

// drawPattern paints eight vertical color bars with a white bar sweeping
// across them, one column step per frame.
func drawPattern(buf []byte, width, height, stride int, frame uint64) {
	bars := [8][3]byte{ // B, G, R
		{255, 255, 255}, {0, 255, 255}, {255, 255, 0}, {0, 255, 0},
		{255, 0, 255}, {0, 0, 255}, {255, 0, 0}, {0, 0, 0},
	}
	sweep := int(frame*4) % width
	for y := 0; y < height; y++ {
		row := buf[y*stride : y*stride+width*4]
		for x := 0; x < width; x++ {
			c := bars[x*8/width]
			if x >= sweep && x < sweep+8 {
				c = [3]byte{255, 255, 255}
			}
			px := row[x*4 : x*4+4]
			px[0], px[1], px[2], px[3] = c[0], c[1], c[2], 255
		}
	}
}

// fillTone writes interleaved s16le samples and returns the next phase.
func fillTone(buf []byte, channels, rate int, hz float64, phase uint64) uint64 {
	frames := len(buf) / (channels * 2)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(2*math.Pi*hz*float64(phase)/float64(rate)) * 0.25 * math.MaxInt16)
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(buf[(i*channels+c)*2:], uint16(v))
		}
		phase++
	}
	return phase
}
