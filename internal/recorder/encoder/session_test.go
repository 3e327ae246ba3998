package encoder

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

type fakeCompressor struct {
	gate chan struct{}
	fail func(in *media.Frame) error

	mu     sync.Mutex
	forced []bool
	wg     sync.WaitGroup
	closed atomic.Bool
}

func (c *fakeCompressor) Encode(in *media.Frame, force bool, done CompletionFunc) error {
	if c.closed.Load() {
		return ErrCompressorClosed
	}
	c.mu.Lock()
	c.forced = append(c.forced, force)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.gate != nil {
			<-c.gate
		}
		if c.fail != nil {
			if err := c.fail(in); err != nil {
				done(nil, err)
				return
			}
		}
		done(&media.Frame{Kind: media.KindVideo, PTS: in.PTS, Payload: []byte{0xAB}, Keyframe: force}, nil)
	}()
	return nil
}

func (c *fakeCompressor) Flush() error { c.wg.Wait(); return nil }
func (c *fakeCompressor) Close() error { c.closed.Store(true); return nil }

func (c *fakeCompressor) forcedFlags() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.forced...)
}

type fakeOutput struct {
	startErr error

	mu     sync.Mutex
	starts []time.Duration
	video  []*media.Frame
	audio  []*media.Frame
}

func (o *fakeOutput) SessionStarted(origin time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts = append(o.starts, origin)
	return o.startErr
}

func (o *fakeOutput) WriteVideo(f *media.Frame) {
	o.mu.Lock()
	o.video = append(o.video, f)
	o.mu.Unlock()
}

func (o *fakeOutput) WriteAudio(f *media.Frame) {
	o.mu.Lock()
	o.audio = append(o.audio, f)
	o.mu.Unlock()
}

func (o *fakeOutput) counts() (starts, video, audio int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.starts), len(o.video), len(o.audio)
}

func testConfig() Config {
	return Config{
		Codec:       media.CodecSoftware,
		Width:       64,
		Height:      32,
		PixelFormat: media.PixelBGRA,
		BitDepth:    8,
		FrameRate:   30,
		RateControl: RateControl{Mode: RateCRF, Quality: 0.5},
	}
}

func captureFormat() media.Format {
	return media.Format{Codec: media.CodecRaw, PixelFormat: media.PixelBGRA, Width: 64, Height: 32}
}

func rawFrame(pts time.Duration) *media.Frame {
	return &media.Frame{Kind: media.KindVideo, PTS: pts, Payload: make([]byte, 64*32*4), Format: captureFormat()}
}

func newTestSession(t *testing.T, c *fakeCompressor, out *fakeOutput) *Session {
	t.Helper()
	s := NewSession(out,
		WithLogger(recorderlog.Nop()),
		WithFactory(func(Config, recorderlog.Logger) (Compressor, error) { return c, nil }),
		WithStartTimeout(time.Second),
	)
	require.NoError(t, s.Configure(testConfig(), captureFormat()))
	return s
}

func TestConfigureInvalidFaults(t *testing.T) {
	s := NewSession(&fakeOutput{})
	cfg := testConfig()
	cfg.RateControl = RateControl{Mode: RateCRF, Quality: 1.5}

	err := s.Configure(cfg, captureFormat())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.True(t, IsFatal(err))
	assert.Equal(t, StateFaulted, s.State())

	// Faulted is terminal.
	assert.ErrorIs(t, s.Configure(testConfig(), captureFormat()), ErrInvalidState)
	assert.NoError(t, s.Stop())
	assert.Equal(t, StateFaulted, s.State())
}

func TestConfigureUnregisteredCodec(t *testing.T) {
	s := NewSession(&fakeOutput{})
	cfg := testConfig()
	cfg.Codec = media.CodecProRes422

	err := s.Configure(cfg, captureFormat())
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, StateFaulted, s.State())
}

func TestConfigureUnsupportedTransfer(t *testing.T) {
	s := NewSession(&fakeOutput{}, WithFactory(func(Config, recorderlog.Logger) (Compressor, error) {
		return &fakeCompressor{}, nil
	}))
	capture := captureFormat()
	capture.PixelFormat = media.PixelYUV420V8

	err := s.Configure(testConfig(), capture)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, StateFaulted, s.State())
}

func TestSubmitBeforeConfigure(t *testing.T) {
	s := NewSession(&fakeOutput{})
	assert.ErrorIs(t, s.SubmitVideoFrame(rawFrame(0)), ErrNotConfigured)
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionStartsOnFirstVideoFrame(t *testing.T) {
	c := &fakeCompressor{}
	out := &fakeOutput{}
	s := newTestSession(t, c, out)

	// Audio never starts a session.
	require.NoError(t, s.SubmitAudioFrame(&media.Frame{Kind: media.KindAudio, PTS: 0}))
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.SubmitVideoFrame(rawFrame(40*time.Millisecond)))
	assert.Equal(t, StateActive, s.State())

	starts, video, audio := out.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, video)
	assert.Equal(t, 0, audio)
	assert.Equal(t, 40*time.Millisecond, out.starts[0])
	assert.Equal(t, []bool{true}, c.forcedFlags(), "first frame is a forced keyframe")

	require.NoError(t, s.SubmitAudioFrame(&media.Frame{Kind: media.KindAudio, PTS: 50 * time.Millisecond}))
	require.NoError(t, s.SubmitVideoFrame(rawFrame(80*time.Millisecond)))
	require.NoError(t, s.Stop())

	starts, video, audio = out.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 2, video)
	assert.Equal(t, 1, audio)
	assert.Equal(t, StateClosed, s.State())
}

func TestConcurrentStartOpensOneSession(t *testing.T) {
	const n = 8
	c := &fakeCompressor{gate: make(chan struct{})}
	out := &fakeOutput{}
	s := newTestSession(t, c, out)

	results := make(chan error, n)
	var ready sync.WaitGroup
	ready.Add(n)
	begin := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			ready.Done()
			<-begin
			results <- s.SubmitVideoFrame(rawFrame(0))
		}()
	}
	ready.Wait()
	close(begin)

	// Losers return immediately while the winner waits on the gate.
	for i := 0; i < n-1; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrSessionAlreadyActive)
			assert.False(t, IsFatal(err))
		case <-time.After(2 * time.Second):
			t.Fatal("racing submission blocked")
		}
	}
	close(c.gate)
	require.NoError(t, <-results)

	starts, _, _ := out.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, StateActive, s.State())
	require.NoError(t, s.Stop())
}

func TestInitialFrameFailureFaults(t *testing.T) {
	c := &fakeCompressor{fail: func(*media.Frame) error { return errors.New("bad bitstream") }}
	out := &fakeOutput{}
	s := newTestSession(t, c, out)

	err := s.SubmitVideoFrame(rawFrame(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialFrameNotEncoded)
	assert.True(t, IsFatal(err))
	assert.Equal(t, StateFaulted, s.State())

	starts, _, _ := out.counts()
	assert.Zero(t, starts)

	// Faulted sessions drop everything.
	assert.NoError(t, s.SubmitVideoFrame(rawFrame(time.Second)))
	assert.NoError(t, s.Stop())
	assert.True(t, c.closed.Load())
}

func TestInitialFrameTimeout(t *testing.T) {
	c := &fakeCompressor{gate: make(chan struct{})}
	defer close(c.gate)
	s := NewSession(&fakeOutput{},
		WithFactory(func(Config, recorderlog.Logger) (Compressor, error) { return c, nil }),
		WithStartTimeout(20*time.Millisecond))
	require.NoError(t, s.Configure(testConfig(), captureFormat()))

	err := s.SubmitVideoFrame(rawFrame(0))
	assert.ErrorIs(t, err, ErrInitialFrameNotEncoded)
	assert.Equal(t, StateFaulted, s.State())
}

func TestOutputStartFailureIsFatal(t *testing.T) {
	out := &fakeOutput{startErr: errors.New("disk full")}
	s := newTestSession(t, &fakeCompressor{}, out)

	err := s.SubmitVideoFrame(rawFrame(0))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, StateFaulted, s.State())
}

func TestActiveFailureIsNotFatal(t *testing.T) {
	var calls atomic.Int32
	c := &fakeCompressor{fail: func(*media.Frame) error {
		if calls.Add(1) == 2 {
			return errors.New("transient")
		}
		return nil
	}}
	out := &fakeOutput{}
	s := newTestSession(t, c, out)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SubmitVideoFrame(rawFrame(time.Duration(i)*33*time.Millisecond)))
	}
	require.NoError(t, s.Stop())

	select {
	case err := <-s.Errors():
		assert.False(t, IsFatal(err))
	default:
		t.Fatal("expected a reported error")
	}
	_, video, _ := out.counts()
	assert.Equal(t, 2, video)
	assert.EqualValues(t, 1, s.Metrics().DroppedFrames)
}

func TestStopIsIdempotentAndDropsLateFrames(t *testing.T) {
	s := NewSession(&fakeOutput{})
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, StateClosed, s.State())

	c := &fakeCompressor{}
	out := &fakeOutput{}
	s = newTestSession(t, c, out)
	require.NoError(t, s.SubmitVideoFrame(rawFrame(0)))
	require.NoError(t, s.Stop())

	assert.NoError(t, s.SubmitVideoFrame(rawFrame(time.Second)))
	assert.NoError(t, s.SubmitAudioFrame(&media.Frame{Kind: media.KindAudio, PTS: time.Second}))
	_, video, audio := out.counts()
	assert.Equal(t, 1, video)
	assert.Equal(t, 0, audio)
	assert.True(t, c.closed.Load())
}

func TestStopConcurrentWithSubmissions(t *testing.T) {
	c := &fakeCompressor{}
	out := &fakeOutput{}
	s := newTestSession(t, c, out)
	require.NoError(t, s.SubmitVideoFrame(rawFrame(0)))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 1; i <= 200; i++ {
				_ = s.SubmitVideoFrame(rawFrame(time.Duration(g*1000+i) * time.Millisecond))
			}
		}(g)
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Stop())
	wg.Wait()

	// Nothing is written once Stop has returned.
	_, before, _ := out.counts()
	time.Sleep(10 * time.Millisecond)
	_, after, _ := out.counts()
	assert.Equal(t, before, after)
	assert.Equal(t, StateClosed, s.State())
}

func TestKeyframeInterval(t *testing.T) {
	c := &fakeCompressor{}
	out := &fakeOutput{}
	s := NewSession(out, WithFactory(func(Config, recorderlog.Logger) (Compressor, error) { return c, nil }))
	cfg := testConfig()
	cfg.KeyframeInterval = 3
	cfg.KeyframeIntervalDuration = time.Second
	require.NoError(t, s.Configure(cfg, captureFormat()))

	pts := []time.Duration{0, 100, 200, 300, 400, 1500, 1600}
	for _, p := range pts {
		require.NoError(t, s.SubmitVideoFrame(rawFrame(p*time.Millisecond)))
	}
	require.NoError(t, s.Stop())

	// Frame 3 hits the count bound, frame 5 the duration bound.
	assert.Equal(t, []bool{true, false, false, true, false, true, false}, c.forcedFlags())
}
