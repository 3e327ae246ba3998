package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/replaycap/internal/capture"
	"github.com/mikeyg42/replaycap/internal/config"
	"github.com/mikeyg42/replaycap/internal/recorder/container"
	"github.com/mikeyg42/replaycap/internal/recorder/encoder"
	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/muxer"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
	"github.com/mikeyg42/replaycap/internal/recorder/storage"
)

const frameInterval = 33 * time.Millisecond

// manualSource lets tests deliver frames by hand.
type manualSource struct {
	mu       sync.Mutex
	sink     capture.Sink
	format   media.Format
	audio    media.Format
	startErr error
	stops    int
}

func (m *manualSource) Format() media.Format      { return m.format }
func (m *manualSource) AudioFormat() media.Format { return m.audio }

func (m *manualSource) Start(_ context.Context, sink capture.Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.sink = sink
	return nil
}

func (m *manualSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.sink = nil
	return nil
}

func (m *manualSource) video(pts time.Duration) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	payload := make([]byte, m.format.Stride*m.format.Height)
	for i := range payload {
		payload[i] = byte(int(pts/time.Millisecond) + i)
	}
	sink.DeliverVideoFrame(&media.Frame{
		Kind: media.KindVideo, PTS: pts, Duration: frameInterval,
		Payload: payload, Format: m.format,
	})
}

func (m *manualSource) audioFrame(pts time.Duration) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	sink.DeliverAudioFrame(&media.Frame{
		Kind: media.KindAudio, PTS: pts, Duration: 20 * time.Millisecond,
		Payload: audioPayload(pts), Format: m.audio,
	})
}

// audioPayload is the PCM block the manual source delivers at pts.
func audioPayload(pts time.Duration) []byte {
	payload := make([]byte, 960*2*2)
	for i := range payload {
		payload[i] = byte(int(pts/time.Millisecond)*7 + i)
	}
	return payload
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Recording.Mode = mode
	cfg.Recording.OutputDir = t.TempDir()
	cfg.Recording.ReplayDuration = 10 * time.Second
	cfg.Recording.MinFreeDiskMB = 0
	cfg.Video.Width, cfg.Video.Height = 32, 16
	cfg.Audio.Enabled = true
	cfg.Metrics.ReportInterval = 0
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, mutate ...func(*Options)) (*Service, *manualSource) {
	t.Helper()
	src := &manualSource{format: cfg.CaptureFormat(), audio: cfg.AudioFormat()}
	opts := Options{Config: cfg, Source: src, Logger: recorderlog.Nop()}
	for _, fn := range mutate {
		fn(&opts)
	}
	svc, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.StopCapture(context.Background()) })
	return svc, src
}

func waitProcessed(t *testing.T, svc *Service, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return svc.metrics.FramesProcessed.Load() >= n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNewRequiresConfigAndSource(t *testing.T) {
	_, err := New(Options{Source: &manualSource{}})
	assert.Error(t, err)
	_, err = New(Options{Config: config.Default()})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Recording.Mode = "sometimes"
	_, err = New(Options{Config: cfg, Source: &manualSource{}})
	assert.ErrorIs(t, err, encoder.ErrConfiguration)
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	svc, src := newTestService(t, testConfig(t, config.ModeDirect))

	assert.Equal(t, StateNotCapturing, svc.State())

	// Out of order calls are no-ops.
	require.NoError(t, svc.StartRecording(ctx))
	assert.Equal(t, StateNotCapturing, svc.State())
	res, err := svc.StopRecording(ctx)
	assert.NoError(t, err)
	assert.Nil(t, res)
	require.NoError(t, svc.StopCapture(ctx))

	require.NoError(t, svc.StartCapture(ctx))
	assert.Equal(t, StateCapturing, svc.State())
	require.NoError(t, svc.StartCapture(ctx))

	require.NoError(t, svc.StartRecording(ctx))
	assert.Equal(t, StateRecording, svc.State())
	assert.Equal(t, ModeDirect, svc.Mode())
	require.NoError(t, svc.StartRecording(ctx), "second start is a no-op")

	res, err = svc.StopRecording(ctx)
	require.NoError(t, err)
	assert.Nil(t, res, "no frames means no output session")
	assert.Equal(t, StateCapturing, svc.State())
	assert.Equal(t, Mode(""), svc.Mode())

	require.NoError(t, svc.StopCapture(ctx))
	assert.Equal(t, StateNotCapturing, svc.State())
	assert.Equal(t, 1, src.stops)
}

func TestStartCaptureSourceFailure(t *testing.T) {
	cfg := testConfig(t, config.ModeDirect)
	svc, src := newTestService(t, cfg)
	src.startErr = errors.New("camera busy")

	err := svc.StartCapture(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, src.startErr)
	assert.Equal(t, StateNotCapturing, svc.State())
}

func TestDirectRecordingWritesFile(t *testing.T) {
	ctx := context.Background()
	catalog := newMemCatalog()
	cfg := testConfig(t, config.ModeDirect)
	svc, src := newTestService(t, cfg, func(o *Options) {
		o.Archiver = storage.NewArchiver(nil, catalog, storage.ArchiverOptions{})
	})

	require.NoError(t, svc.StartCapture(ctx))
	require.NoError(t, svc.StartRecording(ctx))

	for i := 0; i < 10; i++ {
		src.video(time.Duration(i) * frameInterval)
	}
	waitProcessed(t, svc, 10)
	for i := 0; i < 5; i++ {
		src.audioFrame(400*time.Millisecond + time.Duration(i)*20*time.Millisecond)
	}
	waitProcessed(t, svc, 15)

	res, err := svc.StopRecording(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.FileExists(t, res.Path)
	assert.Equal(t, ".mkv", filepath.Ext(res.Path))
	assert.Equal(t, cfg.Recording.OutputDir, filepath.Dir(res.Path))
	assert.EqualValues(t, 10, res.VideoSamples)
	assert.EqualValues(t, 5, res.AudioSamples)
	assert.Positive(t, res.Bytes)
	assert.Equal(t, StateCapturing, svc.State())

	require.NoError(t, svc.StopCapture(ctx))
	recs := catalog.all()
	require.Len(t, recs, 1)
	assert.Equal(t, storage.RecordingDirect, recs[0].Type)
	assert.Equal(t, res.Path, recs[0].LocalPath)
	assert.Equal(t, "32x16", recs[0].Resolution.String)
	assert.EqualValues(t, 10, recs[0].VideoSamples)
}

func TestSaveReplayBuffer(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.ModeReplay)
	svc, src := newTestService(t, cfg)

	_, err := svc.SaveReplayBuffer(ctx)
	assert.ErrorIs(t, err, ErrReplayBufferIsNil)

	require.NoError(t, svc.StartCapture(ctx))
	require.NoError(t, svc.StartRecording(ctx))
	assert.Equal(t, ModeReplay, svc.Mode())

	for i := 0; i < 10; i++ {
		src.video(time.Duration(i) * frameInterval)
	}
	waitProcessed(t, svc, 10)
	for i := 0; i < 5; i++ {
		src.audioFrame(400*time.Millisecond + time.Duration(i)*20*time.Millisecond)
	}
	waitProcessed(t, svc, 15)

	rec := svc.rec.Load()
	require.NotNil(t, rec)
	require.Eventually(t, func() bool {
		snap, err := rec.replay.Snapshot(ctx)
		return err == nil && len(snap.Video) == 10 && len(snap.Audio) == 5
	}, 5*time.Second, 5*time.Millisecond)

	res, err := svc.SaveReplayBuffer(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.FileExists(t, res.Path)
	assert.False(t, res.Truncated)
	assert.EqualValues(t, 10, res.VideoSamples)
	assert.EqualValues(t, 5, res.AudioSamples)
	assert.Equal(t, frameInterval, res.Origin, "session seeded at the first non-keyframe")
	assert.EqualValues(t, 1, svc.metrics.ReplaySaves.Load())

	// Saving does not consume the window.
	again, err := svc.SaveReplayBuffer(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, res.Path, again.Path)
	assert.EqualValues(t, 10, again.VideoSamples)

	stopped, err := svc.StopRecording(ctx)
	require.NoError(t, err)
	assert.Nil(t, stopped, "replay mode discards the window on stop")

	_, err = svc.SaveReplayBuffer(ctx)
	assert.ErrorIs(t, err, ErrReplayBufferIsNil)
}

// gatedWriter is a container writer whose tracks stay not ready until
// open is called. Appended audio payloads are copied as they arrive.
type gatedWriter struct {
	dir     string
	started chan struct{}
	gate    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	video  uint64
	audio  map[time.Duration][]byte
	origin time.Duration
}

func newGatedWriter(dir string) *gatedWriter {
	return &gatedWriter{
		dir:     dir,
		started: make(chan struct{}),
		gate:    make(chan struct{}),
		audio:   make(map[time.Duration][]byte),
	}
}

func (w *gatedWriter) open() { close(w.gate) }

func (w *gatedWriter) factory(container.Kind, container.Tracks, container.Options) (container.Writer, error) {
	return w, nil
}

func (w *gatedWriter) StartSession(origin time.Duration) error {
	w.mu.Lock()
	w.origin = origin
	w.mu.Unlock()
	w.once.Do(func() { close(w.started) })
	return nil
}

func (w *gatedWriter) IsReadyForMoreData(media.Kind) bool {
	select {
	case <-w.gate:
		return true
	default:
		return false
	}
}

func (w *gatedWriter) ReadinessChanged() <-chan struct{} { return w.gate }

func (w *gatedWriter) Append(f *media.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f.Kind == media.KindVideo {
		w.video++
		return nil
	}
	w.audio[f.PTS] = append([]byte(nil), f.Payload...)
	return nil
}

func (w *gatedWriter) MarkAsFinished(media.Kind) {}

func (w *gatedWriter) Finish(context.Context) (*container.Info, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &container.Info{
		Path:         filepath.Join(w.dir, "replay-gated.mkv"),
		Container:    container.KindMKV,
		Origin:       w.origin,
		VideoSamples: w.video,
		AudioSamples: uint64(len(w.audio)),
		Size:         1,
	}, nil
}

func (w *gatedWriter) Status() container.Status { return container.StatusWriting }

func (w *gatedWriter) audioAt(pts time.Duration) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.audio[pts]
}

// startGatedReplay runs a replay recording holding ten video frames from 0
// and five audio frames from 400ms, with a 500ms window.
func startGatedReplay(t *testing.T) (*Service, *manualSource, *gatedWriter) {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig(t, config.ModeReplay)
	cfg.Recording.ReplayDuration = 500 * time.Millisecond
	cfg.Recording.RetryInterval = 100 * time.Millisecond
	cfg.Recording.MaxRetries = 100
	w := newGatedWriter(cfg.Recording.OutputDir)
	svc, src := newTestService(t, cfg, func(o *Options) { o.NewWriter = w.factory })

	require.NoError(t, svc.StartCapture(ctx))
	require.NoError(t, svc.StartRecording(ctx))
	for i := 0; i < 10; i++ {
		src.video(time.Duration(i) * frameInterval)
	}
	waitProcessed(t, svc, 10)
	for i := 0; i < 5; i++ {
		src.audioFrame(replayAudioPTS(i))
	}
	waitProcessed(t, svc, 15)

	rec := svc.rec.Load()
	require.NotNil(t, rec)
	require.Eventually(t, func() bool {
		snap, err := rec.replay.Snapshot(ctx)
		return err == nil && len(snap.Video) == 10 && len(snap.Audio) == 5
	}, 5*time.Second, 5*time.Millisecond)
	return svc, src, w
}

func replayAudioPTS(i int) time.Duration {
	return 400*time.Millisecond + time.Duration(i)*20*time.Millisecond
}

type saveOutcome struct {
	res *muxer.Result
	err error
}

func saveAsync(svc *Service) <-chan saveOutcome {
	out := make(chan saveOutcome, 1)
	go func() {
		res, err := svc.SaveReplayBuffer(context.Background())
		out <- saveOutcome{res, err}
	}()
	return out
}

func waitStarted(t *testing.T, w *gatedWriter) {
	t.Helper()
	select {
	case <-w.started:
	case <-time.After(5 * time.Second):
		t.Fatal("replay save never opened its output")
	}
}

func assertSavedAudio(t *testing.T, w *gatedWriter, out saveOutcome) {
	t.Helper()
	require.NoError(t, out.err)
	require.NotNil(t, out.res)
	assert.False(t, out.res.Truncated)
	assert.EqualValues(t, 10, out.res.VideoSamples)
	assert.EqualValues(t, 5, out.res.AudioSamples)
	for i := 0; i < 5; i++ {
		pts := replayAudioPTS(i)
		assert.Equal(t, audioPayload(pts), w.audioAt(pts), "audio at %v", pts)
	}
}

func TestSaveReplayBufferWhileCaptureContinues(t *testing.T) {
	ctx := context.Background()
	svc, src, w := startGatedReplay(t)
	rec := svc.rec.Load()

	saved := saveAsync(svc)
	waitStarted(t, w)

	// Push the window two seconds on; every saved audio frame is evicted
	// and its pooled buffer recycled for the new ones.
	for i := 0; i < 10; i++ {
		src.video(2*time.Second + time.Duration(i)*frameInterval)
		src.audioFrame(2*time.Second + time.Duration(i)*20*time.Millisecond)
	}
	waitProcessed(t, svc, 35)
	require.Eventually(t, func() bool {
		snap, err := rec.replay.Snapshot(ctx)
		return err == nil && len(snap.Audio) > 0 && snap.Audio[0].PTS >= 2*time.Second
	}, 5*time.Second, 5*time.Millisecond)

	w.open()
	select {
	case out := <-saved:
		assertSavedAudio(t, w, out)
	case <-time.After(10 * time.Second):
		t.Fatal("replay save did not finish")
	}
	assert.Equal(t, StateRecording, svc.State())
}

func TestStopRecordingWaitsForReplaySave(t *testing.T) {
	svc, _, w := startGatedReplay(t)

	saved := saveAsync(svc)
	waitStarted(t, w)

	stopped := make(chan error, 1)
	go func() {
		res, err := svc.StopRecording(context.Background())
		assert.Nil(t, res)
		stopped <- err
	}()
	assert.Never(t, func() bool { return len(stopped) > 0 },
		200*time.Millisecond, 10*time.Millisecond, "stop must wait for the save")

	w.open()
	select {
	case out := <-saved:
		assertSavedAudio(t, w, out)
	case <-time.After(10 * time.Second):
		t.Fatal("replay save did not finish")
	}
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return after the save")
	}
	assert.Equal(t, StateCapturing, svc.State())

	_, err := svc.SaveReplayBuffer(context.Background())
	assert.ErrorIs(t, err, ErrReplayBufferIsNil)
}

func TestSaveReplayBufferInDirectMode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(t, config.ModeDirect))
	require.NoError(t, svc.StartCapture(ctx))
	require.NoError(t, svc.StartRecording(ctx))

	_, err := svc.SaveReplayBuffer(ctx)
	assert.ErrorIs(t, err, ErrReplayBufferIsNil)
}

// failingCompressor rejects every frame.
type failingCompressor struct{}

func (failingCompressor) Encode(*media.Frame, bool, encoder.CompletionFunc) error {
	return errors.New("hardware busy")
}
func (failingCompressor) Flush() error { return nil }
func (failingCompressor) Close() error { return nil }

func TestFatalStartEndsRecording(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.ModeDirect)
	svc, src := newTestService(t, cfg, func(o *Options) {
		o.Compressor = func(encoder.Config, recorderlog.Logger) (encoder.Compressor, error) {
			return failingCompressor{}, nil
		}
	})

	require.NoError(t, svc.StartCapture(ctx))
	require.NoError(t, svc.StartRecording(ctx))
	src.video(0)

	var failed *RecordingFailedError
	require.Eventually(t, func() bool {
		select {
		case err := <-svc.Errors():
			return errors.As(err, &failed)
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, failed, encoder.ErrInitialFrameNotEncoded)
	assert.Equal(t, ModeDirect, failed.Mode)
	assert.Equal(t, StateCapturing, svc.State(), "capture survives a failed recording")

	// A new recording can start afterwards.
	require.NoError(t, svc.StartRecording(ctx))
	assert.Equal(t, StateRecording, svc.State())
}

func TestStartRecordingConfigurationFailure(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(t, config.ModeReplay), func(o *Options) {
		o.Compressor = func(encoder.Config, recorderlog.Logger) (encoder.Compressor, error) {
			return nil, errors.New("no codec")
		}
	})
	require.NoError(t, svc.StartCapture(ctx))

	err := svc.StartRecording(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, encoder.ErrConfiguration)
	assert.True(t, encoder.IsFatal(err))
	assert.Equal(t, StateCapturing, svc.State())
}

func TestStartRecordingDiskCheck(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.ModeDirect)
	cfg.Recording.MinFreeDiskMB = 1 << 40
	var checked string
	svc, _ := newTestService(t, cfg, func(o *Options) {
		o.DiskCheck = func(dir string, minMB int64) (uint64, error) {
			checked = dir
			return 10, ErrInsufficientDiskSpace
		}
	})
	require.NoError(t, svc.StartCapture(ctx))

	err := svc.StartRecording(ctx)
	assert.ErrorIs(t, err, ErrInsufficientDiskSpace)
	assert.Equal(t, cfg.Recording.OutputDir, checked)
	assert.Equal(t, StateCapturing, svc.State())
}

func TestFramesReleasedWithoutRecording(t *testing.T) {
	ctx := context.Background()
	svc, src := newTestService(t, testConfig(t, config.ModeDirect))

	svc.DeliverVideoFrame(&media.Frame{Kind: media.KindVideo, Payload: []byte{1}})
	assert.Zero(t, svc.metrics.FramesReceived.Load(), "ignored while not capturing")

	require.NoError(t, svc.StartCapture(ctx))
	src.video(0)
	src.audioFrame(0)
	require.Eventually(t, func() bool {
		return svc.metrics.FramesReceived.Load() == 2 && len(svc.handle) == 0 &&
			len(svc.videoIn) == 0 && len(svc.audioIn) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, svc.metrics.FramesProcessed.Load())
}

func TestStreamErrorStopsCapture(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(t, config.ModeDirect))
	require.NoError(t, svc.StartCapture(ctx))
	require.NoError(t, svc.StartRecording(ctx))

	cause := errors.New("device unplugged")
	svc.StreamStopped(cause)

	require.Eventually(t, func() bool {
		return svc.State() == StateNotCapturing
	}, 5*time.Second, 5*time.Millisecond)
	select {
	case err := <-svc.Errors():
		assert.ErrorIs(t, err, cause)
	default:
		t.Fatal("stream error not published")
	}
}

// memCatalog is an in-memory storage.MetadataStore.
type memCatalog struct {
	mu   sync.Mutex
	recs map[string]*storage.Recording
}

func newMemCatalog() *memCatalog { return &memCatalog{recs: make(map[string]*storage.Recording)} }

func (c *memCatalog) all() []*storage.Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*storage.Recording, 0, len(c.recs))
	for _, r := range c.recs {
		out = append(out, r)
	}
	return out
}

func (c *memCatalog) SaveRecording(_ context.Context, r *storage.Recording) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *r
	c.recs[r.ID] = &cp
	return nil
}

func (c *memCatalog) UpdateRecording(context.Context, string, map[string]interface{}) error {
	return nil
}

func (c *memCatalog) GetRecording(_ context.Context, id string) (*storage.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.recs[id]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (c *memCatalog) QueryRecordings(context.Context, storage.RecordingQuery) ([]*storage.Recording, error) {
	return c.all(), nil
}

func (c *memCatalog) DeleteRecording(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recs, id)
	return nil
}

func (c *memCatalog) GetStorageStats(context.Context) (*storage.StorageStats, error) {
	return &storage.StorageStats{}, nil
}

func (c *memCatalog) HealthCheck(context.Context) error { return nil }
