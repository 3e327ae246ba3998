package buffer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

func newRunningReplay(t *testing.T, window time.Duration) *Replay {
	t.Helper()
	r := NewReplay(window, recorderlog.Nop())
	r.Start()
	t.Cleanup(r.Close)
	return r
}

func TestReplayStagePreservesArrivalOrder(t *testing.T) {
	r := newRunningReplay(t, sec(60))

	for i := 0; i < 100; i++ {
		r.Stage(videoFrame(time.Duration(i)*time.Millisecond, i%10 == 0))
		if i%2 == 0 {
			r.Stage(&media.Frame{Kind: media.KindAudio, PTS: time.Duration(i) * time.Millisecond})
		}
	}

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Video, 100)
	require.Len(t, snap.Audio, 50)
	for i, f := range snap.Video {
		assert.Equal(t, time.Duration(i)*time.Millisecond, f.PTS)
	}
	assert.Equal(t, 150, snap.Len())

	// Frame 1 is the first non-keyframe.
	assert.True(t, snap.HasSeed)
	assert.Equal(t, time.Millisecond, snap.Seed)
}

func TestReplaySnapshotSeedFallsBackToOldest(t *testing.T) {
	r := newRunningReplay(t, sec(10))
	r.Stage(videoFrame(sec(1), true))
	r.Stage(videoFrame(sec(2), true))

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.HasSeed)
	assert.Equal(t, sec(1), snap.Seed)

	require.NoError(t, r.Reset(context.Background()))
	snap, err = r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.HasSeed)
	assert.Zero(t, snap.Len())
}

func TestReplayConcurrentStagers(t *testing.T) {
	r := newRunningReplay(t, sec(60))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var pts time.Duration
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				// Serialise timestamp allocation with staging so arrival
				// order matches timestamp order.
				mu.Lock()
				pts += time.Millisecond
				r.Stage(&media.Frame{Kind: media.KindAudio, PTS: pts})
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Audio, 1600)
	assert.EqualValues(t, 0, r.Metrics()["rejected"])
}

// pooledAudio returns an audio frame whose payload goes back to pool on
// release, the way the capture intake hands frames over.
func pooledAudio(pool *PayloadPool, pts time.Duration, fill byte) *media.Frame {
	src := make([]byte, 64)
	for i := range src {
		src[i] = fill
	}
	payload, release := pool.Copy(src)
	return media.NewPooledFrame(media.KindAudio, pts, payload, release)
}

func TestReplaySnapshotOutlivesEviction(t *testing.T) {
	pool := NewPayloadPool(1<<20, nil)
	r := newRunningReplay(t, sec(1))

	r.Stage(videoFrame(0, true))
	r.Stage(pooledAudio(pool, 100*time.Millisecond, 0xAA))
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Audio, 1)

	// 5s evicts the first audio frame and its buffer goes back to the pool.
	r.Stage(pooledAudio(pool, sec(5), 0x55))
	after, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, after.Audio, 1)
	assert.Equal(t, sec(5), after.Audio[0].PTS)

	got := snap.Audio[0]
	assert.Equal(t, 100*time.Millisecond, got.PTS)
	require.Len(t, got.Payload, 64)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 64), got.Payload)
	assert.False(t, got.Pooled())
}

func TestReplaySnapshotOutlivesClose(t *testing.T) {
	pool := NewPayloadPool(1<<20, nil)
	r := NewReplay(sec(10), recorderlog.Nop())
	r.Start()

	r.Stage(videoFrame(0, true))
	for i := 0; i < 4; i++ {
		r.Stage(pooledAudio(pool, time.Duration(i)*20*time.Millisecond, byte(i+1)))
	}
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	r.Close()

	require.Len(t, snap.Audio, 4)
	for i, f := range snap.Audio {
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 64), f.Payload, "frame %d", i)
	}
}

func TestReplayClosed(t *testing.T) {
	r := NewReplay(sec(1), nil)
	r.Start()
	r.Close()
	r.Close()

	r.Stage(videoFrame(0, true))
	_, err := r.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrReplayClosed)
}

func TestReplayDoHonoursContext(t *testing.T) {
	// Never started: requests cannot be accepted.
	r := NewReplay(sec(1), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Do(ctx, func(_, _ *ReplayBuffer) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
