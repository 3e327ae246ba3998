package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

const (
	mp4VideoTrackID = 1
	mp4AudioTrackID = 2

	videoTimeScale = 90000

	// A fragment is cut at every video keyframe, or earlier once it holds
	// this much media.
	maxFragmentSpan  = 2 * time.Second
	maxFragmentBytes = 8 << 20
)

type pendingSample struct {
	sample *fmp4.Sample
	dts    int64
}

type mp4Track struct {
	id        int
	timeScale uint32
	defaultDu uint32

	last      *pendingSample // waiting for its duration
	samples   []*fmp4.Sample
	baseTime  uint64
	hasBase   bool
	partStart time.Duration
}

// mp4Format writes fragmented ISO BMFF: an init segment followed by one
// movie fragment per part. Parts are cut at video keyframes so each
// fragment is independently decodable.
type mp4Format struct {
	w      io.Writer
	tracks Tracks

	video, audio *mp4Track
	initWritten  bool
	seq          uint32
	bufBytes     int
}

func newMP4(w io.Writer, tracks Tracks) (*mp4Format, error) {
	switch tracks.Video.Codec {
	case media.CodecH264, media.CodecHEVC:
	default:
		return nil, fmt.Errorf("%w: %s in mp4", ErrUnsupportedCodec, tracks.Video.Codec)
	}
	sampleRate := tracks.Audio.SampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}
	frameDu := uint32(videoTimeScale / 30)
	if tracks.FrameRate > 0 {
		frameDu = uint32(float64(videoTimeScale) / tracks.FrameRate)
	}
	return &mp4Format{
		w:      w,
		tracks: tracks,
		video:  &mp4Track{id: mp4VideoTrackID, timeScale: videoTimeScale, defaultDu: frameDu},
		// 20 ms of audio when the final chunk's length is unknown.
		audio: &mp4Track{id: mp4AudioTrackID, timeScale: uint32(sampleRate), defaultDu: uint32(sampleRate / 50)},
		seq:   1,
	}, nil
}

func (m *mp4Format) track(k media.Kind) *mp4Track {
	if k == media.KindAudio {
		return m.audio
	}
	return m.video
}

func toTimeScale(ts time.Duration, scale uint32) int64 {
	return int64(ts) * int64(scale) / int64(time.Second)
}

func (m *mp4Format) writeSample(f *media.Frame, ts time.Duration) error {
	if f.Kind == media.KindVideo && len(m.tracks.Video.ParameterSets) == 0 && len(f.Format.ParameterSets) > 0 {
		m.tracks.Video.ParameterSets = f.Format.ParameterSets
	}

	// A new video keyframe closes the running fragment.
	if f.Kind == media.KindVideo && f.Keyframe && len(m.video.samples) > 0 {
		if err := m.flush(false); err != nil {
			return err
		}
	}

	t := m.track(f.Kind)
	dts := toTimeScale(ts, t.timeScale)
	if t.last != nil {
		d := dts - t.last.dts
		if d <= 0 {
			d = 1
		}
		t.last.sample.Duration = uint32(d)
		t.appendSample(t.last)
	}
	t.last = &pendingSample{
		sample: &fmp4.Sample{IsNonSyncSample: !f.IsSync(), Payload: f.Payload},
		dts:    dts,
	}
	if len(t.samples) == 0 && !t.hasBase {
		t.partStart = ts
	}
	m.bufBytes += len(f.Payload)

	if m.bufBytes >= maxFragmentBytes || ts-m.video.partStart >= maxFragmentSpan && len(m.video.samples) > 0 {
		return m.flush(false)
	}
	return nil
}

func (t *mp4Track) appendSample(p *pendingSample) {
	if !t.hasBase {
		t.baseTime = uint64(p.dts)
		t.hasBase = true
	}
	t.samples = append(t.samples, p.sample)
}

func (m *mp4Format) writeInit() error {
	var videoCodec mp4.Codec
	ps := m.tracks.Video.ParameterSets
	switch m.tracks.Video.Codec {
	case media.CodecH264:
		if len(ps) < 2 {
			return fmt.Errorf("h264 track needs SPS and PPS")
		}
		videoCodec = &mp4.CodecH264{SPS: ps[0], PPS: ps[1]}
	case media.CodecHEVC:
		if len(ps) < 3 {
			return fmt.Errorf("hevc track needs VPS, SPS and PPS")
		}
		videoCodec = &mp4.CodecH265{VPS: ps[0], SPS: ps[1], PPS: ps[2]}
	}

	channels := m.tracks.Audio.Channels
	if channels == 0 {
		channels = 2
	}
	bits := m.tracks.Audio.BitsPerSample
	if bits == 0 {
		bits = 16
	}
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{ID: m.video.id, TimeScale: m.video.timeScale, Codec: videoCodec},
			{ID: m.audio.id, TimeScale: m.audio.timeScale, Codec: &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     bits,
				SampleRate:   int(m.audio.timeScale),
				ChannelCount: channels,
			}},
		},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write init segment: %w", err)
	}
	m.initWritten = true
	return nil
}

// flush writes buffered samples as one fragment. With final set, samples
// still waiting for their duration are included using the default one.
func (m *mp4Format) flush(final bool) error {
	if final {
		for _, t := range []*mp4Track{m.video, m.audio} {
			if t.last != nil {
				t.last.sample.Duration = t.defaultDu
				t.appendSample(t.last)
				t.last = nil
			}
		}
	}
	if len(m.video.samples) == 0 && len(m.audio.samples) == 0 {
		return nil
	}
	if !m.initWritten {
		if err := m.writeInit(); err != nil {
			return err
		}
	}

	part := &fmp4.Part{SequenceNumber: m.seq}
	for _, t := range []*mp4Track{m.video, m.audio} {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.baseTime,
			Samples:  t.samples,
		})
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write fragment: %w", err)
	}

	m.seq++
	m.bufBytes = 0
	for _, t := range []*mp4Track{m.video, m.audio} {
		t.samples = nil
		t.hasBase = false
		if t.last != nil {
			t.partStart = time.Duration(t.last.dts) * time.Second / time.Duration(t.timeScale)
		}
	}
	return nil
}

func (m *mp4Format) close(context.Context) error {
	return m.flush(true)
}
