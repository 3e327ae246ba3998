package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
)

const (
	mkvVideoTrack = 1
	mkvAudioTrack = 2
)

func mkvCodecID(c media.Codec) (string, error) {
	switch c {
	case media.CodecH264:
		return "V_MPEG4/ISO/AVC", nil
	case media.CodecHEVC:
		return "V_MPEGH/ISO/HEVC", nil
	case media.CodecProRes422, media.CodecProRes4444:
		return "V_PRORES", nil
	case media.CodecSoftware:
		return "V_X_ZSTD", nil
	}
	return "", fmt.Errorf("%w: %s in mkv", ErrUnsupportedCodec, c)
}

// closeSignal stands in for the file as the block writer's io.WriteCloser.
// The block writer closes it once every track has been closed and all
// blocks are written; the real file is committed afterwards.
type closeSignal struct {
	*output
	once   sync.Once
	closed chan struct{}
}

func (c *closeSignal) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type mkvFormat struct {
	sink   *closeSignal
	blocks [2]webm.BlockWriteCloser
}

func newMKV(out *output, tracks Tracks) (*mkvFormat, error) {
	codecID, err := mkvCodecID(tracks.Video.Codec)
	if err != nil {
		return nil, err
	}

	video := webm.TrackEntry{
		Name:        "Video",
		TrackNumber: mkvVideoTrack,
		TrackUID:    uint64(time.Now().UnixNano()),
		CodecID:     codecID,
		TrackType:   1,
		Video: &webm.Video{
			PixelWidth:  uint64(tracks.Video.Width),
			PixelHeight: uint64(tracks.Video.Height),
		},
	}
	if tracks.FrameRate > 0 {
		video.DefaultDuration = uint64(float64(time.Second) / tracks.FrameRate)
	}
	if priv := avcDecoderConfig(tracks.Video); tracks.Video.Codec == media.CodecH264 && priv != nil {
		video.CodecPrivate = priv
	}

	sampleRate := tracks.Audio.SampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}
	channels := tracks.Audio.Channels
	if channels == 0 {
		channels = 2
	}
	audio := webm.TrackEntry{
		Name:        "Audio",
		TrackNumber: mkvAudioTrack,
		TrackUID:    video.TrackUID + 1,
		CodecID:     "A_PCM/INT/LIT",
		TrackType:   2,
		Audio: &webm.Audio{
			SamplingFrequency: float64(sampleRate),
			Channels:          uint64(channels),
		},
	}

	sink := &closeSignal{output: out, closed: make(chan struct{})}
	ws, err := webm.NewSimpleBlockWriter(sink, []webm.TrackEntry{video, audio})
	if err != nil {
		return nil, fmt.Errorf("failed to create mkv writer: %w", err)
	}
	if len(ws) != 2 {
		return nil, fmt.Errorf("mkv writer returned %d tracks", len(ws))
	}
	return &mkvFormat{sink: sink, blocks: [2]webm.BlockWriteCloser{ws[0], ws[1]}}, nil
}

func (m *mkvFormat) writeSample(f *media.Frame, ts time.Duration) error {
	// Block timecodes are in milliseconds with the default timecode scale.
	_, err := m.blocks[idx(f.Kind)].Write(f.IsSync(), ts.Milliseconds(), f.Payload)
	return err
}

func (m *mkvFormat) close(ctx context.Context) error {
	for _, b := range m.blocks {
		if err := b.Close(); err != nil {
			return fmt.Errorf("close mkv track: %w", err)
		}
	}
	select {
	case <-m.sink.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord from SPS and PPS
// parameter sets, or returns nil when they are missing.
func avcDecoderConfig(f media.Format) []byte {
	if len(f.ParameterSets) < 2 || len(f.ParameterSets[0]) < 4 {
		return nil
	}
	sps, pps := f.ParameterSets[0], f.ParameterSets[1]
	b := []byte{
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // numOfSequenceParameterSets = 1
		byte(len(sps) >> 8),
		byte(len(sps)),
	}
	b = append(b, sps...)
	b = append(b, 1, byte(len(pps)>>8), byte(len(pps)))
	b = append(b, pps...)
	return b
}
