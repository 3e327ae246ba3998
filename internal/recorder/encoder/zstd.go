package encoder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

func init() {
	Register(media.CodecSoftware, NewZstdCompressor)
}

type zstdJob struct {
	in    *media.Frame
	force bool
	done  CompletionFunc
}

// ZstdCompressor is a lossless software codec. Keyframes carry the zstd
// compressed raw frame; other frames carry the compressed XOR against the
// previous raw frame. Frames are compressed on a worker goroutine in
// submission order.
type ZstdCompressor struct {
	cfg    Config
	format media.Format
	logger recorderlog.Logger
	enc    *zstd.Encoder

	jobs    chan zstdJob
	pending sync.WaitGroup
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	// owned by the worker
	prev []byte
	xor  []byte

	// Metrics
	framesEncoded atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
}

// NewZstdCompressor is the Factory for media.CodecSoftware.
func NewZstdCompressor(cfg Config, logger recorderlog.Logger) (Compressor, error) {
	level := zstd.SpeedDefault
	switch cfg.RateControl.Mode {
	case RateCRF:
		// Higher quality asks for more effort; output is lossless either way.
		switch q := cfg.RateControl.Quality; {
		case q >= 0.9:
			level = zstd.SpeedBestCompression
		case q >= 0.6:
			level = zstd.SpeedBetterCompression
		case q < 0.3:
			level = zstd.SpeedFastest
		}
	case RateCBR:
		level = zstd.SpeedFastest
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	c := &ZstdCompressor{
		cfg:    cfg,
		format: cfg.OutputFormat(),
		logger: recorderlog.OrNop(logger).Named("zstd"),
		enc:    enc,
		jobs:   make(chan zstdJob, 8),
		done:   make(chan struct{}),
	}
	c.format.Codec = media.CodecSoftware
	go c.worker()

	c.logger.Info("Software compressor opened",
		recorderlog.String("level", level.String()),
		recorderlog.Int("width", cfg.Width),
		recorderlog.Int("height", cfg.Height))
	return c, nil
}

// Encode queues in. It blocks only while the job queue is full.
func (c *ZstdCompressor) Encode(in *media.Frame, forceKeyframe bool, done CompletionFunc) error {
	if in == nil || done == nil {
		return errors.New("zstd: nil frame or completion")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrCompressorClosed
	}
	c.pending.Add(1)
	c.jobs <- zstdJob{in: in, force: forceKeyframe, done: done}
	return nil
}

// Flush waits until every queued frame has been completed.
func (c *ZstdCompressor) Flush() error {
	c.pending.Wait()
	return nil
}

// Close drains outstanding work and releases the encoder. Safe to call
// more than once.
func (c *ZstdCompressor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	<-c.done
	c.logger.Debug("Software compressor closed",
		recorderlog.Uint64("frames", c.framesEncoded.Load()),
		recorderlog.Uint64("bytes_in", c.bytesIn.Load()),
		recorderlog.Uint64("bytes_out", c.bytesOut.Load()))
	return c.enc.Close()
}

func (c *ZstdCompressor) worker() {
	defer close(c.done)
	for job := range c.jobs {
		out, err := c.compress(job.in, job.force)
		job.done(out, err)
		c.pending.Done()
	}
}

func (c *ZstdCompressor) compress(in *media.Frame, force bool) (*media.Frame, error) {
	if len(in.Payload) == 0 {
		return nil, errors.New("zstd: empty frame payload")
	}
	start := time.Now()

	key := force || c.prev == nil || len(c.prev) != len(in.Payload)
	src := in.Payload
	if !key {
		if cap(c.xor) < len(src) {
			c.xor = make([]byte, len(src))
		}
		c.xor = c.xor[:len(src)]
		for i := range src {
			c.xor[i] = src[i] ^ c.prev[i]
		}
		src = c.xor
	}
	payload := c.enc.EncodeAll(src, make([]byte, 0, len(src)/4))

	// Keep our own copy; the raw payload goes back to its pool after completion.
	if cap(c.prev) < len(in.Payload) {
		c.prev = make([]byte, len(in.Payload))
	}
	c.prev = c.prev[:len(in.Payload)]
	copy(c.prev, in.Payload)

	c.framesEncoded.Add(1)
	c.bytesIn.Add(uint64(len(in.Payload)))
	c.bytesOut.Add(uint64(len(payload)))

	if took := time.Since(start); took > 50*time.Millisecond {
		c.logger.Debug("Slow software compression",
			recorderlog.Duration("took", took),
			recorderlog.Int("bytes", len(in.Payload)))
	}

	return &media.Frame{
		Kind:     media.KindVideo,
		PTS:      in.PTS,
		Duration: in.Duration,
		Payload:  payload,
		Keyframe: key,
		Format:   c.format,
		Sequence: in.Sequence,
	}, nil
}

// ZstdDecoder reverses ZstdCompressor output. It is used to verify
// recordings and must see frames in decode order starting at a keyframe.
type ZstdDecoder struct {
	dec  *zstd.Decoder
	prev []byte
}

func NewZstdDecoder() (*ZstdDecoder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &ZstdDecoder{dec: dec}, nil
}

// Decode returns the raw frame for one compressed payload.
func (d *ZstdDecoder) Decode(payload []byte, keyframe bool) ([]byte, error) {
	raw, err := d.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, err
	}
	if !keyframe {
		if d.prev == nil || len(d.prev) != len(raw) {
			return nil, errors.New("zstd: delta frame without matching reference")
		}
		for i := range raw {
			raw[i] ^= d.prev[i]
		}
	}
	d.prev = append(d.prev[:0], raw...)
	return raw, nil
}

func (d *ZstdDecoder) Close() { d.dec.Close() }
