// Package encoder turns raw capture frames into compressed samples. A
// Session drives one compressor through its lifecycle and lazily opens the
// downstream output on the first successfully compressed video frame.
package encoder

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mikeyg42/replaycap/internal/recorder/media"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
)

var (
	// ErrConfiguration means the codec or session could not be opened with
	// the given parameters. Fatal for the recording attempt.
	ErrConfiguration = errors.New("encoder configuration error")
	// ErrInitialFrameNotEncoded means the first video frame of a session
	// failed to compress. Fatal for the recording attempt.
	ErrInitialFrameNotEncoded = errors.New("initial frame not encoded")
	// ErrSessionAlreadyActive is returned to a submission that raced another
	// one starting the session. The frame is dropped; not fatal.
	ErrSessionAlreadyActive = errors.New("session already active")
	// ErrNotConfigured is returned when frames arrive before Configure.
	ErrNotConfigured = errors.New("encoder session not configured")
	// ErrInvalidState is returned by Configure outside the Idle state.
	ErrInvalidState = errors.New("invalid encoder session state")
	// ErrCompressorClosed is returned by a compressor after Close.
	ErrCompressorClosed = errors.New("compressor closed")
)

// Error codes carried by EncoderError.
const (
	CodeConfiguration = iota + 1
	CodeInitialFrame
	CodeAlreadyActive
	CodeEncode
	CodeOutput
	CodeFlush
)

// EncoderError carries an encoder failure with its classification.
type EncoderError struct {
	Code    int
	Message string
	Fatal   bool
	Err     error
}

func (e *EncoderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encoder error %d: %s (fatal: %v): %v", e.Code, e.Message, e.Fatal, e.Err)
	}
	return fmt.Sprintf("encoder error %d: %s (fatal: %v)", e.Code, e.Message, e.Fatal)
}

func (e *EncoderError) Unwrap() error { return e.Err }

func configError(msg string, err error) *EncoderError {
	if err == nil {
		err = ErrConfiguration
	} else if !errors.Is(err, ErrConfiguration) {
		err = fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return &EncoderError{Code: CodeConfiguration, Message: msg, Fatal: true, Err: err}
}

// IsFatal reports whether err ends the current recording attempt.
func IsFatal(err error) bool {
	var ee *EncoderError
	if errors.As(err, &ee) {
		return ee.Fatal
	}
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrInitialFrameNotEncoded)
}

// CompletionFunc receives the result of one Encode call. It may run on any
// goroutine and must not block on I/O.
type CompletionFunc func(out *media.Frame, err error)

// Compressor is a hardware or software codec instance. Encode queues a raw
// frame and returns immediately; the compressed sample (or the failure) is
// delivered to done exactly once. Completions arrive in submission order.
type Compressor interface {
	Encode(in *media.Frame, forceKeyframe bool, done CompletionFunc) error
	// Flush blocks until every queued frame has been completed.
	Flush() error
	Close() error
}

// Factory opens a compressor for cfg.
type Factory func(cfg Config, logger recorderlog.Logger) (Compressor, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[media.Codec]Factory)
)

// Register makes a compressor available for codec. Registering a codec twice
// replaces the earlier factory.
func Register(codec media.Codec, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[codec] = f
}

// Codecs returns the codecs with a registered compressor.
func Codecs() []media.Codec {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]media.Codec, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open creates a compressor for cfg.Codec from the registry.
func Open(cfg Config, logger recorderlog.Logger) (Compressor, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Codec]
	registryMu.RUnlock()
	if !ok {
		return nil, configError("no compressor available", fmt.Errorf("codec %q", cfg.Codec))
	}
	c, err := f(cfg, recorderlog.OrNop(logger))
	if err != nil {
		return nil, configError("open compressor", err)
	}
	return c, nil
}

// EncoderMetrics provides runtime statistics
type EncoderMetrics struct {
	FramesSubmitted uint64
	FramesEncoded   uint64
	AudioForwarded  uint64
	DroppedFrames   uint64
	KeyFrames       uint64
	BytesEncoded    uint64
	LastFrameSize   int
	EncodingTime    time.Duration
	State           State
}
