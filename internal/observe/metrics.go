// Package observe provides the OpenTelemetry metric instruments of the
// recorder and the Prometheus bridge that exposes them.
//
// Components take a *Metrics at construction; a nil *Metrics is valid and
// records nothing, so tests that do not care about metrics can pass nil.
// Tests that do should build one with [NewMetrics] over a ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mikeyg42/replaycap"

// Metrics holds the metric instruments of the recorder.
type Metrics struct {
	// FramesReceived counts frames delivered by the capture source.
	// Attribute: kind.
	FramesReceived metric.Int64Counter

	// FramesEncoded counts compressed samples produced by the encoder.
	// Attribute: kind.
	FramesEncoded metric.Int64Counter

	// FramesDropped counts frames dropped anywhere in the pipeline.
	// Attributes: kind, reason.
	FramesDropped metric.Int64Counter

	// ReplaySaves counts replay buffer saves. Attribute: status.
	ReplaySaves metric.Int64Counter

	// SaveDuration tracks how long a replay save takes to flush.
	SaveDuration metric.Float64Histogram

	// FlushRetries counts readiness retries during replay saves.
	FlushRetries metric.Int64Counter

	RecordingsStarted metric.Int64Counter
	RecordingsEnded   metric.Int64Counter

	// BytesWritten counts bytes of finalized output files.
	BytesWritten metric.Int64Counter

	// ActiveRecordings is 1 while a recording is running.
	ActiveRecordings metric.Int64UpDownCounter
}

// saveBuckets are histogram boundaries (seconds) for replay flushes.
var saveBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesReceived, err = m.Int64Counter("replaycap.frames.received",
		metric.WithDescription("Frames delivered by the capture source by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesEncoded, err = m.Int64Counter("replaycap.frames.encoded",
		metric.WithDescription("Compressed samples produced by kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("replaycap.frames.dropped",
		metric.WithDescription("Frames dropped by kind and reason."),
	); err != nil {
		return nil, err
	}
	if met.ReplaySaves, err = m.Int64Counter("replaycap.replay.saves",
		metric.WithDescription("Replay buffer saves by status."),
	); err != nil {
		return nil, err
	}
	if met.SaveDuration, err = m.Float64Histogram("replaycap.replay.save.duration",
		metric.WithDescription("Time taken to flush a replay buffer to disk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(saveBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FlushRetries, err = m.Int64Counter("replaycap.replay.flush.retries",
		metric.WithDescription("Readiness retries while flushing replay buffers."),
	); err != nil {
		return nil, err
	}
	if met.RecordingsStarted, err = m.Int64Counter("replaycap.recordings.started",
		metric.WithDescription("Recordings started by mode."),
	); err != nil {
		return nil, err
	}
	if met.RecordingsEnded, err = m.Int64Counter("replaycap.recordings.ended",
		metric.WithDescription("Recordings ended by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.BytesWritten, err = m.Int64Counter("replaycap.bytes.written",
		metric.WithDescription("Bytes of finalized output files."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("replaycap.recordings.active",
		metric.WithDescription("Number of running recordings."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance built from the global
// meter provider on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a shorthand for attribute.String.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func (m *Metrics) FrameReceived(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

func (m *Metrics) FrameEncoded(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.FramesEncoded.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

func (m *Metrics) FrameDropped(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("reason", reason)))
}

// RecordSave records one replay save with its outcome and flush time.
func (m *Metrics) RecordSave(ctx context.Context, status string, took time.Duration, retries int64) {
	if m == nil {
		return
	}
	m.ReplaySaves.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	m.SaveDuration.Record(ctx, took.Seconds())
	if retries > 0 {
		m.FlushRetries.Add(ctx, retries)
	}
}

func (m *Metrics) RecordingStarted(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.RecordingsStarted.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode)))
	m.ActiveRecordings.Add(ctx, 1)
}

func (m *Metrics) RecordingEnded(ctx context.Context, mode, status string) {
	if m == nil {
		return
	}
	m.RecordingsEnded.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode), Attr("status", status)))
	m.ActiveRecordings.Add(ctx, -1)
}

func (m *Metrics) AddBytes(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(ctx, n)
}
