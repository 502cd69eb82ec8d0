// Package observe provides application-wide observability primitives for
// pulsekit: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Nothing in this package is called from the audio callbacks. The telemetry
// recorder feeds it from drained beat events and periodic snapshots.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pulsekit metrics.
const meterName = "github.com/MrWong99/pulsekit"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Beats ---

	// Beats counts beat events. Use with attribute:
	//   attribute.String("participant", ...)
	// Synthetic beats are counted under participant "synthetic".
	Beats metric.Int64Counter

	// BPM is the latest rate estimate per participant.
	BPM metric.Float64Gauge

	// Envelope is the latest detector envelope per participant.
	Envelope metric.Float64Gauge

	// --- Signal health ---

	// FallbackBlend is the crossfade between live and synthetic output
	// (0 live, 1 synthetic).
	FallbackBlend metric.Float64Gauge

	// FallbackActive is 1 while the synthetic heartbeat is engaged.
	FallbackActive metric.Int64Gauge

	// DropoutDuration tracks how long each fallback episode lasted.
	DropoutDuration metric.Float64Histogram

	// LimiterReduction is the output limiter gain reduction in dB.
	LimiterReduction metric.Float64Gauge

	// --- Calibration ---

	// CalibrationRuns counts calibration runs. Use with attributes:
	//   attribute.String("kind", "channel"|"envelope"), attribute.String("result", ...)
	CalibrationRuns metric.Int64Counter

	// CalibrationDuration tracks the wall time of a calibration run.
	CalibrationDuration metric.Float64Histogram

	// --- Telemetry sinks ---

	// SinkWrites counts sink writes. Use with attributes:
	//   attribute.String("sink", ...), attribute.String("status", ...)
	SinkWrites metric.Int64Counter

	// SinkWriteDuration tracks the latency of a sink write.
	SinkWriteDuration metric.Float64Histogram

	// StreamClients tracks connected websocket subscribers.
	StreamClients metric.Int64UpDownCounter

	// --- Device ---

	// AudioBuffers counts processed device buffers. Use with attribute:
	//   attribute.String("device", ...)
	AudioBuffers metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for sink
// writes.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// episodeBuckets defines bucket boundaries (in seconds) for dropouts and
// calibration runs.
var episodeBuckets = []float64{
	0.5, 1, 2, 3, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Beats.
	if met.Beats, err = m.Int64Counter("pulsekit.beats",
		metric.WithDescription("Total beat events by participant."),
	); err != nil {
		return nil, err
	}
	if met.BPM, err = m.Float64Gauge("pulsekit.bpm",
		metric.WithDescription("Latest heart rate estimate by participant."),
		metric.WithUnit("{beat}/min"),
	); err != nil {
		return nil, err
	}
	if met.Envelope, err = m.Float64Gauge("pulsekit.envelope",
		metric.WithDescription("Latest detector envelope by participant."),
	); err != nil {
		return nil, err
	}

	// Signal health.
	if met.FallbackBlend, err = m.Float64Gauge("pulsekit.fallback.blend",
		metric.WithDescription("Crossfade between live and synthetic output."),
	); err != nil {
		return nil, err
	}
	if met.FallbackActive, err = m.Int64Gauge("pulsekit.fallback.active",
		metric.WithDescription("1 while the synthetic heartbeat is engaged."),
	); err != nil {
		return nil, err
	}
	if met.DropoutDuration, err = m.Float64Histogram("pulsekit.dropout.duration",
		metric.WithDescription("Length of signal dropout episodes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(episodeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LimiterReduction, err = m.Float64Gauge("pulsekit.limiter.reduction",
		metric.WithDescription("Output limiter gain reduction."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}

	// Calibration.
	if met.CalibrationRuns, err = m.Int64Counter("pulsekit.calibration.runs",
		metric.WithDescription("Total calibration runs by kind and result."),
	); err != nil {
		return nil, err
	}
	if met.CalibrationDuration, err = m.Float64Histogram("pulsekit.calibration.duration",
		metric.WithDescription("Wall time of calibration runs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(episodeBuckets...),
	); err != nil {
		return nil, err
	}

	// Sinks.
	if met.SinkWrites, err = m.Int64Counter("pulsekit.sink.writes",
		metric.WithDescription("Total telemetry sink writes by sink and status."),
	); err != nil {
		return nil, err
	}
	if met.SinkWriteDuration, err = m.Float64Histogram("pulsekit.sink.write.duration",
		metric.WithDescription("Latency of telemetry sink writes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamClients, err = m.Int64UpDownCounter("pulsekit.stream.clients",
		metric.WithDescription("Number of connected beat stream subscribers."),
	); err != nil {
		return nil, err
	}

	// Device.
	if met.AudioBuffers, err = m.Int64Counter("pulsekit.audio.buffers",
		metric.WithDescription("Total audio buffers processed by device."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pulsekit.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBeat increments the beat counter for participant.
func (m *Metrics) RecordBeat(ctx context.Context, participant string) {
	m.Beats.Add(ctx, 1, metric.WithAttributes(attribute.String("participant", participant)))
}

// RecordChannel records the latest rate and envelope of one participant.
func (m *Metrics) RecordChannel(ctx context.Context, participant string, bpm, envelope float64) {
	attrs := metric.WithAttributes(attribute.String("participant", participant))
	m.BPM.Record(ctx, bpm, attrs)
	m.Envelope.Record(ctx, envelope, attrs)
}

// RecordSignal records the fallback state and the limiter reduction.
func (m *Metrics) RecordSignal(ctx context.Context, fallback bool, blend, reductionDB float64) {
	var active int64
	if fallback {
		active = 1
	}
	m.FallbackActive.Record(ctx, active)
	m.FallbackBlend.Record(ctx, blend)
	m.LimiterReduction.Record(ctx, reductionDB)
}

// RecordCalibration records one finished calibration run.
func (m *Metrics) RecordCalibration(ctx context.Context, kind, result string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	)
	m.CalibrationRuns.Add(ctx, 1, attrs)
	m.CalibrationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSinkWrite records one sink write with its outcome and latency.
func (m *Metrics) RecordSinkWrite(ctx context.Context, sink, status string, d time.Duration) {
	m.SinkWrites.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status),
		),
	)
	m.SinkWriteDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("sink", sink)))
}
