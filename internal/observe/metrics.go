// Package observe provides application-wide observability primitives for
// EchoPanel: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [MetricsHandler] at the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all EchoPanel metrics.
const meterName = "github.com/MrWong99/echopanel"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- ASR ---

	// InferenceDuration tracks the wall time of one engine call. Use with
	// attribute.String("provider", ...).
	InferenceDuration metric.Float64Histogram

	// RealtimeFactor tracks inference time divided by audio time per chunk.
	RealtimeFactor metric.Float64Histogram

	// SegmentsEmitted counts final segments sent to clients, by source.
	SegmentsEmitted metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// DegradeTransitions counts degrade ladder moves, by target level.
	DegradeTransitions metric.Int64Counter

	// --- Audio ingress ---

	// AudioBytes counts PCM bytes received, by source.
	AudioBytes metric.Int64Counter

	// ChunksDropped counts chunks dropped by backpressure, by source.
	ChunksDropped metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of admitted WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsRejected counts connections refused admission, by reason.
	SessionsRejected metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// inference on windows of a few seconds of audio.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// rtfBuckets straddle the degrade ladder thresholds.
var rtfBuckets = []float64{
	0.1, 0.25, 0.5, 0.7, 0.8, 1, 1.2, 1.5, 2, 4,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("echopanel.asr.inference.duration",
		metric.WithDescription("Wall time of one ASR engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RealtimeFactor, err = m.Float64Histogram("echopanel.asr.rtf",
		metric.WithDescription("Inference time divided by audio duration per chunk."),
		metric.WithExplicitBucketBoundaries(rtfBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsEmitted, err = m.Int64Counter("echopanel.segments.emitted",
		metric.WithDescription("Final segments sent to clients by source."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("echopanel.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.DegradeTransitions, err = m.Int64Counter("echopanel.degrade.transitions",
		metric.WithDescription("Degrade ladder transitions by target level."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("echopanel.audio.bytes",
		metric.WithDescription("PCM bytes received by source."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("echopanel.audio.chunks.dropped",
		metric.WithDescription("Audio chunks dropped by backpressure by source."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("echopanel.sessions.rejected",
		metric.WithDescription("Connections refused admission by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echopanel.sessions.active",
		metric.WithDescription("Number of admitted streaming sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echopanel.http.request.duration",
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

// RecordInference records one engine call and its realtime factor. A zero
// rtf is not recorded.
func (m *Metrics) RecordInference(ctx context.Context, provider string, seconds, rtf float64) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.InferenceDuration.Record(ctx, seconds, attrs)
	if rtf > 0 {
		m.RealtimeFactor.Record(ctx, rtf, attrs)
	}
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegments records n emitted segments for source.
func (m *Metrics) RecordSegments(ctx context.Context, source string, n int) {
	m.SegmentsEmitted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

// RecordAudio records received PCM bytes for source.
func (m *Metrics) RecordAudio(ctx context.Context, source string, bytes int) {
	m.AudioBytes.Add(ctx, int64(bytes), metric.WithAttributes(attribute.String("source", source)))
}

// RecordDropped records n backpressure drops for source.
func (m *Metrics) RecordDropped(ctx context.Context, source string, n int64) {
	if n <= 0 {
		return
	}
	m.ChunksDropped.Add(ctx, n, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDegrade records a ladder transition into level.
func (m *Metrics) RecordDegrade(ctx context.Context, level string) {
	m.DegradeTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// RecordRejected records a refused connection.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.SessionsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
