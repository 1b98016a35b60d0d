// Package observe provides application-wide observability primitives for
// homefix: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all homefix metrics.
const meterName = "github.com/dadfix/homefix"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice session ---

	// SessionStartDuration tracks the time from Start to a live model stream.
	SessionStartDuration metric.Float64Histogram

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionErrors counts sessions that ended in the error state. Use with
	// attribute:
	//   attribute.String("kind", "credentials"|"transport")
	SessionErrors metric.Int64Counter

	// ProtocolUnrecognized counts inbound envelopes that could not be decoded.
	ProtocolUnrecognized metric.Int64Counter

	// --- Audio path ---

	// AudioFramesSent counts captured frames handed to the session.
	AudioFramesSent metric.Int64Counter

	// AudioFramesDropped counts captured frames dropped at the real-time
	// hand-off.
	AudioFramesDropped metric.Int64Counter

	// PlaybackBuffers counts output buffers played.
	PlaybackBuffers metric.Int64Counter

	// PlaybackDecodeErrors counts output payloads skipped as malformed.
	PlaybackDecodeErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup, which is dominated by credential fetch and TLS.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionStartDuration, err = m.Float64Histogram("homefix.session.start.duration",
		metric.WithDescription("Latency from session start to an open model stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("homefix.sessions.active",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("homefix.session.errors",
		metric.WithDescription("Voice sessions that failed, by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolUnrecognized, err = m.Int64Counter("homefix.protocol.unrecognized",
		metric.WithDescription("Inbound model envelopes that could not be interpreted."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesSent, err = m.Int64Counter("homefix.audio.frames.sent",
		metric.WithDescription("Captured audio frames sent to the model."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("homefix.audio.frames.dropped",
		metric.WithDescription("Captured audio frames dropped at the real-time hand-off."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBuffers, err = m.Int64Counter("homefix.playback.buffers",
		metric.WithDescription("Output audio buffers played."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDecodeErrors, err = m.Int64Counter("homefix.playback.decode_errors",
		metric.WithDescription("Output audio payloads skipped as malformed."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("homefix.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// RecordSessionError records a failed session with the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSessionStart records the start latency in seconds and bumps the
// active-session gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, seconds float64) {
	m.SessionStartDuration.Record(ctx, seconds)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd decrements the active-session gauge.
func (m *Metrics) RecordSessionEnd(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}
