// Package observe provides application-wide observability primitives for
// lessonvoice: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all lessonvoice metrics.
const meterName = "github.com/MrWong99/lessonvoice"

// Drop reasons recorded on [Metrics.FramesDropped].
const (
	DropNotOpen      = "not_open"     // transport was not OPEN
	DropSendFailed   = "send_failed"  // provider rejected the frame
	DropBackpressure = "backpressure" // device block discarded before encoding
	DropMalformed    = "malformed"    // inbound chunk could not be decoded
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Connection ---

	// ConnectAttempts counts dial attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConnectAttempts metric.Int64Counter

	// ConnectDuration tracks the time from Connect to OPEN, retries included.
	ConnectDuration metric.Float64Histogram

	// TransportErrors counts socket errors after the link was OPEN.
	TransportErrors metric.Int64Counter

	// --- Upstream audio ---

	// FramesSent counts encoded capture frames handed to the provider.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames that never reached the wire. Use with
	// attribute: attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// --- Downstream audio ---

	// ChunksScheduled counts model audio chunks placed on the output timeline.
	ChunksScheduled metric.Int64Counter

	// ChunksMalformed counts inbound chunks that failed to decode.
	ChunksMalformed metric.Int64Counter

	// PlaybackLead tracks how far ahead of the device clock each chunk was
	// scheduled. Zero means the queue had run dry.
	PlaybackLead metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection setup, which includes backoff waits of up to several seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20,
}

// leadBuckets defines histogram bucket boundaries (in seconds) for the
// playback queue depth.
var leadBuckets = []float64{
	0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("lessonvoice.connect.duration",
		metric.WithDescription("Time from connect request to an open link, retries included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("lessonvoice.playback.lead",
		metric.WithDescription("Scheduled start minus device time for each playback chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectAttempts, err = m.Int64Counter("lessonvoice.connect.attempts",
		metric.WithDescription("Total connection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("lessonvoice.frames.sent",
		metric.WithDescription("Total microphone frames sent to the remote endpoint."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("lessonvoice.frames.dropped",
		metric.WithDescription("Total audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("lessonvoice.chunks.scheduled",
		metric.WithDescription("Total model audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunksMalformed, err = m.Int64Counter("lessonvoice.chunks.malformed",
		metric.WithDescription("Total inbound audio chunks that failed to decode."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("lessonvoice.transport.errors",
		metric.WithDescription("Total socket errors on open links."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lessonvoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lessonvoice.http.request.duration",
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

// RecordConnectAttempt records one dial attempt with its outcome.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, status string) {
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFrameDropped records one dropped frame with the given reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.RecordFramesDropped(ctx, reason, 1)
}

// RecordFramesDropped records n dropped frames with the given reason.
func (m *Metrics) RecordFramesDropped(ctx context.Context, reason string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordChunkScheduled records a scheduled playback chunk and how far ahead of
// the device clock it was placed.
func (m *Metrics) RecordChunkScheduled(ctx context.Context, lead float64) {
	m.ChunksScheduled.Add(ctx, 1)
	m.PlaybackLead.Record(ctx, lead)
}
