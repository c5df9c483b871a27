// Package observe provides application-wide observability primitives for
// pttlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all pttlink metrics.
const meterName = "github.com/MrWong99/pttlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Device relay ---

	// Frames counts tagged relay frames. Use with attributes:
	//   attribute.String("direction", "in"|"out"), attribute.String("tag", ...)
	Frames metric.Int64Counter

	// BufferOverflows counts inbound audio fragments dropped because the
	// utterance buffer was full.
	BufferOverflows metric.Int64Counter

	// Playbacks counts playback cycles. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"dropped")
	Playbacks metric.Int64Counter

	// PlaybackDuration tracks wall time spent in playback mode.
	PlaybackDuration metric.Float64Histogram

	// ModeSwitches counts peripheral reconfigurations. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	ModeSwitches metric.Int64Counter

	// --- Transports ---

	// Reconnects counts reconnection attempts. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("status", ...)
	Reconnects metric.Int64Counter

	// --- Companion relay ---

	// Utterances counts completed inbound utterances. Use with attribute:
	//   attribute.String("status", "accepted"|"too_short"|"failed")
	Utterances metric.Int64Counter

	// ResponderDuration tracks the latency of producing a reply. Use with
	// attribute: attribute.String("responder", ...)
	ResponderDuration metric.Float64Histogram

	// ResponderErrors counts failed responder calls. Use with attribute:
	//   attribute.String("responder", ...)
	ResponderErrors metric.Int64Counter

	// ActiveSessions tracks the number of connected devices.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for reply
// generation and playback, which span from tens of milliseconds to tens of
// seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Relay.
	if met.Frames, err = m.Int64Counter("pttlink.relay.frames",
		metric.WithDescription("Tagged relay frames by direction and tag."),
	); err != nil {
		return nil, err
	}
	if met.BufferOverflows, err = m.Int64Counter("pttlink.relay.buffer_overflows",
		metric.WithDescription("Inbound audio fragments dropped on a full utterance buffer."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("pttlink.relay.playbacks",
		metric.WithDescription("Playback cycles by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("pttlink.relay.playback.duration",
		metric.WithDescription("Time spent in playback mode per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModeSwitches, err = m.Int64Counter("pttlink.peripheral.mode_switches",
		metric.WithDescription("Audio peripheral reconfigurations by mode and status."),
	); err != nil {
		return nil, err
	}

	// Transports.
	if met.Reconnects, err = m.Int64Counter("pttlink.transport.reconnects",
		metric.WithDescription("Transport reconnection attempts by transport and status."),
	); err != nil {
		return nil, err
	}

	// Companion relay.
	if met.Utterances, err = m.Int64Counter("pttlink.server.utterances",
		metric.WithDescription("Completed device utterances by status."),
	); err != nil {
		return nil, err
	}
	if met.ResponderDuration, err = m.Float64Histogram("pttlink.responder.duration",
		metric.WithDescription("Latency of producing a spoken reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponderErrors, err = m.Int64Counter("pttlink.responder.errors",
		metric.WithDescription("Failed responder calls by responder."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("pttlink.server.active_sessions",
		metric.WithDescription("Number of connected devices."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pttlink.http.request.duration",
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

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordFrame records one tagged frame in the given direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction, tag string) {
	m.Frames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("tag", tag),
		),
	)
}

// RecordPlayback records a playback cycle and, unless it was dropped, its
// duration.
func (m *Metrics) RecordPlayback(ctx context.Context, seconds float64, status string) {
	m.Playbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status != "dropped" {
		m.PlaybackDuration.Record(ctx, seconds)
	}
}

// RecordModeSwitch records a peripheral reconfiguration attempt.
func (m *Metrics) RecordModeSwitch(ctx context.Context, mode string, err error) {
	m.ModeSwitches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status(err)),
		),
	)
}

// RecordReconnect records a transport reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, transport string, err error) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status(err)),
		),
	)
}

// RecordUtterance records a completed device utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordResponder records the latency and outcome of one responder call.
func (m *Metrics) RecordResponder(ctx context.Context, responder string, seconds float64, err error) {
	attrs := metric.WithAttributes(attribute.String("responder", responder))
	m.ResponderDuration.Record(ctx, seconds, attrs)
	if err != nil {
		m.ResponderErrors.Add(ctx, 1, attrs)
	}
}
