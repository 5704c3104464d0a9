// Package observe provides application-wide observability primitives for
// pcmbus: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pcmbus metrics.
const meterName = "github.com/MrWong99/pcmbus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Device data plane ---

	// CaptureFrames counts frames delivered to the bus. Use with attribute:
	//   attribute.String("device", ...)
	CaptureFrames metric.Int64Counter

	// RenderReads counts frames pulled from the bus. Use with attribute:
	//   attribute.String("device", ...)
	RenderReads metric.Int64Counter

	// RenderUnderruns counts short render reads that were silence-filled.
	RenderUnderruns metric.Int64Counter

	// DeviceDelay tracks the estimated pipeline delay. Use with attributes:
	//   attribute.String("device", ...), attribute.String("direction", ...)
	DeviceDelay metric.Float64Histogram

	// --- Device control plane ---

	// DeviceTransitions counts lifecycle transitions. Use with attributes:
	//   attribute.String("device", ...), attribute.String("direction", ...),
	//   attribute.String("state", ...)
	DeviceTransitions metric.Int64Counter

	// DeviceRecoveries counts interruption / route-change recoveries. Use
	// with attribute: attribute.String("result", "ok"|"failed")
	DeviceRecoveries metric.Int64Counter

	// SessionEvents counts platform session events. Use with attribute:
	//   attribute.String("event", "activate"|"deactivate"|"timeout")
	SessionEvents metric.Int64Counter

	// ActivationWait tracks how long delivery waited for session activation.
	ActivationWait metric.Float64Histogram

	// --- Engine ---

	// EngineDroppedFrames counts capture frames the engine could not queue.
	EngineDroppedFrames metric.Int64Counter

	// CodecPackets counts encoded/decoded packets. Use with attribute:
	//   attribute.String("direction", "encode"|"decode")
	CodecPackets metric.Int64Counter

	// CodecErrors counts codec failures. Use with attribute:
	//   attribute.String("direction", ...)
	CodecErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected engine sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// delayBuckets defines histogram bucket boundaries (in milliseconds) for
// device pipeline delay.
var delayBuckets = []float64{
	1, 2.5, 5, 10, 20, 40, 80, 150, 300, 500,
}

// waitBuckets defines histogram bucket boundaries (in seconds) for session
// activation waits.
var waitBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Data plane.
	if met.CaptureFrames, err = m.Int64Counter("pcmbus.capture.frames",
		metric.WithDescription("Total capture frames written to the bus by device."),
	); err != nil {
		return nil, err
	}
	if met.RenderReads, err = m.Int64Counter("pcmbus.render.reads",
		metric.WithDescription("Total render frames read from the bus by device."),
	); err != nil {
		return nil, err
	}
	if met.RenderUnderruns, err = m.Int64Counter("pcmbus.render.underruns",
		metric.WithDescription("Total short render reads filled with silence."),
	); err != nil {
		return nil, err
	}
	if met.DeviceDelay, err = m.Float64Histogram("pcmbus.device.delay",
		metric.WithDescription("Estimated device pipeline delay by direction."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(delayBuckets...),
	); err != nil {
		return nil, err
	}

	// Control plane.
	if met.DeviceTransitions, err = m.Int64Counter("pcmbus.device.transitions",
		metric.WithDescription("Total device lifecycle transitions by direction and target state."),
	); err != nil {
		return nil, err
	}
	if met.DeviceRecoveries, err = m.Int64Counter("pcmbus.device.recoveries",
		metric.WithDescription("Total device restarts after interruption or route change."),
	); err != nil {
		return nil, err
	}
	if met.SessionEvents, err = m.Int64Counter("pcmbus.session.events",
		metric.WithDescription("Total platform session activation events."),
	); err != nil {
		return nil, err
	}
	if met.ActivationWait, err = m.Float64Histogram("pcmbus.session.activation_wait",
		metric.WithDescription("Time delivery waited for session activation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(waitBuckets...),
	); err != nil {
		return nil, err
	}

	// Engine.
	if met.EngineDroppedFrames, err = m.Int64Counter("pcmbus.engine.dropped_frames",
		metric.WithDescription("Total capture frames dropped by a full engine queue."),
	); err != nil {
		return nil, err
	}
	if met.CodecPackets, err = m.Int64Counter("pcmbus.codec.packets",
		metric.WithDescription("Total codec packets by direction."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("pcmbus.codec.errors",
		metric.WithDescription("Total codec errors by direction."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("pcmbus.active_sessions",
		metric.WithDescription("Number of connected engine sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pcmbus.http.request.duration",
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

// RecordTransition records a device lifecycle transition.
func (m *Metrics) RecordTransition(ctx context.Context, device, direction, state string) {
	m.DeviceTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("device", device),
			attribute.String("direction", direction),
			attribute.String("state", state),
		),
	)
}

// RecordDelay records a delay estimate.
func (m *Metrics) RecordDelay(ctx context.Context, device, direction string, d time.Duration) {
	m.DeviceDelay.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(
			attribute.String("device", device),
			attribute.String("direction", direction),
		),
	)
}

// RecordSessionEvent records a platform session event.
func (m *Metrics) RecordSessionEvent(ctx context.Context, event string) {
	m.SessionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordRecovery records the outcome of a device restart.
func (m *Metrics) RecordRecovery(ctx context.Context, device, result string) {
	m.DeviceRecoveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("device", device),
			attribute.String("result", result),
		),
	)
}

// RecordCodecPacket records a codec packet, or a codec error when err is
// non-nil.
func (m *Metrics) RecordCodecPacket(ctx context.Context, direction string, err error) {
	opt := metric.WithAttributes(attribute.String("direction", direction))
	if err != nil {
		m.CodecErrors.Add(ctx, 1, opt)
		return
	}
	m.CodecPackets.Add(ctx, 1, opt)
}
