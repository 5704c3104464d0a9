package device

import (
	"log/slog"
	"time"

	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
)

// Defaults applied by [New].
const (
	DefaultPeriod            = 10 * time.Millisecond
	DefaultActivationTimeout = 10 * time.Second
	DefaultRestartRetries    = 5
	DefaultRestartBackoff    = time.Second
)

// Option configures a [Device].
type Option func(*Device)

// WithName sets the device name used in logs and metric attributes.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithCaptureFormat sets the capture format. Default: [audio.DefaultFormat].
func WithCaptureFormat(f audio.Format) Option {
	return func(d *Device) { d.capture.format = f }
}

// WithRenderFormat sets the render format. Default: [audio.DefaultFormat].
func WithRenderFormat(f audio.Format) Option {
	return func(d *Device) { d.render.format = f }
}

// WithSource attaches the capture backend. Without one, capture is
// unavailable.
func WithSource(s Source) Option {
	return func(d *Device) {
		d.source = s
		if s != nil {
			d.capture.backend = s
		}
	}
}

// WithSink attaches the render backend. Without one, rendering is
// unavailable.
func WithSink(s Sink) Option {
	return func(d *Device) {
		d.sink = s
		if s != nil {
			d.render.backend = s
		}
	}
}

// WithPeriod sets the delivery period. Default: 10 ms.
func WithPeriod(p time.Duration) Option {
	return func(d *Device) {
		if p > 0 {
			d.period = p
		}
	}
}

// WithPlatformSession attaches the platform audio session the device
// configures and, in video-chat mode, activates.
func WithPlatformSession(s audio.PlatformSession) Option {
	return func(d *Device) { d.sess.platform = s }
}

// WithActivationTimeout bounds how long a delivery goroutine waits for
// session activation before exiting. Default: 10 s.
func WithActivationTimeout(t time.Duration) Option {
	return func(d *Device) {
		if t > 0 {
			d.activationTimeout = t
		}
	}
}

// WithRestartPolicy sets the number of restart attempts after an
// interruption or route change and the pause between them. Default: 5
// attempts, 1 s apart.
func WithRestartPolicy(attempts int, backoff time.Duration) Option {
	return func(d *Device) {
		if attempts > 0 {
			d.restartAttempts = attempts
		}
		if backoff >= 0 {
			d.restartBackoff = backoff
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Device) { d.metrics = m }
}

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}
