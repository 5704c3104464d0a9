package device

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
	"go.opentelemetry.io/otel/metric"
)

// Delay estimation constants. The estimate is refreshed on the first
// callback and then every delayUpdateInterval callbacks.
const (
	delayUpdateInterval = 100
	delayCompensation   = 500 * time.Microsecond

	// MaxCaptureDelay caps [Device.EstimatedCaptureDelay].
	MaxCaptureDelay = 500 * time.Millisecond

	// MaxRenderDelay caps [Device.EstimatedRenderDelay].
	MaxRenderDelay = 150 * time.Millisecond
)

// estimateDelay sums the backend latency and one I/O period, subtracts the
// fixed compensation, truncates to whole milliseconds and clamps to limit.
func estimateDelay(latency, period, limit time.Duration) time.Duration {
	d := latency + period
	if d > delayCompensation {
		d -= delayCompensation
	}
	d = d.Truncate(time.Millisecond)
	return min(d, limit)
}

// deliver is the delivery goroutine of one started direction. It never takes
// d.mu.
func (d *Device) deliver(ctx context.Context, s *stream, bus audio.Bus, done chan<- struct{}) {
	defer close(done)
	defer s.live.Store(false)

	periods := s.format.SamplesIn(d.period)
	if periods < 1 {
		periods = 1
	}
	buf := make([]int16, periods*s.format.Channels)
	attrs := metric.WithAttributes(observe.Attr("device", d.name))

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	var calls int
	for {
		if !d.awaitActive(ctx, s) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !d.sess.isActive() {
			// Deactivated since the last wait; pause until reactivated.
			continue
		}

		var ok bool
		if s.dir == audio.Capture {
			ok = d.captureOnce(ctx, s, bus, buf, attrs)
		} else {
			ok = d.renderOnce(ctx, s, bus, buf, periods, attrs)
		}
		if !ok {
			return
		}

		if calls%delayUpdateInterval == 0 {
			est := estimateDelay(s.backend.Latency(), d.period, s.maxDelay)
			s.delay.Store(int64(est))
			d.metrics.RecordDelay(ctx, d.name, s.dir.String(), est)
		}
		calls++
	}
}

// captureOnce reads one period from the source and pushes it to the bus.
// It returns false when the goroutine should exit.
func (d *Device) captureOnce(ctx context.Context, s *stream, bus audio.Bus, buf []int16, attrs metric.MeasurementOption) bool {
	n, err := d.source.Read(buf)
	if err != nil {
		s.live.Store(false)
		if errors.Is(err, io.EOF) {
			d.log.Info("capture source exhausted")
			return false
		}
		d.log.Warn("capture source read failed", "err", err)
		return true
	}
	s.live.Store(true)
	if n <= 0 {
		return true
	}
	ch := s.format.Channels
	n = min(n, len(buf)/ch)
	bus.WriteCaptureData(audio.Frame{
		Format:      s.format,
		Samples:     buf[:n*ch],
		SampleCount: n,
	})
	d.metrics.CaptureFrames.Add(ctx, 1, attrs)
	return true
}

// renderOnce pulls one period from the bus, silence-fills a short read and
// writes the period to the sink.
func (d *Device) renderOnce(ctx context.Context, s *stream, bus audio.Bus, buf []int16, periods int, attrs metric.MeasurementOption) bool {
	n := bus.ReadRenderData(audio.Frame{
		Format:      s.format,
		Samples:     buf,
		SampleCount: periods,
	})
	n = max(0, min(n, periods))
	if n < periods {
		clear(buf[n*s.format.Channels:])
		d.metrics.RenderUnderruns.Add(ctx, 1, attrs)
	}
	d.metrics.RenderReads.Add(ctx, 1, attrs)

	if err := d.sink.Write(buf); err != nil {
		if s.live.Swap(false) {
			d.log.Warn("render sink write failed", "err", err)
		}
		return true
	}
	s.live.Store(true)
	return true
}

// awaitActive blocks until the platform session is active. It returns false
// when ctx is cancelled or the activation timeout elapses; liveness is false
// while waiting.
func (d *Device) awaitActive(ctx context.Context, s *stream) bool {
	if d.sess.isActive() {
		return true
	}
	s.live.Store(false)
	wake := d.sess.wait()
	start := time.Now()
	timer := time.NewTimer(d.activationTimeout)
	defer timer.Stop()

	select {
	case <-wake:
		d.metrics.ActivationWait.Record(ctx, time.Since(start).Seconds())
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		d.metrics.RecordSessionEvent(ctx, "timeout")
		d.log.Warn("gave up waiting for audio session activation",
			"direction", s.dir.String(),
			"timeout", d.activationTimeout,
		)
		return false
	}
}
