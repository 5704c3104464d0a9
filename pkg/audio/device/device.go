// Package device provides the reference software implementation of
// [audio.Device] and [audio.SessionManager].
//
// A [Device] pairs a pluggable capture [Source] and render [Sink] with two
// independent lifecycle state machines. Once a direction is started, a
// delivery goroutine moves one period (10 ms by default) of PCM per tick
// between the backend and the engine's [audio.Bus]: capture is pushed with
// WriteCaptureData, render is pulled with ReadRenderData and silence-filled
// on short reads.
//
// Delivery is gated on the platform audio session being active. In
// [audio.ModeVideoChat] the device activates the session itself when a
// direction starts; in [audio.ModeCallingServices] an external
// calling-service integration reports activation through
// AudioSessionDidActivate and AudioSessionDidDeactivate. A delivery goroutine
// never waits longer than the activation timeout.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
)

// backend is the lifecycle surface shared by [Source] and [Sink].
type backend interface {
	Open(f audio.Format) error
	Latency() time.Duration
	Close() error
}

// stream is the per-direction state. Fields other than the atomics are
// guarded by Device.mu.
type stream struct {
	dir      audio.Direction
	format   audio.Format
	backend  backend
	maxDelay time.Duration

	state  audio.State
	opened bool

	// interrupted marks a started stream whose delivery was halted by an
	// interruption or route change and is awaiting restart.
	interrupted bool

	// reroute marks an interrupted stream whose backend must be reopened
	// when the interruption ends because the route changed meanwhile.
	reroute bool

	cancel context.CancelFunc
	done   chan struct{}

	live  atomic.Bool
	delay atomic.Int64 // time.Duration
}

// Device is a software audio device. Create it with [New]. All methods are
// safe for concurrent use; lifecycle methods are serialised.
type Device struct {
	id                string
	name              string
	log               *slog.Logger
	metrics           *observe.Metrics
	period            time.Duration
	activationTimeout time.Duration
	restartAttempts   int
	restartBackoff    time.Duration

	source Source
	sink   Sink

	mu      sync.Mutex
	bus     audio.Bus
	closed  bool
	capture stream
	render  stream

	sess session

	// recoveries tracks restart goroutines; closing aborts their backoff.
	recoveries sync.WaitGroup
	closing    chan struct{}
}

// New creates a device. Without [WithSource] or [WithSink] the respective
// direction reports itself unavailable.
func New(opts ...Option) *Device {
	d := &Device{
		id:                uuid.NewString(),
		name:              "software",
		period:            DefaultPeriod,
		activationTimeout: DefaultActivationTimeout,
		restartAttempts:   DefaultRestartRetries,
		restartBackoff:    DefaultRestartBackoff,
		closing:           make(chan struct{}),
		capture: stream{
			dir:      audio.Capture,
			format:   audio.DefaultFormat,
			maxDelay: MaxCaptureDelay,
		},
		render: stream{
			dir:      audio.Render,
			format:   audio.DefaultFormat,
			maxDelay: MaxRenderDelay,
		},
	}
	d.sess.init()
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "device", "device", d.name, "device_id", d.id)
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// ID returns the unique instance identifier.
func (d *Device) ID() string { return d.id }

// Name returns the configured name.
func (d *Device) Name() string { return d.name }

// SetAudioBus implements [audio.Device]. The bus may be replaced only while
// both directions are uninitialized.
func (d *Device) SetAudioBus(bus audio.Bus) error {
	if bus == nil {
		return audio.ErrNilBus
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrClosed
	}
	if d.capture.state != audio.StateUninitialized || d.render.state != audio.StateUninitialized {
		return fmt.Errorf("device: set bus: %w", audio.ErrBusInUse)
	}
	d.bus = bus
	return nil
}

// CaptureFormat implements [audio.Device].
func (d *Device) CaptureFormat() audio.Format { return d.capture.format }

// RenderFormat implements [audio.Device].
func (d *Device) RenderFormat() audio.Format { return d.render.format }

// CaptureIsAvailable implements [audio.Device].
func (d *Device) CaptureIsAvailable() bool { return d.capture.backend != nil }

// RenderingIsAvailable implements [audio.Device].
func (d *Device) RenderingIsAvailable() bool { return d.render.backend != nil }

// InitializeCapture implements [audio.Device].
func (d *Device) InitializeCapture() error { return d.initialize(&d.capture) }

// InitializeRendering implements [audio.Device].
func (d *Device) InitializeRendering() error { return d.initialize(&d.render) }

// CaptureIsInitialized implements [audio.Device]. True in Initialized and
// Started.
func (d *Device) CaptureIsInitialized() bool {
	return d.CaptureState() != audio.StateUninitialized
}

// RenderingIsInitialized implements [audio.Device].
func (d *Device) RenderingIsInitialized() bool {
	return d.RenderState() != audio.StateUninitialized
}

// CaptureState returns the formal capture state.
func (d *Device) CaptureState() audio.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capture.state
}

// RenderState returns the formal render state.
func (d *Device) RenderState() audio.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.render.state
}

// StartCapture implements [audio.Device].
func (d *Device) StartCapture() error { return d.start(&d.capture) }

// StartRendering implements [audio.Device].
func (d *Device) StartRendering() error { return d.start(&d.render) }

// StopCapture implements [audio.Device].
func (d *Device) StopCapture() error { return d.stop(&d.capture) }

// StopRendering implements [audio.Device].
func (d *Device) StopRendering() error { return d.stop(&d.render) }

// TerminateCapture returns capture to Uninitialized, stopping it first if
// needed, and closes the source.
func (d *Device) TerminateCapture() error { return d.terminate(&d.capture) }

// TerminateRendering returns render to Uninitialized and closes the sink.
func (d *Device) TerminateRendering() error { return d.terminate(&d.render) }

// IsCapturing implements [audio.Device]. It reports liveness, not state.
func (d *Device) IsCapturing() bool { return d.capture.live.Load() }

// IsRendering implements [audio.Device].
func (d *Device) IsRendering() bool { return d.render.live.Load() }

// EstimatedCaptureDelay implements [audio.Device].
func (d *Device) EstimatedCaptureDelay() time.Duration {
	return time.Duration(d.capture.delay.Load())
}

// EstimatedRenderDelay implements [audio.Device].
func (d *Device) EstimatedRenderDelay() time.Duration {
	return time.Duration(d.render.delay.Load())
}

// IsClosed reports whether Close was called.
func (d *Device) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close terminates both directions, deactivates a session the device
// activated itself and makes every later lifecycle call fail with
// [audio.ErrClosed]. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	errC := d.terminateLocked(&d.capture)
	errR := d.terminateLocked(&d.render)
	d.sess.release(d.log)
	d.closed = true
	close(d.closing)
	d.mu.Unlock()

	d.recoveries.Wait()
	d.log.Info("device closed")
	if errC != nil {
		return errC
	}
	return errR
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func (d *Device) initialize(s *stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrClosed
	}
	if s.state != audio.StateUninitialized {
		return nil
	}
	if d.bus == nil {
		return fmt.Errorf("device: initialize %s: %w", s.dir, audio.ErrNoBus)
	}
	if s.backend == nil {
		return fmt.Errorf("device: initialize %s: %w", s.dir, audio.ErrUnavailable)
	}
	if err := s.format.Validate(); err != nil {
		return fmt.Errorf("device: initialize %s: %w", s.dir, err)
	}
	if err := s.backend.Open(s.format); err != nil {
		return fmt.Errorf("device: open %s backend: %w", s.dir, err)
	}
	s.opened = true
	d.transition(s, audio.StateInitialized)
	return nil
}

func (d *Device) start(s *stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrClosed
	}
	switch s.state {
	case audio.StateUninitialized:
		return fmt.Errorf("device: start %s: %w", s.dir, audio.ErrNotInitialized)
	case audio.StateStarted:
		return fmt.Errorf("device: start %s: %w", s.dir, audio.ErrAlreadyStarted)
	}
	if err := d.sess.beforeStart(d.sessionConfig(audio.SessionModeVideoChat), d.log); err != nil {
		return fmt.Errorf("device: start %s: %w", s.dir, err)
	}
	d.launch(s)
	d.transition(s, audio.StateStarted)
	return nil
}

func (d *Device) stop(s *stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.state != audio.StateStarted {
		return nil
	}
	d.halt(s)
	s.interrupted, s.reroute = false, false
	d.transition(s, audio.StateInitialized)
	if d.capture.state != audio.StateStarted && d.render.state != audio.StateStarted {
		d.sess.afterStop(d.log)
	}
	return nil
}

func (d *Device) terminate(s *stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.terminateLocked(s)
	if d.capture.state != audio.StateStarted && d.render.state != audio.StateStarted {
		d.sess.afterStop(d.log)
	}
	return err
}

func (d *Device) terminateLocked(s *stream) error {
	if s.state == audio.StateUninitialized {
		return nil
	}
	d.halt(s)
	s.interrupted = false
	s.reroute = false
	var err error
	if s.opened {
		if err = s.backend.Close(); err != nil {
			err = fmt.Errorf("device: close %s backend: %w", s.dir, err)
		}
		s.opened = false
	}
	d.transition(s, audio.StateUninitialized)
	return err
}

// launch starts the delivery goroutine for s. Caller holds d.mu.
func (d *Device) launch(s *stream) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go d.deliver(ctx, s, d.bus, s.done)
}

// halt stops the delivery goroutine of s and waits for it to exit. The
// goroutine never takes d.mu, so holding it here cannot deadlock.
func (d *Device) halt(s *stream) {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
	}
	s.live.Store(false)
}

// exited reports whether the delivery goroutine of a started stream has
// returned on its own (activation timeout, exhausted source).
func (s *stream) exited() bool {
	if s.done == nil {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (d *Device) transition(s *stream, to audio.State) {
	from := s.state
	s.state = to
	d.metrics.RecordTransition(context.Background(), d.name, s.dir.String(), to.String())
	d.log.Debug("device state changed",
		"direction", s.dir.String(),
		"from", from.String(),
		"to", to.String(),
	)
}

var (
	_ audio.Device         = (*Device)(nil)
	_ audio.SessionManager = (*Device)(nil)
)
