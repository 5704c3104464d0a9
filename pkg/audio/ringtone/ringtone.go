// Package ringtone decorates a software [device.Device] with an incoming-call
// ringtone.
//
// While the ringtone plays, the wrapped device's capture and render are
// paused and lifecycle calls from the engine cannot be honoured; they are
// queued and replayed in order once the ringtone is silenced. Terminating a
// direction is never queued; it also drops what was queued for it.
package ringtone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
	"github.com/MrWong99/pcmbus/pkg/audio/wavio"
)

// errSilenced is the cancellation cause of an explicit silence.
var errSilenced = errors.New("ringtone silenced")

// DefaultAutoRingDelay is the pause between the first StartCapture and the
// automatic ringtone.
const DefaultAutoRingDelay = 100 * time.Millisecond

// Option configures a [Device].
type Option func(*Device)

// WithAutoRing rings once, shortly after the first successful StartCapture.
func WithAutoRing(delay time.Duration) Option {
	return func(r *Device) {
		r.autoRing = true
		if delay > 0 {
			r.autoDelay = delay
		}
	}
}

// WithPlayOnce plays the clip a single time and silences itself at the end
// instead of looping.
func WithPlayOnce() Option {
	return func(r *Device) { r.loop = false }
}

// WithPeriod sets the ringtone playback period. Default: [device.DefaultPeriod].
func WithPeriod(p time.Duration) Option {
	return func(r *Device) {
		if p > 0 {
			r.period = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Device) {
		if l != nil {
			r.log = l
		}
	}
}

type deferredCall struct {
	name string
	dir  audio.Direction
	fn   func() error
}

// Device wraps a [device.Device]. Methods not overridden here, including the
// session manager methods, are those of the wrapped device.
type Device struct {
	*device.Device

	clip      *wavio.Clip
	sink      device.Sink
	loop      bool
	autoRing  bool
	autoDelay time.Duration
	period    time.Duration
	log       *slog.Logger

	autoOnce sync.Once

	mu       sync.Mutex
	closed   bool
	ringing  bool
	gen      uint64
	paused   []audio.Direction
	deferred []deferredCall
	cancel   context.CancelCauseFunc
	done     chan struct{}
	src      *wavio.FileSource
}

// New wraps d. The clip is played into sink, which is opened with the
// wrapped device's render format for each ring.
func New(d *device.Device, clip *wavio.Clip, sink device.Sink, opts ...Option) *Device {
	r := &Device{
		Device:    d,
		clip:      clip,
		sink:      sink,
		loop:      true,
		autoDelay: DefaultAutoRingDelay,
		period:    device.DefaultPeriod,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("component", "ringtone", "device_id", d.ID())
	return r
}

// Ringing reports whether the ringtone is playing.
func (r *Device) Ringing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

// Ring pauses the wrapped device and starts the ringtone. Ringing ends on
// [Device.Silence], when ctx is cancelled, or when a play-once clip ends.
// Ringing while already ringing is a no-op.
func (r *Device) Ring(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return audio.ErrClosed
	}
	if r.ringing {
		return nil
	}
	if r.clip == nil || r.sink == nil {
		return errors.New("ringtone: no clip or sink configured")
	}

	f := r.Device.RenderFormat()
	src := wavio.NewFileSource(r.clip, r.loop)
	if err := src.Open(f); err != nil {
		return fmt.Errorf("ringtone: open clip: %w", err)
	}
	if err := r.sink.Open(f); err != nil {
		src.Close()
		return fmt.Errorf("ringtone: open sink: %w", err)
	}

	r.paused = r.paused[:0]
	if r.Device.CaptureState() == audio.StateStarted {
		if err := r.Device.StopCapture(); err != nil {
			r.log.Warn("pausing capture for ringtone", "err", err)
		}
		r.paused = append(r.paused, audio.Capture)
	}
	if r.Device.RenderState() == audio.StateStarted {
		if err := r.Device.StopRendering(); err != nil {
			r.log.Warn("pausing render for ringtone", "err", err)
		}
		r.paused = append(r.paused, audio.Render)
	}

	r.gen++
	ringCtx, cancel := context.WithCancelCause(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.src = src
	r.ringing = true
	go r.play(ringCtx, r.gen, src, f, r.done)

	r.log.Info("ringtone started", "clip_duration", r.clip.Duration(), "loop", r.loop)
	return nil
}

// Silence stops the ringtone, resumes the directions Ring paused and replays
// the deferred lifecycle calls in order. It returns the joined errors of the
// replayed calls.
func (r *Device) Silence() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.silenceLocked(true)
}

func (r *Device) silenceGen(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return
	}
	if err := r.silenceLocked(true); err != nil {
		r.log.Warn("replaying deferred calls", "err", err)
	}
}

func (r *Device) silenceLocked(replay bool) error {
	if !r.ringing {
		return nil
	}
	r.cancel(errSilenced)
	<-r.done
	r.ringing = false
	r.cancel = nil
	r.done = nil

	var errs []error
	if err := r.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ringtone: close sink: %w", err))
	}
	r.src.Close()
	r.src = nil

	paused, deferred := r.paused, r.deferred
	r.paused, r.deferred = nil, nil
	r.log.Info("ringtone silenced", "deferred_calls", len(deferred))
	if !replay {
		return errors.Join(errs...)
	}

	for _, dir := range paused {
		var err error
		if dir == audio.Capture {
			if r.Device.CaptureState() != audio.StateInitialized {
				continue
			}
			err = r.Device.StartCapture()
		} else {
			if r.Device.RenderState() != audio.StateInitialized {
				continue
			}
			err = r.Device.StartRendering()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("ringtone: resume %s: %w", dir, err))
		}
	}
	for _, c := range deferred {
		r.log.Debug("performing deferred call", "call", c.name)
		if err := c.fn(); err != nil && !errors.Is(err, audio.ErrAlreadyStarted) {
			errs = append(errs, fmt.Errorf("ringtone: deferred %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// play feeds the clip into the sink one period per tick.
func (r *Device) play(ctx context.Context, gen uint64, src *wavio.FileSource, f audio.Format, done chan<- struct{}) {
	defer close(done)
	buf := make([]int16, max(1, f.SamplesIn(r.period))*f.Channels)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if context.Cause(ctx) != errSilenced {
				go r.silenceGen(gen)
			}
			return
		case <-ticker.C:
		}
		n, err := src.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Warn("ringtone clip read failed", "err", err)
			}
			go r.silenceGen(gen)
			return
		}
		period := buf[:n*f.Channels]
		clear(buf[len(period):])
		if err := r.sink.Write(buf); err != nil {
			r.log.Warn("ringtone sink write failed", "err", err)
			go r.silenceGen(gen)
			return
		}
	}
}

// deferLocked queues a lifecycle call while ringing. It reports whether the call
// was queued. Caller holds r.mu.
func (r *Device) deferLocked(name string, dir audio.Direction, fn func() error) bool {
	if !r.ringing {
		return false
	}
	r.deferred = append(r.deferred, deferredCall{name: name, dir: dir, fn: fn})
	r.log.Debug("deferring call while ringing", "call", name)
	return true
}

// StartCapture starts the wrapped capture, or defers it while ringing.
func (r *Device) StartCapture() error {
	r.mu.Lock()
	if r.deferLocked("start_capture", audio.Capture, r.Device.StartCapture) {
		r.mu.Unlock()
		return nil
	}
	err := r.Device.StartCapture()
	r.mu.Unlock()
	if err == nil && r.autoRing {
		r.autoOnce.Do(func() {
			time.AfterFunc(r.autoDelay, func() {
				if err := r.Ring(context.Background()); err != nil {
					r.log.Warn("automatic ringtone failed", "err", err)
				}
			})
		})
	}
	return err
}

// StopCapture stops the wrapped capture, or defers it while ringing.
func (r *Device) StopCapture() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deferLocked("stop_capture", audio.Capture, r.Device.StopCapture) {
		return nil
	}
	return r.Device.StopCapture()
}

// StartRendering starts the wrapped render, or defers it while ringing.
func (r *Device) StartRendering() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deferLocked("start_rendering", audio.Render, r.Device.StartRendering) {
		return nil
	}
	return r.Device.StartRendering()
}

// StopRendering stops the wrapped render, or defers it while ringing.
func (r *Device) StopRendering() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deferLocked("stop_rendering", audio.Render, r.Device.StopRendering) {
		return nil
	}
	return r.Device.StopRendering()
}

// TerminateCapture terminates the wrapped capture immediately. While ringing
// it also forgets the paused capture and drops its queued calls.
func (r *Device) TerminateCapture() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgetLocked(audio.Capture)
	return r.Device.TerminateCapture()
}

// TerminateRendering terminates the wrapped render immediately. While
// ringing it also forgets the paused render and drops its queued calls.
func (r *Device) TerminateRendering() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgetLocked(audio.Render)
	return r.Device.TerminateRendering()
}

// forgetLocked removes dir from the paused directions and the deferred
// calls. Caller holds r.mu.
func (r *Device) forgetLocked(dir audio.Direction) {
	if !r.ringing {
		return
	}
	r.paused = slices.DeleteFunc(r.paused, func(d audio.Direction) bool { return d == dir })
	n := len(r.deferred)
	r.deferred = slices.DeleteFunc(r.deferred, func(c deferredCall) bool { return c.dir == dir })
	if dropped := n - len(r.deferred); dropped > 0 {
		r.log.Debug("dropping deferred calls of terminated direction", "direction", dir, "dropped", dropped)
	}
}

// Close stops a playing ringtone without replaying deferred calls and
// closes the wrapped device.
func (r *Device) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	err := r.silenceLocked(false)
	r.mu.Unlock()
	return errors.Join(err, r.Device.Close())
}

var (
	_ audio.Device         = (*Device)(nil)
	_ audio.SessionManager = (*Device)(nil)
)
