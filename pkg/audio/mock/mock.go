// Package mock provides in-memory mock implementations of [audio.Bus],
// [audio.Device], [audio.SessionManager] and [audio.PlatformSession] for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	bus := &mock.Bus{RenderSamples: make([]int16, 200)}
//	dev := device.New(device.WithSource(device.NewToneSource(440)))
//	_ = dev.SetAudioBus(bus)
//	// ... start capture, then inspect bus.CaptureFrames()
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

// ─── Bus ──────────────────────────────────────────────────────────────────────

// Bus is a mock implementation of [audio.Bus]. Captured frames are cloned and
// recorded; render reads are served from RenderSamples until it is exhausted.
type Bus struct {
	mu sync.Mutex

	// RenderSamples is the interleaved sample queue consumed by
	// ReadRenderData. Reads shorter than requested occur once it runs dry.
	RenderSamples []int16

	// Captured holds an owned copy of every frame passed to WriteCaptureData.
	Captured []audio.Frame

	// RenderRequests records the SampleCount of every ReadRenderData call.
	RenderRequests []int

	// OnCapture, when set, is invoked after a frame is recorded.
	OnCapture func(audio.Frame)
}

// WriteCaptureData implements [audio.Bus].
func (b *Bus) WriteCaptureData(f audio.Frame) {
	b.mu.Lock()
	b.Captured = append(b.Captured, f.Clone())
	cb := b.OnCapture
	b.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// ReadRenderData implements [audio.Bus]. Copies whole sample periods from
// RenderSamples and returns how many were copied.
func (b *Bus) ReadRenderData(f audio.Frame) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RenderRequests = append(b.RenderRequests, f.SampleCount)
	if f.Channels <= 0 {
		return 0
	}
	periods := min(f.SampleCount, len(b.RenderSamples)/f.Channels, len(f.Samples)/f.Channels)
	n := copy(f.Samples, b.RenderSamples[:periods*f.Channels])
	b.RenderSamples = b.RenderSamples[n:]
	return periods
}

// CaptureFrames returns a snapshot of the recorded capture frames.
func (b *Bus) CaptureFrames() []audio.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]audio.Frame, len(b.Captured))
	copy(out, b.Captured)
	return out
}

// RenderCalls returns how many times ReadRenderData was called.
func (b *Bus) RenderCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.RenderRequests)
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device]. It tracks a naive state
// per direction so tests of callers can assert ordering; set the *Error fields
// to force failures.
type Device struct {
	mu sync.Mutex

	CaptureFormatResult audio.Format
	RenderFormatResult  audio.Format

	// CaptureUnavailable and RenderUnavailable flip the availability checks.
	CaptureUnavailable bool
	RenderUnavailable  bool

	SetAudioBusError       error
	InitializeCaptureError error
	StartCaptureError      error
	InitializeRenderError  error
	StartRenderError       error
	StopCaptureError       error
	StopRenderError        error
	CaptureDelayResult     time.Duration
	RenderDelayResult      time.Duration
	CloseError             error

	// Bus is the last bus passed to SetAudioBus.
	Bus audio.Bus

	CaptureState audio.State
	RenderState  audio.State

	// Calls records method names in invocation order.
	Calls []string

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

func (d *Device) record(name string) {
	d.Calls = append(d.Calls, name)
}

// CallLog returns a snapshot of Calls.
func (d *Device) CallLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.Calls))
	copy(out, d.Calls)
	return out
}

// SetAudioBus implements [audio.Device].
func (d *Device) SetAudioBus(bus audio.Bus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SetAudioBus")
	if d.SetAudioBusError != nil {
		return d.SetAudioBusError
	}
	if bus == nil {
		return audio.ErrNilBus
	}
	d.Bus = bus
	return nil
}

// CaptureFormat implements [audio.Device]. Defaults to [audio.DefaultFormat].
func (d *Device) CaptureFormat() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CaptureFormatResult.IsZero() {
		return audio.DefaultFormat
	}
	return d.CaptureFormatResult
}

// RenderFormat implements [audio.Device]. Defaults to [audio.DefaultFormat].
func (d *Device) RenderFormat() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RenderFormatResult.IsZero() {
		return audio.DefaultFormat
	}
	return d.RenderFormatResult
}

// CaptureIsAvailable implements [audio.Device].
func (d *Device) CaptureIsAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.CaptureUnavailable
}

// RenderingIsAvailable implements [audio.Device].
func (d *Device) RenderingIsAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.RenderUnavailable
}

// InitializeCapture implements [audio.Device].
func (d *Device) InitializeCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("InitializeCapture")
	if d.InitializeCaptureError != nil {
		return d.InitializeCaptureError
	}
	if d.CaptureState == audio.StateUninitialized {
		d.CaptureState = audio.StateInitialized
	}
	return nil
}

// InitializeRendering implements [audio.Device].
func (d *Device) InitializeRendering() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("InitializeRendering")
	if d.InitializeRenderError != nil {
		return d.InitializeRenderError
	}
	if d.RenderState == audio.StateUninitialized {
		d.RenderState = audio.StateInitialized
	}
	return nil
}

// CaptureIsInitialized implements [audio.Device].
func (d *Device) CaptureIsInitialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CaptureState != audio.StateUninitialized
}

// RenderingIsInitialized implements [audio.Device].
func (d *Device) RenderingIsInitialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.RenderState != audio.StateUninitialized
}

// StartCapture implements [audio.Device].
func (d *Device) StartCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StartCapture")
	if d.StartCaptureError != nil {
		return d.StartCaptureError
	}
	if d.CaptureState != audio.StateInitialized {
		return audio.ErrNotInitialized
	}
	d.CaptureState = audio.StateStarted
	return nil
}

// StartRendering implements [audio.Device].
func (d *Device) StartRendering() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StartRendering")
	if d.StartRenderError != nil {
		return d.StartRenderError
	}
	if d.RenderState != audio.StateInitialized {
		return audio.ErrNotInitialized
	}
	d.RenderState = audio.StateStarted
	return nil
}

// StopCapture implements [audio.Device].
func (d *Device) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StopCapture")
	if d.CaptureState == audio.StateStarted {
		d.CaptureState = audio.StateInitialized
	}
	return d.StopCaptureError
}

// StopRendering implements [audio.Device].
func (d *Device) StopRendering() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StopRendering")
	if d.RenderState == audio.StateStarted {
		d.RenderState = audio.StateInitialized
	}
	return d.StopRenderError
}

// IsCapturing implements [audio.Device]; true while started.
func (d *Device) IsCapturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CaptureState == audio.StateStarted
}

// IsRendering implements [audio.Device]; true while started.
func (d *Device) IsRendering() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.RenderState == audio.StateStarted
}

// EstimatedCaptureDelay implements [audio.Device].
func (d *Device) EstimatedCaptureDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CaptureDelayResult
}

// EstimatedRenderDelay implements [audio.Device].
func (d *Device) EstimatedRenderDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.RenderDelayResult
}

// Close records the call and returns CloseError.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return d.CloseError
}

// IsClosed reports whether Close was called at least once.
func (d *Device) IsClosed() bool { return d.Closed() > 0 }

// Closed reports how many times Close was called.
func (d *Device) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

// ─── SessionDevice ────────────────────────────────────────────────────────────

// SessionDevice is a [Device] that also implements [audio.SessionManager].
type SessionDevice struct {
	Device

	smu sync.Mutex

	// Mode is the current mode; EnableCallingServicesMode sets it.
	Mode audio.Mode

	// Active is the session-active flag toggled by the Did* notifications in
	// calling-services mode.
	Active bool

	// PreconfigureError is returned by PreconfigureAudioSessionForCall.
	PreconfigureError error

	// PreconfigureModes records the mode argument of every preconfigure call.
	PreconfigureModes []string

	CallCountDidActivate   int
	CallCountDidDeactivate int
}

// EnableCallingServicesMode implements [audio.SessionManager].
func (s *SessionDevice) EnableCallingServicesMode() {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.Mode = audio.ModeCallingServices
}

// PreconfigureAudioSessionForCall implements [audio.SessionManager].
func (s *SessionDevice) PreconfigureAudioSessionForCall(mode string) error {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.PreconfigureModes = append(s.PreconfigureModes, mode)
	return s.PreconfigureError
}

// AudioSessionDidActivate implements [audio.SessionManager].
func (s *SessionDevice) AudioSessionDidActivate(audio.PlatformSession) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.CallCountDidActivate++
	if s.Mode == audio.ModeCallingServices {
		s.Active = true
	}
}

// AudioSessionDidDeactivate implements [audio.SessionManager].
func (s *SessionDevice) AudioSessionDidDeactivate(audio.PlatformSession) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.CallCountDidDeactivate++
	if s.Mode == audio.ModeCallingServices {
		s.Active = false
	}
}

// SessionActive returns the session-active flag.
func (s *SessionDevice) SessionActive() bool {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.Active
}

// ─── PlatformSession ──────────────────────────────────────────────────────────

// PlatformSession is a mock implementation of [audio.PlatformSession].
type PlatformSession struct {
	mu sync.Mutex

	ConfigureError error
	SetActiveError error

	// Configs records every configuration applied.
	Configs []audio.SessionConfig

	// Current is returned by Config. A successful Configure replaces it.
	Current audio.SessionConfig

	// ActiveCalls records the argument of every SetActive call.
	ActiveCalls []bool

	// Active is the last value successfully passed to SetActive.
	Active bool
}

// Configure implements [audio.PlatformSession].
func (p *PlatformSession) Configure(cfg audio.SessionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.ConfigureError != nil {
		return p.ConfigureError
	}
	p.Current = cfg
	return nil
}

// Config implements [audio.PlatformSession].
func (p *PlatformSession) Config() audio.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Current
}

// SetActive implements [audio.PlatformSession].
func (p *PlatformSession) SetActive(active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ActiveCalls = append(p.ActiveCalls, active)
	if p.SetActiveError != nil {
		return p.SetActiveError
	}
	p.Active = active
	return nil
}

// IsActive returns Active.
func (p *PlatformSession) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Active
}

// Snapshot returns copies of Configs and ActiveCalls.
func (p *PlatformSession) Snapshot() ([]audio.SessionConfig, []bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfgs := make([]audio.SessionConfig, len(p.Configs))
	copy(cfgs, p.Configs)
	calls := make([]bool, len(p.ActiveCalls))
	copy(calls, p.ActiveCalls)
	return cfgs, calls
}

var (
	_ audio.Bus             = (*Bus)(nil)
	_ audio.Device          = (*Device)(nil)
	_ audio.Device          = (*SessionDevice)(nil)
	_ audio.SessionManager  = (*SessionDevice)(nil)
	_ audio.PlatformSession = (*PlatformSession)(nil)
)
