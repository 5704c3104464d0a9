package audio

import "time"

// State is the lifecycle state of one direction (capture or render) of a
// [Device].
type State int

const (
	// StateUninitialized is the initial state; no resources are held.
	StateUninitialized State = iota

	// StateInitialized means resources are prepared but no data flows.
	StateInitialized

	// StateStarted means the device is expected to be exchanging data with
	// its bus.
	StateStarted
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	default:
		return "unknown"
	}
}

// Direction selects one half of a device.
type Direction int

const (
	Capture Direction = iota
	Render
)

// String returns "capture" or "render".
func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Render:
		return "render"
	default:
		return "unknown"
	}
}

// Device is a pluggable microphone/speaker pair. Capture and render are two
// independent state machines:
//
//	Uninitialized → Initialized → Started → Initialized → Uninitialized
//
// Lifecycle methods are called from a control goroutine and block until the
// transition completes; a nil error means success. Once started, the device
// calls its [Bus] from its own goroutines.
//
// Rules shared by both directions:
//   - SetAudioBus must be called before Initialize*; Initialize* without a
//     bus fails with [ErrNoBus].
//   - Initialize* is a no-op when already Initialized or Started.
//   - Start* succeeds only from Initialized; it must not block on delivery.
//   - Stop* returns to Initialized and guarantees the bus is no longer being
//     called when it returns. It is a no-op when not Started.
//   - IsCapturing/IsRendering report liveness, which may be false while the
//     state is Started (activation wait, interruption, backend outage).
//   - Estimated*Delay may be queried in any state and returns the last
//     known value, or 0.
type Device interface {
	SetAudioBus(bus Bus) error

	CaptureFormat() Format
	RenderFormat() Format

	CaptureIsAvailable() bool
	InitializeCapture() error
	CaptureIsInitialized() bool
	StartCapture() error
	StopCapture() error
	IsCapturing() bool
	EstimatedCaptureDelay() time.Duration

	RenderingIsAvailable() bool
	InitializeRendering() error
	RenderingIsInitialized() bool
	StartRendering() error
	StopRendering() error
	IsRendering() bool
	EstimatedRenderDelay() time.Duration
}
