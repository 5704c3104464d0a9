package audio

import "errors"

// Lifecycle and contract errors returned by [Device] implementations. They are
// wrapped with context; match them with [errors.Is].
var (
	// ErrNilBus is returned by SetAudioBus when given a nil bus.
	ErrNilBus = errors.New("audio: nil bus")

	// ErrBusInUse is returned by SetAudioBus when a direction is already
	// initialized against the current bus.
	ErrBusInUse = errors.New("audio: bus in use")

	// ErrNoBus is returned by Initialize* when no bus has been attached.
	ErrNoBus = errors.New("audio: no bus attached")

	// ErrUnavailable is returned by Initialize* when the direction has no
	// backing capability.
	ErrUnavailable = errors.New("audio: capability unavailable")

	// ErrNotInitialized is returned by Start* from the Uninitialized state.
	ErrNotInitialized = errors.New("audio: not initialized")

	// ErrAlreadyStarted is returned by Start* from the Started state.
	ErrAlreadyStarted = errors.New("audio: already started")

	// ErrClosed is returned by every lifecycle call after Close.
	ErrClosed = errors.New("audio: device closed")

	// ErrInvalidFormat is returned for formats that fail [Format.Validate].
	ErrInvalidFormat = errors.New("audio: invalid format")

	// ErrInvalidFrame is returned by [Frame.Validate].
	ErrInvalidFrame = errors.New("audio: invalid frame")
)
