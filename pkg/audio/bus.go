package audio

// Bus is the data plane between a [Device] and the engine. The engine
// implements it and hands it to the device with [Device.SetAudioBus]; the
// device calls it from its own delivery goroutines.
//
// Neither method reports errors. An engine that cannot accept capture data
// drops it; an engine with nothing to play returns a short read. Device
// liveness ([Device.IsCapturing], [Device.IsRendering]) is the authoritative
// health signal.
//
// Implementations must be safe for concurrent use by one capture and one
// render goroutine and must not block for longer than a short, bounded
// critical section: the callers are real-time sensitive.
type Bus interface {
	// WriteCaptureData receives captured samples in the device's capture
	// format. f.Samples is only valid for the duration of the call; the
	// implementation copies whatever it keeps.
	WriteCaptureData(f Frame)

	// ReadRenderData fills f.Samples with up to f.SampleCount sample periods
	// in the device's render format and returns the number of periods
	// written. A result smaller than requested is an underrun; the device
	// silence-fills the remainder.
	ReadRenderData(f Frame) int
}

// BusFunc adapts a pair of functions to a [Bus]. A nil function drops
// capture data or reports an empty read respectively.
type BusFunc struct {
	Capture func(Frame)
	Render  func(Frame) int
}

// WriteCaptureData implements [Bus].
func (b BusFunc) WriteCaptureData(f Frame) {
	if b.Capture != nil {
		b.Capture(f)
	}
}

// ReadRenderData implements [Bus].
func (b BusFunc) ReadRenderData(f Frame) int {
	if b.Render == nil {
		return 0
	}
	return b.Render(f)
}
