package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
)

const (
	// DefaultCaptureQueue is the number of capture frames buffered between
	// the device and the encoder.
	DefaultCaptureQueue = 50

	// DefaultRenderBuffer is the render FIFO capacity in sample periods
	// (one second at 48 kHz).
	DefaultRenderBuffer = 48000
)

// Bus is the engine side of the data plane. It implements [audio.Bus].
//
// Captured frames are converted to the engine format, copied and queued on a
// bounded channel read through [Bus.Captured]; frames that do not fit are
// dropped. Render audio is pushed in the engine format with [Bus.PushRender]
// and served to the device from a bounded FIFO, converted to whatever format
// the device asks for.
//
// WriteCaptureData is called only from the device's capture goroutine and
// ReadRenderData only from its render goroutine; neither ever blocks.
type Bus struct {
	format  audio.Format
	log     *slog.Logger
	metrics *observe.Metrics
	attrs   metric.MeasurementOption

	capConv audio.Converter
	capture chan audio.Frame

	mu         sync.Mutex
	fifo       []int16 // engine format
	fifoMax    int     // samples
	renderConv *audio.Converter
	converted  []int16 // device render format, converted but not yet read

	dropped   atomic.Int64
	overflows atomic.Int64
	invalid   sync.Once
}

// BusOption configures a [Bus].
type BusOption func(*Bus)

// WithCaptureQueue sets the capture queue depth in frames.
func WithCaptureQueue(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.capture = make(chan audio.Frame, n)
		}
	}
}

// WithRenderBuffer sets the render FIFO capacity in sample periods.
func WithRenderBuffer(periods int) BusOption {
	return func(b *Bus) {
		if periods > 0 {
			b.fifoMax = periods * b.format.Channels
		}
	}
}

// WithBusMetrics sets the metrics instruments.
func WithBusMetrics(m *observe.Metrics) BusOption {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithBusLogger sets the logger.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBus returns a bus working in format f.
func NewBus(f audio.Format, opts ...BusOption) *Bus {
	b := &Bus{
		format:  f,
		capConv: audio.Converter{Target: f},
		capture: make(chan audio.Frame, DefaultCaptureQueue),
		fifoMax: DefaultRenderBuffer * f.Channels,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "engine_bus")
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.attrs = metric.WithAttributes(observe.Attr("format", f.String()))
	return b
}

// Format returns the engine format.
func (b *Bus) Format() audio.Format { return b.format }

// Captured returns the queue of captured frames in the engine format. The
// frames are owned by the receiver.
func (b *Bus) Captured() <-chan audio.Frame { return b.capture }

// Dropped returns the number of capture frames dropped on a full queue.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Overflows returns the number of render samples discarded on a full FIFO.
func (b *Bus) Overflows() int64 { return b.overflows.Load() }

// WriteCaptureData implements [audio.Bus]. f is borrowed; the bus keeps a
// converted copy.
func (b *Bus) WriteCaptureData(f audio.Frame) {
	if err := f.Validate(); err != nil {
		b.invalid.Do(func() {
			b.log.Warn("dropping invalid capture frame", "err", err)
		})
		return
	}
	if f.SampleCount == 0 {
		return
	}
	data := b.capConv.Convert(f)
	if len(data) == 0 {
		// The resampler may hold back the first few samples.
		return
	}
	fr := audio.NewFrame(b.format, data)
	select {
	case b.capture <- fr:
	default:
		b.dropped.Add(1)
		b.metrics.EngineDroppedFrames.Add(context.Background(), 1, b.attrs)
	}
}

// ReadRenderData implements [audio.Bus]. It copies up to f.SampleCount
// periods in f.Format into f.Samples and returns the number written.
func (b *Bus) ReadRenderData(f audio.Frame) int {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return 0
	}
	want := min(f.SampleCount, len(f.Samples)/f.Channels)
	if want <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if f.Format == b.format && len(b.converted) == 0 {
		n := min(want*f.Channels, len(b.fifo)) / f.Channels * f.Channels
		copy(f.Samples, b.fifo[:n])
		b.fifo = b.fifo[n:]
		return n / f.Channels
	}

	if b.renderConv == nil || b.renderConv.Target != f.Format {
		b.renderConv = &audio.Converter{Target: f.Format}
		b.converted = b.converted[:0]
	}
	for len(b.converted) < want*f.Channels && len(b.fifo) > 0 {
		// Engine periods needed for the remainder, plus a little headroom for
		// the resampler.
		missing := want - len(b.converted)/f.Channels
		need := missing*b.format.SampleRate/f.SampleRate + 8
		take := min(need*b.format.Channels, len(b.fifo)) / b.format.Channels * b.format.Channels
		if take == 0 {
			break
		}
		out := b.renderConv.Convert(audio.NewFrame(b.format, b.fifo[:take]))
		b.fifo = b.fifo[take:]
		b.converted = append(b.converted, out...)
	}
	n := min(want*f.Channels, len(b.converted)) / f.Channels * f.Channels
	copy(f.Samples, b.converted[:n])
	b.converted = append(b.converted[:0], b.converted[n:]...)
	return n / f.Channels
}

// PushRender queues interleaved samples in the engine format for playback.
// When the FIFO is full the oldest samples are discarded.
func (b *Bus) PushRender(samples []int16) {
	ch := b.format.Channels
	samples = samples[:len(samples)/ch*ch]
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fifo = append(b.fifo, samples...)
	if over := len(b.fifo) - b.fifoMax; over > 0 {
		over += (ch - over%ch) % ch
		b.fifo = b.fifo[over:]
		b.overflows.Add(int64(over))
	}
}

// Buffered returns the render FIFO depth in sample periods of the engine
// format.
func (b *Bus) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fifo) / b.format.Channels
}

var _ audio.Bus = (*Bus)(nil)
