package device

import (
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

// Source produces captured PCM for a [Device]. Open and Close are called from
// the control goroutine; Read is called only from the capture delivery
// goroutine, never concurrently with Open or Close.
type Source interface {
	// Open prepares the source to deliver samples in format f.
	Open(f audio.Format) error

	// Read fills buf with interleaved samples and returns the number of
	// whole sample periods written. io.EOF marks an exhausted source.
	Read(buf []int16) (int, error)

	// Latency reports the source's internal buffering delay.
	Latency() time.Duration

	// Close releases resources. It must tolerate being called on a source
	// that failed to open.
	Close() error
}

// Sink consumes rendered PCM for a [Device]. The calling rules mirror
// [Source].
type Sink interface {
	Open(f audio.Format) error

	// Write plays one period of interleaved samples.
	Write(buf []int16) error

	Latency() time.Duration
	Close() error
}

// ─── ToneSource ───────────────────────────────────────────────────────────────

// ToneSource generates a sine tone on every channel.
type ToneSource struct {
	// Frequency in Hz. Default: 440.
	Frequency float64

	// Amplitude of the wave. Default: 8000.
	Amplitude int16

	// Lag is reported as the source latency.
	Lag time.Duration

	format audio.Format
	phase  float64
}

// NewToneSource returns a ToneSource at freq Hz.
func NewToneSource(freq float64) *ToneSource {
	return &ToneSource{Frequency: freq}
}

// Open implements [Source].
func (t *ToneSource) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	t.format = f
	t.phase = 0
	return nil
}

// Read implements [Source].
func (t *ToneSource) Read(buf []int16) (int, error) {
	freq := t.Frequency
	if freq <= 0 {
		freq = 440
	}
	amp := float64(t.Amplitude)
	if amp == 0 {
		amp = 8000
	}
	ch := t.format.Channels
	if ch == 0 {
		return 0, io.ErrClosedPipe
	}
	step := 2 * math.Pi * freq / float64(t.format.SampleRate)
	periods := len(buf) / ch
	for i := range periods {
		v := int16(amp * math.Sin(t.phase))
		for c := range ch {
			buf[i*ch+c] = v
		}
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return periods, nil
}

// Latency implements [Source].
func (t *ToneSource) Latency() time.Duration { return t.Lag }

// Close implements [Source].
func (t *ToneSource) Close() error {
	t.format = audio.Format{}
	return nil
}

// ─── SilenceSource ────────────────────────────────────────────────────────────

// SilenceSource delivers zeroed periods. It stands in for a muted microphone.
type SilenceSource struct {
	channels int
}

// Open implements [Source].
func (s *SilenceSource) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.channels = f.Channels
	return nil
}

// Read implements [Source].
func (s *SilenceSource) Read(buf []int16) (int, error) {
	if s.channels == 0 {
		return 0, io.ErrClosedPipe
	}
	clear(buf)
	return len(buf) / s.channels, nil
}

// Latency implements [Source].
func (s *SilenceSource) Latency() time.Duration { return 0 }

// Close implements [Source].
func (s *SilenceSource) Close() error {
	s.channels = 0
	return nil
}

// ─── NullSink ─────────────────────────────────────────────────────────────────

// NullSink discards rendered audio and counts it.
type NullSink struct {
	// Lag is reported as the sink latency.
	Lag time.Duration

	written atomic.Int64
	nonZero atomic.Int64
	opens   atomic.Int32
}

// Open implements [Sink].
func (n *NullSink) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	n.opens.Add(1)
	return nil
}

// Write implements [Sink].
func (n *NullSink) Write(buf []int16) error {
	n.written.Add(int64(len(buf)))
	for _, s := range buf {
		if s != 0 {
			n.nonZero.Add(1)
		}
	}
	return nil
}

// Latency implements [Sink].
func (n *NullSink) Latency() time.Duration { return n.Lag }

// Close implements [Sink].
func (n *NullSink) Close() error { return nil }

// Written returns the total number of interleaved samples written.
func (n *NullSink) Written() int64 { return n.written.Load() }

// NonZero returns how many written samples were not silence.
func (n *NullSink) NonZero() int64 { return n.nonZero.Load() }

// Opens returns how many times the sink was opened.
func (n *NullSink) Opens() int { return int(n.opens.Load()) }

// ─── ChanSink ─────────────────────────────────────────────────────────────────

// ChanSink forwards each rendered period as an owned [audio.Frame] on C.
// Periods are dropped when C is full so the render goroutine never blocks.
type ChanSink struct {
	C chan audio.Frame

	mu      sync.Mutex
	format  audio.Format
	dropped atomic.Int64
}

// NewChanSink returns a ChanSink with a buffer of size frames.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{C: make(chan audio.Frame, size)}
}

// Open implements [Sink].
func (c *ChanSink) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.format = f
	c.mu.Unlock()
	return nil
}

// Write implements [Sink].
func (c *ChanSink) Write(buf []int16) error {
	c.mu.Lock()
	f := c.format
	c.mu.Unlock()
	select {
	case c.C <- audio.NewFrame(f, buf).Clone():
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Latency implements [Sink].
func (c *ChanSink) Latency() time.Duration { return 0 }

// Close implements [Sink].
func (c *ChanSink) Close() error { return nil }

// Dropped returns how many periods were discarded because C was full.
func (c *ChanSink) Dropped() int64 { return c.dropped.Load() }

var (
	_ Source = (*ToneSource)(nil)
	_ Source = (*SilenceSource)(nil)
	_ Sink   = (*NullSink)(nil)
	_ Sink   = (*ChanSink)(nil)
)
