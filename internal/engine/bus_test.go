package engine

import (
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func ramp(n int, start int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = start + int16(i)
	}
	return out
}

func TestBus_CaptureCopiesFrame(t *testing.T) {
	t.Parallel()
	b := NewBus(audio.DefaultFormat, WithBusMetrics(testMetrics(t)))
	buf := ramp(160, 1)
	b.WriteCaptureData(audio.NewFrame(audio.DefaultFormat, buf))
	buf[0] = -1 // the device reuses its buffer immediately

	select {
	case fr := <-b.Captured():
		if fr.SampleCount != 160 || fr.Channels != 1 {
			t.Fatalf("frame = %d samples x %d channels", fr.SampleCount, fr.Channels)
		}
		if fr.Samples[0] != 1 {
			t.Errorf("captured frame aliases the device buffer (Samples[0] = %d)", fr.Samples[0])
		}
	default:
		t.Fatal("no frame queued")
	}
}

func TestBus_CaptureQueueFullDrops(t *testing.T) {
	t.Parallel()
	b := NewBus(audio.DefaultFormat, WithCaptureQueue(2), WithBusMetrics(testMetrics(t)))
	for range 5 {
		b.WriteCaptureData(audio.NewFrame(audio.DefaultFormat, ramp(160, 0)))
	}
	if got := b.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
	if got := len(b.Captured()); got != 2 {
		t.Errorf("queued = %d, want 2", got)
	}
}

func TestBus_CaptureInvalidFrameIgnored(t *testing.T) {
	t.Parallel()
	b := NewBus(audio.DefaultFormat, WithBusMetrics(testMetrics(t)))
	b.WriteCaptureData(audio.Frame{Format: audio.DefaultFormat, Samples: make([]int16, 10), SampleCount: 160})
	b.WriteCaptureData(audio.Frame{Format: audio.DefaultFormat})
	if len(b.Captured()) != 0 {
		t.Error("invalid or empty frame queued")
	}
}

func TestBus_CaptureResamples(t *testing.T) {
	t.Parallel()
	engineFmt := audio.Format{SampleRate: 48000, Channels: 1}
	b := NewBus(engineFmt, WithCaptureQueue(200), WithBusMetrics(testMetrics(t)))
	for range 100 {
		b.WriteCaptureData(audio.NewFrame(audio.DefaultFormat, ramp(160, 0)))
	}
	total := 0
	for len(b.Captured()) > 0 {
		fr := <-b.Captured()
		if fr.Format != engineFmt {
			t.Fatalf("captured format = %v", fr.Format)
		}
		total += fr.SampleCount
	}
	// One second in, minus resampler latency.
	if total < 47000 || total > 48030 {
		t.Errorf("resampled total = %d, want ~48000", total)
	}
}

func TestBus_RenderShortRead(t *testing.T) {
	t.Parallel()
	b := NewBus(audio.DefaultFormat, WithBusMetrics(testMetrics(t)))
	b.PushRender(ramp(100, 1))

	buf := make([]int16, 160)
	n := b.ReadRenderData(audio.Frame{Format: audio.DefaultFormat, Samples: buf, SampleCount: 160})
	if n != 100 {
		t.Fatalf("ReadRenderData = %d, want 100", n)
	}
	if buf[0] != 1 || buf[99] != 100 {
		t.Errorf("samples = %d..%d", buf[0], buf[99])
	}
	if n := b.ReadRenderData(audio.Frame{Format: audio.DefaultFormat, Samples: buf, SampleCount: 160}); n != 0 {
		t.Errorf("empty FIFO read = %d, want 0", n)
	}
}

func TestBus_RenderNeverExceedsRequest(t *testing.T) {
	t.Parallel()
	b := NewBus(audio.DefaultFormat, WithBusMetrics(testMetrics(t)))
	b.PushRender(ramp(1000, 0))
	buf := make([]int16, 320)
	n := b.ReadRenderData(audio.Frame{Format: audio.DefaultFormat, Samples: buf, SampleCount: 160})
	if n != 160 {
		t.Fatalf("n = %d, want 160", n)
	}
	if buf[160] != 0 {
		t.Error("wrote past the requested sample count")
	}
	if got := b.Buffered(); got != 840 {
		t.Errorf("Buffered = %d, want 840", got)
	}
}

func TestBus_RenderConvertsFormat(t *testing.T) {
	t.Parallel()
	engineFmt := audio.Format{SampleRate: 48000, Channels: 1}
	deviceFmt := audio.Format{SampleRate: 16000, Channels: 2}
	b := NewBus(engineFmt, WithBusMetrics(testMetrics(t)))
	b.PushRender(make([]int16, 4800))

	buf := make([]int16, 320)
	n := b.ReadRenderData(audio.Frame{Format: deviceFmt, Samples: buf, SampleCount: 160})
	if n != 160 {
		t.Errorf("converted read = %d periods, want 160", n)
	}
}

func TestBus_RenderOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	b := NewBus(audio.DefaultFormat, WithRenderBuffer(200), WithBusMetrics(testMetrics(t)))
	b.PushRender(ramp(150, 0))
	b.PushRender(ramp(150, 1000))
	if got := b.Buffered(); got != 200 {
		t.Fatalf("Buffered = %d, want 200", got)
	}
	if got := b.Overflows(); got != 100 {
		t.Errorf("Overflows = %d, want 100", got)
	}
	buf := make([]int16, 1)
	b.ReadRenderData(audio.Frame{Format: audio.DefaultFormat, Samples: buf, SampleCount: 1})
	if buf[0] != 100 {
		t.Errorf("oldest remaining sample = %d, want 100", buf[0])
	}
}

func TestBus_RenderZeroRequest(t *testing.T) {
	t.Parallel()
	b := NewBus(audio.DefaultFormat, WithBusMetrics(testMetrics(t)))
	b.PushRender(ramp(10, 0))
	if n := b.ReadRenderData(audio.Frame{Format: audio.DefaultFormat}); n != 0 {
		t.Errorf("n = %d", n)
	}
	if n := b.ReadRenderData(audio.Frame{}); n != 0 {
		t.Errorf("zero format n = %d", n)
	}
}

func TestOpus_RoundTrip(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 48000, Channels: 1}
	enc, err := newOpusEncoder(f, DefaultBitrate)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := newOpusDecoder(f)
	if err != nil {
		t.Fatal(err)
	}

	packets, err := enc.encode(make([]int16, 960*2+100))
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 2 {
		t.Fatalf("packets = %d, want 2 (partial frame kept)", len(packets))
	}
	packets, err = enc.encode(make([]int16, 860))
	if err != nil || len(packets) != 1 {
		t.Fatalf("second encode = %d packets, %v", len(packets), err)
	}

	pcm, err := dec.decode(packets[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm) != 960 {
		t.Errorf("decoded %d samples, want 960", len(pcm))
	}
}

func TestOpus_UnsupportedRate(t *testing.T) {
	t.Parallel()
	if _, err := newOpusEncoder(audio.Format{SampleRate: 44100, Channels: 1}, 0); err == nil {
		t.Error("44.1 kHz encoder created")
	}
	for _, r := range []int{8000, 12000, 16000, 24000, 48000} {
		if !OpusRate(r) {
			t.Errorf("OpusRate(%d) = false", r)
		}
	}
}
