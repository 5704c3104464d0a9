package engine_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/pcmbus/internal/engine"
	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
	"github.com/MrWong99/pcmbus/pkg/audio/manager"
	"github.com/MrWong99/pcmbus/pkg/audio/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newSession(t *testing.T, mgr *manager.Manager, cfg engine.Config, opts ...engine.Option) *engine.Session {
	t.Helper()
	s := engine.New(mgr, cfg, append([]engine.Option{engine.WithMetrics(testMetrics(t))}, opts...)...)
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnect_NoDevice(t *testing.T) {
	t.Parallel()
	s := newSession(t, manager.New(), engine.Config{})
	if err := s.Connect(context.Background()); !errors.Is(err, engine.ErrNoDevice) {
		t.Errorf("err = %v, want ErrNoDevice", err)
	}
	if s.Connected() {
		t.Error("Connected after failure")
	}
}

func TestConnect_LifecycleOrder(t *testing.T) {
	t.Parallel()
	mgr := manager.New()
	dev := &mock.Device{}
	mgr.SetAudioDevice(dev)
	s := newSession(t, mgr, engine.Config{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Connected() || s.ID() == "" || s.Device() != dev || s.Bus() == nil {
		t.Fatal("session state not populated after Connect")
	}
	if dev.Bus != s.Bus() {
		t.Error("device did not receive the session bus")
	}
	if err := s.Connect(context.Background()); !errors.Is(err, engine.ErrConnected) {
		t.Errorf("second Connect err = %v", err)
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"SetAudioBus",
		"InitializeCapture", "StartCapture",
		"InitializeRendering", "StartRendering",
		"StopCapture", "StopRendering",
	}
	if got := dev.CallLog(); !slices.Equal(got, want) {
		t.Errorf("calls = %v\nwant    %v", got, want)
	}
	if s.Connected() || s.Device() != nil {
		t.Error("session state not cleared after Disconnect")
	}
	if err := s.Disconnect(context.Background()); !errors.Is(err, engine.ErrNotConnected) {
		t.Errorf("second Disconnect err = %v, want ErrNotConnected", err)
	}
}

func TestConnect_SkipsUnavailableDirection(t *testing.T) {
	t.Parallel()
	mgr := manager.New()
	dev := &mock.Device{RenderUnavailable: true}
	mgr.SetAudioDevice(dev)
	s := newSession(t, mgr, engine.Config{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if slices.Contains(dev.CallLog(), "InitializeRendering") {
		t.Error("unavailable render direction was initialized")
	}
}

func TestConnect_NothingAvailable(t *testing.T) {
	t.Parallel()
	mgr := manager.New()
	mgr.SetAudioDevice(&mock.Device{CaptureUnavailable: true, RenderUnavailable: true})
	s := newSession(t, mgr, engine.Config{})
	if err := s.Connect(context.Background()); !errors.Is(err, audio.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestConnect_StartFailureReleasesLease(t *testing.T) {
	t.Parallel()
	mgr := manager.New(manager.WithCloseOnRelease())
	boom := errors.New("hardware busy")
	dev := &mock.Device{StartRenderError: boom}
	mgr.SetAudioDevice(dev)
	s := newSession(t, mgr, engine.Config{})

	if err := s.Connect(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if dev.CaptureState != audio.StateInitialized {
		t.Errorf("capture left in %v after rollback", dev.CaptureState)
	}
	mgr.SetAudioDevice(nil)
	if dev.Closed() != 1 {
		t.Error("failed Connect kept a lease on the device")
	}
}

func TestConnect_ReplacedDeviceKeptUntilDisconnect(t *testing.T) {
	t.Parallel()
	mgr := manager.New(manager.WithCloseOnRelease())
	old := &mock.Device{}
	mgr.SetAudioDevice(old)
	s := newSession(t, mgr, engine.Config{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	mgr.SetAudioDevice(&mock.Device{})
	if old.Closed() != 0 {
		t.Fatal("in-flight device closed on replacement")
	}
	if s.Device() != old {
		t.Fatal("session switched devices mid-call")
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if old.Closed() != 1 {
		t.Errorf("replaced device closed %d times after disconnect, want 1", old.Closed())
	}
}

func TestConnect_Fallback(t *testing.T) {
	t.Parallel()
	fb := &mock.Device{}
	s := newSession(t, manager.New(), engine.Config{},
		engine.WithFallback(func() (audio.Device, error) { return fb, nil }))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Device() != fb {
		t.Fatal("fallback device not used")
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fb.Closed() != 1 {
		t.Error("owned fallback device not closed on disconnect")
	}
}

func TestConnect_UnsupportedEngineRate(t *testing.T) {
	t.Parallel()
	mgr := manager.New()
	dev := &mock.Device{}
	mgr.SetAudioDevice(dev)
	s := newSession(t, mgr, engine.Config{Format: audio.Format{SampleRate: 44100, Channels: 1}})
	if err := s.Connect(context.Background()); !errors.Is(err, engine.ErrUnsupportedRate) {
		t.Errorf("err = %v, want ErrUnsupportedRate", err)
	}
	if len(dev.CallLog()) != 0 {
		t.Error("device touched although the pipeline could not be built")
	}
}

func TestReceivePacket_NotConnected(t *testing.T) {
	t.Parallel()
	s := newSession(t, manager.New(), engine.Config{})
	if err := s.ReceivePacket([]byte{0xf8, 0xff, 0xfe}); !errors.Is(err, engine.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func softwareDevice(t *testing.T, sink device.Sink) *device.Device {
	t.Helper()
	return device.New(
		device.WithMetrics(testMetrics(t)),
		device.WithSource(device.NewToneSource(440)),
		device.WithSink(sink),
	)
}

func TestSession_EncodesCapture(t *testing.T) {
	t.Parallel()
	mgr := manager.New()
	mgr.SetAudioDevice(softwareDevice(t, &device.NullSink{}))
	s := newSession(t, mgr, engine.Config{Format: audio.DefaultFormat})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-s.Packets():
		if len(p) == 0 {
			t.Error("empty packet")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no packet encoded")
	}
}

func TestSession_LoopbackReachesRender(t *testing.T) {
	t.Parallel()
	mgr := manager.New()
	sink := &device.NullSink{}
	mgr.SetAudioDevice(softwareDevice(t, sink))
	s := newSession(t, mgr, engine.Config{Format: audio.Format{SampleRate: 48000, Channels: 1}, Loopback: true})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return sink.NonZero() > 0 }, "looped-back tone at the render sink")
	if len(s.Packets()) != 0 {
		t.Error("loopback packets also published on Packets()")
	}
}

func TestSession_ReceivePacketFillsRender(t *testing.T) {
	t.Parallel()
	mgr := manager.New()
	mgr.SetAudioDevice(&mock.Device{})
	s := newSession(t, mgr, engine.Config{Format: audio.DefaultFormat})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Feed a real packet encoded by a second session in loopback-free mode.
	src := manager.New()
	src.SetAudioDevice(softwareDevice(t, &device.NullSink{}))
	enc := newSession(t, src, engine.Config{Format: audio.DefaultFormat})
	if err := enc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	var p []byte
	select {
	case p = <-enc.Packets():
	case <-time.After(5 * time.Second):
		t.Fatal("no packet")
	}

	if err := s.ReceivePacket(p); err != nil {
		t.Fatal(err)
	}
	if got := s.Bus().Buffered(); got != 320 {
		t.Errorf("Buffered = %d, want one 20 ms packet (320)", got)
	}
}
