package device_test

import (
	"testing"
	"time"

	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
	"github.com/MrWong99/pcmbus/pkg/audio/mock"
)

func TestInterrupt_PausesAndRestarts(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t,
		device.WithSource(device.NewToneSource(440)),
		device.WithPeriod(2*time.Millisecond),
	)
	bus := &mock.Bus{}
	startCapture(t, d, bus)
	eventually(t, d.IsCapturing, "capture liveness")

	d.Interrupt(true)
	if d.IsCapturing() {
		t.Fatal("IsCapturing true during interruption")
	}
	if d.CaptureState() != audio.StateStarted {
		t.Fatalf("interruption changed state to %v", d.CaptureState())
	}
	n := len(bus.CaptureFrames())
	time.Sleep(15 * time.Millisecond)
	if got := len(bus.CaptureFrames()); got != n {
		t.Fatalf("bus received %d frames during interruption", got-n)
	}

	d.Interrupt(false)
	eventually(t, func() bool { return len(bus.CaptureFrames()) > n && d.IsCapturing() }, "delivery after interruption")
}

func TestInterrupt_StopWhileInterrupted(t *testing.T) {
	t.Parallel()
	d := newTestDevice(t, device.WithSource(device.NewToneSource(440)))
	startCapture(t, d, &mock.Bus{})

	d.Interrupt(true)
	if err := d.StopCapture(); err != nil {
		t.Fatal(err)
	}
	d.Interrupt(false)
	time.Sleep(20 * time.Millisecond)
	if d.IsCapturing() || d.CaptureState() != audio.StateInitialized {
		t.Errorf("stopped stream restarted: live=%v state=%v", d.IsCapturing(), d.CaptureState())
	}
}

func TestRouteChanged_ReopensWithRetry(t *testing.T) {
	t.Parallel()
	src := &flakySource{failFrom: 2, failUntil: 4}
	d := newTestDevice(t,
		device.WithSource(src),
		device.WithPeriod(2*time.Millisecond),
		device.WithRestartPolicy(5, time.Millisecond),
	)
	bus := &mock.Bus{}
	startCapture(t, d, bus)

	d.RouteChanged(device.RouteCategoryChange)
	if src.Opens() != 1 {
		t.Fatalf("category change reopened the backend (%d opens)", src.Opens())
	}

	d.RouteChanged(device.RouteOldDeviceUnavailable)
	eventually(t, func() bool { return src.Opens() == 5 }, "reopen attempts")
	n := len(bus.CaptureFrames())
	eventually(t, func() bool { return len(bus.CaptureFrames()) > n && d.IsCapturing() }, "delivery after reopen")
}

func TestRouteChanged_DuringInterruptionReopensOnEnd(t *testing.T) {
	t.Parallel()
	src := &flakySource{}
	d := newTestDevice(t,
		device.WithSource(src),
		device.WithPeriod(2*time.Millisecond),
	)
	bus := &mock.Bus{}
	startCapture(t, d, bus)

	d.Interrupt(true)
	d.RouteChanged(device.RouteOldDeviceUnavailable)
	time.Sleep(10 * time.Millisecond)
	if src.Opens() != 1 {
		t.Fatalf("route change reopened an interrupted stream (%d opens)", src.Opens())
	}

	d.Interrupt(false)
	eventually(t, func() bool { return src.Opens() == 2 && d.IsCapturing() }, "reopen after interruption")
}

func TestRouteChanged_GivesUp(t *testing.T) {
	t.Parallel()
	src := &flakySource{failFrom: 2, failUntil: 1000}
	d := newTestDevice(t,
		device.WithSource(src),
		device.WithRestartPolicy(3, time.Millisecond),
	)
	startCapture(t, d, &mock.Bus{})

	d.ResetMediaServices()
	eventually(t, func() bool { return src.Opens() == 4 }, "three reopen attempts")
	time.Sleep(20 * time.Millisecond)
	if src.Opens() != 4 {
		t.Errorf("opens = %d, want 4 (no attempts past the limit)", src.Opens())
	}
	if d.IsCapturing() {
		t.Error("IsCapturing true after restart gave up")
	}
	if d.CaptureState() != audio.StateStarted {
		t.Errorf("state = %v, want started", d.CaptureState())
	}
	if err := d.StopCapture(); err != nil {
		t.Errorf("StopCapture after failed recovery: %v", err)
	}
	if err := d.TerminateCapture(); err != nil {
		t.Errorf("TerminateCapture after failed recovery: %v", err)
	}
}

func TestParseRouteChangeReason(t *testing.T) {
	t.Parallel()
	for r := device.RouteNewDeviceAvailable; r <= device.RouteConfigurationChange; r++ {
		if got := device.ParseRouteChangeReason(r.String()); got != r {
			t.Errorf("ParseRouteChangeReason(%q) = %v", r.String(), got)
		}
	}
	if got := device.ParseRouteChangeReason("bogus"); got != device.RouteUnknown {
		t.Errorf("unknown reason parsed as %v", got)
	}
}
