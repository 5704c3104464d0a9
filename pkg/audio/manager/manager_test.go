package manager_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
	"github.com/MrWong99/pcmbus/pkg/audio/manager"
	"github.com/MrWong99/pcmbus/pkg/audio/mock"
)

// noCloser hides the Close method of the wrapped device.
type noCloser struct{ audio.Device }

func TestManager_EmptyRegistry(t *testing.T) {
	t.Parallel()
	m := manager.New()
	if _, ok := m.CurrentAudioDevice(); ok {
		t.Error("CurrentAudioDevice ok on empty registry")
	}
	if _, ok := m.CurrentAudioSessionManager(); ok {
		t.Error("CurrentAudioSessionManager ok on empty registry")
	}
	if _, ok := m.Acquire(); ok {
		t.Error("Acquire ok on empty registry")
	}
}

func TestManager_SetAndReplace(t *testing.T) {
	t.Parallel()
	m := manager.New()
	a := &mock.Device{}
	b := &mock.Device{}

	m.SetAudioDevice(a)
	if got, ok := m.CurrentAudioDevice(); !ok || got != a {
		t.Fatalf("CurrentAudioDevice = %v, %v", got, ok)
	}
	m.SetAudioDevice(a)
	if a.Closed() != 0 {
		t.Fatal("re-registering the current device closed it")
	}

	m.SetAudioDevice(b)
	if got, _ := m.CurrentAudioDevice(); got != b {
		t.Fatal("replacement not visible")
	}
	if a.Closed() != 0 {
		t.Errorf("replaced device closed %d times, want 0", a.Closed())
	}

	m.SetAudioDevice(nil)
	if _, ok := m.CurrentAudioDevice(); ok {
		t.Error("device still registered after clear")
	}
	if b.Closed() != 0 {
		t.Errorf("cleared device closed %d times, want 0", b.Closed())
	}
}

func TestManager_SwitchBack(t *testing.T) {
	t.Parallel()
	m := manager.New()
	a := device.New(device.WithName("a"))
	b := device.New(device.WithName("b"))
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	m.SetAudioDevice(a)
	m.SetAudioDevice(b)
	m.SetAudioDevice(a)

	got, ok := m.CurrentAudioDevice()
	if !ok || got != a {
		t.Fatalf("CurrentAudioDevice = %v, %v, want a", got, ok)
	}
	if a.IsClosed() || b.IsClosed() {
		t.Fatal("switching devices closed one of them")
	}
	if sm, ok := m.CurrentAudioSessionManager(); !ok || sm != a {
		t.Errorf("CurrentAudioSessionManager = %v, %v, want a", sm, ok)
	}
}

func TestManager_RefusesClosedDevice(t *testing.T) {
	t.Parallel()
	m := manager.New()
	a := &mock.Device{}
	m.SetAudioDevice(a)

	closed := &mock.Device{}
	_ = closed.Close()
	m.SetAudioDevice(closed)

	if got, _ := m.CurrentAudioDevice(); got != a {
		t.Errorf("CurrentAudioDevice = %v, want the previous device", got)
	}
}

func TestManager_CloseOnRelease(t *testing.T) {
	t.Parallel()
	m := manager.New(manager.WithCloseOnRelease())
	a := &mock.Device{}
	b := &mock.Device{}

	m.SetAudioDevice(a)
	m.SetAudioDevice(a)
	if a.Closed() != 0 {
		t.Fatal("re-registering the current device closed it")
	}
	m.SetAudioDevice(b)
	if a.Closed() != 1 {
		t.Errorf("replaced device closed %d times, want 1", a.Closed())
	}

	// a is closed now and must not come back.
	m.SetAudioDevice(a)
	if got, _ := m.CurrentAudioDevice(); got != b {
		t.Error("closed device registered again")
	}

	m.SetAudioDevice(nil)
	if b.Closed() != 1 {
		t.Errorf("cleared device closed %d times, want 1", b.Closed())
	}
}

func TestManager_SessionManagerCapability(t *testing.T) {
	t.Parallel()
	m := manager.New()
	m.SetAudioDevice(&mock.Device{})
	if _, ok := m.CurrentAudioSessionManager(); ok {
		t.Error("plain device reported as session manager")
	}

	sd := &mock.SessionDevice{}
	m.SetAudioDevice(sd)
	sm, ok := m.CurrentAudioSessionManager()
	if !ok {
		t.Fatal("session device not reported as session manager")
	}
	sm.EnableCallingServicesMode()
	if sd.Mode != audio.ModeCallingServices {
		t.Error("session manager is a different object")
	}
}

func TestManager_LeaseKeepsReplacedDevice(t *testing.T) {
	t.Parallel()
	m := manager.New(manager.WithCloseOnRelease())
	a := &mock.Device{}
	m.SetAudioDevice(a)

	lease, ok := m.Acquire()
	if !ok || lease.Device() != a || !lease.Current() {
		t.Fatalf("Acquire = %v, %v", lease, ok)
	}

	b := &mock.Device{}
	m.SetAudioDevice(b)
	if lease.Current() {
		t.Error("lease still current after replacement")
	}
	if lease.Device() != a {
		t.Error("lease lost its device")
	}
	if a.Closed() != 0 {
		t.Fatal("device closed while a session still held it")
	}

	lease.Release()
	if a.Closed() != 1 {
		t.Errorf("device closed %d times after last release, want 1", a.Closed())
	}
	lease.Release()
	if a.Closed() != 1 {
		t.Error("double Release closed the device again")
	}
	if b.Closed() != 0 {
		t.Error("current device closed")
	}
}

func TestManager_ReleaseBeforeReplace(t *testing.T) {
	t.Parallel()
	m := manager.New(manager.WithCloseOnRelease())
	a := &mock.Device{}
	m.SetAudioDevice(a)
	lease, _ := m.Acquire()
	lease.Release()
	if a.Closed() != 0 {
		t.Fatal("registered device closed on lease release")
	}
	m.SetAudioDevice(nil)
	if a.Closed() != 1 {
		t.Errorf("Closed = %d, want 1", a.Closed())
	}
}

func TestManager_NonCloserDevice(t *testing.T) {
	t.Parallel()
	inner := &mock.Device{}
	m := manager.New(manager.WithCloseOnRelease())
	m.SetAudioDevice(noCloser{inner})
	m.SetAudioDevice(nil)
	if inner.Closed() != 0 {
		t.Error("device without Close was closed through the wrapper")
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	m := manager.New(manager.WithCloseOnRelease())
	devs := make([]*mock.Device, 8)
	for i := range devs {
		devs[i] = &mock.Device{}
	}

	var wg sync.WaitGroup
	for i := range devs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.SetAudioDevice(devs[i])
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				if l, ok := m.Acquire(); ok {
					_ = l.Device().CaptureIsAvailable()
					l.Release()
				}
				m.CurrentAudioDevice()
			}
		}()
	}
	wg.Wait()
	m.SetAudioDevice(nil)

	for i, d := range devs {
		if d.Closed() > 1 {
			t.Errorf("device %d closed %d times", i, d.Closed())
		}
	}
	closed := 0
	for _, d := range devs {
		closed += d.Closed()
	}
	if closed != len(devs) {
		t.Errorf("closed %d devices, want all %d released", closed, len(devs))
	}
}
