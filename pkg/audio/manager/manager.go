// Package manager is the registry through which the engine discovers the
// active [audio.Device].
//
// A [Manager] holds at most one device. Lookups are lock-free; replacements
// are serialised and never disturb a session that already holds a [Lease] on
// the previous device. A replaced device stays owned by the caller; with
// [WithCloseOnRelease] the manager takes ownership instead and closes it (when
// it implements [io.Closer]) once neither the registry nor any lease
// references it.
package manager

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

// entry is one registered device and its reference count. The registry holds
// one reference while the device is current; each lease holds one more.
type entry struct {
	dev  audio.Device
	refs atomic.Int64
}

// Manager is an injectable device registry. The zero value is not usable;
// create one with [New]. All methods are safe for concurrent use.
type Manager struct {
	log            *slog.Logger
	closeOnRelease bool

	cur atomic.Pointer[entry]

	// mu serialises writers and Acquire so a reference is never taken on an
	// entry whose count already reached zero.
	mu sync.Mutex
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithCloseOnRelease hands device ownership to the manager: a device is
// closed once it is no longer registered and its last lease is released.
// Do not register a device again after the manager released it.
func WithCloseOnRelease() Option {
	return func(m *Manager) { m.closeOnRelease = true }
}

// closedReporter is implemented by devices that can tell whether they were
// closed.
type closedReporter interface {
	IsClosed() bool
}

// New returns an empty registry.
func New(opts ...Option) *Manager {
	m := &Manager{log: slog.Default().With("component", "audio_manager")}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetAudioDevice registers d as the current device, replacing any previous
// one. A nil d clears the registration. Registering the current device again
// is a no-op. A device that reports itself closed is refused and the current
// registration is kept.
func (m *Manager) SetAudioDevice(d audio.Device) {
	if c, ok := d.(closedReporter); ok && c.IsClosed() {
		m.log.Warn("refusing to register a closed audio device", "device", describe(d))
		return
	}
	m.mu.Lock()
	old := m.cur.Load()
	if old != nil && d != nil && old.dev == d {
		m.mu.Unlock()
		return
	}
	var next *entry
	if d != nil {
		next = &entry{dev: d}
		next.refs.Store(1)
	}
	m.cur.Store(next)
	m.mu.Unlock()

	if d != nil {
		m.log.Info("audio device registered", "device", describe(d))
	} else if old != nil {
		m.log.Info("audio device cleared")
	}
	if old != nil {
		m.unref(old)
	}
}

// CurrentAudioDevice returns the registered device.
func (m *Manager) CurrentAudioDevice() (audio.Device, bool) {
	e := m.cur.Load()
	if e == nil {
		return nil, false
	}
	return e.dev, true
}

// CurrentAudioSessionManager returns the registered device's session manager
// capability, if it has one.
func (m *Manager) CurrentAudioSessionManager() (audio.SessionManager, bool) {
	d, ok := m.CurrentAudioDevice()
	if !ok {
		return nil, false
	}
	sm, ok := d.(audio.SessionManager)
	return sm, ok
}

// Acquire pins the current device for the duration of a session. It returns
// false when no device is registered.
func (m *Manager) Acquire() (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.cur.Load()
	if e == nil {
		return nil, false
	}
	e.refs.Add(1)
	return &Lease{m: m, e: e}, true
}

func (m *Manager) unref(e *entry) {
	if e.refs.Add(-1) != 0 {
		return
	}
	if !m.closeOnRelease {
		m.log.Debug("audio device released", "device", describe(e.dev))
		return
	}
	c, ok := e.dev.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		m.log.Warn("closing released audio device", "device", describe(e.dev), "err", err)
		return
	}
	m.log.Debug("released audio device closed", "device", describe(e.dev))
}

// Lease pins a device for one session. Release it exactly once; further
// calls are no-ops.
type Lease struct {
	m    *Manager
	e    *entry
	once sync.Once
}

// Device returns the leased device.
func (l *Lease) Device() audio.Device { return l.e.dev }

// Current reports whether the leased device is still the registered one.
func (l *Lease) Current() bool { return l.m.cur.Load() == l.e }

// Release drops the session's reference.
func (l *Lease) Release() {
	l.once.Do(func() { l.m.unref(l.e) })
}

func describe(d audio.Device) string {
	if n, ok := d.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "anonymous"
}
