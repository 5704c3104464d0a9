package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

// session coordinates the platform audio session. The active flag is read
// lock-free by delivery goroutines; wake is closed when the flag becomes true
// and replaced when it becomes false.
type session struct {
	mu       sync.Mutex
	mode     audio.Mode
	platform audio.PlatformSession
	pending  *audio.SessionConfig
	wake     chan struct{}
	// auto is set while the device itself holds the platform session active
	// (video-chat mode).
	auto bool
	// saved is the platform configuration found before auto activation. It
	// is applied again on release.
	saved audio.SessionConfig

	active atomic.Bool
}

func (s *session) init() {
	s.wake = make(chan struct{})
}

func (s *session) isActive() bool { return s.active.Load() }

// wait returns a channel that is closed once the session is active.
func (s *session) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

// setActiveLocked flips the flag and reports whether it changed. Caller
// holds s.mu.
func (s *session) setActiveLocked(active bool) bool {
	if s.active.Load() == active {
		return false
	}
	s.active.Store(active)
	if active {
		close(s.wake)
	} else {
		s.wake = make(chan struct{})
	}
	return true
}

// beforeStart activates the session on behalf of the device in video-chat
// mode. In calling-services mode activation is external and this is a no-op.
func (s *session) beforeStart(cfg audio.SessionConfig, log *slog.Logger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != audio.ModeVideoChat || s.active.Load() {
		return nil
	}
	if s.platform != nil {
		s.saved = s.platform.Config()
		if err := s.platform.Configure(cfg); err != nil {
			log.Warn("failed to configure audio session", "err", err)
		}
		if err := s.platform.SetActive(true); err != nil {
			if rerr := s.platform.Configure(s.saved); rerr != nil {
				log.Warn("failed to restore audio session configuration", "err", rerr)
			}
			return fmt.Errorf("activate audio session: %w", err)
		}
	}
	s.auto = true
	s.setActiveLocked(true)
	return nil
}

// afterStop deactivates a session the device activated itself once neither
// direction is started.
func (s *session) afterStop(log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(log)
}

// release is afterStop for Close.
func (s *session) release(log *slog.Logger) {
	s.afterStop(log)
}

func (s *session) releaseLocked(log *slog.Logger) {
	if !s.auto {
		return
	}
	s.auto = false
	if s.platform != nil {
		if err := s.platform.Configure(s.saved); err != nil {
			log.Warn("failed to restore audio session configuration", "err", err)
		}
		if err := s.platform.SetActive(false); err != nil {
			log.Warn("failed to deactivate audio session", "err", err)
		}
	}
	s.setActiveLocked(false)
}

// ─── audio.SessionManager ─────────────────────────────────────────────────────

// Mode returns the current session mode.
func (d *Device) Mode() audio.Mode {
	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()
	return d.sess.mode
}

// SessionActive reports whether the platform session is considered active.
func (d *Device) SessionActive() bool { return d.sess.isActive() }

// EnableCallingServicesMode implements [audio.SessionManager]. The switch is
// one-way. A session the device activated itself stays active until both
// directions stop.
func (d *Device) EnableCallingServicesMode() {
	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()
	if d.sess.mode == audio.ModeCallingServices {
		return
	}
	d.sess.mode = audio.ModeCallingServices
	d.log.Info("calling services mode enabled")
}

// PreconfigureAudioSessionForCall implements [audio.SessionManager]. It
// configures the attached platform session for a call without activating it.
// Without an attached session the configuration is kept and applied to the
// session handed to [Device.AudioSessionDidActivate].
func (d *Device) PreconfigureAudioSessionForCall(mode string) error {
	if mode == "" {
		mode = audio.SessionModeVoiceChat
	}
	cfg := d.sessionConfig(mode)

	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()
	if d.sess.platform == nil {
		d.sess.pending = &cfg
		return nil
	}
	if err := d.sess.platform.Configure(cfg); err != nil {
		return fmt.Errorf("device: preconfigure audio session: %w", err)
	}
	d.sess.pending = nil
	return nil
}

// AudioSessionDidActivate implements [audio.SessionManager]. In
// calling-services mode it marks the session active, releasing delivery
// goroutines waiting for it and restarting any that gave up. No-op in
// video-chat mode.
func (d *Device) AudioSessionDidActivate(ps audio.PlatformSession) {
	d.sess.mu.Lock()
	if d.sess.mode != audio.ModeCallingServices {
		d.sess.mu.Unlock()
		return
	}
	if d.sess.platform == nil && ps != nil {
		d.sess.platform = ps
	}
	if d.sess.pending != nil && d.sess.platform != nil {
		if err := d.sess.platform.Configure(*d.sess.pending); err != nil {
			d.log.Warn("failed to apply preconfigured audio session", "err", err)
		}
		d.sess.pending = nil
	}
	changed := d.sess.setActiveLocked(true)
	d.sess.mu.Unlock()

	if !changed {
		return
	}
	d.metrics.RecordSessionEvent(context.Background(), "activate")
	d.log.Info("audio session activated")
	d.resume()
}

// AudioSessionDidDeactivate implements [audio.SessionManager]. Delivery
// pauses at the next period; liveness drops while the formal state stays
// Started. No-op in video-chat mode.
func (d *Device) AudioSessionDidDeactivate(audio.PlatformSession) {
	d.sess.mu.Lock()
	if d.sess.mode != audio.ModeCallingServices {
		d.sess.mu.Unlock()
		return
	}
	changed := d.sess.setActiveLocked(false)
	d.sess.mu.Unlock()

	if changed {
		d.metrics.RecordSessionEvent(context.Background(), "deactivate")
		d.log.Info("audio session deactivated")
	}
}

// resume relaunches delivery for started streams whose goroutine exited
// while waiting for activation.
func (d *Device) resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, s := range []*stream{&d.capture, &d.render} {
		if s.state == audio.StateStarted && !s.interrupted && s.exited() {
			d.halt(s)
			d.launch(s)
			d.log.Debug("delivery resumed", "direction", s.dir.String())
		}
	}
}

// sessionConfig builds the platform configuration for a call in mode.
func (d *Device) sessionConfig(mode string) audio.SessionConfig {
	return audio.SessionConfig{
		Category:            audio.CategoryPlayAndRecord,
		Mode:                mode,
		PreferredSampleRate: d.capture.format.SampleRate,
		IOBufferDuration:    d.period,
		InputChannels:       d.capture.format.Channels,
		AllowBluetooth:      true,
		DefaultToSpeaker:    true,
	}
}
