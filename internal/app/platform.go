package app

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

// SoftwareSession is the platform audio session of a headless host. It has
// no hardware to route, so it records the configuration and activation state
// the device and the calling-service integration ask for.
type SoftwareSession struct {
	log *slog.Logger

	mu          sync.Mutex
	cfg         audio.SessionConfig
	configured  bool
	active      bool
	activations int
}

// NewSoftwareSession returns an inactive session.
func NewSoftwareSession(log *slog.Logger) *SoftwareSession {
	if log == nil {
		log = slog.Default()
	}
	return &SoftwareSession{log: log.With("component", "platform_session")}
}

// Configure implements [audio.PlatformSession].
func (s *SoftwareSession) Configure(cfg audio.SessionConfig) error {
	s.mu.Lock()
	s.cfg = cfg
	s.configured = cfg != audio.SessionConfig{}
	s.mu.Unlock()
	s.log.Debug("platform session configured",
		"category", cfg.Category,
		"mode", cfg.Mode,
		"sample_rate", cfg.PreferredSampleRate,
		"io_buffer", cfg.IOBufferDuration,
	)
	return nil
}

// Config implements [audio.PlatformSession].
func (s *SoftwareSession) Config() audio.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetActive implements [audio.PlatformSession].
func (s *SoftwareSession) SetActive(active bool) error {
	s.mu.Lock()
	changed := s.active != active
	s.active = active
	if changed && active {
		s.activations++
	}
	s.mu.Unlock()
	if changed {
		s.log.Debug("platform session active changed", "active", active)
	}
	return nil
}

// SessionStatus is a snapshot of a [SoftwareSession].
type SessionStatus struct {
	Configured  bool   `json:"configured"`
	Active      bool   `json:"active"`
	Activations int    `json:"activations"`
	Category    string `json:"category,omitempty"`
	Mode        string `json:"mode,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

// Status returns the current state.
func (s *SoftwareSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Configured:  s.configured,
		Active:      s.active,
		Activations: s.activations,
		Category:    s.cfg.Category,
		Mode:        s.cfg.Mode,
		SampleRate:  s.cfg.PreferredSampleRate,
	}
}

var _ audio.PlatformSession = (*SoftwareSession)(nil)
