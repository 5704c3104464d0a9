// Package config provides the configuration schema, loader, backend registry
// and file watcher for the pcmbus daemon.
package config

import (
	"time"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Session   SessionConfig   `yaml:"session"`
	Engine    EngineConfig    `yaml:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP control surface listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DeviceConfig describes the software audio device.
type DeviceConfig struct {
	// Name labels the device in logs and metrics.
	Name string `yaml:"name"`

	// PeriodMS is the delivery period in milliseconds. Default: 10.
	PeriodMS int `yaml:"period_ms"`

	Capture CaptureConfig `yaml:"capture"`
	Render  RenderConfig  `yaml:"render"`

	// Ringtone wraps the device with an incoming-call ringtone when set.
	Ringtone *RingtoneConfig `yaml:"ringtone"`

	Restart RestartConfig `yaml:"restart"`
}

// Period returns PeriodMS as a duration.
func (d DeviceConfig) Period() time.Duration {
	return time.Duration(d.PeriodMS) * time.Millisecond
}

// FormatConfig is a PCM format. The encoding is always s16le.
type FormatConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// Format converts fc to an [audio.Format].
func (fc FormatConfig) Format() audio.Format {
	return audio.Format{SampleRate: fc.SampleRate, Channels: fc.Channels}
}

// CaptureConfig configures the capture direction of the device.
type CaptureConfig struct {
	FormatConfig `yaml:",inline"`

	// Source selects the capture source in the [Registry]. An empty name
	// leaves capture unavailable.
	Source BackendEntry `yaml:"source"`
}

// RenderConfig configures the render direction of the device.
type RenderConfig struct {
	FormatConfig `yaml:",inline"`

	// Sink selects the render sink in the [Registry]. An empty name leaves
	// rendering unavailable.
	Sink BackendEntry `yaml:"sink"`
}

// BackendEntry selects a registered source or sink and carries its options.
type BackendEntry struct {
	// Name selects the registered implementation (e.g., "tone", "wav",
	// "websocket", "discard").
	Name string `yaml:"name"`

	// Options holds backend-specific values.
	Options map[string]any `yaml:"options"`

	// Fallback lists backends tried in order when this one fails to open,
	// errors, or (for sources) runs out of audio.
	Fallback []BackendEntry `yaml:"fallback,omitempty"`
}

// String returns the string option key, or def.
func (b BackendEntry) String(key, def string) string {
	if v, ok := b.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Float returns the numeric option key, or def.
func (b BackendEntry) Float(key string, def float64) float64 {
	switch v := b.Options[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// Bool returns the boolean option key, or def.
func (b BackendEntry) Bool(key string, def bool) bool {
	if v, ok := b.Options[key].(bool); ok {
		return v
	}
	return def
}

// Duration returns the duration option key (a Go duration string), or def.
func (b BackendEntry) Duration(key string, def time.Duration) time.Duration {
	s, ok := b.Options[key].(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// RingtoneConfig configures the ringtone decorator.
type RingtoneConfig struct {
	// File is the WAV clip to play.
	File string `yaml:"file"`

	// AutoRing rings once shortly after the first capture start.
	AutoRing bool `yaml:"auto_ring"`

	// PlayOnce plays the clip a single time instead of looping.
	PlayOnce bool `yaml:"play_once"`

	// Sink selects where the ringtone is played. Default: the discard sink.
	Sink BackendEntry `yaml:"sink"`
}

// RestartConfig controls recovery after interruptions and route changes.
type RestartConfig struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// SessionConfig configures platform audio session handling.
type SessionConfig struct {
	// Mode is "video_chat" (default) or "calling_services".
	Mode string `yaml:"mode"`

	// AudioMode is the session mode applied by preconfiguration
	// (default "voice_chat").
	AudioMode string `yaml:"audio_mode"`

	// Preconfigure applies the call configuration at startup in
	// calling-services mode.
	Preconfigure bool `yaml:"preconfigure"`

	// ActivationTimeout bounds how long delivery waits for activation.
	// Default: 10s.
	ActivationTimeout time.Duration `yaml:"activation_timeout"`
}

// EngineConfig configures the engine pipeline.
type EngineConfig struct {
	FormatConfig `yaml:",inline"`

	// Bitrate is the Opus bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`

	// Loopback feeds encoded capture straight back into render.
	Loopback bool `yaml:"loopback"`

	// AutoConnect connects the engine session at startup.
	AutoConnect bool `yaml:"auto_connect"`

	CaptureQueue int `yaml:"capture_queue"`
	RenderBuffer int `yaml:"render_buffer"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
