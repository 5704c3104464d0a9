package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pcmbus/internal/engine"
	"github.com/MrWong99/pcmbus/pkg/audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr  = ":8080"
	DefaultDeviceName  = "software"
	DefaultPeriodMS    = 10
	DefaultServiceName = "pcmbus"
)

// MaxPeriodMS bounds device.period_ms.
const MaxPeriodMS = 100

// ValidBackendNames lists the built-in backend names per direction.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"source": {"tone", "silence", "wav", "websocket"},
	"sink":   {"discard", "wav", "websocket"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	d := &cfg.Device
	if d.Name == "" {
		d.Name = DefaultDeviceName
	}
	if d.PeriodMS == 0 {
		d.PeriodMS = DefaultPeriodMS
	}
	defaultFormat(&d.Capture.FormatConfig, audio.DefaultFormat)
	defaultFormat(&d.Render.FormatConfig, audio.DefaultFormat)
	if d.Ringtone != nil && d.Ringtone.Sink.Name == "" {
		d.Ringtone.Sink.Name = "discard"
	}
	if d.Restart.Retries == 0 {
		d.Restart.Retries = 5
	}
	if d.Restart.Backoff == 0 {
		d.Restart.Backoff = time.Second
	}

	if cfg.Session.Mode == "" {
		cfg.Session.Mode = audio.ModeVideoChat.String()
	}
	if cfg.Session.AudioMode == "" {
		cfg.Session.AudioMode = audio.SessionModeVoiceChat
	}
	if cfg.Session.ActivationTimeout == 0 {
		cfg.Session.ActivationTimeout = 10 * time.Second
	}

	defaultFormat(&cfg.Engine.FormatConfig, audio.Format{SampleRate: 48000, Channels: 1})
	if cfg.Engine.Bitrate == 0 {
		cfg.Engine.Bitrate = engine.DefaultBitrate
	}
	if cfg.Engine.CaptureQueue == 0 {
		cfg.Engine.CaptureQueue = engine.DefaultCaptureQueue
	}
	if cfg.Engine.RenderBuffer == 0 {
		cfg.Engine.RenderBuffer = engine.DefaultRenderBuffer
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

func defaultFormat(fc *FormatConfig, def audio.Format) {
	if fc.SampleRate == 0 {
		fc.SampleRate = def.SampleRate
	}
	if fc.Channels == 0 {
		fc.Channels = def.Channels
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Device
	d := cfg.Device
	if d.PeriodMS < 1 || d.PeriodMS > MaxPeriodMS {
		errs = append(errs, fmt.Errorf("device.period_ms %d is out of range [1, %d]", d.PeriodMS, MaxPeriodMS))
	}
	if err := d.Capture.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device.capture: %w", err))
	}
	if err := d.Render.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device.render: %w", err))
	}
	errs = append(errs, validateEntry("source", "device.capture.source", d.Capture.Source)...)
	errs = append(errs, validateEntry("sink", "device.render.sink", d.Render.Sink)...)
	if d.Capture.Source.Name == "" && d.Render.Sink.Name == "" {
		slog.Warn("device has neither a capture source nor a render sink; the engine will not be able to connect")
	}
	if d.Ringtone != nil {
		if d.Ringtone.File == "" {
			errs = append(errs, errors.New("device.ringtone.file is required"))
		}
		errs = append(errs, validateEntry("sink", "device.ringtone.sink", d.Ringtone.Sink)...)
	}
	if d.Restart.Retries < 0 {
		errs = append(errs, fmt.Errorf("device.restart.retries %d must not be negative", d.Restart.Retries))
	}
	if d.Restart.Backoff < 0 {
		errs = append(errs, fmt.Errorf("device.restart.backoff %v must not be negative", d.Restart.Backoff))
	}

	// Session
	if _, ok := audio.ParseMode(cfg.Session.Mode); !ok {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: video_chat, calling_services", cfg.Session.Mode))
	}
	if cfg.Session.ActivationTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.activation_timeout %v must not be negative", cfg.Session.ActivationTimeout))
	}
	if cfg.Session.Preconfigure && cfg.Session.Mode != audio.ModeCallingServices.String() {
		slog.Warn("session.preconfigure only applies in calling_services mode", "mode", cfg.Session.Mode)
	}

	// Engine
	ef := cfg.Engine.Format()
	if !engine.OpusRate(ef.SampleRate) {
		errs = append(errs, fmt.Errorf("engine.sample_rate %d is invalid; valid values: 8000, 12000, 16000, 24000, 48000", ef.SampleRate))
	}
	if ef.Channels != 1 && ef.Channels != 2 {
		errs = append(errs, fmt.Errorf("engine.channels %d is invalid; valid values: 1, 2", ef.Channels))
	}
	if cfg.Engine.Bitrate < 6000 || cfg.Engine.Bitrate > 510000 {
		errs = append(errs, fmt.Errorf("engine.bitrate %d is out of range [6000, 510000]", cfg.Engine.Bitrate))
	}
	if cfg.Engine.CaptureQueue < 0 {
		errs = append(errs, fmt.Errorf("engine.capture_queue %d must not be negative", cfg.Engine.CaptureQueue))
	}
	if cfg.Engine.RenderBuffer < 0 {
		errs = append(errs, fmt.Errorf("engine.render_buffer %d must not be negative", cfg.Engine.RenderBuffer))
	}

	return errors.Join(errs...)
}

// validateEntry checks a backend entry and its fallback chain. Fallback
// entries may not declare fallbacks of their own.
func validateEntry(kind, path string, e BackendEntry) []error {
	var errs []error
	validateBackendName(kind, e.Name)
	if e.Name == "wav" && e.String("file", "") == "" {
		errs = append(errs, fmt.Errorf("%s.options.file is required for the wav %s", path, kind))
	}
	if len(e.Fallback) > 0 && e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.fallback requires a primary %s name", path, kind))
	}
	for i, fb := range e.Fallback {
		fpath := fmt.Sprintf("%s.fallback[%d]", path, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", fpath))
		}
		if len(fb.Fallback) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallback is not supported; list all fallbacks on the primary", fpath))
		}
		errs = append(errs, validateEntry(kind, fpath, BackendEntry{Name: fb.Name, Options: fb.Options})...)
	}
	return errs
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidBackendNames[kind], name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", ValidBackendNames[kind],
	)
}
