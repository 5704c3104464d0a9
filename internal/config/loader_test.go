package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pcmbus/internal/config"
	"github.com/MrWong99/pcmbus/pkg/audio"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
device:
  name: desk
  period_ms: 20
  capture:
    sample_rate: 48000
    channels: 2
    source:
      name: tone
      options:
        frequency: 880
  render:
    sample_rate: 24000
    channels: 1
    sink:
      name: wav
      options:
        file: /tmp/out.wav
      fallback:
        - name: discard
  ringtone:
    file: ring.wav
    auto_ring: true
  restart:
    retries: 3
    backoff: 250ms
session:
  mode: calling_services
  audio_mode: video_chat
  activation_timeout: 2s
engine:
  sample_rate: 16000
  channels: 1
  bitrate: 24000
  loopback: true
telemetry:
  service_name: desk-audio
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.Device.Period(); got != 20*time.Millisecond {
		t.Errorf("period = %v, want 20ms", got)
	}
	if got := cfg.Device.Capture.Format(); got != (audio.Format{SampleRate: 48000, Channels: 2}) {
		t.Errorf("capture format = %v", got)
	}
	if got := cfg.Device.Capture.Source.Float("frequency", 0); got != 880 {
		t.Errorf("tone frequency = %v, want 880", got)
	}
	if got := cfg.Device.Render.Sink.String("file", ""); got != "/tmp/out.wav" {
		t.Errorf("sink file = %q", got)
	}
	if fb := cfg.Device.Render.Sink.Fallback; len(fb) != 1 || fb[0].Name != "discard" {
		t.Errorf("sink fallback = %+v", fb)
	}
	if cfg.Device.Ringtone == nil || !cfg.Device.Ringtone.AutoRing {
		t.Fatalf("ringtone = %+v", cfg.Device.Ringtone)
	}
	if cfg.Device.Ringtone.Sink.Name != "discard" {
		t.Errorf("ringtone sink default = %q, want discard", cfg.Device.Ringtone.Sink.Name)
	}
	if cfg.Device.Restart.Backoff != 250*time.Millisecond {
		t.Errorf("restart backoff = %v", cfg.Device.Restart.Backoff)
	}
	if cfg.Session.ActivationTimeout != 2*time.Second {
		t.Errorf("activation timeout = %v", cfg.Session.ActivationTimeout)
	}
	if !cfg.Engine.Loopback || cfg.Engine.Bitrate != 24000 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	def := config.Default()
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Device.Capture.Format() != audio.DefaultFormat || cfg.Device.Render.Format() != audio.DefaultFormat {
		t.Errorf("device formats = %v / %v", cfg.Device.Capture.Format(), cfg.Device.Render.Format())
	}
	if cfg.Engine != def.Engine || cfg.Session != def.Session {
		t.Errorf("defaults differ: %+v vs %+v", cfg.Engine, def.Engine)
	}
	if cfg.Session.Mode != "video_chat" {
		t.Errorf("session mode = %q", cfg.Session.Mode)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("device:\n  colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"tls", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"period", "device:\n  period_ms: 500\n", "device.period_ms"},
		{"capture channels", "device:\n  capture:\n    channels: 9\n", "device.capture"},
		{"render rate", "device:\n  render:\n    sample_rate: -1\n", "device.render"},
		{"wav source file", "device:\n  capture:\n    source:\n      name: wav\n", "device.capture.source.options.file"},
		{"wav sink file", "device:\n  render:\n    sink:\n      name: wav\n", "device.render.sink.options.file"},
		{"fallback name", "device:\n  render:\n    sink:\n      name: websocket\n      fallback:\n        - options: {}\n", "device.render.sink.fallback[0].name"},
		{"fallback wav file", "device:\n  capture:\n    source:\n      name: websocket\n      fallback:\n        - name: wav\n", "device.capture.source.fallback[0].options.file"},
		{"nested fallback", "device:\n  capture:\n    source:\n      name: tone\n      fallback:\n        - name: silence\n          fallback:\n            - name: tone\n", "device.capture.source.fallback[0].fallback"},
		{"fallback without primary", "device:\n  render:\n    sink:\n      fallback:\n        - name: discard\n", "device.render.sink.fallback requires"},
		{"ringtone file", "device:\n  ringtone:\n    auto_ring: true\n", "device.ringtone.file"},
		{"retries", "device:\n  restart:\n    retries: -2\n", "device.restart.retries"},
		{"session mode", "session:\n  mode: carrier_pigeon\n", "session.mode"},
		{"engine rate", "engine:\n  sample_rate: 44100\n", "engine.sample_rate"},
		{"engine channels", "engine:\n  channels: 3\n", "engine.channels"},
		{"bitrate", "engine:\n  bitrate: 100\n", "engine.bitrate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
session:
  mode: nope
engine:
  sample_rate: 11025
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "session.mode", "engine.sample_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownBackendOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
device:
  capture:
    source:
      name: my-custom-mic
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown backend names should only warn, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/pcmbus.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: open") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBackendEntry_Options(t *testing.T) {
	t.Parallel()
	b := config.BackendEntry{Options: map[string]any{
		"freq":   440,
		"gain":   0.5,
		"file":   "a.wav",
		"loop":   true,
		"buffer": "150ms",
		"bad":    "soon",
	}}
	if got := b.Float("freq", 0); got != 440 {
		t.Errorf("Float(int) = %v", got)
	}
	if got := b.Float("gain", 0); got != 0.5 {
		t.Errorf("Float(float) = %v", got)
	}
	if got := b.Float("missing", 7); got != 7 {
		t.Errorf("Float default = %v", got)
	}
	if got := b.String("file", ""); got != "a.wav" {
		t.Errorf("String = %q", got)
	}
	if got := b.String("freq", "x"); got != "x" {
		t.Errorf("String of non-string = %q, want default", got)
	}
	if !b.Bool("loop", false) || !b.Bool("missing", true) {
		t.Error("Bool returned wrong value")
	}
	if got := b.Duration("buffer", 0); got != 150*time.Millisecond {
		t.Errorf("Duration = %v", got)
	}
	if got := b.Duration("bad", time.Second); got != time.Second {
		t.Errorf("Duration of unparsable = %v, want default", got)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

