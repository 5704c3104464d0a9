package config_test

import (
	"testing"

	"github.com/MrWong99/pcmbus/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if d.LogLevelChanged || d.RequiresRestart() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelIsHot(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Server.LogLevel = config.LogDebug
	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if d.RequiresRestart() {
		t.Error("log level change should not require a restart")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, func(d config.ConfigDiff) bool { return d.ServerChanged }},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"} }, func(d config.ConfigDiff) bool { return d.ServerChanged }},
		{"period", func(c *config.Config) { c.Device.PeriodMS = 20 }, func(d config.ConfigDiff) bool { return d.DeviceChanged }},
		{"backend option", func(c *config.Config) {
			c.Device.Capture.Source = config.BackendEntry{Name: "tone", Options: map[string]any{"frequency": 300}}
		}, func(d config.ConfigDiff) bool { return d.DeviceChanged }},
		{"session mode", func(c *config.Config) { c.Session.Mode = "calling_services" }, func(d config.ConfigDiff) bool { return d.SessionChanged }},
		{"engine loopback", func(c *config.Config) { c.Engine.Loopback = true }, func(d config.ConfigDiff) bool { return d.EngineChanged }},
		{"service name", func(c *config.Config) { c.Telemetry.ServiceName = "x" }, func(d config.ConfigDiff) bool { return d.TelemetryChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := config.Default(), config.Default()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) || !d.RequiresRestart() {
				t.Errorf("diff = %+v", d)
			}
			if d.LogLevelChanged {
				t.Error("log level reported as changed")
			}
		})
	}
}
