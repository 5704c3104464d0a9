package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without a restart; the other flags are
// reported so the caller can log that a restart is required.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DeviceChanged    bool
	SessionChanged   bool
	EngineChanged    bool
	ServerChanged    bool // listen address or TLS
	TelemetryChanged bool
}

// RequiresRestart reports whether any change cannot be hot-reloaded.
func (d ConfigDiff) RequiresRestart() bool {
	return d.DeviceChanged || d.SessionChanged || d.EngineChanged || d.ServerChanged || d.TelemetryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.ServerChanged = true
	}

	// Backend options are maps, so the device needs a deep comparison.
	d.DeviceChanged = !reflect.DeepEqual(old.Device, new.Device)
	d.SessionChanged = old.Session != new.Session
	d.EngineChanged = old.Engine != new.Engine
	d.TelemetryChanged = old.Telemetry != new.Telemetry

	return d
}
