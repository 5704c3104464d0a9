package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/pcmbus/internal/config"
)

const watchedYAML = `
server:
  log_level: info
device:
  period_ms: 10
  capture:
    source:
      name: tone
  render:
    sink:
      name: discard
`

type change struct{ old, new *config.Config }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// watch starts a watcher on a file holding watchedYAML and returns the file
// path and the stream of reported changes.
func watch(t *testing.T) (*config.Watcher, string, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pcmbus.yaml")
	writeFile(t, path, watchedYAML)
	changes := make(chan change, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	// Let the first poll record the initial mtime.
	time.Sleep(50 * time.Millisecond)
	return w, path, changes
}

func TestWatcher_ReportsEdits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		edit        string
		wantLevel   bool
		wantDevice  bool
		wantRestart bool
	}{
		{
			name: "log level",
			edit: `
server:
  log_level: debug
device:
  period_ms: 10
  capture:
    source:
      name: tone
  render:
    sink:
      name: discard
`,
			wantLevel: true,
		},
		{
			name: "device backends",
			edit: `
server:
  log_level: info
device:
  period_ms: 20
  capture:
    source:
      name: websocket
      fallback:
        - name: tone
  render:
    sink:
      name: discard
`,
			wantDevice:  true,
			wantRestart: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, path, changes := watch(t)
			writeFile(t, path, tt.edit)

			var c change
			select {
			case c = <-changes:
			case <-time.After(2 * time.Second):
				t.Fatal("change not reported")
			}
			d := config.Diff(c.old, c.new)
			if d.LogLevelChanged != tt.wantLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.wantLevel)
			}
			if d.DeviceChanged != tt.wantDevice {
				t.Errorf("DeviceChanged = %v, want %v", d.DeviceChanged, tt.wantDevice)
			}
			if d.RequiresRestart() != tt.wantRestart {
				t.Errorf("RequiresRestart = %v, want %v", d.RequiresRestart(), tt.wantRestart)
			}
			if w.Current() != c.new {
				t.Error("Current does not return the reloaded config")
			}
		})
	}
}

func TestWatcher_IgnoresUnusableEdits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		edit func(t *testing.T, path string)
	}{
		{
			name: "period out of range",
			edit: func(t *testing.T, path string) {
				writeFile(t, path, `
device:
  period_ms: 500
  capture:
    source:
      name: tone
`)
			},
		},
		{
			name: "fallback without primary",
			edit: func(t *testing.T, path string) {
				writeFile(t, path, `
device:
  render:
    sink:
      fallback:
        - name: discard
`)
			},
		},
		{
			name: "touch only",
			edit: func(t *testing.T, path string) {
				now := time.Now().Add(time.Second)
				if err := os.Chtimes(path, now, now); err != nil {
					t.Fatal(err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, path, changes := watch(t)
			before := w.Current()
			tt.edit(t, path)

			select {
			case c := <-changes:
				t.Fatalf("unexpected change reported: %+v", config.Diff(c.old, c.new))
			case <-time.After(200 * time.Millisecond):
			}
			if w.Current() != before {
				t.Error("Current replaced after an unusable edit")
			}
			if got := w.Current().Device.PeriodMS; got != 10 {
				t.Errorf("period_ms = %d, want 10", got)
			}
		})
	}
}
