// Command pcmbusd runs the software audio device, the engine session and the
// HTTP control surface.
//
// Usage:
//
//	pcmbusd [-config pcmbus.yaml]
//
// Without -config the built-in defaults are used: a 440 Hz tone as the
// microphone and a discarding speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/pcmbus/internal/app"
	"github.com/MrWong99/pcmbus/internal/config"
	"github.com/MrWong99/pcmbus/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	cfg, watcher, err := loadConfig(*configPath, &level)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pcmbusd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pcmbusd: %v\n", err)
		}
		return 1
	}
	if watcher != nil {
		defer watcher.Stop()
	}
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("pcmbusd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig returns the defaults when path is empty. Otherwise it loads the
// file and watches it: log level changes apply immediately, anything else is
// logged as needing a restart.
func loadConfig(path string, level *slog.LevelVar) (*config.Config, *config.Watcher, error) {
	if path == "" {
		return config.Default(), nil, nil
	}
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RequiresRestart() {
			slog.Warn("config change requires a restart to take effect",
				"device", d.DeviceChanged,
				"session", d.SessionChanged,
				"engine", d.EngineChanged,
				"server", d.ServerChanged,
				"telemetry", d.TelemetryChanged,
			)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Startup summary ────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	dc := cfg.Device
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         pcmbusd, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Device", dc.Name)
	printRow("Capture", backendLabel(dc.Capture.Source, dc.Capture.Format().String()))
	printRow("Render", backendLabel(dc.Render.Sink, dc.Render.Format().String()))
	printRow("Period", dc.Period().String())
	printRow("Session mode", cfg.Session.Mode)
	printRow("Engine", cfg.Engine.Format().String())
	if dc.Ringtone != nil {
		printRow("Ringtone", dc.Ringtone.File)
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func backendLabel(e config.BackendEntry, format string) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if n := len(e.Fallback); n > 0 {
		return fmt.Sprintf("%s+%d %s", e.Name, n, format)
	}
	return e.Name + " " + format
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
