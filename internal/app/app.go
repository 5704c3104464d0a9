// Package app wires the pcmbus subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds the device from config,
// registers it with the device manager and prepares the engine session, Run
// serves the HTTP control surface, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithPlatformSession, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pcmbus/internal/config"
	"github.com/MrWong99/pcmbus/internal/engine"
	"github.com/MrWong99/pcmbus/internal/health"
	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
	"github.com/MrWong99/pcmbus/pkg/audio/manager"
	"github.com/MrWong99/pcmbus/pkg/audio/ringtone"
	"github.com/MrWong99/pcmbus/pkg/audio/wavio"
	"github.com/MrWong99/pcmbus/pkg/audio/wsaudio"
)

// shutdownGrace bounds the HTTP server shutdown in [App.Run].
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	registry *config.Registry
	platform *SoftwareSession
	ws       *wsaudio.Endpoint

	manager *manager.Manager
	device  *device.Device
	ring    *ringtone.Device // nil without a ringtone
	engine  *engine.Session

	health         *health.Handler
	metricsHandler http.Handler

	// ctx outlives requests; rings started over HTTP use it.
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry injects a backend registry instead of the built-in one.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithPlatformSession injects the platform session.
func WithPlatformSession(s *SoftwareSession) Option {
	return func(a *App) { a.platform = s }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the application logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. All initialisation is synchronous: backends
// are created through the registry, the device is built and registered with
// the device manager, and the engine session is prepared but not connected.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.platform == nil {
		a.platform = NewSoftwareSession(a.log)
	}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	// ── 1. Backends ──────────────────────────────────────────────────────
	if err := a.initBackends(); err != nil {
		a.cancel()
		return nil, fmt.Errorf("app: init backends: %w", err)
	}

	// ── 2. Device ────────────────────────────────────────────────────────
	if err := a.initDevice(); err != nil {
		a.cancel()
		return nil, fmt.Errorf("app: init device: %w", err)
	}

	// ── 3. Ringtone ──────────────────────────────────────────────────────
	if err := a.initRingtone(); err != nil {
		a.device.Close()
		a.cancel()
		return nil, fmt.Errorf("app: init ringtone: %w", err)
	}

	// ── 4. Device manager ────────────────────────────────────────────────
	a.manager = manager.New(manager.WithLogger(a.log), manager.WithCloseOnRelease())
	a.manager.SetAudioDevice(a.current())

	// ── 5. Engine ────────────────────────────────────────────────────────
	ec := cfg.Engine
	a.engine = engine.New(a.manager, engine.Config{
		Format:       ec.Format(),
		Bitrate:      ec.Bitrate,
		Loopback:     ec.Loopback,
		CaptureQueue: ec.CaptureQueue,
		RenderBuffer: ec.RenderBuffer,
	}, engine.WithMetrics(a.metrics), engine.WithLogger(a.log))

	// ── 6. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.DeviceRegistered(a.manager),
		health.DeliveryLive(a.manager),
	)

	a.log.Info("app initialised",
		"device", a.device.Name(),
		"device_id", a.device.ID(),
		"mode", a.device.Mode().String(),
		"capture", cfg.Device.Capture.Source.Name,
		"render", cfg.Device.Render.Sink.Name,
		"ringtone", a.ring != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBackends creates the websocket endpoint when a direction uses it and
// registers the built-in backends unless a registry was injected.
func (a *App) initBackends() error {
	if usesWebsocket(a.cfg) {
		dc := a.cfg.Device
		ws, err := wsaudio.NewEndpoint(dc.Capture.Format(), dc.Render.Format(),
			wsaudio.WithLogger(a.log.With("component", "wsaudio")))
		if err != nil {
			return err
		}
		a.ws = ws
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltins(a.registry, a.ws)
	}
	return nil
}

func (a *App) initDevice() error {
	dc := a.cfg.Device

	var (
		src  device.Source
		sink device.Sink
		err  error
	)
	if dc.Capture.Source.Name != "" {
		if src, err = a.createSource(dc.Capture.Source); err != nil {
			return fmt.Errorf("capture source %q: %w", dc.Capture.Source.Name, err)
		}
	}
	if dc.Render.Sink.Name != "" {
		if sink, err = a.createSink(dc.Render.Sink); err != nil {
			return fmt.Errorf("render sink %q: %w", dc.Render.Sink.Name, err)
		}
	}

	a.device = device.New(
		device.WithName(dc.Name),
		device.WithCaptureFormat(dc.Capture.Format()),
		device.WithRenderFormat(dc.Render.Format()),
		device.WithSource(src),
		device.WithSink(sink),
		device.WithPeriod(dc.Period()),
		device.WithPlatformSession(a.platform),
		device.WithActivationTimeout(a.cfg.Session.ActivationTimeout),
		device.WithRestartPolicy(dc.Restart.Retries, dc.Restart.Backoff),
		device.WithMetrics(a.metrics),
		device.WithLogger(a.log),
	)

	if mode, _ := audio.ParseMode(a.cfg.Session.Mode); mode == audio.ModeCallingServices {
		a.device.EnableCallingServicesMode()
		if a.cfg.Session.Preconfigure {
			if err := a.device.PreconfigureAudioSessionForCall(a.cfg.Session.AudioMode); err != nil {
				a.device.Close()
				return err
			}
		}
	}
	return nil
}

func (a *App) initRingtone() error {
	rc := a.cfg.Device.Ringtone
	if rc == nil {
		return nil
	}
	clip, err := wavio.Load(rc.File)
	if err != nil {
		return err
	}
	sink, err := a.createSink(rc.Sink)
	if err != nil {
		return fmt.Errorf("ringtone sink %q: %w", rc.Sink.Name, err)
	}
	opts := []ringtone.Option{
		ringtone.WithPeriod(a.cfg.Device.Period()),
		ringtone.WithLogger(a.log),
	}
	if rc.AutoRing {
		opts = append(opts, ringtone.WithAutoRing(ringtone.DefaultAutoRingDelay))
	}
	if rc.PlayOnce {
		opts = append(opts, ringtone.WithPlayOnce())
	}
	a.ring = ringtone.New(a.device, clip, sink, opts...)
	return nil
}

// current returns the device registered with the manager: the ringtone
// decorator when configured, the plain device otherwise.
func (a *App) current() audio.Device {
	if a.ring != nil {
		return a.ring
	}
	return a.device
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the device manager.
func (a *App) Manager() *manager.Manager { return a.manager }

// Engine returns the engine session.
func (a *App) Engine() *engine.Session { return a.engine }

// Device returns the software device.
func (a *App) Device() *device.Device { return a.device }

// Platform returns the platform session.
func (a *App) Platform() *SoftwareSession { return a.platform }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the engine when configured and serves the HTTP control
// surface until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Engine.AutoConnect {
		if err := a.engine.Connect(ctx); err != nil {
			return fmt.Errorf("app: connect engine: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the engine, clears the device registration (closing
// the device once no session holds it) and cancels pending rings.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		if err := a.engine.Disconnect(ctx); err != nil && !errors.Is(err, engine.ErrNotConnected) {
			errs = append(errs, fmt.Errorf("engine disconnect: %w", err))
		}
		a.manager.SetAudioDevice(nil)
		a.cancel()
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
