package app

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/pcmbus/internal/config"
	"github.com/MrWong99/pcmbus/internal/resilience"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
	"github.com/MrWong99/pcmbus/pkg/audio/wavio"
	"github.com/MrWong99/pcmbus/pkg/audio/wsaudio"
)

// builtinBackends lists the names registered by [RegisterBuiltins], for the
// debug log only.
var builtinBackends = map[string][]string{
	"source": {"tone", "silence", "wav", "websocket"},
	"sink":   {"discard", "wav", "websocket"},
}

// errNoEndpoint is returned by the websocket factories when no endpoint was
// created for the device.
var errNoEndpoint = errors.New("websocket backend requires an audio endpoint")

// RegisterBuiltins registers the built-in capture sources and render sinks.
// ws may be nil; the websocket backends then fail on creation.
func RegisterBuiltins(reg *config.Registry, ws *wsaudio.Endpoint) {
	reg.RegisterSource("tone", func(e config.BackendEntry) (device.Source, error) {
		freq := e.Float("frequency", 440)
		if freq <= 0 {
			return nil, fmt.Errorf("tone: frequency %v must be positive", freq)
		}
		t := device.NewToneSource(freq)
		t.Amplitude = int16(e.Float("amplitude", 0))
		t.Lag = e.Duration("latency", 0)
		return t, nil
	})
	reg.RegisterSource("silence", func(config.BackendEntry) (device.Source, error) {
		return &device.SilenceSource{}, nil
	})
	reg.RegisterSource("wav", func(e config.BackendEntry) (device.Source, error) {
		clip, err := wavio.Load(e.String("file", ""))
		if err != nil {
			return nil, err
		}
		return wavio.NewFileSource(clip, e.Bool("loop", true)), nil
	})
	reg.RegisterSource("websocket", func(config.BackendEntry) (device.Source, error) {
		if ws == nil {
			return nil, errNoEndpoint
		}
		return ws.Source(), nil
	})

	reg.RegisterSink("discard", func(e config.BackendEntry) (device.Sink, error) {
		return &device.NullSink{Lag: e.Duration("latency", 0)}, nil
	})
	reg.RegisterSink("wav", func(e config.BackendEntry) (device.Sink, error) {
		return wavio.NewFileSink(e.String("file", "")), nil
	})
	reg.RegisterSink("websocket", func(config.BackendEntry) (device.Sink, error) {
		if ws == nil {
			return nil, errNoEndpoint
		}
		return ws.Sink(), nil
	})

	for kind, names := range builtinBackends {
		for _, name := range names {
			slog.Debug("registered backend", "kind", kind, "name", name)
		}
	}
}

// usesWebsocket reports whether any device backend, fallbacks included, is
// the websocket endpoint.
func usesWebsocket(cfg *config.Config) bool {
	uses := func(e config.BackendEntry) bool {
		if e.Name == "websocket" {
			return true
		}
		for _, fb := range e.Fallback {
			if fb.Name == "websocket" {
				return true
			}
		}
		return false
	}
	return uses(cfg.Device.Capture.Source) || uses(cfg.Device.Render.Sink)
}

// fallbackConfig returns the breaker settings for backend chains. An open
// breaker is retried after the device restart backoff, at least one second.
func (a *App) fallbackConfig(kind string) resilience.FallbackConfig {
	reset := max(a.cfg.Device.Restart.Backoff, time.Second)
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{ResetTimeout: reset},
		Logger:         a.log.With("component", "fallback", "kind", kind),
	}
}

// createSource builds the source for e. With fallbacks configured the result
// is a [resilience.FallbackSource] over the whole chain.
func (a *App) createSource(e config.BackendEntry) (device.Source, error) {
	primary, err := a.registry.CreateSource(e)
	if err != nil {
		return nil, err
	}
	if len(e.Fallback) == 0 {
		return primary, nil
	}
	chain := make([]resilience.NamedSource, 0, len(e.Fallback))
	for i, fb := range e.Fallback {
		src, err := a.registry.CreateSource(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		chain = append(chain, resilience.NamedSource{Name: fb.Name, Source: src})
	}
	return resilience.NewFallbackSource(a.fallbackConfig("source"),
		resilience.NamedSource{Name: e.Name, Source: primary}, chain...), nil
}

// createSink builds the sink for e, wrapping fallbacks like [App.createSource].
func (a *App) createSink(e config.BackendEntry) (device.Sink, error) {
	primary, err := a.registry.CreateSink(e)
	if err != nil {
		return nil, err
	}
	if len(e.Fallback) == 0 {
		return primary, nil
	}
	chain := make([]resilience.NamedSink, 0, len(e.Fallback))
	for i, fb := range e.Fallback {
		sink, err := a.registry.CreateSink(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		chain = append(chain, resilience.NamedSink{Name: fb.Name, Sink: sink})
	}
	return resilience.NewFallbackSink(a.fallbackConfig("sink"),
		resilience.NamedSink{Name: e.Name, Sink: primary}, chain...), nil
}
