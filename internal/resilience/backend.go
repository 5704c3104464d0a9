package resilience

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
)

// errNotOpen is reported for entries whose Open failed so their breaker
// counts them as failing.
var errNotOpen = errors.New("resilience: backend not open")

type backend interface {
	Open(f audio.Format) error
	Latency() time.Duration
	Close() error
}

// slot is one entry of a backend chain together with its open state.
type slot[B backend] struct {
	b    B
	open atomic.Bool
}

func openAll[B backend](fg *FallbackGroup[*slot[B]], f audio.Format) error {
	var errs []error
	opened := 0
	fg.Each(func(name string, s *slot[B]) {
		err := s.b.Open(f)
		s.open.Store(err == nil)
		if err != nil {
			fg.log.Warn("backend failed to open", "backend", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		opened++
	})
	if opened == 0 {
		return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
	}
	return nil
}

func closeAll[B backend](fg *FallbackGroup[*slot[B]]) error {
	var errs []error
	fg.Each(func(name string, s *slot[B]) {
		s.open.Store(false)
		if err := s.b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}

// ─── FallbackSource ───────────────────────────────────────────────────────────

// NamedSource labels a source in a fallback chain.
type NamedSource struct {
	Name   string
	Source device.Source
}

// FallbackSource is a [device.Source] that reads from the first healthy entry
// of a primary-plus-fallbacks chain. An exhausted entry (io.EOF) counts as a
// failure, so a play-once clip hands over to the next source when it ends.
type FallbackSource struct {
	group *FallbackGroup[*slot[device.Source]]
}

// NewFallbackSource wraps primary and fallbacks, tried in order.
func NewFallbackSource(cfg FallbackConfig, primary NamedSource, fallbacks ...NamedSource) *FallbackSource {
	g := NewFallbackGroup(&slot[device.Source]{b: primary.Source}, primary.Name, cfg)
	for _, f := range fallbacks {
		g.AddFallback(f.Name, &slot[device.Source]{b: f.Source})
	}
	return &FallbackSource{group: g}
}

// Serving returns the name of the entry that delivered the latest read.
func (s *FallbackSource) Serving() string { return s.group.Serving() }

// Open opens every entry. It fails only when none opens.
func (s *FallbackSource) Open(f audio.Format) error { return openAll(s.group, f) }

// Read reads from the first entry that delivers. It returns io.EOF once every
// entry is exhausted or unavailable.
func (s *FallbackSource) Read(buf []int16) (int, error) {
	hard := false
	n, err := ExecuteWithResult(s.group, func(e *slot[device.Source]) (int, error) {
		if !e.open.Load() {
			return 0, errNotOpen
		}
		n, err := e.b.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			hard = true
		}
		return n, err
	})
	if err != nil && !hard {
		return 0, io.EOF
	}
	return n, err
}

// Latency reports the primary's latency.
func (s *FallbackSource) Latency() time.Duration { return s.group.Primary().b.Latency() }

// Close closes every entry and joins their errors.
func (s *FallbackSource) Close() error { return closeAll(s.group) }

// ─── FallbackSink ─────────────────────────────────────────────────────────────

// NamedSink labels a sink in a fallback chain.
type NamedSink struct {
	Name string
	Sink device.Sink
}

// FallbackSink is a [device.Sink] that writes each period to the first
// healthy entry of a primary-plus-fallbacks chain.
type FallbackSink struct {
	group *FallbackGroup[*slot[device.Sink]]
}

// NewFallbackSink wraps primary and fallbacks, tried in order.
func NewFallbackSink(cfg FallbackConfig, primary NamedSink, fallbacks ...NamedSink) *FallbackSink {
	g := NewFallbackGroup(&slot[device.Sink]{b: primary.Sink}, primary.Name, cfg)
	for _, f := range fallbacks {
		g.AddFallback(f.Name, &slot[device.Sink]{b: f.Sink})
	}
	return &FallbackSink{group: g}
}

// Serving returns the name of the entry that accepted the latest write.
func (s *FallbackSink) Serving() string { return s.group.Serving() }

// Open opens every entry. It fails only when none opens.
func (s *FallbackSink) Open(f audio.Format) error { return openAll(s.group, f) }

// Write plays buf on the first entry that accepts it.
func (s *FallbackSink) Write(buf []int16) error {
	return s.group.Execute(func(e *slot[device.Sink]) error {
		if !e.open.Load() {
			return errNotOpen
		}
		return e.b.Write(buf)
	})
}

// Latency reports the primary's latency.
func (s *FallbackSink) Latency() time.Duration { return s.group.Primary().b.Latency() }

// Close closes every entry and joins their errors.
func (s *FallbackSink) Close() error { return closeAll(s.group) }

var (
	_ device.Source = (*FallbackSource)(nil)
	_ device.Sink   = (*FallbackSink)(nil)
)
