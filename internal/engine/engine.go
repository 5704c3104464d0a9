// Package engine is the media-pipeline side of the audio subsystem: the
// consumer of the [audio.Bus] contract.
//
// A [Session] represents one call. Connect acquires the device registered
// with the [manager.Manager] (or builds a fallback device), hands it a fresh
// [Bus], then initializes and starts every available direction. While
// connected, captured audio is encoded into 20 ms Opus packets available on
// [Session.Packets], and packets passed to [Session.ReceivePacket] are decoded
// into the render FIFO. Packet transport beyond this point is out of scope;
// loopback mode feeds encoded packets straight back into the decoder.
//
// This package lives under internal/ because it encapsulates
// application-private pipeline logic.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/manager"
)

// Sentinel errors.
var (
	// ErrNoDevice is returned by Connect when no device is registered and no
	// fallback is configured.
	ErrNoDevice = errors.New("engine: no audio device")

	// ErrConnected is returned by Connect on a connected session.
	ErrConnected = errors.New("engine: session already connected")

	// ErrNotConnected is returned when an operation needs a connected session.
	ErrNotConnected = errors.New("engine: session not connected")
)

// DefaultPacketQueue is the number of encoded packets buffered on
// [Session.Packets].
const DefaultPacketQueue = 64

// Config holds the engine pipeline settings.
type Config struct {
	// Format is the engine's internal PCM format. Default: 48 kHz mono.
	Format audio.Format

	// Bitrate is the Opus bitrate in bits per second. Default: [DefaultBitrate].
	Bitrate int

	// Loopback feeds encoded capture packets back into the render path.
	Loopback bool

	// CaptureQueue is the bus capture queue depth in frames.
	CaptureQueue int

	// RenderBuffer is the bus render FIFO capacity in sample periods.
	RenderBuffer int

	// PacketQueue is the depth of the [Session.Packets] channel.
	PacketQueue int
}

func (c *Config) setDefaults() {
	if c.Format.IsZero() {
		c.Format = audio.Format{SampleRate: 48000, Channels: 1}
	}
	if c.Bitrate == 0 {
		c.Bitrate = DefaultBitrate
	}
	if c.CaptureQueue <= 0 {
		c.CaptureQueue = DefaultCaptureQueue
	}
	if c.RenderBuffer <= 0 {
		c.RenderBuffer = DefaultRenderBuffer
	}
	if c.PacketQueue <= 0 {
		c.PacketQueue = DefaultPacketQueue
	}
}

// Option is a functional option for a [Session].
type Option func(*Session)

// WithFallback sets the factory used when the manager has no device. The
// session owns and closes devices it builds this way.
func WithFallback(f func() (audio.Device, error)) Option {
	return func(s *Session) { s.fallback = f }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// terminator is implemented by devices that can release their backends.
type terminator interface {
	TerminateCapture() error
	TerminateRendering() error
}

// Session is one call's view of the audio pipeline. All methods are safe for
// concurrent use.
type Session struct {
	cfg      Config
	mgr      *manager.Manager
	fallback func() (audio.Device, error)
	metrics  *observe.Metrics
	log      *slog.Logger

	packets chan []byte
	dropped atomic.Int64

	mu        sync.Mutex
	id        string
	lease     *manager.Lease
	dev       audio.Device
	owned     bool
	bus       *Bus
	dec       *opusDecoder
	decMu     sync.Mutex
	started   []audio.Direction
	cancel    context.CancelFunc
	pumps     *errgroup.Group
	connected bool
}

// New returns a disconnected session drawing its device from mgr.
func New(mgr *manager.Manager, cfg Config, opts ...Option) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg: cfg,
		mgr: mgr,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "engine")
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.packets = make(chan []byte, cfg.PacketQueue)
	return s
}

// Packets returns encoded capture packets. The channel is never closed;
// packets that do not fit are dropped.
func (s *Session) Packets() <-chan []byte { return s.packets }

// DroppedPackets returns how many encoded packets were dropped.
func (s *Session) DroppedPackets() int64 { return s.dropped.Load() }

// Connected reports whether the session is connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ID returns the identifier of the current connection, or "" when
// disconnected.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Device returns the device in use, or nil when disconnected.
func (s *Session) Device() audio.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// Bus returns the bus of the current connection, or nil when disconnected.
func (s *Session) Bus() *Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

// Connect attaches to the audio device and starts every available direction.
// On failure everything acquired so far is released.
func (s *Session) Connect(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "engine.connect")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return ErrConnected
	}

	dev, lease, owned, err := s.acquire()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	log := observe.LoggerFrom(ctx, s.log).With("session_id", id)
	span.SetAttributes(attribute.String("session.id", id))

	bus := NewBus(s.cfg.Format,
		WithCaptureQueue(s.cfg.CaptureQueue),
		WithRenderBuffer(s.cfg.RenderBuffer),
		WithBusMetrics(s.metrics),
		WithBusLogger(log),
	)
	enc, err := newOpusEncoder(s.cfg.Format, s.cfg.Bitrate)
	var dec *opusDecoder
	if err == nil {
		dec, err = newOpusDecoder(s.cfg.Format)
	}
	if err != nil {
		s.release(dev, lease, owned)
		return err
	}

	started, err := s.startDevice(ctx, dev, bus, log)
	if err != nil {
		s.release(dev, lease, owned)
		return err
	}

	s.decMu.Lock()
	s.dec = dec
	s.decMu.Unlock()

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(func() error { return s.encodePump(gctx, bus, enc) })

	s.id = id
	s.dev, s.lease, s.owned, s.bus = dev, lease, owned, bus
	s.started = started
	s.cancel, s.pumps = cancel, g
	s.connected = true
	s.metrics.ActiveSessions.Add(ctx, 1)

	log.Info("engine session connected",
		"capture_format", dev.CaptureFormat().String(),
		"render_format", dev.RenderFormat().String(),
		"engine_format", s.cfg.Format.String(),
		"directions", len(started),
		"loopback", s.cfg.Loopback,
	)
	return nil
}

// acquire returns the registered device under a lease, or a fallback device
// the session owns. Caller holds s.mu.
func (s *Session) acquire() (audio.Device, *manager.Lease, bool, error) {
	if s.mgr != nil {
		if lease, ok := s.mgr.Acquire(); ok {
			return lease.Device(), lease, false, nil
		}
	}
	if s.fallback == nil {
		return nil, nil, false, ErrNoDevice
	}
	dev, err := s.fallback()
	if err != nil {
		return nil, nil, false, fmt.Errorf("engine: fallback device: %w", err)
	}
	return dev, nil, true, nil
}

func (s *Session) release(dev audio.Device, lease *manager.Lease, owned bool) {
	if lease != nil {
		lease.Release()
	}
	if owned {
		if c, ok := dev.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				s.log.Warn("closing fallback device", "err", err)
			}
		}
	}
}

// startDevice attaches bus and brings up every available direction. A
// direction that is unavailable is skipped; at least one must start.
func (s *Session) startDevice(ctx context.Context, dev audio.Device, bus *Bus, log *slog.Logger) ([]audio.Direction, error) {
	if err := dev.SetAudioBus(bus); err != nil {
		return nil, fmt.Errorf("engine: attach bus: %w", err)
	}

	type direction struct {
		dir       audio.Direction
		available func() bool
		init      func() error
		start     func() error
		stop      func() error
	}
	dirs := []direction{
		{audio.Capture, dev.CaptureIsAvailable, dev.InitializeCapture, dev.StartCapture, dev.StopCapture},
		{audio.Render, dev.RenderingIsAvailable, dev.InitializeRendering, dev.StartRendering, dev.StopRendering},
	}

	var started []audio.Direction
	rollback := func() {
		for _, d := range dirs {
			_ = d.stop()
		}
		terminate(dev)
	}
	for _, d := range dirs {
		if !d.available() {
			log.Info("audio direction unavailable, skipping", "direction", d.dir.String())
			continue
		}
		if err := d.init(); err != nil {
			rollback()
			return nil, fmt.Errorf("engine: initialize %s: %w", d.dir, err)
		}
		if err := d.start(); err != nil {
			rollback()
			return nil, fmt.Errorf("engine: start %s: %w", d.dir, err)
		}
		started = append(started, d.dir)
		trace.SpanFromContext(ctx).AddEvent("direction started",
			trace.WithAttributes(attribute.String("direction", d.dir.String())))
	}
	if len(started) == 0 {
		terminate(dev)
		return nil, fmt.Errorf("engine: %w", audio.ErrUnavailable)
	}
	return started, nil
}

func terminate(dev audio.Device) error {
	t, ok := dev.(terminator)
	if !ok {
		return nil
	}
	return errors.Join(t.TerminateCapture(), t.TerminateRendering())
}

// Disconnect stops the device, waits for the pipeline to drain and releases
// the device. It returns [ErrNotConnected] when the session is not connected.
func (s *Session) Disconnect(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "engine.disconnect")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	log := observe.LoggerFrom(ctx, s.log).With("session_id", s.id)

	var errs []error
	for _, dir := range s.started {
		var err error
		if dir == audio.Capture {
			err = s.dev.StopCapture()
		} else {
			err = s.dev.StopRendering()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("engine: stop %s: %w", dir, err))
		}
	}
	if err := terminate(s.dev); err != nil {
		errs = append(errs, fmt.Errorf("engine: terminate: %w", err))
	}

	s.cancel()
	if err := s.pumps.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	s.release(s.dev, s.lease, s.owned)

	log.Info("engine session disconnected",
		"dropped_capture_frames", s.bus.Dropped(),
		"render_overflow_samples", s.bus.Overflows(),
	)
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.id = ""
	s.dev, s.lease, s.owned, s.bus = nil, nil, false, nil
	s.decMu.Lock()
	s.dec = nil
	s.decMu.Unlock()
	s.started = nil
	s.cancel, s.pumps = nil, nil
	s.connected = false

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// ReceivePacket decodes an Opus packet and queues it for playback.
func (s *Session) ReceivePacket(packet []byte) error {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return ErrNotConnected
	}
	return s.decodeInto(context.Background(), bus, packet)
}

func (s *Session) decodeInto(ctx context.Context, bus *Bus, packet []byte) error {
	s.decMu.Lock()
	defer s.decMu.Unlock()
	if s.dec == nil {
		return ErrNotConnected
	}
	pcm, err := s.dec.decode(packet)
	s.metrics.RecordCodecPacket(ctx, "decode", err)
	if err != nil {
		return err
	}
	bus.PushRender(pcm)
	return nil
}

// encodePump encodes captured frames until ctx is cancelled. Codec errors
// are counted and logged once; they do not stop the pipeline.
func (s *Session) encodePump(ctx context.Context, bus *Bus, enc *opusEncoder) error {
	var warned bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case fr := <-bus.Captured():
			packets, err := enc.encode(fr.Data())
			if err != nil {
				s.metrics.RecordCodecPacket(ctx, "encode", err)
				if !warned {
					s.log.Warn("opus encode failed", "err", err)
					warned = true
				}
			}
			for _, p := range packets {
				s.metrics.RecordCodecPacket(ctx, "encode", nil)
				if s.cfg.Loopback {
					if err := s.decodeInto(ctx, bus, p); err != nil && !warned {
						s.log.Warn("loopback decode failed", "err", err)
						warned = true
					}
					continue
				}
				select {
				case s.packets <- p:
				default:
					s.dropped.Add(1)
				}
			}
		}
	}
}
