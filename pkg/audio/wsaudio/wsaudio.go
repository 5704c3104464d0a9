// Package wsaudio exposes a [device.Device] backend over a WebSocket: a
// remote peer acts as microphone and speaker for the software device.
//
// Protocol: after the upgrade the server sends one JSON text message
// ([Hello]) describing both formats. Binary messages from the peer carry
// captured audio as interleaved little-endian int16 samples in the capture
// format; binary messages from the server carry one rendered period each in
// the render format. Text messages from the peer are ignored.
//
// Only one peer is served at a time; further upgrades are rejected with 409
// Conflict until the current peer disconnects.
package wsaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
)

const (
	// DefaultMaxBuffer bounds the captured audio held for the device.
	DefaultMaxBuffer = 200 * time.Millisecond

	// DefaultSendQueue is the number of rendered periods queued for the peer.
	DefaultSendQueue = 32

	readLimit = 1 << 20
)

// ErrBusy is reported to a second peer while one is connected.
var ErrBusy = errors.New("wsaudio: endpoint busy")

// Hello is the first message sent to a connected peer.
type Hello struct {
	Type    string     `json:"type"`
	Session string     `json:"session"`
	Capture FormatInfo `json:"capture"`
	Render  FormatInfo `json:"render"`
}

// FormatInfo describes one direction's PCM format on the wire.
type FormatInfo struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

func formatInfo(f audio.Format) FormatInfo {
	return FormatInfo{SampleRate: f.SampleRate, Channels: f.Channels, Encoding: "s16le"}
}

// Option configures an [Endpoint].
type Option func(*Endpoint)

// WithMaxBuffer sets how much captured audio is held before the oldest
// samples are dropped.
func WithMaxBuffer(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.maxBuffer = d
		}
	}
}

// WithSendQueue sets the number of rendered periods queued for the peer.
func WithSendQueue(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.sendQueue = n
		}
	}
}

// WithLogger sets the endpoint logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.log = l
		}
	}
}

// Endpoint is an http.Handler that accepts one WebSocket peer and bridges it
// to a capture [device.Source] and a render [device.Sink].
type Endpoint struct {
	capture   audio.Format
	render    audio.Format
	maxBuffer time.Duration
	sendQueue int
	log       *slog.Logger

	connected atomic.Bool
	dropped   atomic.Int64

	mu      sync.Mutex
	pending []int16
	out     chan []byte
}

// NewEndpoint returns an endpoint serving the given capture and render
// formats.
func NewEndpoint(capture, render audio.Format, opts ...Option) (*Endpoint, error) {
	if err := capture.Validate(); err != nil {
		return nil, fmt.Errorf("wsaudio: capture: %w", err)
	}
	if err := render.Validate(); err != nil {
		return nil, fmt.Errorf("wsaudio: render: %w", err)
	}
	e := &Endpoint{
		capture:   capture,
		render:    render,
		maxBuffer: DefaultMaxBuffer,
		sendQueue: DefaultSendQueue,
		log:       slog.Default().With("component", "wsaudio"),
	}
	for _, o := range opts {
		o(e)
	}
	e.out = make(chan []byte, e.sendQueue)
	return e, nil
}

// Connected reports whether a peer is attached.
func (e *Endpoint) Connected() bool { return e.connected.Load() }

// Dropped returns the number of rendered periods dropped because the send
// queue was full, plus captured samples discarded on overflow.
func (e *Endpoint) Dropped() int64 { return e.dropped.Load() }

// Source returns the capture side of the endpoint.
func (e *Endpoint) Source() device.Source { return (*source)(e) }

// Sink returns the render side of the endpoint.
func (e *Endpoint) Sink() device.Sink { return (*sink)(e) }

// ServeHTTP upgrades the request and serves the peer until it disconnects or
// the request context ends.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.connected.CompareAndSwap(false, true) {
		http.Error(w, ErrBusy.Error(), http.StatusConflict)
		return
	}
	defer e.connected.Store(false)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		e.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	id := uuid.NewString()
	log := e.log.With("peer_id", id, "remote", r.RemoteAddr)
	log.Info("audio peer connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello := Hello{
		Type:    "hello",
		Session: id,
		Capture: formatInfo(e.capture),
		Render:  formatInfo(e.render),
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		log.Warn("hello failed", "err", err)
		conn.CloseNow()
		return
	}

	e.drainOut()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.readLoop(gctx, conn) })
	g.Go(func() error { return e.writeLoop(gctx, conn) })
	err = g.Wait()

	e.mu.Lock()
	e.pending = e.pending[:0]
	e.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
		log.Info("audio peer disconnected")
	} else {
		log.Warn("audio peer connection ended", "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
}

// readLoop appends captured audio from the peer to the pending buffer.
func (e *Endpoint) readLoop(ctx context.Context, conn *websocket.Conn) error {
	limit := e.capture.SamplesIn(e.maxBuffer) * e.capture.Channels
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		samples := audio.BytesToInt16s(data)
		e.mu.Lock()
		e.pending = append(e.pending, samples...)
		if over := len(e.pending) - limit; over > 0 {
			// Drop whole periods from the front.
			over += (e.capture.Channels - over%e.capture.Channels) % e.capture.Channels
			e.pending = append(e.pending[:0], e.pending[over:]...)
			e.dropped.Add(int64(over))
		}
		e.mu.Unlock()
	}
}

// writeLoop sends queued render periods to the peer.
func (e *Endpoint) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-e.out:
			if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
				return err
			}
		}
	}
}

// drainOut discards render periods queued while no peer was attached.
func (e *Endpoint) drainOut() {
	for {
		select {
		case <-e.out:
		default:
			return
		}
	}
}

// ─── Source / Sink views ──────────────────────────────────────────────────────

type source Endpoint

func (s *source) Open(f audio.Format) error {
	if f != s.capture {
		return fmt.Errorf("wsaudio: capture format %s, endpoint serves %s: %w", f, s.capture, audio.ErrInvalidFormat)
	}
	return nil
}

// Read returns whatever whole periods the peer has delivered; zero when the
// peer is silent or absent.
func (s *source) Read(buf []int16) (int, error) {
	ch := s.capture.Channels
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(len(buf), len(s.pending)) / ch * ch
	if n == 0 {
		return 0, nil
	}
	copy(buf, s.pending[:n])
	s.pending = append(s.pending[:0], s.pending[n:]...)
	return n / ch, nil
}

func (s *source) Latency() time.Duration {
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	return s.capture.Duration(n / s.capture.Channels)
}

func (s *source) Close() error {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.mu.Unlock()
	return nil
}

type sink Endpoint

func (s *sink) Open(f audio.Format) error {
	if f != s.render {
		return fmt.Errorf("wsaudio: render format %s, endpoint serves %s: %w", f, s.render, audio.ErrInvalidFormat)
	}
	return nil
}

// Write queues one period for the peer. It never blocks: without a peer the
// period is discarded, and a full queue drops it.
func (s *sink) Write(buf []int16) error {
	if !s.connected.Load() {
		return nil
	}
	select {
	case s.out <- audio.Int16sToBytes(buf):
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *sink) Latency() time.Duration {
	return time.Duration(len(s.out)) * device.DefaultPeriod
}

func (s *sink) Close() error { return nil }

var _ http.Handler = (*Endpoint)(nil)
