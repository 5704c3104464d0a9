package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pcmbus/internal/engine"
)

// packetBridge streams the engine's encoded capture packets to one
// WebSocket peer and feeds the peer's binary messages back as Opus packets
// for playback. It stands in for the network transport of a call.
type packetBridge struct {
	engine *engine.Session
	log    *slog.Logger
	busy   atomic.Bool
}

func newPacketBridge(e *engine.Session, log *slog.Logger) *packetBridge {
	return &packetBridge{engine: e, log: log.With("component", "packet_bridge")}
}

func (b *packetBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !b.busy.CompareAndSwap(false, true) {
		http.Error(w, "packet bridge busy", http.StatusConflict)
		return
	}
	defer b.busy.Store(false)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	log := b.log.With("peer_id", uuid.NewString())
	log.Info("packet peer connected")

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return b.send(ctx, conn) })
	g.Go(func() error { return b.receive(ctx, conn, log) })
	err = g.Wait()

	if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
		log.Info("packet peer disconnected")
	} else {
		log.Warn("packet peer connection ended", "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
}

func (b *packetBridge) send(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-b.engine.Packets():
			if err := conn.Write(ctx, websocket.MessageBinary, p); err != nil {
				return err
			}
		}
	}
}

func (b *packetBridge) receive(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	var warned bool
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := b.engine.ReceivePacket(data); err != nil && !warned {
			log.Debug("packet not played", "err", err)
			warned = true
		}
	}
}
