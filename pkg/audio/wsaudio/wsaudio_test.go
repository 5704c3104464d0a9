package wsaudio_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/wsaudio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newEndpoint(t *testing.T, opts ...wsaudio.Option) (*wsaudio.Endpoint, *httptest.Server) {
	t.Helper()
	ep, err := wsaudio.NewEndpoint(audio.DefaultFormat, audio.DefaultFormat, opts...)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(ep)
	t.Cleanup(srv.Close)
	return ep, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readHello(t *testing.T, conn *websocket.Conn) wsaudio.Hello {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var h wsaudio.Hello
	if err := wsjson.Read(ctx, conn, &h); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	return h
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNewEndpoint_InvalidFormat(t *testing.T) {
	t.Parallel()
	_, err := wsaudio.NewEndpoint(audio.Format{}, audio.DefaultFormat)
	if !errors.Is(err, audio.ErrInvalidFormat) {
		t.Errorf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestEndpoint_Hello(t *testing.T) {
	t.Parallel()
	ep, srv := newEndpoint(t)
	conn := dial(t, srv)
	h := readHello(t, conn)

	if h.Type != "hello" || h.Session == "" {
		t.Errorf("hello = %+v", h)
	}
	if h.Capture.SampleRate != 16000 || h.Capture.Channels != 1 || h.Capture.Encoding != "s16le" {
		t.Errorf("capture = %+v", h.Capture)
	}
	eventually(t, ep.Connected, "peer registration")
}

func TestEndpoint_CaptureFromPeer(t *testing.T) {
	t.Parallel()
	ep, srv := newEndpoint(t)
	src := ep.Source()
	if err := src.Open(audio.DefaultFormat); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, srv)
	readHello(t, conn)

	want := make([]int16, 240)
	for i := range want {
		want[i] = int16(i - 120)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, audio.Int16sToBytes(want)); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return src.Latency() >= audio.DefaultFormat.Duration(240) }, "captured audio")

	buf := make([]int16, 160)
	n, err := src.Read(buf)
	if err != nil || n != 160 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	n, err = src.Read(buf)
	if err != nil || n != 80 {
		t.Fatalf("second Read = %d, %v; want 80", n, err)
	}
	if buf[79] != want[239] {
		t.Errorf("buf[79] = %d, want %d", buf[79], want[239])
	}
	if n, err := src.Read(buf); n != 0 || err != nil {
		t.Errorf("empty Read = %d, %v; want 0, nil", n, err)
	}
}

func TestEndpoint_CaptureOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	ep, srv := newEndpoint(t, wsaudio.WithMaxBuffer(10*time.Millisecond))
	src := ep.Source()
	conn := dial(t, srv)
	readHello(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	first := make([]int16, 160)
	second := make([]int16, 160)
	for i := range second {
		second[i] = 7
	}
	for _, b := range [][]int16{first, second} {
		if err := conn.Write(ctx, websocket.MessageBinary, audio.Int16sToBytes(b)); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, func() bool { return ep.Dropped() == 160 }, "overflow drop")

	buf := make([]int16, 320)
	n, _ := src.Read(buf)
	if n != 160 || buf[0] != 7 {
		t.Errorf("Read = %d (buf[0]=%d), want the newest 160 samples", n, buf[0])
	}
}

func TestEndpoint_RenderToPeer(t *testing.T) {
	t.Parallel()
	ep, srv := newEndpoint(t)
	sink := ep.Sink()
	if err := sink.Open(audio.DefaultFormat); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, srv)
	readHello(t, conn)
	eventually(t, ep.Connected, "peer registration")

	period := []int16{1, -2, 3, -4}
	if err := sink.Write(period); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("message type = %v", typ)
	}
	got := audio.BytesToInt16s(data)
	if len(got) != len(period) || got[1] != -2 || got[3] != -4 {
		t.Errorf("rendered = %v, want %v", got, period)
	}
}

func TestEndpoint_RenderWithoutPeerIsDiscarded(t *testing.T) {
	t.Parallel()
	ep, _ := newEndpoint(t, wsaudio.WithSendQueue(1))
	sink := ep.Sink()
	for range 5 {
		if err := sink.Write([]int16{1, 2}); err != nil {
			t.Fatal(err)
		}
	}
	if ep.Dropped() != 0 {
		t.Errorf("Dropped = %d; periods without a peer are discarded, not queued", ep.Dropped())
	}
}

func TestEndpoint_FormatMismatch(t *testing.T) {
	t.Parallel()
	ep, _ := newEndpoint(t)
	stereo := audio.Format{SampleRate: 48000, Channels: 2}
	if err := ep.Source().Open(stereo); !errors.Is(err, audio.ErrInvalidFormat) {
		t.Errorf("source err = %v", err)
	}
	if err := ep.Sink().Open(stereo); !errors.Is(err, audio.ErrInvalidFormat) {
		t.Errorf("sink err = %v", err)
	}
}

func TestEndpoint_SecondPeerRejected(t *testing.T) {
	t.Parallel()
	ep, srv := newEndpoint(t)
	conn := dial(t, srv)
	readHello(t, conn)
	eventually(t, ep.Connected, "first peer")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err == nil {
		t.Fatal("second peer accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("response = %v, want 409", resp)
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	eventually(t, func() bool { return !ep.Connected() }, "first peer release")
	readHello(t, dial(t, srv))
}
