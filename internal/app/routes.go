package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MrWong99/pcmbus/internal/engine"
	"github.com/MrWong99/pcmbus/internal/observe"
	"github.com/MrWong99/pcmbus/pkg/audio"
	"github.com/MrWong99/pcmbus/pkg/audio/device"
)

// maxBody bounds JSON request bodies.
const maxBody = 64 << 10

// Handler returns the HTTP control surface wrapped in the tracing and
// metrics middleware.
//
//	GET  /healthz, /readyz, /metrics
//	GET  /session                      session mode and activation state
//	POST /session/calling-services     switch to calling-services mode
//	POST /session/preconfigure         {"mode": "voice_chat"}
//	POST /session/activate             platform session activated
//	POST /session/deactivate           platform session deactivated
//	GET  /device                       lifecycle state and delays
//	POST /device/interrupt             {"began": true}
//	POST /device/route-change          {"reason": "old_device_unavailable"}
//	POST /device/reset                 media services were reset
//	POST /device/ring, /device/silence ringtone control
//	GET  /engine                       engine session status
//	POST /engine/connect, /engine/disconnect
//	GET  /ws/audio                     websocket device backend
//	GET  /ws/opus                      encoded engine packets
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	mux.HandleFunc("GET /session", a.handleSessionStatus)
	mux.HandleFunc("POST /session/calling-services", a.handleCallingServices)
	mux.HandleFunc("POST /session/preconfigure", a.handlePreconfigure)
	mux.HandleFunc("POST /session/activate", a.handleActivate)
	mux.HandleFunc("POST /session/deactivate", a.handleDeactivate)

	mux.HandleFunc("GET /device", a.handleDeviceStatus)
	mux.HandleFunc("POST /device/interrupt", a.handleInterrupt)
	mux.HandleFunc("POST /device/route-change", a.handleRouteChange)
	mux.HandleFunc("POST /device/reset", a.handleReset)
	mux.HandleFunc("POST /device/ring", a.handleRing)
	mux.HandleFunc("POST /device/silence", a.handleSilence)

	mux.HandleFunc("GET /engine", a.handleEngineStatus)
	mux.HandleFunc("POST /engine/connect", a.handleConnect)
	mux.HandleFunc("POST /engine/disconnect", a.handleDisconnect)

	if a.ws != nil {
		mux.Handle("GET /ws/audio", a.ws)
	}
	mux.Handle("GET /ws/opus", newPacketBridge(a.engine, a.log))

	return observe.Middleware(a.metrics)(mux)
}

// ─── Session ─────────────────────────────────────────────────────────────────

type sessionStatus struct {
	Mode     string        `json:"mode"`
	Active   bool          `json:"active"`
	Platform SessionStatus `json:"platform"`
}

func (a *App) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionStatus{
		Mode:     a.device.Mode().String(),
		Active:   a.device.SessionActive(),
		Platform: a.platform.Status(),
	})
}

// sessionManager resolves the session manager of the registered device, the
// way a calling-service integration discovers it.
func (a *App) sessionManager(w http.ResponseWriter) (audio.SessionManager, bool) {
	sm, ok := a.manager.CurrentAudioSessionManager()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("no audio session manager registered"))
		return nil, false
	}
	return sm, true
}

func (a *App) handleCallingServices(w http.ResponseWriter, r *http.Request) {
	sm, ok := a.sessionManager(w)
	if !ok {
		return
	}
	sm.EnableCallingServicesMode()
	a.handleSessionStatus(w, r)
}

type preconfigureRequest struct {
	Mode string `json:"mode"`
}

func (a *App) handlePreconfigure(w http.ResponseWriter, r *http.Request) {
	var req preconfigureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sm, ok := a.sessionManager(w)
	if !ok {
		return
	}
	if req.Mode == "" {
		req.Mode = a.cfg.Session.AudioMode
	}
	if err := sm.PreconfigureAudioSessionForCall(req.Mode); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.handleSessionStatus(w, r)
}

// handleActivate models the calling-service integration activating the
// platform session and then notifying the device.
func (a *App) handleActivate(w http.ResponseWriter, r *http.Request) {
	sm, ok := a.sessionManager(w)
	if !ok {
		return
	}
	if a.device.Mode() != audio.ModeCallingServices {
		writeError(w, http.StatusConflict, errors.New("session activation is only reported in calling_services mode"))
		return
	}
	if err := a.platform.SetActive(true); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sm.AudioSessionDidActivate(a.platform)
	a.handleSessionStatus(w, r)
}

func (a *App) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	sm, ok := a.sessionManager(w)
	if !ok {
		return
	}
	if a.device.Mode() != audio.ModeCallingServices {
		writeError(w, http.StatusConflict, errors.New("session deactivation is only reported in calling_services mode"))
		return
	}
	sm.AudioSessionDidDeactivate(a.platform)
	if err := a.platform.SetActive(false); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.handleSessionStatus(w, r)
}

// ─── Device ──────────────────────────────────────────────────────────────────

type directionStatus struct {
	Available bool   `json:"available"`
	State     string `json:"state"`
	Live      bool   `json:"live"`
	Format    string `json:"format"`
	DelayMS   int64  `json:"delay_ms"`
}

type deviceStatus struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Ringing bool            `json:"ringing"`
	Capture directionStatus `json:"capture"`
	Render  directionStatus `json:"render"`
}

func (a *App) handleDeviceStatus(w http.ResponseWriter, _ *http.Request) {
	d := a.device
	writeJSON(w, http.StatusOK, deviceStatus{
		ID:      d.ID(),
		Name:    d.Name(),
		Ringing: a.ring != nil && a.ring.Ringing(),
		Capture: directionStatus{
			Available: d.CaptureIsAvailable(),
			State:     d.CaptureState().String(),
			Live:      d.IsCapturing(),
			Format:    d.CaptureFormat().String(),
			DelayMS:   d.EstimatedCaptureDelay().Milliseconds(),
		},
		Render: directionStatus{
			Available: d.RenderingIsAvailable(),
			State:     d.RenderState().String(),
			Live:      d.IsRendering(),
			Format:    d.RenderFormat().String(),
			DelayMS:   d.EstimatedRenderDelay().Milliseconds(),
		},
	})
}

type interruptRequest struct {
	Began bool `json:"began"`
}

func (a *App) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a.device.Interrupt(req.Began)
	w.WriteHeader(http.StatusNoContent)
}

type routeChangeRequest struct {
	Reason string `json:"reason"`
}

func (a *App) handleRouteChange(w http.ResponseWriter, r *http.Request) {
	var req routeChangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reason := device.ParseRouteChangeReason(req.Reason)
	if reason == device.RouteUnknown {
		writeError(w, http.StatusBadRequest, errors.New("unknown route change reason "+req.Reason))
		return
	}
	a.device.RouteChanged(reason)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleReset(w http.ResponseWriter, _ *http.Request) {
	a.device.ResetMediaServices()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRing(w http.ResponseWriter, _ *http.Request) {
	if a.ring == nil {
		writeError(w, http.StatusNotFound, errors.New("no ringtone configured"))
		return
	}
	if err := a.ring.Ring(a.ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSilence(w http.ResponseWriter, _ *http.Request) {
	if a.ring == nil {
		writeError(w, http.StatusNotFound, errors.New("no ringtone configured"))
		return
	}
	if err := a.ring.Silence(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Engine ──────────────────────────────────────────────────────────────────

type engineStatus struct {
	Connected      bool   `json:"connected"`
	SessionID      string `json:"session_id,omitempty"`
	DroppedFrames  int64  `json:"dropped_frames"`
	Buffered       int    `json:"render_buffered"`
	Overflows      int64  `json:"render_overflows"`
	DroppedPackets int64  `json:"dropped_packets"`
}

func (a *App) handleEngineStatus(w http.ResponseWriter, _ *http.Request) {
	st := engineStatus{
		Connected:      a.engine.Connected(),
		SessionID:      a.engine.ID(),
		DroppedPackets: a.engine.DroppedPackets(),
	}
	if bus := a.engine.Bus(); bus != nil {
		st.DroppedFrames = bus.Dropped()
		st.Buffered = bus.Buffered()
		st.Overflows = bus.Overflows()
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := a.engine.Connect(r.Context())
	switch {
	case errors.Is(err, engine.ErrConnected):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrNoDevice), errors.Is(err, audio.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		a.handleEngineStatus(w, r)
	}
}

func (a *App) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	err := a.engine.Disconnect(r.Context())
	switch {
	case errors.Is(err, engine.ErrNotConnected):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		a.handleEngineStatus(w, r)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v
// unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}
