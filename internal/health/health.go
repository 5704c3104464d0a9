// Package health provides HTTP liveness and readiness handlers plus the
// readiness checks for the audio device.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness check; always returns 200 OK.
//   - /readyz: readiness check; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "device").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes. Each check
// runs with a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// ─── Audio checks ─────────────────────────────────────────────────────────────

// ErrNoDevice is reported when no audio device is registered.
var ErrNoDevice = errors.New("no audio device registered")

// DeviceSource looks up the current audio device. [manager.Manager]
// satisfies it.
type DeviceSource interface {
	CurrentAudioDevice() (audio.Device, bool)
}

// stateReporter is implemented by devices that expose their lifecycle state.
type stateReporter interface {
	CaptureState() audio.State
	RenderState() audio.State
}

// DeviceRegistered fails while no device is registered.
func DeviceRegistered(src DeviceSource) Checker {
	return Checker{
		Name: "device",
		Check: func(context.Context) error {
			if _, ok := src.CurrentAudioDevice(); !ok {
				return ErrNoDevice
			}
			return nil
		},
	}
}

// DeliveryLive fails when a started direction is not delivering audio, for
// example during an interruption or while waiting for session activation.
// Devices that do not report their state only need to be registered.
func DeliveryLive(src DeviceSource) Checker {
	return Checker{
		Name: "delivery",
		Check: func(context.Context) error {
			d, ok := src.CurrentAudioDevice()
			if !ok {
				return ErrNoDevice
			}
			sr, ok := d.(stateReporter)
			if !ok {
				return nil
			}
			var errs []error
			if sr.CaptureState() == audio.StateStarted && !d.IsCapturing() {
				errs = append(errs, errors.New("capture started but not live"))
			}
			if sr.RenderState() == audio.StateStarted && !d.IsRendering() {
				errs = append(errs, errors.New("render started but not live"))
			}
			return errors.Join(errs...)
		},
	}
}
