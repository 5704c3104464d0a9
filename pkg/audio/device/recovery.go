package device

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/pcmbus/pkg/audio"
)

// RouteChangeReason describes why the platform audio route changed.
type RouteChangeReason int

const (
	RouteUnknown RouteChangeReason = iota
	RouteNewDeviceAvailable
	RouteOldDeviceUnavailable
	RouteOverride
	RouteCategoryChange
	RouteConfigurationChange
)

// String returns the reason name.
func (r RouteChangeReason) String() string {
	switch r {
	case RouteNewDeviceAvailable:
		return "new_device_available"
	case RouteOldDeviceUnavailable:
		return "old_device_unavailable"
	case RouteOverride:
		return "override"
	case RouteCategoryChange:
		return "category_change"
	case RouteConfigurationChange:
		return "configuration_change"
	default:
		return "unknown"
	}
}

// ParseRouteChangeReason parses the names produced by
// [RouteChangeReason.String]. Unknown names map to RouteUnknown.
func ParseRouteChangeReason(s string) RouteChangeReason {
	for r := RouteNewDeviceAvailable; r <= RouteConfigurationChange; r++ {
		if r.String() == s {
			return r
		}
	}
	return RouteUnknown
}

// errAbandoned stops a restart loop whose stream was stopped, terminated or
// closed in the meantime.
var errAbandoned = errors.New("device: restart abandoned")

// Interrupt reports the start (began=true) or end of a platform audio
// interruption such as an incoming system call. While interrupted, started
// directions keep their state but stop delivering and report no liveness.
// When the interruption ends, delivery is restarted with the configured
// retry policy.
func (d *Device) Interrupt(began bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var (
		targets []*stream
		reopen  []bool
	)
	for _, s := range []*stream{&d.capture, &d.render} {
		if s.state != audio.StateStarted {
			continue
		}
		if began && !s.interrupted {
			d.halt(s)
			s.interrupted = true
		}
		if !began && s.interrupted {
			targets = append(targets, s)
			reopen = append(reopen, s.reroute)
			s.reroute = false
		}
	}
	d.recoveries.Add(len(targets))
	d.mu.Unlock()

	if began {
		d.log.Info("audio interruption began")
		return
	}
	d.log.Info("audio interruption ended", "restarting", len(targets))
	for i, s := range targets {
		d.restart(s, reopen[i])
	}
}

// RouteChanged reopens the backends of started directions after an audio
// route change. Category and configuration changes do not affect the
// backends and are ignored.
func (d *Device) RouteChanged(reason RouteChangeReason) {
	if reason == RouteCategoryChange || reason == RouteConfigurationChange {
		return
	}
	d.log.Info("audio route changed", "reason", reason.String())
	d.reopenStarted()
}

// ResetMediaServices reopens the backends of started directions after the
// platform media services were reset.
func (d *Device) ResetMediaServices() {
	d.log.Warn("media services reset")
	d.reopenStarted()
}

func (d *Device) reopenStarted() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var targets []*stream
	for _, s := range []*stream{&d.capture, &d.render} {
		if s.state != audio.StateStarted {
			continue
		}
		// Interrupted streams reopen when the interruption ends.
		if s.interrupted {
			s.reroute = true
			continue
		}
		d.halt(s)
		s.interrupted = true
		targets = append(targets, s)
	}
	d.recoveries.Add(len(targets))
	d.mu.Unlock()

	for _, s := range targets {
		d.restart(s, true)
	}
}

// restart relaunches delivery for an interrupted stream in the background,
// retrying up to restartAttempts times with restartBackoff in between. When
// reopen is set the backend is closed and opened again before each attempt.
// The caller has already added the goroutine to d.recoveries.
func (d *Device) restart(s *stream, reopen bool) {
	go func() {
		defer d.recoveries.Done()
		ctx := context.Background()
		for attempt := 1; ; attempt++ {
			err := d.tryRestart(s, reopen)
			if err == nil {
				d.metrics.RecordRecovery(ctx, d.name, "ok")
				d.log.Info("delivery restarted", "direction", s.dir.String(), "attempt", attempt)
				return
			}
			if errors.Is(err, errAbandoned) {
				return
			}
			if attempt >= d.restartAttempts {
				d.metrics.RecordRecovery(ctx, d.name, "failed")
				d.log.Error("giving up restarting delivery",
					"direction", s.dir.String(),
					"attempts", attempt,
					"err", err,
				)
				d.mu.Lock()
				s.interrupted = false
				d.mu.Unlock()
				return
			}
			d.log.Warn("restart attempt failed",
				"direction", s.dir.String(),
				"attempt", attempt,
				"err", err,
			)
			t := time.NewTimer(d.restartBackoff)
			select {
			case <-t.C:
			case <-d.closing:
				t.Stop()
				return
			}
		}
	}()
}

func (d *Device) tryRestart(s *stream, reopen bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || s.state != audio.StateStarted || !s.interrupted {
		return errAbandoned
	}
	if reopen {
		if s.opened {
			if err := s.backend.Close(); err != nil {
				d.log.Warn("backend close failed during reopen", "direction", s.dir.String(), "err", err)
			}
			s.opened = false
		}
		if err := s.backend.Open(s.format); err != nil {
			return err
		}
		s.opened = true
	}
	d.launch(s)
	s.interrupted = false
	return nil
}
