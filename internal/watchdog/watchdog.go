// Package watchdog decides what a call should do when ICE connectivity
// changes, and explains failures from a candidate snapshot.
//
// It owns no timers. The call machine asks Observe for a Decision and
// schedules the diagnostics grace and ICE restart delays itself.
package watchdog

import (
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/protocol"
)

const (
	DefaultGrace          = 500 * time.Millisecond
	DefaultMaxICERestarts = 3
	DefaultRestartDelay   = 2 * time.Second
)

// Phase is the call phase a connectivity change was observed in.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseConnected
)

func (p Phase) String() string {
	if p == PhaseConnected {
		return "connected"
	}
	return "connecting"
}

type Config struct {
	Mode protocol.ConnectionMode
	// Offerer is true on the side that created the first offer. Only the
	// offerer restarts ICE.
	Offerer bool

	Grace          time.Duration
	MaxICERestarts int
	RestartDelay   time.Duration
}

// Decision is the reaction to one ICE connection state change.
type Decision struct {
	// Established means the call reached a working path.
	Established bool
	// Terminate ends an established call.
	Terminate bool
	// CollectDiagnostics asks for a snapshot after the grace delay.
	CollectDiagnostics bool
	// RestartICE asks for an ICE restart after the restart delay.
	RestartICE bool
}

type Watchdog struct {
	cfg      Config
	log      *slog.Logger
	restarts int
}

func New(cfg Config, logger *slog.Logger) *Watchdog {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.MaxICERestarts < 0 {
		cfg.MaxICERestarts = 0
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cfg: cfg,
		log: logger.With("component", "watchdog", "mode", string(cfg.Mode)),
	}
}

func (w *Watchdog) Grace() time.Duration        { return w.cfg.Grace }
func (w *Watchdog) RestartDelay() time.Duration { return w.cfg.RestartDelay }
func (w *Watchdog) Restarts() int               { return w.restarts }

// Observe classifies an ICE connection state change. A connecting call is
// never terminated here; the connection timeout owns that.
func (w *Watchdog) Observe(phase Phase, state webrtc.ICEConnectionState) Decision {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return Decision{Established: phase == PhaseConnecting}

	case webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateClosed:
		if phase == PhaseConnected {
			w.log.Warn("connectivity lost on established call", "ice", state.String())
			return Decision{Terminate: true, CollectDiagnostics: true}
		}
		d := Decision{CollectDiagnostics: true}
		if state == webrtc.ICEConnectionStateFailed && w.cfg.Offerer && w.restarts < w.cfg.MaxICERestarts {
			w.restarts++
			d.RestartICE = true
			w.log.Info("scheduling ice restart", "attempt", w.restarts, "max", w.cfg.MaxICERestarts)
		}
		return d

	default:
		return Decision{}
	}
}

// NetworkChanged only records the event. Recovery relies on ICE noticing
// the path change.
func (w *Watchdog) NetworkChanged(phase Phase, available bool) {
	if available {
		w.log.Info("network available", "phase", phase.String())
		return
	}
	w.log.Warn("network lost", "phase", phase.String())
}

func (w *Watchdog) ResetRestarts() { w.restarts = 0 }
