// Package call owns the lifecycle of the single active call.
//
// Every state change happens on the goroutine running Machine.Run. Public
// methods, signaling events, media engine callbacks and timers are all
// posted into one queue and handled in order.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/clock"
	"github.com/prchen818/MicLink/internal/negotiation"
	"github.com/prchen818/MicLink/internal/protocol"
	"github.com/prchen818/MicLink/internal/signaling"
	"github.com/prchen818/MicLink/internal/watchdog"
)

var (
	ErrBusy        = errors.New("call: another call is in progress")
	ErrEmptyPeer   = errors.New("call: empty peer id")
	ErrSelfCall    = errors.New("call: cannot call self")
	ErrNotRinging  = errors.New("call: no incoming call to answer")
	ErrNoCall      = errors.New("call: no active call")
	ErrStopped     = errors.New("call: machine stopped")
	ErrRunning     = errors.New("call: machine already running")
	errMissingDeps = errors.New("call: signaler and engine are required")
)

const (
	DefaultConnectionTimeout = 8 * time.Second
	DefaultRingTimeout       = 30 * time.Second

	durationTick = time.Second

	ReasonRelayTimeout = "connection timed out: TURN server may be unavailable"
	ReasonTimeout      = "connection timed out: check network or peer availability"
	ReasonNoAnswer     = "no answer"
)

type Config struct {
	SelfID   string
	Signaler Signaler
	Engine   EngineFactory
	// Audio is optional.
	Audio AudioDevice

	ConnectionTimeout time.Duration
	// RingTimeout bounds how long a call may ring. Zero disables it.
	RingTimeout      time.Duration
	DiagnosticsGrace time.Duration
	MaxICERestarts   int
	ICERestartDelay  time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type timerKind int

const (
	timerConnect timerKind = iota
	timerRing
	timerDuration
	timerDiagnostics
	timerRestart
)

func (k timerKind) String() string {
	switch k {
	case timerConnect:
		return "connection_timeout"
	case timerRing:
		return "ring_timeout"
	case timerDuration:
		return "duration"
	case timerDiagnostics:
		return "diagnostics"
	case timerRestart:
		return "ice_restart"
	default:
		return "unknown"
	}
}

type Machine struct {
	cfg Config
	log *slog.Logger
	clk clock.Clock

	inbox   chan any
	states  chan State
	reports chan watchdog.Report
	stopped chan struct{}
	running atomic.Bool

	// Events that did not fit in inbox, in arrival order.
	overflowMu sync.Mutex
	overflow   []any
	flushing   bool

	mu      sync.Mutex
	cur     State
	current *Session
	seconds int64

	// Owned by the Run goroutine.
	gen        uint64
	session    *Session
	peer       Peer
	coord      *negotiation.Coordinator
	wd         *watchdog.Watchdog
	audioOn    bool
	timers     map[timerKind]clock.Timer
	connecting Connecting
}

func New(cfg Config) (*Machine, error) {
	if cfg.Signaler == nil || cfg.Engine == nil {
		return nil, errMissingDeps
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.RingTimeout < 0 {
		cfg.RingTimeout = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "call"),
		clk:     cfg.Clock,
		inbox:   make(chan any, 64),
		states:  make(chan State, 32),
		reports: make(chan watchdog.Report, 4),
		stopped: make(chan struct{}),
		cur:     Idle{},
		timers:  make(map[timerKind]clock.Timer),
	}, nil
}

// Run processes events until ctx is cancelled. Any call still in progress
// is torn down without notifying the peer.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(m.stopped)

	for {
		select {
		case <-ctx.Done():
			if m.session != nil {
				m.endCall()
			}
			return nil
		case ev := <-m.inbox:
			m.handle(ev)
		}
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// States delivers every transition. Notifications are dropped if the
// consumer falls behind.
func (m *Machine) States() <-chan State { return m.states }

// Reports delivers connectivity diagnostics for failed calls.
func (m *Machine) Reports() <-chan watchdog.Report { return m.reports }

// Duration is how long the current call has been connected. It is zero
// once the machine is back in Idle.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.seconds) * durationTick
}

// Session returns the call in progress, if any.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

type cmdKind int

const (
	cmdInitiate cmdKind = iota
	cmdAccept
	cmdReject
	cmdHangup
	cmdRestartICE
)

type command struct {
	kind    cmdKind
	peer    string
	mode    protocol.ConnectionMode
	quality protocol.AudioQuality
	reply   chan error
}

type signalEvent struct{ ev signaling.Event }

type iceStateEvent struct {
	gen   uint64
	state webrtc.ICEConnectionState
}

type signalingStateEvent struct {
	gen   uint64
	state webrtc.SignalingState
}

type candidateEvent struct {
	gen  uint64
	cand *webrtc.ICECandidate
}

type timerEvent struct {
	gen  uint64
	kind timerKind
}

type networkEvent struct{ available bool }

// Initiate dials peer. It fails without side effects unless the machine
// is idle.
func (m *Machine) Initiate(ctx context.Context, peer string, mode protocol.ConnectionMode, quality protocol.AudioQuality) error {
	return m.do(ctx, command{kind: cmdInitiate, peer: peer, mode: mode, quality: quality})
}

func (m *Machine) Accept(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdAccept})
}

func (m *Machine) Reject(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdReject})
}

// Hangup ends the current call. It is a no-op when idle.
func (m *Machine) Hangup(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdHangup})
}

func (m *Machine) RestartICE(ctx context.Context) error {
	return m.do(ctx, command{kind: cmdRestartICE})
}

// Deliver feeds one signaling event into the machine. Events that are not
// about calls are ignored.
func (m *Machine) Deliver(ctx context.Context, ev signaling.Event) error {
	select {
	case m.inbox <- signalEvent{ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
}

// NetworkChanged reports a local network link change. It never ends a call
// by itself.
func (m *Machine) NetworkChanged(available bool) {
	m.post(networkEvent{available: available})
}

func (m *Machine) do(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case m.inbox <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
}

// post never blocks the caller. Media engine callbacks can run on the Run
// goroutine itself while a peer connection closes. When inbox is full the
// event joins the overflow queue, which a single goroutine drains in order.
func (m *Machine) post(ev any) {
	m.overflowMu.Lock()
	defer m.overflowMu.Unlock()
	if !m.flushing {
		select {
		case m.inbox <- ev:
			return
		default:
		}
		m.flushing = true
		go m.flushOverflow()
	}
	m.overflow = append(m.overflow, ev)
}

func (m *Machine) flushOverflow() {
	for {
		m.overflowMu.Lock()
		if len(m.overflow) == 0 {
			m.flushing = false
			m.overflowMu.Unlock()
			return
		}
		ev := m.overflow[0]
		m.overflow[0] = nil
		m.overflow = m.overflow[1:]
		m.overflowMu.Unlock()

		select {
		case m.inbox <- ev:
		case <-m.stopped:
			return
		}
	}
}

func (m *Machine) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		ev.reply <- m.handleCommand(ev)
	case signalEvent:
		m.handleSignal(ev.ev)
	case iceStateEvent:
		if ev.gen == m.gen {
			m.handleICEState(ev.state)
		}
	case signalingStateEvent:
		if ev.gen == m.gen && m.peer != nil {
			m.connecting.Signaling = ev.state
			if _, ok := m.cur.(Connecting); ok {
				m.setState(m.connecting)
			}
		}
	case candidateEvent:
		if ev.gen == m.gen {
			m.handleLocalCandidate(ev.cand)
		}
	case timerEvent:
		if ev.gen == m.gen {
			delete(m.timers, ev.kind)
			m.handleTimer(ev.kind)
		}
	case networkEvent:
		m.handleNetwork(ev.available)
	}
}
