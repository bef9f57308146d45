package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/call"
	"github.com/prchen818/MicLink/internal/config"
)

var ErrDisposed = errors.New("webrtcpeer: engine disposed")

// Lifecycle is the engine's resource state. Closed means no call holds a
// peer connection; a new call moves the engine back to Connected.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Initialized
	Connected
	Closed
	Disposed
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	Network    config.WebRTCNetwork

	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net

	// OnRemoteTrack receives the peer's audio. When nil, incoming RTP is
	// read and discarded so the interceptors keep producing reports.
	OnRemoteTrack func(*webrtc.TrackRemote)

	Logger *slog.Logger
}

// Engine creates one peer connection per call. It satisfies
// call.EngineFactory.
type Engine struct {
	cfg EngineConfig
	log *slog.Logger

	mu     sync.Mutex
	state  Lifecycle
	se     webrtc.SettingEngine
	active map[*Peer]struct{}
}

var _ call.EngineFactory = (*Engine)(nil)

func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		log:    logger.With("component", "webrtcpeer"),
		active: make(map[*Peer]struct{}),
	}
}

func (e *Engine) State() Lifecycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Active is the number of open peer connections.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Initialize builds the shared setting engine. NewPeer calls it on demand.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initLocked()
}

func (e *Engine) initLocked() error {
	switch e.state {
	case Disposed:
		return ErrDisposed
	case Uninitialized:
	default:
		return nil
	}

	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(e.log),
	}
	if err := ApplyNetworkSettings(&se, e.cfg.Network); err != nil {
		return err
	}
	if e.cfg.Net != nil {
		se.SetNet(e.cfg.Net)
	}
	e.se = se
	e.state = Initialized
	e.log.Debug("media engine initialized")
	return nil
}

// NewPeer builds the media session for s: Opus tuned to s.Quality, ICE
// policy from s.Mode and one outbound audio track.
func (e *Engine) NewPeer(s call.Session, h call.PeerHandlers) (call.Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.initLocked(); err != nil {
		return nil, err
	}

	m, ir, err := newMediaEngine(s.Quality)
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(e.se),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	)

	pc, err := api.NewPeerConnection(ICEConfiguration(s.Mode, e.cfg.ICEServers))
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(opusCapability(s.Quality), "audio", "miclink-"+s.LocalUserID)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	go drainRTCP(sender)

	p := &Peer{
		PeerConnection: pc,
		engine:         e,
		track:          track,
		sessionID:      s.ID,
	}
	e.attachHandlers(p, h)

	e.active[p] = struct{}{}
	e.state = Connected
	e.log.Info("peer connection created",
		"session", s.ID,
		"peer", s.PeerUserID,
		"mode", s.Mode,
		"quality", s.Quality,
		"active", len(e.active),
	)
	return p, nil
}

func (e *Engine) attachHandlers(p *Peer, h call.PeerHandlers) {
	pc := p.PeerConnection
	if h.OnLocalCandidate != nil {
		pc.OnICECandidate(h.OnLocalCandidate)
	}
	if h.OnICEConnectionState != nil {
		pc.OnICEConnectionStateChange(h.OnICEConnectionState)
	}
	if h.OnSignalingState != nil {
		pc.OnSignalingStateChange(h.OnSignalingState)
	}

	onTrack := e.cfg.OnRemoteTrack
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Debug("remote track", "session", p.sessionID, "codec", tr.Codec().MimeType, "ssrc", uint32(tr.SSRC()))
		if onTrack != nil {
			onTrack(tr)
			return
		}
		buf := make([]byte, 1500)
		for {
			if _, _, err := tr.Read(buf); err != nil {
				return
			}
		}
	})
}

// drainRTCP reads incoming RTCP so the sender's interceptors run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) release(p *Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[p]; !ok {
		return
	}
	delete(e.active, p)
	if len(e.active) == 0 && e.state == Connected {
		e.state = Closed
	}
	e.log.Debug("peer connection released", "session", p.sessionID, "active", len(e.active))
}

// tracks snapshots the outbound audio tracks of every open peer.
func (e *Engine) tracks() []*webrtc.TrackLocalStaticSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*webrtc.TrackLocalStaticSample, 0, len(e.active))
	for p := range e.active {
		out = append(out, p.track)
	}
	return out
}

// Close closes every open peer connection. The engine stays usable.
func (e *Engine) Close() error {
	e.mu.Lock()
	peers := make([]*Peer, 0, len(e.active))
	for p := range e.active {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	e.mu.Lock()
	if e.state == Connected || e.state == Initialized {
		e.state = Closed
	}
	e.mu.Unlock()
	return errors.Join(errs...)
}

// Dispose closes the engine and drops the shared setting engine. Later
// NewPeer calls fail with ErrDisposed.
func (e *Engine) Dispose() error {
	if e.State() == Disposed {
		return nil
	}
	err := e.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Disposed {
		e.se = webrtc.SettingEngine{}
		e.state = Disposed
		e.log.Debug("media engine disposed")
	}
	return err
}
