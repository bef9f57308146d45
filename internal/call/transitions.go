package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/negotiation"
	"github.com/prchen818/MicLink/internal/protocol"
	"github.com/prchen818/MicLink/internal/signaling"
	"github.com/prchen818/MicLink/internal/watchdog"
)

func (m *Machine) handleCommand(c command) error {
	switch c.kind {
	case cmdInitiate:
		return m.initiate(c.peer, c.mode, c.quality)
	case cmdAccept:
		return m.accept()
	case cmdReject:
		return m.reject()
	case cmdHangup:
		return m.hangup()
	case cmdRestartICE:
		if m.coord == nil {
			return ErrNoCall
		}
		if _, err := m.coord.RestartICE(); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("call: unknown command %d", c.kind)
	}
}

func (m *Machine) initiate(peer string, mode protocol.ConnectionMode, quality protocol.AudioQuality) error {
	if _, idle := m.cur.(Idle); !idle {
		m.log.Warn("rejecting initiate while busy", "peer", peer, "state", m.cur.String())
		return ErrBusy
	}
	switch {
	case peer == "":
		return ErrEmptyPeer
	case peer == m.cfg.SelfID:
		return ErrSelfCall
	}
	if mode == "" {
		mode = protocol.ModeAuto
	}
	if quality == "" {
		quality = protocol.QualityMedium
	}

	if err := m.cfg.Signaler.Call(peer, mode, quality); err != nil {
		return fmt.Errorf("send call: %w", err)
	}
	m.beginSession(peer, Outgoing, mode, quality)
	m.startTimer(timerConnect, m.cfg.ConnectionTimeout)
	if m.cfg.RingTimeout > 0 {
		m.startTimer(timerRing, m.cfg.RingTimeout)
	}
	m.setState(Ringing{PeerID: peer})
	return nil
}

func (m *Machine) accept() error {
	r, ok := m.cur.(Ringing)
	if !ok || !r.Incoming {
		return ErrNotRinging
	}
	m.stopTimer(timerRing)

	if err := m.startMedia(false); err != nil {
		m.fail("media setup failed: " + err.Error())
		return err
	}
	if err := m.cfg.Signaler.Respond(r.PeerID, true); err != nil {
		m.fail("failed to answer call: " + err.Error())
		return fmt.Errorf("send call response: %w", err)
	}
	m.startTimer(timerConnect, m.cfg.ConnectionTimeout)
	m.setState(m.connecting)
	return nil
}

func (m *Machine) reject() error {
	r, ok := m.cur.(Ringing)
	if !ok || !r.Incoming {
		return ErrNotRinging
	}
	err := m.cfg.Signaler.Respond(r.PeerID, false)
	m.endCall()
	if err != nil {
		return fmt.Errorf("send call response: %w", err)
	}
	return nil
}

func (m *Machine) hangup() error {
	if m.session == nil {
		return nil
	}
	err := m.cfg.Signaler.Hangup(m.session.PeerUserID)
	m.endCall()
	if err != nil {
		return fmt.Errorf("send hangup: %w", err)
	}
	return nil
}

func (m *Machine) handleSignal(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.IncomingCall:
		if m.session != nil {
			m.log.Info("declining call while busy", "from", e.From, "state", m.cur.String())
			if err := m.cfg.Signaler.Respond(e.From, false); err != nil {
				m.log.Warn("failed to decline call", "from", e.From, "err", err)
			}
			return
		}
		m.beginSession(e.From, Incoming, e.Mode, e.Quality)
		if m.cfg.RingTimeout > 0 {
			m.startTimer(timerRing, m.cfg.RingTimeout)
		}
		m.setState(Ringing{PeerID: e.From, Incoming: true})

	case signaling.CallAccepted:
		r, ok := m.cur.(Ringing)
		if !ok || r.Incoming || !m.fromPeer(e.From) {
			m.log.Debug("ignoring call acceptance", "from", e.From, "state", m.cur.String())
			return
		}
		m.stopTimer(timerRing)
		if err := m.startMedia(true); err != nil {
			m.fail("media setup failed: " + err.Error())
			return
		}
		m.startTimer(timerConnect, m.cfg.ConnectionTimeout)
		if _, err := m.coord.StartAsInitiator(); err != nil {
			m.fail("negotiation failed: " + err.Error())
			return
		}
		m.setState(m.connecting)

	case signaling.CallRejected:
		r, ok := m.cur.(Ringing)
		if !ok || r.Incoming || !m.fromPeer(e.From) {
			return
		}
		m.log.Info("call rejected", "peer", e.From)
		m.endCall()

	case signaling.OfferReceived:
		if !m.fromPeer(e.From) || m.coord == nil {
			m.log.Debug("ignoring offer", "from", e.From, "state", m.cur.String())
			return
		}
		if _, err := m.coord.AcceptRemoteOffer(e.SDP); err != nil {
			if errors.Is(err, negotiation.ErrNegotiationInFlight) {
				return
			}
			m.fail("negotiation failed: " + err.Error())
		}

	case signaling.AnswerReceived:
		if !m.fromPeer(e.From) || m.coord == nil {
			m.log.Debug("ignoring answer", "from", e.From, "state", m.cur.String())
			return
		}
		if err := m.coord.ApplyRemoteAnswer(e.SDP); err != nil {
			if errors.Is(err, negotiation.ErrUnexpectedAnswer) {
				m.log.Warn("ignoring unexpected answer", "from", e.From)
				return
			}
			m.fail("negotiation failed: " + err.Error())
		}

	case signaling.CandidateReceived:
		if !m.fromPeer(e.From) || m.coord == nil {
			m.log.Debug("dropping remote candidate", "from", e.From, "state", m.cur.String())
			return
		}
		if err := m.coord.AddRemoteCandidate(e.Candidate); err != nil {
			m.log.Warn("failed to add remote candidate", "err", err)
		}

	case signaling.PeerHangup:
		if !m.fromPeer(e.From) {
			return
		}
		m.log.Info("peer hung up", "peer", e.From)
		m.endCall()
	}
}

func (m *Machine) handleICEState(state webrtc.ICEConnectionState) {
	if m.wd == nil {
		return
	}
	m.connecting.ICE = state

	var phase watchdog.Phase
	switch m.cur.(type) {
	case Connecting:
		phase = watchdog.PhaseConnecting
	case Connected:
		phase = watchdog.PhaseConnected
	default:
		return
	}

	d := m.wd.Observe(phase, state)
	switch {
	case d.Established:
		m.stopTimer(timerConnect)
		m.stopTimer(timerRestart)
		m.wd.ResetRestarts()
		m.mu.Lock()
		m.seconds = 0
		m.mu.Unlock()
		m.startTimer(timerDuration, durationTick)
		m.setState(Connected{PeerID: m.session.PeerUserID, Path: m.coord.ProbePath()})
		return
	case d.Terminate:
		m.diagnose()
		m.endCall()
		return
	}
	if d.CollectDiagnostics {
		m.startTimer(timerDiagnostics, m.wd.Grace())
	}
	if d.RestartICE {
		m.startTimer(timerRestart, m.wd.RestartDelay())
	}
	if phase == watchdog.PhaseConnecting {
		m.setState(m.connecting)
	}
}

func (m *Machine) handleLocalCandidate(cand *webrtc.ICECandidate) {
	if m.coord == nil {
		return
	}
	if cand == nil {
		m.connecting.Gathering = m.peer.ICEGatheringState()
		if _, ok := m.cur.(Connecting); ok {
			m.setState(m.connecting)
		}
		return
	}
	if err := m.coord.LocalCandidate(cand); err != nil {
		m.log.Warn("failed to send local candidate", "err", err)
	}
}

func (m *Machine) handleTimer(kind timerKind) {
	switch kind {
	case timerConnect:
		switch m.cur.(type) {
		case Connecting:
			reason := ReasonTimeout
			if m.session.Mode == protocol.ModeRelayOnly {
				reason = ReasonRelayTimeout
			}
			m.diagnose()
			m.fail(reason)
		default:
			m.log.Debug("connection timeout outside connecting", "state", m.cur.String())
		}

	case timerRing:
		r, ok := m.cur.(Ringing)
		if !ok {
			return
		}
		if r.Incoming {
			m.log.Info("incoming call unanswered, declining", "peer", r.PeerID)
			if err := m.cfg.Signaler.Respond(r.PeerID, false); err != nil {
				m.log.Warn("failed to decline call", "err", err)
			}
			m.endCall()
			return
		}
		if err := m.cfg.Signaler.Hangup(r.PeerID); err != nil {
			m.log.Warn("failed to cancel call", "err", err)
		}
		m.fail(ReasonNoAnswer)

	case timerDuration:
		c, ok := m.cur.(Connected)
		if !ok {
			return
		}
		m.startTimer(timerDuration, durationTick)
		m.mu.Lock()
		m.seconds++
		m.mu.Unlock()
		if c.Path == negotiation.PathUnknown {
			if p := m.coord.ProbePath(); p != negotiation.PathUnknown {
				m.setState(Connected{PeerID: c.PeerID, Path: p})
			}
		}

	case timerDiagnostics:
		m.diagnose()

	case timerRestart:
		if _, ok := m.cur.(Connecting); !ok || m.coord == nil {
			return
		}
		if _, err := m.coord.RestartICE(); err != nil {
			m.log.Warn("ice restart failed", "err", err)
		}
	}
}

func (m *Machine) handleNetwork(available bool) {
	if m.wd == nil {
		m.log.Debug("network change with no active media", "available", available)
		return
	}
	phase := watchdog.PhaseConnecting
	if _, ok := m.cur.(Connected); ok {
		phase = watchdog.PhaseConnected
	}
	m.wd.NetworkChanged(phase, available)
}

func (m *Machine) beginSession(peer string, dir Direction, mode protocol.ConnectionMode, quality protocol.AudioQuality) {
	m.gen++
	m.session = &Session{
		ID:          uuid.NewString(),
		LocalUserID: m.cfg.SelfID,
		PeerUserID:  peer,
		Direction:   dir,
		Mode:        mode,
		Quality:     quality,
		CreatedAt:   m.clk.Now(),
	}
	s := *m.session
	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
	m.log.Info("call session started", "session", s.ID, "peer", peer, "direction", dir.String(), "mode", string(mode), "quality", string(quality))
}

func (m *Machine) startMedia(offerer bool) error {
	s := *m.session
	gen := m.gen
	peer, err := m.cfg.Engine.NewPeer(s, PeerHandlers{
		OnLocalCandidate:     func(c *webrtc.ICECandidate) { m.post(candidateEvent{gen: gen, cand: c}) },
		OnICEConnectionState: func(st webrtc.ICEConnectionState) { m.post(iceStateEvent{gen: gen, state: st}) },
		OnSignalingState:     func(st webrtc.SignalingState) { m.post(signalingStateEvent{gen: gen, state: st}) },
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	m.peer = peer
	m.coord = negotiation.New(peer, m.cfg.Signaler, s.PeerUserID, m.cfg.Logger)
	m.wd = watchdog.New(watchdog.Config{
		Mode:           s.Mode,
		Offerer:        offerer,
		Grace:          m.cfg.DiagnosticsGrace,
		MaxICERestarts: m.cfg.MaxICERestarts,
		RestartDelay:   m.cfg.ICERestartDelay,
	}, m.cfg.Logger)
	m.connecting = Connecting{
		PeerID:    s.PeerUserID,
		ICE:       webrtc.ICEConnectionStateNew,
		Signaling: peer.SignalingState(),
		Gathering: peer.ICEGatheringState(),
	}

	if m.cfg.Audio != nil {
		if err := m.cfg.Audio.Start(); err != nil {
			return fmt.Errorf("start audio: %w", err)
		}
		m.audioOn = true
	}
	return nil
}

func (m *Machine) diagnose() {
	if m.peer == nil || m.wd == nil {
		return
	}
	snap := watchdog.SnapshotFromStats(m.connecting.ICE, m.peer.ICEGatheringState(), m.peer.SignalingState(), m.peer.GetStats())
	r := m.wd.Diagnose(snap)
	select {
	case m.reports <- r:
	default:
	}
}

func (m *Machine) fromPeer(id string) bool {
	return m.session != nil && m.session.PeerUserID == id
}

// fail publishes reason and returns to Idle.
func (m *Machine) fail(reason string) {
	m.log.Warn("call failed", "reason", reason)
	m.setState(Error{Reason: reason})
	m.endCall()
}

func (m *Machine) endCall() {
	m.teardown()
	m.setState(Idle{})
}

func (m *Machine) teardown() {
	for kind, t := range m.timers {
		t.Stop()
		delete(m.timers, kind)
	}
	m.gen++

	if m.coord != nil {
		if err := m.coord.Close(); err != nil {
			m.log.Warn("failed to close peer connection", "err", err)
		}
	}
	if m.audioOn {
		m.cfg.Audio.Stop()
		m.audioOn = false
	}
	if m.session != nil {
		m.log.Info("call session ended", "session", m.session.ID, "duration", m.Duration())
	}
	m.coord = nil
	m.peer = nil
	m.wd = nil
	m.session = nil
	m.mu.Lock()
	m.current = nil
	m.seconds = 0
	m.mu.Unlock()
}

func (m *Machine) startTimer(kind timerKind, d time.Duration) {
	m.stopTimer(kind)
	gen := m.gen
	m.timers[kind] = m.clk.AfterFunc(d, func() {
		m.post(timerEvent{gen: gen, kind: kind})
	})
}

func (m *Machine) stopTimer(kind timerKind) {
	if t, ok := m.timers[kind]; ok {
		t.Stop()
		delete(m.timers, kind)
	}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.cur = s
	m.mu.Unlock()
	m.log.Debug("call state", "state", s.String())
	select {
	case m.states <- s:
	default:
		m.log.Warn("dropping call state notification", "state", s.String())
	}
}
