package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/clock"
	"github.com/prchen818/MicLink/internal/protocol"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSignaler) record(format string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, fmt.Sprintf(format, args...))
	return nil
}

func (s *fakeSignaler) Call(to string, mode protocol.ConnectionMode, quality protocol.AudioQuality) error {
	return s.record("call:%s:%s:%s", to, mode, quality)
}

func (s *fakeSignaler) Respond(to string, accepted bool) error {
	return s.record("respond:%s:%t", to, accepted)
}

func (s *fakeSignaler) Hangup(to string) error { return s.record("hangup:%s", to) }

func (s *fakeSignaler) SendOffer(to, sdp string) error { return s.record("offer:%s", to) }

func (s *fakeSignaler) SendAnswer(to, sdp string) error { return s.record("answer:%s", to) }

func (s *fakeSignaler) SendCandidate(to string, c protocol.ICECandidate) error {
	return s.record("candidate:%s", to)
}

func (s *fakeSignaler) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSignaler) count(msg string) int {
	n := 0
	for _, m := range s.messages() {
		if m == msg {
			n++
		}
	}
	return n
}

type fakePeer struct {
	mu         sync.Mutex
	handlers   PeerHandlers
	stats      webrtc.StatsReport
	candidates []webrtc.ICECandidateInit
	offerErr   error
	closes     int
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (p *fakePeer) SetRemoteDescription(webrtc.SessionDescription) error { return nil }

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) GetStats() webrtc.StatsReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePeer) ICEGatheringState() webrtc.ICEGatheringState { return webrtc.ICEGatheringStateComplete }
func (p *fakePeer) SignalingState() webrtc.SignalingState       { return webrtc.SignalingStateStable }

func (p *fakePeer) setStats(r webrtc.StatsReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = r
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeEngine struct {
	mu       sync.Mutex
	peers    []*fakePeer
	offerErr error
}

func (e *fakeEngine) NewPeer(s Session, h PeerHandlers) (Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &fakePeer{handlers: h, stats: webrtc.StatsReport{}, offerErr: e.offerErr}
	e.peers = append(e.peers, p)
	return p, nil
}

func (e *fakeEngine) last(t *testing.T) *fakePeer {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peers) == 0 {
		t.Fatalf("no peer created")
	}
	return e.peers[len(e.peers)-1]
}

type fakeAudio struct {
	mu      sync.Mutex
	starts  int
	stops   int
	failErr error
}

func (a *fakeAudio) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return a.failErr
	}
	a.starts++
	return nil
}

func (a *fakeAudio) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
}

func (a *fakeAudio) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts, a.stops
}

type harness struct {
	m      *Machine
	sig    *fakeSignaler
	engine *fakeEngine
	audio  *fakeAudio
	clock  *clock.Fake
	ctx    context.Context
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sig:    &fakeSignaler{},
		engine: &fakeEngine{},
		audio:  &fakeAudio{},
		clock:  clock.NewFake(time.Unix(1_700_000_000, 0)),
	}
	cfg := Config{
		SelfID:   "alice",
		Signaler: h.sig,
		Engine:   h.engine,
		Audio:    h.audio,
		Clock:    h.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	h.ctx = ctx
	return h
}

// next returns the next published state.
func (h *harness) next(t *testing.T) State {
	t.Helper()
	select {
	case s := <-h.m.States():
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for state (current %v)", h.m.State())
		return nil
	}
}

// await skips published states until match returns true.
func (h *harness) await(t *testing.T, what string, match func(State) bool) State {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-h.m.States():
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (current %v)", what, h.m.State())
			return nil
		}
	}
}

func isIdle(s State) bool {
	_, ok := s.(Idle)
	return ok
}

func isConnecting(s State) bool {
	_, ok := s.(Connecting)
	return ok
}

func isConnected(s State) bool {
	_, ok := s.(Connected)
	return ok
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func relayStats() webrtc.StatsReport {
	return pairStats(webrtc.ICECandidateTypeRelay, webrtc.ICECandidateTypeSrflx)
}

func pairStats(local, remote webrtc.ICECandidateType) webrtc.StatsReport {
	return webrtc.StatsReport{
		"L": webrtc.ICECandidateStats{ID: "L", Type: webrtc.StatsTypeLocalCandidate, CandidateType: local},
		"R": webrtc.ICECandidateStats{ID: "R", Type: webrtc.StatsTypeRemoteCandidate, CandidateType: remote},
		"P": webrtc.ICECandidatePairStats{
			ID:                "P",
			Type:              webrtc.StatsTypeCandidatePair,
			LocalCandidateID:  "L",
			RemoteCandidateID: "R",
			State:             webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:         true,
		},
	}
}

var errBoom = errors.New("boom")
