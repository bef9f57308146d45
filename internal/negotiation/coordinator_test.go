package negotiation

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/protocol"
)

type fakePC struct {
	calls      []string
	candidates []webrtc.ICECandidateInit
	stats      webrtc.StatsReport
	restart    bool
	closes     int
	remoteErr  error
}

func (f *fakePC) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.calls = append(f.calls, "create_offer")
	if opts != nil && opts.ICERestart {
		f.restart = true
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.calls = append(f.calls, "create_answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.calls = append(f.calls, "set_local_"+d.Type.String())
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.calls = append(f.calls, "set_remote_"+d.Type.String())
	return nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.calls = append(f.calls, "add_candidate")
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) GetStats() webrtc.StatsReport { return f.stats }

func (f *fakePC) Close() error {
	f.closes++
	return nil
}

type sent struct {
	kind string
	to   string
	body string
}

type fakeSignaler struct {
	sent []sent
}

func (s *fakeSignaler) SendOffer(to, sdp string) error {
	s.sent = append(s.sent, sent{"offer", to, sdp})
	return nil
}

func (s *fakeSignaler) SendAnswer(to, sdp string) error {
	s.sent = append(s.sent, sent{"answer", to, sdp})
	return nil
}

func (s *fakeSignaler) SendCandidate(to string, c protocol.ICECandidate) error {
	s.sent = append(s.sent, sent{"candidate", to, c.Candidate})
	return nil
}

func TestInitiatorSendsOfferAndAppliesAnswer(t *testing.T) {
	pc := &fakePC{}
	sig := &fakeSignaler{}
	c := New(pc, sig, "bob", nil)

	sdp, err := c.StartAsInitiator()
	if err != nil {
		t.Fatalf("StartAsInitiator: %v", err)
	}
	if sdp != "offer-sdp" || len(sig.sent) != 1 || sig.sent[0] != (sent{"offer", "bob", "offer-sdp"}) {
		t.Fatalf("sdp=%q sent=%v", sdp, sig.sent)
	}
	if _, err := c.StartAsInitiator(); !errors.Is(err, ErrNegotiationInFlight) {
		t.Fatalf("second offer err=%v, want %v", err, ErrNegotiationInFlight)
	}

	if err := c.ApplyRemoteAnswer("answer-sdp"); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}
	if err := c.ApplyRemoteAnswer("answer-sdp"); !errors.Is(err, ErrUnexpectedAnswer) {
		t.Fatalf("duplicate answer err=%v, want %v", err, ErrUnexpectedAnswer)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	pc := &fakePC{}
	sig := &fakeSignaler{}
	c := New(pc, sig, "alice", nil)

	mid := "0"
	for _, cand := range []string{"c1", "c2", "c3"} {
		if err := c.AddRemoteCandidate(protocol.ICECandidate{Candidate: cand, SDPMid: &mid}); err != nil {
			t.Fatalf("AddRemoteCandidate: %v", err)
		}
	}
	if len(pc.candidates) != 0 || c.Pending() != 3 {
		t.Fatalf("applied=%d pending=%d before remote description", len(pc.candidates), c.Pending())
	}

	if _, err := c.AcceptRemoteOffer("offer-sdp"); err != nil {
		t.Fatalf("AcceptRemoteOffer: %v", err)
	}
	if c.Pending() != 0 || len(pc.candidates) != 3 {
		t.Fatalf("pending=%d applied=%d after flush", c.Pending(), len(pc.candidates))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if pc.candidates[i].Candidate != want {
			t.Fatalf("candidate[%d]=%q, want %q", i, pc.candidates[i].Candidate, want)
		}
	}
	if pc.calls[0] != "set_remote_offer" || pc.calls[1] != "add_candidate" {
		t.Fatalf("calls=%v, want remote description before candidates", pc.calls)
	}
	if last := sig.sent[len(sig.sent)-1]; last != (sent{"answer", "alice", "answer-sdp"}) {
		t.Fatalf("last sent=%v", last)
	}

	if err := c.AddRemoteCandidate(protocol.ICECandidate{Candidate: "c4"}); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if len(pc.candidates) != 4 {
		t.Fatalf("late candidate not applied directly")
	}
}

func TestGlareRejected(t *testing.T) {
	pc := &fakePC{}
	c := New(pc, &fakeSignaler{}, "bob", nil)

	if _, err := c.StartAsInitiator(); err != nil {
		t.Fatalf("StartAsInitiator: %v", err)
	}
	if _, err := c.AcceptRemoteOffer("their-offer"); !errors.Is(err, ErrNegotiationInFlight) {
		t.Fatalf("err=%v, want %v", err, ErrNegotiationInFlight)
	}
}

func TestRestartICEUsesRestartOption(t *testing.T) {
	pc := &fakePC{}
	sig := &fakeSignaler{}
	c := New(pc, sig, "bob", nil)

	if _, err := c.StartAsInitiator(); err != nil {
		t.Fatalf("StartAsInitiator: %v", err)
	}
	if err := c.ApplyRemoteAnswer("a"); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}
	if _, err := c.RestartICE(); err != nil {
		t.Fatalf("RestartICE: %v", err)
	}
	if !pc.restart {
		t.Fatalf("ICERestart option not set")
	}
	if len(sig.sent) != 2 || sig.sent[1].kind != "offer" {
		t.Fatalf("sent=%v", sig.sent)
	}
}

func TestRemoteDescriptionFailureKeepsBuffer(t *testing.T) {
	pc := &fakePC{remoteErr: errors.New("bad sdp")}
	c := New(pc, &fakeSignaler{}, "bob", nil)

	_ = c.AddRemoteCandidate(protocol.ICECandidate{Candidate: "c1"})
	if _, err := c.AcceptRemoteOffer("garbage"); err == nil {
		t.Fatalf("expected error")
	}
	if c.Pending() != 1 {
		t.Fatalf("pending=%d, want 1", c.Pending())
	}
}

func TestLocalCandidateNilIsEndOfGathering(t *testing.T) {
	sig := &fakeSignaler{}
	c := New(&fakePC{}, sig, "bob", nil)

	if err := c.LocalCandidate(nil); err != nil {
		t.Fatalf("LocalCandidate(nil): %v", err)
	}
	if len(sig.sent) != 0 {
		t.Fatalf("sent=%v, want nothing", sig.sent)
	}

	cand := &webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2122260223,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
	if err := c.LocalCandidate(cand); err != nil {
		t.Fatalf("LocalCandidate: %v", err)
	}
	if len(sig.sent) != 1 || sig.sent[0].kind != "candidate" || sig.sent[0].to != "bob" || sig.sent[0].body == "" {
		t.Fatalf("sent=%v", sig.sent)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	pc := &fakePC{}
	c := New(pc, &fakeSignaler{}, "bob", nil)

	_ = c.Close()
	_ = c.Close()
	if pc.closes != 1 {
		t.Fatalf("closes=%d, want 1", pc.closes)
	}
	if _, err := c.StartAsInitiator(); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want %v", err, ErrClosed)
	}
}
