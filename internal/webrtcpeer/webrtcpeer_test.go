package webrtcpeer

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/call"
	"github.com/prchen818/MicLink/internal/config"
	"github.com/prchen818/MicLink/internal/protocol"
)

func testServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{
			URLs:       []string{"turn:turn.example.com:3478?transport=udp", "stun:stun2.example.com:3478"},
			Username:   "miclink",
			Credential: "secret",
		},
		{
			URLs:       []string{"turns:turn.example.com:5349"},
			Username:   "miclink",
			Credential: "secret",
		},
	}
}

func TestICEConfiguration_Auto(t *testing.T) {
	cfg := ICEConfiguration(protocol.ModeAuto, testServers())
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Fatalf("ICETransportPolicy=%v, want all", cfg.ICETransportPolicy)
	}
	if len(cfg.ICEServers) != 3 {
		t.Fatalf("len(ICEServers)=%d, want 3", len(cfg.ICEServers))
	}
	if cfg.BundlePolicy != webrtc.BundlePolicyMaxBundle {
		t.Fatalf("BundlePolicy=%v, want max-bundle", cfg.BundlePolicy)
	}
}

func TestICEConfiguration_RelayOnly(t *testing.T) {
	cfg := ICEConfiguration(protocol.ModeRelayOnly, testServers())
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyRelay {
		t.Fatalf("ICETransportPolicy=%v, want relay", cfg.ICETransportPolicy)
	}
	if len(cfg.ICEServers) != 3 {
		t.Fatalf("len(ICEServers)=%d, want 3", len(cfg.ICEServers))
	}
}

func TestICEConfiguration_P2POnlyDropsTURN(t *testing.T) {
	cfg := ICEConfiguration(protocol.ModeP2POnly, testServers())
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Fatalf("ICETransportPolicy=%v, want all", cfg.ICETransportPolicy)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("ICEServers=%+v, want 2 STUN-only entries", cfg.ICEServers)
	}
	for _, s := range cfg.ICEServers {
		if config.HasTURNURL(s) {
			t.Fatalf("TURN server survived p2p_only: %+v", s)
		}
		if s.Username != "" {
			t.Fatalf("credentials survived p2p_only: %+v", s)
		}
	}
	if got := cfg.ICEServers[1].URLs; len(got) != 1 || got[0] != "stun:stun2.example.com:3478" {
		t.Fatalf("URLs=%v, want [stun:stun2.example.com:3478]", got)
	}
}

func TestOpusCapabilityFollowsQuality(t *testing.T) {
	cases := []struct {
		q       protocol.AudioQuality
		bitrate string
		rate    string
	}{
		{protocol.QualityLow, "maxaveragebitrate=32000", "maxplaybackrate=8000"},
		{protocol.QualityMedium, "maxaveragebitrate=64000", "maxplaybackrate=16000"},
		{protocol.QualityHigh, "maxaveragebitrate=128000", "maxplaybackrate=48000"},
	}
	for _, tc := range cases {
		c := opusCapability(tc.q)
		if c.MimeType != webrtc.MimeTypeOpus || c.ClockRate != 48000 {
			t.Fatalf("%s: capability=%+v", tc.q, c)
		}
		if !strings.Contains(c.SDPFmtpLine, tc.bitrate) || !strings.Contains(c.SDPFmtpLine, tc.rate) {
			t.Fatalf("%s: fmtp=%q, want %s and %s", tc.q, c.SDPFmtpLine, tc.bitrate, tc.rate)
		}
		if !strings.Contains(c.SDPFmtpLine, "useinbandfec=1") {
			t.Fatalf("%s: fmtp=%q missing in-band FEC", tc.q, c.SDPFmtpLine)
		}
	}
}

func TestApplyNetworkSettings(t *testing.T) {
	var se webrtc.SettingEngine
	if err := ApplyNetworkSettings(&se, config.WebRTCNetwork{
		UDPPortRange:           &config.UDPPortRange{Min: 50000, Max: 50100},
		NAT1To1IPs:             []string{"203.0.113.10"},
		NAT1To1IPCandidateType: config.NAT1To1CandidateTypeSrflx,
	}); err != nil {
		t.Fatalf("ApplyNetworkSettings: %v", err)
	}

	err := ApplyNetworkSettings(&se, config.WebRTCNetwork{
		NAT1To1IPs:             []string{"203.0.113.10"},
		NAT1To1IPCandidateType: "bogus",
	})
	if err == nil {
		t.Fatalf("expected error for bogus candidate type, got nil")
	}
}

func TestLoggerFactoryRoutesIntoSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: LevelTrace}))

	l := NewLoggerFactory(logger).NewLogger("ice")
	l.Tracef("checking pair %d", 7)
	l.Warn("srflx timeout")

	out := buf.String()
	if !strings.Contains(out, "pion=ice") {
		t.Fatalf("output missing scope: %q", out)
	}
	if !strings.Contains(out, `msg="checking pair 7"`) {
		t.Fatalf("output missing trace record: %q", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Fatalf("output missing warn record: %q", out)
	}
}

func TestLoggerFactoryRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l := NewLoggerFactory(logger).NewLogger("dtls")
	l.Debugf("handshake %s", "flight1")
	l.Trace("noise")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output below level: %q", buf.String())
	}
}

func newTestSession(id string, q protocol.AudioQuality) call.Session {
	return call.Session{
		ID:          id,
		LocalUserID: "alice",
		PeerUserID:  "bob",
		Direction:   call.Outgoing,
		Mode:        protocol.ModeAuto,
		Quality:     q,
		CreatedAt:   time.Now(),
	}
}

func TestEngineLifecycle(t *testing.T) {
	e := NewEngine(EngineConfig{})
	if got := e.State(); got != Uninitialized {
		t.Fatalf("State=%v, want %v", got, Uninitialized)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := e.State(); got != Initialized {
		t.Fatalf("State=%v, want %v", got, Initialized)
	}

	p1, err := e.NewPeer(newTestSession("s1", protocol.QualityMedium), call.PeerHandlers{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	p2, err := e.NewPeer(newTestSession("s2", protocol.QualityLow), call.PeerHandlers{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	if got := e.State(); got != Connected {
		t.Fatalf("State=%v, want %v", got, Connected)
	}
	if got := e.Active(); got != 2 {
		t.Fatalf("Active=%d, want 2", got)
	}

	if err := p1.Close(); err != nil {
		t.Fatalf("Close p1: %v", err)
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("second Close p1: %v", err)
	}
	if got := e.Active(); got != 1 {
		t.Fatalf("Active=%d, want 1", got)
	}
	if got := e.State(); got != Connected {
		t.Fatalf("State=%v, want %v while a peer remains", got, Connected)
	}

	if err := p2.Close(); err != nil {
		t.Fatalf("Close p2: %v", err)
	}
	if got := e.State(); got != Closed {
		t.Fatalf("State=%v, want %v", got, Closed)
	}

	p3, err := e.NewPeer(newTestSession("s3", protocol.QualityHigh), call.PeerHandlers{})
	if err != nil {
		t.Fatalf("NewPeer after close: %v", err)
	}
	if got := e.State(); got != Connected {
		t.Fatalf("State=%v, want %v", got, Connected)
	}

	if err := e.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := e.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if got := e.State(); got != Disposed {
		t.Fatalf("State=%v, want %v", got, Disposed)
	}
	if got := e.Active(); got != 0 {
		t.Fatalf("Active=%d, want 0", got)
	}
	if err := p3.Close(); err != nil {
		t.Fatalf("Close after dispose: %v", err)
	}

	if _, err := e.NewPeer(newTestSession("s4", protocol.QualityMedium), call.PeerHandlers{}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("NewPeer after dispose err=%v, want %v", err, ErrDisposed)
	}
	if err := e.Initialize(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Initialize after dispose err=%v, want %v", err, ErrDisposed)
	}
}

func TestNewPeerOffersTunedOpus(t *testing.T) {
	e := NewEngine(EngineConfig{})
	t.Cleanup(func() { _ = e.Dispose() })

	p, err := e.NewPeer(newTestSession("s1", protocol.QualityHigh), call.PeerHandlers{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	offer, err := p.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !strings.Contains(offer.SDP, "m=audio") {
		t.Fatalf("offer has no audio section:\n%s", offer.SDP)
	}
	if !strings.Contains(offer.SDP, "opus/48000/2") {
		t.Fatalf("offer does not carry opus:\n%s", offer.SDP)
	}
	if !strings.Contains(offer.SDP, "maxaveragebitrate=128000") {
		t.Fatalf("offer fmtp not tuned for high quality:\n%s", offer.SDP)
	}
	if strings.Contains(offer.SDP, "m=video") || strings.Contains(offer.SDP, "m=application") {
		t.Fatalf("offer carries more than audio:\n%s", offer.SDP)
	}
	if p.(*Peer).AudioTrack() == nil {
		t.Fatalf("AudioTrack=nil")
	}
}

func TestSilenceSourceStartStopIdempotent(t *testing.T) {
	e := NewEngine(EngineConfig{})
	s := NewSilenceSource(e)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	time.Sleep(3 * frameDuration)
	s.Stop()
	s.Stop()

	if got := s.Frames(); got != 0 {
		t.Fatalf("Frames=%d with no open peers, want 0", got)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}

func TestLifecycleString(t *testing.T) {
	if got := Disposed.String(); got != "disposed" {
		t.Fatalf("String=%q, want disposed", got)
	}
	if got := Lifecycle(42).String(); got != "lifecycle(42)" {
		t.Fatalf("String=%q, want lifecycle(42)", got)
	}
}
