package config

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prchen818/MicLink/internal/protocol"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func clientEnv(extra map[string]string) func(string) (string, bool) {
	m := map[string]string{envVarUserID: "alice"}
	for k, v := range extra {
		m[k] = v
	}
	return lookupMap(m)
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(clientEnv(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Fatalf("ServerURL=%q, want %q", cfg.ServerURL, DefaultServerURL)
	}
	if cfg.ReconnectBaseDelay != time.Second || cfg.ReconnectMaxDelay != 30*time.Second {
		t.Fatalf("reconnect delays=%v/%v, want 1s/30s", cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
	}
	if cfg.MaxReconnectAttempts != 0 {
		t.Fatalf("MaxReconnectAttempts=%d, want 0", cfg.MaxReconnectAttempts)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Fatalf("PingInterval=%v, want 30s", cfg.PingInterval)
	}
	if cfg.ConnectionTimeout != 8*time.Second {
		t.Fatalf("ConnectionTimeout=%v, want 8s", cfg.ConnectionTimeout)
	}
	if cfg.DiagnosticsGrace != 500*time.Millisecond {
		t.Fatalf("DiagnosticsGrace=%v, want 500ms", cfg.DiagnosticsGrace)
	}
	if cfg.ConnectionMode != protocol.ModeAuto {
		t.Fatalf("ConnectionMode=%q, want %q", cfg.ConnectionMode, protocol.ModeAuto)
	}
	if cfg.AudioQuality != protocol.QualityMedium {
		t.Fatalf("AudioQuality=%q, want %q", cfg.AudioQuality, protocol.QualityMedium)
	}
	if cfg.Network.UDPPortRange != nil {
		t.Fatalf("expected UDPPortRange unset, got %+v", *cfg.Network.UDPPortRange)
	}
	if !cfg.Network.UDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("UDPListenIP=%v, want 0.0.0.0", cfg.Network.UDPListenIP)
	}
	if cfg.Network.NAT1To1IPCandidateType != NAT1To1CandidateTypeHost {
		t.Fatalf("NAT1To1IPCandidateType=%q, want %q", cfg.Network.NAT1To1IPCandidateType, NAT1To1CandidateTypeHost)
	}
	if cfg.Call != "" || cfg.AutoAccept {
		t.Fatalf("Call=%q AutoAccept=%v, want unset", cfg.Call, cfg.AutoAccept)
	}
}

func TestRequiresUserID(t *testing.T) {
	_, err := load(lookupMap(nil), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envVarUserID) {
		t.Fatalf("err=%v, expected mention of %s", err, envVarUserID)
	}
}

func TestDefaultICEServersIncludeTURNOnServerHost(t *testing.T) {
	cfg, err := load(clientEnv(map[string]string{
		envVarServerURL: "wss://voice.example.com/ws",
		envVarAPIKey:    "k3y",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, want := len(cfg.ICEServers), len(DefaultSTUNURLs)+1; got != want {
		t.Fatalf("len(ICEServers)=%d, want %d", got, want)
	}
	turn := cfg.ICEServers[len(cfg.ICEServers)-1]
	if turn.URLs[0] != "turn:voice.example.com:3478" {
		t.Fatalf("turn url=%q", turn.URLs[0])
	}
	if turn.Username != DefaultTURNUsername || turn.Credential != "k3y" {
		t.Fatalf("turn creds=%q/%v", turn.Username, turn.Credential)
	}
}

func TestExplicitICEServersReplaceDefaults(t *testing.T) {
	cfg, err := load(clientEnv(map[string]string{
		envStunURLs: "stun:stun.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ICEServers=%+v", cfg.ICEServers)
	}
}

func TestInvalidICEServersFailLoad(t *testing.T) {
	_, err := load(clientEnv(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(clientEnv(map[string]string{
		envVarConnectionMode: "p2p_only",
		envVarAudioQuality:   "low",
	}), []string{"--connection-mode", "relay_only", "--audio-quality", "high", "--call", "bob", "--auto-accept"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConnectionMode != protocol.ModeRelayOnly {
		t.Fatalf("ConnectionMode=%q, want %q", cfg.ConnectionMode, protocol.ModeRelayOnly)
	}
	if cfg.AudioQuality != protocol.QualityHigh {
		t.Fatalf("AudioQuality=%q, want %q", cfg.AudioQuality, protocol.QualityHigh)
	}
	if cfg.Call != "bob" || !cfg.AutoAccept {
		t.Fatalf("Call=%q AutoAccept=%v", cfg.Call, cfg.AutoAccept)
	}
}

func TestInvalidConnectionMode(t *testing.T) {
	_, err := load(clientEnv(map[string]string{envVarConnectionMode: "direct"}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestCallSelfRejected(t *testing.T) {
	_, err := load(clientEnv(nil), []string{"--call", "alice"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestServerURLValidatesScheme(t *testing.T) {
	for _, raw := range []string{"http://example.com/ws", "ws:///ws", "://bad"} {
		if _, err := load(clientEnv(map[string]string{envVarServerURL: raw}), nil); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}

func TestDurationEnvErrorFormat(t *testing.T) {
	_, err := load(clientEnv(map[string]string{envVarRingTimeout: "soon"}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "invalid "+envVarRingTimeout+` "soon"`) {
		t.Fatalf("err=%v", err)
	}
}

func TestRingTimeoutZeroAllowed(t *testing.T) {
	cfg, err := load(clientEnv(map[string]string{envVarRingTimeout: "0s"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RingTimeout != 0 {
		t.Fatalf("RingTimeout=%v, want 0", cfg.RingTimeout)
	}
}

func TestReconnectMaxBelowBaseRejected(t *testing.T) {
	_, err := load(clientEnv(map[string]string{
		envVarReconnectBaseDelay: "5s",
		envVarReconnectMaxDelay:  "1s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestICEURL(t *testing.T) {
	cases := map[string]string{
		"ws://127.0.0.1:8080/ws":        "http://127.0.0.1:8080/ice",
		"wss://voice.example.com/ws?x=1": "https://voice.example.com/ice",
	}
	for in, want := range cases {
		got, err := Client{ServerURL: in}.ICEURL()
		if err != nil {
			t.Fatalf("ICEURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ICEURL(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(clientEnv(nil), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(clientEnv(nil), []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestWebRTCUDPPortRange_RequiresBoth(t *testing.T) {
	_, err := load(clientEnv(map[string]string{
		envVarWebRTCUDPPortMin: "40000",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestWebRTCUDPPortRange_TooSmall(t *testing.T) {
	_, err := load(clientEnv(map[string]string{
		envVarWebRTCUDPPortMin: "40000",
		envVarWebRTCUDPPortMax: "40010",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "too small") {
		t.Fatalf("err=%v, expected mention of too small range", err)
	}
}

func TestWebRTCUDPPortRange_OK(t *testing.T) {
	cfg, err := load(clientEnv(map[string]string{
		envVarWebRTCUDPPortMin: "40000",
		envVarWebRTCUDPPortMax: "40199",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.UDPPortRange == nil {
		t.Fatalf("expected UDPPortRange set")
	}
	if cfg.Network.UDPPortRange.Min != 40000 || cfg.Network.UDPPortRange.Max != 40199 {
		t.Fatalf("UDPPortRange=%+v", *cfg.Network.UDPPortRange)
	}
}

func TestWebRTCNAT1To1IPsAndCandidateType(t *testing.T) {
	cfg, err := load(clientEnv(map[string]string{
		envVarWebRTCNAT1To1IPs:             "203.0.113.10, 203.0.113.11",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, want := len(cfg.Network.NAT1To1IPs), 2; got != want {
		t.Fatalf("len(NAT1To1IPs)=%d, want %d", got, want)
	}
	if cfg.Network.NAT1To1IPCandidateType != NAT1To1CandidateTypeSrflx {
		t.Fatalf("NAT1To1IPCandidateType=%q, want %q", cfg.Network.NAT1To1IPCandidateType, NAT1To1CandidateTypeSrflx)
	}
}

func TestWebRTCNAT1To1IPs_Invalid(t *testing.T) {
	for _, env := range []map[string]string{
		{envVarWebRTCNAT1To1IPCandidateType: "nope"},
		{envVarWebRTCNAT1To1IPs: "nope"},
		{envVarWebRTCUDPListenIP: "bad.ip"},
	} {
		if _, err := load(clientEnv(env), nil); err == nil {
			t.Fatalf("expected error for %v, got nil", env)
		}
	}
}

func TestWebRTCUDPListenIP(t *testing.T) {
	cfg, err := load(clientEnv(map[string]string{
		envVarWebRTCUDPListenIP: "10.0.0.123",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Network.UDPListenIP.Equal(net.ParseIP("10.0.0.123")) {
		t.Fatalf("UDPListenIP=%v", cfg.Network.UDPListenIP)
	}
}
