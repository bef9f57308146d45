// Package webrtcpeer is the pion/webrtc media engine behind a call: one
// shared setting engine plus a fresh API, codec set and peer connection per
// call.
package webrtcpeer

import (
	"fmt"
	"net"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/config"
	"github.com/prchen818/MicLink/internal/protocol"
)

const (
	opusPayloadType = 111
	opusClockRate   = 48000
	opusChannels    = 2
)

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.WebRTCNetwork) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't expose a listen address; restrict candidate
	// gathering and socket binding via IPFilter instead.
	if !config.IsUnspecifiedIP(cfg.UDPListenIP) {
		listenIP := cfg.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

// ICEConfiguration maps a connection mode onto a peer connection config.
// relay_only forces TURN. p2p_only drops TURN URLs so no relay candidate
// can be gathered.
func ICEConfiguration(mode protocol.ConnectionMode, servers []webrtc.ICEServer) webrtc.Configuration {
	cfg := webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
	switch mode {
	case protocol.ModeRelayOnly:
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	case protocol.ModeP2POnly:
		cfg.ICEServers = withoutTURN(servers)
	}
	return cfg
}

func withoutTURN(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if !config.HasTURNURL(server) {
			out = append(out, server)
			continue
		}
		var urls []string
		for _, u := range server.URLs {
			lower := strings.ToLower(strings.TrimSpace(u))
			if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
				continue
			}
			urls = append(urls, u)
		}
		if len(urls) > 0 {
			out = append(out, webrtc.ICEServer{URLs: urls})
		}
	}
	return out
}

func opusCapability(q protocol.AudioQuality) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  opusChannels,
		SDPFmtpLine: fmt.Sprintf("minptime=10;useinbandfec=1;maxplaybackrate=%d;maxaveragebitrate=%d",
			q.SampleRate(), q.Bitrate()),
	}
}

// newMediaEngine registers Opus as the only codec, tuned for quality, and
// the default NACK, RTCP report and TWCC interceptors.
func newMediaEngine(q protocol.AudioQuality) (*webrtc.MediaEngine, *interceptor.Registry, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability(q),
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}
	return m, ir, nil
}
