package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarMode      = "MICLINK_MODE"
	envVarLogFormat = "MICLINK_LOG_FORMAT"
	envVarLogLevel  = "MICLINK_LOG_LEVEL"

	envVarWebRTCUDPPortMin             = "MICLINK_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "MICLINK_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "MICLINK_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "MICLINK_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "MICLINK_WEBRTC_UDP_LISTEN_IP"

	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"

	DefaultMode              Mode = ModeDev
	DefaultWebRTCUDPListenIP      = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is an intentionally conservative minimum.
// A call gathers candidates on several sockets and running out of ports
// shows up as hard-to-debug connectivity failures.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// Logging is shared by the client and server configurations.
type Logging struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
}

// WebRTCNetwork controls how the media engine binds and advertises ICE
// sockets.
type WebRTCNetwork struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	UDPPortRange *UDPPortRange

	// NAT1To1IPs are advertised instead of the local addresses when the
	// host sits behind a static NAT. Values must be literal IPs.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType

	// UDPListenIP restricts ICE to one local interface. 0.0.0.0 means all.
	UDPListenIP net.IP
}

func NewLogger(cfg Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// loggingFlags registers -mode, -log-format and -log-level. Call resolve
// after the flag set has been parsed.
type loggingFlags struct {
	envFormatSet bool
	envLevelSet  bool

	mode   string
	format string
	level  string
}

func newLoggingFlags(lookup func(string) (string, bool)) *loggingFlags {
	f := &loggingFlags{mode: string(DefaultMode)}
	if v, ok := lookup(envVarMode); ok && v != "" {
		f.mode = v
	}

	if v, ok := lookup(envVarLogFormat); ok && v != "" {
		f.envFormatSet = true
		f.format = v
	} else {
		f.format = defaultLogFormatForMode(f.mode)
	}

	if v, ok := lookup(envVarLogLevel); ok && v != "" {
		f.envLevelSet = true
		f.level = v
	} else {
		f.level = defaultLogLevelForMode(f.mode)
	}
	return f
}

func (f *loggingFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.mode, "mode", f.mode, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&f.format, "log-format", f.format, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&f.level, "log-level", f.level, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
}

func (f *loggingFlags) resolve(setFlags map[string]bool) (Logging, error) {
	mode, err := parseMode(f.mode)
	if err != nil {
		return Logging{}, err
	}

	if !f.envFormatSet && !setFlags["log-format"] {
		f.format = defaultLogFormatForMode(string(mode))
	}
	if !f.envLevelSet && !setFlags["log-level"] {
		f.level = defaultLogLevelForMode(string(mode))
	}

	format, err := parseLogFormat(f.format)
	if err != nil {
		return Logging{}, err
	}
	level, err := parseLogLevel(f.level)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Mode: mode, LogFormat: format, LogLevel: level}, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}

// networkFlags holds the raw WebRTC network settings between env lookup,
// flag registration and validation.
type networkFlags struct {
	portMin       uint
	portMax       uint
	listenIP      string
	nat1To1IPs    string
	candidateType string
}

func newNetworkFlags(lookup func(string) (string, bool)) (*networkFlags, error) {
	f := &networkFlags{
		listenIP:      envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP),
		nat1To1IPs:    envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		candidateType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		f.portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		f.portMax = uint(p)
	}
	return f, nil
}

func (f *networkFlags) register(fs *flag.FlagSet) {
	fs.UintVar(&f.portMin, flagWebRTCUDPPortMin, f.portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&f.portMax, flagWebRTCUDPPortMax, f.portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&f.listenIP, flagWebRTCUDPListenIP, f.listenIP, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&f.nat1To1IPs, flagWebRTCNAT1To1IPs, f.nat1To1IPs, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&f.candidateType, flagWebRTCNAT1To1IPCandidateType, f.candidateType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
}

func (f *networkFlags) resolve() (WebRTCNetwork, error) {
	var out WebRTCNetwork

	if f.portMin != 0 || f.portMax != 0 {
		if f.portMin == 0 || f.portMax == 0 {
			return WebRTCNetwork{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(f.portMin)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(f.portMax)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		out.UDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	out.UDPListenIP = net.ParseIP(strings.TrimSpace(f.listenIP))
	if out.UDPListenIP == nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, f.listenIP)
	}

	if strings.TrimSpace(f.nat1To1IPs) != "" {
		ips, err := parseIPList(f.nat1To1IPs)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, f.nat1To1IPs, err)
		}
		out.NAT1To1IPs = ips
	}

	if strings.TrimSpace(f.candidateType) == "" {
		f.candidateType = string(NAT1To1CandidateTypeHost)
	}
	candidateType, err := parseCandidateType(f.candidateType)
	if err != nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, f.candidateType, err)
	}
	out.NAT1To1IPCandidateType = candidateType
	return out, nil
}

// HasTURNURL reports whether server lists a turn: or turns: URL.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
