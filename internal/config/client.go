package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/protocol"
)

const (
	envVarServerURL            = "MICLINK_SERVER_URL"
	envVarAPIKey               = "MICLINK_API_KEY"
	envVarUserID               = "MICLINK_USER_ID"
	envVarReconnectBaseDelay   = "MICLINK_RECONNECT_BASE_DELAY"
	envVarReconnectMaxDelay    = "MICLINK_RECONNECT_MAX_DELAY"
	envVarMaxReconnectAttempts = "MICLINK_MAX_RECONNECT_ATTEMPTS"
	envVarPingInterval         = "MICLINK_PING_INTERVAL"
	envVarConnectionTimeout    = "MICLINK_CONNECTION_TIMEOUT"
	envVarRingTimeout          = "MICLINK_RING_TIMEOUT"
	envVarDiagnosticsGrace     = "MICLINK_DIAGNOSTICS_GRACE"
	envVarMaxICERestarts       = "MICLINK_MAX_ICE_RESTARTS"
	envVarICERestartDelay      = "MICLINK_ICE_RESTART_DELAY"
	envVarConnectionMode       = "MICLINK_CONNECTION_MODE"
	envVarAudioQuality         = "MICLINK_AUDIO_QUALITY"
	envVarFetchICE             = "MICLINK_FETCH_ICE"

	DefaultServerURL            = "ws://127.0.0.1:8080/ws"
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultConnectionTimeout    = 8 * time.Second
	DefaultRingTimeout          = 30 * time.Second
	DefaultDiagnosticsGrace     = 500 * time.Millisecond
	DefaultMaxICERestarts       = 3
	DefaultICERestartDelay      = 2 * time.Second
	DefaultConnectionMode       = protocol.ModeAuto
	DefaultAudioQuality         = protocol.QualityMedium
	DefaultMaxReconnectAttempts = 0
)

// Client configures the miclink CLI.
type Client struct {
	Logging

	ServerURL string
	APIKey    string
	UserID    string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int
	PingInterval         time.Duration

	ConnectionTimeout time.Duration
	// RingTimeout of 0 lets calls ring until answered or hung up.
	RingTimeout      time.Duration
	DiagnosticsGrace time.Duration
	MaxICERestarts   int
	ICERestartDelay  time.Duration

	ConnectionMode protocol.ConnectionMode
	AudioQuality   protocol.AudioQuality

	ICEServers []webrtc.ICEServer
	// FetchICE asks the server's /ice endpoint for ICE servers at startup
	// instead of using ICEServers.
	FetchICE bool

	Network WebRTCNetwork

	// Call is the peer to dial right after connecting, if any.
	Call       string
	AutoAccept bool
}

// ICEURL is the server's /ice endpoint derived from ServerURL.
func (c Client) ICEURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/ice"
	u.RawQuery = ""
	return u.String(), nil
}

func Load(args []string) (Client, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Client, error) {
	logFlags := newLoggingFlags(lookup)
	netFlags, err := newNetworkFlags(lookup)
	if err != nil {
		return Client{}, err
	}

	serverURL := envOrDefault(lookup, envVarServerURL, DefaultServerURL)
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	userID := envOrDefault(lookup, envVarUserID, "")
	modeStr := envOrDefault(lookup, envVarConnectionMode, string(DefaultConnectionMode))
	qualityStr := envOrDefault(lookup, envVarAudioQuality, string(DefaultAudioQuality))
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	reconnectBaseDelay, err := envDurationOrDefault(lookup, envVarReconnectBaseDelay, DefaultReconnectBaseDelay)
	if err != nil {
		return Client{}, err
	}
	reconnectMaxDelay, err := envDurationOrDefault(lookup, envVarReconnectMaxDelay, DefaultReconnectMaxDelay)
	if err != nil {
		return Client{}, err
	}
	maxReconnectAttempts, err := envIntOrDefault(lookup, envVarMaxReconnectAttempts, DefaultMaxReconnectAttempts)
	if err != nil {
		return Client{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Client{}, err
	}
	connectionTimeout, err := envDurationOrDefault(lookup, envVarConnectionTimeout, DefaultConnectionTimeout)
	if err != nil {
		return Client{}, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Client{}, err
	}
	diagnosticsGrace, err := envDurationOrDefault(lookup, envVarDiagnosticsGrace, DefaultDiagnosticsGrace)
	if err != nil {
		return Client{}, err
	}
	maxICERestarts, err := envIntOrDefault(lookup, envVarMaxICERestarts, DefaultMaxICERestarts)
	if err != nil {
		return Client{}, err
	}
	iceRestartDelay, err := envDurationOrDefault(lookup, envVarICERestartDelay, DefaultICERestartDelay)
	if err != nil {
		return Client{}, err
	}
	fetchICE, err := envBoolOrDefault(lookup, envVarFetchICE, false)
	if err != nil {
		return Client{}, err
	}

	var (
		callPeer   string
		autoAccept bool
	)

	fs := flag.NewFlagSet("miclink", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logFlags.register(fs)
	netFlags.register(fs)
	fs.StringVar(&serverURL, "server-url", serverURL, "Presence server WebSocket URL (env "+envVarServerURL+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Shared API key (env "+envVarAPIKey+")")
	fs.StringVar(&userID, "user", userID, "User ID to register as (env "+envVarUserID+")")
	fs.DurationVar(&reconnectBaseDelay, "reconnect-base-delay", reconnectBaseDelay, "First reconnect delay (env "+envVarReconnectBaseDelay+")")
	fs.DurationVar(&reconnectMaxDelay, "reconnect-max-delay", reconnectMaxDelay, "Reconnect delay cap (env "+envVarReconnectMaxDelay+")")
	fs.IntVar(&maxReconnectAttempts, "max-reconnect-attempts", maxReconnectAttempts, "Consecutive reconnect attempts before giving up (0 = unlimited; env "+envVarMaxReconnectAttempts+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "WebSocket keepalive interval (0 = disabled; env "+envVarPingInterval+")")
	fs.DurationVar(&connectionTimeout, "connection-timeout", connectionTimeout, "Max time from accept to connected media (env "+envVarConnectionTimeout+")")
	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "Max ringing time before a call is dropped (0 = unlimited; env "+envVarRingTimeout+")")
	fs.DurationVar(&diagnosticsGrace, "diagnostics-grace", diagnosticsGrace, "Delay before collecting ICE diagnostics (env "+envVarDiagnosticsGrace+")")
	fs.IntVar(&maxICERestarts, "max-ice-restarts", maxICERestarts, "ICE restarts per call while connecting (env "+envVarMaxICERestarts+")")
	fs.DurationVar(&iceRestartDelay, "ice-restart-delay", iceRestartDelay, "Delay before an automatic ICE restart (env "+envVarICERestartDelay+")")
	fs.StringVar(&modeStr, "connection-mode", modeStr, "ICE paths: auto, p2p_only or relay_only (env "+envVarConnectionMode+")")
	fs.StringVar(&qualityStr, "audio-quality", qualityStr, "Audio quality: low, medium or high (env "+envVarAudioQuality+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.BoolVar(&fetchICE, "fetch-ice", fetchICE, "Fetch ICE servers from the presence server (env "+envVarFetchICE+")")
	fs.StringVar(&callPeer, "call", "", "Peer user ID to call after connecting")
	fs.BoolVar(&autoAccept, "auto-accept", false, "Accept incoming calls automatically")

	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	logging, err := logFlags.resolve(setFlags)
	if err != nil {
		return Client{}, err
	}
	network, err := netFlags.resolve()
	if err != nil {
		return Client{}, err
	}

	mode, err := protocol.ParseConnectionMode(modeStr)
	if err != nil {
		return Client{}, fmt.Errorf("%s/--connection-mode: %w", envVarConnectionMode, err)
	}
	quality, err := protocol.ParseAudioQuality(qualityStr)
	if err != nil {
		return Client{}, fmt.Errorf("%s/--audio-quality: %w", envVarAudioQuality, err)
	}

	serverURL = strings.TrimSpace(serverURL)
	u, err := url.Parse(serverURL)
	if err != nil {
		return Client{}, fmt.Errorf("invalid %s/--server-url %q: %w", envVarServerURL, serverURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Client{}, fmt.Errorf("invalid %s/--server-url %q (expected ws:// or wss://)", envVarServerURL, serverURL)
	}
	if u.Host == "" {
		return Client{}, fmt.Errorf("invalid %s/--server-url %q (missing host)", envVarServerURL, serverURL)
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Client{}, fmt.Errorf("%s/--user must be set", envVarUserID)
	}
	callPeer = strings.TrimSpace(callPeer)
	if callPeer == userID {
		return Client{}, fmt.Errorf("--call must name another user")
	}

	if reconnectBaseDelay <= 0 {
		return Client{}, fmt.Errorf("%s/--reconnect-base-delay must be > 0", envVarReconnectBaseDelay)
	}
	if reconnectMaxDelay < reconnectBaseDelay {
		return Client{}, fmt.Errorf("%s/--reconnect-max-delay must be >= %s/--reconnect-base-delay", envVarReconnectMaxDelay, envVarReconnectBaseDelay)
	}
	if maxReconnectAttempts < 0 {
		return Client{}, fmt.Errorf("%s/--max-reconnect-attempts must be >= 0", envVarMaxReconnectAttempts)
	}
	if pingInterval < 0 {
		return Client{}, fmt.Errorf("%s/--ping-interval must be >= 0", envVarPingInterval)
	}
	if connectionTimeout <= 0 {
		return Client{}, fmt.Errorf("%s/--connection-timeout must be > 0", envVarConnectionTimeout)
	}
	if ringTimeout < 0 {
		return Client{}, fmt.Errorf("%s/--ring-timeout must be >= 0", envVarRingTimeout)
	}
	if diagnosticsGrace < 0 {
		return Client{}, fmt.Errorf("%s/--diagnostics-grace must be >= 0", envVarDiagnosticsGrace)
	}
	if maxICERestarts < 0 {
		return Client{}, fmt.Errorf("%s/--max-ice-restarts must be >= 0", envVarMaxICERestarts)
	}
	if iceRestartDelay < 0 {
		return Client{}, fmt.Errorf("%s/--ice-restart-delay must be >= 0", envVarICERestartDelay)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, false)
	if err != nil {
		return Client{}, err
	}
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers(serverURL, apiKey)
	}

	return Client{
		Logging:              logging,
		ServerURL:            serverURL,
		APIKey:               apiKey,
		UserID:               userID,
		ReconnectBaseDelay:   reconnectBaseDelay,
		ReconnectMaxDelay:    reconnectMaxDelay,
		MaxReconnectAttempts: maxReconnectAttempts,
		PingInterval:         pingInterval,
		ConnectionTimeout:    connectionTimeout,
		RingTimeout:          ringTimeout,
		DiagnosticsGrace:     diagnosticsGrace,
		MaxICERestarts:       maxICERestarts,
		ICERestartDelay:      iceRestartDelay,
		ConnectionMode:       mode,
		AudioQuality:         quality,
		ICEServers:           iceServers,
		FetchICE:             fetchICE,
		Network:              network,
		Call:                 callPeer,
		AutoAccept:           autoAccept,
	}, nil
}
