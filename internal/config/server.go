package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/origin"
)

const (
	envVarServerPort        = "SERVER_PORT"
	envVarServerListenAddr  = "MICLINK_SERVER_LISTEN_ADDR"
	envVarAllowedOrigins    = "ALLOWED_ORIGINS"
	envVarShutdownTimeout   = "SHUTDOWN_TIMEOUT"
	envVarAuthMode          = "AUTH_MODE"
	envVarServerAPIKey      = "API_KEY"
	envVarJWTSecret         = "JWT_SECRET"
	envVarAllowedIPs        = "ALLOWED_IPS"
	envVarEnableIPWhitelist = "ENABLE_IP_WHITELIST"

	envVarSignalingJoinTimeout          = "SIGNALING_JOIN_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	envVarRedisAddr     = "REDIS_ADDR"
	envVarRedisPassword = "REDIS_PASSWORD"
	envVarRedisDB       = "REDIS_DB"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultServerPort = "8080"
	DefaultShutdown   = 15 * time.Second

	DefaultAuthMode AuthMode = AuthModeAPIKey
	// DefaultDevAPIKey is only accepted in dev mode when API_KEY is unset.
	DefaultDevAPIKey = "miclink-default-key-change-in-production"

	DefaultSignalingJoinTimeout          = 10 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "miclink"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// Server configures the presence server.
type Server struct {
	Logging

	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string
	// APIKeyDefaulted is set when API_KEY was missing and DefaultDevAPIKey
	// is in use.
	APIKeyDefaulted bool

	// AllowedIPs holds literal IPs or CIDRs. It only applies when
	// EnableIPWhitelist is set.
	AllowedIPs        []string
	EnableIPWhitelist bool

	// SignalingJoinTimeout bounds how long a new connection may take to send
	// its join frame.
	SignalingJoinTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// RedisAddr enables mirroring the online set into Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. The server
// still starts but /ice and /readyz report the error.
func (c Server) ICEConfigError() error {
	return c.iceConfigErr
}

func LoadServer(args []string) (Server, error) {
	return loadServer(os.LookupEnv, args)
}

func loadServer(lookup func(string) (string, bool), args []string) (Server, error) {
	logFlags := newLoggingFlags(lookup)

	listenAddr := ":" + envOrDefault(lookup, envVarServerPort, DefaultServerPort)
	listenAddr = envOrDefault(lookup, envVarServerListenAddr, listenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "*")
	apiKey := envOrDefault(lookup, envVarServerAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	allowedIPsStr := envOrDefault(lookup, envVarAllowedIPs, "")
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, strings.Join(DefaultSTUNURLs, ","))
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}

	enableIPWhitelist, err := envBoolOrDefault(lookup, envVarEnableIPWhitelist, false)
	if err != nil {
		return Server{}, err
	}
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Server{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Server{}, err
	}
	signalingJoinTimeout, err := envDurationOrDefault(lookup, envVarSignalingJoinTimeout, DefaultSignalingJoinTimeout)
	if err != nil {
		return Server{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Server{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Server{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Server{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Server{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Server{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	fs := flag.NewFlagSet("miclink-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var authModeStr string

	logFlags.register(fs)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarServerListenAddr+" or "+envVarServerPort+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&allowedIPsStr, "allowed-ips", allowedIPsStr, "Comma-separated client IPs or CIDRs (env "+envVarAllowedIPs+")")
	fs.BoolVar(&enableIPWhitelist, "enable-ip-whitelist", enableIPWhitelist, "Reject clients outside --allowed-ips (env "+envVarEnableIPWhitelist+")")
	fs.DurationVar(&signalingJoinTimeout, "signaling-join-timeout", signalingJoinTimeout, "Max wait for the join frame (env "+envVarSignalingJoinTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the online user mirror (optional; env "+envVarRedisAddr+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; env "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	logging, err := logFlags.resolve(setFlags)
	if err != nil {
		return Server{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Server{}, err
	}

	if listenAddr == "" || listenAddr == ":" {
		return Server{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Server{}, fmt.Errorf("shutdown timeout must be > 0")
	}

	apiKeyDefaulted := false
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		if logging.Mode != ModeDev {
			return Server{}, fmt.Errorf("%s must be set when %s=%s", envVarServerAPIKey, envVarAuthMode, AuthModeAPIKey)
		}
		apiKey = DefaultDevAPIKey
		apiKeyDefaulted = true
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Server{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}

	if signalingJoinTimeout <= 0 {
		return Server{}, fmt.Errorf("%s/--signaling-join-timeout must be > 0", envVarSignalingJoinTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Server{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Server{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Server{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Server{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Server{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if redisDB < 0 {
		return Server{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Server{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Server{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Server{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedIPs, err := parseAllowedIPs(allowedIPsStr)
	if err != nil {
		return Server{}, fmt.Errorf("invalid %s/--allowed-ips %q: %w", envVarAllowedIPs, allowedIPsStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Server{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Server{
		Logging:                       logging,
		ListenAddr:                    listenAddr,
		AllowedOrigins:                allowedOrigins,
		ShutdownTimeout:               shutdownTimeout,
		AuthMode:                      authMode,
		APIKey:                        apiKey,
		JWTSecret:                     jwtSecret,
		APIKeyDefaulted:               apiKeyDefaulted,
		AllowedIPs:                    allowedIPs,
		EnableIPWhitelist:             enableIPWhitelist,
		SignalingJoinTimeout:          signalingJoinTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		RedisAddr:                     strings.TrimSpace(redisAddr),
		RedisPassword:                 redisPassword,
		RedisDB:                       redisDB,
		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseAllowedIPs(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return nil, err
			}
		} else if net.ParseIP(entry) == nil {
			return nil, fmt.Errorf("invalid IP %q", entry)
		}
		out = append(out, entry)
	}
	return out, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == origin.Any {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
