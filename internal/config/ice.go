package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MICLINK_ICE_SERVERS_JSON"

	envStunURLs       = "MICLINK_STUN_URLS"
	envTurnURLs       = "MICLINK_TURN_URLS"
	envTurnUsername   = "MICLINK_TURN_USERNAME"
	envTurnCredential = "MICLINK_TURN_CREDENTIAL"

	// DefaultTURNUsername is the static username the bundled coturn setup
	// accepts; the API key doubles as its credential.
	DefaultTURNUsername = "miclink"
	defaultTURNPort     = "3478"
)

// DefaultSTUNURLs are public STUN servers that stay reachable from most
// networks.
var DefaultSTUNURLs = []string{
	"stun:stun.stunprotocol.org:3478",
	"stun:stun.voip.blackberry.com:3478",
	"stun:stun.sipnet.net:3478",
}

// DefaultICEServers is used when no ICE servers are configured: the public
// STUN list plus a TURN server on the presence server's host.
func DefaultICEServers(serverURL, apiKey string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(DefaultSTUNURLs)+1)
	for _, u := range DefaultSTUNURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil || u.Hostname() == "" || strings.TrimSpace(apiKey) == "" {
		return servers
	}
	return append(servers, webrtc.ICEServer{
		URLs:       []string{"turn:" + net.JoinHostPort(u.Hostname(), defaultTURNPort)},
		Username:   DefaultTURNUsername,
		Credential: apiKey,
	})
}

func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, allowMissingTURNCreds bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, allowMissingTURNCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, allowMissingTURNCreds)
}

// iceServerJSON accepts the browser RTCIceServer shape, where urls may be a
// single string.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (s iceServerJSON) urls() ([]string, error) {
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(s.URLs, &many); err != nil {
		return nil, fmt.Errorf("urls: %w", err)
	}
	return many, nil
}

// ParseICEServersJSON parses and validates MICLINK_ICE_SERVERS_JSON.
//
// allowMissingTURNCreds is set by the server when TURN REST credentials are
// minted per request.
func ParseICEServersJSON(raw string, allowMissingTURNCreds bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		urls, err := e.urls()
		if err == nil {
			var server webrtc.ICEServer
			server, err = newICEServer(splitList(urls), e.Username, e.Credential, allowMissingTURNCreds)
			out = append(out, server)
		}
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the
// convenience env vars. The URL lists are comma-separated.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowMissingTURNCreds bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitList(strings.Split(stunURLs, ",")); len(stun) > 0 {
		server, err := newICEServer(stun, "", "", false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitList(strings.Split(turnURLs, ",")); len(turn) > 0 {
		user, cred := strings.TrimSpace(turnUsername), strings.TrimSpace(turnCredential)
		if !allowMissingTURNCreds && (user == "" || cred == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := newICEServer(turn, user, cred, allowMissingTURNCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// splitList trims entries and drops empty ones.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// newICEServer validates one entry. TURN URLs need a username and
// credential unless allowMissingTURNCreds is set.
func newICEServer(urls []string, username, credential string, allowMissingTURNCreds bool) (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if strings.TrimSpace(credential) != "" {
		server.Credential = credential
	}

	if len(urls) == 0 {
		return server, errors.New("missing urls")
	}
	for _, u := range urls {
		scheme, _, _ := strings.Cut(u, ":")
		switch scheme {
		case "stun", "stuns", "turn", "turns":
		default:
			return server, fmt.Errorf("unsupported url scheme: %q", u)
		}
	}

	if HasTURNURL(server) && !allowMissingTURNCreds {
		if server.Username == "" {
			return server, errors.New("turn urls require username")
		}
		if server.Credential == nil {
			return server, errors.New("turn urls require credential")
		}
	}
	return server, nil
}
