// Package origin checks browser Origin headers for the signaling endpoints.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Any is the allowlist entry that admits every origin.
const Any = "*"

// Normalize validates an Origin value and returns it as scheme://host[:port]
// together with its host[:port] part. Default ports are dropped. The opaque
// origin "null" is returned as-is with an empty host.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases an authority and strips the scheme's default
// port. IPv6 literals must be bracketed.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if strings.HasPrefix(authority, "[") || strings.Count(authority, ":") == 1 {
		if strings.HasPrefix(authority, "[") && !strings.Contains(authority, "]:") {
			if !strings.HasSuffix(authority, "]") {
				return "", false
			}
			hostname = authority[1 : len(authority)-1]
		} else {
			h, p, err := net.SplitHostPort(authority)
			if err != nil || p == "" {
				return "", false
			}
			hostname, port = h, p
		}
	} else if strings.Contains(authority, ":") {
		return "", false
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}

// Policy decides which origins may call the server. With no entries only
// same-host requests pass.
type Policy struct {
	allowed []string
}

// NewPolicy takes entries already normalized with Normalize, or Any.
func NewPolicy(allowed []string) Policy {
	return Policy{allowed: allowed}
}

// Check normalizes originHeader and reports whether it may access a server
// reached as requestHost. The scheme is ignored for the same-host check
// since TLS is often terminated by a proxy in front of the server.
func (p Policy) Check(originHeader, requestHost string) (normalized string, ok bool) {
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return "", false
	}
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == Any || a == normalized {
				return normalized, true
			}
		}
		return "", false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return "", false
	}
	reqHost, valid := canonicalHost(requestHost, scheme)
	if !valid || reqHost != host {
		return "", false
	}
	return normalized, true
}
