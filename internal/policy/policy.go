package policy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var ErrDenied = errors.New("client policy: address not allowed")

// ClientPolicy is an IP allowlist. When Enabled is false, or the list is
// empty, every address is allowed.
type ClientPolicy struct {
	Enabled    bool
	AllowCIDRs []*net.IPNet
}

// NewClientPolicy builds a policy from literal IPs and CIDRs. A bare IP
// becomes a single-address network.
func NewClientPolicy(enabled bool, entries []string) (*ClientPolicy, error) {
	p := &ClientPolicy{Enabled: enabled}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		n, err := parseNet(raw)
		if err != nil {
			return nil, fmt.Errorf("client policy: %w", err)
		}
		p.AllowCIDRs = append(p.AllowCIDRs, n)
	}
	return p, nil
}

func parseNet(raw string) (*net.IPNet, error) {
	if strings.Contains(raw, "/") {
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
		}
		return n, nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP %q", raw)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)}, nil
}

func (p *ClientPolicy) AllowIP(ip net.IP) error {
	if p == nil || !p.Enabled || len(p.AllowCIDRs) == 0 {
		return nil
	}
	if ip == nil {
		return fmt.Errorf("%w: missing remote IP", ErrDenied)
	}
	if ipInNets(ip, p.AllowCIDRs) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDenied, ip.String())
}

// AllowRequest checks the request's peer address. Forwarding headers are
// not consulted.
func (p *ClientPolicy) AllowRequest(r *http.Request) error {
	return p.AllowIP(RemoteIP(r))
}

// RemoteIP returns the IP part of r.RemoteAddr, or nil.
func RemoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return net.ParseIP(host)
}

func ipInNets(ip net.IP, nets []*net.IPNet) bool {
	ip4 := ip.To4()
	var ip16 net.IP
	for _, n := range nets {
		if n == nil {
			continue
		}
		if n.IP.To4() != nil {
			if ip4 == nil {
				continue
			}
			if n.Contains(ip4) {
				return true
			}
			continue
		}
		if ip16 == nil {
			ip16 = ip.To16()
		}
		if ip16 == nil {
			continue
		}
		if n.Contains(ip16) {
			return true
		}
	}
	return false
}
