package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver resolves the caller's IP for per-client limits. Forwarded
// headers are honored only when the peer is a trusted proxy.
type ClientIPResolver struct {
	trusted []*net.IPNet
}

// NewClientIPResolver parses trusted proxy entries, single IPs or CIDR ranges.
func NewClientIPResolver(trustedProxies []string) (*ClientIPResolver, error) {
	trusted := make([]*net.IPNet, 0, len(trustedProxies))
	for _, proxy := range trustedProxies {
		entry := strings.TrimSpace(proxy)
		if entry == "" {
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			bits := len(ip) * 8
			trusted = append(trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		trusted = append(trusted, cidr)
	}
	return &ClientIPResolver{trusted: trusted}, nil
}

// IsTrusted reports whether remoteAddr belongs to a trusted proxy.
func (c *ClientIPResolver) IsTrusted(remoteAddr string) bool {
	ip := parseIP(remoteAddr)
	if ip == nil {
		return false
	}
	for _, n := range c.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the request's client IP, or "" when it cannot be parsed.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	if c.IsTrusted(r.RemoteAddr) {
		if ip := parseIP(firstValue(r.Header.Get("X-Forwarded-For"))); ip != nil {
			return ip.String()
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != nil {
			return ip.String()
		}
	}
	if ip := parseIP(r.RemoteAddr); ip != nil {
		return ip.String()
	}
	return ""
}

func firstValue(header string) string {
	first, _, _ := strings.Cut(header, ",")
	return strings.TrimSpace(first)
}

func parseIP(address string) net.IP {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(strings.Trim(trimmed, "[]"))
}
