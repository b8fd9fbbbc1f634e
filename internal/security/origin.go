// Package security holds request checks shared by the HTTP and websocket
// endpoints.
package security

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginChecker validates browser origins for websocket upgrades and CORS.
//
// With no configured origins only localhost origins pass. A "*" entry allows
// every origin; "*.example.com" matches subdomains.
type OriginChecker struct {
	allowed  []string
	allowAll bool
}

// NewOriginChecker creates a new origin checker.
func NewOriginChecker(allowedOrigins []string) *OriginChecker {
	oc := &OriginChecker{}
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			oc.allowAll = true
		default:
			oc.allowed = append(oc.allowed, o)
		}
	}
	return oc
}

// CheckOrigin reports whether the request's origin is allowed. Requests
// without an Origin header are not from a browser page and pass.
func (oc *OriginChecker) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return oc.Allowed(origin)
}

// Allowed reports whether origin is allowed.
func (oc *OriginChecker) Allowed(origin string) bool {
	if oc.allowAll {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if len(oc.allowed) == 0 {
		return isLocalhost(parsed.Hostname())
	}
	for _, allowed := range oc.allowed {
		if matchOrigin(origin, parsed.Hostname(), allowed) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}

// matchOrigin supports exact matches and wildcard subdomains (*.example.com).
func matchOrigin(origin, host, allowed string) bool {
	if origin == allowed {
		return true
	}
	if domain, ok := strings.CutPrefix(allowed, "*."); ok {
		return strings.HasSuffix(host, "."+domain)
	}
	return false
}
