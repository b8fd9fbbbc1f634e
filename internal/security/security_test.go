package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "", true},
		{"localhost by default", nil, "http://localhost:5173", true},
		{"loopback by default", nil, "http://127.0.0.1:3000", true},
		{"remote rejected by default", nil, "https://evil.example", false},
		{"exact match", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"trailing slash in config", []string{"https://app.example.com/"}, "https://app.example.com", true},
		{"localhost not implied with list", []string{"https://app.example.com"}, "http://localhost:3000", false},
		{"wildcard subdomain", []string{"*.example.com"}, "https://ide.example.com", true},
		{"wildcard needs a dot", []string{"*.example.com"}, "https://badexample.com", false},
		{"allow all", []string{"*"}, "https://anything.test", true},
		{"garbage origin", []string{"https://app.example.com"}, "::::", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oc := NewOriginChecker(tt.allowed)
			r := httptest.NewRequest(http.MethodGet, "/ws/projects/p", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := oc.CheckOrigin(r); got != tt.want {
				t.Errorf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestClientIPResolver(t *testing.T) {
	resolver, err := NewClientIPResolver([]string{"10.0.0.0/8", "192.168.1.5"})
	if err != nil {
		t.Fatalf("NewClientIPResolver() error = %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{"direct peer", "203.0.113.7:5000", "", "", "203.0.113.7"},
		{"untrusted forwarded header ignored", "203.0.113.7:5000", "198.51.100.1", "", "203.0.113.7"},
		{"trusted cidr", "10.1.2.3:443", "198.51.100.1, 10.1.2.3", "", "198.51.100.1"},
		{"trusted single ip", "192.168.1.5:443", "", "198.51.100.9", "198.51.100.9"},
		{"trusted without headers", "10.1.2.3:443", "", "", "10.1.2.3"},
		{"ipv6 peer", "[2001:db8::1]:8080", "", "", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := resolver.ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := NewClientIPResolver([]string{"not-an-ip"}); err == nil {
		t.Error("expected error for invalid proxy entry")
	}
}
