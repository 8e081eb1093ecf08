package client

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultPort is the camera port assumed when the address has none.
const DefaultPort = "4747"

// Schemes accepted in camera addresses.
const (
	SchemeTCP       = "tcp"
	SchemeTLS       = "tls"
	SchemeWebSocket = "ws"
	SchemeSecureWS  = "wss"
)

// Target is a parsed camera address.
type Target struct {
	Scheme string
	// Address is host:port for tcp and tls targets.
	Address string
	// URL is the full URL for ws and wss targets.
	URL string
}

func (t Target) String() string {
	if t.URL != "" {
		return t.URL
	}
	return t.Scheme + "://" + t.Address
}

// ParseTarget normalizes a camera address.
//
// Accepted input formats:
//   - Bare host: "camera.local" → tcp://camera.local:4747
//   - Host and port: "192.168.1.20:5000" → tcp://192.168.1.20:5000
//   - With scheme: "tls://camera.local" → tls://camera.local:4747
//   - WebSocket URL: "wss://example.com/p2pcam" → used as-is
func ParseTarget(input string) (Target, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Target{}, fmt.Errorf("empty camera address")
	}

	scheme := SchemeTCP
	rest := input
	if i := strings.Index(input, "://"); i >= 0 {
		scheme = strings.ToLower(input[:i])
		rest = input[i+3:]
	}

	switch scheme {
	case SchemeWebSocket, SchemeSecureWS:
		u, err := url.Parse(scheme + "://" + rest)
		if err != nil || u.Host == "" {
			return Target{}, fmt.Errorf("invalid camera URL %q", input)
		}
		return Target{Scheme: scheme, URL: u.String()}, nil
	case SchemeTCP, SchemeTLS:
		rest = strings.TrimSuffix(rest, "/")
		if rest == "" || strings.Contains(rest, "/") {
			return Target{}, fmt.Errorf("invalid camera address %q", input)
		}
		return Target{Scheme: scheme, Address: withDefaultPort(rest)}, nil
	default:
		return Target{}, fmt.Errorf("unsupported scheme %q", scheme)
	}
}

func withDefaultPort(hostport string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	host := strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
	return net.JoinHostPort(host, DefaultPort)
}
