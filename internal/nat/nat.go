// Package nat holds the types shared by the port mapping clients.
package nat

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Protocol is the transport protocol of a port mapping.
type Protocol string

const (
	TCP Protocol = "TCP"
	UDP Protocol = "UDP"
)

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(s) {
	case string(TCP):
		return TCP, nil
	case string(UDP):
		return UDP, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// Mapping describes a port forwarded by the gateway.
type Mapping struct {
	Method       string
	Protocol     Protocol
	InternalPort int
	ExternalPort int
	// ExternalIP is the gateway's public address when known.
	ExternalIP netip.Addr
	Lifetime   time.Duration
	// InternalClient is the LAN host the gateway forwards to, when known.
	InternalClient string
	// RemoteHost is the remote peer an existing entry is restricted to.
	RemoteHost string
	// AlreadyMapped is set when the gateway already had an entry for the
	// port and nothing was changed.
	AlreadyMapped bool
}

// External returns the public host:port, or "" if the address is unknown.
func (m Mapping) External() string {
	if !m.ExternalIP.IsValid() {
		return ""
	}
	return netip.AddrPortFrom(m.ExternalIP, uint16(m.ExternalPort)).String()
}

// Mapper asks the local gateway to forward a port. Implementations do not
// retry; failures are returned to the caller.
type Mapper interface {
	// Method names the mapping protocol, e.g. "upnp".
	Method() string
	MapPort(ctx context.Context, proto Protocol, port int, description string) (Mapping, error)
	RemoveMapping(ctx context.Context, proto Protocol, port int) error
}
