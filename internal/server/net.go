package server

import (
	"net"
	"net/netip"
	"time"
)

// setTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func setTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// connSemaphore limits concurrent viewers. A nil channel (from
// newConnSemaphore(0)) imposes no limit.
type connSemaphore struct {
	ch chan struct{}
}

func newConnSemaphore(max int) *connSemaphore {
	if max <= 0 {
		return &connSemaphore{}
	}
	return &connSemaphore{ch: make(chan struct{}, max)}
}

// tryAcquire never blocks; a full semaphore rejects the connection.
func (s *connSemaphore) tryAcquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *connSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}

// isAllowed checks the viewer's address against the allowlist.
// Entries can be:
//   - "*" to allow everything
//   - a CIDR such as "192.168.0.0/16"
//   - a single IP address
//
// An empty allowlist allows everything.
func isAllowed(remote net.Addr, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	ip, ok := remoteIP(remote)
	if !ok {
		return false
	}
	for _, entry := range allowList {
		if entry == "*" {
			return true
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(ip) {
				return true
			}
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil && addr.Unmap() == ip {
			return true
		}
	}
	return false
}

func remoteIP(addr net.Addr) (netip.Addr, bool) {
	if addr == nil {
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}
