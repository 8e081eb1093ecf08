package server

import (
	"net"
	"testing"
)

func TestConnSemaphore_Unlimited(t *testing.T) {
	sem := newConnSemaphore(0)
	for range 100 {
		if !sem.tryAcquire() {
			t.Fatal("unlimited semaphore should always acquire")
		}
	}
	// Release should not panic on nil channel.
	sem.release()
}

func TestConnSemaphore_Limited(t *testing.T) {
	sem := newConnSemaphore(2)

	if !sem.tryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if !sem.tryAcquire() {
		t.Fatal("second acquire should succeed")
	}
	if sem.tryAcquire() {
		t.Fatal("third acquire should fail at capacity")
	}
	sem.release()
	if !sem.tryAcquire() {
		t.Fatal("acquire after release should succeed")
	}
}

func TestIsAllowed(t *testing.T) {
	tcp := func(s string) net.Addr {
		addr, err := net.ResolveTCPAddr("tcp", s)
		if err != nil {
			t.Fatal(err)
		}
		return addr
	}
	tests := []struct {
		name      string
		remote    net.Addr
		allowList []string
		want      bool
	}{
		{"empty list", tcp("10.0.0.1:5000"), nil, true},
		{"wildcard", tcp("10.0.0.1:5000"), []string{"*"}, true},
		{"exact match", tcp("10.0.0.1:5000"), []string{"10.0.0.1"}, true},
		{"exact no match", tcp("10.0.0.1:5000"), []string{"10.0.0.2"}, false},
		{"cidr match", tcp("192.168.4.20:5000"), []string{"192.168.0.0/16"}, true},
		{"cidr no match", tcp("172.16.0.1:5000"), []string{"192.168.0.0/16"}, false},
		{"multiple entries", tcp("10.0.0.5:5000"), []string{"192.168.0.0/16", "10.0.0.0/8"}, true},
		{"ipv6", tcp("[fd00::5]:5000"), []string{"fd00::/8"}, true},
		{"mapped ipv4", tcp("[::ffff:10.0.0.1]:5000"), []string{"10.0.0.0/8"}, true},
		{"garbage entry", tcp("10.0.0.1:5000"), []string{"not-an-ip"}, false},
		{"unparseable remote", httpAddr("pipe"), []string{"10.0.0.0/8"}, false},
		{"nil remote", nil, []string{"*"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isAllowed(tt.remote, tt.allowList)
			if got != tt.want {
				t.Errorf("isAllowed(%v, %v) = %v, want %v", tt.remote, tt.allowList, got, tt.want)
			}
		})
	}
}
