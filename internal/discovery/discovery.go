// Package discovery advertises cameras on the local network with DNS-SD
// over mDNS and lets viewers find them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type cameras register.
	Service = "_p2pcam._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// Version is advertised in the v TXT key.
	Version = "1"

	// DefaultBrowseTimeout bounds Browse when ctx has no deadline.
	DefaultBrowseTimeout = 3 * time.Second
)

var (
	ErrClosed         = errors.New("discovery: advertiser closed")
	ErrAlreadyStarted = errors.New("discovery: already advertising")
)

// MDNSServer is a running registration.
type MDNSServer interface {
	Shutdown()
}

// MDNSServerFactory registers services. Tests substitute a fake.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Instance is the DNS-SD instance name (default "p2pcam-<hostname>").
	Instance string
	Port     int
	// TLS is advertised so viewers pick the right scheme.
	TLS bool
	// Interfaces restricts the advertisement; nil means all.
	Interfaces    []net.Interface
	ServerFactory MDNSServerFactory
	Logger        *slog.Logger
}

// Advertiser publishes one camera.
type Advertiser struct {
	cfg     AdvertiserConfig
	factory MDNSServerFactory

	mu     sync.Mutex
	server MDNSServer
	closed bool
}

// NewAdvertiser returns an Advertiser. Nothing is published until Start.
func NewAdvertiser(cfg AdvertiserConfig) (*Advertiser, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "camera"
		}
		cfg.Instance = "p2pcam-" + strings.Split(host, ".")[0]
	}
	factory := cfg.ServerFactory
	if factory == nil {
		factory = zeroconfServerFactory{}
	}
	return &Advertiser{cfg: cfg, factory: factory}, nil
}

// TXT returns the TXT records for the advertisement.
func (a *Advertiser) TXT() []string {
	tls := "0"
	if a.cfg.TLS {
		tls = "1"
	}
	return []string{"v=" + Version, "tls=" + tls}
}

// Start registers the service.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}
	server, err := a.factory.Register(a.cfg.Instance, Service, Domain, a.cfg.Port, a.TXT(), a.cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", Service, err)
	}
	a.server = server
	a.cfg.Logger.Info("advertising camera", "instance", a.cfg.Instance, "port", a.cfg.Port, "tls", a.cfg.TLS)
	return nil
}

// Close withdraws the advertisement. It is safe to call more than once.
func (a *Advertiser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Camera is a camera found by Browse.
type Camera struct {
	Instance string
	HostName string
	Port     int
	IPs      []net.IP
	TLS      bool
	Version  string
}

// Target returns the camera address in the form the client accepts.
func (c Camera) Target() string {
	host := strings.TrimSuffix(c.HostName, ".")
	if len(c.IPs) > 0 {
		host = c.IPs[0].String()
	}
	scheme := "tcp"
	if c.TLS {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, fmt.Sprint(c.Port)))
}

// MDNSResolver browses for services. Tests substitute a fake.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Browse collects cameras until ctx is done. When ctx has no deadline,
// DefaultBrowseTimeout applies. A nil resolver uses zeroconf.
func Browse(ctx context.Context, resolver MDNSResolver) ([]Camera, error) {
	if resolver == nil {
		r, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("discovery: new resolver: %w", err)
		}
		resolver = r
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	seen := map[string]Camera{}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return sorted(seen), nil
			}
			if e == nil {
				continue
			}
			seen[e.Instance] = fromEntry(e)
		case <-ctx.Done():
			return sorted(seen), nil
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry) Camera {
	c := Camera{
		Instance: e.Instance,
		HostName: e.HostName,
		Port:     e.Port,
	}
	c.IPs = append(c.IPs, e.AddrIPv4...)
	c.IPs = append(c.IPs, e.AddrIPv6...)
	for _, kv := range e.Text {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "tls":
			c.TLS = v == "1"
		case "v":
			c.Version = v
		}
	}
	return c
}

func sorted(m map[string]Camera) []Camera {
	out := make([]Camera, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
