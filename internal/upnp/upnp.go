// Package upnp maps ports through a UPnP Internet Gateway Device.
//
// Gateways are discovered with SSDP via goupnp. WANIPConnection1,
// WANIPConnection2 and WANPPPConnection1 services are supported; the first
// one found is used for mapping.
package upnp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/philsphicas/p2pcam/internal/nat"
)

var (
	// ErrDiscovery is returned when SSDP discovery itself fails.
	ErrDiscovery = errors.New("upnp: gateway discovery failed")
	// ErrGatewayNotFound is returned when no IGD answered discovery.
	ErrGatewayNotFound = errors.New("upnp: no gateway found")
	// ErrMapping is returned when a gateway rejects a mapping operation.
	ErrMapping = errors.New("upnp: port mapping failed")
)

// IGD is the subset of the WAN connection services used for port mapping.
// The goupnp clients for WANIPConnection1, WANIPConnection2 and
// WANPPPConnection1 all implement it.
type IGD interface {
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	GetSpecificPortMappingEntryCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) (
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32, err error)
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
}

// Gateway is a discovered IGD service.
type Gateway struct {
	// Address is the gateway host as seen from the LAN.
	Address string
	// DescriptionURL is the device description location.
	DescriptionURL string
	// Service is the WAN connection service type.
	Service      string
	FriendlyName string

	client IGD
}

// MappingEntry is an existing entry in the gateway's mapping table.
type MappingEntry struct {
	Protocol       nat.Protocol
	ExternalPort   int
	InternalPort   int
	InternalClient string
	// RemoteHost is the peer the entry is restricted to. Existing entries
	// reported by MapPort carry the external address when the gateway
	// names none.
	RemoteHost  string
	Description string
	Enabled     bool
	Lifetime    time.Duration
}

// Discoverer finds gateways on the LAN.
type Discoverer func(ctx context.Context) ([]Gateway, error)

// Discover runs SSDP discovery for all supported WAN connection services.
func Discover(ctx context.Context) ([]Gateway, error) {
	var (
		mu       sync.Mutex
		gateways []Gateway
		errs     []error
		wg       sync.WaitGroup
	)
	collect := func(service string, found []Gateway, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", service, err))
			return
		}
		gateways = append(gateways, found...)
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
		var found []Gateway
		for _, c := range clients {
			found = append(found, newGateway(internetgateway2.URN_WANIPConnection_2, c.Location, c.RootDevice.Device.FriendlyName, c))
		}
		collect(internetgateway2.URN_WANIPConnection_2, found, err)
	}()
	go func() {
		defer wg.Done()
		clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
		var found []Gateway
		for _, c := range clients {
			found = append(found, newGateway(internetgateway2.URN_WANIPConnection_1, c.Location, c.RootDevice.Device.FriendlyName, c))
		}
		collect(internetgateway2.URN_WANIPConnection_1, found, err)
	}()
	go func() {
		defer wg.Done()
		clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
		var found []Gateway
		for _, c := range clients {
			found = append(found, newGateway(internetgateway2.URN_WANPPPConnection_1, c.Location, c.RootDevice.Device.FriendlyName, c))
		}
		collect(internetgateway2.URN_WANPPPConnection_1, found, err)
	}()
	wg.Wait()

	if len(gateways) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, errors.Join(errs...))
	}
	return gateways, nil
}

func newGateway(service string, location *url.URL, name string, client IGD) Gateway {
	g := Gateway{Service: service, FriendlyName: name, client: client}
	if location != nil {
		g.DescriptionURL = location.String()
		g.Address = location.Hostname()
	}
	return g
}

// NewGateway wraps an IGD client, for callers that discover gateways
// themselves.
func NewGateway(address, service string, client IGD) Gateway {
	return Gateway{Address: address, Service: service, client: client}
}

// Config configures a Client.
type Config struct {
	// Discover finds gateways (default Discover).
	Discover Discoverer
	// LocalAddr returns the LAN address the gateway should forward to.
	// The default picks the source address used to reach the gateway.
	LocalAddr func(gatewayHost string) (string, error)
	// Lifetime is requested for new mappings; zero asks for a permanent
	// mapping.
	Lifetime time.Duration
	Logger   *slog.Logger
}

// Client maps ports on the first gateway found. Discovery runs lazily on
// the first operation and its result is kept.
type Client struct {
	cfg Config

	mu      sync.Mutex
	gateway *Gateway
}

// New returns a Client.
func New(cfg Config) *Client {
	if cfg.Discover == nil {
		cfg.Discover = Discover
	}
	if cfg.LocalAddr == nil {
		cfg.LocalAddr = localAddrFor
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg}
}

// Method implements nat.Mapper.
func (c *Client) Method() string { return "upnp" }

// Gateways runs discovery and returns every gateway found.
func (c *Client) Gateways(ctx context.Context) ([]Gateway, error) {
	gws, err := c.cfg.Discover(ctx)
	if err != nil {
		return nil, err
	}
	for _, gw := range gws {
		c.cfg.Logger.Info("gateway found", "address", gw.Address, "service", gw.Service, "name", gw.FriendlyName)
	}
	return gws, nil
}

func (c *Client) selectGateway(ctx context.Context) (*Gateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gateway != nil {
		return c.gateway, nil
	}
	gws, err := c.Gateways(ctx)
	if err != nil {
		return nil, err
	}
	if len(gws) == 0 {
		return nil, ErrGatewayNotFound
	}
	c.gateway = &gws[0]
	return c.gateway, nil
}

// ExternalAddress returns the gateway's public address.
func (c *Client) ExternalAddress(ctx context.Context) (netip.Addr, error) {
	gw, err := c.selectGateway(ctx)
	if err != nil {
		return netip.Addr{}, err
	}
	return externalAddress(ctx, gw)
}

func externalAddress(ctx context.Context, gw *Gateway) (netip.Addr, error) {
	s, err := gw.client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: get external address: %w", ErrMapping, err)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: gateway returned external address %q", ErrMapping, s)
	}
	return addr, nil
}

// Entry looks up the gateway's mapping for port. ok is false when there is
// none.
func (c *Client) Entry(ctx context.Context, proto nat.Protocol, port int) (MappingEntry, bool, error) {
	gw, err := c.selectGateway(ctx)
	if err != nil {
		return MappingEntry{}, false, err
	}
	return entry(ctx, gw, proto, port)
}

func entry(ctx context.Context, gw *Gateway, proto nat.Protocol, port int) (MappingEntry, bool, error) {
	internalPort, client, enabled, desc, lease, err := gw.client.GetSpecificPortMappingEntryCtx(ctx, "", uint16(port), string(proto))
	if err != nil {
		// Gateways report a missing entry as a SOAP fault (714
		// NoSuchEntryInArray); any fault here is treated as absent.
		return MappingEntry{}, false, nil //nolint:nilerr // absence is not an error
	}
	return MappingEntry{
		Protocol:       proto,
		ExternalPort:   port,
		InternalPort:   int(internalPort),
		InternalClient: client,
		Description:    desc,
		Enabled:        enabled,
		Lifetime:       time.Duration(lease) * time.Second,
	}, true, nil
}

// MapPort implements nat.Mapper. An existing entry for the port is left
// untouched and reported with AlreadyMapped.
func (c *Client) MapPort(ctx context.Context, proto nat.Protocol, port int, description string) (nat.Mapping, error) {
	if port <= 0 || port > 65535 {
		return nat.Mapping{}, fmt.Errorf("%w: invalid port %d", ErrMapping, port)
	}
	gw, err := c.selectGateway(ctx)
	if err != nil {
		return nat.Mapping{}, err
	}
	logger := c.cfg.Logger.With("gateway", gw.Address, "port", port, "protocol", proto)

	external, extErr := externalAddress(ctx, gw)
	if extErr != nil {
		logger.Warn("external address unavailable", "error", extErr)
	}

	if e, ok, _ := entry(ctx, gw, proto, port); ok {
		if e.RemoteHost == "" && external.IsValid() {
			e.RemoteHost = external.String()
		}
		logger.Info("port already mapped", "internal_client", e.InternalClient, "remote_host", e.RemoteHost, "description", e.Description)
		return nat.Mapping{
			Method:         c.Method(),
			Protocol:       proto,
			InternalPort:   e.InternalPort,
			ExternalPort:   port,
			ExternalIP:     external,
			Lifetime:       e.Lifetime,
			InternalClient: e.InternalClient,
			RemoteHost:     e.RemoteHost,
			AlreadyMapped:  true,
		}, nil
	}

	local, err := c.cfg.LocalAddr(gw.Address)
	if err != nil {
		return nat.Mapping{}, fmt.Errorf("%w: local address: %w", ErrMapping, err)
	}
	lease := uint32(c.cfg.Lifetime / time.Second)
	if err := gw.client.AddPortMappingCtx(ctx, "", uint16(port), string(proto), uint16(port), local, true, description, lease); err != nil {
		return nat.Mapping{}, fmt.Errorf("%w: add %s %d: %w", ErrMapping, proto, port, err)
	}
	logger.Info("port mapped", "internal_client", local, "external", external)
	return nat.Mapping{
		Method:         c.Method(),
		Protocol:       proto,
		InternalPort:   port,
		ExternalPort:   port,
		ExternalIP:     external,
		Lifetime:       c.cfg.Lifetime,
		InternalClient: local,
	}, nil
}

// RemoveMapping implements nat.Mapper.
func (c *Client) RemoveMapping(ctx context.Context, proto nat.Protocol, port int) error {
	gw, err := c.selectGateway(ctx)
	if err != nil {
		return err
	}
	if err := gw.client.DeletePortMappingCtx(ctx, "", uint16(port), string(proto)); err != nil {
		return fmt.Errorf("%w: delete %s %d: %w", ErrMapping, proto, port, err)
	}
	c.cfg.Logger.Info("port mapping removed", "gateway", gw.Address, "port", port, "protocol", proto)
	return nil
}

// localAddrFor returns the local IP the host uses to reach gatewayHost.
// No packets are sent.
func localAddrFor(gatewayHost string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(gatewayHost, "1900"))
	if err != nil {
		return "", err
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
