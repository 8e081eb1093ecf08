package natpmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/jackpal/gateway"

	"github.com/philsphicas/p2pcam/internal/nat"
)

// DefaultLifetime is the mapping lifetime requested by MapPort.
const DefaultLifetime = 30 * 24 * time.Hour

const defaultTimeout = 3 * time.Second

// Config configures a Client.
type Config struct {
	// Gateway is the NAT-PMP server address. When zero the default gateway
	// of the host is used.
	Gateway netip.Addr
	// Port overrides the server port (default Port).
	Port int
	// Timeout bounds each request (default 3s). Requests are sent once.
	Timeout time.Duration
	// Lifetime is requested for new mappings (default DefaultLifetime).
	Lifetime time.Duration
	Logger   *slog.Logger
}

// Client talks NAT-PMP to one gateway. It is safe for concurrent use; every
// request uses its own socket.
type Client struct {
	addr     string
	timeout  time.Duration
	lifetime time.Duration
	logger   *slog.Logger
}

// DiscoverGateway returns the host's default gateway.
func DiscoverGateway() (netip.Addr, error) {
	ip, err := gateway.DiscoverGateway()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("discover gateway: %w", err)
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("discover gateway: invalid address %v", ip)
	}
	return addr.Unmap(), nil
}

// New returns a Client for cfg.Gateway, discovering it if unset.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = Port
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if !cfg.Gateway.IsValid() {
		gw, err := DiscoverGateway()
		if err != nil {
			return nil, err
		}
		cfg.Gateway = gw
	}
	return &Client{
		addr:     net.JoinHostPort(cfg.Gateway.String(), strconv.Itoa(cfg.Port)),
		timeout:  cfg.Timeout,
		lifetime: cfg.Lifetime,
		logger:   cfg.Logger.With("gateway", cfg.Gateway.String()),
	}, nil
}

// Method implements nat.Mapper.
func (c *Client) Method() string { return "natpmp" }

// ExternalAddress asks the gateway for its public IPv4 address.
func (c *Client) ExternalAddress(ctx context.Context) (ExternalAddressResponse, error) {
	resp, err := c.roundTrip(ctx, OpExternalAddress, ExternalAddressRequest())
	if err != nil {
		return ExternalAddressResponse{}, err
	}
	r, ok := resp.(ExternalAddressResponse)
	if !ok {
		return ExternalAddressResponse{}, fmt.Errorf("%w: got %s response", ErrUnknownOperation, resp.Opcode())
	}
	return r, nil
}

// Map sends req and returns the gateway's answer.
func (c *Client) Map(ctx context.Context, req MapRequest) (MapResponse, error) {
	data, err := req.MarshalBinary()
	if err != nil {
		return MapResponse{}, err
	}
	resp, err := c.roundTrip(ctx, req.Op, data)
	if err != nil {
		return MapResponse{}, err
	}
	r, ok := resp.(MapResponse)
	if !ok {
		return MapResponse{}, fmt.Errorf("%w: got %s response", ErrUnknownOperation, resp.Opcode())
	}
	return r, nil
}

// MapPort implements nat.Mapper. It requests the same external port as
// the internal one; the gateway may assign a different one.
func (c *Client) MapPort(ctx context.Context, proto nat.Protocol, port int, _ string) (nat.Mapping, error) {
	op, err := mapOp(proto)
	if err != nil {
		return nat.Mapping{}, err
	}
	if port <= 0 || port > 65535 {
		return nat.Mapping{}, fmt.Errorf("natpmp: invalid port %d", port)
	}
	addr, err := c.ExternalAddress(ctx)
	if err != nil {
		return nat.Mapping{}, err
	}
	resp, err := c.Map(ctx, MapRequest{
		Op:           op,
		InternalPort: uint16(port),
		ExternalPort: uint16(port),
		Lifetime:     uint32(c.lifetime / time.Second),
	})
	if err != nil {
		return nat.Mapping{}, err
	}
	m := nat.Mapping{
		Method:       c.Method(),
		Protocol:     proto,
		InternalPort: int(resp.InternalPort),
		ExternalPort: int(resp.ExternalPort),
		ExternalIP:   addr.Address,
		Lifetime:     time.Duration(resp.Lifetime) * time.Second,
	}
	c.logger.Info("port mapped", "external", m.External(), "internal_port", port, "lifetime", m.Lifetime)
	return m, nil
}

// RemoveMapping implements nat.Mapper by requesting a zero lifetime.
func (c *Client) RemoveMapping(ctx context.Context, proto nat.Protocol, port int) error {
	op, err := mapOp(proto)
	if err != nil {
		return err
	}
	_, err = c.Map(ctx, MapRequest{Op: op, InternalPort: uint16(port)})
	return err
}

func mapOp(proto nat.Protocol) (Op, error) {
	switch proto {
	case nat.TCP:
		return OpMapTCP, nil
	case nat.UDP:
		return OpMapUDP, nil
	default:
		return 0, fmt.Errorf("natpmp: unsupported protocol %q", proto)
	}
}

// roundTrip sends one request and waits for one response. There is no
// retransmission.
func (c *Client) roundTrip(ctx context.Context, op Op, req []byte) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("natpmp: dial %s: %w", c.addr, err)
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("natpmp: send %s: %w", op, err)
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return nil, fmt.Errorf("natpmp: read %s response: %w", op, err)
	}
	resp, err := DecodeResponse(buf[:n])
	if err != nil {
		return nil, err
	}
	if resp.Opcode() != op {
		return nil, fmt.Errorf("%w: %s response to %s request", ErrUnknownOperation, resp.Opcode(), op)
	}
	if resp.Result() != ResultSuccess {
		return nil, &ResultError{Op: op, Code: resp.Result()}
	}
	return resp, nil
}
