package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct{ shutdowns int }

func (s *fakeServer) Shutdown() { s.shutdowns++ }

type registration struct {
	instance, service, domain string
	port                      int
	txt                       []string
}

type fakeFactory struct {
	regs   []registration
	server *fakeServer
	err    error
}

func (f *fakeFactory) Register(instance, service, domain string, port int, txt []string, _ []net.Interface) (MDNSServer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.regs = append(f.regs, registration{instance, service, domain, port, txt})
	f.server = &fakeServer{}
	return f.server, nil
}

func newTestAdvertiser(t *testing.T, f *fakeFactory, tls bool) *Advertiser {
	t.Helper()
	a, err := NewAdvertiser(AdvertiserConfig{
		Instance:      "kitchen",
		Port:          4747,
		TLS:           tls,
		ServerFactory: f,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return a
}

func TestAdvertiserRegisters(t *testing.T) {
	f := &fakeFactory{}
	a := newTestAdvertiser(t, f, true)

	require.NoError(t, a.Start())
	require.Len(t, f.regs, 1)
	reg := f.regs[0]
	assert.Equal(t, "kitchen", reg.instance)
	assert.Equal(t, "_p2pcam._tcp", reg.service)
	assert.Equal(t, "local.", reg.domain)
	assert.Equal(t, 4747, reg.port)
	assert.Equal(t, []string{"v=1", "tls=1"}, reg.txt)

	require.ErrorIs(t, a.Start(), ErrAlreadyStarted)

	a.Close()
	a.Close()
	assert.Equal(t, 1, f.server.shutdowns)
	require.ErrorIs(t, a.Start(), ErrClosed)
}

func TestAdvertiserRegisterError(t *testing.T) {
	f := &fakeFactory{err: errors.New("no multicast interface")}
	a := newTestAdvertiser(t, f, false)
	require.ErrorContains(t, a.Start(), "no multicast interface")
}

func TestAdvertiserInvalidPort(t *testing.T) {
	_, err := NewAdvertiser(AdvertiserConfig{Port: 0})
	require.Error(t, err)
}

type fakeResolver struct {
	entries []*zeroconf.ServiceEntry
}

func (r *fakeResolver) Browse(ctx context.Context, service, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	if service != Service {
		return errors.New("unexpected service " + service)
	}
	go func() {
		for _, e := range r.entries {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func entry(instance string, port int, ip string, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, Service, Domain)
	e.HostName = instance + ".local."
	e.Port = port
	e.Text = txt
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

func TestBrowse(t *testing.T) {
	r := &fakeResolver{entries: []*zeroconf.ServiceEntry{
		entry("porch", 4747, "192.168.1.30", "v=1", "tls=1"),
		entry("garage", 5000, "", "v=1", "tls=0"),
		entry("porch", 4747, "192.168.1.30", "v=1", "tls=1"),
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cams, err := Browse(ctx, r)
	require.NoError(t, err)
	require.Len(t, cams, 2, "duplicates collapse")

	assert.Equal(t, "garage", cams[0].Instance)
	assert.False(t, cams[0].TLS)
	assert.Equal(t, "tcp://garage.local:5000", cams[0].Target())

	assert.Equal(t, "porch", cams[1].Instance)
	assert.True(t, cams[1].TLS)
	assert.Equal(t, "1", cams[1].Version)
	assert.Equal(t, "tls://192.168.1.30:4747", cams[1].Target())
}
