package discovery

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleywu/routemesh/internal/registry"
)

const wgShowOutput = `interface: wg0
  public key: kZ2nN8c0yVv0Yy7pQ9c6eJ1mX3sF4tU5vW6xY7zA8B0=
  private key: (hidden)
  listening port: 51820

peer: aB1cD2eF3gH4iJ5kL6mN7oP8qR9sT0uV1wX2yZ3aB4c=
  endpoint: 203.0.113.7:51820
  allowed ips: 10.8.0.3/32, 192.168.50.0/24
  latest handshake: 1 minute, 2 seconds ago
  transfer: 1.21 MiB received, 3.40 MiB sent

peer: dE5fG6hI7jK8lM9nO0pQ1rS2tU3vW4xY5zA6bC7dE8f=
  allowed ips: 10.8.0.4/32, fd00:8::4/128

peer: gH9iJ0kL1mN2oP3qR4sT5uV6wX7yZ8aB9cD0eF1gH2i=
  endpoint: [2001:db8::9]:51820
  allowed ips: (none)
`

func TestParseWireGuardShow(t *testing.T) {
	peers := ParseWireGuardShow(wgShowOutput)
	require.Len(t, peers, 3)

	assert.Equal(t, "aB1cD2eF3gH4iJ5kL6mN7oP8qR9sT0uV1wX2yZ3aB4c=", peers[0].PublicKey)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.7:51820"), peers[0].Endpoint)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.8.0.3/32"),
		netip.MustParsePrefix("192.168.50.0/24"),
	}, peers[0].AllowedIPs)

	assert.False(t, peers[1].Endpoint.IsValid())
	assert.Len(t, peers[1].AllowedIPs, 2)

	assert.Equal(t, netip.MustParseAddrPort("[2001:db8::9]:51820"), peers[2].Endpoint)
	assert.Empty(t, peers[2].AllowedIPs)

	assert.Empty(t, ParseWireGuardShow("interface: wg0\n  listening port: 51820\n"))
}

func TestWireGuardSeeds(t *testing.T) {
	w := &WireGuardSeeds{run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "wg", name)
		switch strings.Join(args, " ") {
		case "show interfaces":
			return []byte("wg0 wg1\n"), nil
		case "show wg0":
			return []byte(wgShowOutput), nil
		default:
			return nil, errors.New("exit status 1")
		}
	}}

	seeds, err := w.Seeds(context.Background())
	require.NoError(t, err)
	// networks wider than one host are not seeds
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("203.0.113.7"),
		netip.MustParseAddr("10.8.0.3"),
		netip.MustParseAddr("10.8.0.4"),
		netip.MustParseAddr("fd00:8::4"),
		netip.MustParseAddr("2001:db8::9"),
	}, seeds)
}

func TestWireGuardSeedsFallsBackToSysfs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"eth0", "lo", "wg0"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	var shown []string
	w := &WireGuardSeeds{netClass: dir, run: func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if args[1] == "interfaces" {
			return nil, errors.New("executable file not found in $PATH")
		}
		shown = append(shown, args[1])
		return []byte("peer: x\n  allowed ips: 10.8.0.9/32\n"), nil
	}}

	seeds, err := w.Seeds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"wg0"}, shown)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.8.0.9")}, seeds)

	w.netClass = filepath.Join(dir, "missing")
	_, err = w.Seeds(context.Background())
	assert.Error(t, err)
}

func TestWireGuardSeedsAllInterfacesFail(t *testing.T) {
	w := &WireGuardSeeds{run: func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if args[1] == "interfaces" {
			return []byte("wg0\n"), nil
		}
		return nil, errors.New("operation not permitted")
	}}
	_, err := w.Seeds(context.Background())
	assert.ErrorContains(t, err, "wg show wg0")
}

func TestHostAddrs(t *testing.T) {
	tests := []struct {
		prefix string
		count  int
		ok     bool
		first  string
		last   string
	}{
		{prefix: "10.8.0.2/24", count: 253, ok: true, first: "10.8.0.1", last: "10.8.0.254"},
		{prefix: "10.8.0.1/30", count: 1, ok: true, first: "10.8.0.2", last: "10.8.0.2"},
		{prefix: "10.8.0.0/31", count: 1, ok: true, first: "10.8.0.1", last: "10.8.0.1"},
		{prefix: "10.8.0.5/31", count: 1, ok: true, first: "10.8.0.4", last: "10.8.0.4"},
		{prefix: "10.8.0.5/32", count: 0, ok: true},
		{prefix: "10.8.0.1/22", count: 1021, ok: true, first: "10.8.0.2", last: "10.8.3.254"},
		{prefix: "10.8.0.1/21", ok: false},
		{prefix: "fd00::2/64", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			hosts, ok := HostAddrs(netip.MustParsePrefix(tt.prefix), MaxSweepHosts)
			assert.Equal(t, tt.ok, ok)
			require.Len(t, hosts, tt.count)
			self := netip.MustParsePrefix(tt.prefix).Addr()
			assert.NotContains(t, hosts, self)
			if tt.count > 0 {
				assert.Equal(t, tt.first, hosts[0].String())
				assert.Equal(t, tt.last, hosts[len(hosts)-1].String())
			}
		})
	}
}

type sweepProber struct {
	alive   map[netip.Addr]bool
	mu      sync.Mutex
	port    uint16
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (p *sweepProber) Probe(ctx context.Context, target netip.AddrPort) (time.Duration, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	p.mu.Lock()
	p.port = target.Port()
	p.mu.Unlock()
	time.Sleep(time.Millisecond)
	if p.alive[target.Addr()] {
		return time.Millisecond, nil
	}
	return 0, context.DeadlineExceeded
}

func TestVPNSweepReportsResponders(t *testing.T) {
	prober := &sweepProber{alive: map[netip.Addr]bool{
		netip.MustParseAddr("10.8.0.3"):  true,
		netip.MustParseAddr("10.8.0.77"): true,
		netip.MustParseAddr("10.9.0.1"):  true,
	}}
	v := NewVPNSweep(prober, 5679)
	v.concurrency = 4
	v.prefixes = func() ([]netip.Prefix, error) {
		return []netip.Prefix{
			netip.MustParsePrefix("10.8.0.2/24"),
			// too large to sweep
			netip.MustParsePrefix("10.9.0.2/16"),
		}, nil
	}

	seeds, err := v.Seeds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.8.0.3"), netip.MustParseAddr("10.8.0.77")}, seeds)
	assert.LessOrEqual(t, prober.maxSeen.Load(), int32(4))
	assert.Equal(t, uint16(5679), prober.port)
}

func TestVPNSweepCancelled(t *testing.T) {
	v := NewVPNSweep(&sweepProber{}, 5679)
	v.prefixes = func() ([]netip.Prefix, error) {
		return []netip.Prefix{netip.MustParsePrefix("10.8.0.2/24")}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Seeds(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type staticSeeds struct {
	addrs []netip.Addr
	err   error
}

func (s staticSeeds) Name() string { return "static" }

func (s staticSeeds) Seeds(context.Context) ([]netip.Addr, error) { return s.addrs, s.err }

func TestAnnounceToSeedsSkipsKnownAddresses(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.DiscoveryPort = 5678
	f.svc.cfg.Seeds = []SeedSource{
		staticSeeds{err: errors.New("wg: not found")},
		staticSeeds{addrs: []netip.Addr{
			netip.MustParseAddr("10.8.0.3"),
			// our own address
			netip.MustParseAddr("192.168.1.10"),
			// held by a known node
			netip.MustParseAddr("192.168.1.50"),
			netip.MustParseAddr("::ffff:10.8.0.4"),
			netip.MustParseAddr("10.8.0.3"),
			netip.MustParseAddr("127.0.0.1"),
		}},
	}
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b"), netip.AddrPort{}))

	assert.Equal(t, 2, f.svc.AnnounceToSeeds(context.Background()))
	assert.ElementsMatch(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.8.0.3:5678"),
		netip.MustParseAddrPort("10.8.0.4:5678"),
	}, f.transport.unicastTargets())

	msg, err := Decode(f.transport.unicast[netip.MustParseAddrPort("10.8.0.3:5678")])
	require.NoError(t, err)
	a, ok := msg.(*Announce)
	require.True(t, ok)
	assert.Equal(t, "local", a.NodeID)
	assert.Equal(t, []string{"b"}, a.KnownPeers)
}

func TestNewNodeGetsUnicastReply(t *testing.T) {
	f := newFixture(t)
	from := netip.MustParseAddrPort("10.8.0.3:5678")

	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b"), from))
	assert.Equal(t, []netip.AddrPort{from}, f.transport.unicastTargets())

	// a node already known is not answered again
	delete(f.transport.unicast, from)
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b"), from))
	assert.Empty(t, f.transport.unicastTargets())
	node, ok := f.reg.Get("b")
	require.True(t, ok)
	assert.Equal(t, registry.StatusOnline, node.Status)
}
