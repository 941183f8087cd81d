package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleywu/routemesh/internal/registry"
	"github.com/wesleywu/routemesh/internal/utils"
)

type memTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	unicast map[netip.AddrPort][]byte
	in      chan []byte
	closed  atomic.Bool
}

func newMemTransport() *memTransport {
	return &memTransport{in: make(chan []byte, 16), unicast: make(map[netip.AddrPort][]byte)}
}

func (m *memTransport) SendTo(_ context.Context, data []byte, to netip.AddrPort) error {
	if m.closed.Load() {
		return net.ErrClosed
	}
	m.mu.Lock()
	m.unicast[to] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) unicastTargets() []netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(m.unicast))
	for to := range m.unicast {
		out = append(out, to)
	}
	return out
}

func (m *memTransport) Send(_ context.Context, data []byte) error {
	if m.closed.Load() {
		return net.ErrClosed
	}
	m.mu.Lock()
	m.sent = append(m.sent, append([]byte(nil), data...))
	m.mu.Unlock()
	return nil
}

func (m *memTransport) ReadFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	select {
	case <-ctx.Done():
		return 0, netip.AddrPort{}, ctx.Err()
	case data := <-m.in:
		return copy(buf, data), netip.MustParseAddrPort("192.168.1.50:5678"), nil
	}
}

func (m *memTransport) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *memTransport) messages(t *testing.T) []Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.sent))
	for _, data := range m.sent {
		msg, err := Decode(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	peers []registry.NodeInfo
	err   error
}

func (f *fakeFetcher) FetchPeers(_ context.Context, node registry.Node) ([]registry.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, node.ID)
	return f.peers, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fixture struct {
	mock      *clock.Mock
	reg       *registry.Registry
	transport *memTransport
	fetcher   *fakeFetcher
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mock:      clock.NewMock(),
		transport: newMemTransport(),
		fetcher:   &fakeFetcher{},
	}
	f.reg = registry.New("local", registry.WithClock(f.mock))
	svc, err := NewService(Config{
		Hostname:     "local-host",
		Version:      "test",
		APIPort:      8080,
		Interval:     30 * time.Second,
		ReapInterval: 10 * time.Second,
		Backoff:      utils.Backoff{MaxAttempts: 1},
	}, f.reg, f.transport, f.fetcher,
		WithClock(f.mock),
		WithAddressSource(func() ([]netip.Addr, error) {
			return []netip.Addr{netip.MustParseAddr("192.168.1.10")}, nil
		}))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func announce(t *testing.T, id string, known ...string) []byte {
	t.Helper()
	data, err := Encode(&Announce{
		NodeID:     id,
		Hostname:   "host-" + id,
		Addresses:  []netip.Addr{netip.MustParseAddr("192.168.1.50")},
		Port:       8080,
		KnownPeers: known,
	})
	require.NoError(t, err)
	return data
}

func TestHandleAnnounceUpsertsNode(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b"), netip.AddrPort{}))
	node, ok := f.reg.Get("b")
	require.True(t, ok)
	assert.Equal(t, registry.StatusOnline, node.Status)
	assert.Equal(t, registry.ViaBroadcast, node.DiscoveredVia)
	assert.Equal(t, "host-b", node.Hostname)
	assert.Zero(t, f.fetcher.callCount())
}

func TestHandleAnnounceIgnoresSelf(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "local", "x"), netip.AddrPort{}))
	assert.Empty(t, f.reg.KnownIDs())
	assert.Zero(t, f.fetcher.callCount())
}

func TestHandleAnnounceUsesSourceAddressWhenEmpty(t *testing.T) {
	f := newFixture(t)
	data, err := Encode(&Announce{NodeID: "b", Port: 8080})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleMessage(context.Background(), data, netip.MustParseAddrPort("10.1.2.3:5678")))
	node, _ := f.reg.Get("b")
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.1.2.3")}, node.Addresses)
}

func TestUnknownPeerTriggersOnePull(t *testing.T) {
	f := newFixture(t)
	f.fetcher.peers = []registry.NodeInfo{
		{ID: "c", Hostname: "host-c", Addresses: []netip.Addr{netip.MustParseAddr("192.168.1.60")}, Port: 8080},
		{ID: "local"},
	}

	// "local" and the announcer itself never trigger a pull
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b", "local", "b", "c"), netip.AddrPort{}))
	assert.Eventually(t, func() bool { return f.reg.Has("c") }, time.Second, 5*time.Millisecond)

	node, _ := f.reg.Get("c")
	assert.Equal(t, registry.StatusDiscovered, node.Status)
	assert.Equal(t, registry.ViaGossip, node.DiscoveredVia)

	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b", "c"), netip.AddrPort{}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.fetcher.callCount())
	assert.Equal(t, []string{"b"}, f.fetcher.calls)
}

func TestFailedPullIsRetriedOnNextAnnounce(t *testing.T) {
	f := newFixture(t)
	f.fetcher.setErr(errors.New("connection refused"))

	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b", "c"), netip.AddrPort{}))
	assert.Eventually(t, func() bool {
		return f.fetcher.callCount() == 1 && !f.svc.pulled.Contains("c")
	}, time.Second, 5*time.Millisecond)

	f.fetcher.setErr(nil)
	f.fetcher.mu.Lock()
	f.fetcher.peers = []registry.NodeInfo{{ID: "c"}}
	f.fetcher.mu.Unlock()

	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b", "c"), netip.AddrPort{}))
	assert.Eventually(t, func() bool { return f.reg.Has("c") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.fetcher.callCount())
}

func TestPeerListCannotEvict(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "a"), netip.AddrPort{}))
	// b's peer list knows nothing about a
	f.fetcher.peers = []registry.NodeInfo{{ID: "z"}}
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b", "z"), netip.AddrPort{}))

	assert.Eventually(t, func() bool { return f.reg.Has("z") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "z"}, f.reg.KnownIDs())
}

func TestHandleGoodbye(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b"), netip.AddrPort{}))

	bye, err := Encode(&Goodbye{NodeID: "b", Reason: "shutdown"})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleMessage(context.Background(), bye, netip.AddrPort{}))
	node, _ := f.reg.Get("b")
	assert.Equal(t, registry.StatusOffline, node.Status)

	// unknown nodes saying goodbye are not an error
	bye, err = Encode(&Goodbye{NodeID: "nobody", Reason: "shutdown"})
	require.NoError(t, err)
	assert.NoError(t, f.svc.HandleMessage(context.Background(), bye, netip.AddrPort{}))
}

func TestHandleRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleMessage(context.Background(), []byte(`{"type":"ping"}`), netip.AddrPort{})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestAnnouncementContents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b"), netip.AddrPort{}))

	ann := f.svc.Announcement()
	assert.Equal(t, "local", ann.NodeID)
	assert.Equal(t, "local-host", ann.Hostname)
	assert.Equal(t, 8080, ann.Port)
	assert.Equal(t, []string{"b"}, ann.KnownPeers)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.1.10")}, ann.Addresses)
}

func TestRunAnnouncesReapsAndSaysGoodbye(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.HandleMessage(context.Background(), announce(t, "b"), netip.AddrPort{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(f.transport.messages(t)) >= 1 }, time.Second, 5*time.Millisecond)

	// inbound datagrams reach the registry
	f.transport.in <- announce(t, "d")
	assert.Eventually(t, func() bool { return f.reg.Has("d") }, time.Second, 5*time.Millisecond)

	// b and d go silent past the peer timeout
	assert.Eventually(t, func() bool {
		f.mock.Add(10 * time.Second)
		node, _ := f.reg.Get("b")
		return node.Status == registry.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	msgs := f.transport.messages(t)
	require.NotEmpty(t, msgs)
	assert.IsType(t, &Announce{}, msgs[0])
	assert.Equal(t, &Goodbye{NodeID: "local", Reason: "shutdown"}, msgs[len(msgs)-1])
	assert.True(t, f.transport.closed.Load())
}

func TestHTTPPeerFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PeersPath, r.URL.Path)
		_ = json.NewEncoder(w).Encode(PeersResponse{
			NodeID: "b",
			Peers: []registry.Node{{
				ID:        "c",
				Hostname:  "host-c",
				Addresses: []netip.Addr{netip.MustParseAddr("10.0.0.3")},
				Port:      8080,
				Status:    registry.StatusOnline,
			}},
		})
	}))
	defer srv.Close()

	ap := netip.MustParseAddrPort(srv.Listener.Addr().String())
	node := registry.Node{
		ID: "b",
		// the first address is unreachable, the fetcher moves on
		Addresses: []netip.Addr{netip.MustParseAddr("127.0.0.2"), ap.Addr()},
		Port:      int(ap.Port()),
	}
	if !canDial("127.0.0.2") {
		node.Addresses = node.Addresses[1:]
	}

	infos, err := NewHTTPPeerFetcher(time.Second).FetchPeers(context.Background(), node)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "c", infos[0].ID)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.3")}, infos[0].Addresses)

	_, err = NewHTTPPeerFetcher(time.Second).FetchPeers(context.Background(), registry.Node{ID: "x"})
	assert.Error(t, err)

	node.ID = "someone-else"
	_, err = NewHTTPPeerFetcher(time.Second).FetchPeers(context.Background(), node)
	assert.Error(t, err)
}

// canDial reports whether a loopback alias exists, which is not the case
// on every platform
func canDial(host string) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(0)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
