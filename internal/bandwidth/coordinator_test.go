package bandwidth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/connection"
	"github.com/wesleywu/routemesh/internal/events"
	"github.com/wesleywu/routemesh/internal/registry"
)

var loopback = netip.MustParseAddr("127.0.0.1")

// loopbackOpener opens endpoints on an in-process server
type loopbackOpener struct {
	server *EndpointServer
	closed chan string
}

func (o *loopbackOpener) Open(_ context.Context, _ registry.Node, req OpenRequest) (netip.AddrPort, error) {
	e, err := o.server.Open(req)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(loopback, uint16(e.Port())), nil
}

func (o *loopbackOpener) Close(_ context.Context, _ registry.Node, testID string) error {
	o.server.CloseTest(testID)
	if o.closed != nil {
		o.closed <- testID
	}
	return nil
}

// blockingOpener never opens anything and returns once the test is cancelled
type blockingOpener struct{}

func (blockingOpener) Open(ctx context.Context, _ registry.Node, _ OpenRequest) (netip.AddrPort, error) {
	<-ctx.Done()
	return netip.AddrPort{}, ctx.Err()
}

func (blockingOpener) Close(context.Context, registry.Node, string) error { return nil }

type failingOpener struct{}

func (failingOpener) Open(context.Context, registry.Node, OpenRequest) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.New("connection refused")
}

func (failingOpener) Close(context.Context, registry.Node, string) error { return nil }

type fixture struct {
	reg   *registry.Registry
	bus   *events.Bus
	conns *connection.Store
	sub   *events.Subscription
	coord *Coordinator
}

func newFixture(t *testing.T, opener Opener) *fixture {
	t.Helper()
	mock := clock.NewMock()
	f := &fixture{
		bus:   events.NewBus(events.WithClock(mock)),
		conns: connection.NewStore(),
	}
	f.reg = registry.New("local", registry.WithClock(mock), registry.WithPublisher(f.bus))
	_, _, err := f.reg.Upsert(registry.NodeInfo{
		ID:        "peer",
		Hostname:  "peer-host",
		Addresses: []netip.Addr{loopback},
		Port:      8080,
	}, registry.ViaBroadcast)
	require.NoError(t, err)

	f.sub, err = f.bus.Subscribe(1024,
		events.BandwidthTestProgress, events.BandwidthTestComplete, events.BandwidthTestFailed)
	require.NoError(t, err)

	f.coord, err = NewCoordinator(Config{
		DefaultDuration: 400 * time.Millisecond,
		MaxDuration:     2 * time.Second,
		MaxConcurrent:   2,
	}, f.reg, opener, f.conns, f.bus, WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(f.coord.Close)
	return f
}

// terminal waits for the complete or failed event of testID and returns
// every progress event seen before it
func (f *fixture) terminal(t *testing.T, testID string) (events.Event, []events.BandwidthProgressPayload) {
	t.Helper()
	var progress []events.BandwidthProgressPayload
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-f.sub.C():
			switch p := ev.Payload.(type) {
			case events.BandwidthProgressPayload:
				if p.TestID == testID {
					progress = append(progress, p)
				}
			case events.BandwidthCompletePayload:
				if p.TestID == testID {
					return ev, progress
				}
			case events.BandwidthFailedPayload:
				if p.TestID == testID {
					return ev, progress
				}
			}
		case <-timeout:
			t.Fatalf("no terminal event for %s", testID)
		}
	}
}

func TestBandwidthTestRoundTrip(t *testing.T) {
	server := NewEndpointServer("127.0.0.1", 0, time.Minute, nil)
	defer server.Close()
	f := newFixture(t, &loopbackOpener{server: server})

	id, err := f.coord.StartTest("peer", 0, Both)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ev, progress := f.terminal(t, id)
	require.Equal(t, events.BandwidthTestComplete, ev.Kind)
	done := ev.Payload.(events.BandwidthCompletePayload)
	assert.Equal(t, "peer", done.TargetNodeID)
	assert.Greater(t, done.UploadMbps, 0.0)
	assert.Greater(t, done.DownloadMbps, 0.0)

	phases := make([]string, 0, len(progress))
	for _, p := range progress {
		phases = append(phases, p.Phase)
	}
	assert.Equal(t, []string{"initializing", "upload", "download", "complete"}, phases)

	conn, ok := f.conns.Get(connection.Pair("local", "peer"))
	require.True(t, ok)
	require.NotNil(t, conn.Bandwidth)
	assert.Equal(t, id, conn.Bandwidth.TestID)
	assert.Empty(t, f.coord.Active())

	assert.Eventually(t, func() bool { return server.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSecondTestForPairIsRejected(t *testing.T) {
	f := newFixture(t, blockingOpener{})

	first, err := f.coord.StartTest("peer", time.Second, Both)
	require.NoError(t, err)

	_, err = f.coord.StartTest("peer", time.Second, Upload)
	assert.ErrorIs(t, err, apperr.ErrTestInProgress)

	active := f.coord.Active()
	require.Len(t, active, 1)
	assert.Equal(t, first, active[0].TestID)
	assert.Equal(t, PhaseInitializing, active[0].Phase)

	require.NoError(t, f.coord.Cancel(first))
	ev, _ := f.terminal(t, first)
	require.Equal(t, events.BandwidthTestFailed, ev.Kind)

	second, err := f.coord.StartTest("peer", time.Second, Both)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestConcurrentStartsForPair(t *testing.T) {
	f := newFixture(t, blockingOpener{})

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []string
		busy    int
	)
	gate := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			id, err := f.coord.StartTest("peer", time.Second, Both)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started = append(started, id)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrTestInProgress)
			busy++
		}()
	}
	close(gate)
	wg.Wait()

	require.Len(t, started, 1)
	assert.Equal(t, callers-1, busy)
	active := f.coord.Active()
	require.Len(t, active, 1)
	assert.Equal(t, started[0], active[0].TestID)
}

func TestCancelClosesRemoteEndpoint(t *testing.T) {
	server := NewEndpointServer("127.0.0.1", 0, 2*time.Minute, nil)
	defer server.Close()
	opener := &loopbackOpener{server: server, closed: make(chan string, 1)}
	f := newFixture(t, opener)

	id, err := f.coord.StartTest("peer", 2*time.Second, Both)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		active := f.coord.Active()
		return len(active) == 1 && active[0].Phase == PhaseUpload
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, server.Active())

	require.NoError(t, f.coord.Cancel(id))
	ev, _ := f.terminal(t, id)
	require.Equal(t, events.BandwidthTestFailed, ev.Kind)

	select {
	case closed := <-opener.closed:
		assert.Equal(t, id, closed)
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint close was not requested")
	}
	assert.Zero(t, server.Active())
}

func TestStartTestValidation(t *testing.T) {
	f := newFixture(t, blockingOpener{})
	_, _, err := f.reg.Upsert(registry.NodeInfo{ID: "gone", Addresses: []netip.Addr{loopback}}, registry.ViaBroadcast)
	require.NoError(t, err)
	require.NoError(t, f.reg.MarkGoodbye("gone", "shutdown"))

	tests := []struct {
		name      string
		target    string
		direction Direction
		want      error
	}{
		{"unknown node", "nope", Both, apperr.ErrNodeNotFound},
		{"offline node", "gone", Both, apperr.ErrNodeUnreachable},
		{"local node", "local", Both, apperr.ErrInvalidDestination},
		{"bad direction", "peer", "sideways", apperr.ErrInvalidDestination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.StartTest(tt.target, time.Second, tt.direction)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.coord.Active())
}

func TestDurationIsCapped(t *testing.T) {
	f := newFixture(t, blockingOpener{})

	_, err := f.coord.StartTest("peer", time.Hour, Download)
	require.NoError(t, err)
	active := f.coord.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 2.0, active[0].DurationSecs)
	assert.Equal(t, Download, active[0].Direction)
}

func TestOpenFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, failingOpener{})

	id, err := f.coord.StartTest("peer", time.Second, Both)
	require.NoError(t, err)

	ev, _ := f.terminal(t, id)
	require.Equal(t, events.BandwidthTestFailed, ev.Kind)
	failed := ev.Payload.(events.BandwidthFailedPayload)
	assert.Contains(t, failed.Error, "connection refused")
	assert.Zero(t, failed.UploadMbps)

	_, err = f.coord.StartTest("peer", time.Second, Both)
	assert.NoError(t, err)
}

func TestCancelUnknownTest(t *testing.T) {
	f := newFixture(t, blockingOpener{})
	assert.ErrorIs(t, f.coord.Cancel("missing"), apperr.ErrInvalidDestination)
}

func TestEndpointRejectsBadRequests(t *testing.T) {
	server := NewEndpointServer("127.0.0.1", 0, 30*time.Second, nil)
	defer server.Close()

	for _, req := range []OpenRequest{
		{Phases: 0, PhaseSeconds: 1},
		{Phases: 3, PhaseSeconds: 1},
		{Phases: 1, PhaseSeconds: 0},
		{Phases: 2, PhaseSeconds: 60},
	} {
		_, err := server.Open(req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Zero(t, server.Active())
}

func TestEndpointServerCapsOpenEndpoints(t *testing.T) {
	server := NewEndpointServer("127.0.0.1", 0, 2*time.Minute, nil, WithMaxEndpoints(3))
	defer server.Close()

	const requests = 50
	var wg sync.WaitGroup
	var opened, refused atomic.Int64
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := server.Open(OpenRequest{TestID: fmt.Sprintf("t%d", i), Phases: 2, PhaseSeconds: 30})
			if err == nil {
				opened.Add(1)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrRateLimitExceeded)
			refused.Add(1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(3), opened.Load())
	assert.Equal(t, int64(requests-3), refused.Load())
	assert.Equal(t, 3, server.Active())
}

func TestEndpointCloseTest(t *testing.T) {
	server := NewEndpointServer("127.0.0.1", 0, time.Minute, nil)
	defer server.Close()

	e, err := server.Open(OpenRequest{TestID: "t1", Phases: 2, PhaseSeconds: 1})
	require.NoError(t, err)
	_, err = server.Open(OpenRequest{TestID: "t1", Phases: 2, PhaseSeconds: 1})
	assert.ErrorIs(t, err, apperr.ErrTestInProgress)

	assert.True(t, server.CloseTest("t1"))
	<-e.Done()
	assert.False(t, server.CloseTest("t1"))
	assert.Zero(t, server.Active())

	// the id is free again once its endpoint is gone
	_, err = server.Open(OpenRequest{TestID: "t1", Phases: 1, PhaseSeconds: 1})
	assert.NoError(t, err)
}

func TestEndpointClosesAfterSessions(t *testing.T) {
	server := NewEndpointServer("127.0.0.1", 0, time.Minute, nil)
	defer server.Close()

	e, err := server.Open(OpenRequest{TestID: "t1", Phases: 1, PhaseSeconds: 0.2})
	require.NoError(t, err)
	assert.Equal(t, 1, server.Active())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(e.Port())))
	require.NoError(t, err)
	_, err = conn.Write([]byte{modeDownload})
	require.NoError(t, err)

	buf := make([]byte, ChunkSize)
	var total int
	for {
		n, err := conn.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	conn.Close()
	assert.Greater(t, total, 0)

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint still open")
	}
	assert.Zero(t, server.Active())
}

func TestHTTPOpener(t *testing.T) {
	var got OpenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, EndpointPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(OpenResponse{TestID: got.TestID, Port: 40123})
	}))
	defer srv.Close()

	ap := netip.MustParseAddrPort(srv.Listener.Addr().String())
	node := registry.Node{ID: "peer", Addresses: []netip.Addr{ap.Addr()}, Port: int(ap.Port())}

	addr, err := NewHTTPOpener(time.Second).Open(context.Background(), node, OpenRequest{TestID: "x", Phases: 2, PhaseSeconds: 5})
	require.NoError(t, err)
	assert.Equal(t, netip.AddrPortFrom(ap.Addr(), 40123), addr)
	assert.Equal(t, OpenRequest{TestID: "x", Phases: 2, PhaseSeconds: 5}, got)
}

func TestHTTPOpenerClose(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		path = r.URL.Path
		_ = json.NewEncoder(w).Encode(CloseResponse{TestID: "abc", Closed: true})
	}))
	defer srv.Close()

	ap := netip.MustParseAddrPort(srv.Listener.Addr().String())
	node := registry.Node{ID: "peer", Addresses: []netip.Addr{ap.Addr()}, Port: int(ap.Port())}

	require.NoError(t, NewHTTPOpener(time.Second).Close(context.Background(), node, "abc"))
	assert.Equal(t, EndpointPath+"/abc", path)
}

func TestHTTPOpenerReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusConflict)
	}))
	defer srv.Close()

	ap := netip.MustParseAddrPort(srv.Listener.Addr().String())
	node := registry.Node{ID: "peer", Addresses: []netip.Addr{ap.Addr()}, Port: int(ap.Port())}

	_, err := NewHTTPOpener(time.Second).Open(context.Background(), node, OpenRequest{TestID: "x", Phases: 1, PhaseSeconds: 1})
	assert.ErrorContains(t, err, "status 409")
}
