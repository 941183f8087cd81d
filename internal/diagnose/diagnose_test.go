package diagnose

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/registry"
	"github.com/wesleywu/routemesh/internal/resolve"
	"github.com/wesleywu/routemesh/internal/routing"
	"github.com/wesleywu/routemesh/internal/routing/types"
)

type staticResolver map[string]resolve.Result

func (r staticResolver) Resolve(_ context.Context, dest string) (resolve.Result, error) {
	if res, ok := r[dest]; ok {
		return res, nil
	}
	if addr, err := netip.ParseAddr(dest); err == nil {
		return resolve.Result{Addr: addr, Source: resolve.SourceLiteral}, nil
	}
	return resolve.Result{}, apperr.New(apperr.InvalidDestination, "cannot resolve %s", dest)
}

// answeringProber succeeds only for the listed addresses
type answeringProber map[netip.Addr]bool

func (p answeringProber) Probe(_ context.Context, target netip.AddrPort) (time.Duration, error) {
	if p[target.Addr()] {
		return 3 * time.Millisecond, nil
	}
	return 0, errors.New("timeout")
}

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func newService(t *testing.T, prober answeringProber) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New("local", registry.WithClock(clock.NewMock()))

	upsert := func(id, host, ip string, peers ...string) {
		_, _, err := reg.Upsert(registry.NodeInfo{
			ID: id, Hostname: host, Addresses: []netip.Addr{addr(ip)}, Port: 8080, KnownPeers: peers,
		}, registry.ViaBroadcast)
		require.NoError(t, err)
	}
	upsert("node-b", "beta", "10.0.0.2", "node-c")
	reg.MergePeerList("node-b", []registry.NodeInfo{{ID: "node-c", Hostname: "gamma", Addresses: []netip.Addr{addr("10.0.0.3")}, Port: 8080}})
	upsert("node-d", "delta", "10.0.0.4")
	require.NoError(t, reg.MarkDegraded("node-d"))
	upsert("node-e", "epsilon", "10.0.0.5")
	require.NoError(t, reg.MarkGoodbye("node-e", "shutdown"))

	table := routing.NewTable(nil, nil, nil)
	require.NoError(t, table.Rebuild([]types.Route{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Gateway: addr("10.0.0.1"), Interface: "wg0", Metric: 10},
		{Prefix: netip.MustParsePrefix("172.16.0.0/12"), Interface: "eth0", Metric: 100},
	}))

	resolver := staticResolver{
		"gamma":    {Addr: addr("10.0.0.3"), Source: resolve.SourceNode, NodeID: "node-c"},
		"intranet": {Addr: addr("172.16.4.4"), Source: resolve.SourceDNS},
	}
	svc := NewService(Config{ProbePort: 5679, ProbeTimeout: time.Second, PingInterval: time.Millisecond},
		table, resolver, reg, prober,
		WithInterfaceAddrs(func(name string) []netip.Addr {
			if name == "wg0" {
				return []netip.Addr{addr("fd00::9"), addr("10.0.0.9")}
			}
			return nil
		}))
	return svc, reg
}

func TestTraceRoute(t *testing.T) {
	svc, _ := newService(t, nil)

	res, err := svc.TraceRoute(context.Background(), "gamma")
	require.NoError(t, err)
	assert.Equal(t, "gamma", res.Destination)
	assert.Equal(t, "10.0.0.3", res.ResolvedIP)
	require.NotNil(t, res.MatchedRoute)
	assert.Equal(t, "10.0.0.0/8", res.MatchedRoute.Destination)

	require.Len(t, res.Path, 3)
	assert.Equal(t, Hop{Hop: 1, Kind: HopLocal, Address: "10.0.0.9", Interface: "wg0", InterfaceType: "vpn", NodeID: "local"}, res.Path[0])
	assert.Equal(t, HopGateway, res.Path[1].Kind)
	assert.Equal(t, "10.0.0.1", res.Path[1].Address)
	assert.Equal(t, HopDestination, res.Path[2].Kind)
	assert.Equal(t, "node-c", res.Path[2].NodeID)
	assert.Equal(t, "gamma", res.Path[2].Hostname)
}

func TestTraceRouteOnLink(t *testing.T) {
	svc, _ := newService(t, nil)

	res, err := svc.TraceRoute(context.Background(), "172.16.4.4")
	require.NoError(t, err)
	require.Len(t, res.Path, 2)
	assert.Equal(t, "physical", res.Path[0].InterfaceType)
	assert.Empty(t, res.Path[0].Address)
	assert.Equal(t, 2, res.Path[1].Hop)
	assert.Empty(t, res.Path[1].NodeID)
}

func TestTraceRouteErrors(t *testing.T) {
	svc, _ := newService(t, nil)

	_, err := svc.TraceRoute(context.Background(), "192.168.9.9")
	assert.ErrorIs(t, err, apperr.ErrNoRouteToHost)

	_, err = svc.TraceRoute(context.Background(), "nowhere")
	assert.ErrorIs(t, err, apperr.ErrInvalidDestination)
}

func TestDiagnose(t *testing.T) {
	prober := answeringProber{addr("10.0.0.2"): true, addr("10.0.0.4"): true}
	svc, _ := newService(t, prober)

	tests := []struct {
		target    string
		issue     IssueType
		reachable bool
		gossip    bool
		alts      []string
	}{
		{"nowhere", IssueInvalidDestination, false, false, nil},
		{"192.168.9.9", IssueNoRoute, false, false, nil},
		{"intranet", IssueNone, true, false, nil},
		{"10.0.0.2", IssueNone, true, false, nil},
		{"gamma", IssueUnreachable, false, true, []string{"node-b"}},
		{"10.0.0.4", IssueNodeDegraded, true, false, nil},
		{"10.0.0.5", IssueNodeOffline, false, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rep, err := svc.Diagnose(context.Background(), tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.issue, rep.Diagnosis.IssueType)
			assert.Equal(t, tt.reachable, rep.Reachable)
			assert.Equal(t, tt.gossip, rep.KnownViaGossip)

			var alts []string
			for _, a := range rep.Diagnosis.AlternativePaths {
				alts = append(alts, a.ViaNodeID)
			}
			assert.Equal(t, tt.alts, alts)
			assert.NotNil(t, rep.Diagnosis.SuggestedFixes)
			if tt.issue != IssueNone {
				assert.NotEmpty(t, rep.Diagnosis.SuggestedFixes)
			}
		})
	}
}

func TestPing(t *testing.T) {
	svc, _ := newService(t, answeringProber{addr("10.0.0.2"): true})

	res, err := svc.Ping(context.Background(), "10.0.0.2", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.PacketsSent)
	assert.Equal(t, 3, res.PacketsReceived)
	assert.Equal(t, 3.0, res.LatencyMs.Avg)

	res, err = svc.Ping(context.Background(), "10.0.0.3", 2)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.PacketLossPercent)

	_, err = svc.Ping(context.Background(), "10.0.0.2", 101)
	assert.ErrorIs(t, err, apperr.ErrInvalidDestination)
}
