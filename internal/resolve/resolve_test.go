package resolve

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/registry"
)

// zone answers queries from a fixed record set
type zone struct {
	mu      sync.Mutex
	records map[string][]dns.RR
	queries []string
	fail    error
}

func (z *zone) ExchangeContext(_ context.Context, m *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	q := m.Question[0]
	z.queries = append(z.queries, dns.TypeToString[q.Qtype]+" "+q.Name+" "+server)
	if z.fail != nil {
		return nil, 0, z.fail
	}

	resp := new(dns.Msg)
	resp.SetReply(m)
	for _, rr := range z.records[q.Name] {
		if rr.Header().Rrtype == q.Qtype {
			resp.Answer = append(resp.Answer, rr)
		}
	}
	if len(z.records[q.Name]) == 0 {
		resp.Rcode = dns.RcodeNameError
	}
	return resp, time.Millisecond, nil
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func newDirectory(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New("local", registry.WithClock(clock.NewMock()))
	_, _, err := reg.Upsert(registry.NodeInfo{
		ID:        "node-b",
		Hostname:  "beta",
		Addresses: []netip.Addr{netip.MustParseAddr("10.8.0.2")},
		Port:      8080,
	}, registry.ViaBroadcast)
	require.NoError(t, err)
	return reg
}

func TestResolveLiteral(t *testing.T) {
	r := New(nil, []string{"127.0.0.1:53"}, time.Second, WithExchanger(&zone{fail: errors.New("unused")}))

	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.1", "10.0.0.1"},
		{" 192.168.1.1 ", "192.168.1.1"},
		{"2001:db8::1", "2001:db8::1"},
		{"[2001:db8::1]", "2001:db8::1"},
		{"::ffff:10.1.2.3", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, netip.MustParseAddr(tt.want), res.Addr)
			assert.Equal(t, SourceLiteral, res.Source)
		})
	}
}

func TestResolveMeshNode(t *testing.T) {
	z := &zone{}
	r := New(newDirectory(t), []string{"127.0.0.1:53"}, time.Second, WithExchanger(z))

	for _, name := range []string{"node-b", "beta"} {
		res, err := r.Resolve(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("10.8.0.2"), res.Addr)
		assert.Equal(t, SourceNode, res.Source)
		assert.Equal(t, "node-b", res.NodeID)
	}
	assert.Empty(t, z.queries)
}

func TestResolveDNS(t *testing.T) {
	z := &zone{records: map[string][]dns.RR{
		"example.test.": {mustRR(t, "example.test. 60 IN A 93.184.216.34")},
		"v6only.test.":  {mustRR(t, "v6only.test. 60 IN AAAA 2001:db8::34")},
	}}
	r := New(newDirectory(t), []string{"10.0.0.53:53"}, time.Second, WithExchanger(z))

	res, err := r.Resolve(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), res.Addr)
	assert.Equal(t, SourceDNS, res.Source)

	res, err = r.Resolve(context.Background(), "v6only.test")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("2001:db8::34"), res.Addr)
}

func TestResolveFailures(t *testing.T) {
	z := &zone{records: map[string][]dns.RR{}}
	r := New(nil, []string{"10.0.0.53:53"}, time.Second, WithExchanger(z))

	for _, dest := range []string{"", "no such host!", "missing.test"} {
		_, err := r.Resolve(context.Background(), dest)
		assert.ErrorIs(t, err, apperr.ErrInvalidDestination, dest)
	}

	z.fail = errors.New("i/o timeout")
	_, err := r.Resolve(context.Background(), "example.test")
	assert.ErrorIs(t, err, apperr.ErrInvalidDestination)
	assert.ErrorContains(t, err, "i/o timeout")
}

func TestResolvConfSearchList(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(conf, []byte("nameserver 10.0.0.53\nsearch corp.example\noptions ndots:1\n"), 0o644))

	z := &zone{records: map[string][]dns.RR{
		"db.corp.example.": {mustRR(t, "db.corp.example. 60 IN A 10.20.0.5")},
	}}
	r := New(nil, nil, time.Second, WithResolvConf(conf), WithExchanger(z))
	assert.Equal(t, []string{"10.0.0.53:53"}, r.Servers())

	res, err := r.Resolve(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.20.0.5"), res.Addr)
	assert.Equal(t, "A db.corp.example. 10.0.0.53:53", z.queries[0])
}

func TestResolveAgainstDNSServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetReply(req)
			if req.Question[0].Qtype == dns.TypeA && req.Question[0].Name == "mesh.test." {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: "mesh.test.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
					A:   net.ParseIP("10.9.9.9"),
				})
			}
			_ = w.WriteMsg(resp)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	defer srv.Shutdown()
	<-started

	r := New(nil, []string{pc.LocalAddr().String()}, 2*time.Second)
	res, err := r.Resolve(context.Background(), "mesh.test")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.9.9.9"), res.Addr)
}
