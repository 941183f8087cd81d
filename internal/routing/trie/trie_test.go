package trie

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleywu/routemesh/internal/routing/types"
)

func route(prefix, iface string, metric uint32) types.Route {
	return types.Route{Prefix: netip.MustParsePrefix(prefix), Interface: iface, Metric: metric}
}

func TestLongestPrefixMatch(t *testing.T) {
	tr := New(32)
	tr.Insert(route("0.0.0.0/0", "eth0", 100), 1)
	tr.Insert(route("10.0.0.0/8", "tun0", 50), 2)
	tr.Insert(route("10.1.0.0/16", "tun1", 50), 3)
	tr.Insert(route("10.1.2.3/32", "lo", 0), 4)

	tests := []struct {
		addr  string
		iface string
	}{
		{"8.8.8.8", "eth0"},
		{"10.200.0.1", "tun0"},
		{"10.1.9.9", "tun1"},
		{"10.1.2.3", "lo"},
		{"10.1.2.4", "tun1"},
		{"::ffff:10.1.2.3", "lo"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			r, ok := tr.Lookup(netip.MustParseAddr(tt.addr))
			require.True(t, ok)
			assert.Equal(t, tt.iface, r.Interface)
		})
	}
}

func TestLookupNoMatch(t *testing.T) {
	tr := New(32)
	tr.Insert(route("192.168.0.0/16", "eth0", 0), 1)

	_, ok := tr.Lookup(netip.MustParseAddr("10.0.0.1"))
	assert.False(t, ok)

	_, ok = tr.Lookup(netip.MustParseAddr("2001:db8::1"))
	assert.False(t, ok, "ipv6 address must not match an ipv4 trie")
}

func TestSamePrefixTieBreak(t *testing.T) {
	tr := New(32)
	tr.Insert(route("10.0.0.0/8", "first", 100), 1)
	tr.Insert(route("10.0.0.0/8", "second", 100), 2)
	tr.Insert(route("10.0.0.0/8", "cheap", 10), 3)

	r, ok := tr.Lookup(netip.MustParseAddr("10.0.0.1"))
	require.True(t, ok)
	assert.Equal(t, "cheap", r.Interface)

	tr2 := New(32)
	tr2.Insert(route("10.0.0.0/8", "first", 100), 1)
	tr2.Insert(route("10.0.0.0/8", "second", 100), 2)
	r, _ = tr2.Lookup(netip.MustParseAddr("10.0.0.1"))
	assert.Equal(t, "first", r.Interface, "equal metrics keep the earliest route")
	assert.Equal(t, 2, tr2.Len())
}

func TestIPv6(t *testing.T) {
	tr := New(128)
	tr.Insert(route("::/0", "eth0", 1024), 1)
	tr.Insert(route("2001:db8::/32", "wg0", 10), 2)

	r, ok := tr.Lookup(netip.MustParseAddr("2001:db8::42"))
	require.True(t, ok)
	assert.Equal(t, "wg0", r.Interface)

	r, ok = tr.Lookup(netip.MustParseAddr("2606:4700::1111"))
	require.True(t, ok)
	assert.Equal(t, "eth0", r.Interface)

	assert.False(t, tr.Insert(route("10.0.0.0/8", "x", 0), 3))
}

func TestCloneIsIndependent(t *testing.T) {
	tr := New(32)
	tr.Insert(route("10.0.0.0/8", "a", 0), 1)
	c := tr.Clone()
	c.Insert(route("10.0.0.0/8", "b", 0), 0)

	r, _ := tr.Lookup(netip.MustParseAddr("10.0.0.1"))
	assert.Equal(t, "a", r.Interface)
	r, _ = c.Lookup(netip.MustParseAddr("10.0.0.1"))
	assert.Equal(t, "b", r.Interface)
}

func TestWalkOrder(t *testing.T) {
	tr := New(32)
	tr.Insert(route("128.0.0.0/1", "hi", 0), 1)
	tr.Insert(route("0.0.0.0/1", "lo", 0), 2)
	tr.Insert(route("0.0.0.0/0", "default", 0), 3)

	var got []string
	tr.Walk(func(e Entry) { got = append(got, e.Route.Interface) })
	assert.Equal(t, []string{"default", "lo", "hi"}, got)
}
