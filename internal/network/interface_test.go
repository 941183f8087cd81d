package network

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnounceableAddrs(t *testing.T) {
	interfaces := []InterfaceInfo{
		{Name: "lo", IsUp: true, IsLoopback: true, Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")}},
		{Name: "eth0", IsUp: true, Addrs: []netip.Addr{
			netip.MustParseAddr("fe80::1"),
			netip.MustParseAddr("2001:db8::5"),
			netip.MustParseAddr("192.168.1.10"),
		}},
		{Name: "eth1", IsUp: false, Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}},
		{Name: "tun0", IsUp: true, Addrs: []netip.Addr{netip.MustParseAddr("10.8.0.2")}},
	}

	got := announceableAddrs(interfaces)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.8.0.2"),
		netip.MustParseAddr("192.168.1.10"),
		netip.MustParseAddr("2001:db8::5"),
	}, got)
}

func TestVPNPrefixes(t *testing.T) {
	interfaces := []InterfaceInfo{
		{Name: "eth0", IsUp: true, Kind: "physical", Prefixes: []netip.Prefix{netip.MustParsePrefix("192.168.1.10/24")}},
		{Name: "wg0", IsUp: true, Kind: "vpn", Prefixes: []netip.Prefix{
			netip.MustParsePrefix("10.8.0.2/24"),
			netip.MustParsePrefix("fd00::2/64"),
		}},
		{Name: "wg1", IsUp: false, Kind: "vpn", Prefixes: []netip.Prefix{netip.MustParsePrefix("10.9.0.2/24")}},
		{Name: "gre1", IsUp: true, IsPointToPoint: true, Kind: "virtual", Prefixes: []netip.Prefix{netip.MustParsePrefix("172.31.0.1/30")}},
	}

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.8.0.2/24"),
		netip.MustParsePrefix("172.31.0.1/30"),
	}, vpnPrefixes(interfaces))
}

func TestGetNetworkInterfaces(t *testing.T) {
	interfaces, err := GetNetworkInterfaces()
	require.NoError(t, err)

	for _, iface := range interfaces {
		if iface.IsLoopback {
			found, err := GetInterfaceByName(iface.Name)
			require.NoError(t, err)
			assert.Equal(t, iface.Name, found.Name)
			return
		}
	}

	_, err = GetInterfaceByName("does-not-exist0")
	assert.Error(t, err)
}
