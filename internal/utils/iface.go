package utils

import "strings"

// Interface classes used to annotate trace-route hops
const (
	InterfaceVPN      = "vpn"
	InterfacePhysical = "physical"
	InterfaceLoopback = "loopback"
	InterfaceVirtual  = "virtual"
)

var vpnPrefixes = []string{"utun", "tun", "tap", "ppp", "ipsec", "wg", "zt", "tailscale", "nebula"}

var systemPrefixes = []string{"lo", "awdl", "llw", "bridge", "gif", "stf", "docker", "veth", "br-", "virbr", "anpi"}

// IsVPNInterface checks if the given interface name is a VPN interface
func IsVPNInterface(interfaceName string) bool {
	for _, prefix := range vpnPrefixes {
		if strings.HasPrefix(interfaceName, prefix) {
			return true
		}
	}
	return false
}

// IsPhysicalInterface checks if the interface is a physical interface
func IsPhysicalInterface(iface string) bool {
	// Physical interfaces: en0, eth0, enp3s0, wlan0, wlp2s0
	if IsVPNInterface(iface) {
		return false
	}
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(iface, prefix) {
			return false
		}
	}
	for _, prefix := range []string{"en", "eth", "wlan", "wl", "em", "bond"} {
		if strings.HasPrefix(iface, prefix) {
			return true
		}
	}
	return false
}

// ClassifyInterface returns one of the Interface* classes for iface
func ClassifyInterface(iface string) string {
	switch {
	case iface == "":
		return ""
	case strings.HasPrefix(iface, "lo"):
		return InterfaceLoopback
	case IsVPNInterface(iface):
		return InterfaceVPN
	case IsPhysicalInterface(iface):
		return InterfacePhysical
	default:
		return InterfaceVirtual
	}
}
