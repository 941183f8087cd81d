package network

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/wesleywu/routemesh/internal/utils"
)

type InterfaceInfo struct {
	Name           string
	HardwareAddr   string
	Addrs          []netip.Addr
	Prefixes       []netip.Prefix
	MTU            int
	Flags          net.Flags
	IsUp           bool
	IsLoopback     bool
	IsMulticast    bool
	IsPointToPoint bool
	Kind           string
}

func GetNetworkInterfaces() ([]InterfaceInfo, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	result := make([]InterfaceInfo, 0, len(interfaces))
	for _, iface := range interfaces {
		info := InterfaceInfo{
			Name:           iface.Name,
			HardwareAddr:   iface.HardwareAddr.String(),
			MTU:            iface.MTU,
			Flags:          iface.Flags,
			IsUp:           iface.Flags&net.FlagUp != 0,
			IsLoopback:     iface.Flags&net.FlagLoopback != 0,
			IsMulticast:    iface.Flags&net.FlagMulticast != 0,
			IsPointToPoint: iface.Flags&net.FlagPointToPoint != 0,
			Kind:           utils.ClassifyInterface(iface.Name),
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				if a, ok := utils.AddrFromIP(ipNet.IP); ok {
					info.Addrs = append(info.Addrs, a)
					ones, _ := ipNet.Mask.Size()
					info.Prefixes = append(info.Prefixes, netip.PrefixFrom(a, ones))
				}
			}
		}

		result = append(result, info)
	}

	return result, nil
}

func GetInterfaceByName(name string) (*InterfaceInfo, error) {
	interfaces, err := GetNetworkInterfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range interfaces {
		if iface.Name == name {
			return &iface, nil
		}
	}

	return nil, fmt.Errorf("interface %s not found", name)
}

// LocalAddresses returns the addresses this node announces to the mesh:
// every announceable address of every up, non-loopback interface
func LocalAddresses() ([]netip.Addr, error) {
	interfaces, err := GetNetworkInterfaces()
	if err != nil {
		return nil, err
	}
	return announceableAddrs(interfaces), nil
}

func announceableAddrs(interfaces []InterfaceInfo) []netip.Addr {
	var out []netip.Addr
	for _, iface := range interfaces {
		if !iface.IsUp || iface.IsLoopback {
			continue
		}
		for _, a := range iface.Addrs {
			if utils.Announceable(a) {
				out = append(out, a)
			}
		}
	}
	return utils.SortAddrs(out)
}

// VPNPrefixes returns the IPv4 prefixes of up tunnel interfaces. The
// prefixes keep the local address, not the masked network.
func VPNPrefixes() ([]netip.Prefix, error) {
	interfaces, err := GetNetworkInterfaces()
	if err != nil {
		return nil, err
	}
	return vpnPrefixes(interfaces), nil
}

func vpnPrefixes(interfaces []InterfaceInfo) []netip.Prefix {
	var out []netip.Prefix
	for _, iface := range interfaces {
		if !iface.IsUp || iface.IsLoopback {
			continue
		}
		if iface.Kind != utils.InterfaceVPN && !iface.IsPointToPoint {
			continue
		}
		for _, p := range iface.Prefixes {
			if p.Addr().Is4() {
				out = append(out, p)
			}
		}
	}
	return out
}

// MulticastInterfaces returns the up interfaces that can join an IPv4
// multicast group
func MulticastInterfaces() ([]net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}
	var out []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}

func (info *InterfaceInfo) HasIPv4() bool {
	for _, a := range info.Addrs {
		if a.Is4() {
			return true
		}
	}
	return false
}

func (info *InterfaceInfo) HasIPv6() bool {
	for _, a := range info.Addrs {
		if a.Is6() && !a.IsLoopback() {
			return true
		}
	}
	return false
}
