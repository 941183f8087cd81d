package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/wesleywu/routemesh/internal/routing/types"
)

// IPRouteAdapter reads routes with iproute2. It prefers `ip -json` and
// falls back to the text format for older iproute2 releases.
type IPRouteAdapter struct {
	run runner
}

func NewIPRouteAdapter() *IPRouteAdapter { return &IPRouteAdapter{run: execRunner} }

func (a *IPRouteAdapter) ParseRoutes(ctx context.Context) ([]types.Route, error) {
	v4, err := a.family(ctx, false)
	if err != nil {
		return nil, err
	}
	v6, err := a.family(ctx, true)
	if err != nil {
		// hosts with IPv6 disabled still have a usable IPv4 table
		if ctx.Err() != nil {
			return nil, err
		}
		return v4, nil
	}
	return append(v4, v6...), nil
}

func (a *IPRouteAdapter) family(ctx context.Context, ipv6 bool) ([]types.Route, error) {
	args := []string{"-json", "route", "show"}
	if ipv6 {
		args = append([]string{"-6"}, args...)
	}
	if out, err := a.run(ctx, "ip", args...); err == nil {
		if routes, perr := parseIPRouteJSON(out, ipv6); perr == nil {
			return routes, nil
		}
	} else if ctx.Err() != nil {
		return nil, commandError(ctx, "ip "+strings.Join(args, " "), err)
	}

	args = []string{"route", "show"}
	if ipv6 {
		args = append([]string{"-6"}, args...)
	}
	out, err := a.run(ctx, "ip", args...)
	if err != nil {
		return nil, commandError(ctx, "ip "+strings.Join(args, " "), err)
	}
	return parseIPRouteText(string(out), ipv6)
}

type ipRouteJSON struct {
	Type    string   `json:"type"`
	Dst     string   `json:"dst"`
	Gateway string   `json:"gateway"`
	Dev     string   `json:"dev"`
	Metric  uint32   `json:"metric"`
	Flags   []string `json:"flags"`
}

// route types that never forward unicast traffic
var skipRouteTypes = map[string]bool{
	"blackhole":   true,
	"unreachable": true,
	"prohibit":    true,
	"throw":       true,
	"local":       true,
	"broadcast":   true,
	"multicast":   true,
	"anycast":     true,
	"nat":         true,
}

func parseIPRouteJSON(data []byte, ipv6 bool) ([]types.Route, error) {
	var entries []ipRouteJSON
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode ip route json: %w", err)
	}

	routes := make([]types.Route, 0, len(entries))
	for _, e := range entries {
		if skipRouteTypes[e.Type] {
			continue
		}
		prefix, err := linuxDestination(e.Dst, ipv6)
		if err != nil {
			continue
		}
		route := types.Route{Prefix: prefix, Interface: e.Dev, Metric: e.Metric, Flags: e.Flags}
		if e.Gateway != "" {
			gw, err := netip.ParseAddr(e.Gateway)
			if err != nil {
				continue
			}
			route.Gateway = gw
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// parseIPRouteText parses lines such as
//
//	default via 192.168.1.1 dev eth0 proto dhcp metric 100
//	10.8.0.0/24 dev tun0 proto kernel scope link src 10.8.0.1 linkdown
func parseIPRouteText(output string, ipv6 bool) ([]types.Route, error) {
	var routes []types.Route
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if skipRouteTypes[fields[0]] {
			continue
		}
		if fields[0] == "unicast" {
			fields = fields[1:]
			if len(fields) == 0 {
				continue
			}
		}

		prefix, err := linuxDestination(fields[0], ipv6)
		if err != nil {
			continue
		}
		route := types.Route{Prefix: prefix}
		valid := true
		for i := 1; i < len(fields); i++ {
			switch fields[i] {
			case "via":
				if i+1 < len(fields) {
					i++
					// "via inet6 fe80::1" on mixed-family routes
					if fields[i] == "inet" || fields[i] == "inet6" {
						if i+1 >= len(fields) {
							break
						}
						i++
					}
					gw, err := netip.ParseAddr(fields[i])
					if err != nil {
						valid = false
					}
					route.Gateway = gw
				}
			case "dev":
				if i+1 < len(fields) {
					i++
					route.Interface = fields[i]
				}
			case "metric":
				if i+1 < len(fields) {
					i++
					if m, err := strconv.ParseUint(fields[i], 10, 32); err == nil {
						route.Metric = uint32(m)
					}
				}
			case "proto", "scope", "src", "table", "pref", "mtu", "expires", "advmss", "initcwnd", "hoplimit":
				i++
			case "onlink", "linkdown", "dead", "pervasive", "offload":
				route.Flags = append(route.Flags, fields[i])
			}
		}
		if valid {
			routes = append(routes, route)
		}
	}
	return routes, nil
}

func linuxDestination(dst string, ipv6 bool) (netip.Prefix, error) {
	if dst == "default" {
		if ipv6 {
			return netip.MustParsePrefix("::/0"), nil
		}
		return netip.MustParsePrefix("0.0.0.0/0"), nil
	}
	return types.ParseDestination(dst)
}
