package platform

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/wesleywu/routemesh/internal/routing/types"
)

// NetstatAdapter reads routes from `netstat -rn` on darwin and the BSDs
type NetstatAdapter struct {
	run runner
}

func NewNetstatAdapter() *NetstatAdapter { return &NetstatAdapter{run: execRunner} }

func (a *NetstatAdapter) ParseRoutes(ctx context.Context) ([]types.Route, error) {
	out, err := a.run(ctx, "netstat", "-rn")
	if err != nil {
		return nil, commandError(ctx, "netstat -rn", err)
	}
	return parseNetstatOutput(string(out))
}

var netstatFlagNames = map[rune]string{
	'U': "up",
	'G': "gateway",
	'H': "host",
	'S': "static",
	'D': "dynamic",
	'M': "modified",
	'R': "reject",
	'B': "blackhole",
	'I': "ifscope",
}

// parseNetstatOutput parses the Internet and Internet6 sections of
// `netstat -rn`:
//
//	Destination        Gateway            Flags               Netif Expire
//	default            192.168.32.1       UGScIg                en0
//	203.57.66          192.168.32.1       UGSc                  en0
//	192.168.32         link#6             UCS                   en0      !
func parseNetstatOutput(output string) ([]types.Route, error) {
	var routes []types.Route
	section := ""
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case line == "Internet:":
			section = "inet"
			continue
		case line == "Internet6:":
			section = "inet6"
			continue
		case strings.HasPrefix(line, "Destination"):
			if section == "" {
				section = "inet"
			}
			continue
		case strings.HasSuffix(line, ":") && !strings.Contains(line, " "):
			// another address family section
			section = "skip"
			continue
		}
		if section == "" || section == "skip" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		prefix, err := parseDestination(fields[0], section == "inet6")
		if err != nil {
			continue // Skip unparseable destinations
		}
		route := types.Route{Prefix: prefix, Flags: netstatFlags(fields[2])}
		if strings.ContainsRune(fields[2], 'R') || strings.ContainsRune(fields[2], 'B') {
			continue // reject and blackhole routes never forward
		}

		// link#N and MAC addresses mean the destination is on-link
		if gw, err := netip.ParseAddr(fields[1]); err == nil {
			route.Gateway = gw
		}
		if len(fields) >= 4 {
			route.Interface = fields[3]
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func netstatFlags(s string) []string {
	flags := make([]string, 0, len(s))
	for _, c := range s {
		if name, ok := netstatFlagNames[c]; ok {
			flags = append(flags, name)
		}
	}
	return flags
}

// parseDestination parses the destination formats netstat prints,
// including the simplified IPv4 forms: "203.26.55" means 203.26.55.0/24,
// "10.0" means 10.0.0.0/16, "127" means 127.0.0.0/8 and "1.0.1/24" means
// 1.0.1.0/24
func parseDestination(dest string, ipv6 bool) (netip.Prefix, error) {
	if dest == "default" {
		if ipv6 {
			return netip.MustParsePrefix("::/0"), nil
		}
		return netip.MustParsePrefix("0.0.0.0/0"), nil
	}

	if ipv6 {
		// drop the zone: fe80::%lo0/64
		if i := strings.IndexByte(dest, '%'); i >= 0 {
			rest := ""
			if j := strings.IndexByte(dest[i:], '/'); j >= 0 {
				rest = dest[i+j:]
			}
			dest = dest[:i] + rest
		}
		return types.ParseDestination(dest)
	}

	addr, mask, hasMask := strings.Cut(dest, "/")
	dotCount := strings.Count(addr, ".")
	if dotCount > 3 {
		return netip.Prefix{}, fmt.Errorf("unsupported destination format: %s", dest)
	}
	addr += strings.Repeat(".0", 3-dotCount)

	var bits int
	if hasMask {
		if _, err := fmt.Sscanf(mask, "%d", &bits); err != nil {
			return netip.Prefix{}, fmt.Errorf("unsupported destination format: %s", dest)
		}
	} else {
		bits = 8 * (dotCount + 1)
	}

	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is4() {
		return netip.Prefix{}, fmt.Errorf("unsupported destination format: %s", dest)
	}
	if bits < 0 || bits > 32 {
		return netip.Prefix{}, fmt.Errorf("unsupported destination format: %s", dest)
	}
	return netip.PrefixFrom(ip, bits), nil
}
