package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/wesleywu/routemesh/internal/network"
	"github.com/wesleywu/routemesh/internal/probe"
)

// MaxSweepHosts bounds the size of a subnet the VPN sweep walks
const MaxSweepHosts = 1024

const (
	DefaultSweepConcurrency = 64
	DefaultSweepTimeout     = time.Second
)

// SeedSource lists unicast addresses that may run a mesh node outside the
// multicast domain, typically behind a tunnel
type SeedSource interface {
	Name() string
	Seeds(ctx context.Context) ([]netip.Addr, error)
}

// CommandRunner executes an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// WireGuardPeer is one peer section of `wg show <iface>`
type WireGuardPeer struct {
	PublicKey  string
	Endpoint   netip.AddrPort
	AllowedIPs []netip.Prefix
}

// WireGuardSeeds seeds from the configured peers of every WireGuard
// interface. Each peer contributes its endpoint address and every single
// host allowed IP, which is usually its tunnel address.
type WireGuardSeeds struct {
	run      CommandRunner
	netClass string
}

func NewWireGuardSeeds() *WireGuardSeeds {
	return &WireGuardSeeds{run: execRunner, netClass: "/sys/class/net"}
}

func (w *WireGuardSeeds) Name() string { return "wireguard" }

func (w *WireGuardSeeds) Seeds(ctx context.Context) ([]netip.Addr, error) {
	peers, err := w.Peers(ctx)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, p := range peers {
		if p.Endpoint.IsValid() {
			out = append(out, p.Endpoint.Addr().Unmap())
		}
		for _, allowed := range p.AllowedIPs {
			if allowed.IsSingleIP() {
				out = append(out, allowed.Addr())
			}
		}
	}
	return dedupAddrs(out), nil
}

// Peers returns the peers of every WireGuard interface. An interface that
// cannot be read is skipped unless none can.
func (w *WireGuardSeeds) Peers(ctx context.Context) ([]WireGuardPeer, error) {
	ifaces, err := w.interfaces(ctx)
	if err != nil {
		return nil, err
	}
	var (
		peers []WireGuardPeer
		errs  error
		read  int
	)
	for _, iface := range ifaces {
		out, err := w.run(ctx, "wg", "show", iface)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("wg show %s: %w", iface, err))
			continue
		}
		read++
		peers = append(peers, ParseWireGuardShow(string(out))...)
	}
	if read == 0 && errs != nil {
		return nil, errs
	}
	return peers, nil
}

func (w *WireGuardSeeds) interfaces(ctx context.Context) ([]string, error) {
	out, err := w.run(ctx, "wg", "show", "interfaces")
	if err == nil {
		return strings.Fields(string(out)), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// without the wg tool the kernel interfaces are still listed
	entries, derr := os.ReadDir(w.netClass)
	if derr != nil {
		return nil, fmt.Errorf("list wireguard interfaces: %w", multierr.Combine(err, derr))
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "wg") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ParseWireGuardShow parses the human readable output of `wg show <iface>`.
// Unparseable endpoints and allowed IPs are dropped.
func ParseWireGuardShow(out string) []WireGuardPeer {
	var (
		peers []WireGuardPeer
		cur   *WireGuardPeer
	)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "peer":
			peers = append(peers, WireGuardPeer{PublicKey: value})
			cur = &peers[len(peers)-1]
		case "endpoint":
			if cur == nil {
				continue
			}
			if ap, err := netip.ParseAddrPort(value); err == nil {
				cur.Endpoint = ap
			}
		case "allowed ips":
			if cur == nil || value == "(none)" {
				continue
			}
			for _, field := range strings.Split(value, ",") {
				if p, err := netip.ParsePrefix(strings.TrimSpace(field)); err == nil {
					cur.AllowedIPs = append(cur.AllowedIPs, p)
				}
			}
		}
	}
	return peers
}

// VPNSweep probes every host of the IPv4 subnets of local tunnel
// interfaces on the health probe port. Hosts that answer run a mesh node.
type VPNSweep struct {
	prefixes    func() ([]netip.Prefix, error)
	prober      probe.Prober
	port        uint16
	concurrency int
	timeout     time.Duration
}

func NewVPNSweep(prober probe.Prober, probePort int) *VPNSweep {
	return &VPNSweep{
		prefixes:    network.VPNPrefixes,
		prober:      prober,
		port:        uint16(probePort),
		concurrency: DefaultSweepConcurrency,
		timeout:     DefaultSweepTimeout,
	}
}

func (v *VPNSweep) Name() string { return "vpn_sweep" }

func (v *VPNSweep) Seeds(ctx context.Context) ([]netip.Addr, error) {
	prefixes, err := v.prefixes()
	if err != nil {
		return nil, err
	}
	var hosts []netip.Addr
	for _, p := range prefixes {
		h, ok := HostAddrs(p, MaxSweepHosts)
		if !ok {
			continue
		}
		hosts = append(hosts, h...)
	}
	hosts = dedupAddrs(hosts)

	alive := make([]bool, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, host := range hosts {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, v.timeout)
			defer cancel()
			if _, err := v.prober.Probe(pctx, netip.AddrPortFrom(host, v.port)); err == nil {
				alive[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []netip.Addr
	for i, ok := range alive {
		if ok {
			out = append(out, hosts[i])
		}
	}
	return out, nil
}

// HostAddrs lists the usable IPv4 hosts of p excluding p's own address.
// A /31 has two hosts and a /32 none. ok is false for IPv6 and for
// subnets with more than limit hosts.
func HostAddrs(p netip.Prefix, limit int) (hosts []netip.Addr, ok bool) {
	self := p.Addr()
	if !self.Is4() || !p.IsValid() {
		return nil, false
	}
	bits := p.Bits()
	switch {
	case bits == 32:
		return nil, true
	case bits == 31:
		base := p.Masked().Addr()
		for _, a := range []netip.Addr{base, base.Next()} {
			if a != self {
				hosts = append(hosts, a)
			}
		}
		return hosts, true
	case 1<<(32-bits)-2 > limit:
		return nil, false
	}
	count := 1<<(32-bits) - 2
	a := p.Masked().Addr().Next()
	for i := 0; i < count; i, a = i+1, a.Next() {
		if a != self {
			hosts = append(hosts, a)
		}
	}
	return hosts, true
}

func dedupAddrs(addrs []netip.Addr) []netip.Addr {
	seen := make(map[netip.Addr]struct{}, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
