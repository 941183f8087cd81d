// Package resolve turns a user supplied destination into an address.
//
// Destinations are tried in order as a literal IP, a mesh node id or
// hostname, and finally a DNS name queried against the configured servers
// or the system resolv.conf.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/registry"
)

const DefaultResolvConf = "/etc/resolv.conf"

type Source string

const (
	SourceLiteral Source = "literal"
	SourceNode    Source = "node"
	SourceDNS     Source = "dns"
)

type Result struct {
	Addr   netip.Addr
	Source Source
	// NodeID is set when the destination named a mesh node
	NodeID string
}

// Directory is the part of the registry used to resolve node names
type Directory interface {
	Get(id string) (registry.Node, bool)
	FindByHostname(hostname string) (registry.Node, bool)
}

// Exchanger sends one DNS query; *dns.Client implements it
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

type Resolver struct {
	dir        Directory
	servers    []string
	search     []string
	ndots      int
	client     Exchanger
	resolvConf string
	log        *logger.Logger
}

type Option func(*Resolver)

func WithExchanger(e Exchanger) Option { return func(r *Resolver) { r.client = e } }

func WithResolvConf(path string) Option { return func(r *Resolver) { r.resolvConf = path } }

func WithLogger(l *logger.Logger) Option { return func(r *Resolver) { r.log = l } }

// New builds a resolver. servers are host:port; when empty the servers and
// search list of resolv.conf are used. dir may be nil.
func New(dir Directory, servers []string, timeout time.Duration, opts ...Option) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &Resolver{
		dir:        dir,
		servers:    servers,
		ndots:      1,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
		resolvConf: DefaultResolvConf,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(r.servers) == 0 {
		cc, err := dns.ClientConfigFromFile(r.resolvConf)
		if err != nil {
			r.log.Warn("No DNS servers available", "resolv_conf", r.resolvConf, "error", err.Error())
		} else {
			for _, s := range cc.Servers {
				r.servers = append(r.servers, net.JoinHostPort(s, cc.Port))
			}
			r.search = cc.Search
			r.ndots = cc.Ndots
		}
	}
	return r
}

// Servers returns the DNS servers in query order
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

func (r *Resolver) Resolve(ctx context.Context, dest string) (Result, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return Result{}, apperr.New(apperr.InvalidDestination, "empty destination")
	}

	if addr, err := netip.ParseAddr(strings.Trim(dest, "[]")); err == nil {
		return Result{Addr: addr.Unmap(), Source: SourceLiteral}, nil
	}

	if r.dir != nil {
		node, ok := r.dir.Get(dest)
		if !ok {
			node, ok = r.dir.FindByHostname(dest)
		}
		if ok && len(node.Addresses) > 0 {
			return Result{Addr: node.Addresses[0], Source: SourceNode, NodeID: node.ID}, nil
		}
	}

	if _, ok := dns.IsDomainName(dest); !ok {
		return Result{}, apperr.New(apperr.InvalidDestination, "%q is not an address or host name", dest)
	}
	addr, err := r.lookup(ctx, dest)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.InvalidDestination, err, "could not resolve %s", dest)
	}
	return Result{Addr: addr, Source: SourceDNS}, nil
}

func (r *Resolver) lookup(ctx context.Context, name string) (netip.Addr, error) {
	if len(r.servers) == 0 {
		return netip.Addr{}, fmt.Errorf("no DNS servers configured")
	}

	var errs error
	for _, fqdn := range r.candidates(name) {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			for _, server := range r.servers {
				addr, err := r.query(ctx, server, fqdn, qtype)
				if err == nil {
					r.log.Debug("Resolved destination", "name", fqdn, "server", server, "addr", addr.String())
					return addr, nil
				}
				if ctx.Err() != nil {
					return netip.Addr{}, ctx.Err()
				}
				errs = multierr.Append(errs, err)
			}
		}
	}
	return netip.Addr{}, errs
}

// candidates expands name with the search list the way resolv.conf does
func (r *Resolver) candidates(name string) []string {
	if dns.IsFqdn(name) || len(r.search) == 0 {
		return []string{dns.Fqdn(name)}
	}
	bare := dns.Fqdn(name)
	var out []string
	if dns.CountLabel(bare)-1 >= r.ndots {
		out = append(out, bare)
	}
	for _, domain := range r.search {
		out = append(out, dns.Fqdn(name+"."+strings.TrimSuffix(domain, ".")))
	}
	if len(out) == 0 || out[0] != bare {
		out = append(out, bare)
	}
	return out
}

func (r *Resolver) query(ctx context.Context, server, fqdn string, qtype uint16) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s %s via %s: %w", dns.TypeToString[qtype], fqdn, server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("%s %s via %s: %s", dns.TypeToString[qtype], fqdn, server, rcodeName(resp.Rcode))
	}
	for _, rr := range resp.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%s %s via %s: no records", dns.TypeToString[qtype], fqdn, server)
}

func rcodeName(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return "rcode " + strconv.Itoa(rcode)
}
