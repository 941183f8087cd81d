// Package diagnose answers the path questions the API exposes: which route
// carries a destination, whether it answers, and what is wrong when it
// does not.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/network"
	"github.com/wesleywu/routemesh/internal/probe"
	"github.com/wesleywu/routemesh/internal/registry"
	"github.com/wesleywu/routemesh/internal/resolve"
	"github.com/wesleywu/routemesh/internal/routing/types"
	"github.com/wesleywu/routemesh/internal/utils"
)

type IssueType string

const (
	IssueNone               IssueType = "none"
	IssueInvalidDestination IssueType = "invalid_destination"
	IssueNoRoute            IssueType = "no_route"
	IssueNodeOffline        IssueType = "node_offline"
	IssueNodeDegraded       IssueType = "node_degraded"
	IssueUnreachable        IssueType = "unreachable"
)

// Hop kinds along a trace-route path
const (
	HopLocal       = "local"
	HopGateway     = "gateway"
	HopDestination = "destination"
)

type Router interface {
	Lookup(addr netip.Addr) (types.Route, bool)
}

type Resolver interface {
	Resolve(ctx context.Context, dest string) (resolve.Result, error)
}

type Directory interface {
	LocalID() string
	Get(id string) (registry.Node, bool)
	List() []registry.Node
}

type Config struct {
	ProbePort    int
	ProbeTimeout time.Duration
	PingInterval time.Duration
}

type Service struct {
	cfg      Config
	router   Router
	resolver Resolver
	dir      Directory
	prober   probe.Prober
	log      *logger.Logger
	// ifaceAddrs lists the addresses of a local interface
	ifaceAddrs func(name string) []netip.Addr
}

type Option func(*Service)

func WithLogger(l *logger.Logger) Option { return func(s *Service) { s.log = l } }

// WithInterfaceAddrs replaces the local interface lookup used for the
// first hop
func WithInterfaceAddrs(f func(name string) []netip.Addr) Option {
	return func(s *Service) { s.ifaceAddrs = f }
}

func NewService(cfg Config, router Router, resolver Resolver, dir Directory, prober probe.Prober, opts ...Option) *Service {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = probe.DefaultTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	s := &Service{
		cfg:        cfg,
		router:     router,
		resolver:   resolver,
		dir:        dir,
		prober:     prober,
		log:        logger.Nop(),
		ifaceAddrs: interfaceAddrs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func interfaceAddrs(name string) []netip.Addr {
	info, err := network.GetInterfaceByName(name)
	if err != nil {
		return nil
	}
	return info.Addrs
}

type Hop struct {
	Hop           int      `json:"hop"`
	Kind          string   `json:"kind"`
	Address       string   `json:"address"`
	Interface     string   `json:"interface,omitempty"`
	InterfaceType string   `json:"interface_type,omitempty"`
	NodeID        string   `json:"node_id,omitempty"`
	Hostname      string   `json:"hostname,omitempty"`
	LatencyMs     *float64 `json:"latency_ms,omitempty"`
}

type TraceResult struct {
	Destination  string             `json:"destination"`
	ResolvedIP   string             `json:"resolved_ip"`
	MatchedRoute *types.RouteRecord `json:"matched_route"`
	Path         []Hop              `json:"path"`
}

// TraceRoute resolves dest and reports the route the local table selects
// for it along with the hops that route implies
func (s *Service) TraceRoute(ctx context.Context, dest string) (TraceResult, error) {
	res, err := s.resolver.Resolve(ctx, dest)
	if err != nil {
		return TraceResult{}, err
	}
	route, ok := s.router.Lookup(res.Addr)
	if !ok {
		return TraceResult{}, apperr.New(apperr.NoRouteToHost, "no route to %s", res.Addr)
	}

	rec := route.Record()
	return TraceResult{
		Destination:  dest,
		ResolvedIP:   res.Addr.String(),
		MatchedRoute: &rec,
		Path:         s.path(route, res.Addr),
	}, nil
}

func (s *Service) path(route types.Route, dst netip.Addr) []Hop {
	kind := utils.ClassifyInterface(route.Interface)
	nodes := s.dir.List()

	local := Hop{Kind: HopLocal, Interface: route.Interface, InterfaceType: kind, NodeID: s.dir.LocalID()}
	for _, a := range s.ifaceAddrs(route.Interface) {
		if a.Is4() == dst.Is4() {
			local.Address = a.String()
			break
		}
	}
	hops := []Hop{local}

	if route.Gateway.IsValid() && route.Gateway != dst {
		gw := Hop{Kind: HopGateway, Address: route.Gateway.String(), Interface: route.Interface, InterfaceType: kind}
		annotate(&gw, nodes, route.Gateway)
		hops = append(hops, gw)
	}

	last := Hop{Kind: HopDestination, Address: dst.String()}
	annotate(&last, nodes, dst)
	hops = append(hops, last)

	for i := range hops {
		hops[i].Hop = i + 1
	}
	return hops
}

func annotate(h *Hop, nodes []registry.Node, addr netip.Addr) {
	for _, n := range nodes {
		if n.HasAddr(addr) {
			h.NodeID = n.ID
			h.Hostname = n.Hostname
			h.LatencyMs = n.LatencyMs
			return
		}
	}
}

type AlternativePath struct {
	ViaNodeID   string   `json:"via_node_id"`
	ViaHostname string   `json:"via_hostname"`
	LatencyMs   *float64 `json:"latency_ms"`
}

type Diagnosis struct {
	IssueType        IssueType         `json:"issue_type"`
	SuggestedFixes   []string          `json:"suggested_fixes"`
	AlternativePaths []AlternativePath `json:"alternative_paths"`
}

type Report struct {
	Target         string    `json:"target"`
	ResolvedIP     string    `json:"resolved_ip,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	Reachable      bool      `json:"reachable"`
	KnownViaGossip bool      `json:"known_via_gossip"`
	Diagnosis      Diagnosis `json:"diagnosis"`
}

// Diagnose classifies what stands between this node and target. A failed
// resolution or a missing route are reported in the result, not as errors.
func (s *Service) Diagnose(ctx context.Context, target string) (Report, error) {
	rep := Report{Target: target}

	res, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		if apperr.CodeOf(err) != apperr.InvalidDestination {
			return rep, err
		}
		return s.finish(rep, IssueInvalidDestination, nil), nil
	}
	rep.ResolvedIP = res.Addr.String()

	node, isNode := s.meshNode(res)
	if isNode {
		rep.NodeID = node.ID
		rep.KnownViaGossip = s.knownViaGossip(node)
	}

	if _, ok := s.router.Lookup(res.Addr); !ok {
		return s.finish(rep, IssueNoRoute, nil), nil
	}

	if !isNode {
		// hosts outside the mesh do not answer the probe protocol
		rep.Reachable = true
		return s.finish(rep, IssueNone, nil), nil
	}

	alternatives := s.alternatives(node.ID)
	rep.Reachable = s.reachable(ctx, node)
	switch {
	case node.Status == registry.StatusOffline && !rep.Reachable:
		return s.finish(rep, IssueNodeOffline, alternatives), nil
	case node.Status == registry.StatusDegraded:
		return s.finish(rep, IssueNodeDegraded, alternatives), nil
	case !rep.Reachable:
		return s.finish(rep, IssueUnreachable, alternatives), nil
	}
	return s.finish(rep, IssueNone, nil), nil
}

func (s *Service) finish(rep Report, issue IssueType, alternatives []AlternativePath) Report {
	if alternatives == nil {
		alternatives = []AlternativePath{}
	}
	rep.Diagnosis = Diagnosis{
		IssueType:        issue,
		SuggestedFixes:   fixesFor(issue),
		AlternativePaths: alternatives,
	}
	s.log.Debug("Diagnosis finished",
		"target", rep.Target,
		"issue_type", string(issue),
		"reachable", rep.Reachable)
	return rep
}

func fixesFor(issue IssueType) []string {
	var fixes []string
	switch issue {
	case IssueInvalidDestination:
		fixes = apperr.SuggestedFixes(apperr.InvalidDestination)
	case IssueNoRoute:
		fixes = apperr.SuggestedFixes(apperr.NoRouteToHost)
	case IssueNodeOffline:
		fixes = []string{
			"Check that the routemesh daemon is running on the node",
			"Check the node's network link and VPN tunnel",
		}
	case IssueNodeDegraded:
		fixes = []string{
			"Recent health probes are failing; check packet loss on the path",
			"Try one of the alternative paths",
		}
	case IssueUnreachable:
		fixes = apperr.SuggestedFixes(apperr.NodeUnreachable)
	}
	if fixes == nil {
		fixes = []string{}
	}
	return fixes
}

func (s *Service) meshNode(res resolve.Result) (registry.Node, bool) {
	if res.NodeID != "" {
		return s.dir.Get(res.NodeID)
	}
	for _, n := range s.dir.List() {
		if n.HasAddr(res.Addr) {
			return n, true
		}
	}
	return registry.Node{}, false
}

// knownViaGossip reports whether the node is vouched for by gossip, either
// first learned that way or listed by another peer
func (s *Service) knownViaGossip(node registry.Node) bool {
	if node.DiscoveredVia == registry.ViaGossip {
		return true
	}
	for _, n := range s.dir.List() {
		if n.ID != node.ID && n.Knows(node.ID) {
			return true
		}
	}
	return false
}

// alternatives lists Online peers that know the target, lowest latency first
func (s *Service) alternatives(target string) []AlternativePath {
	var out []AlternativePath
	for _, n := range s.dir.List() {
		if n.ID == target || n.Status != registry.StatusOnline || !n.Knows(target) {
			continue
		}
		out = append(out, AlternativePath{ViaNodeID: n.ID, ViaHostname: n.Hostname, LatencyMs: n.LatencyMs})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LatencyMs, out[j].LatencyMs
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return *a < *b
	})
	return out
}

func (s *Service) reachable(ctx context.Context, node registry.Node) bool {
	if s.prober == nil || s.cfg.ProbePort == 0 {
		return node.Reachable()
	}
	for _, addr := range node.Addresses {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		_, err := s.prober.Probe(pctx, netip.AddrPortFrom(addr, uint16(s.cfg.ProbePort)))
		cancel()
		if err == nil {
			return true
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return false
		}
	}
	return false
}

// Ping probes target count times over the mesh probe protocol
func (s *Service) Ping(ctx context.Context, target string, count int) (probe.PingResult, error) {
	if count < 0 || count > probe.MaxPingCount {
		return probe.PingResult{}, apperr.New(apperr.InvalidDestination, "count must be between 1 and %d", probe.MaxPingCount)
	}
	if s.prober == nil {
		return probe.PingResult{}, apperr.New(apperr.PlatformNotSupported, "health probing is disabled")
	}
	res, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return probe.PingResult{}, err
	}
	result, err := probe.Ping(ctx, s.prober, netip.AddrPortFrom(res.Addr, uint16(s.cfg.ProbePort)), count, s.cfg.PingInterval)
	if err != nil {
		return result, fmt.Errorf("ping %s: %w", target, err)
	}
	return result, nil
}
