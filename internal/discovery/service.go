// Package discovery finds mesh peers.
//
// Multicast announcements are a freshness signal only; nothing relies on
// them arriving. Convergence of the peer set comes from gossip pulls: the
// first time an announcement mentions a peer id this node has never seen,
// the announcing node's peer list is pulled over HTTP and merged into the
// registry. Merging never removes entries; only the local reaper does.
//
// Peers multicast cannot reach, such as those behind a WireGuard tunnel,
// are found through seed sources: each seed gets a unicast announcement,
// and a node answers the first announcement of a new peer with one.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/metrics"
	"github.com/wesleywu/routemesh/internal/network"
	"github.com/wesleywu/routemesh/internal/registry"
	"github.com/wesleywu/routemesh/internal/utils"
)

// Directory is the part of the registry discovery drives
type Directory interface {
	LocalID() string
	Upsert(info registry.NodeInfo, via string) (registry.Node, bool, error)
	MergePeerList(from string, infos []registry.NodeInfo) int
	MarkGoodbye(id, reason string) error
	Reap() (offline, removed int)
	Has(id string) bool
	KnownIDs() []string
	ListStatus(statuses ...registry.Status) []registry.Node
}

type Config struct {
	Hostname string
	Version  string
	// APIPort is advertised so peers can pull our peer list
	APIPort         int
	Interval        time.Duration
	ReapInterval    time.Duration
	GossipCacheSize int
	GossipRefresh   bool
	PullConcurrency int
	PullTimeout     time.Duration
	Backoff         utils.Backoff
	// DiscoveryPort is where unicast announcements to seeds are sent
	DiscoveryPort int
	Seeds         []SeedSource
	SeedInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 10 * time.Second
	}
	if c.GossipCacheSize <= 0 {
		c.GossipCacheSize = 1024
	}
	if c.PullConcurrency <= 0 {
		c.PullConcurrency = 8
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 5 * time.Second
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff = utils.DefaultBackoff
	}
	if c.SeedInterval <= 0 {
		c.SeedInterval = 5 * time.Minute
	}
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *logger.Logger) Option { return func(s *Service) { s.log = l } }

// WithAddressSource replaces local interface enumeration
func WithAddressSource(f func() ([]netip.Addr, error)) Option {
	return func(s *Service) { s.addrs = f }
}

// Service runs the announcer, listener, gossip puller and reaper
type Service struct {
	cfg       Config
	dir       Directory
	transport Transport
	fetcher   PeerFetcher
	addrs     func() ([]netip.Addr, error)
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *logger.Logger

	// ids a pull has been started for, so one unknown id causes one pull
	pulled *lru.Cache[string, struct{}]
	pool   *ants.Pool
}

func NewService(cfg Config, dir Directory, transport Transport, fetcher PeerFetcher, opts ...Option) (*Service, error) {
	cfg.setDefaults()
	s := &Service{
		cfg:       cfg,
		dir:       dir,
		transport: transport,
		fetcher:   fetcher,
		addrs:     network.LocalAddresses,
		clock:     clock.New(),
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	pulled, err := lru.New[string, struct{}](cfg.GossipCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create gossip cache: %w", err)
	}
	s.pulled = pulled

	pool, err := ants.NewPool(cfg.PullConcurrency,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			s.log.Error("Gossip pull panicked", "panic", fmt.Sprint(p))
		}))
	if err != nil {
		return nil, fmt.Errorf("create gossip pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Run blocks until ctx is done. On the way out it sends a goodbye, waits for
// running pulls and closes the transport.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listen(gctx) })
	g.Go(func() error { s.announceLoop(gctx); return nil })
	g.Go(func() error { s.reapLoop(gctx); return nil })
	if s.cfg.GossipRefresh {
		g.Go(func() error { s.refreshLoop(gctx); return nil })
	}
	if len(s.cfg.Seeds) > 0 && s.cfg.DiscoveryPort > 0 {
		g.Go(func() error { s.seedLoop(gctx); return nil })
	}
	s.log.Info("Discovery started",
		"node_id", s.dir.LocalID(),
		"interval", s.cfg.Interval.String(),
		"gossip_refresh", s.cfg.GossipRefresh,
		"seed_sources", len(s.cfg.Seeds))

	err := g.Wait()

	goodbyeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	if gerr := s.SendGoodbye(goodbyeCtx, "shutdown"); gerr != nil {
		s.log.Debug("Goodbye not sent", "error", gerr)
	}
	cancel()

	if perr := s.pool.ReleaseTimeout(5 * time.Second); perr != nil {
		s.log.Debug("Gossip pulls still running at shutdown", "error", perr)
	}
	if cerr := s.transport.Close(); cerr != nil {
		s.log.Debug("Failed to close discovery transport", "error", cerr)
	}
	s.log.Info("Discovery stopped")
	return err
}

// Announcement builds this node's current announcement
func (s *Service) Announcement() *Announce {
	addrs, err := s.addrs()
	if err != nil {
		s.log.Warn("Failed to list local addresses", "error", err)
	}
	return &Announce{
		NodeID:     s.dir.LocalID(),
		Hostname:   s.cfg.Hostname,
		Addresses:  addrs,
		Port:       s.cfg.APIPort,
		Timestamp:  s.clock.Now().UTC(),
		Version:    s.cfg.Version,
		KnownPeers: s.dir.KnownIDs(),
	}
}

// Announce sends one announcement, retrying transient send failures
func (s *Service) Announce(ctx context.Context) error {
	data, err := Encode(s.Announcement())
	if err != nil {
		return err
	}
	return utils.Retry(ctx, s.cfg.Backoff, func(ctx context.Context) error {
		return s.transport.Send(ctx, data)
	}, func(attempt int, err error, wait time.Duration) {
		s.log.Debug("Retrying announcement",
			"attempt", attempt,
			"wait", wait.String(),
			"error", err)
	})
}

// SendGoodbye tells peers this node is leaving
func (s *Service) SendGoodbye(ctx context.Context, reason string) error {
	data, err := Encode(&Goodbye{NodeID: s.dir.LocalID(), Reason: reason})
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, data)
}

func (s *Service) announceLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Announce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("Announcement failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) seedLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.SeedInterval)
	defer ticker.Stop()

	for {
		s.AnnounceToSeeds(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// AnnounceToSeeds sends a unicast announcement to every seed address that
// is neither local nor already held by a live node, and returns how many
// were sent. A failing seed source is logged and skipped.
func (s *Service) AnnounceToSeeds(ctx context.Context) int {
	known := make(map[netip.Addr]struct{})
	if local, err := s.addrs(); err == nil {
		for _, a := range local {
			known[a] = struct{}{}
		}
	}
	for _, n := range s.dir.ListStatus(registry.StatusDiscovered, registry.StatusOnline, registry.StatusDegraded) {
		for _, a := range n.Addresses {
			known[a] = struct{}{}
		}
	}

	var targets []netip.Addr
	for _, src := range s.cfg.Seeds {
		addrs, err := src.Seeds(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			s.log.Debug("Seed source failed", "source", src.Name(), "error", err)
			continue
		}
		for _, a := range addrs {
			a = a.Unmap()
			if _, ok := known[a]; ok || !a.IsValid() || a.IsLoopback() {
				continue
			}
			known[a] = struct{}{}
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	data, err := Encode(s.Announcement())
	if err != nil {
		s.log.Warn("Failed to encode seed announcement", "error", err)
		return 0
	}
	sent := 0
	for _, a := range targets {
		if err := s.transport.SendTo(ctx, data, netip.AddrPortFrom(a, uint16(s.cfg.DiscoveryPort))); err != nil {
			s.log.Debug("Seed announcement failed", "seed", a.String(), "error", err)
			continue
		}
		sent++
	}
	s.log.Debug("Announced to seeds", "seeds", len(targets), "sent", sent)
	return sent
}

// replyTo answers the first announcement of a new node with a unicast
// announcement, so a peer that found us through a seed learns about us
// even when our multicast cannot reach it
func (s *Service) replyTo(ctx context.Context, to netip.AddrPort) {
	if !to.IsValid() || to.Addr().IsMulticast() {
		return
	}
	data, err := Encode(s.Announcement())
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.transport.SendTo(rctx, data, to); err != nil {
		s.log.Debug("Unicast reply failed", "peer", to.String(), "error", err)
	}
}

func (s *Service) reapLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if offline, removed := s.dir.Reap(); offline > 0 || removed > 0 {
				s.log.Debug("Reaped nodes", "offline", offline, "removed", removed)
			}
		}
	}
}

// refreshLoop pulls from one random Online peer per interval so peers
// missed by multicast still converge
func (s *Service) refreshLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := s.dir.ListStatus(registry.StatusOnline)
			if len(online) == 0 {
				continue
			}
			s.schedulePull(ctx, online[rand.IntN(len(online))], nil)
		}
	}
}

func (s *Service) listen(ctx context.Context) error {
	buf := make([]byte, MaxMessageSize)
	failures := 0
	for {
		n, from, err := s.transport.ReadFrom(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			wait := s.cfg.Backoff.Delay(failures - 1)
			s.log.Warn("Discovery receive failed",
				"error", err,
				"consecutive_failures", failures,
				"wait", wait.String())
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(wait):
			}
			continue
		}
		failures = 0
		if err := s.HandleMessage(ctx, buf[:n], from); err != nil {
			s.log.Debug("Ignored discovery datagram",
				"from", from.String(),
				"error", err)
		}
	}
}

// HandleMessage applies one received datagram
func (s *Service) HandleMessage(ctx context.Context, data []byte, from netip.AddrPort) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *Announce:
		if m.NodeID == s.dir.LocalID() {
			return nil
		}
		info := m.Info()
		if len(info.Addresses) == 0 && from.IsValid() {
			info.Addresses = []netip.Addr{from.Addr().Unmap()}
		}
		node, created, err := s.dir.Upsert(info, registry.ViaBroadcast)
		if err != nil {
			return err
		}
		if created {
			s.replyTo(ctx, from)
		}
		if unknown := s.unknownPeers(m.KnownPeers); len(unknown) > 0 {
			s.schedulePull(ctx, node, unknown)
		}
	case *Goodbye:
		if m.NodeID == s.dir.LocalID() {
			return nil
		}
		if err := s.dir.MarkGoodbye(m.NodeID, m.Reason); err != nil && !errors.Is(err, apperr.ErrNodeNotFound) {
			return err
		}
	}
	return nil
}

// unknownPeers returns the ids never seen before and marks them as pulled
func (s *Service) unknownPeers(ids []string) []string {
	var unknown []string
	local := s.dir.LocalID()
	for _, id := range ids {
		if id == "" || id == local || s.dir.Has(id) {
			continue
		}
		if ok, _ := s.pulled.ContainsOrAdd(id, struct{}{}); ok {
			continue
		}
		unknown = append(unknown, id)
	}
	return unknown
}

// schedulePull pulls from node on the gossip pool. ids are the unknown
// peers that triggered it; they are forgotten again if the pull fails so a
// later announcement can retry.
func (s *Service) schedulePull(ctx context.Context, node registry.Node, ids []string) {
	err := s.pool.Submit(func() { s.pull(ctx, node, ids) })
	if err != nil {
		s.forget(ids)
		s.log.Debug("Gossip pull not scheduled", "peer", node.ID, "error", err)
	}
}

func (s *Service) pull(ctx context.Context, node registry.Node, ids []string) {
	var infos []registry.NodeInfo
	err := utils.Retry(ctx, s.cfg.Backoff, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PullTimeout)
		defer cancel()
		var err error
		infos, err = s.fetcher.FetchPeers(pctx, node)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		s.log.Debug("Retrying gossip pull",
			"peer", node.ID,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err)
	})
	if err != nil {
		s.forget(ids)
		s.metrics.RecordGossipPull(false)
		if ctx.Err() == nil {
			s.log.GossipPull(node.ID, 0, 0, err)
		}
		return
	}

	added := s.dir.MergePeerList(node.ID, infos)
	s.metrics.RecordGossipPull(true)
	s.log.GossipPull(node.ID, len(infos), added, nil)
}

func (s *Service) forget(ids []string) {
	for _, id := range ids {
		s.pulled.Remove(id)
	}
}
