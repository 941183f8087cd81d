package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesleywu/routemesh/internal/api"
	"github.com/wesleywu/routemesh/internal/bandwidth"
	"github.com/wesleywu/routemesh/internal/config"
	"github.com/wesleywu/routemesh/internal/connection"
	"github.com/wesleywu/routemesh/internal/diagnose"
	"github.com/wesleywu/routemesh/internal/discovery"
	"github.com/wesleywu/routemesh/internal/events"
	"github.com/wesleywu/routemesh/internal/health"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/metrics"
	"github.com/wesleywu/routemesh/internal/probe"
	"github.com/wesleywu/routemesh/internal/registry"
	"github.com/wesleywu/routemesh/internal/resolve"
	"github.com/wesleywu/routemesh/internal/routing"
	"github.com/wesleywu/routemesh/internal/routing/platform"
)

const (
	peerRequestTimeout = 5 * time.Second
	stopTimeout        = 10 * time.Second
)

// ServiceManager owns every component of a running node
type ServiceManager struct {
	config     *config.Config
	configFile string
	version    string
	logger     *logger.Logger
	baseLog    *logger.Logger
	nodeID     string
	hostname   string

	metrics     *metrics.Metrics
	bus         *events.Bus
	registry    *registry.Registry
	table       *routing.Table
	refresher   *routing.Refresher
	conns       *connection.Store
	prober      *probe.UDPProber
	resolver    *resolve.Resolver
	diagnose    *diagnose.Service
	endpoints   *bandwidth.EndpointServer
	coordinator *bandwidth.Coordinator
	monitor     *health.Monitor
	api         *api.Server

	responder *probe.Responder
	group     *errgroup.Group
	groupCtx  context.Context
	stopChan  chan os.Signal
	ctx       context.Context
	cancel    context.CancelFunc
	mutex     sync.RWMutex
	isRunning bool
}

// NewServiceManager builds the components described by cfg. Nothing listens
// until Start.
func NewServiceManager(cfg *config.Config, configFile, version string, log *logger.Logger) (*ServiceManager, error) {
	sm := &ServiceManager{
		config:     cfg,
		configFile: configFile,
		version:    version,
		logger:     log.WithComponent("service"),
		baseLog:    log,
		hostname:   config.ResolveHostname(cfg.Node),
		stopChan:   make(chan os.Signal, 1),
	}

	var err error
	sm.nodeID, err = config.ResolveNodeID(cfg.Node, time.Now())
	if err != nil {
		if sm.nodeID == "" {
			return nil, fmt.Errorf("failed to resolve node id: %w", err)
		}
		sm.logger.Warn("Node id not persisted, it will change on restart", "state_file", cfg.Node.StateFile, "error", err)
	}

	sm.metrics = metrics.New()
	sm.bus = events.NewBus(events.WithObserver(sm.metrics), events.WithLogger(log.WithComponent("events")))
	sm.registry = registry.New(sm.nodeID,
		registry.WithPublisher(sm.bus),
		registry.WithMetrics(sm.metrics),
		registry.WithLogger(log.WithComponent("registry")),
		registry.WithPeerTimeout(cfg.Discovery.PeerTimeout),
		registry.WithOfflineRetention(cfg.Discovery.OfflineRetention))
	sm.conns = connection.NewStore()

	sm.table = routing.NewTable(sm.bus, sm.metrics, log.WithComponent("routing"))
	sm.refresher = routing.NewRefresher(sm.table, RouteSource(cfg), cfg.Routing.RefreshInterval,
		log.WithComponent("routing"),
		routing.WithWatch(cfg.Routing.Watch && cfg.Routing.StaticFile == ""))

	servers, err := config.NormalizeDNSServers(cfg.DNS.Servers)
	if err != nil {
		return nil, err
	}
	sm.resolver = resolve.New(sm.registry, servers, cfg.DNS.Timeout, resolve.WithLogger(log.WithComponent("resolve")))

	sm.prober = probe.NewUDPProber(cfg.Health.ProbeTimeout)
	sm.diagnose = diagnose.NewService(diagnose.Config{
		ProbePort:    cfg.Health.ProbePort,
		ProbeTimeout: cfg.Health.ProbeTimeout,
	}, sm.table, sm.resolver, sm.registry, sm.prober, diagnose.WithLogger(log.WithComponent("diagnose")))

	sm.endpoints = bandwidth.NewEndpointServer(cfg.Discovery.PeerBindAddress, cfg.Bandwidth.Port,
		2*cfg.Bandwidth.MaxDuration+time.Minute, log.WithComponent("bandwidth"),
		bandwidth.WithMaxEndpoints(cfg.Bandwidth.MaxConcurrent))
	sm.coordinator, err = bandwidth.NewCoordinator(bandwidth.Config{
		DefaultDuration: cfg.Bandwidth.DefaultDuration,
		MaxDuration:     cfg.Bandwidth.MaxDuration,
		MaxConcurrent:   cfg.Bandwidth.MaxConcurrent,
	}, sm.registry, bandwidth.NewHTTPOpener(peerRequestTimeout), sm.conns, sm.bus,
		bandwidth.WithMetrics(sm.metrics),
		bandwidth.WithLogger(log.WithComponent("bandwidth")))
	if err != nil {
		return nil, fmt.Errorf("failed to create bandwidth coordinator: %w", err)
	}

	if cfg.Health.Enabled {
		sm.monitor = health.NewMonitor(health.Config{
			Interval:         cfg.Health.PingInterval,
			Timeout:          cfg.Health.ProbeTimeout,
			FailureThreshold: cfg.Health.FailureThreshold,
			Jitter:           cfg.Health.Jitter,
			ProbePort:        cfg.Health.ProbePort,
			MaxConcurrent:    cfg.Health.MaxConcurrent,
			Backoff:          cfg.Backoff(),
		}, sm.registry, sm.prober, sm.conns, sm.bus,
			health.WithMetrics(sm.metrics),
			health.WithLogger(log.WithComponent("health")))
	}

	apiCfg := api.Config{
		Addr:      cfg.ListenAddress(),
		Version:   version,
		RateLimit: cfg.Server.RateLimitPerSecond,
		Burst:     cfg.Server.RateLimitBurst,
	}
	// without discovery no peer knows this node, so the peer routes stay on
	// the main listener only
	if cfg.Discovery.Enabled {
		apiCfg.PeerAddr = cfg.PeerListenAddress()
	}
	sm.api, err = api.NewServer(apiCfg, api.Deps{
		Routes:    sm.table,
		Refresher: sm.refresher,
		Nodes:     sm.registry,
		Conns:     sm.conns,
		Diagnose:  sm.diagnose,
		Bandwidth: sm.coordinator,
		Endpoints: sm.endpoints,
		Bus:       sm.bus,
		Metrics:   sm.metrics,
		Log:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}
	return sm, nil
}

// RouteSource is the static route file when one is configured, else the
// OS routing table
func RouteSource(cfg *config.Config) routing.Source {
	if cfg.Routing.StaticFile != "" {
		return platform.StaticFile{Path: cfg.Routing.StaticFile}
	}
	return platform.New()
}

func (sm *ServiceManager) NodeID() string { return sm.nodeID }

func (sm *ServiceManager) Start() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.isRunning {
		return fmt.Errorf("service is already running")
	}

	signal.Notify(sm.stopChan, syscall.SIGINT, syscall.SIGTERM)

	sm.logger.ServiceStart(sm.version, sm.nodeID)
	sm.logger.ConfigLoaded(sm.configFile, sm.config.Discovery.Enabled, sm.config.Health.Enabled)

	sm.ctx, sm.cancel = context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(sm.ctx)
	sm.group, sm.groupCtx = g, ctx

	responder, err := probe.StartResponder(net.JoinHostPort("", strconv.Itoa(sm.config.Health.ProbePort)), sm.baseLog.WithComponent("probe"))
	if err != nil {
		sm.cancel()
		return fmt.Errorf("failed to start probe responder: %w", err)
	}
	sm.responder = responder

	g.Go(func() error { return sm.refresher.Run(ctx) })

	if sm.monitor != nil {
		if err := sm.monitor.Start(ctx); err != nil {
			sm.abortStart()
			return fmt.Errorf("failed to start health monitor: %w", err)
		}
	}

	if sm.config.Discovery.Enabled {
		d := sm.config.Discovery
		transport, err := discovery.NewMulticastTransport(ctx, d.MulticastGroup, d.MulticastPort, sm.baseLog.WithComponent("discovery"))
		if err != nil {
			sm.abortStart()
			return fmt.Errorf("failed to open discovery transport: %w", err)
		}
		svc, err := discovery.NewService(discovery.Config{
			Hostname:        sm.hostname,
			Version:         sm.version,
			APIPort:         d.PeerPort,
			Interval:        d.Interval,
			ReapInterval:    d.ReapInterval,
			GossipCacheSize: d.GossipCacheSize,
			GossipRefresh:   d.GossipRefresh,
			PullTimeout:     peerRequestTimeout,
			Backoff:         sm.config.Backoff(),
			DiscoveryPort:   d.MulticastPort,
			Seeds:           sm.seedSources(),
			SeedInterval:    d.SeedInterval,
		}, sm.registry, transport, discovery.NewHTTPPeerFetcher(peerRequestTimeout),
			discovery.WithMetrics(sm.metrics),
			discovery.WithLogger(sm.baseLog.WithComponent("discovery")))
		if err != nil {
			_ = transport.Close()
			sm.abortStart()
			return fmt.Errorf("failed to create discovery service: %w", err)
		}
		g.Go(func() error { return svc.Run(ctx) })
	}

	g.Go(func() error { return sm.api.ListenAndServe(ctx) })

	sm.isRunning = true
	return nil
}

// seedSources returns the configured unicast seed sources
func (sm *ServiceManager) seedSources() []discovery.SeedSource {
	var sources []discovery.SeedSource
	if sm.config.Discovery.WireGuardSeeds {
		sources = append(sources, discovery.NewWireGuardSeeds())
	}
	if sm.config.Discovery.VPNScan {
		sources = append(sources, discovery.NewVPNSweep(sm.prober, sm.config.Health.ProbePort))
	}
	return sources
}

// abortStart unwinds a partially started service. Called with mutex held.
func (sm *ServiceManager) abortStart() {
	sm.cancel()
	if sm.monitor != nil {
		sm.monitor.Stop()
	}
	_ = sm.responder.Close()
	_ = sm.group.Wait()
	signal.Stop(sm.stopChan)
}

// Stop shuts components down in the reverse order of Start
func (sm *ServiceManager) Stop() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if !sm.isRunning {
		return nil
	}

	sm.logger.ServiceStop()
	signal.Stop(sm.stopChan)
	sm.cancel()

	done := make(chan error, 1)
	go func() {
		sm.api.Close()
		if sm.monitor != nil {
			sm.monitor.Stop()
		}
		sm.coordinator.Close()
		sm.endpoints.Close()
		if err := sm.responder.Close(); err != nil {
			sm.logger.Error("failed to close probe responder", "error", err)
		}
		err := sm.group.Wait()
		sm.bus.Close()
		done <- err
	}()

	sm.isRunning = false

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("service stop timeout")
	}
}

// Wait blocks until a signal arrives or a component fails, then stops
func (sm *ServiceManager) Wait() error {
	select {
	case sig := <-sm.stopChan:
		sm.logger.Info("received signal", "signal", sig.String())
	case <-sm.groupCtx.Done():
		sm.logger.Error("component failed, stopping")
	}
	return sm.Stop()
}

func (sm *ServiceManager) IsRunning() bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.isRunning
}

// GetStatus summarises the node for the status command and logs
func (sm *ServiceManager) GetStatus() map[string]interface{} {
	sm.mutex.RLock()
	running := sm.isRunning
	sm.mutex.RUnlock()

	v4, v6 := sm.table.Counts()
	nodes := make(map[string]int)
	for status, n := range sm.registry.Counts() {
		nodes[string(status)] = n
	}
	return map[string]interface{}{
		"running":           running,
		"node_id":           sm.nodeID,
		"hostname":          sm.hostname,
		"listen_address":    sm.config.ListenAddress(),
		"peer_address":      sm.config.PeerListenAddress(),
		"ipv4_routes":       v4,
		"ipv6_routes":       v6,
		"nodes":             nodes,
		"active_bandwidth":  len(sm.coordinator.Active()),
		"dropped_events":    sm.bus.Dropped(),
		"discovery_enabled": sm.config.Discovery.Enabled,
		"health_enabled":    sm.monitor != nil,
	}
}
