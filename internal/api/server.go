// Package api serves the daemon's HTTP API: the REST endpoints used by
// clients and by peers, the /ws push channel and /metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wesleywu/routemesh/internal/bandwidth"
	"github.com/wesleywu/routemesh/internal/connection"
	"github.com/wesleywu/routemesh/internal/diagnose"
	"github.com/wesleywu/routemesh/internal/discovery"
	"github.com/wesleywu/routemesh/internal/events"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/metrics"
	"github.com/wesleywu/routemesh/internal/probe"
	"github.com/wesleywu/routemesh/internal/registry"
	"github.com/wesleywu/routemesh/internal/routing/types"
)

type RouteTable interface {
	Routes() []types.Route
	Counts() (v4, v6 int)
	Fingerprint() uint64
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

type NodeDirectory interface {
	LocalID() string
	Get(id string) (registry.Node, bool)
	List() []registry.Node
	ListStatus(statuses ...registry.Status) []registry.Node
	FindByHostname(hostname string) (registry.Node, bool)
}

type Diagnoser interface {
	TraceRoute(ctx context.Context, dest string) (diagnose.TraceResult, error)
	Diagnose(ctx context.Context, target string) (diagnose.Report, error)
	Ping(ctx context.Context, target string, count int) (probe.PingResult, error)
}

type BandwidthTests interface {
	StartTest(targetID string, duration time.Duration, direction bandwidth.Direction) (string, error)
	Cancel(testID string) error
	Active() []bandwidth.Status
}

type EndpointOpener interface {
	Open(req bandwidth.OpenRequest) (*bandwidth.Endpoint, error)
	CloseTest(testID string) bool
}

type Subscriber interface {
	Subscribe(buffer int, kinds ...events.Kind) (*events.Subscription, error)
}

type Config struct {
	Addr string
	// PeerAddr serves only the peer routes. Empty or equal to Addr means
	// peers use the main listener.
	PeerAddr string
	Version  string
	// RateLimit is requests per second per client; zero disables limiting
	RateLimit    float64
	Burst        int
	MaxBodyBytes int64
}

// Deps are the components the API exposes. Nil members disable the routes
// that need them.
type Deps struct {
	Routes    RouteTable
	Refresher Refresher
	Nodes     NodeDirectory
	Conns     *connection.Store
	Diagnose  Diagnoser
	Bandwidth BandwidthTests
	Endpoints EndpointOpener
	Bus       Subscriber
	Metrics   *metrics.Metrics
	Log       *logger.Logger
}

type Server struct {
	cfg         Config
	deps        Deps
	log         *logger.Logger
	handler     http.Handler
	peerHandler http.Handler
	limiters    *lru.Cache[string, *rate.Limiter]
	upgrader websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
	wsWG      sync.WaitGroup

	mu           sync.Mutex
	listener     net.Listener
	peerListener net.Listener
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RateLimit) + 1
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	limiters, err := lru.New[string, *rate.Limiter](1024)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log.WithComponent("api"),
		limiters: limiters,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
	s.handler = s.routes()
	s.peerHandler = s.peerRoutes()
	return s, nil
}

type handleFunc func(pattern string, limited bool, h http.HandlerFunc)

func (s *Server) handleOn(mux *http.ServeMux) handleFunc {
	return func(pattern string, limited bool, h http.HandlerFunc) {
		var handler http.Handler = h
		if limited {
			handler = s.rateLimit(handler)
		}
		mux.Handle(pattern, s.instrument(pattern, handler))
	}
}

// peer to peer; every announce can trigger a pull so these are not limited.
// Endpoints are bounded by the endpoint server itself.
func (s *Server) handlePeerRoutes(handle handleFunc) {
	handle("GET /health", false, s.handleHealth)
	handle("GET "+discovery.PeersPath, false, s.handlePeers)
	handle("POST "+bandwidth.EndpointPath, false, s.handleOpenEndpoint)
	handle("DELETE "+bandwidth.EndpointPath+"/{test_id}", false, s.handleCloseEndpoint)
}

func (s *Server) peerRoutes() http.Handler {
	mux := http.NewServeMux()
	s.handlePeerRoutes(s.handleOn(mux))
	return mux
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := s.handleOn(mux)

	s.handlePeerRoutes(handle)
	handle("POST /api/trace-route", true, s.handleTraceRoute)
	handle("POST /api/ping", true, s.handlePing)
	handle("POST /api/diagnose", true, s.handleDiagnose)
	handle("POST /api/bandwidth-test", true, s.handleStartBandwidthTest)
	handle("GET /api/bandwidth-test", true, s.handleActiveBandwidthTests)
	handle("DELETE /api/bandwidth-test/{id}", true, s.handleCancelBandwidthTest)
	handle("GET /api/routing-table", true, s.handleRoutingTable)
	handle("POST /api/routing-table/refresh", true, s.handleRefreshRoutingTable)
	handle("GET /api/nodes", true, s.handleNodes)
	handle("GET /api/nodes/{id}", true, s.handleNode)
	handle("GET /api/connections", true, s.handleConnections)

	handle("GET /ws", true, s.handleWebSocket)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return mux
}

// Handler returns the API handler, for mounting in tests or another server
func (s *Server) Handler() http.Handler { return s.handler }

// PeerHandler serves only the routes other nodes call
func (s *Server) PeerHandler() http.Handler { return s.peerHandler }

func (s *Server) separatePeerListener() bool {
	return s.cfg.PeerAddr != "" && s.cfg.PeerAddr != s.cfg.Addr
}

// ListenAndServe serves until ctx is done and then shuts down gracefully.
// The peer listener runs alongside when configured; either failing stops both.
func (s *Server) ListenAndServe(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.serve(gctx, "API", s.cfg.Addr, s.handler, &s.listener)
	})
	if s.separatePeerListener() {
		g.Go(func() error {
			return s.serve(gctx, "Peer", s.cfg.PeerAddr, s.peerHandler, &s.peerListener)
		})
	}
	err := g.Wait()
	s.Close()
	return err
}

func (s *Server) serve(ctx context.Context, name, addr string, handler http.Handler, slot *net.Listener) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	*slot = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info(name+" server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// websocket connections are hijacked and not covered by Shutdown
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error(name+" server shutdown failed", "error", err.Error())
		return err
	}
	s.log.Info(name + " server stopped")
	return nil
}

// Addr is the bound listen address once ListenAndServe has started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// PeerAddr is the bound peer listen address, nil when peers share the main
// listener or before ListenAndServe has started
func (s *Server) PeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerListener == nil {
		return nil
	}
	return s.peerListener.Addr()
}

// Close disconnects every websocket client and waits for them
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wsWG.Wait()
}

func (s *Server) limiterFor(r *http.Request) *rate.Limiter {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if l, ok := s.limiters.Get(host); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.Burst)
	if prev, ok, _ := s.limiters.PeekOrAdd(host, l); ok {
		return prev
	}
	return l
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(r).Allow() {
			writeError(w, s.log, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.deps.Metrics.RecordAPIRequest(route, rec.status)
		s.log.Debug("API request",
			"route", route,
			"status", rec.status,
			"duration", time.Since(start).String())
	})
}
