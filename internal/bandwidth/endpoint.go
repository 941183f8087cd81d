package bandwidth

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/logger"
)

const (
	// ChunkSize is the write size of both phases
	ChunkSize = 64 * 1024

	modeUpload   byte = 0 // client sends, endpoint receives
	modeDownload byte = 1 // endpoint sends, client receives

	sessionGrace = 5 * time.Second

	// DefaultMaxEndpoints caps open endpoints when no limit is configured
	DefaultMaxEndpoints = 4
)

var ErrInvalidRequest = errors.New("invalid bandwidth endpoint request")

// OpenRequest asks a node to open a transient test endpoint
type OpenRequest struct {
	TestID       string  `json:"test_id"`
	Phases       int     `json:"phases"`
	PhaseSeconds float64 `json:"phase_seconds"`
}

func (r OpenRequest) phaseDuration() time.Duration {
	return time.Duration(r.PhaseSeconds * float64(time.Second))
}

type OpenResponse struct {
	TestID string `json:"test_id"`
	Port   int    `json:"port"`
}

// EndpointServer opens transient TCP endpoints on demand. Each endpoint
// serves the requested number of phase sessions and then closes, or closes
// when its lifetime runs out.
type EndpointServer struct {
	host        string
	port        int
	maxLifetime time.Duration
	maxOpen     int
	log         *logger.Logger

	mu      sync.Mutex
	open    map[*Endpoint]struct{}
	byTest  map[string]*Endpoint
	pending int
	closed  bool
}

type EndpointOption func(*EndpointServer)

// WithMaxEndpoints caps the endpoints open at once. Further requests are
// refused with RateLimitExceeded.
func WithMaxEndpoints(n int) EndpointOption {
	return func(s *EndpointServer) {
		if n > 0 {
			s.maxOpen = n
		}
	}
}

// NewEndpointServer binds endpoints on host. Endpoints try port first and
// fall back to an ephemeral port when it is taken or zero.
func NewEndpointServer(host string, port int, maxLifetime time.Duration, log *logger.Logger, opts ...EndpointOption) *EndpointServer {
	if log == nil {
		log = logger.Nop()
	}
	if maxLifetime <= 0 {
		maxLifetime = 2 * time.Minute
	}
	s := &EndpointServer{
		host:        host,
		port:        port,
		maxLifetime: maxLifetime,
		maxOpen:     DefaultMaxEndpoints,
		log:         log,
		open:        make(map[*Endpoint]struct{}),
		byTest:      make(map[string]*Endpoint),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Endpoint struct {
	TestID string

	server   *EndpointServer
	ln       net.Listener
	phases   int
	phaseDur time.Duration
	timer    *time.Timer
	wg       sync.WaitGroup
	once     sync.Once
	done     chan struct{}
}

// Open starts an endpoint for req
func (s *EndpointServer) Open(req OpenRequest) (*Endpoint, error) {
	phaseDur := req.phaseDuration()
	lifetime := time.Duration(req.Phases)*(phaseDur+sessionGrace) + sessionGrace
	if req.Phases < 1 || req.Phases > 2 || phaseDur <= 0 || lifetime > s.maxLifetime {
		return nil, fmt.Errorf("%w: %d phases of %s", ErrInvalidRequest, req.Phases, phaseDur)
	}

	s.mu.Lock()
	_, dup := s.byTest[req.TestID]
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, net.ErrClosed
	case req.TestID != "" && dup:
		s.mu.Unlock()
		return nil, apperr.New(apperr.TestInProgress, "endpoint for test %s is already open", req.TestID)
	case len(s.open)+s.pending >= s.maxOpen:
		s.mu.Unlock()
		return nil, apperr.New(apperr.RateLimitExceeded, "%d bandwidth endpoints already open", s.maxOpen)
	}
	// a nil entry reserves the test id while the listener is opened
	s.pending++
	if req.TestID != "" {
		s.byTest[req.TestID] = nil
	}
	s.mu.Unlock()

	ln, err := s.listen()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if err == nil && s.closed {
		ln.Close()
		err = net.ErrClosed
	}
	if err != nil {
		if req.TestID != "" {
			delete(s.byTest, req.TestID)
		}
		return nil, err
	}

	e := &Endpoint{
		TestID:   req.TestID,
		server:   s,
		ln:       ln,
		phases:   req.Phases,
		phaseDur: phaseDur,
		done:     make(chan struct{}),
	}
	e.timer = time.AfterFunc(lifetime, e.Close)
	s.open[e] = struct{}{}
	if req.TestID != "" {
		s.byTest[req.TestID] = e
	}
	go e.serve()

	s.log.Debug("Bandwidth endpoint opened",
		"test_id", req.TestID,
		"addr", ln.Addr().String(),
		"phases", req.Phases)
	return e, nil
}

func (s *EndpointServer) listen() (net.Listener, error) {
	if s.port != 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
		if err == nil {
			return ln, nil
		}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, "0"))
	if err != nil {
		return nil, fmt.Errorf("open bandwidth endpoint: %w", err)
	}
	return ln, nil
}

// Active returns the number of open endpoints
func (s *EndpointServer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// CloseTest closes the endpoint opened for testID. It reports whether one
// was open.
func (s *EndpointServer) CloseTest(testID string) bool {
	s.mu.Lock()
	e := s.byTest[testID]
	s.mu.Unlock()
	if e == nil {
		return false
	}
	e.Close()
	return true
}

// Close closes every open endpoint
func (s *EndpointServer) Close() {
	s.mu.Lock()
	s.closed = true
	endpoints := make([]*Endpoint, 0, len(s.open))
	for e := range s.open {
		endpoints = append(endpoints, e)
	}
	s.mu.Unlock()

	for _, e := range endpoints {
		e.Close()
	}
}

// Port is the TCP port the endpoint listens on
func (e *Endpoint) Port() int {
	return e.ln.Addr().(*net.TCPAddr).Port
}

// Done is closed once the endpoint has shut down
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close stops accepting and waits for running sessions. Safe to call more
// than once.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		e.timer.Stop()
		e.ln.Close()
		e.wg.Wait()

		e.server.mu.Lock()
		delete(e.server.open, e)
		if e.server.byTest[e.TestID] == e {
			delete(e.server.byTest, e.TestID)
		}
		e.server.mu.Unlock()
		close(e.done)
		e.server.log.Debug("Bandwidth endpoint closed", "test_id", e.TestID)
	})
}

func (e *Endpoint) serve() {
	for served := 0; served < e.phases; served++ {
		conn, err := e.ln.Accept()
		if err != nil {
			break
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.session(conn)
		}()
	}
	// every phase has connected; Close waits for the sessions
	go e.Close()
}

func (e *Endpoint) session(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(e.phaseDur + sessionGrace))

	var mode [1]byte
	if _, err := io.ReadFull(conn, mode[:]); err != nil {
		return
	}

	switch mode[0] {
	case modeUpload:
		n, _ := io.Copy(io.Discard, conn)
		e.server.log.Debug("Bandwidth upload session finished", "test_id", e.TestID, "bytes", n)
	case modeDownload:
		buf := make([]byte, ChunkSize)
		stop := time.Now().Add(e.phaseDur)
		var n int64
		for time.Now().Before(stop) {
			w, err := conn.Write(buf)
			n += int64(w)
			if err != nil {
				break
			}
		}
		e.server.log.Debug("Bandwidth download session finished", "test_id", e.TestID, "bytes", n)
	default:
		e.server.log.Warn("Invalid bandwidth test mode", "test_id", e.TestID, "mode", mode[0])
	}
}
