// Package bandwidth runs throughput tests between the local node and a peer.
//
// At most one test runs per unordered node pair. The coordinator asks the
// target to open a transient TCP endpoint, then drives an upload phase and
// a download phase against it. Every test ends with exactly one terminal
// event, and its pair slot is released before that event is published.
package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/connection"
	"github.com/wesleywu/routemesh/internal/events"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/metrics"
	"github.com/wesleywu/routemesh/internal/registry"
)

type Direction string

const (
	Both     Direction = "both"
	Upload   Direction = "upload"
	Download Direction = "download"
)

// ParseDirection maps the request value onto a Direction. Empty means Both.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case "":
		return Both, nil
	case Both, Upload, Download:
		return d, nil
	}
	return "", apperr.New(apperr.InvalidDestination, "invalid test direction %q", s)
}

type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseUpload       Phase = "upload"
	PhaseDownload     Phase = "download"
	PhaseComplete     Phase = "complete"
)

const (
	OutcomeComplete  = "complete"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"

	setupTimeout = 10 * time.Second
	closeTimeout = 2 * time.Second
)

var ErrClosed = errors.New("bandwidth coordinator closed")

// Directory is the part of the registry the coordinator reads
type Directory interface {
	LocalID() string
	Get(id string) (registry.Node, bool)
}

type Publisher interface {
	Publish(kind events.Kind, payload any)
}

type Config struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	MaxConcurrent   int
	// SampleInterval is the progress event period
	SampleInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 10 * time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 60 * time.Second
	}
	if c.DefaultDuration > c.MaxDuration {
		c.DefaultDuration = c.MaxDuration
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
}

// Status describes a running test
type Status struct {
	TestID          string    `json:"test_id"`
	TargetNodeID    string    `json:"target_node_id"`
	Direction       Direction `json:"direction"`
	Phase           Phase     `json:"phase"`
	ProgressPercent float64   `json:"progress_percent"`
	DurationSecs    float64   `json:"duration_secs"`
	StartedAt       time.Time `json:"started_at"`
}

type test struct {
	id        string
	key       connection.PairKey
	node      registry.Node
	direction Direction
	duration  time.Duration
	phases    []Phase
	phaseDur  time.Duration
	startedAt time.Time
	cancel    context.CancelFunc
	released  sync.Once

	// bytes counts the current phase
	bytes atomic.Uint64

	mu         sync.Mutex
	phase      Phase
	index      int
	phaseStart time.Time
}

func (t *test) begin(index int, phase Phase) {
	t.bytes.Store(0)
	t.mu.Lock()
	t.index = index
	t.phase = phase
	t.phaseStart = time.Now()
	t.mu.Unlock()
}

// progress is the share of the whole test completed, in percent
func (t *test) progress() (Phase, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == PhaseInitializing || len(t.phases) == 0 {
		return t.phase, 0
	}
	frac := float64(time.Since(t.phaseStart)) / float64(t.phaseDur)
	if frac > 1 {
		frac = 1
	}
	return t.phase, (float64(t.index) + frac) / float64(len(t.phases)) * 100
}

type Coordinator struct {
	cfg     Config
	dir     Directory
	opener  Opener
	conns   *connection.Store
	bus     Publisher
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *logger.Logger
	dialer  net.Dialer

	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	byPair map[connection.PairKey]*test
	byID   map[string]*test
	closed bool
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(co *Coordinator) { co.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(co *Coordinator) { co.metrics = m } }

func WithLogger(l *logger.Logger) Option { return func(co *Coordinator) { co.log = l } }

func NewCoordinator(cfg Config, dir Directory, opener Opener, conns *connection.Store, bus Publisher, opts ...Option) (*Coordinator, error) {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:    cfg,
		dir:    dir,
		opener: opener,
		conns:  conns,
		bus:    bus,
		clock:  clock.New(),
		log:    logger.Nop(),
		byPair: make(map[connection.PairKey]*test),
		byID:   make(map[string]*test),
	}
	for _, opt := range opts {
		opt(c)
	}

	pool, err := ants.NewPool(cfg.MaxConcurrent,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			c.log.Error("Bandwidth test panicked", "panic", fmt.Sprint(p))
		}))
	if err != nil {
		return nil, fmt.Errorf("create bandwidth pool: %w", err)
	}
	c.pool = pool
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// StartTest launches a test against targetID and returns its id. A zero
// duration selects the default; longer durations are capped at the maximum.
func (c *Coordinator) StartTest(targetID string, duration time.Duration, direction Direction) (string, error) {
	if direction == "" {
		direction = Both
	}
	if _, err := ParseDirection(string(direction)); err != nil {
		return "", err
	}

	local := c.dir.LocalID()
	if targetID == local {
		return "", apperr.New(apperr.InvalidDestination, "cannot test bandwidth against the local node")
	}
	node, ok := c.dir.Get(targetID)
	if !ok {
		return "", apperr.New(apperr.NodeNotFound, "node %s", targetID)
	}
	if node.Status == registry.StatusOffline {
		return "", apperr.New(apperr.NodeUnreachable, "node %s is offline", targetID)
	}

	if duration <= 0 {
		duration = c.cfg.DefaultDuration
	}
	if duration > c.cfg.MaxDuration {
		duration = c.cfg.MaxDuration
	}

	t := &test{
		id:        uuid.NewString(),
		key:       connection.Pair(local, targetID),
		node:      node,
		direction: direction,
		duration:  duration,
		startedAt: c.clock.Now(),
		phase:     PhaseInitializing,
	}
	switch direction {
	case Upload:
		t.phases = []Phase{PhaseUpload}
	case Download:
		t.phases = []Phase{PhaseDownload}
	default:
		t.phases = []Phase{PhaseUpload, PhaseDownload}
	}
	t.phaseDur = duration / time.Duration(len(t.phases))

	ctx, cancel := context.WithTimeout(c.ctx, duration+setupTimeout)
	t.cancel = cancel

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	if running, busy := c.byPair[t.key]; busy {
		c.mu.Unlock()
		cancel()
		return "", apperr.New(apperr.TestInProgress, "test %s is already running for %s", running.id, t.key)
	}
	c.byPair[t.key] = t
	c.byID[t.id] = t
	c.wg.Add(1)
	c.mu.Unlock()

	err := c.pool.Submit(func() {
		defer c.wg.Done()
		c.run(ctx, t)
	})
	if err != nil {
		c.wg.Done()
		cancel()
		c.release(t)
		return "", apperr.Wrap(apperr.RateLimitExceeded, err, "too many concurrent bandwidth tests")
	}

	c.log.Info("Bandwidth test started",
		"test_id", t.id,
		"target_node_id", targetID,
		"direction", string(direction),
		"duration", duration.String())
	return t.id, nil
}

// Cancel stops a running test. The test still ends with a failed event.
func (c *Coordinator) Cancel(testID string) error {
	c.mu.Lock()
	t, ok := c.byID[testID]
	c.mu.Unlock()
	if !ok {
		return apperr.New(apperr.InvalidDestination, "no running bandwidth test %s", testID)
	}
	t.cancel()
	return nil
}

// Active lists running tests ordered by start time
func (c *Coordinator) Active() []Status {
	c.mu.Lock()
	tests := make([]*test, 0, len(c.byID))
	for _, t := range c.byID {
		tests = append(tests, t)
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(tests))
	for _, t := range tests {
		phase, pct := t.progress()
		out = append(out, Status{
			TestID:          t.id,
			TargetNodeID:    t.node.ID,
			Direction:       t.direction,
			Phase:           phase,
			ProgressPercent: pct,
			DurationSecs:    t.duration.Seconds(),
			StartedAt:       t.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].TestID < out[j].TestID
	})
	return out
}

// Close cancels every running test and waits for them to finish
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.pool.Release()
}

func (c *Coordinator) release(t *test) {
	t.released.Do(func() {
		c.mu.Lock()
		delete(c.byPair, t.key)
		delete(c.byID, t.id)
		c.mu.Unlock()
	})
}

func (c *Coordinator) run(ctx context.Context, t *test) {
	defer t.cancel()
	defer c.release(t)

	started := time.Now()
	c.publishProgress(t, 0)

	addr, err := c.opener.Open(ctx, t.node, OpenRequest{
		TestID:       t.id,
		Phases:       len(t.phases),
		PhaseSeconds: t.phaseDur.Seconds(),
	})
	if err != nil {
		c.fail(ctx, t, fmt.Errorf("open endpoint on %s: %w", t.node.ID, err), 0, 0)
		// a cancelled request may still have opened the endpoint
		if ctx.Err() != nil {
			c.closeRemote(t)
		}
		return
	}

	stopSampling := c.sample(t)
	var up, down float64
	for i, phase := range t.phases {
		t.begin(i, phase)
		c.publishProgress(t, 0)

		mbps, err := c.transfer(ctx, t, addr, phase)
		if phase == PhaseUpload {
			up = mbps
		} else {
			down = mbps
		}
		if err != nil {
			stopSampling()
			c.fail(ctx, t, err, up, down)
			c.closeRemote(t)
			return
		}
	}
	stopSampling()

	elapsed := time.Since(started).Seconds()
	c.conns.RecordBandwidth(t.key, connection.BandwidthResult{
		TestID:       t.id,
		UploadMbps:   up,
		DownloadMbps: down,
		DurationSecs: elapsed,
		At:           c.clock.Now(),
	})
	c.metrics.RecordBandwidthTest(OutcomeComplete, up, down)
	c.log.BandwidthTest(t.id, t.node.ID, OutcomeComplete, up, down)

	t.mu.Lock()
	t.phase = PhaseComplete
	t.mu.Unlock()
	c.bus.Publish(events.BandwidthTestProgress, events.BandwidthProgressPayload{
		TestID:          t.id,
		TargetNodeID:    t.node.ID,
		ProgressPercent: 100,
		Phase:           string(PhaseComplete),
	})

	c.release(t)
	c.bus.Publish(events.BandwidthTestComplete, events.BandwidthCompletePayload{
		TestID:       t.id,
		TargetNodeID: t.node.ID,
		UploadMbps:   up,
		DownloadMbps: down,
		DurationSecs: elapsed,
	})
}

func (c *Coordinator) fail(ctx context.Context, t *test, err error, up, down float64) {
	outcome := OutcomeFailed
	if errors.Is(ctx.Err(), context.Canceled) {
		outcome = OutcomeCancelled
	}
	c.metrics.RecordBandwidthTest(outcome, up, down)
	c.log.BandwidthTest(t.id, t.node.ID, outcome, up, down)
	c.log.Warn("Bandwidth test failed", "test_id", t.id, "error", err.Error())

	c.release(t)
	c.bus.Publish(events.BandwidthTestFailed, events.BandwidthFailedPayload{
		TestID:       t.id,
		TargetNodeID: t.node.ID,
		Error:        err.Error(),
		UploadMbps:   up,
		DownloadMbps: down,
	})
}

// closeRemote asks the target to drop the endpoint of t instead of leaving
// it open until its lifetime runs out
func (c *Coordinator) closeRemote(t *test) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.opener.Close(ctx, t.node, t.id); err != nil {
		c.log.Debug("Bandwidth endpoint not closed", "test_id", t.id, "error", err.Error())
	}
}

// sample publishes progress every SampleInterval until the returned stop
// function is called
func (c *Coordinator) sample(t *test) (stop func()) {
	ticker := c.clock.Ticker(c.cfg.SampleInterval)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		var last uint64
		var lastPhase Phase
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				phase, _ := t.progress()
				n := t.bytes.Load()
				if phase != lastPhase || n < last {
					last = 0
				}
				lastPhase = phase
				delta := n - last
				last = n
				c.publishProgress(t, mbps(delta, c.cfg.SampleInterval))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-finished
		})
	}
}

func (c *Coordinator) publishProgress(t *test, current float64) {
	phase, pct := t.progress()
	c.bus.Publish(events.BandwidthTestProgress, events.BandwidthProgressPayload{
		TestID:           t.id,
		TargetNodeID:     t.node.ID,
		ProgressPercent:  pct,
		Phase:            string(phase),
		BytesTransferred: t.bytes.Load(),
		CurrentMbps:      current,
	})
}

// transfer runs one phase and returns its average throughput. On error the
// throughput of the bytes moved so far is returned with it.
func (c *Coordinator) transfer(ctx context.Context, t *test, addr netip.AddrPort, phase Phase) (float64, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return 0, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	start := time.Now()
	deadline := start.Add(t.phaseDur)
	result := func(err error) (float64, error) {
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return mbps(t.bytes.Load(), time.Since(start)), err
	}

	mode := modeUpload
	if phase == PhaseDownload {
		mode = modeDownload
	}
	if _, err := conn.Write([]byte{mode}); err != nil {
		return result(fmt.Errorf("start %s phase: %w", phase, err))
	}

	buf := make([]byte, ChunkSize)
	if phase == PhaseUpload {
		_ = conn.SetWriteDeadline(deadline)
		for time.Now().Before(deadline) {
			n, err := conn.Write(buf)
			t.bytes.Add(uint64(n))
			if err != nil {
				if isTimeout(err) && ctx.Err() == nil {
					break
				}
				return result(fmt.Errorf("upload: %w", err))
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		return result(nil)
	}

	_ = conn.SetReadDeadline(deadline.Add(sessionGrace))
	for {
		n, err := conn.Read(buf)
		t.bytes.Add(uint64(n))
		if err == io.EOF {
			return result(nil)
		}
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				return result(nil)
			}
			return result(fmt.Errorf("download: %w", err))
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func mbps(n uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) * 8 / elapsed.Seconds() / 1e6
}
