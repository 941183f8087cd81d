// Package health probes every reachable peer on its own jittered schedule
// and feeds the results into the registry and the connection store.
//
// The monitor only ever moves nodes between Online and Degraded. Offline is
// decided by the registry's reaper from LastSeen, which a successful probe
// refreshes.
package health

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"

	"github.com/wesleywu/routemesh/internal/connection"
	"github.com/wesleywu/routemesh/internal/events"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/metrics"
	"github.com/wesleywu/routemesh/internal/probe"
	"github.com/wesleywu/routemesh/internal/registry"
	"github.com/wesleywu/routemesh/internal/utils"
)

var (
	ErrAlreadyStarted = errors.New("health monitor already started")
	errNoAddresses    = errors.New("node has no probe addresses")
)

// Directory is the part of the registry the monitor reads and updates
type Directory interface {
	LocalID() string
	Get(id string) (registry.Node, bool)
	ListStatus(statuses ...registry.Status) []registry.Node
	MarkProbeSuccess(id string, rtt time.Duration) error
	MarkDegraded(id string) error
}

// Bus is the part of the event bus the monitor uses
type Bus interface {
	Publish(kind events.Kind, payload any)
	Subscribe(buffer int, kinds ...events.Kind) (*events.Subscription, error)
}

type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	// Jitter spreads each interval by ±Jitter of its length
	Jitter        float64
	ProbePort     int
	MaxConcurrent int
	Backoff       utils.Backoff
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = probe.DefaultTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 64
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff = utils.DefaultBackoff
	}
}

// task is the schedule of one node. Only one timer is armed at a time; the
// next one is armed after the probe it triggered has finished.
type task struct {
	id       string
	timer    *clock.Timer
	failures int
}

type Monitor struct {
	cfg     Config
	dir     Directory
	prober  probe.Prober
	conns   *connection.Store
	bus     Bus
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *logger.Logger

	pool    *ants.Pool
	sub     *events.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	probeWG sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task
	started bool
	stopped bool
}

type Option func(*Monitor)

func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = c } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

func WithLogger(l *logger.Logger) Option { return func(m *Monitor) { m.log = l } }

func NewMonitor(cfg Config, dir Directory, prober probe.Prober, conns *connection.Store, bus Bus, opts ...Option) *Monitor {
	cfg.setDefaults()
	m := &Monitor{
		cfg:    cfg,
		dir:    dir,
		prober: prober,
		conns:  conns,
		bus:    bus,
		clock:  clock.New(),
		log:    logger.Nop(),
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to registry events and schedules every node that is
// already known. It returns immediately.
//
// Events only speed scheduling up. The bus may drop them, so the schedule
// is also reconciled with the registry every interval and whenever the
// subscription reports a drop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	pool, err := ants.NewPool(m.cfg.MaxConcurrent, ants.WithPanicHandler(func(p interface{}) {
		m.log.Error("Probe task panicked", "panic", fmt.Sprint(p))
	}))
	if err != nil {
		return fmt.Errorf("create probe pool: %w", err)
	}
	sub, err := m.bus.Subscribe(0, events.NodeDiscovered, events.NodeStatusChanged, events.NodeRemoved)
	if err != nil {
		pool.Release()
		return fmt.Errorf("subscribe to registry events: %w", err)
	}

	m.pool = pool
	m.sub = sub
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.loopWG.Add(2)
	go m.eventLoop()
	go m.resyncLoop()

	m.resync()
	m.log.Info("Health monitor started",
		"interval", m.cfg.Interval.String(),
		"failure_threshold", m.cfg.FailureThreshold)
	return nil
}

// Stop cancels every schedule and waits for in-flight probes
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for id, t := range m.tasks {
		t.timer.Stop()
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.sub.Close()
	m.loopWG.Wait()
	m.probeWG.Wait()
	m.pool.Release()
	m.log.Info("Health monitor stopped")
}

// Scheduled returns the ids of the nodes that currently have a schedule
func (m *Monitor) Scheduled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Monitor) eventLoop() {
	defer m.loopWG.Done()
	var seenDropped int64
	for ev := range m.sub.C() {
		if dropped := m.sub.Dropped(); dropped != seenDropped {
			seenDropped = dropped
			m.resync()
		}
		switch p := ev.Payload.(type) {
		case events.NodeDiscoveredPayload:
			if n, ok := p.Node.(registry.Node); ok && n.Status != registry.StatusOffline {
				m.schedule(n.ID, m.initialDelay())
			}
		case events.NodeStatusChangedPayload:
			switch registry.Status(p.NewStatus) {
			case registry.StatusOnline, registry.StatusDegraded:
				m.schedule(p.NodeID, m.initialDelay())
			case registry.StatusOffline:
				m.unschedule(p.NodeID)
			}
		case events.NodeRemovedPayload:
			m.unschedule(p.NodeID)
		}
	}
}

func (m *Monitor) resyncLoop() {
	defer m.loopWG.Done()
	ticker := m.clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.resync()
		}
	}
}

// resync schedules every probeable node that has no task and drops tasks
// whose node is gone or offline
func (m *Monitor) resync() {
	nodes := m.dir.ListStatus(registry.StatusDiscovered, registry.StatusOnline, registry.StatusDegraded)
	live := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		live[n.ID] = struct{}{}
		m.schedule(n.ID, m.initialDelay())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if _, ok := live[id]; ok {
			continue
		}
		// scheduled from an event after the listing above
		if n, ok := m.dir.Get(id); ok && n.Status != registry.StatusOffline {
			continue
		}
		t.timer.Stop()
		delete(m.tasks, id)
	}
}

// schedule arms a task for id unless one exists already
func (m *Monitor) schedule(id string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, ok := m.tasks[id]; ok {
		return
	}
	t := &task{id: id}
	t.timer = m.clock.AfterFunc(delay, func() { m.fire(t) })
	m.tasks[id] = t
}

func (m *Monitor) unschedule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.timer.Stop()
		delete(m.tasks, id)
	}
}

// currentLocked reports whether t is still the live schedule for its node
func (m *Monitor) currentLocked(t *task) bool {
	return !m.stopped && m.tasks[t.id] == t
}

func (m *Monitor) fire(t *task) {
	m.mu.Lock()
	if !m.currentLocked(t) {
		m.mu.Unlock()
		return
	}
	m.probeWG.Add(1)
	m.mu.Unlock()

	if err := m.pool.Submit(func() {
		defer m.probeWG.Done()
		m.run(t)
	}); err != nil {
		m.probeWG.Done()
		m.log.Warn("Probe not scheduled", "node_id", t.id, "error", err)
	}
}

func (m *Monitor) run(t *task) {
	node, ok := m.dir.Get(t.id)
	if !ok || node.Status == registry.StatusOffline {
		m.dropIfCurrent(t)
		return
	}

	rtt, target, err := m.probeNode(node)
	if m.ctx.Err() != nil {
		return
	}
	key := connection.Pair(m.dir.LocalID(), node.ID)
	now := m.clock.Now()
	m.log.ProbeResult(node.ID, target.String(), rtt, err)
	m.metrics.RecordProbe(rtt, err == nil)

	if err == nil {
		m.conns.RecordLatency(key, now, rtt)
		m.setFailures(t, 0)
		if markErr := m.dir.MarkProbeSuccess(node.ID, rtt); markErr != nil {
			m.dropIfCurrent(t)
			return
		}
		m.bus.Publish(events.LatencyUpdate, events.LatencyUpdatePayload{
			SourceNodeID: m.dir.LocalID(),
			TargetNodeID: node.ID,
			LatencyMs:    float64(rtt.Microseconds()) / 1000.0,
		})
	} else {
		m.conns.RecordFailure(key, now)
		if failures := m.setFailures(t, -1); failures >= m.cfg.FailureThreshold {
			_ = m.dir.MarkDegraded(node.ID)
		}
	}

	// a discovered node that did not confirm waits for the next resync
	if latest, ok := m.dir.Get(node.ID); !ok || latest.Status == registry.StatusDiscovered || latest.Status == registry.StatusOffline {
		m.dropIfCurrent(t)
		return
	}
	m.rearm(t)
}

// setFailures resets the failure count when n is 0 and increments it when
// n is negative. It returns the new count.
func (m *Monitor) setFailures(t *task, n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		t.failures++
	} else {
		t.failures = n
	}
	return t.failures
}

func (m *Monitor) rearm(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(t) {
		return
	}
	t.timer = m.clock.AfterFunc(m.nextDelay(), func() { m.fire(t) })
}

func (m *Monitor) dropIfCurrent(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentLocked(t) {
		delete(m.tasks, t.id)
	}
}

// probeNode tries every address of node in order, retrying the whole round
// with backoff
func (m *Monitor) probeNode(node registry.Node) (time.Duration, netip.AddrPort, error) {
	targets := make([]netip.AddrPort, 0, len(node.Addresses))
	for _, addr := range node.Addresses {
		targets = append(targets, netip.AddrPortFrom(addr, uint16(m.cfg.ProbePort)))
	}

	var (
		rtt  time.Duration
		used netip.AddrPort
	)
	err := utils.Retry(m.ctx, m.cfg.Backoff, func(ctx context.Context) error {
		if len(targets) == 0 {
			return &utils.Permanent{Err: errNoAddresses}
		}
		var lastErr error
		for _, target := range targets {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
			d, err := m.prober.Probe(pctx, target)
			cancel()
			if err == nil {
				rtt, used = d, target
				return nil
			}
			lastErr = err
		}
		return lastErr
	}, func(attempt int, err error, wait time.Duration) {
		m.log.Debug("Retrying probe",
			"node_id", node.ID,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err)
	})
	if err != nil && len(targets) > 0 {
		used = targets[0]
	}
	return rtt, used, err
}

func (m *Monitor) initialDelay() time.Duration {
	return time.Duration(rand.Int64N(int64(m.cfg.Interval)))
}

func (m *Monitor) nextDelay() time.Duration {
	spread := (rand.Float64()*2 - 1) * m.cfg.Jitter
	return time.Duration(float64(m.cfg.Interval) * (1 + spread))
}
