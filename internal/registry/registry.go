// Package registry is the directory of known mesh peers.
//
// Every mutation goes through the Registry's methods, which apply it under a
// single mutex and publish the resulting event before releasing it, so the
// events for one node are delivered in the order the mutations happened.
// Nothing in here performs I/O.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/events"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/metrics"
)

const (
	DefaultPeerTimeout      = 90 * time.Second
	DefaultOfflineRetention = 10 * time.Minute
)

var (
	ErrEmptyID   = errors.New("node id is empty")
	ErrLocalNode = errors.New("node id is the local node")
)

// Publisher is the subset of the event bus the registry needs
type Publisher interface {
	Publish(kind events.Kind, payload any)
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithPublisher(p Publisher) Option { return func(r *Registry) { r.bus = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

func WithLogger(l *logger.Logger) Option { return func(r *Registry) { r.log = l } }

// WithPeerTimeout sets how long a node may stay silent before it is Offline
func WithPeerTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.peerTimeout = d
		}
	}
}

// WithOfflineRetention sets how long an Offline node is kept before removal
func WithOfflineRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.retention = d
		}
	}
}

type Registry struct {
	mu    sync.Mutex
	nodes map[string]*Node

	localID     string
	peerTimeout time.Duration
	retention   time.Duration

	clock   clock.Clock
	bus     Publisher
	metrics *metrics.Metrics
	log     *logger.Logger
}

// New creates an empty registry for the node localID
func New(localID string, opts ...Option) *Registry {
	r := &Registry{
		nodes:       make(map[string]*Node),
		localID:     localID,
		peerTimeout: DefaultPeerTimeout,
		retention:   DefaultOfflineRetention,
		clock:       clock.New(),
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) LocalID() string { return r.localID }

func (r *Registry) PeerTimeout() time.Duration { return r.peerTimeout }

// Upsert merges what an announcement says about a node. It returns the
// resulting snapshot and whether the node was new.
//
// Addresses and known peers are union-merged. LastSeen only moves forward and
// never past the local clock. A node that comes back with fresh evidence
// leaves Discovered or Offline for Online; Degraded is left to the health
// monitor.
func (r *Registry) Upsert(info NodeInfo, via string) (Node, bool, error) {
	if info.ID == "" {
		return Node{}, false, ErrEmptyID
	}
	if info.ID == r.localID {
		return Node{}, false, ErrLocalNode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	seen := info.Timestamp
	if seen.IsZero() || seen.After(now) {
		seen = now
	}

	n, ok := r.nodes[info.ID]
	if !ok {
		n = &Node{
			ID:            info.ID,
			Hostname:      info.Hostname,
			Port:          info.Port,
			Version:       info.Version,
			LastSeen:      seen,
			DiscoveredVia: via,
			Status:        StatusOnline,
		}
		if via == ViaGossip {
			n.Status = StatusDiscovered
		}
		n.Addresses, _ = mergeAddrs(nil, info.Addresses)
		n.KnownPeers = mergePeers(nil, info.KnownPeers, info.ID)
		r.nodes[n.ID] = n

		snap := n.clone()
		r.log.NodeDiscovered(n.ID, n.Hostname, via)
		r.publish(events.NodeDiscovered, events.NodeDiscoveredPayload{Node: snap})
		r.updateMetricsLocked()
		return snap, true, nil
	}

	if info.Hostname != "" {
		n.Hostname = info.Hostname
	}
	if info.Port != 0 {
		n.Port = info.Port
	}
	if info.Version != "" {
		n.Version = info.Version
	}
	n.Addresses, _ = mergeAddrs(n.Addresses, info.Addresses)
	n.KnownPeers = mergePeers(n.KnownPeers, info.KnownPeers, n.ID)

	advanced := seen.After(n.LastSeen)
	if advanced {
		n.LastSeen = seen
	}

	// a stale duplicate never changes status
	fresh := advanced && now.Sub(n.LastSeen) <= r.peerTimeout
	if fresh && via != ViaGossip && (n.Status == StatusDiscovered || n.Status == StatusOffline) {
		r.transitionLocked(n, StatusOnline)
	}
	return n.clone(), false, nil
}

// MergePeerList applies a peer list pulled from node from. Entries are only
// ever added or enriched: nothing is removed, demoted or made to look more
// recently seen, so a stale or hostile peer cannot evict or resurrect nodes.
// It returns the number of nodes that were new.
func (r *Registry) MergePeerList(from string, infos []NodeInfo) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	added := 0
	for _, info := range infos {
		if info.ID == "" || info.ID == r.localID {
			continue
		}
		if n, ok := r.nodes[info.ID]; ok {
			n.Addresses, _ = mergeAddrs(n.Addresses, info.Addresses)
			if n.Hostname == "" {
				n.Hostname = info.Hostname
			}
			if n.Port == 0 {
				n.Port = info.Port
			}
			continue
		}

		n := &Node{
			ID:            info.ID,
			Hostname:      info.Hostname,
			Port:          info.Port,
			Version:       info.Version,
			Status:        StatusDiscovered,
			LastSeen:      now,
			DiscoveredVia: ViaGossip,
		}
		n.Addresses, _ = mergeAddrs(nil, info.Addresses)
		n.KnownPeers = mergePeers(nil, info.KnownPeers, info.ID)
		r.nodes[n.ID] = n
		added++

		r.log.NodeDiscovered(n.ID, n.Hostname, ViaGossip)
		r.publish(events.NodeDiscovered, events.NodeDiscoveredPayload{Node: n.clone()})
	}
	if added > 0 {
		r.log.Debug("Merged peer list",
			"peer", from,
			"received", len(infos),
			"added", added)
		r.updateMetricsLocked()
	}
	return added
}

// MarkProbeSuccess records a successful liveness probe
func (r *Registry) MarkProbeSuccess(id string, rtt time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return apperr.New(apperr.NodeNotFound, "node %s", id)
	}
	now := r.clock.Now()
	if now.After(n.LastSeen) {
		n.LastSeen = now
	}
	ms := float64(rtt.Microseconds()) / 1000.0
	n.LatencyMs = &ms
	if n.Status != StatusOnline {
		r.transitionLocked(n, StatusOnline)
	}
	return nil
}

// MarkDegraded moves an Online node to Degraded. Other states are left alone.
func (r *Registry) MarkDegraded(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return apperr.New(apperr.NodeNotFound, "node %s", id)
	}
	if n.Status == StatusOnline {
		r.transitionLocked(n, StatusDegraded)
	}
	return nil
}

// MarkGoodbye handles a node announcing it is leaving
func (r *Registry) MarkGoodbye(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return apperr.New(apperr.NodeNotFound, "node %s", id)
	}
	if n.Status != StatusOffline {
		r.log.Info("Node said goodbye", "node_id", id, "reason", reason)
		r.transitionLocked(n, StatusOffline)
	}
	return nil
}

// Reap marks nodes silent for longer than the peer timeout Offline, and
// removes Offline nodes once the retention period has passed as well.
// Running it again without new silence produces no events.
func (r *Registry) Reap() (offline, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := r.nodes[id]
		silent := now.Sub(n.LastSeen)
		switch {
		case n.Status != StatusOffline && silent > r.peerTimeout:
			r.transitionLocked(n, StatusOffline)
			offline++
		case n.Status == StatusOffline && silent > r.peerTimeout+r.retention:
			delete(r.nodes, id)
			r.log.Info("Node removed", "node_id", id)
			r.publish(events.NodeRemoved, events.NodeRemovedPayload{NodeID: id})
			removed++
		}
	}
	if removed > 0 {
		r.updateMetricsLocked()
	}
	return offline, removed
}

func (r *Registry) Get(id string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nodes[id]
	return ok
}

// List returns every node ordered by id
func (r *Registry) List() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListStatus returns the nodes in any of the given states, ordered by id
func (r *Registry) ListStatus(statuses ...Status) []Node {
	all := r.List()
	out := all[:0]
	for _, n := range all {
		for _, s := range statuses {
			if n.Status == s {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// KnownIDs returns the ids of every node, sorted
func (r *Registry) KnownIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FindByHostname returns the node with the given hostname
func (r *Registry) FindByHostname(hostname string) (Node, bool) {
	for _, n := range r.List() {
		if n.Hostname == hostname {
			return n, true
		}
	}
	return Node{}, false
}

// Counts returns the number of nodes per status
func (r *Registry) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, n := range r.nodes {
		counts[n.Status]++
	}
	return counts
}

func (r *Registry) transitionLocked(n *Node, to Status) {
	from := n.Status
	if from == to {
		return
	}
	n.Status = to
	r.log.NodeStatusChanged(n.ID, string(from), string(to))
	r.publish(events.NodeStatusChanged, events.NodeStatusChangedPayload{
		NodeID:    n.ID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
	r.updateMetricsLocked()
}

func (r *Registry) publish(kind events.Kind, payload any) {
	if r.bus != nil {
		r.bus.Publish(kind, payload)
	}
}

func (r *Registry) updateMetricsLocked() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int, len(Statuses))
	for _, s := range Statuses {
		counts[string(s)] = 0
	}
	for _, n := range r.nodes {
		counts[string(n.Status)]++
	}
	r.metrics.SetNodeCounts(counts)
}
