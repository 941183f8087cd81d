package registry

import (
	"net/netip"
	"slices"
	"time"
)

// Status is the liveness state of a peer. The string form is the wire value.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusOnline     Status = "online"
	StatusDegraded   Status = "degraded"
	StatusOffline    Status = "offline"
)

// Statuses lists every status in state machine order.
var Statuses = []Status{StatusDiscovered, StatusOnline, StatusDegraded, StatusOffline}

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// How a node first became known.
const (
	ViaBroadcast = "broadcast"
	ViaGossip    = "gossip"
	ViaProbe     = "probe"
)

// Node is a snapshot of a peer. Values handed out by the registry are copies
// and may be kept or modified by the caller.
type Node struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	Addresses     []netip.Addr `json:"addresses"`
	Port          int          `json:"port"`
	Status        Status       `json:"status"`
	LatencyMs     *float64     `json:"latency_ms"`
	LastSeen      time.Time    `json:"last_seen"`
	DiscoveredVia string       `json:"discovered_via"`

	KnownPeers []string `json:"-"`
	Version    string   `json:"-"`
}

// Reachable reports whether the node is expected to answer
func (n Node) Reachable() bool {
	return n.Status == StatusOnline || n.Status == StatusDegraded
}

// HasAddr reports whether addr is one of the node's addresses
func (n Node) HasAddr(addr netip.Addr) bool {
	return slices.Contains(n.Addresses, addr.Unmap())
}

// Knows reports whether id is in the node's known peer list
func (n Node) Knows(id string) bool {
	return slices.Contains(n.KnownPeers, id)
}

func (n *Node) clone() Node {
	c := *n
	c.Addresses = slices.Clone(n.Addresses)
	c.KnownPeers = slices.Clone(n.KnownPeers)
	if n.LatencyMs != nil {
		v := *n.LatencyMs
		c.LatencyMs = &v
	}
	return c
}

// NodeInfo is what an announcement or a gossip peer list says about a node.
// Zero fields carry no information.
type NodeInfo struct {
	ID         string
	Hostname   string
	Addresses  []netip.Addr
	Port       int
	Version    string
	Timestamp  time.Time
	KnownPeers []string
}

// InfoOf turns a node snapshot back into the information it was built from.
func InfoOf(n Node) NodeInfo {
	return NodeInfo{
		ID:         n.ID,
		Hostname:   n.Hostname,
		Addresses:  slices.Clone(n.Addresses),
		Port:       n.Port,
		Version:    n.Version,
		Timestamp:  n.LastSeen,
		KnownPeers: slices.Clone(n.KnownPeers),
	}
}

// mergeAddrs adds every address of add missing from set and reports whether
// anything was added. The result keeps IPv4 first.
func mergeAddrs(set []netip.Addr, add []netip.Addr) ([]netip.Addr, bool) {
	changed := false
	for _, a := range add {
		if !a.IsValid() {
			continue
		}
		a = a.Unmap()
		if slices.Contains(set, a) {
			continue
		}
		set = append(set, a)
		changed = true
	}
	if changed {
		slices.SortStableFunc(set, func(x, y netip.Addr) int {
			if x.Is4() != y.Is4() {
				if x.Is4() {
					return -1
				}
				return 1
			}
			return x.Compare(y)
		})
	}
	return set, changed
}

func mergePeers(set []string, add []string, self string) []string {
	for _, id := range add {
		if id == "" || id == self || slices.Contains(set, id) {
			continue
		}
		set = append(set, id)
	}
	return set
}
