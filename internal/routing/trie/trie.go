// Package trie implements a binary prefix trie for longest-prefix-match
// route lookup. A trie holds a single address family.
package trie

import (
	"net/netip"
	"sort"

	"github.com/wesleywu/routemesh/internal/routing/types"
)

// Entry is a route filed in the trie together with its insertion sequence.
type Entry struct {
	Route types.Route
	Seq   uint64
}

type node struct {
	child [2]*node
	// candidates for this exact prefix ordered by (metric, seq); head is active
	entries []Entry
}

// Trie is a binary trie of fixed depth (32 for IPv4, 128 for IPv6).
// It is not safe for concurrent mutation; routing.Table publishes
// immutable tries through a snapshot pointer.
type Trie struct {
	bits int
	root *node
	size int
}

// New returns an empty trie of the given depth. bits must be 32 or 128.
func New(bits int) *Trie {
	if bits != 32 && bits != 128 {
		panic("trie: bits must be 32 or 128")
	}
	return &Trie{bits: bits, root: &node{}}
}

// Bits returns the trie depth.
func (t *Trie) Bits() int { return t.bits }

// Len returns the number of entries stored, including shadowed ones.
func (t *Trie) Len() int { return t.size }

func addrBytes(a netip.Addr) [16]byte {
	if a.Is4() {
		v4 := a.As4()
		var out [16]byte
		copy(out[:], v4[:])
		return out
	}
	return a.As16()
}

func bitAt(b *[16]byte, i int) int {
	return int(b[i/8]>>(7-uint(i%8))) & 1
}

func (t *Trie) family(a netip.Addr) bool {
	if t.bits == 32 {
		return a.Is4()
	}
	return a.Is6() && !a.Is4In6()
}

// Insert files route under its prefix. The route must already be validated
// and belong to this trie's family; other routes are ignored and false is
// returned.
func (t *Trie) Insert(route types.Route, seq uint64) bool {
	p := route.Prefix
	if !p.IsValid() || !t.family(p.Addr()) || p.Bits() > t.bits {
		return false
	}
	b := addrBytes(p.Addr())
	n := t.root
	for i := 0; i < p.Bits(); i++ {
		bit := bitAt(&b, i)
		if n.child[bit] == nil {
			n.child[bit] = &node{}
		}
		n = n.child[bit]
	}

	e := Entry{Route: route, Seq: seq}
	idx := sort.Search(len(n.entries), func(i int) bool {
		c := n.entries[i]
		if c.Route.Metric != e.Route.Metric {
			return c.Route.Metric > e.Route.Metric
		}
		return c.Seq > e.Seq
	})
	n.entries = append(n.entries, Entry{})
	copy(n.entries[idx+1:], n.entries[idx:])
	n.entries[idx] = e
	t.size++
	return true
}

// Lookup returns the active route of the most specific prefix containing addr.
func (t *Trie) Lookup(addr netip.Addr) (types.Route, bool) {
	addr = addr.Unmap()
	if !addr.IsValid() || !t.family(addr) {
		return types.Route{}, false
	}
	b := addrBytes(addr)

	var best *node
	n := t.root
	for i := 0; ; i++ {
		if len(n.entries) > 0 {
			best = n
		}
		if i == t.bits {
			break
		}
		n = n.child[bitAt(&b, i)]
		if n == nil {
			break
		}
	}
	if best == nil {
		return types.Route{}, false
	}
	return best.entries[0].Route, true
}

// Walk visits every stored entry in depth-first prefix order, 0-branch first.
func (t *Trie) Walk(fn func(Entry)) {
	var walk func(*node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		for _, e := range n.entries {
			fn(e)
		}
		walk(n.child[0])
		walk(n.child[1])
	}
	walk(t.root)
}

// Clone returns a deep copy sharing no mutable state with t.
func (t *Trie) Clone() *Trie {
	var clone func(*node) *node
	clone = func(n *node) *node {
		if n == nil {
			return nil
		}
		c := &node{}
		if len(n.entries) > 0 {
			c.entries = append([]Entry(nil), n.entries...)
		}
		c.child[0] = clone(n.child[0])
		c.child[1] = clone(n.child[1])
		return c
	}
	return &Trie{bits: t.bits, root: clone(t.root), size: t.size}
}
