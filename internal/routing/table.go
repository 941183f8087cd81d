package routing

import (
	"context"
	"encoding/binary"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/events"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/metrics"
	"github.com/wesleywu/routemesh/internal/routing/trie"
	"github.com/wesleywu/routemesh/internal/routing/types"
)

// Source supplies the full set of routes of the host
type Source interface {
	ParseRoutes(ctx context.Context) ([]types.Route, error)
}

// Publisher is the subset of the event bus the table needs
type Publisher interface {
	Publish(kind events.Kind, payload any)
}

// snapshot is immutable once published
type snapshot struct {
	v4          *trie.Trie
	v6          *trie.Trie
	routes      []types.Route
	nextSeq     uint64
	fingerprint uint64
}

func emptySnapshot() *snapshot {
	s := &snapshot{v4: trie.New(32), v6: trie.New(128)}
	s.fingerprint = fingerprint(nil)
	return s
}

// Table is the longest-prefix-match route index. Lookups read the active
// snapshot without locking; writers build a new snapshot and swap it in.
type Table struct {
	active atomic.Pointer[snapshot]
	mu     sync.Mutex

	bus     Publisher
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewTable creates an empty table. bus and m may be nil.
func NewTable(bus Publisher, m *metrics.Metrics, log *logger.Logger) *Table {
	if log == nil {
		log = logger.Nop()
	}
	t := &Table{bus: bus, metrics: m, log: log}
	t.active.Store(emptySnapshot())
	return t
}

// Lookup returns the route a packet to addr would take
func (t *Table) Lookup(addr netip.Addr) (types.Route, bool) {
	addr = addr.Unmap()
	s := t.active.Load()
	if addr.Is4() {
		return s.v4.Lookup(addr)
	}
	return s.v6.Lookup(addr)
}

// Routes returns the routes of the active table in insertion order
func (t *Table) Routes() []types.Route {
	s := t.active.Load()
	out := make([]types.Route, len(s.routes))
	copy(out, s.routes)
	return out
}

// Counts returns the number of IPv4 and IPv6 routes
func (t *Table) Counts() (v4, v6 int) {
	s := t.active.Load()
	return s.v4.Len(), s.v6.Len()
}

// Fingerprint identifies the content of the active table
func (t *Table) Fingerprint() uint64 {
	return t.active.Load().fingerprint
}

// Insert validates route and adds it to the active table
func (t *Table) Insert(route types.Route) error {
	valid, err := route.Validate()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.active.Load()
	next := &snapshot{
		v4:      cur.v4.Clone(),
		v6:      cur.v6.Clone(),
		routes:  append(append(make([]types.Route, 0, len(cur.routes)+1), cur.routes...), valid),
		nextSeq: cur.nextSeq + 1,
	}
	if valid.Prefix.Addr().Is4() {
		next.v4.Insert(valid, cur.nextSeq)
	} else {
		next.v6.Insert(valid, cur.nextSeq)
	}
	next.fingerprint = fingerprint(next.routes)
	t.swap(cur, next)
	return nil
}

// Rebuild replaces the whole table. If any route is invalid the active table
// is left untouched and an InvalidRoute error aggregating every failure is
// returned.
func (t *Table) Rebuild(routes []types.Route) error {
	start := time.Now()

	valid := make([]types.Route, 0, len(routes))
	var errs error
	for _, r := range routes {
		v, err := r.Validate()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		valid = append(valid, v)
	}
	if errs != nil {
		t.metrics.RecordRebuild(time.Since(start), false, 0, 0)
		return apperr.Wrap(apperr.InvalidRoute, errs, "rejected %d of %d routes", len(multierr.Errors(errs)), len(routes))
	}

	next := emptySnapshot()
	for _, r := range valid {
		if r.Prefix.Addr().Is4() {
			next.v4.Insert(r, next.nextSeq)
		} else {
			next.v6.Insert(r, next.nextSeq)
		}
		next.nextSeq++
	}
	next.routes = valid
	next.fingerprint = fingerprint(valid)

	t.mu.Lock()
	changed := t.swap(t.active.Load(), next)
	t.mu.Unlock()

	v4, v6 := next.v4.Len(), next.v6.Len()
	elapsed := time.Since(start)
	t.metrics.RecordRebuild(elapsed, true, v4, v6)
	t.log.RouteTableLoaded(v4, v6, changed, elapsed)
	return nil
}

// Reload rebuilds the table from src. Errors from src are returned unchanged.
func (t *Table) Reload(ctx context.Context, src Source) error {
	routes, err := src.ParseRoutes(ctx)
	if err != nil {
		return err
	}
	return t.Rebuild(routes)
}

// swap must be called with t.mu held. It reports whether the content changed.
func (t *Table) swap(prev, next *snapshot) bool {
	t.active.Store(next)
	if prev.fingerprint == next.fingerprint {
		return false
	}
	if t.bus != nil {
		t.bus.Publish(events.RoutingTableChanged, events.RoutingTableChangedPayload{
			IPv4Routes:  next.v4.Len(),
			IPv6Routes:  next.v6.Len(),
			Fingerprint: strconv.FormatUint(next.fingerprint, 16),
		})
	}
	return true
}

func fingerprint(routes []types.Route) uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(routes)))
	_, _ = h.Write(buf[:])
	for _, r := range routes {
		b, _ := r.Prefix.MarshalBinary()
		_, _ = h.Write(b)
		if r.Gateway.IsValid() {
			g, _ := r.Gateway.MarshalBinary()
			_, _ = h.Write(g)
		}
		_, _ = h.WriteString(r.Interface)
		binary.BigEndian.PutUint32(buf[:4], r.Metric)
		_, _ = h.Write(buf[:4])
		for _, f := range r.Flags {
			_, _ = h.WriteString(f)
		}
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
