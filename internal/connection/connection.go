// Package connection keeps the measured relationship between pairs of nodes:
// a bounded history of latency samples and the last bandwidth result.
package connection

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// HistorySize is the number of latency samples kept per connection
const HistorySize = 100

// PairKey identifies an unordered pair of nodes. A is always the smaller id.
type PairKey struct {
	A string `json:"node_a"`
	B string `json:"node_b"`
}

// Pair builds the key for nodes x and y in either order
func Pair(x, y string) PairKey {
	if y < x {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

// ID is a stable short identifier for the pair
func (k PairKey) ID() string {
	h := xxhash.New()
	_, _ = h.WriteString(k.A)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.B)
	return strconv.FormatUint(h.Sum64(), 16)
}

func (k PairKey) String() string { return k.A + "<->" + k.B }

// Other returns the member of the pair that is not id
func (k PairKey) Other(id string) string {
	if k.A == id {
		return k.B
	}
	return k.A
}

// Sample is one probe outcome. LatencyMs is zero for failed probes.
type Sample struct {
	At        time.Time `json:"at"`
	LatencyMs float64   `json:"latency_ms"`
	Success   bool      `json:"success"`
}

type BandwidthResult struct {
	TestID       string    `json:"test_id"`
	UploadMbps   float64   `json:"upload_mbps"`
	DownloadMbps float64   `json:"download_mbps"`
	DurationSecs float64   `json:"duration_secs"`
	At           time.Time `json:"at"`
}

// ring is a fixed-capacity sample buffer that overwrites the oldest entry
type ring struct {
	buf   [HistorySize]Sample
	start int
	n     int
}

func (r *ring) push(s Sample) {
	if r.n < HistorySize {
		r.buf[(r.start+r.n)%HistorySize] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % HistorySize
}

// samples returns the contents oldest first
func (r *ring) samples() []Sample {
	out := make([]Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%HistorySize]
	}
	return out
}

type connection struct {
	key        PairKey
	history    ring
	bandwidth  *BandwidthResult
	lastTested time.Time
}

// Connection is an immutable snapshot of a pair's measurements
type Connection struct {
	ID         string           `json:"id"`
	Key        PairKey          `json:"pair"`
	Samples    []Sample         `json:"samples"`
	Stats      Stats            `json:"stats"`
	Bandwidth  *BandwidthResult `json:"bandwidth,omitempty"`
	LastTested time.Time        `json:"last_tested,omitempty"`
}

// Stats summarises the latency history
type Stats struct {
	Count       int     `json:"count"`
	Successes   int     `json:"successes"`
	LossPercent float64 `json:"loss_percent"`
	MinMs       float64 `json:"min_ms"`
	MaxMs       float64 `json:"max_ms"`
	AvgMs       float64 `json:"avg_ms"`
	LastMs      float64 `json:"last_ms"`
}

func summarize(samples []Sample) Stats {
	st := Stats{Count: len(samples)}
	var sum float64
	for _, s := range samples {
		if !s.Success {
			continue
		}
		if st.Successes == 0 || s.LatencyMs < st.MinMs {
			st.MinMs = s.LatencyMs
		}
		if s.LatencyMs > st.MaxMs {
			st.MaxMs = s.LatencyMs
		}
		sum += s.LatencyMs
		st.LastMs = s.LatencyMs
		st.Successes++
	}
	if st.Successes > 0 {
		st.AvgMs = sum / float64(st.Successes)
	}
	if st.Count > 0 {
		st.LossPercent = float64(st.Count-st.Successes) / float64(st.Count) * 100
	}
	return st
}

func (c *connection) snapshot() Connection {
	samples := c.history.samples()
	snap := Connection{
		ID:         c.key.ID(),
		Key:        c.key,
		Samples:    samples,
		Stats:      summarize(samples),
		LastTested: c.lastTested,
	}
	if c.bandwidth != nil {
		b := *c.bandwidth
		snap.Bandwidth = &b
	}
	return snap
}

// Store owns every Connection record. Records are created on first use and
// are never cleared when a node goes offline.
type Store struct {
	mu    sync.Mutex
	conns map[PairKey]*connection
}

func NewStore() *Store {
	return &Store{conns: make(map[PairKey]*connection)}
}

func (s *Store) getLocked(key PairKey) *connection {
	c, ok := s.conns[key]
	if !ok {
		c = &connection{key: key}
		s.conns[key] = c
	}
	return c
}

// RecordLatency appends a successful probe sample
func (s *Store) RecordLatency(key PairKey, at time.Time, rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getLocked(key).history.push(Sample{
		At:        at,
		LatencyMs: float64(rtt.Microseconds()) / 1000.0,
		Success:   true,
	})
}

// RecordFailure appends a failed probe sample
func (s *Store) RecordFailure(key PairKey, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getLocked(key).history.push(Sample{At: at})
}

// RecordBandwidth stores the latest bandwidth result for the pair
func (s *Store) RecordBandwidth(key PairKey, result BandwidthResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(key)
	c.bandwidth = &result
	c.lastTested = result.At
}

func (s *Store) Get(key PairKey) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[key]
	if !ok {
		return Connection{}, false
	}
	return c.snapshot(), true
}

// List returns every connection ordered by pair
func (s *Store) List() []Connection {
	s.mu.Lock()
	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.A != out[j].Key.A {
			return out[i].Key.A < out[j].Key.A
		}
		return out[i].Key.B < out[j].Key.B
	})
	return out
}

// Involving returns the connections that include node id
func (s *Store) Involving(id string) []Connection {
	var out []Connection
	for _, c := range s.List() {
		if c.Key.A == id || c.Key.B == id {
			out = append(out, c)
		}
	}
	return out
}
