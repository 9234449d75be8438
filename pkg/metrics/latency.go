package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// CallLatencyBounds are the bucket upper bounds, in seconds, used for module
// calls and validator scoring. They run from sub-millisecond helper calls up
// to the longest scoring timeouts.
var CallLatencyBounds = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// Bucket is a cumulative count of observations at or below Le seconds.
type Bucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// Latency is the latency distribution of one named operation, such as
// "call echo" or "score m0". Observations above the last bound are counted
// only in the total.
type Latency struct {
	mu     sync.Mutex
	name   string
	bounds []float64
	hits   []int64 // per bucket, not cumulative; hits[len(bounds)] is overflow
	sum    float64
	max    float64
}

func NewLatency(name string) *Latency {
	return NewLatencyWithBounds(name, CallLatencyBounds)
}

// NewLatencyWithBounds sorts a copy of bounds.
func NewLatencyWithBounds(name string, bounds []float64) *Latency {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Latency{name: name, bounds: b, hits: make([]int64, len(b)+1)}
}

func (l *Latency) Observe(d time.Duration) {
	sec := d.Seconds()
	i := sort.SearchFloat64s(l.bounds, sec)
	l.mu.Lock()
	l.hits[i]++
	l.sum += sec
	if sec > l.max {
		l.max = sec
	}
	l.mu.Unlock()
}

// Quantile returns the upper bound of the bucket holding quantile q, or the
// last bound when q falls in the overflow.
func (l *Latency) Quantile(q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return quantile(l.bounds, l.hits, q)
}

func quantile(bounds []float64, hits []int64, q float64) float64 {
	var total int64
	for _, n := range hits {
		total += n
	}
	if total == 0 || len(bounds) == 0 {
		return 0
	}
	rank := int64(math.Ceil(q * float64(total)))
	if rank < 1 {
		rank = 1
	}
	var seen int64
	for i, le := range bounds {
		seen += hits[i]
		if seen >= rank {
			return le
		}
	}
	return bounds[len(bounds)-1]
}

type LatencySnapshot struct {
	Name    string   `json:"name"`
	Buckets []Bucket `json:"buckets"`
	Sum     float64  `json:"sum"`
	Count   int64    `json:"count"`
	Max     float64  `json:"max"`
	P50     float64  `json:"p50"`
	P95     float64  `json:"p95"`
	P99     float64  `json:"p99"`
}

func (l *Latency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := LatencySnapshot{
		Name:    l.name,
		Buckets: make([]Bucket, len(l.bounds)),
		Sum:     l.sum,
		Max:     l.max,
		P50:     quantile(l.bounds, l.hits, 0.50),
		P95:     quantile(l.bounds, l.hits, 0.95),
		P99:     quantile(l.bounds, l.hits, 0.99),
	}
	for i, le := range l.bounds {
		snap.Count += l.hits[i]
		snap.Buckets[i] = Bucket{Le: le, Count: snap.Count}
	}
	snap.Count += l.hits[len(l.bounds)]
	return snap
}

// Latencies holds one Latency per operation name, created on first use.
type Latencies struct {
	mu     sync.RWMutex
	byName map[string]*Latency
}

func NewLatencies() *Latencies {
	return &Latencies{byName: map[string]*Latency{}}
}

func (s *Latencies) For(name string) *Latency {
	s.mu.RLock()
	l := s.byName[name]
	s.mu.RUnlock()
	if l != nil {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.byName[name]; l == nil {
		l = NewLatency(name)
		s.byName[name] = l
	}
	return l
}

func (s *Latencies) Observe(name string, d time.Duration) {
	s.For(name).Observe(d)
}

// Snapshots are ordered by name.
func (s *Latencies) Snapshots() []LatencySnapshot {
	s.mu.RLock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	out := make([]LatencySnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, s.For(name).Snapshot())
	}
	return out
}
