package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestLatencyQuantiles(t *testing.T) {
	l := NewLatency("call echo")
	for i := 0; i < 90; i++ {
		l.Observe(3 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		l.Observe(2 * time.Second)
	}
	snap := l.Snapshot()
	if snap.Count != 100 || snap.Name != "call echo" || snap.Max != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.P50 != 0.005 || snap.P95 != 2.5 || snap.P99 != 2.5 {
		t.Fatalf("quantiles p50=%v p95=%v p99=%v", snap.P50, snap.P95, snap.P99)
	}
	if l.Quantile(0.5) != snap.P50 {
		t.Fatal("Quantile and Snapshot disagree")
	}
	last := snap.Buckets[len(snap.Buckets)-1]
	if last.Le != 30 || last.Count != 100 {
		t.Fatalf("buckets must be cumulative, last = %+v", last)
	}
}

func TestLatencyBoundsAndOverflow(t *testing.T) {
	if q := NewLatency("idle").Quantile(0.5); q != 0 {
		t.Fatalf("empty quantile = %v, want 0", q)
	}
	l := NewLatencyWithBounds("score m0", []float64{3, 1})
	l.Observe(time.Second)
	l.Observe(10 * time.Second)
	snap := l.Snapshot()
	if len(snap.Buckets) != 2 || snap.Buckets[0].Le != 1 || snap.Buckets[0].Count != 1 || snap.Buckets[1].Count != 1 {
		t.Fatalf("a value on a bound belongs to that bucket: %+v", snap.Buckets)
	}
	if snap.Count != 2 || snap.P99 != 3 {
		t.Fatalf("overflow counts in the total and reports the last bound: %+v", snap)
	}
}

func TestLatenciesSharedAndOrdered(t *testing.T) {
	s := NewLatencies()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Observe("score m1", 100*time.Millisecond)
		}()
	}
	wg.Wait()
	s.Observe("call echo", 50*time.Millisecond)

	snaps := s.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "call echo" || snaps[1].Name != "score m1" || snaps[1].Count != 8 {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	if s.For("score m1") != s.For("score m1") {
		t.Fatal("For must return the same series")
	}
}
