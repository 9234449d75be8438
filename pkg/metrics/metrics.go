// Package metrics keeps in-process counters for gateways and validators and
// exposes them as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	calls    map[string]*CallStat
	reason   map[string]int64
	gauges   map[string]float64

	Latencies *Latencies
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// CallStat counts dispatched module calls by outcome.
type CallStat struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Calls       map[string]CallStat     `json:"calls"`
	Reasons     map[string]int64        `json:"reasons"`
	Gauges      map[string]float64      `json:"gauges"`
	Latencies   []LatencySnapshot       `json:"latencies,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		calls:     map[string]*CallStat{},
		reason:    map[string]int64{},
		gauges:    map[string]float64{},
		Latencies: NewLatencies(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Latencies.Observe(name, d)
}

// Observe records one HTTP request against path.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncCall counts one dispatched call of fn.
func (r *Registry) IncCall(fn string, ok bool) {
	if fn == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, found := r.calls[fn]
	if !found {
		stat = &CallStat{}
		r.calls[fn] = stat
	}
	if ok {
		stat.Success++
	} else {
		stat.Failure++
	}
}

// IncReason counts a rejection or failure by its error kind.
func (r *Registry) IncReason(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Calls:       make(map[string]CallStat, len(r.calls)),
		Reasons:     make(map[string]int64, len(r.reason)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.calls {
		out.Calls[k] = *v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	r.mu.RUnlock()
	out.Latencies = r.Latencies.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		writeEndpointFamily(b, snap, "modnet_http_requests_total", "counter", "HTTP requests by route",
			func(s EndpointStat) string { return fmt.Sprint(s.Count) })
		writeEndpointFamily(b, snap, "modnet_http_errors_total", "counter", "HTTP responses with status >= 400 by route",
			func(s EndpointStat) string { return fmt.Sprint(s.ErrorCount) })
		writeEndpointFamily(b, snap, "modnet_http_avg_millis", "gauge", "average HTTP latency in milliseconds",
			func(s EndpointStat) string { return fmt.Sprintf("%.3f", s.AverageMillis) })
		writeEndpointFamily(b, snap, "modnet_http_max_millis", "gauge", "max HTTP latency in milliseconds",
			func(s EndpointStat) string { return fmt.Sprint(s.MaxMillis) })

		b.WriteString("# HELP modnet_calls_total dispatched module calls by function and outcome\n")
		b.WriteString("# TYPE modnet_calls_total counter\n")
		for _, fn := range SortedKeys(snap.Calls) {
			stat := snap.Calls[fn]
			fmt.Fprintf(b, "modnet_calls_total{fn=%q,outcome=\"success\"} %d\n", fn, stat.Success)
			fmt.Fprintf(b, "modnet_calls_total{fn=%q,outcome=\"failure\"} %d\n", fn, stat.Failure)
		}
		b.WriteString("# HELP modnet_reason_total rejections and failures by kind\n")
		b.WriteString("# TYPE modnet_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "modnet_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP modnet_gauge operational gauges\n")
		b.WriteString("# TYPE modnet_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "modnet_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Latencies) > 0 {
			b.WriteString("# HELP modnet_latency_seconds module call and scoring latency\n")
			b.WriteString("# TYPE modnet_latency_seconds histogram\n")
		}
		for _, h := range snap.Latencies {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "modnet_latency_seconds_bucket{name=%q,le=\"%g\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "modnet_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "modnet_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "modnet_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeEndpointFamily(b *strings.Builder, snap Snapshot, name, kind, help string, value func(EndpointStat) string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	for _, ep := range SortedKeys(snap.Endpoints) {
		fmt.Fprintf(b, "%s{route=%q} %s\n", name, ep, value(snap.Endpoints[ep]))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
