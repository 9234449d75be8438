package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /{fn}", 200, 15*time.Millisecond)
	r.Observe("POST /{fn}", 429, 35*time.Millisecond)
	r.IncCall("echo", true)
	r.IncCall("echo", true)
	r.IncCall("echo", false)
	r.IncReason("RateLimitError")
	r.SetGauge("snapshot_age_seconds", 3)

	snap := r.Snapshot()
	ep := snap.Endpoints["POST /{fn}"]
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 || ep.LastStatusCode != 429 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if c := snap.Calls["echo"]; c.Success != 2 || c.Failure != 1 {
		t.Fatalf("unexpected call stat %+v", c)
	}
	if snap.Reasons["RateLimitError"] != 1 {
		t.Fatalf("expected one rate limit reason, got %v", snap.Reasons)
	}
	if snap.Gauges["snapshot_age_seconds"] != 3 {
		t.Fatalf("unexpected gauge %v", snap.Gauges)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /{fn}", 200, 12*time.Millisecond)
	r.IncCall("echo", true)
	r.IncReason("AuthError")
	r.SetGauge("epoch", 7)
	r.ObserveLatency("call:echo", 20*time.Millisecond)

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`modnet_http_requests_total{route="POST /{fn}"} 1`,
		`modnet_calls_total{fn="echo",outcome="success"} 1`,
		`modnet_reason_total{reason="AuthError"} 1`,
		`modnet_gauge{name="epoch"} 7.000`,
		`modnet_latency_seconds_count{name="call:echo"} 1`,
		`modnet_latency_seconds_bucket{name="call:echo",le="0.025"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestJSONHandlerIgnoresEmptyNames(t *testing.T) {
	r := NewRegistry()
	r.IncCall("", true)
	r.IncReason(" ")
	r.SetGauge("", 5)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"generated_at"`) {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, `"": `) {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
