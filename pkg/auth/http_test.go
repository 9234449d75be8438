package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func signedRequest(t *testing.T, method, path string, headers map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestMiddlewareAdmitsAdminKey(t *testing.T) {
	admin := mustKey(t, "admin")
	headers, err := AdminHeaders(admin, http.MethodDelete, "/v1/scoreboard", time.Now())
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	var got Caller
	h := Middleware([]string{" ", admin.Address()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, http.MethodDelete, "/v1/scoreboard?x=1", headers))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d %s", rr.Code, rr.Body.String())
	}
	if got.Address != admin.Address() || !got.IsAdmin || got.Class != ClassAdmin {
		t.Fatalf("unexpected caller %+v", got)
	}
}

func TestMiddlewareRejections(t *testing.T) {
	admin := mustKey(t, "admin")
	other := mustKey(t, "other")
	now := time.Now()
	good, _ := AdminHeaders(admin, http.MethodPost, "/v1/epoch", now)
	stranger, _ := AdminHeaders(other, http.MethodPost, "/v1/epoch", now)
	wrongPath, _ := AdminHeaders(admin, http.MethodPost, "/v1/sync", now)
	stale, _ := AdminHeaders(admin, http.MethodPost, "/v1/epoch", now.Add(-time.Minute))
	forged := map[string]string{HeaderKey: admin.Address(), HeaderTimestamp: good[HeaderTimestamp], HeaderSignature: stranger[HeaderSignature]}
	badTime := map[string]string{HeaderKey: admin.Address(), HeaderTimestamp: "soon", HeaderSignature: good[HeaderSignature]}

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no headers", nil, http.StatusUnauthorized},
		{"non-admin key", stranger, http.StatusForbidden},
		{"signature for another path", wrongPath, http.StatusUnauthorized},
		{"stale", stale, http.StatusUnauthorized},
		{"forged signature", forged, http.StatusUnauthorized},
		{"bad timestamp", badTime, http.StatusUnauthorized},
	}
	h := Middleware([]string{admin.Address()}, WithMaxAge(10*time.Second))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, signedRequest(t, http.MethodPost, "/v1/epoch", tt.headers))
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestMiddlewareWithoutAdminsRejectsEveryone(t *testing.T) {
	k := mustKey(t, "anyone")
	headers, _ := AdminHeaders(k, http.MethodPost, "/v1/sync", time.Now())
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, http.MethodPost, "/v1/sync", headers))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestMiddlewareClock(t *testing.T) {
	admin := mustKey(t, "admin")
	signedAt := time.Unix(1_700_000_000, 0)
	headers, _ := AdminHeaders(admin, http.MethodPost, "/v1/epoch", signedAt)
	h := Middleware([]string{admin.Address()}, WithMaxAge(5*time.Second), WithClock(func() time.Time {
		return signedAt.Add(3 * time.Second)
	}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, http.MethodPost, "/v1/epoch", headers))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected request inside max age to pass, got %d", rr.Code)
	}
}

func TestIsAdminKey(t *testing.T) {
	if IsAdminKey("", []string{""}) {
		t.Fatal("empty address must never be admin")
	}
	if !IsAdminKey(" k1 ", []string{"k0", "k1"}) || IsAdminKey("k2", []string{"k0", "k1"}) {
		t.Fatal("unexpected admin membership")
	}
}
