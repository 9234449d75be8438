package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xcrystal627/commune/pkg/httpx"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/models"
)

// Headers carried by signed admin requests.
const (
	HeaderKey       = "X-Modnet-Key"
	HeaderTimestamp = "X-Modnet-Timestamp"
	HeaderSignature = "X-Modnet-Signature"
)

var (
	ErrMissingSignature = errors.New("missing signed admin headers")
	ErrStaleRequest     = errors.New("stale request")
)

type MiddlewareConfig struct {
	MaxAge time.Duration
	Now    func() time.Time
}

type MiddlewareOption func(*MiddlewareConfig)

func WithMaxAge(d time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		if d > 0 {
			cfg.MaxAge = d
		}
	}
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		if now != nil {
			cfg.Now = now
		}
	}
}

// AdminPayload is the canonical byte string an admin signs for one request.
func AdminPayload(method, path string, timestamp json.Number) ([]byte, error) {
	if _, err := timestamp.Float64(); err != nil {
		return nil, ErrBadTimestamp
	}
	return models.CanonicalJSON(struct {
		Method    string      `json:"method"`
		Path      string      `json:"path"`
		Timestamp json.Number `json:"timestamp"`
	}{Method: strings.ToUpper(method), Path: path, Timestamp: timestamp})
}

// AdminHeaders returns the headers that authenticate method+path as signer at now.
func AdminHeaders(signer keys.Signer, method, path string, now time.Time) (map[string]string, error) {
	ts := json.Number(strconv.FormatFloat(models.UnixSeconds(now), 'f', -1, 64))
	payload, err := AdminPayload(method, path, ts)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderKey:       signer.Address(),
		HeaderTimestamp: ts.String(),
		HeaderSignature: base64.StdEncoding.EncodeToString(signer.Sign(payload)),
	}, nil
}

// VerifyAdmin checks the signed admin headers on r and returns the signer's address.
func VerifyAdmin(r *http.Request, maxAge time.Duration, now time.Time) (string, error) {
	key := strings.TrimSpace(r.Header.Get(HeaderKey))
	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if key == "" || ts == "" || sig == "" {
		return "", ErrMissingSignature
	}
	payload, err := AdminPayload(r.Method, r.URL.Path, json.Number(ts))
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || !keys.Verify(payload, raw, key) {
		return "", ErrInvalidSignature
	}
	sec, _ := json.Number(ts).Float64()
	age := now.Sub(models.FromUnixSeconds(sec))
	if age < 0 {
		age = -age
	}
	if maxAge > 0 && age > maxAge {
		return "", ErrStaleRequest
	}
	return key, nil
}

// IsAdminKey reports whether address is one of admins.
func IsAdminKey(address string, admins []string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	for _, a := range admins {
		if strings.TrimSpace(a) == address {
			return true
		}
	}
	return false
}

// Middleware admits only requests signed by one of admins. The verified
// caller is stored in the request context.
func Middleware(admins []string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := MiddlewareConfig{MaxAge: 30 * time.Second, Now: time.Now}
	for _, opt := range options {
		opt(&cfg)
	}
	allowed := make([]string, 0, len(admins))
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			allowed = append(allowed, a)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			address, err := VerifyAdmin(r, cfg.MaxAge, cfg.Now())
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, err.Error())
				return
			}
			if !IsAdminKey(address, allowed) {
				httpx.Error(w, http.StatusForbidden, "admin key required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), Caller{
				Address: address,
				IsAdmin: true,
				Class:   ClassAdmin,
			})))
		})
	}
}
