package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/auth"
	"github.com/xcrystal627/commune/pkg/client"
	"github.com/xcrystal627/commune/pkg/config"
	"github.com/xcrystal627/commune/pkg/directory"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/models"
	"github.com/xcrystal627/commune/pkg/scoreboard"
	"github.com/xcrystal627/commune/pkg/statebus"
	"github.com/xcrystal627/commune/pkg/store"
	"github.com/xcrystal627/commune/pkg/stream"
	"github.com/xcrystal627/commune/pkg/telemetry"
	"github.com/xcrystal627/commune/pkg/validator"
)

func noTelemetry(context.Context, string, *zap.Logger) (telemetry.ShutdownFunc, error) {
	return func(context.Context) error { return nil }, nil
}

func alwaysOne(context.Context, *client.Client, models.ModuleInfo) (float64, error) {
	return 1, nil
}

func newAPI(t *testing.T) (*httptest.Server, *keys.Key) {
	t.Helper()
	dir := directory.NewMemory()
	_ = dir.Register(context.Background(), models.ModuleInfo{Name: "m0", Address: "127.0.0.1:1", Key: "k0"})
	board, err := scoreboard.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	key, _ := keys.Generate("vali")
	v, err := validator.New(validator.Options{Name: "vali", Tempo: time.Hour}, validator.Deps{
		Directory: dir, Scoreboard: board, Signer: key, Score: alwaysOne, Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	api := &Server{Vali: v, Admins: []string{key.Address()}, Logger: zap.NewNop()}
	ts := httptest.NewServer(api.Routes())
	t.Cleanup(ts.Close)
	return ts, key
}

func do(t *testing.T, method, url string) (int, map[string]interface{}) {
	t.Helper()
	return doSigned(t, nil, method, url)
}

// doSigned sends the request with admin headers from signer when it is set.
func doSigned(t *testing.T, signer keys.Signer, method, rawURL string) (int, map[string]interface{}) {
	t.Helper()
	req, _ := http.NewRequest(method, rawURL, nil)
	if signer != nil {
		headers, err := auth.AdminHeaders(signer, method, req.URL.Path, time.Now())
		if err != nil {
			t.Fatalf("admin headers: %v", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	defer res.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func TestAdminAPI(t *testing.T) {
	ts, admin := newAPI(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/v1/epoch"}, {http.MethodPost, "/v1/sync"}, {http.MethodDelete, "/v1/scoreboard"},
	} {
		if code, _ := do(t, route.method, ts.URL+route.path); code != http.StatusUnauthorized {
			t.Fatalf("%s %s without signature: expected 401, got %d", route.method, route.path, code)
		}
	}
	outsider, _ := keys.Generate("outsider")
	if code, _ := doSigned(t, outsider, http.MethodDelete, ts.URL+"/v1/scoreboard"); code != http.StatusForbidden {
		t.Fatalf("non-admin reset: expected 403, got %d", code)
	}

	if code, body := do(t, http.MethodGet, ts.URL+"/healthz"); code != http.StatusOK || body["service"] != "validator" {
		t.Fatalf("healthz: %d %v", code, body)
	}
	code, body := doSigned(t, admin, http.MethodPost, ts.URL+"/v1/epoch")
	if code != http.StatusOK {
		t.Fatalf("epoch: %d %v", code, body)
	}
	if results, _ := body["results"].([]interface{}); len(results) != 1 {
		t.Fatalf("expected one scored module, got %v", body)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/v1/scoreboard?sort=score,name&asc=false&page=1&page_size=10")
	if code != http.StatusOK || body["total"] != 1.0 {
		t.Fatalf("scoreboard: %d %v", code, body)
	}
	for _, q := range []string{"sort=bogus", "asc=maybe", "page=-1", "max_age=soon"} {
		if code, body := do(t, http.MethodGet, ts.URL+"/v1/scoreboard?"+q); code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %v", q, code, body)
		}
	}

	if code, body := do(t, http.MethodGet, ts.URL+"/v1/status"); code != http.StatusOK || body["epochs"] != 1.0 {
		t.Fatalf("status: %d %v", code, body)
	}
	if code, body := doSigned(t, admin, http.MethodPost, ts.URL+"/v1/sync"); code != http.StatusOK || body["modules"] != 1.0 {
		t.Fatalf("sync: %d %v", code, body)
	}
	if code, _ := doSigned(t, admin, http.MethodDelete, ts.URL+"/v1/scoreboard"); code != http.StatusOK {
		t.Fatalf("reset: %d", code)
	}
	if _, body := do(t, http.MethodGet, ts.URL+"/v1/scoreboard"); body["total"] != 0.0 {
		t.Fatalf("expected empty board after reset, got %v", body)
	}
	res, err := http.Get(ts.URL + "/metrics/prometheus")
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("prometheus: %v %v", res, err)
	}
	res.Body.Close()
}

func TestEventsWebsocket(t *testing.T) {
	ts, admin := newAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil || ready.Type != "ready" {
		t.Fatalf("ready: %+v %v", ready, err)
	}
	if code, _ := doSigned(t, admin, http.MethodPost, ts.URL+"/v1/epoch"); code != http.StatusOK {
		t.Fatalf("epoch: %d", code)
	}
	seen := map[string]bool{}
	for !seen[stream.TypeEpoch] {
		var evt stream.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		seen[evt.Type] = true
	}
	if !seen[stream.TypeScore] {
		t.Fatalf("expected a score event before the epoch event, saw %v", seen)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns(" https://a.example.com, ,http://b.example.com:8080 ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com:8080" {
		t.Fatalf("unexpected patterns %v", got)
	}
}

func setLocalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MODNET_KEY_ROOT", t.TempDir())
	t.Setenv("MODNET_VALI_ROOT", t.TempDir())
	t.Setenv("MODNET_LISTEN_ADDR", "127.0.0.1:0")
	t.Setenv("MODNET_LOG_LEVEL", "error")
}

func TestRunValidator(t *testing.T) {
	setLocalEnv(t)
	listen := func(server *http.Server) error {
		ts := httptest.NewServer(server.Handler)
		defer ts.Close()
		res, err := http.Get(ts.URL + "/v1/status")
		if err != nil {
			return err
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return errors.New("status endpoint failed")
		}
		return http.ErrServerClosed
	}
	if err := runValidator(context.Background(), "", noTelemetry, nil, nil, listen); err != nil {
		t.Fatalf("runValidator: %v", err)
	}
}

type nopPublisher struct{ closed bool }

func (p *nopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (p *nopPublisher) Close() error {
	p.closed = true
	return nil
}

func TestRunValidatorWithRedisAndKafka(t *testing.T) {
	setLocalEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("MODNET_REDIS_ADDR", mr.Addr())
	t.Setenv("MODNET_SCOREBOARD_BACKEND", "redis")
	t.Setenv("MODNET_KAFKA_BROKERS", "127.0.0.1:9092")

	pub := &nopPublisher{}
	openPublisher := func(cfg statebus.KafkaConfig) (statebus.Publisher, error) {
		if cfg.Topic != "modnet.validator" {
			return nil, errors.New("unexpected topic " + cfg.Topic)
		}
		return pub, nil
	}
	listen := func(*http.Server) error { return http.ErrServerClosed }
	if err := runValidator(context.Background(), "", noTelemetry, nil, openPublisher, listen); err != nil {
		t.Fatalf("runValidator: %v", err)
	}
	if !pub.closed {
		t.Fatal("expected publisher closed on exit")
	}
}

func TestRunValidatorErrors(t *testing.T) {
	t.Run("redis", func(t *testing.T) {
		setLocalEnv(t)
		t.Setenv("MODNET_REDIS_ADDR", "127.0.0.1:1")
		openRedis := func(context.Context, store.RedisOptions) (*redis.Client, error) {
			return nil, errors.New("refused")
		}
		if err := runValidator(context.Background(), "", noTelemetry, openRedis, nil, nil); err == nil {
			t.Fatal("expected redis error")
		}
	})
	t.Run("bad backend", func(t *testing.T) {
		setLocalEnv(t)
		t.Setenv("MODNET_SCOREBOARD_BACKEND", "sqlite")
		if err := runValidator(context.Background(), "", noTelemetry, nil, nil, nil); err == nil {
			t.Fatal("expected config error")
		}
	})
	t.Run("listen", func(t *testing.T) {
		setLocalEnv(t)
		listen := func(*http.Server) error { return errors.New("address in use") }
		if err := runValidator(context.Background(), "", noTelemetry, nil, nil, listen); err == nil {
			t.Fatal("expected listen error")
		}
	})
}

func TestOpenScoreboardNeedsRedis(t *testing.T) {
	if _, err := openScoreboard(&config.ValidatorConfig{ScoreboardBackend: "redis"}, nil); err == nil {
		t.Fatal("expected redis backend without client to fail")
	}
}

func TestMainCallsFatalOnError(t *testing.T) {
	setLocalEnv(t)
	origFatal, origTelemetry := logFatalf, initTelemetryFn
	defer func() { logFatalf, initTelemetryFn = origFatal, origTelemetry }()
	fatalCalled := false
	logFatalf = func(string, ...any) { fatalCalled = true }
	initTelemetryFn = func(context.Context, string, *zap.Logger) (telemetry.ShutdownFunc, error) {
		return nil, errors.New("telemetry init failed")
	}
	main()
	if !fatalCalled {
		t.Fatal("logFatalf should be called on error")
	}
}
