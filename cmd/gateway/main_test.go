package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/accounting"
	"github.com/xcrystal627/commune/pkg/client"
	"github.com/xcrystal627/commune/pkg/config"
	"github.com/xcrystal627/commune/pkg/gateway"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/store"
	"github.com/xcrystal627/commune/pkg/telemetry"
)

func noTelemetry(context.Context, string, *zap.Logger) (telemetry.ShutdownFunc, error) {
	return func(context.Context) error { return nil }, nil
}

func setLocalEnv(t *testing.T) string {
	t.Helper()
	keyRoot := t.TempDir()
	t.Setenv("MODNET_NAME", "demo")
	t.Setenv("MODNET_KEY_ROOT", keyRoot)
	t.Setenv("MODNET_HISTORY_ROOT", t.TempDir())
	t.Setenv("MODNET_HOST", "127.0.0.1")
	t.Setenv("MODNET_PORT_MIN", "0")
	t.Setenv("MODNET_PORT_MAX", "0")
	t.Setenv("MODNET_LOG_LEVEL", "error")
	return keyRoot
}

func TestRunGatewayServesDemoModule(t *testing.T) {
	keyRoot := setLocalEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var echoed string
	serve := func(ctx context.Context, gw *gateway.Gateway) error {
		sctx, stop := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- gw.Serve(sctx) }()

		owner, err := keys.NewStore(keyRoot).Get("module.demo")
		if err != nil {
			stop()
			return err
		}
		c := client.NewClient(gw.Address(), owner, 2*time.Second)
		c.ServerKey = gw.Key()
		callErr := c.CallInto(ctx, "echo", []interface{}{"hi"}, nil, &echoed)
		stop()
		if err := <-errCh; err != nil {
			return err
		}
		return callErr
	}
	if err := runGateway(ctx, "", noTelemetry, nil, nil, serve); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if echoed != "hi" {
		t.Fatalf("expected echo result, got %q", echoed)
	}
}

func TestRunGatewayErrors(t *testing.T) {
	t.Run("production hardening", func(t *testing.T) {
		setLocalEnv(t)
		t.Setenv("MODNET_ENVIRONMENT", "production")
		t.Setenv("MODNET_FREE", "true")
		err := runGateway(context.Background(), "", noTelemetry, nil, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "free mode") {
			t.Fatalf("expected free mode rejection, got %v", err)
		}
	})

	t.Run("telemetry", func(t *testing.T) {
		setLocalEnv(t)
		initErr := func(context.Context, string, *zap.Logger) (telemetry.ShutdownFunc, error) {
			return nil, errors.New("collector down")
		}
		if err := runGateway(context.Background(), "", initErr, nil, nil, nil); err == nil {
			t.Fatal("expected telemetry error")
		}
	})

	t.Run("redis", func(t *testing.T) {
		setLocalEnv(t)
		t.Setenv("MODNET_REDIS_ADDR", "127.0.0.1:1")
		openRedis := func(context.Context, store.RedisOptions) (*redis.Client, error) {
			return nil, errors.New("dial refused")
		}
		err := runGateway(context.Background(), "", noTelemetry, openRedis, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "redis") {
			t.Fatalf("expected redis error, got %v", err)
		}
	})

	t.Run("bad config file", func(t *testing.T) {
		if err := runGateway(context.Background(), "/does/not/exist.yaml", noTelemetry, nil, nil, nil); err == nil {
			t.Fatal("expected config error")
		}
	})
}

type fakeArchive struct{ execs int }

func (f *fakeArchive) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	f.execs++
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeArchive) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (f *fakeArchive) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func TestOpenHistoryArchivesToPostgres(t *testing.T) {
	cfg := &config.GatewayConfig{HistoryRoot: t.TempDir()}
	h, closeFn, err := openHistory(context.Background(), cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("openHistory: %v", err)
	}
	closeFn()
	if _, ok := h.(*accounting.FileHistory); !ok {
		t.Fatalf("expected file history without postgres, got %T", h)
	}

	cfg.Postgres.DSN = "postgres://db/modnet"
	db := &fakeArchive{}
	closed := false
	open := func(context.Context, store.PostgresOptions) (archiveDB, func(), error) {
		return db, func() { closed = true }, nil
	}
	h, closeFn, err = openHistory(context.Background(), cfg, open, zap.NewNop())
	if err != nil {
		t.Fatalf("openHistory: %v", err)
	}
	if _, ok := h.(*accounting.Tee); !ok {
		t.Fatalf("expected tee history with postgres, got %T", h)
	}
	closeFn()
	if !closed {
		t.Fatal("expected archive close to be returned")
	}

	failing := func(context.Context, store.PostgresOptions) (archiveDB, func(), error) {
		return nil, nil, errors.New("no route")
	}
	if _, _, err := openHistory(context.Background(), cfg, failing, zap.NewNop()); err == nil {
		t.Fatal("expected archive open error")
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

func TestDemoModule(t *testing.T) {
	ctx := context.Background()
	if v, err := add(ctx, gateway.Call{Args: []interface{}{1.5, 2.0}}); err != nil || v != 3.5 {
		t.Fatalf("add: %v %v", v, err)
	}
	if _, err := add(ctx, gateway.Call{Args: []interface{}{"x"}}); err == nil {
		t.Fatal("expected bad argument error")
	}
	if v, err := echo(ctx, gateway.Call{Kwargs: map[string]interface{}{"msg": "hey"}}); err != nil || v != "hey" {
		t.Fatalf("echo: %v %v", v, err)
	}
	if v, err := sleep(ctx, gateway.Call{Args: []interface{}{-1.0}}); err != nil || v != 0.0 {
		t.Fatalf("sleep: %v %v", v, err)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := sleep(cctx, gateway.Call{Args: []interface{}{5.0}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled sleep, got %v", err)
	}
	if _, err := now(ctx, gateway.Call{}); err != nil {
		t.Fatalf("now: %v", err)
	}
	m := demoModule("demo")
	if m.Name != "demo" || len(m.Capabilities) != 4 {
		t.Fatalf("unexpected module %+v", m)
	}
}
