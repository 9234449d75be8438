package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/config"
	"github.com/xcrystal627/commune/pkg/directory"
	"github.com/xcrystal627/commune/pkg/hardening"
	"github.com/xcrystal627/commune/pkg/httpx"
	"github.com/xcrystal627/commune/pkg/logging"
	"github.com/xcrystal627/commune/pkg/store"
	"github.com/xcrystal627/commune/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runDirectory(ctx, env("MODNET_CONFIG", ""), initTelemetryFn, openRedisFn, listenFn); err != nil {
		logFatalf("directory: %v", err)
	}
}

func runDirectory(
	ctx context.Context,
	configPath string,
	initTelemetry func(context.Context, string, *zap.Logger) (telemetry.ShutdownFunc, error),
	openRedis func(context.Context, store.RedisOptions) (*redis.Client, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := config.LoadDirectory(configPath)
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.ForDirectory(cfg)); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := initTelemetry(ctx, "directory", logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	var dir directory.Directory
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "redis":
		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		dir = directory.NewRedis(rdb, cfg.Prefix)
	case "", "memory":
		dir = directory.NewMemory()
	default:
		return fmt.Errorf("unknown directory backend %q", cfg.Backend)
	}

	r := chi.NewRouter()
	r.Use(httpx.SecurityHeaders)
	r.Use(telemetry.HTTPMiddleware("directory"))
	r.Use(httpx.LimitBody(1 << 20))
	r.Mount("/", directory.NewHandler(dir, logger.Named("directory")).Routes())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("directory listening", zap.String("addr", cfg.ListenAddr), zap.String("backend", cfg.Backend))
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
