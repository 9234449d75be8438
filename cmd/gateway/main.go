package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/accounting"
	"github.com/xcrystal627/commune/pkg/config"
	"github.com/xcrystal627/commune/pkg/directory"
	"github.com/xcrystal627/commune/pkg/gateway"
	"github.com/xcrystal627/commune/pkg/hardening"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/logging"
	"github.com/xcrystal627/commune/pkg/ratelimit"
	"github.com/xcrystal627/commune/pkg/store"
	"github.com/xcrystal627/commune/pkg/telemetry"
)

type archiveDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openRedisFn     = store.NewRedis
	openArchiveFn   = func(ctx context.Context, o store.PostgresOptions) (archiveDB, func(), error) {
		pool, err := store.NewPostgresPool(ctx, o)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	}
	serveFn = func(ctx context.Context, gw *gateway.Gateway) error { return gw.Serve(ctx) }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runGateway(ctx, env("MODNET_CONFIG", ""), initTelemetryFn, openRedisFn, openArchiveFn, serveFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	ctx context.Context,
	configPath string,
	initTelemetry func(context.Context, string, *zap.Logger) (telemetry.ShutdownFunc, error),
	openRedis func(context.Context, store.RedisOptions) (*redis.Client, error),
	openArchive func(context.Context, store.PostgresOptions) (archiveDB, func(), error),
	serve func(context.Context, *gateway.Gateway) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if serve == nil {
		serve = func(ctx context.Context, gw *gateway.Gateway) error { return gw.Serve(ctx) }
	}

	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.ForGateway(cfg)); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := initTelemetry(ctx, "gateway", logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	network, subnet := directory.SplitNetwork(cfg.Network)
	keystore := keys.NewStore(cfg.KeyRoot)
	key, err := keystore.LoadOrCreate(cfg.KeyName)
	if err != nil {
		return fmt.Errorf("key %s: %w", cfg.KeyName, err)
	}

	var rdb *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
	}

	var limiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.RateWindow)
	if rdb != nil {
		limiter = ratelimit.NewRedis(rdb, cfg.RateWindow)
	}
	replay := store.NewReplayGuard(store.NewCache(ctx, rdb), cfg.MaxRequestStaleness)

	dirClient := telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second})
	dir := directory.Open(cfg.DirectoryURL, rdb, directory.DefaultPrefix, key, dirClient)
	if _, local := dir.(*directory.Memory); local {
		logger.Warn("no directory_url or redis configured; registering in a process-local directory")
	}

	history, closeHistory, err := openHistory(ctx, cfg, openArchive, logger)
	if err != nil {
		return err
	}
	defer closeHistory()
	retention := accounting.NewRetention(history, cfg.HistoryLifetime, cfg.RetentionInterval, logger.Named("retention"))
	go retention.Run(ctx)

	gw, err := gateway.New(gateway.Options{
		Name:                cfg.Name,
		Subnet:              subnet,
		Host:                cfg.Host,
		PortMin:             cfg.PortMin,
		PortMax:             cfg.PortMax,
		Free:                cfg.Free,
		MaxRequestStaleness: cfg.MaxRequestStaleness,
		MaxNetworkStaleness: cfg.MaxNetworkStaleness,
		MaxBodyBytes:        cfg.MaxBodyBytes,
		AdminKeys:           cfg.AdminKeys,
		FatalErrors:         cfg.FatalErrors,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		RateModel:           rateModel(cfg.Rate),
	}, gateway.Deps{
		Keys:      keystore,
		KeyName:   cfg.KeyName,
		Directory: dir,
		Limiter:   limiter,
		History:   history,
		Replay:    replay,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	addr, err := gw.Register(ctx, demoModule(cfg.Name))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	logger.Info("gateway serving",
		zap.String("module", cfg.Name),
		zap.String("network", network),
		zap.String("subnet", subnet),
		zap.String("address", addr),
		zap.String("key", key.Address()))
	return serve(ctx, gw)
}

// openHistory writes call records to files and, when postgres is
// configured, archives them there as well.
func openHistory(ctx context.Context, cfg *config.GatewayConfig, openArchive func(context.Context, store.PostgresOptions) (archiveDB, func(), error), logger *zap.Logger) (accounting.History, func(), error) {
	files, err := accounting.NewFileHistory(cfg.HistoryRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("history: %w", err)
	}
	if strings.TrimSpace(cfg.Postgres.DSN) == "" || openArchive == nil {
		return files, func() {}, nil
	}
	db, closeDB, err := openArchive(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if closeDB == nil {
		closeDB = func() {}
	}
	tee := &accounting.Tee{
		Primary:  files,
		Archives: []accounting.History{accounting.NewPostgresHistory(db)},
		Logger:   logger,
	}
	return tee, closeDB, nil
}

func rateModel(c config.RateConfig) ratelimit.RateModel {
	return ratelimit.RateModel{
		AdminRate:       c.AdminRate,
		OwnerRate:       c.OwnerRate,
		LocalRate:       c.LocalRate,
		MaxRate:         c.MaxRate,
		MinRate:         c.MinRate,
		StakePrice:      c.StakePrice,
		DirectWeight:    c.DirectWeight,
		DelegatedWeight: c.DelegatedWeight,
		OwnerWeight:     c.OwnerWeight,
	}
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
