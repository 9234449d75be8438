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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/config"
	"github.com/xcrystal627/commune/pkg/directory"
	"github.com/xcrystal627/commune/pkg/hardening"
	"github.com/xcrystal627/commune/pkg/keys"
	"github.com/xcrystal627/commune/pkg/logging"
	"github.com/xcrystal627/commune/pkg/scoreboard"
	"github.com/xcrystal627/commune/pkg/statebus"
	"github.com/xcrystal627/commune/pkg/store"
	"github.com/xcrystal627/commune/pkg/telemetry"
	"github.com/xcrystal627/commune/pkg/validator"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openRedisFn     = store.NewRedis
	openPublisherFn = func(cfg statebus.KafkaConfig) (statebus.Publisher, error) {
		return statebus.NewKafkaPublisher(cfg)
	}
	listenFn = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runValidator(ctx, env("MODNET_CONFIG", ""), initTelemetryFn, openRedisFn, openPublisherFn, listenFn); err != nil {
		logFatalf("validator: %v", err)
	}
}

func runValidator(
	ctx context.Context,
	configPath string,
	initTelemetry func(context.Context, string, *zap.Logger) (telemetry.ShutdownFunc, error),
	openRedis func(context.Context, store.RedisOptions) (*redis.Client, error),
	openPublisher func(statebus.KafkaConfig) (statebus.Publisher, error),
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

	cfg, err := config.LoadValidator(configPath)
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.ForValidator(cfg)); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := initTelemetry(ctx, "validator", logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	_, subnet := directory.SplitNetwork(cfg.Network)
	key, err := keys.NewStore(cfg.KeyRoot).LoadOrCreate(cfg.KeyName)
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
	board, err := openScoreboard(cfg, rdb)
	if err != nil {
		return err
	}

	var publisher statebus.Publisher
	if len(cfg.Kafka.Brokers) > 0 && openPublisher != nil {
		publisher, err = openPublisher(statebus.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
	}

	dirClient := telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second})
	dir := directory.Open(cfg.DirectoryURL, rdb, directory.DefaultPrefix, key, dirClient)
	vali, err := validator.New(validator.Options{
		Name:      cfg.Name,
		Subnet:    subnet,
		Tempo:     cfg.Tempo,
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.Timeout,
		Search:    cfg.Search,
		MaxAge:    cfg.MaxAge,
	}, validator.Deps{
		Directory:  dir,
		Scoreboard: board,
		Signer:     key,
		Publisher:  publisher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = vali.Run(runCtx)
	}()

	api := &Server{
		Vali:        vali,
		CORSOrigins: cfg.CORSAllowedOrigins,
		WSOrigins:   originPatterns(cfg.CORSAllowedOrigins),
		Admins:      append([]string{key.Address()}, cfg.AdminKeys...),
		Logger:      logger.Named("api"),
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-runCtx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("validator admin api listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("key", key.Address()),
		zap.String("scoreboard", cfg.ScoreboardBackend))
	err = listen(server)
	cancel()
	<-loopDone
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func openScoreboard(cfg *config.ValidatorConfig, rdb *redis.Client) (scoreboard.Store, error) {
	switch cfg.ScoreboardBackend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("scoreboard_backend=redis needs redis.addr")
		}
		return scoreboard.NewRedisStore(rdb, "modnet:scoreboard:"+cfg.Name), nil
	default:
		return scoreboard.NewFileStore(cfg.ValiRoot)
	}
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
