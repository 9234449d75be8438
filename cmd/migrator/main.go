package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/config"
	"github.com/xcrystal627/commune/pkg/logging"
	"github.com/xcrystal627/commune/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context, o store.PostgresOptions) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, o)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := runMigrator(ctx, env("MODNET_CONFIG", ""), env("MODNET_MIGRATIONS_DIR", "migrations"), openDBFn); err != nil {
		logFatalf("migrator: %v", err)
	}
}

// runMigrator applies the call archive schema to the database the gateway
// archives into.
func runMigrator(ctx context.Context, configPath, dir string, openDB func(context.Context, store.PostgresOptions) (migratorDBCloser, error)) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()
	applied, err := runMigrations(ctx, db, dir, nil, nil, logger.Named("migrator"))
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	logger.Info("migrations complete", zap.Int("applied", applied), zap.String("dir", dir))
	return nil
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	if !strings.HasPrefix(cleanFile, cleanDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// runMigrations applies every *.sql file in lexical order, each in its own
// transaction. A file whose content changed after it was applied is an
// error; it is never re-run.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logger *zap.Logger,
) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	logger = logging.OrNop(logger)

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	migrationsDir = filepath.Clean(migrationsDir)
	files, err := glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		cleanFile, err := validateMigrationPath(migrationsDir, file)
		if err != nil {
			return applied, fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := checksum(sqlBytes)

		var recorded string
		err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != "" && recorded != sum {
				return applied, fmt.Errorf("migration %s changed after it was applied", name)
			}
			logger.Debug("migration already applied", zap.String("file", name))
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("migration lookup: %w", err)
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied++
		logger.Info("applied migration", zap.String("file", name), zap.String("checksum", sum[:12]))
	}
	return applied, nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
