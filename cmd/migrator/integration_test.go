//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 180s ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	dir := t.TempDir()
	migFile := filepath.Join(dir, "001_test.sql")
	if err := os.WriteFile(migFile, []byte("CREATE TABLE test_table (id SERIAL PRIMARY KEY);"), 0644); err != nil {
		t.Fatalf("failed to write migration: %v", err)
	}

	applied, err := runMigrations(ctx, pool, dir, nil, nil, nil)
	if err != nil || applied != 1 {
		t.Fatalf("runMigrations failed: applied=%d err=%v", applied, err)
	}

	// Verify migration was applied
	var exists bool
	err = pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='001_test.sql')").Scan(&exists)
	if err != nil || !exists {
		t.Fatalf("migration not recorded: exists=%v err=%v", exists, err)
	}

	// Verify table was created
	_, err = pool.Exec(ctx, "INSERT INTO test_table DEFAULT VALUES")
	if err != nil {
		t.Fatalf("test_table not created: %v", err)
	}

	applied, err = runMigrations(ctx, pool, dir, nil, nil, nil)
	if err != nil || applied != 0 {
		t.Fatalf("second run should skip: applied=%d err=%v", applied, err)
	}

	if err := os.WriteFile(migFile, []byte("CREATE TABLE test_table_v2 (id SERIAL PRIMARY KEY);"), 0644); err != nil {
		t.Fatalf("failed to rewrite migration: %v", err)
	}
	if _, err := runMigrations(ctx, pool, dir, nil, nil, nil); err == nil {
		t.Fatal("expected edited migration to be rejected")
	}
}

// TestCallRecordsSchema applies the shipped migrations and writes one row in
// the shape the gateway archive uses.
func TestCallRecordsSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("modnet"),
		postgres.WithUsername("modnet"),
		postgres.WithPassword("modnet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	if _, err := runMigrations(ctx, pool, filepath.Join("..", "..", "migrations"), nil, nil, nil); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	_, err = pool.Exec(ctx, `INSERT INTO call_records (id, caller, fn, success, created_at) VALUES (gen_random_uuid(), 'k', 'echo', true, now())`)
	if err != nil {
		t.Fatalf("insert call record: %v", err)
	}
}
