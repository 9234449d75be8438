//go:build integration

package accounting

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xcrystal627/commune/pkg/models"
)

// Run with: go test -tags=integration -run TestPostgresHistoryWithRealPostgres ./pkg/accounting/...
func TestPostgresHistoryWithRealPostgres(t *testing.T) {
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
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	schema, err := os.ReadFile("../../migrations/001_call_records.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	h := NewPostgresHistory(pool)
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, fn := range []string{"echo", "add", "echo"} {
		rec := models.CallRecord{Caller: "alice", Fn: fn, Success: true, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := h.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	recs, err := h.List(ctx, "alice", "echo", time.Time{})
	if err != nil || len(recs) != 2 || !recs[0].Timestamp.Before(recs[1].Timestamp) {
		t.Fatalf("unexpected list %+v %v", recs, err)
	}
	if n, err := h.Count(ctx, "alice", base.Add(time.Second)); err != nil || n != 2 {
		t.Fatalf("unexpected count %d %v", n, err)
	}
	if n, err := h.Prune(ctx, base.Add(time.Second)); err != nil || n != 1 {
		t.Fatalf("unexpected prune %d %v", n, err)
	}
}
