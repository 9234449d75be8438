package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xcrystal627/commune/pkg/models"
)

type historyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresHistory archives call records in the call_records table.
type PostgresHistory struct {
	DB historyDB
}

func NewPostgresHistory(db historyDB) *PostgresHistory {
	return &PostgresHistory{DB: db}
}

func (p *PostgresHistory) Record(ctx context.Context, rec models.CallRecord) error {
	rec = normalize(rec, time.Now().UTC())
	_, err := p.DB.Exec(ctx, `
		INSERT INTO call_records (id, caller, fn, url, cost, latency, success, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Caller, rec.Fn, rec.URL, rec.Cost, rec.Latency, rec.Success, rec.Error, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

func (p *PostgresHistory) List(ctx context.Context, caller, fn string, since time.Time) ([]models.CallRecord, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, caller, fn, url, cost, latency, success, error, created_at
		FROM call_records
		WHERE caller=$1 AND ($2 = '' OR fn=$2) AND created_at >= $3
		ORDER BY created_at ASC, id ASC
	`, caller, fn, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()
	var out []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := rows.Scan(&rec.ID, &rec.Caller, &rec.Fn, &rec.URL, &rec.Cost, &rec.Latency, &rec.Success, &rec.Error, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresHistory) Count(ctx context.Context, caller string, since time.Time) (int, error) {
	var n int
	err := p.DB.QueryRow(ctx, `SELECT count(*) FROM call_records WHERE caller=$1 AND created_at >= $2`, caller, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count call records: %w", err)
	}
	return n, nil
}

func (p *PostgresHistory) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.DB.Exec(ctx, `DELETE FROM call_records WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune call records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
