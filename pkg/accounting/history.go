// Package accounting records one entry per accepted gateway call and
// answers per-caller history queries.
package accounting

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/models"
)

// History stores call records partitioned by caller. List returns records
// in ascending timestamp order.
type History interface {
	Record(ctx context.Context, rec models.CallRecord) error
	List(ctx context.Context, caller, fn string, since time.Time) ([]models.CallRecord, error)
	Count(ctx context.Context, caller string, since time.Time) (int, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

func normalize(rec models.CallRecord, now time.Time) models.CallRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec
}

func sortRecords(recs []models.CallRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}

// Tee writes to a primary history and best-effort to archives. Reads and
// pruning use the primary only.
type Tee struct {
	Primary  History
	Archives []History
	Logger   *zap.Logger
}

func (t *Tee) Record(ctx context.Context, rec models.CallRecord) error {
	rec = normalize(rec, time.Now().UTC())
	if err := t.Primary.Record(ctx, rec); err != nil {
		return err
	}
	for _, a := range t.Archives {
		if err := a.Record(ctx, rec); err != nil && t.Logger != nil {
			t.Logger.Warn("call archive write failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	return nil
}

func (t *Tee) List(ctx context.Context, caller, fn string, since time.Time) ([]models.CallRecord, error) {
	return t.Primary.List(ctx, caller, fn, since)
}

func (t *Tee) Count(ctx context.Context, caller string, since time.Time) (int, error) {
	return t.Primary.Count(ctx, caller, since)
}

func (t *Tee) Prune(ctx context.Context, before time.Time) (int, error) {
	return t.Primary.Prune(ctx, before)
}

// Retention prunes records older than Lifetime every Interval.
type Retention struct {
	History  History
	Lifetime time.Duration
	Interval time.Duration
	Logger   *zap.Logger
	now      func() time.Time
}

func NewRetention(h History, lifetime, interval time.Duration, logger *zap.Logger) *Retention {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Retention{
		History:  h,
		Lifetime: lifetime,
		Interval: interval,
		Logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Retention) Sweep(ctx context.Context) (int, error) {
	if r.Lifetime <= 0 {
		return 0, nil
	}
	n, err := r.History.Prune(ctx, r.now().Add(-r.Lifetime))
	if err != nil {
		r.Logger.Warn("call history prune failed", zap.Error(err))
		return n, err
	}
	if n > 0 {
		r.Logger.Info("call history pruned", zap.Int("removed", n))
	}
	return n, nil
}

func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}
