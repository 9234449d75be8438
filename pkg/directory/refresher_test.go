package directory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xcrystal627/commune/pkg/models"
)

type flakyDirectory struct {
	*Memory
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flakyDirectory) Modules(ctx context.Context, subnet string) ([]models.ModuleInfo, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("directory offline")
	}
	return f.Memory.Modules(ctx, subnet)
}

func TestRefresherKeepsLastGoodSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := &flakyDirectory{Memory: NewMemory()}
	_ = dir.Register(ctx, models.ModuleInfo{Name: "m0", Address: "a0", Key: "k0"})
	_ = dir.SetStake(ctx, "", "k0", "k1", 3)

	r := NewRefresher(dir, "", time.Minute, nil)
	if r.Age() != -1 || len(r.Snapshot().Modules) != 0 {
		t.Fatal("expected empty initial snapshot")
	}
	snap, err := r.Refresh(ctx)
	if err != nil || len(snap.Modules) != 1 || snap.StakeFrom["k1"]["k0"] != 3 {
		t.Fatalf("unexpected snapshot %+v %v", snap, err)
	}

	dir.fail.Store(true)
	if _, err := r.Refresh(ctx); err == nil {
		t.Fatal("expected refresh error")
	}
	if got := r.Snapshot(); got != snap {
		t.Fatal("failed refresh must keep the previous snapshot")
	}
}

func TestRefresherSyncIfOlder(t *testing.T) {
	ctx := context.Background()
	dir := &flakyDirectory{Memory: NewMemory()}
	r := NewRefresher(dir, "0", time.Minute, nil)
	now := time.Unix(5000, 0)
	r.now = func() time.Time { return now }

	if _, fetched, err := r.SyncIfOlder(ctx, time.Minute, false); !fetched || err != nil {
		t.Fatalf("first sync must fetch, got %v %v", fetched, err)
	}
	now = now.Add(30 * time.Second)
	if _, fetched, _ := r.SyncIfOlder(ctx, time.Minute, false); fetched {
		t.Fatal("sync within tempo must not fetch")
	}
	if _, fetched, _ := r.SyncIfOlder(ctx, time.Minute, true); !fetched {
		t.Fatal("forced sync must fetch")
	}
	now = now.Add(time.Minute)
	if _, fetched, _ := r.SyncIfOlder(ctx, time.Minute, false); !fetched {
		t.Fatal("sync after tempo must fetch")
	}
	if dir.calls.Load() != 3 {
		t.Fatalf("expected 3 fetches, got %d", dir.calls.Load())
	}
	if r.Age() != 0 {
		t.Fatalf("expected age 0 right after fetch, got %v", r.Age())
	}
}

func TestRefresherRunStopsOnCancel(t *testing.T) {
	dir := &flakyDirectory{Memory: NewMemory()}
	r := NewRefresher(dir, "0", 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for dir.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if dir.calls.Load() < 2 {
		t.Fatalf("expected periodic refreshes, got %d", dir.calls.Load())
	}
}
