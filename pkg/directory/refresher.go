package directory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xcrystal627/commune/pkg/models"
)

// Snapshot is an immutable view of one subnet. Readers must not mutate it.
type Snapshot struct {
	Subnet    string
	Modules   []models.ModuleInfo
	StakeTo   StakeTable
	StakeFrom StakeTable
	Namespace map[string]string
	FetchedAt time.Time
}

func emptySnapshot(subnet string) *Snapshot {
	return &Snapshot{
		Subnet:    subnet,
		StakeTo:   StakeTable{},
		StakeFrom: StakeTable{},
		Namespace: map[string]string{},
	}
}

// Fetch pulls a complete snapshot. Any failing read fails the whole fetch.
func Fetch(ctx context.Context, dir Directory, subnet string) (*Snapshot, error) {
	mods, err := dir.Modules(ctx, subnet)
	if err != nil {
		return nil, fmt.Errorf("modules: %w", err)
	}
	stakeTo, err := dir.StakeTo(ctx, subnet)
	if err != nil {
		return nil, fmt.Errorf("stake_to: %w", err)
	}
	stakeFrom, err := dir.StakeFrom(ctx, subnet)
	if err != nil {
		return nil, fmt.Errorf("stake_from: %w", err)
	}
	ns, err := dir.Namespace(ctx, subnet)
	if err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	s := emptySnapshot(subnet)
	s.Modules = mods
	if stakeTo != nil {
		s.StakeTo = stakeTo
	}
	if stakeFrom != nil {
		s.StakeFrom = stakeFrom
	}
	if ns != nil {
		s.Namespace = ns
	}
	s.FetchedAt = time.Now().UTC()
	return s, nil
}

// Refresher keeps the last good snapshot behind an atomic pointer. Readers
// never wait on a fetch; a failed fetch leaves the previous snapshot in place.
type Refresher struct {
	dir      Directory
	subnet   string
	interval time.Duration
	logger   *zap.Logger

	current atomic.Pointer[Snapshot]
	fetchMu sync.Mutex
	now     func() time.Time
}

func NewRefresher(dir Directory, subnet string, interval time.Duration, logger *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Refresher{
		dir:      dir,
		subnet:   subnetOrDefault(subnet),
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	r.current.Store(emptySnapshot(r.subnet))
	return r
}

func (r *Refresher) Snapshot() *Snapshot {
	return r.current.Load()
}

// Age is the time since the last successful fetch, or -1 if none happened.
func (r *Refresher) Age() time.Duration {
	s := r.current.Load()
	if s.FetchedAt.IsZero() {
		return -1
	}
	return r.now().Sub(s.FetchedAt)
}

func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Refresher) refreshLocked(ctx context.Context) (*Snapshot, error) {
	s, err := Fetch(ctx, r.dir, r.subnet)
	if err != nil {
		r.logger.Warn("directory refresh failed; keeping previous snapshot",
			zap.String("subnet", r.subnet), zap.Error(err))
		return r.current.Load(), err
	}
	s.FetchedAt = r.now()
	r.current.Store(s)
	r.logger.Debug("directory snapshot refreshed",
		zap.String("subnet", r.subnet), zap.Int("modules", len(s.Modules)))
	return s, nil
}

// SyncIfOlder refreshes when forced, when no snapshot was fetched yet, or
// when the current one is at least maxAge old. It reports whether it fetched.
func (r *Refresher) SyncIfOlder(ctx context.Context, maxAge time.Duration, force bool) (*Snapshot, bool, error) {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	cur := r.current.Load()
	if !force && !cur.FetchedAt.IsZero() && r.now().Sub(cur.FetchedAt) < maxAge {
		return cur, false, nil
	}
	s, err := r.refreshLocked(ctx)
	return s, err == nil, err
}

// Run refreshes immediately and then every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	_, _ = r.Refresh(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Refresh(ctx)
		}
	}
}
