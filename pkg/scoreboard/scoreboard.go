// Package scoreboard persists the validator's latest score per module key.
// Entries are overwritten, never appended.
package scoreboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xcrystal627/commune/pkg/models"
)

const DefaultPageSize = 1000

var (
	ErrNotFound       = errors.New("scoreboard entry not found")
	ErrUnknownSortKey = errors.New("unknown sort key")
)

// Item is one stored entry as loaded. Err is set when the stored bytes could
// not be decoded; Entry is then zero.
type Item struct {
	Key   string
	Entry models.ScoreEntry
	Err   error
}

type Store interface {
	Put(ctx context.Context, entry models.ScoreEntry) error
	Get(ctx context.Context, key string) (models.ScoreEntry, error)
	Load(ctx context.Context) ([]Item, error)
	Delete(ctx context.Context, key string) error
	Reset(ctx context.Context) error
}

type Options struct {
	// SortBy names entry fields: score, latency, time, name, key.
	// Defaults to score.
	SortBy    []string
	Ascending bool
	// Page is 1-based; zero returns every entry.
	Page     int
	PageSize int
	// MaxAge drops entries older than this when positive.
	MaxAge time.Duration
	Now    time.Time
}

type Result struct {
	Entries []models.ScoreEntry `json:"entries"`
	Total   int                 `json:"total"`
	Purged  int                 `json:"purged"`
}

// Query loads the board, deletes malformed, non-positive and expired
// entries, then sorts and paginates what is left.
func Query(ctx context.Context, s Store, opts Options) (Result, error) {
	items, err := s.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var res Result
	var purgeErrs []error
	for _, it := range items {
		if reason := discard(it, opts.MaxAge, now); reason != "" {
			if err := s.Delete(ctx, it.Key); err != nil {
				purgeErrs = append(purgeErrs, fmt.Errorf("delete %s (%s): %w", it.Key, reason, err))
				continue
			}
			res.Purged++
			continue
		}
		res.Entries = append(res.Entries, it.Entry)
	}
	less, err := comparator(opts.SortBy, opts.Ascending)
	if err != nil {
		return Result{}, err
	}
	sort.SliceStable(res.Entries, func(i, j int) bool { return less(res.Entries[i], res.Entries[j]) })
	res.Total = len(res.Entries)
	res.Entries = paginate(res.Entries, opts.Page, opts.PageSize)
	if res.Entries == nil {
		res.Entries = []models.ScoreEntry{}
	}
	return res, errors.Join(purgeErrs...)
}

func discard(it Item, maxAge time.Duration, now time.Time) string {
	switch {
	case it.Err != nil:
		return "malformed"
	case it.Entry.Key == "" || it.Entry.Score <= 0:
		return "non-positive"
	case maxAge > 0 && now.Sub(it.Entry.Time) > maxAge:
		return "expired"
	}
	return ""
}

func comparator(keys []string, ascending bool) (func(a, b models.ScoreEntry) bool, error) {
	if len(keys) == 0 {
		keys = []string{"score"}
	}
	cmps := make([]func(a, b models.ScoreEntry) int, 0, len(keys))
	for _, k := range keys {
		cmp, ok := fields[strings.ToLower(strings.TrimSpace(k))]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownSortKey, k)
		}
		cmps = append(cmps, cmp)
	}
	return func(a, b models.ScoreEntry) bool {
		for _, cmp := range cmps {
			c := cmp(a, b)
			if c == 0 {
				continue
			}
			if ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	}, nil
}

var fields = map[string]func(a, b models.ScoreEntry) int{
	"score":   func(a, b models.ScoreEntry) int { return cmpFloat(a.Score, b.Score) },
	"latency": func(a, b models.ScoreEntry) int { return cmpFloat(a.Latency, b.Latency) },
	"time":    func(a, b models.ScoreEntry) int { return a.Time.Compare(b.Time) },
	"name":    func(a, b models.ScoreEntry) int { return strings.Compare(a.Name, b.Name) },
	"key":     func(a, b models.ScoreEntry) int { return strings.Compare(a.Key, b.Key) },
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func paginate(entries []models.ScoreEntry, page, size int) []models.ScoreEntry {
	if page <= 0 {
		return entries
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	start := (page - 1) * size
	if start >= len(entries) {
		return nil
	}
	end := start + size
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end]
}
