package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the expiring key set behind the replay guard.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

type RedisCache struct{ client *redis.Client }

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache is an in-process TTL key set.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]time.Time
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]time.Time{}, now: time.Now}
}

func (m *MemoryCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.items {
		if now.After(exp) {
			delete(m.items, k)
		}
	}
	if _, ok := m.items[key]; ok {
		return false, nil
	}
	m.items[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// NewCache uses redis when it answers a ping, memory otherwise.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisCache{client: client}
		}
	}
	return NewMemoryCache()
}

// ReplayGuard remembers request signatures for TTL so a captured envelope
// cannot be resubmitted while its timestamp is still fresh.
type ReplayGuard struct {
	Cache  Cache
	Prefix string
	TTL    time.Duration
}

func NewReplayGuard(cache Cache, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{Cache: cache, Prefix: "replay:", TTL: ttl}
}

// Seen records sig and reports whether it was already recorded.
func (g *ReplayGuard) Seen(ctx context.Context, sig string) (bool, error) {
	if g == nil || g.Cache == nil || sig == "" {
		return false, nil
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	fresh, err := g.Cache.SetNX(ctx, g.Prefix+sig, "1", ttl)
	if err != nil {
		return false, err
	}
	return !fresh, nil
}
