package scoreboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/xcrystal627/commune/pkg/models"
)

// RedisStore keeps the board in a single hash of module key to entry JSON.
type RedisStore struct {
	Client *redis.Client
	Hash   string
}

func NewRedisStore(client *redis.Client, hash string) *RedisStore {
	if hash == "" {
		hash = "modnet:scoreboard"
	}
	return &RedisStore{Client: client, Hash: hash}
}

func (s *RedisStore) Put(ctx context.Context, e models.ScoreEntry) error {
	if e.Key == "" {
		return errors.New("score entry has no module key")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Client.HSet(ctx, s.Hash, e.Key, raw).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (models.ScoreEntry, error) {
	raw, err := s.Client.HGet(ctx, s.Hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ScoreEntry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return models.ScoreEntry{}, err
	}
	return decode(key, raw)
}

func (s *RedisStore) Load(ctx context.Context) ([]Item, error) {
	all, err := s.Client.HGetAll(ctx, s.Hash).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(all))
	for key, raw := range all {
		e, err := decode(key, []byte(raw))
		out = append(out, Item{Key: key, Entry: e, Err: err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.Client.HDel(ctx, s.Hash, key).Err()
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.Client.Del(ctx, s.Hash).Err()
}
