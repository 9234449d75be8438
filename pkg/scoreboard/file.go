package scoreboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xcrystal627/commune/pkg/models"
)

// FileStore keeps one {root}/{key}.json file per module key. Writes go
// through a temp file and a rename so readers never see a partial entry.
type FileStore struct {
	Root string
}

func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("scoreboard root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scoreboard root: %w", err)
	}
	return &FileStore{Root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid module key %q", key)
	}
	return filepath.Join(s.Root, key+".json"), nil
}

func (s *FileStore) Put(_ context.Context, e models.ScoreEntry) error {
	p, err := s.path(e.Key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Root, ".score-*")
	if err != nil {
		return fmt.Errorf("write score %s: %w", e.Key, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write score %s: %w", e.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write score %s: %w", e.Key, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) (models.ScoreEntry, error) {
	p, err := s.path(key)
	if err != nil {
		return models.ScoreEntry{}, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return models.ScoreEntry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return models.ScoreEntry{}, err
	}
	return decode(key, raw)
}

func (s *FileStore) Load(ctx context.Context) ([]Item, error) {
	dirents, err := os.ReadDir(s.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := strings.TrimSuffix(name, ".json")
		raw, err := os.ReadFile(filepath.Join(s.Root, name))
		if err != nil {
			out = append(out, Item{Key: key, Err: err})
			continue
		}
		e, err := decode(key, raw)
		out = append(out, Item{Key: key, Entry: e, Err: err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Reset(ctx context.Context) error {
	items, err := s.Load(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := s.Delete(ctx, it.Key); err != nil {
			return err
		}
	}
	return nil
}

// decode rejects entries whose stored key disagrees with where they live.
func decode(key string, raw []byte) (models.ScoreEntry, error) {
	var e models.ScoreEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.ScoreEntry{}, fmt.Errorf("decode score %s: %w", key, err)
	}
	if e.Key != key {
		return models.ScoreEntry{}, fmt.Errorf("score %s is stored under key %q", key, e.Key)
	}
	return e, nil
}
