package keys

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrKeyNotFound = errors.New("key not found")

type keyFile struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Seed    string `json:"private_key"`
}

// Store keeps named keys as JSON files under a root directory.
// Every key in the store counts as a local key for rate classification.
type Store struct {
	Root string

	mu    sync.Mutex
	cache map[string]*Key
}

func NewStore(root string) *Store {
	return &Store{Root: root, cache: map[string]*Key{}}
}

func (s *Store) path(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid key name %q", name)
	}
	return filepath.Join(s.Root, name+".json"), nil
}

func (s *Store) Get(name string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(name)
}

func (s *Store) getLocked(name string) (*Key, error) {
	if k, ok := s.cache[name]; ok {
		return k, nil
	}
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", name, err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("decode key %s: %w", name, err)
	}
	seed, err := base64.StdEncoding.DecodeString(kf.Seed)
	if err != nil {
		return nil, fmt.Errorf("decode key %s seed: %w", name, err)
	}
	k, err := FromSeed(name, seed)
	if err != nil {
		return nil, err
	}
	s.cache[name] = k
	return k, nil
}

// LoadOrCreate returns the named key, generating and persisting it when absent.
func (s *Store) LoadOrCreate(name string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.getLocked(name)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	k, err = Generate(name)
	if err != nil {
		return nil, err
	}
	if err := s.writeLocked(k); err != nil {
		return nil, err
	}
	s.cache[name] = k
	return k, nil
}

func (s *Store) Put(k *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(k); err != nil {
		return err
	}
	s.cache[k.Name] = k
	return nil
}

func (s *Store) writeLocked(k *Key) error {
	p, err := s.path(k.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Root, 0o700); err != nil {
		return fmt.Errorf("create key root: %w", err)
	}
	raw, err := json.Marshal(keyFile{
		Name:    k.Name,
		Address: k.Address(),
		Seed:    base64.StdEncoding.EncodeToString(k.Seed()),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, raw, 0o600); err != nil {
		return fmt.Errorf("write key %s: %w", k.Name, err)
	}
	return nil
}

func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.path(name)
	if err != nil {
		return err
	}
	delete(s.cache, name)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(out)
	return out, nil
}

// Addresses returns the set of addresses of every key in the store.
func (s *Store) Addresses() (map[string]struct{}, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(names))
	for _, name := range names {
		k, err := s.Get(name)
		if err != nil {
			continue
		}
		out[k.Address()] = struct{}{}
	}
	return out, nil
}
