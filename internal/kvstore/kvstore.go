// Package kvstore holds small string settings that must survive restarts,
// such as the selected model per backend.
package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

type Store interface {
	// Get returns a NotFound error for a missing key.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) (map[string]string, []string, error)
	Close() error
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]string{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", common.NewNotFoundError("key " + key + " not set")
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	if key == "" {
		return common.NewInvalidInputError("key is required", nil)
	}
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) (map[string]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]string{}
	var keys []string
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return out, keys, nil
}

func (s *MemoryStore) Close() error { return nil }
