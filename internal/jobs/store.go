package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Store persists job snapshots.
type Store interface {
	// Save inserts or replaces the snapshot with the same id.
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// List returns the newest jobs first; limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// OpenStore builds the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		s, err := OpenSQLiteStore(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgresStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, common.NewConfigurationError("unknown store driver "+cfg.Driver, nil)
	}
}

type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]Job{}}
}

func (s *MemoryStore) Save(_ context.Context, job Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, common.NewNotFoundError("job " + id + " not found")
	}
	return j.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Job, error) {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
