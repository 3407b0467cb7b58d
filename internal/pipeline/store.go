package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// ArtifactKey is the storage key for one document's stage output.
func ArtifactKey(docID string, stage constants.Stage) string {
	return docID + "." + string(stage)
}

// ArtifactStore persists stage outputs keyed per document.
type ArtifactStore interface {
	Put(ctx context.Context, docID string, stage constants.Stage, v any) (ArtifactRef, error)
	Get(ctx context.Context, docID string, stage constants.Stage) (ArtifactRef, error)
	Exists(ctx context.Context, docID string, stage constants.Stage) bool
}

// FileStore writes <root>/<doc_id>.<stage>.json. Writes go through a temp
// file and a rename, so readers never see a partial artifact.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, common.NewConfigurationError("artifact root is required", nil)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) path(docID string, stage constants.Stage) string {
	return filepath.Join(s.root, ArtifactKey(docID, stage)+".json")
}

func (s *FileStore) Put(_ context.Context, docID string, stage constants.Stage, v any) (ArtifactRef, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("encode artifact: %w", err)
	}
	dst := s.path(docID, stage)
	tmp, err := os.CreateTemp(s.root, ".tmp-"+ArtifactKey(docID, stage)+"-*")
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return ArtifactRef{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return ArtifactRef{}, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return ArtifactRef{}, fmt.Errorf("commit artifact: %w", err)
	}
	return ArtifactRef{Key: ArtifactKey(docID, stage), Path: dst, Data: data}, nil
}

func (s *FileStore) Get(_ context.Context, docID string, stage constants.Stage) (ArtifactRef, error) {
	p := s.path(docID, stage)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return ArtifactRef{}, common.NewNotFoundError("artifact " + ArtifactKey(docID, stage) + " not found")
	}
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("read artifact: %w", err)
	}
	return ArtifactRef{Key: ArtifactKey(docID, stage), Path: p, Data: data}, nil
}

func (s *FileStore) Exists(_ context.Context, docID string, stage constants.Stage) bool {
	st, err := os.Stat(s.path(docID, stage))
	return err == nil && !st.IsDir()
}

// MemoryStore keeps artifacts in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (s *MemoryStore) Put(_ context.Context, docID string, stage constants.Stage, v any) (ArtifactRef, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("encode artifact: %w", err)
	}
	key := ArtifactKey(docID, stage)
	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return ArtifactRef{Key: key, Data: data}, nil
}

func (s *MemoryStore) Get(_ context.Context, docID string, stage constants.Stage) (ArtifactRef, error) {
	key := ArtifactKey(docID, stage)
	s.mu.RLock()
	data, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return ArtifactRef{}, common.NewNotFoundError("artifact " + key + " not found")
	}
	return ArtifactRef{Key: key, Data: data}, nil
}

func (s *MemoryStore) Exists(_ context.Context, docID string, stage constants.Stage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[ArtifactKey(docID, stage)]
	return ok
}

// Keys lists stored keys.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}
