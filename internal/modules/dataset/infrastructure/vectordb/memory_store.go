package vectordb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"KnowForge/internal/modules/dataset/domain/repository"
)

// MemoryStore 进程内向量索引，用于本地开发和测试
type MemoryStore struct {
	mu      sync.RWMutex
	name    string
	entries map[int64]repository.VectorEntry

	// FailUpsert 非 nil 时 Upsert 直接返回该错误
	FailUpsert error
}

var (
	_ repository.VectorStore      = (*MemoryStore)(nil)
	_ repository.VectorIndexAdmin = (*MemoryStore)(nil)
)

func NewMemoryStore(name string) *MemoryStore {
	if name == "" {
		name = "memory"
	}
	return &MemoryStore{name: name, entries: make(map[int64]repository.VectorEntry)}
}

func (s *MemoryStore) Upsert(_ context.Context, entries []repository.VectorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpsert != nil {
		return s.FailUpsert
	}
	for _, e := range entries {
		if e.UnitID <= 0 {
			return fmt.Errorf("vector entry missing unit id")
		}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		e.Vector = vec
		s.entries[e.UnitID] = e
	}
	return nil
}

func (s *MemoryStore) DeleteByUnit(_ context.Context, unitIDs ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range unitIDs {
		delete(s.entries, id)
	}
	return nil
}

func (s *MemoryStore) DeleteByCollection(_ context.Context, collectionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.CollectionID == collectionID {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteByOwner(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.OwnerID == ownerID {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *MemoryStore) ListUnitIDs(_ context.Context, collectionID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0)
	for id, e := range s.entries {
		if e.CollectionID == collectionID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) CollectionName() string {
	return s.name
}

func (s *MemoryStore) DropAndRecreateCollection(_ context.Context, confirm string) error {
	if confirm != s.name {
		return fmt.Errorf("refusing to drop collection %q: confirmation %q does not match", s.name, confirm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int64]repository.VectorEntry)
	return nil
}

// Get 返回某单元的向量记录
func (s *MemoryStore) Get(unitID int64) (repository.VectorEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[unitID]
	return e, ok
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
