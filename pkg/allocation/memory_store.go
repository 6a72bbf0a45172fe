package allocation

import (
	"context"
	"fmt"
	"sync"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	pools   map[string]*Pool
	order   []string
	entries map[string]map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:   make(map[string]*Pool),
		entries: make(map[string]map[string]*Entry),
	}
}

func (s *MemoryStore) GetPool(ctx context.Context, id string) (*Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.pools[id]; ok {
		// return copy to avoid race on mutation outside lock
		val := *p
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStore) InsertPool(ctx context.Context, p *Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[p.ID]; ok {
		return fmt.Errorf("duplicate pool %s", p.ID)
	}
	val := *p
	s.pools[p.ID] = &val
	s.order = append(s.order, p.ID)
	return nil
}

func (s *MemoryStore) UpdatePool(ctx context.Context, p *Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[p.ID]; !ok {
		return fmt.Errorf("pool %s not stored", p.ID)
	}
	val := *p
	s.pools[p.ID] = &val
	return nil
}

func (s *MemoryStore) ListPools(ctx context.Context, page safety.Page) ([]*Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := page.Slice(s.order)
	out := make([]*Pool, 0, len(ids))
	for _, id := range ids {
		val := *s.pools[id]
		out = append(out, &val)
	}
	return out, nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, poolID, commitmentID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[poolID][commitmentID]; ok {
		val := *e
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, commitmentID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Entry{}
	for _, id := range s.order {
		if e, ok := s.entries[id][commitmentID]; ok {
			val := *e
			out = append(out, &val)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveAllocation(ctx context.Context, p *Pool, commitmentID string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[p.ID]; !ok {
		return fmt.Errorf("pool %s not stored", p.ID)
	}
	pool := *p
	s.pools[p.ID] = &pool
	if e == nil {
		delete(s.entries[p.ID], commitmentID)
		return nil
	}
	if s.entries[p.ID] == nil {
		s.entries[p.ID] = make(map[string]*Entry)
	}
	entry := *e
	s.entries[p.ID][commitmentID] = &entry
	return nil
}
