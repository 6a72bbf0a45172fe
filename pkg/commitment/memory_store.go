package commitment

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu          sync.RWMutex
	commitments map[string]*Commitment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{commitments: make(map[string]*Commitment)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commitments[id]
	if !ok {
		return nil, nil
	}
	return c.clone(), nil
}

func (s *MemoryStore) Insert(ctx context.Context, c *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commitments[c.ID]; ok {
		return fmt.Errorf("commitment %s already stored", c.ID)
	}
	s.commitments[c.ID] = c.clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, c *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commitments[c.ID]; !ok {
		return fmt.Errorf("commitment %s not stored", c.ID)
	}
	s.commitments[c.ID] = c.clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commitments, id)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.commitments), nil
}
