package ownership

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
	records map[string]*Record
	byOwner map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byOwner: make(map[string][]string),
	}
}

func copyRecord(r *Record) *Record {
	val := *r
	if r.DeactivatedAt != nil {
		t := *r.DeactivatedAt
		val.DeactivatedAt = &t
	}
	return &val
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[id]; ok {
		return copyRecord(r), nil
	}
	return nil, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("duplicate record %s", rec.ID)
	}
	s.records[rec.ID] = copyRecord(rec)
	s.byOwner[rec.Owner] = append(s.byOwner[rec.Owner], rec.ID)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("record %s not stored", rec.ID)
	}
	if cur.Owner != rec.Owner {
		return fmt.Errorf("record %s: owner is immutable", rec.ID)
	}
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.records, id)
	ids := s.byOwner[r.Owner]
	for i, v := range ids {
		if v == id {
			s.byOwner[r.Owner] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byOwner[r.Owner]) == 0 {
		delete(s.byOwner, r.Owner)
	}
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string, page safety.Page) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return page.Slice(s.byOwner[owner]), nil
}

func (s *MemoryStore) CountByOwner(ctx context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byOwner[owner]), nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
