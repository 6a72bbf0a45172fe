package attestation

import (
	"context"
	"sync"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// Store is the append-only attestation arena with a per-commitment index.
type Store interface {
	Append(ctx context.Context, a *Attestation) (uint64, error)
	List(ctx context.Context, commitmentID string, page safety.Page) ([]Attestation, error)
	// Recent returns up to n attestations, oldest first.
	Recent(ctx context.Context, commitmentID string, n int) ([]Attestation, error)
	Count(ctx context.Context, commitmentID string) (int, error)
}

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu    sync.RWMutex
	arena []Attestation
	index map[string][]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string][]int)}
}

func clonePayload(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) Append(ctx context.Context, a *Attestation) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *a
	val.Seq = uint64(len(s.arena)) + 1
	val.Payload = clonePayload(a.Payload)
	s.arena = append(s.arena, val)
	s.index[a.CommitmentID] = append(s.index[a.CommitmentID], len(s.arena)-1)
	return val.Seq, nil
}

func (s *MemoryStore) collect(positions []int) []Attestation {
	out := make([]Attestation, 0, len(positions))
	for _, pos := range positions {
		a := s.arena[pos]
		a.Payload = clonePayload(a.Payload)
		out = append(out, a)
	}
	return out
}

func (s *MemoryStore) List(ctx context.Context, commitmentID string, page safety.Page) ([]Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page = page.Normalize()
	positions := s.index[commitmentID]
	if page.Offset >= len(positions) {
		return []Attestation{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(positions) {
		end = len(positions)
	}
	return s.collect(positions[page.Offset:end]), nil
}

func (s *MemoryStore) Recent(ctx context.Context, commitmentID string, n int) ([]Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	positions := s.index[commitmentID]
	if len(positions) > n {
		positions = positions[len(positions)-n:]
	}
	return s.collect(positions), nil
}

func (s *MemoryStore) Count(ctx context.Context, commitmentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index[commitmentID]), nil
}
