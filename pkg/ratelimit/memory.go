package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// MemoryStore keeps fixed-window counters in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Allow counts one call in the fixed window containing now. A window opens
// at the first call and lasts policy.Window.
func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.start.Add(policy.Window)) {
		w = &window{start: now}
		s.windows[key] = w
	}
	if w.count >= policy.MaxCalls {
		return false, nil
	}
	w.count++
	return true, nil
}

// Reset drops counters with the given key prefix.
func (s *MemoryStore) Reset(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.windows {
		if strings.HasPrefix(k, prefix) {
			delete(s.windows, k)
		}
	}
	return nil
}
