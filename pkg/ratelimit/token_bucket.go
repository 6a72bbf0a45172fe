package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketStore smooths limits with a token bucket per key. The bucket
// holds MaxCalls tokens and refills the whole burst over one Window.
type TokenBucketStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTokenBucketStore creates an empty TokenBucketStore.
func NewTokenBucketStore() *TokenBucketStore {
	return &TokenBucketStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *TokenBucketStore) limiter(key string, policy Policy, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	every := rate.Every(policy.Window / time.Duration(policy.MaxCalls))
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(every, policy.MaxCalls)
		s.limiters[key] = l
		return l
	}
	if l.Limit() != every || l.Burst() != policy.MaxCalls {
		l.SetLimitAt(now, every)
		l.SetBurstAt(now, policy.MaxCalls)
	}
	return l
}

// Allow takes one token at now.
func (s *TokenBucketStore) Allow(_ context.Context, key string, policy Policy, now time.Time) (bool, error) {
	return s.limiter(key, policy, now).AllowN(now, 1), nil
}

// Reset drops buckets with the given key prefix.
func (s *TokenBucketStore) Reset(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.limiters {
		if strings.HasPrefix(k, prefix) {
			delete(s.limiters, k)
		}
	}
	return nil
}
