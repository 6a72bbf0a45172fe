// Package ratelimit implements the per-caller, per-action call limiter used
// by the protocol. A limit applies only once the administrator configures it
// for an action; exempt callers are never limited.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

// Policy is the limit configured for one action.
type Policy struct {
	Window   time.Duration `yaml:"window" json:"window"`
	MaxCalls int           `yaml:"max_calls" json:"max_calls"`
}

// Store abstracts the storage of per-key counters.
type Store interface {
	// Allow records one call for key under policy at now and reports whether
	// it is within the limit.
	Allow(ctx context.Context, key string, policy Policy, now time.Time) (bool, error)
	// Reset forgets all counters whose key starts with prefix.
	Reset(ctx context.Context, prefix string) error
}

// Limiter enforces configured limits per (caller, action).
type Limiter struct {
	mu     sync.RWMutex
	store  Store
	limits map[string]Policy
	exempt map[string]bool
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// New creates a Limiter backed by store. A nil store selects a MemoryStore.
func New(store Store, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{
		store:  store,
		limits: make(map[string]Policy),
		exempt: make(map[string]bool),
		clock:  time.Now,
		logger: slog.Default().With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func key(action, caller string) string {
	return action + "|" + caller
}

// SetLimit configures the limit for action. Existing counters for the action
// are reset.
func (l *Limiter) SetLimit(ctx context.Context, action string, window time.Duration, maxCalls int) error {
	if action == "" {
		return protoerr.Validation("ratelimit", "action", "must not be empty")
	}
	if window <= 0 {
		return protoerr.Validation("ratelimit", "window", "must be positive")
	}
	if maxCalls <= 0 {
		return protoerr.Validation("ratelimit", "max_calls", "must be positive")
	}
	l.mu.Lock()
	l.limits[action] = Policy{Window: window, MaxCalls: maxCalls}
	l.mu.Unlock()
	if err := l.store.Reset(ctx, action+"|"); err != nil {
		return fmt.Errorf("reset counters for %s: %w", action, err)
	}
	l.logger.InfoContext(ctx, "rate limit configured", "action", action, "window", window, "max_calls", maxCalls)
	return nil
}

// ClearLimit removes the limit for action, disabling limiting for it.
func (l *Limiter) ClearLimit(ctx context.Context, action string) error {
	l.mu.Lock()
	delete(l.limits, action)
	l.mu.Unlock()
	if err := l.store.Reset(ctx, action+"|"); err != nil {
		return fmt.Errorf("reset counters for %s: %w", action, err)
	}
	return nil
}

// SetExempt marks caller as exempt from (or subject to) all limits.
func (l *Limiter) SetExempt(caller string, exempt bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exempt {
		l.exempt[caller] = true
		return
	}
	delete(l.exempt, caller)
}

// IsExempt reports whether caller bypasses limits.
func (l *Limiter) IsExempt(caller string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exempt[caller]
}

// Limit returns the configured policy for action.
func (l *Limiter) Limit(action string) (Policy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.limits[action]
	return p, ok
}

// Check records a call by caller for action. It returns a RateLimitExceeded
// error once the configured limit for the current window is used up.
func (l *Limiter) Check(ctx context.Context, caller, action string) error {
	l.mu.RLock()
	policy, limited := l.limits[action]
	exempt := l.exempt[caller]
	l.mu.RUnlock()
	if !limited || exempt {
		return nil
	}

	allowed, err := l.store.Allow(ctx, key(action, caller), policy, l.clock())
	if err != nil {
		// Fail closed: a broken counter store denies the call.
		return protoerr.Wrap(protoerr.KindRateLimitExceeded, "ratelimit", err, "limiter store unavailable")
	}
	if !allowed {
		l.logger.WarnContext(ctx, "rate limit exceeded", "caller", caller, "action", action, "max_calls", policy.MaxCalls)
		return protoerr.Newf(protoerr.KindRateLimitExceeded, "ratelimit", "%s exceeded %d calls per %s", action, policy.MaxCalls, policy.Window)
	}
	return nil
}
