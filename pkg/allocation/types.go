// Package allocation tracks how much of each capacity-constrained pool is
// committed, per commitment. It moves no funds; it is the bookkeeping the
// commitment core consults before placing value into a pool.
package allocation

import (
	"context"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// MaxAPYBps caps a pool's advertised yield at 1000%.
const MaxAPYBps = 100_000

// Pool is one allocation target.
type Pool struct {
	ID             string    `json:"id"`
	Capacity       int64     `json:"capacity"`
	APYBps         uint32    `json:"apy_bps"`
	Risk           string    `json:"risk"`
	Active         bool      `json:"active"`
	TotalAllocated int64     `json:"total_allocated"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available returns the unallocated capacity.
func (p *Pool) Available() int64 {
	if p.TotalAllocated >= p.Capacity {
		return 0
	}
	return p.Capacity - p.TotalAllocated
}

// Entry is the amount one commitment holds in one pool.
type Entry struct {
	PoolID       string    `json:"pool_id"`
	CommitmentID string    `json:"commitment_id"`
	Amount       int64     `json:"amount"`
	AllocatedAt  time.Time `json:"allocated_at"`
}

// Store persists pools and entries.
type Store interface {
	// GetPool returns nil, nil when id is unknown.
	GetPool(ctx context.Context, id string) (*Pool, error)
	InsertPool(ctx context.Context, p *Pool) error
	UpdatePool(ctx context.Context, p *Pool) error
	ListPools(ctx context.Context, page safety.Page) ([]*Pool, error)
	// GetEntry returns nil, nil when no entry exists.
	GetEntry(ctx context.Context, poolID, commitmentID string) (*Entry, error)
	// ListEntries returns commitmentID's entries in pool registration order.
	ListEntries(ctx context.Context, commitmentID string) ([]*Entry, error)
	// SaveAllocation atomically writes the pool totals together with the
	// entry for commitmentID. A nil entry removes it.
	SaveAllocation(ctx context.Context, p *Pool, commitmentID string, e *Entry) error
}
