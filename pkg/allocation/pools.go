package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/observability"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

const namespace = "pool"

// Pools is the allocation registry. Mutations are serialized by its own
// reentrancy guard.
type Pools struct {
	admin     string
	maxBps    uint32
	store     Store
	guard     *safety.Guard
	emitter   events.Emitter
	telemetry *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures Pools.
type Option func(*Pools)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(p *Pools) { p.clock = clock }
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(p *Pools) { p.emitter = e }
}

// WithTelemetry records a span and RED metrics for every allocation change.
func WithTelemetry(t *observability.Provider) Option {
	return func(p *Pools) { p.telemetry = t }
}

// WithMaxAllocationBps caps a single allocation at a share of pool capacity.
func WithMaxAllocationBps(bps uint32) Option {
	return func(p *Pools) { p.maxBps = bps }
}

// NewPools creates a registry administered by admin. A nil store selects a
// MemoryStore.
func NewPools(admin string, store Store, opts ...Option) *Pools {
	if store == nil {
		store = NewMemoryStore()
	}
	p := &Pools{
		admin:   admin,
		maxBps:  safety.BasisPoints,
		store:   store,
		guard:   safety.NewGuard(namespace),
		emitter: events.Nop{},
		clock:   time.Now,
		logger:  slog.Default().With("component", "allocation"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admin returns the administrator address.
func (p *Pools) Admin() string { return p.admin }

func (p *Pools) authorize(ctx context.Context, caller, op string) error {
	if caller != p.admin {
		p.logger.WarnContext(ctx, "unauthorized pool operation", "caller", caller, "op", op)
		return protoerr.Newf(protoerr.KindUnauthorized, namespace, "%s requires the administrator", op)
	}
	return nil
}

func (p *Pools) track(ctx context.Context, op, poolID, commitmentID string) (context.Context, func(error)) {
	if p.telemetry == nil {
		return ctx, func(error) {}
	}
	return p.telemetry.TrackOperation(ctx, op, observability.PoolOperation(poolID, commitmentID)...)
}

func (p *Pools) emit(ctx context.Context, t events.Type, subject, actor string, data map[string]any) {
	e := events.Event{Type: t, Subject: subject, Actor: actor, Timestamp: p.clock(), Data: data}
	if err := p.emitter.Emit(ctx, e); err != nil {
		p.logger.ErrorContext(ctx, "event emission failed", "type", t, "error", err)
	}
}

func (p *Pools) pool(ctx context.Context, id string) (*Pool, error) {
	pool, err := p.store.GetPool(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pool lookup %s: %w", id, err)
	}
	if pool == nil {
		return nil, protoerr.Newf(protoerr.KindNotFound, namespace, "pool %s", id)
	}
	return pool, nil
}

func validatePoolParams(capacity int64, apyBps uint32, risk string) error {
	if err := safety.ValidatePositive("capacity", capacity); err != nil {
		return err
	}
	if apyBps > MaxAPYBps {
		return protoerr.Validation(namespace, "apy_bps", "must not exceed 100000")
	}
	return safety.ValidateRisk(risk)
}

// RegisterPool creates an active pool.
func (p *Pools) RegisterPool(ctx context.Context, caller, poolID string, capacity int64, apyBps uint32, risk string) error {
	release, err := p.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := p.authorize(ctx, caller, "register_pool"); err != nil {
		return err
	}
	if err := safety.ValidateNonEmpty("pool_id", poolID); err != nil {
		return err
	}
	if err := validatePoolParams(capacity, apyBps, risk); err != nil {
		return err
	}
	existing, err := p.store.GetPool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("pool lookup %s: %w", poolID, err)
	}
	if existing != nil {
		return protoerr.Newf(protoerr.KindAlreadyExists, namespace, "pool %s", poolID)
	}
	now := p.clock().UTC()
	pool := &Pool{
		ID:        poolID,
		Capacity:  capacity,
		APYBps:    apyBps,
		Risk:      risk,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.InsertPool(ctx, pool); err != nil {
		return fmt.Errorf("register pool %s: %w", poolID, err)
	}
	p.logger.InfoContext(ctx, "pool registered", "pool", poolID, "capacity", capacity, "apy_bps", apyBps, "risk", risk)
	p.emit(ctx, events.PoolRegistered, poolID, caller, map[string]any{
		"capacity": capacity, "apy_bps": apyBps, "risk": risk,
	})
	return nil
}

// UpdatePoolStatus activates or deactivates a pool. Inactive pools reject new
// allocations but keep and release existing ones.
func (p *Pools) UpdatePoolStatus(ctx context.Context, caller, poolID string, active bool) error {
	release, err := p.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := p.authorize(ctx, caller, "update_pool_status"); err != nil {
		return err
	}
	pool, err := p.pool(ctx, poolID)
	if err != nil {
		return err
	}
	pool.Active = active
	pool.UpdatedAt = p.clock().UTC()
	if err := p.store.UpdatePool(ctx, pool); err != nil {
		return fmt.Errorf("update pool %s: %w", poolID, err)
	}
	p.logger.InfoContext(ctx, "pool status updated", "pool", poolID, "active", active)
	p.emit(ctx, events.PoolUpdated, poolID, caller, map[string]any{"active": active})
	return nil
}

// UpdatePoolCapacity changes a pool's capacity. It may not drop below what
// is already allocated.
func (p *Pools) UpdatePoolCapacity(ctx context.Context, caller, poolID string, capacity int64) error {
	release, err := p.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := p.authorize(ctx, caller, "update_pool_capacity"); err != nil {
		return err
	}
	if err := safety.ValidatePositive("capacity", capacity); err != nil {
		return err
	}
	pool, err := p.pool(ctx, poolID)
	if err != nil {
		return err
	}
	if capacity < pool.TotalAllocated {
		return protoerr.Validation(namespace, "capacity", "must not be below the allocated total")
	}
	pool.Capacity = capacity
	pool.UpdatedAt = p.clock().UTC()
	if err := p.store.UpdatePool(ctx, pool); err != nil {
		return fmt.Errorf("update pool %s: %w", poolID, err)
	}
	p.logger.InfoContext(ctx, "pool capacity updated", "pool", poolID, "capacity", capacity)
	p.emit(ctx, events.PoolUpdated, poolID, caller, map[string]any{"capacity": capacity})
	return nil
}

// Allocate places amount of commitmentID into poolID. Repeated allocations to
// the same pool accumulate in one entry, and the single allocation cap
// applies to the accumulated entry. Allocate emits nothing: the caller
// reports the allocation once its own state has committed.
func (p *Pools) Allocate(ctx context.Context, poolID, commitmentID string, amount int64) (err error) {
	ctx, done := p.track(ctx, "pool_allocate", poolID, commitmentID)
	defer func() { done(err) }()

	release, err := p.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if err := safety.ValidatePositive("amount", amount); err != nil {
		return err
	}
	if err := safety.ValidateNonEmpty("commitment_id", commitmentID); err != nil {
		return err
	}
	pool, err := p.pool(ctx, poolID)
	if err != nil {
		return err
	}
	if !pool.Active {
		return protoerr.Newf(protoerr.KindPoolInactive, namespace, "pool %s", poolID)
	}
	entry, err := p.store.GetEntry(ctx, poolID, commitmentID)
	if err != nil {
		return fmt.Errorf("allocation lookup: %w", err)
	}
	now := p.clock().UTC()
	if entry == nil {
		entry = &Entry{PoolID: poolID, CommitmentID: commitmentID, AllocatedAt: now}
	}
	held, err := safety.Add(entry.Amount, amount)
	if err != nil {
		return err
	}
	total, err := p.admit(ctx, pool, held, amount)
	if err != nil {
		return err
	}
	entry.Amount = held
	pool.TotalAllocated = total
	pool.UpdatedAt = now
	if err := p.store.SaveAllocation(ctx, pool, commitmentID, entry); err != nil {
		return fmt.Errorf("save allocation: %w", err)
	}
	p.logger.InfoContext(ctx, "allocated", "pool", poolID, "commitment", commitmentID, "amount", amount, "total", total)
	return nil
}

// admit checks that adding amount to pool leaves the commitment's entry at
// held within the single allocation cap and the pool within capacity. It
// returns the new pool total.
func (p *Pools) admit(ctx context.Context, pool *Pool, held, amount int64) (int64, error) {
	maxSingle, err := safety.BpsOf(pool.Capacity, p.maxBps)
	if err != nil {
		return 0, err
	}
	if held > maxSingle {
		return 0, protoerr.Newf(protoerr.KindCapacityExceeded, namespace,
			"entry of %d in pool %s exceeds single allocation limit %d", held, pool.ID, maxSingle)
	}
	total, err := safety.Add(pool.TotalAllocated, amount)
	if err != nil {
		return 0, err
	}
	if total > pool.Capacity {
		p.logger.WarnContext(ctx, "pool capacity exceeded", "pool", pool.ID, "requested", amount, "available", pool.Available())
		return 0, protoerr.Newf(protoerr.KindCapacityExceeded, namespace,
			"pool %s has %d available, requested %d", pool.ID, pool.Available(), amount)
	}
	return total, nil
}

// Release removes commitmentID's entry from poolID and returns it. Like
// Allocate it emits nothing.
func (p *Pools) Release(ctx context.Context, poolID, commitmentID string) (entry *Entry, err error) {
	ctx, done := p.track(ctx, "pool_release", poolID, commitmentID)
	defer func() { done(err) }()

	release, err := p.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return p.release(ctx, poolID, commitmentID)
}

func (p *Pools) release(ctx context.Context, poolID, commitmentID string) (*Entry, error) {
	pool, err := p.pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	entry, err := p.store.GetEntry(ctx, poolID, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("allocation lookup: %w", err)
	}
	if entry == nil {
		return nil, protoerr.Newf(protoerr.KindNotFound, namespace, "no allocation for %s in pool %s", commitmentID, poolID)
	}
	if pool.TotalAllocated, err = safety.Sub(pool.TotalAllocated, entry.Amount); err != nil {
		return nil, err
	}
	if pool.TotalAllocated < 0 {
		return nil, protoerr.Newf(protoerr.KindReconciliation, namespace, "pool %s total would go negative", poolID)
	}
	pool.UpdatedAt = p.clock().UTC()
	if err := p.store.SaveAllocation(ctx, pool, commitmentID, nil); err != nil {
		return nil, fmt.Errorf("save allocation: %w", err)
	}
	p.logger.InfoContext(ctx, "released", "pool", poolID, "commitment", commitmentID, "amount", entry.Amount)
	return entry, nil
}

// ReleaseAll removes every entry commitmentID holds, in pool registration
// order, and returns them. If one release fails the ones already made are
// put back.
func (p *Pools) ReleaseAll(ctx context.Context, commitmentID string) (released []*Entry, err error) {
	ctx, done := p.track(ctx, "pool_release_all", "", commitmentID)
	defer func() { done(err) }()

	release, err := p.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	entries, err := p.store.ListEntries(ctx, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	prior := make(map[string]*Entry, len(entries))
	var freed []string
	for _, e := range entries {
		entry, err := p.release(ctx, e.PoolID, commitmentID)
		if err != nil {
			return nil, p.putBack(ctx, commitmentID, freed, prior, err)
		}
		prior[entry.PoolID] = entry
		freed = append(freed, entry.PoolID)
		released = append(released, entry)
	}
	return released, nil
}

// putBack returns every pool in touched to commitmentID's prior entry (nil
// when it had none) after a failed multi-pool change. Restore failures are
// joined with cause.
func (p *Pools) putBack(ctx context.Context, commitmentID string, touched []string, prior map[string]*Entry, cause error) error {
	errs := []error{cause}
	for i := len(touched) - 1; i >= 0; i-- {
		if err := p.restore(ctx, touched[i], commitmentID, prior[touched[i]]); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", touched[i], err))
		}
	}
	if len(errs) > 1 {
		p.logger.ErrorContext(ctx, "allocation put-back incomplete", "commitment", commitmentID, "error", errors.Join(errs[1:]...))
	}
	return errors.Join(errs...)
}

// Restore puts commitmentID's entry in poolID back to prior, where nil means
// no entry. It only compensates a failed call and emits nothing.
func (p *Pools) Restore(ctx context.Context, poolID, commitmentID string, prior *Entry) error {
	release, err := p.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	return p.restore(ctx, poolID, commitmentID, prior)
}

func (p *Pools) restore(ctx context.Context, poolID, commitmentID string, prior *Entry) error {
	pool, err := p.pool(ctx, poolID)
	if err != nil {
		return err
	}
	current, err := p.store.GetEntry(ctx, poolID, commitmentID)
	if err != nil {
		return fmt.Errorf("allocation lookup: %w", err)
	}
	var have, want int64
	if current != nil {
		have = current.Amount
	}
	if prior != nil {
		want = prior.Amount
	}
	delta, err := safety.Sub(want, have)
	if err != nil {
		return err
	}
	if pool.TotalAllocated, err = safety.Add(pool.TotalAllocated, delta); err != nil {
		return err
	}
	if err := p.store.SaveAllocation(ctx, pool, commitmentID, prior); err != nil {
		return fmt.Errorf("restore allocation: %w", err)
	}
	p.logger.WarnContext(ctx, "allocation restored", "pool", poolID, "commitment", commitmentID, "amount", want)
	return nil
}

// GetPool returns a pool.
func (p *Pools) GetPool(ctx context.Context, poolID string) (*Pool, error) {
	return p.pool(ctx, poolID)
}

// ListPools returns a page of pools in registration order.
func (p *Pools) ListPools(ctx context.Context, page safety.Page) ([]*Pool, error) {
	pools, err := p.store.ListPools(ctx, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	return pools, nil
}

// GetAllocation returns commitmentID's entry in poolID.
func (p *Pools) GetAllocation(ctx context.Context, poolID, commitmentID string) (*Entry, error) {
	entry, err := p.store.GetEntry(ctx, poolID, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("allocation lookup: %w", err)
	}
	if entry == nil {
		return nil, protoerr.Newf(protoerr.KindNotFound, namespace, "no allocation for %s in pool %s", commitmentID, poolID)
	}
	return entry, nil
}

// Allocations returns every entry commitmentID holds, in pool registration
// order.
func (p *Pools) Allocations(ctx context.Context, commitmentID string) ([]*Entry, error) {
	entries, err := p.store.ListEntries(ctx, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return entries, nil
}
