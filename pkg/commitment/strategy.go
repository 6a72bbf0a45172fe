package commitment

import (
	"context"
	"errors"
	"fmt"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/allocation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// loadForAllocation loads an active commitment the caller may allocate.
func (c *Core) loadForAllocation(ctx context.Context, caller, id string) (*Commitment, error) {
	cm, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != cm.Owner && caller != c.admin {
		c.logger.WarnContext(ctx, "unauthorized allocation", "caller", caller, "commitment_id", id)
		return nil, protoerr.Newf(protoerr.KindUnauthorized, namespace, "%s may not allocate %s", caller, id)
	}
	if err := requireActive(cm); err != nil {
		return nil, err
	}
	return cm, nil
}

// AllocateByStrategy spreads amount of the commitment's value over the
// pools its type selects: safe commitments use low-risk pools, balanced ones
// mix all risk levels and aggressive ones favour high risk. The commitment
// must not hold an allocation yet.
func (c *Core) AllocateByStrategy(ctx context.Context, caller, id string, amount int64) (sum *allocation.Summary, err error) {
	ctx, done := c.track(ctx, "allocate_strategy", id, caller)
	defer func() { done(err) }()

	if err := c.requireNormal(); err != nil {
		return nil, err
	}
	release, err := c.enter(ctx, "allocate_strategy")
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.limiter.Check(ctx, caller, ActionAllocate); err != nil {
		return nil, err
	}
	cm, err := c.loadForAllocation(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if err := safety.ValidatePositive("amount", amount); err != nil {
		return nil, err
	}
	if cm.Allocated > 0 {
		return nil, protoerr.Newf(protoerr.KindAlreadyExists, namespace, "commitment %s is already allocated", id)
	}
	if amount > cm.CurrentValue {
		return nil, protoerr.Newf(protoerr.KindCapacityExceeded, namespace,
			"allocation %d exceeds unallocated value %d", amount, unallocated(cm))
	}

	strategy := allocation.Strategy(cm.Type)
	var rb rollbackJournal
	if sum, err = c.pools.AllocateStrategy(ctx, id, amount, strategy); err != nil {
		return nil, err
	}
	for _, e := range sum.Entries {
		e := e
		rb.record("allocate "+id+" to "+e.PoolID, func(ctx context.Context) error {
			return c.pools.Restore(ctx, e.PoolID, id, nil)
		})
	}

	next := cm.clone()
	next.PoolID = ""
	next.Allocated = sum.Total
	next.UpdatedAt = c.clock().UTC()
	if err := c.save(ctx, &rb, cm, next); err != nil {
		return nil, rb.unwind(ctx, c.logger, err)
	}

	c.logger.InfoContext(ctx, "commitment allocated by strategy", "commitment_id", id,
		"strategy", strategy, "amount", sum.Total, "pools", len(sum.Entries))
	c.emit(ctx, events.CommitmentAllocated, id, caller, map[string]any{
		"strategy": string(strategy), "amount": sum.Total, "allocated": sum.Total, "pools": len(sum.Entries),
	})
	c.emitAllocated(ctx, caller, sum.Entries)
	return sum, nil
}

// Rebalance re-plans a strategy allocation over the pools as they stand
// now. Shares that no longer fit are dropped, so Allocated can shrink.
func (c *Core) Rebalance(ctx context.Context, caller, id string) (sum *allocation.Summary, err error) {
	ctx, done := c.track(ctx, "rebalance", id, caller)
	defer func() { done(err) }()

	if err := c.requireNormal(); err != nil {
		return nil, err
	}
	release, err := c.enter(ctx, "rebalance")
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.limiter.Check(ctx, caller, ActionRebalance); err != nil {
		return nil, err
	}
	cm, err := c.loadForAllocation(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if cm.PoolID != "" || cm.Allocated == 0 {
		return nil, protoerr.Validation(namespace, "pool_id", "only strategy allocations can be rebalanced")
	}
	prior, err := c.pools.Allocations(ctx, id)
	if err != nil {
		return nil, err
	}

	strategy := allocation.Strategy(cm.Type)
	var rb rollbackJournal
	if sum, err = c.pools.Rebalance(ctx, id, strategy); err != nil {
		return nil, err
	}
	rb.record("rebalance "+id, func(ctx context.Context) error {
		return c.restoreEntries(ctx, id, prior, sum.Entries)
	})

	next := cm.clone()
	next.Allocated = sum.Total
	next.UpdatedAt = c.clock().UTC()
	if err := c.save(ctx, &rb, cm, next); err != nil {
		return nil, rb.unwind(ctx, c.logger, err)
	}

	c.logger.InfoContext(ctx, "commitment rebalanced", "commitment_id", id,
		"strategy", strategy, "previous", cm.Allocated, "allocated", sum.Total)
	c.emit(ctx, events.Rebalanced, id, caller, map[string]any{
		"strategy": string(strategy), "previous": cm.Allocated, "allocated": sum.Total, "pools": len(sum.Entries),
	})
	c.emitReleased(ctx, caller, prior)
	c.emitAllocated(ctx, caller, sum.Entries)
	return sum, nil
}

// restoreEntries puts the commitment back on its prior entries and clears
// any pool only the current placement uses.
func (c *Core) restoreEntries(ctx context.Context, id string, prior, current []*allocation.Entry) error {
	held := make(map[string]bool, len(prior))
	var errs []error
	for _, e := range prior {
		held[e.PoolID] = true
		if err := c.pools.Restore(ctx, e.PoolID, id, e); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", e.PoolID, err))
		}
	}
	for _, e := range current {
		if held[e.PoolID] {
			continue
		}
		if err := c.pools.Restore(ctx, e.PoolID, id, nil); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", e.PoolID, err))
		}
	}
	return errors.Join(errs...)
}
