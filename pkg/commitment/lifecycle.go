package commitment

import (
	"context"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/allocation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// releasePool frees every pool entry the commitment holds and checks their
// sum against the core's own bookkeeping. It returns the released entries
// so the caller can report them after commit.
func (c *Core) releasePool(ctx context.Context, rb *rollbackJournal, cm *Commitment) ([]*allocation.Entry, error) {
	if cm.Allocated == 0 {
		return nil, nil
	}
	entries, err := c.pools.ReleaseAll(ctx, cm.ID)
	if err != nil {
		return nil, err
	}
	var held int64
	for _, e := range entries {
		e := e
		rb.record("release "+cm.ID+" from "+e.PoolID, func(ctx context.Context) error {
			return c.pools.Restore(ctx, e.PoolID, cm.ID, e)
		})
		if held, err = safety.Add(held, e.Amount); err != nil {
			return nil, err
		}
	}
	if held != cm.Allocated {
		c.logger.ErrorContext(ctx, "allocation mismatch", "commitment_id", cm.ID,
			"pool_amount", held, "core_amount", cm.Allocated, "pools", len(entries))
		return nil, protoerr.Newf(protoerr.KindReconciliation, namespace,
			"pools hold %d for %s, core tracks %d", held, cm.ID, cm.Allocated)
	}
	return entries, nil
}

// emitAllocated reports new pool entries. Call it only after commit.
func (c *Core) emitAllocated(ctx context.Context, actor string, entries []*allocation.Entry) {
	for _, e := range entries {
		c.emit(ctx, events.PoolAllocated, e.PoolID, actor, map[string]any{
			"commitment_id": e.CommitmentID, "amount": e.Amount,
		})
	}
}

// emitReleased reports released pool entries. Call it only after commit.
func (c *Core) emitReleased(ctx context.Context, actor string, entries []*allocation.Entry) {
	for _, e := range entries {
		c.emit(ctx, events.PoolReleased, e.PoolID, actor, map[string]any{
			"commitment_id": e.CommitmentID, "amount": e.Amount,
		})
	}
}

// deactivateOwnership flips the ownership record inactive if it is active.
func (c *Core) deactivateOwnership(ctx context.Context, rb *rollbackJournal, id string) error {
	active, err := c.link.IsActive(ctx, id)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}
	if err := c.link.Deactivate(ctx, id); err != nil {
		return err
	}
	rb.record("deactivate "+id, func(ctx context.Context) error {
		return c.link.Reactivate(ctx, id)
	})
	return nil
}

// pay transfers amount from custody to the owner. It is the last effect of
// a call, so a failure leaves only local effects to undo.
func (c *Core) pay(ctx context.Context, cm *Commitment, to string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := c.ledger.Transfer(ctx, c.custody, to, cm.Asset, amount); err != nil {
		if protoerr.KindOf(err) != "" {
			return err
		}
		return protoerr.Wrap(protoerr.KindTransferFailed, namespace, err, "payout transfer")
	}
	return nil
}

// finalize moves cm to status, releases its pool entries, deactivates its
// ownership record and pays out. Local effects come before the transfer.
// It returns the released entries.
func (c *Core) finalize(ctx context.Context, cm *Commitment, status Status, payout int64) ([]*allocation.Entry, error) {
	var rb rollbackJournal
	released, err := c.releasePool(ctx, &rb, cm)
	if err != nil {
		return nil, rb.unwind(ctx, c.logger, err)
	}
	if err := c.deactivateOwnership(ctx, &rb, cm.ID); err != nil {
		return nil, rb.unwind(ctx, c.logger, err)
	}
	now := c.clock().UTC()
	next := cm.clone()
	next.Status = status
	next.Allocated = 0
	next.PaidOut = payout
	next.ClosedAt = &now
	next.UpdatedAt = now
	if err := c.save(ctx, &rb, cm, next); err != nil {
		return nil, rb.unwind(ctx, c.logger, err)
	}
	if err := c.pay(ctx, cm, cm.Owner, payout); err != nil {
		return nil, rb.unwind(ctx, c.logger, err)
	}
	return released, nil
}

// Settle pays out the commitment's current value at or after maturity.
func (c *Core) Settle(ctx context.Context, id string) (payout int64, err error) {
	ctx, done := c.track(ctx, "settle", id, "")
	defer func() { done(err) }()

	if err := c.requireNormal(); err != nil {
		return 0, err
	}
	release, err := c.enter(ctx, "settle")
	if err != nil {
		return 0, err
	}
	defer release()

	cm, err := c.load(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := requireActive(cm); err != nil {
		return 0, err
	}
	now := c.clock()
	if now.Before(cm.MaturesAt) {
		return 0, protoerr.Newf(protoerr.KindNotMature, namespace, "commitment %s matures at %s", id, cm.MaturesAt.Format(time.RFC3339))
	}
	payout = cm.CurrentValue
	released, err := c.finalize(ctx, cm, StatusSettled, payout)
	if err != nil {
		return 0, err
	}

	c.logger.InfoContext(ctx, "commitment settled", "commitment_id", id, "owner", cm.Owner, "payout", payout)
	c.emit(ctx, events.Settled, id, cm.Owner, map[string]any{
		"payout": payout, "principal": cm.Principal, "asset": cm.Asset,
	})
	c.emitReleased(ctx, cm.Owner, released)
	return payout, nil
}

// EarlyExit closes the commitment before maturity. The owner receives the
// current value less the early-exit penalty; the penalty stays in custody.
func (c *Core) EarlyExit(ctx context.Context, caller, id string) (payout int64, err error) {
	ctx, done := c.track(ctx, "early_exit", id, caller)
	defer func() { done(err) }()

	if err := c.requireNormal(); err != nil {
		return 0, err
	}
	release, err := c.enter(ctx, "early_exit")
	if err != nil {
		return 0, err
	}
	defer release()

	if err := c.limiter.Check(ctx, caller, ActionEarlyExit); err != nil {
		return 0, err
	}
	cm, err := c.load(ctx, id)
	if err != nil {
		return 0, err
	}
	if caller != cm.Owner {
		c.logger.WarnContext(ctx, "unauthorized early exit", "caller", caller, "commitment_id", id)
		return 0, protoerr.Newf(protoerr.KindUnauthorized, namespace, "only the owner may exit %s", id)
	}
	if err := requireActive(cm); err != nil {
		return 0, err
	}
	if !c.clock().Before(cm.MaturesAt) {
		return 0, protoerr.Validation(namespace, "maturity", "commitment has matured; settle instead")
	}
	penalty, err := safety.PenaltyAmount(cm.CurrentValue, cm.EarlyExitPenaltyPercent)
	if err != nil {
		return 0, err
	}
	if payout, err = safety.ApplyPenalty(cm.CurrentValue, cm.EarlyExitPenaltyPercent); err != nil {
		return 0, err
	}
	released, err := c.finalize(ctx, cm, StatusExitedEarly, payout)
	if err != nil {
		return 0, err
	}

	c.logger.InfoContext(ctx, "commitment exited early", "commitment_id", id, "payout", payout, "penalty", penalty)
	c.emit(ctx, events.EarlyExit, id, caller, map[string]any{
		"payout": payout, "penalty": penalty, "asset": cm.Asset,
	})
	c.emitReleased(ctx, caller, released)
	return payout, nil
}
