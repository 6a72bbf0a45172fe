package commitment

import (
	"context"
	"fmt"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/allocation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// SetEmergencyMode toggles emergency mode. Admin only.
func (c *Core) SetEmergencyMode(ctx context.Context, caller string, enabled bool) (err error) {
	ctx, done := c.track(ctx, "set_emergency_mode", "", caller)
	defer func() { done(err) }()

	if err := c.requireAdmin(ctx, caller, "set_emergency_mode"); err != nil {
		return err
	}
	release, err := c.enter(ctx, "set_emergency_mode")
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	changed := c.emergency != enabled
	c.emergency = enabled
	c.mu.Unlock()

	c.logger.WarnContext(ctx, "emergency mode set", "enabled", enabled, "changed", changed)
	c.emit(ctx, events.EmergencyMode, "protocol", caller, map[string]any{"enabled": enabled})
	return nil
}

// EmergencyWithdraw moves amount of asset out of custody to an arbitrary
// recipient.
func (c *Core) EmergencyWithdraw(ctx context.Context, caller, asset, to string, amount int64) (err error) {
	ctx, done := c.track(ctx, "emergency_withdraw", "", caller)
	defer func() { done(err) }()

	if err := c.requireEmergency(ctx, caller, "emergency_withdraw"); err != nil {
		return err
	}
	release, err := c.enter(ctx, "emergency_withdraw")
	if err != nil {
		return err
	}
	defer release()

	if err := safety.ValidateNonEmpty("asset", asset); err != nil {
		return err
	}
	if err := safety.ValidateAddress("to", to); err != nil {
		return err
	}
	if err := safety.ValidatePositive("amount", amount); err != nil {
		return err
	}
	balance, err := c.ledger.Balance(ctx, c.custody, asset)
	if err != nil {
		return fmt.Errorf("custody balance: %w", err)
	}
	if balance < amount {
		return protoerr.Newf(protoerr.KindInsufficientBalance, namespace, "custody holds %d %s, requested %d", balance, asset, amount)
	}
	if err := c.ledger.Transfer(ctx, c.custody, to, asset, amount); err != nil {
		if protoerr.KindOf(err) != "" {
			return err
		}
		return protoerr.Wrap(protoerr.KindTransferFailed, namespace, err, "emergency withdrawal")
	}

	c.logger.WarnContext(ctx, "emergency withdrawal", "asset", asset, "to", to, "amount", amount)
	c.emit(ctx, events.EmergencyWithdraw, to, caller, map[string]any{"asset": asset, "amount": amount})
	return nil
}

// EmergencySettle forces the commitment to EmergencyOverridden regardless of
// maturity or penalty. An unpaid commitment pays its current value to the
// owner; a commitment already paid out is only re-labelled.
func (c *Core) EmergencySettle(ctx context.Context, caller, id string) (payout int64, err error) {
	ctx, done := c.track(ctx, "emergency_settle", id, caller)
	defer func() { done(err) }()

	if err := c.requireEmergency(ctx, caller, "emergency_settle"); err != nil {
		return 0, err
	}
	release, err := c.enter(ctx, "emergency_settle")
	if err != nil {
		return 0, err
	}
	defer release()

	cm, err := c.load(ctx, id)
	if err != nil {
		return 0, err
	}
	var released []*allocation.Entry
	if !cm.closed() {
		payout = cm.CurrentValue
		if released, err = c.finalize(ctx, cm, StatusEmergencyOverridden, payout); err != nil {
			return 0, err
		}
	} else {
		var rb rollbackJournal
		if released, err = c.releasePool(ctx, &rb, cm); err != nil {
			return 0, rb.unwind(ctx, c.logger, err)
		}
		if err := c.deactivateOwnership(ctx, &rb, id); err != nil {
			return 0, rb.unwind(ctx, c.logger, err)
		}
		next := cm.clone()
		next.Status = StatusEmergencyOverridden
		next.Allocated = 0
		next.UpdatedAt = c.clock().UTC()
		if err := c.save(ctx, &rb, cm, next); err != nil {
			return 0, rb.unwind(ctx, c.logger, err)
		}
	}

	c.logger.WarnContext(ctx, "commitment emergency settled", "commitment_id", id, "previous_status", cm.Status, "payout", payout)
	c.emit(ctx, events.EmergencySettle, id, caller, map[string]any{
		"payout": payout, "previous_status": string(cm.Status), "owner": cm.Owner,
	})
	c.emitReleased(ctx, caller, released)
	return payout, nil
}

// EmergencyUpdateCommitment rewrites recovery fields directly. The result
// must still be structurally valid, and the ownership record follows the
// new status.
func (c *Core) EmergencyUpdateCommitment(ctx context.Context, caller, id string, patch CommitmentPatch) (err error) {
	ctx, done := c.track(ctx, "emergency_update", id, caller)
	defer func() { done(err) }()

	if err := c.requireEmergency(ctx, caller, "emergency_update_commitment"); err != nil {
		return err
	}
	release, err := c.enter(ctx, "emergency_update")
	if err != nil {
		return err
	}
	defer release()

	cm, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	next := cm.clone()
	changed := map[string]any{}
	if patch.CurrentValue != nil {
		if err := safety.ValidateNonNegative("current_value", *patch.CurrentValue); err != nil {
			return err
		}
		next.CurrentValue = *patch.CurrentValue
		changed["current_value"] = next.CurrentValue
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return protoerr.Validation(namespace, "status", fmt.Sprintf("unknown status %q", *patch.Status))
		}
		next.Status = *patch.Status
		changed["status"] = string(next.Status)
	}
	if patch.EarlyExitPenaltyPercent != nil {
		if err := safety.ValidatePercent("early_exit_penalty_percent", *patch.EarlyExitPenaltyPercent); err != nil {
			return err
		}
		next.EarlyExitPenaltyPercent = *patch.EarlyExitPenaltyPercent
		changed["early_exit_penalty_percent"] = next.EarlyExitPenaltyPercent
	}
	if patch.MaxLossPercent != nil {
		if err := safety.ValidatePercent("max_loss_percent", *patch.MaxLossPercent); err != nil {
			return err
		}
		next.MaxLossPercent = *patch.MaxLossPercent
		changed["max_loss_percent"] = next.MaxLossPercent
	}
	if len(changed) == 0 {
		return protoerr.Validation(namespace, "patch", "no fields to update")
	}
	if next.Allocated > next.CurrentValue && !next.Status.Terminal() {
		return protoerr.Validation(namespace, "current_value", "must cover the allocated amount")
	}

	var (
		rb       rollbackJournal
		released []*allocation.Entry
	)
	if next.Status.Terminal() && !cm.Status.Terminal() {
		if released, err = c.releasePool(ctx, &rb, cm); err != nil {
			return rb.unwind(ctx, c.logger, err)
		}
		next.Allocated = 0
	}
	if cm.Status != next.Status {
		active, err := c.link.IsActive(ctx, id)
		if err != nil {
			return rb.unwind(ctx, c.logger, err)
		}
		switch {
		case next.Status == StatusActive && !active:
			if err := c.link.Reactivate(ctx, id); err != nil {
				return rb.unwind(ctx, c.logger, err)
			}
			rb.record("reactivate "+id, func(ctx context.Context) error {
				return c.link.Deactivate(ctx, id)
			})
			next.ClosedAt = nil
			next.PaidOut = 0
		case next.Status.Terminal() && active:
			if err := c.deactivateOwnership(ctx, &rb, id); err != nil {
				return rb.unwind(ctx, c.logger, err)
			}
		}
	}
	next.UpdatedAt = c.clock().UTC()
	if err := c.save(ctx, &rb, cm, next); err != nil {
		return rb.unwind(ctx, c.logger, err)
	}

	c.logger.WarnContext(ctx, "commitment emergency updated", "commitment_id", id, "fields", len(changed))
	c.emit(ctx, events.EmergencyUpdate, id, caller, changed)
	c.emitReleased(ctx, caller, released)
	return nil
}
