package commitment

import (
	"context"
	"fmt"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/attestation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// GetCommitment returns a copy of the commitment.
func (c *Core) GetCommitment(ctx context.Context, id string) (*Commitment, error) {
	return c.load(ctx, id)
}

// ListForOwner returns a page of owner's commitment ids in creation order.
func (c *Core) ListForOwner(ctx context.Context, owner string, page safety.Page) ([]string, error) {
	return c.link.ListForOwner(ctx, owner, page)
}

// TotalCommitments returns how many commitments exist in any state.
func (c *Core) TotalCommitments(ctx context.Context) (int, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count commitments: %w", err)
	}
	return n, nil
}

// ViolationDetails evaluates the commitment's loss and duration rules.
// Only Active commitments can be in violation.
func (c *Core) ViolationDetails(ctx context.Context, id string) (*ViolationReport, error) {
	cm, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.clock().UTC()
	r := &ViolationReport{
		CommitmentID:   id,
		MaxLossPercent: cm.MaxLossPercent,
		Status:         cm.Status,
		EvaluatedAt:    now,
	}
	if r.LossPercent, err = safety.LossPercent(cm.Principal, cm.CurrentValue); err != nil {
		return nil, err
	}
	if now.Before(cm.MaturesAt) {
		r.TimeRemaining = cm.MaturesAt.Sub(now)
	}
	if cm.Status == StatusActive {
		r.LossViolated = r.LossPercent > int64(cm.MaxLossPercent)
		r.DurationViolated = !now.Before(cm.MaturesAt)
		r.HasViolations = r.LossViolated || r.DurationViolated
	}
	return r, nil
}

// CheckViolations reports whether an Active commitment breaches its loss
// limit or has outlived its duration, emitting a violation event if so.
func (c *Core) CheckViolations(ctx context.Context, id string) (bool, error) {
	r, err := c.ViolationDetails(ctx, id)
	if err != nil {
		return false, err
	}
	if r.HasViolations {
		c.logger.WarnContext(ctx, "commitment in violation", "commitment_id", id,
			"loss_violated", r.LossViolated, "duration_violated", r.DurationViolated)
		c.emit(ctx, events.Violation, id, "", map[string]any{
			"reason":            "rule_check",
			"loss_violated":     r.LossViolated,
			"duration_violated": r.DurationViolated,
			"loss_percent":      r.LossPercent,
		})
	}
	return r.HasViolations, nil
}

// AttestationView implements attestation.CommitmentReader.
func (c *Core) AttestationView(ctx context.Context, id string) (*attestation.CommitmentView, error) {
	cm, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &attestation.CommitmentView{
		ID:              cm.ID,
		Owner:           cm.Owner,
		Principal:       cm.Principal,
		CurrentValue:    cm.CurrentValue,
		MaxLossPercent:  cm.MaxLossPercent,
		MinFeeThreshold: cm.MinFeeThreshold,
		Status:          string(cm.Status),
		CreatedAt:       cm.CreatedAt,
		MaturesAt:       cm.MaturesAt,
	}, nil
}

var _ attestation.CommitmentReader = (*Core)(nil)
