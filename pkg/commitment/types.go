// Package commitment is the protocol orchestrator. It owns the commitment
// state machine, drives the ownership link and allocation pools, pays out
// through the external ledger and exposes the administrator's emergency
// controls. Every mutating call runs under one reentrancy guard and is
// all-or-nothing: a failure after the first effect replays recorded
// compensations before the error is returned.
package commitment

import (
	"context"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

// Status is a commitment lifecycle state.
type Status string

const (
	StatusActive              Status = "active"
	StatusSettled             Status = "settled"
	StatusExitedEarly         Status = "exited_early"
	StatusEmergencyOverridden Status = "emergency_overridden"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSettled, StatusExitedEarly, StatusEmergencyOverridden:
		return true
	}
	return false
}

// Terminal reports whether s ends the normal lifecycle.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Commitment is one locked-value position. Amounts are in the asset's
// minor units.
type Commitment struct {
	ID                      string     `json:"id"`
	Owner                   string     `json:"owner"`
	Asset                   string     `json:"asset"`
	Principal               int64      `json:"principal"`
	DurationDays            uint32     `json:"duration_days"`
	CreatedAt               time.Time  `json:"created_at"`
	MaturesAt               time.Time  `json:"matures_at"`
	Risk                    string     `json:"risk"`
	Type                    string     `json:"type"`
	CurrentValue            int64      `json:"current_value"`
	Allocated               int64      `json:"allocated"`
	PoolID                  string     `json:"pool_id,omitempty"`
	Status                  Status     `json:"status"`
	EarlyExitPenaltyPercent uint32     `json:"early_exit_penalty_percent"`
	MaxLossPercent          uint32     `json:"max_loss_percent"`
	MinFeeThreshold         int64      `json:"min_fee_threshold"`
	PaidOut                 int64      `json:"paid_out"`
	ClosedAt                *time.Time `json:"closed_at,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

func (c *Commitment) clone() *Commitment {
	cp := *c
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// closed reports whether the commitment has already been paid out.
func (c *Commitment) closed() bool {
	return c.ClosedAt != nil
}

// CreateRequest describes a new commitment. PoolID and AllocateAmount
// request an initial allocation within the same call.
type CreateRequest struct {
	Owner                   string `json:"owner" yaml:"owner"`
	Asset                   string `json:"asset" yaml:"asset"`
	Principal               int64  `json:"principal" yaml:"principal"`
	DurationDays            uint32 `json:"duration_days" yaml:"duration_days"`
	Risk                    string `json:"risk" yaml:"risk"`
	Type                    string `json:"type" yaml:"type"`
	EarlyExitPenaltyPercent uint32 `json:"early_exit_penalty_percent" yaml:"early_exit_penalty_percent"`
	MaxLossPercent          uint32 `json:"max_loss_percent" yaml:"max_loss_percent"`
	MinFeeThreshold         int64  `json:"min_fee_threshold" yaml:"min_fee_threshold"`
	PoolID                  string `json:"pool_id,omitempty" yaml:"pool_id"`
	AllocateAmount          int64  `json:"allocate_amount,omitempty" yaml:"allocate_amount"`
}

// CommitmentPatch lists the fields an emergency correction may rewrite.
// Nil fields are left unchanged.
type CommitmentPatch struct {
	CurrentValue            *int64  `json:"current_value,omitempty" yaml:"current_value"`
	Status                  *Status `json:"status,omitempty" yaml:"status"`
	EarlyExitPenaltyPercent *uint32 `json:"early_exit_penalty_percent,omitempty" yaml:"early_exit_penalty_percent"`
	MaxLossPercent          *uint32 `json:"max_loss_percent,omitempty" yaml:"max_loss_percent"`
}

// ViolationReport details a commitment's rule breaches.
type ViolationReport struct {
	CommitmentID     string        `json:"commitment_id"`
	HasViolations    bool          `json:"has_violations"`
	LossViolated     bool          `json:"loss_violated"`
	DurationViolated bool          `json:"duration_violated"`
	LossPercent      int64         `json:"loss_percent"`
	MaxLossPercent   uint32        `json:"max_loss_percent"`
	TimeRemaining    time.Duration `json:"time_remaining"`
	Status           Status        `json:"status"`
	EvaluatedAt      time.Time     `json:"evaluated_at"`
}

// Ledger is the external asset ledger. Any error is a failed transfer.
type Ledger interface {
	Transfer(ctx context.Context, from, to, asset string, amount int64) error
	Balance(ctx context.Context, account, asset string) (int64, error)
}

// Store persists commitments.
type Store interface {
	// Get returns nil, nil when id is unknown.
	Get(ctx context.Context, id string) (*Commitment, error)
	Insert(ctx context.Context, c *Commitment) error
	Update(ctx context.Context, c *Commitment) error
	// Delete only compensates a failed create.
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

func notFound(id string) error {
	return protoerr.Newf(protoerr.KindNotFound, namespace, "commitment %s", id)
}
