// Package ownership links each commitment to a transferable ownership
// record. Records are created active by the commitment core and deactivated
// when the position leaves the Active state; they are never deleted outside
// of a compensating rollback.
package ownership

import (
	"context"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// Metadata is the commitment snapshot carried by an ownership record.
type Metadata struct {
	CommitmentID            string    `json:"commitment_id"`
	DurationDays            uint32    `json:"duration_days"`
	Risk                    string    `json:"risk"`
	CommitmentType          string    `json:"commitment_type"`
	Principal               int64     `json:"principal"`
	Asset                   string    `json:"asset"`
	CreatedAt               time.Time `json:"created_at"`
	MaturesAt               time.Time `json:"matures_at"`
	EarlyExitPenaltyPercent uint32    `json:"early_exit_penalty_percent"`
	MaxLossPercent          uint32    `json:"max_loss_percent"`
}

// Record is one ownership link.
type Record struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Metadata      Metadata   `json:"metadata"`
	Active        bool       `json:"active"`
	MintedAt      time.Time  `json:"minted_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Store persists ownership records with a per-owner ordered index.
type Store interface {
	// Get returns nil, nil when id is unknown.
	Get(ctx context.Context, id string) (*Record, error)
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, owner string, page safety.Page) ([]string, error)
	CountByOwner(ctx context.Context, owner string) (int, error)
	Count(ctx context.Context) (int, error)
}
