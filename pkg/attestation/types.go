// Package attestation records verifier-submitted health data points for
// commitments and derives a time-decaying compliance score from them. It
// reads commitment state through CommitmentReader and never mutates it.
package attestation

import (
	"context"
	"time"
)

// Type is an attestation kind.
type Type string

const (
	TypeHealthCheck   Type = "health_check"
	TypeViolation     Type = "violation"
	TypeFeeGeneration Type = "fee_generation"
	TypeDrawdown      Type = "drawdown"
)

// Valid reports whether t is a known attestation type.
func (t Type) Valid() bool {
	switch t {
	case TypeHealthCheck, TypeViolation, TypeFeeGeneration, TypeDrawdown:
		return true
	}
	return false
}

// Payload keys with meaning to the engine.
const (
	KeyViolationType   = "violation_type"
	KeySeverity        = "severity"
	KeyFeeAmount       = "fee_amount"
	KeyDrawdownPercent = "drawdown_percent"
)

// Attestation is one appended data point.
type Attestation struct {
	Seq          uint64            `json:"seq"`
	CommitmentID string            `json:"commitment_id"`
	Verifier     string            `json:"verifier"`
	Type         Type              `json:"type"`
	Payload      map[string]string `json:"payload"`
	Compliant    bool              `json:"compliant"`
	Outcome      int               `json:"outcome"` // 0-100 contribution to the score
	RecordedAt   time.Time         `json:"recorded_at"`
}

// CommitmentView is the commitment state the engine reads.
type CommitmentView struct {
	ID              string
	Owner           string
	Principal       int64
	CurrentValue    int64
	MaxLossPercent  uint32
	MinFeeThreshold int64
	Status          string
	CreatedAt       time.Time
	MaturesAt       time.Time
}

// CommitmentReader resolves commitments. It returns a NotFound error for
// unknown ids.
type CommitmentReader interface {
	AttestationView(ctx context.Context, commitmentID string) (*CommitmentView, error)
}

// HealthMetrics summarizes a commitment's attested health.
type HealthMetrics struct {
	CommitmentID     string    `json:"commitment_id"`
	CurrentValue     int64     `json:"current_value"`
	InitialValue     int64     `json:"initial_value"`
	DrawdownPercent  int64     `json:"drawdown_percent"`
	ReportedDrawdown int64     `json:"reported_drawdown_percent"`
	FeesGenerated    int64     `json:"fees_generated"`
	AttestationCount int       `json:"attestation_count"`
	LastAttestation  time.Time `json:"last_attestation,omitempty"`
	ComplianceScore  int       `json:"compliance_score"`
}

// ComplianceReport is the outcome of VerifyCompliance.
type ComplianceReport struct {
	Compliant bool `json:"compliant"`
	LossOK    bool `json:"loss_ok"`
	ScoreOK   bool `json:"score_ok"`
	FeesOK    bool `json:"fees_ok"`
	Score     int  `json:"score"`
}

// Statistics are protocol-wide attestation counters.
type Statistics struct {
	TotalAttestations uint64            `json:"total_attestations"`
	TotalViolations   uint64            `json:"total_violations"`
	TotalFees         int64             `json:"total_fees"`
	PerVerifier       map[string]uint64 `json:"per_verifier"`
}
