package safety

import (
	"strings"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

// Risk tolerance tags.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Commitment type tags.
const (
	TypeSafe       = "safe"
	TypeBalanced   = "balanced"
	TypeAggressive = "aggressive"
)

// Bounds holds the configurable validation ranges.
type Bounds struct {
	MinDurationDays uint32 `yaml:"min_duration_days" json:"min_duration_days"`
	MaxDurationDays uint32 `yaml:"max_duration_days" json:"max_duration_days"`
}

// DefaultBounds allows commitments from one day up to ten years.
func DefaultBounds() Bounds {
	return Bounds{MinDurationDays: 1, MaxDurationDays: 3650}
}

// ValidateDuration checks days against the bounds.
func (b Bounds) ValidateDuration(days uint32) error {
	if days == 0 || days < b.MinDurationDays {
		return protoerr.Validation(namespace, "duration_days", "below minimum duration")
	}
	if b.MaxDurationDays > 0 && days > b.MaxDurationDays {
		return protoerr.Validation(namespace, "duration_days", "exceeds maximum duration")
	}
	return nil
}

// ValidateRisk checks the risk tolerance tag.
func ValidateRisk(risk string) error {
	switch risk {
	case RiskLow, RiskMedium, RiskHigh:
		return nil
	}
	return protoerr.Validation(namespace, "risk", "must be one of low, medium, high")
}

// ValidateCommitmentType checks the commitment type tag.
func ValidateCommitmentType(t string) error {
	switch t {
	case TypeSafe, TypeBalanced, TypeAggressive:
		return nil
	}
	return protoerr.Validation(namespace, "commitment_type", "must be one of safe, balanced, aggressive")
}

// ValidatePositive requires amount > 0.
func ValidatePositive(field string, amount int64) error {
	if amount <= 0 {
		return protoerr.Validation(namespace, field, "must be greater than zero")
	}
	return nil
}

// ValidateNonNegative requires amount >= 0.
func ValidateNonNegative(field string, amount int64) error {
	if amount < 0 {
		return protoerr.Validation(namespace, field, "must be non-negative")
	}
	return nil
}

// ValidatePercent requires pct within [0, 100].
func ValidatePercent(field string, pct uint32) error {
	if pct > 100 {
		return protoerr.Validation(namespace, field, "must be between 0 and 100")
	}
	return nil
}

// ValidateNonEmpty requires a non-blank string.
func ValidateNonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return protoerr.Validation(namespace, field, "must not be empty")
	}
	return nil
}

// ValidateAddress requires a non-blank address without whitespace.
func ValidateAddress(field, addr string) error {
	if err := ValidateNonEmpty(field, addr); err != nil {
		return err
	}
	if strings.ContainsAny(addr, " \t\r\n") {
		return protoerr.Validation(namespace, field, "must not contain whitespace")
	}
	return nil
}

// RequireFields checks that every required key is present and non-empty in
// payload. The first missing key is reported as the failing field.
func RequireFields(payload map[string]string, required ...string) error {
	for _, key := range required {
		if v, ok := payload[key]; !ok || strings.TrimSpace(v) == "" {
			return protoerr.Validation(namespace, key, "required field missing")
		}
	}
	return nil
}
