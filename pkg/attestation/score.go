package attestation

import (
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// scoreWindow is how many recent attestations feed the score.
const scoreWindow = 16

// outcome maps one attestation to its 0-100 contribution.
func outcome(t Type, payload map[string]string, compliant bool) int {
	if t == TypeViolation {
		switch payload[KeySeverity] {
		case "high", "critical":
			return 10
		case "medium":
			return 40
		default:
			return 70
		}
	}
	if !compliant {
		return 50
	}
	return 100
}

// Scorer derives the compliance score. Recent outcomes are weighted with
// weights doubling toward the newest; the aggregate then loses step points
// per full window elapsed since the last attestation (or creation).
type Scorer struct {
	Window time.Duration
	Step   int
}

// Score computes the score at now. recent is ordered oldest first.
func (s Scorer) Score(recent []Attestation, createdAt, now time.Time) int {
	if len(recent) > scoreWindow {
		recent = recent[len(recent)-scoreWindow:]
	}
	base := 100
	since := createdAt
	if n := len(recent); n > 0 {
		var weighted, total int64
		weight := int64(1)
		for _, a := range recent {
			weighted += weight * int64(a.Outcome)
			total += weight
			weight *= 2
		}
		base = int(weighted / total)
		since = recent[n-1].RecordedAt
	}
	if s.Window > 0 && s.Step > 0 && now.After(since) {
		windows := int64(now.Sub(since) / s.Window)
		if windows > 100 {
			windows = 100
		}
		decay, err := safety.Mul(windows, int64(s.Step))
		if err != nil || decay > 100 {
			decay = 100
		}
		base -= int(decay)
	}
	if base < 0 {
		return 0
	}
	if base > 100 {
		return 100
	}
	return base
}
