// Package safety holds the primitives every protocol component builds on:
// overflow-checked arithmetic over minor units, the reentrancy guard and the
// input validation helpers.
package safety

import (
	"math"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

const namespace = "safety"

// BasisPoints is the denominator for bps-denominated parameters.
const BasisPoints = 10_000

func overflow(op string) error {
	return protoerr.Newf(protoerr.KindArithmetic, namespace, "%s overflow", op)
}

// Add returns a+b or an ArithmeticError on overflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, overflow("addition")
	}
	return a + b, nil
}

// Sub returns a-b or an ArithmeticError on underflow.
func Sub(a, b int64) (int64, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, overflow("subtraction")
	}
	return a - b, nil
}

// Mul returns a*b or an ArithmeticError on overflow.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, overflow("multiplication")
	}
	c := a * b
	if c/b != a {
		return 0, overflow("multiplication")
	}
	return c, nil
}

// Div returns a/b truncated toward zero. Division by zero is an
// ArithmeticError, as is MinInt64 / -1.
func Div(a, b int64) (int64, error) {
	if b == 0 {
		return 0, protoerr.New(protoerr.KindArithmetic, namespace, "division by zero")
	}
	if a == math.MinInt64 && b == -1 {
		return 0, overflow("division")
	}
	return a / b, nil
}

// Percent returns value*pct/100. pct must be within [0, 100].
func Percent(value int64, pct uint32) (int64, error) {
	if pct > 100 {
		return 0, protoerr.Validation(namespace, "percent", "must be between 0 and 100")
	}
	scaled, err := Mul(value, int64(pct))
	if err != nil {
		return 0, err
	}
	return Div(scaled, 100)
}

// BpsOf returns value*bps/10000. bps must be within [0, 10000].
func BpsOf(value int64, bps uint32) (int64, error) {
	if bps > BasisPoints {
		return 0, protoerr.Validation(namespace, "bps", "must be between 0 and 10000")
	}
	scaled, err := Mul(value, int64(bps))
	if err != nil {
		return 0, err
	}
	return Div(scaled, BasisPoints)
}

// PercentFrom returns part*100/whole.
func PercentFrom(part, whole int64) (int64, error) {
	if whole == 0 {
		return 0, protoerr.New(protoerr.KindArithmetic, namespace, "percent of zero whole")
	}
	scaled, err := Mul(part, 100)
	if err != nil {
		return 0, err
	}
	return Div(scaled, whole)
}

// LossPercent returns (initial-current)*100/initial. Negative when current
// exceeds initial.
func LossPercent(initial, current int64) (int64, error) {
	loss, err := Sub(initial, current)
	if err != nil {
		return 0, err
	}
	return PercentFrom(loss, initial)
}

// GainPercent returns (current-initial)*100/initial.
func GainPercent(initial, current int64) (int64, error) {
	gain, err := Sub(current, initial)
	if err != nil {
		return 0, err
	}
	return PercentFrom(gain, initial)
}

// PenaltyAmount returns the penalty charged on value at penaltyPct.
func PenaltyAmount(value int64, penaltyPct uint32) (int64, error) {
	return Percent(value, penaltyPct)
}

// ApplyPenalty returns value minus its penalty, clamped at zero.
func ApplyPenalty(value int64, penaltyPct uint32) (int64, error) {
	penalty, err := PenaltyAmount(value, penaltyPct)
	if err != nil {
		return 0, err
	}
	out, err := Sub(value, penalty)
	if err != nil {
		return 0, err
	}
	if out < 0 {
		return 0, nil
	}
	return out, nil
}
