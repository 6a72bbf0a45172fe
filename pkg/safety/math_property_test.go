//go:build property
// +build property

package safety_test

import (
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

func fitsInt64(v *big.Int) bool {
	return v.IsInt64()
}

// TestCheckedAddMatchesBigInt verifies Add either returns the exact sum or
// reports overflow exactly when the exact sum does not fit.
func TestCheckedAddMatchesBigInt(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("Add never wraps", prop.ForAll(
		func(a, b int64) bool {
			exact := new(big.Int).Add(big.NewInt(a), big.NewInt(b))
			got, err := safety.Add(a, b)
			if !fitsInt64(exact) {
				return err != nil
			}
			return err == nil && got == exact.Int64()
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.Property("Mul never wraps", prop.ForAll(
		func(a, b int64) bool {
			exact := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
			got, err := safety.Mul(a, b)
			if !fitsInt64(exact) {
				return err != nil
			}
			return err == nil && got == exact.Int64()
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestApplyPenaltyBounded verifies payouts stay within [0, value].
func TestApplyPenaltyBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("0 <= ApplyPenalty(v, p) <= v", prop.ForAll(
		func(v int64, p uint32) bool {
			out, err := safety.ApplyPenalty(v, p)
			if err != nil {
				return false
			}
			return out >= 0 && out <= v
		},
		gen.Int64Range(0, 1<<40),
		gen.UInt32Range(0, 100),
	))

	properties.TestingRun(t)
}
