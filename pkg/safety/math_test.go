package safety

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

func TestCheckedArithmetic(t *testing.T) {
	tests := []struct {
		name    string
		op      func(a, b int64) (int64, error)
		a, b    int64
		want    int64
		wantErr bool
	}{
		{"add", Add, 100, 50, 150, false},
		{"add negative", Add, -100, 50, -50, false},
		{"add overflow", Add, math.MaxInt64, 1, 0, true},
		{"add underflow", Add, math.MinInt64, -1, 0, true},
		{"sub", Sub, 50, 100, -50, false},
		{"sub overflow", Sub, math.MaxInt64, -1, 0, true},
		{"sub underflow", Sub, math.MinInt64, 1, 0, true},
		{"mul", Mul, -10, 5, -50, false},
		{"mul zero", Mul, 0, math.MaxInt64, 0, false},
		{"mul overflow", Mul, math.MaxInt64, 2, 0, true},
		{"mul min by minus one", Mul, math.MinInt64, -1, 0, true},
		{"div", Div, 100, -5, -20, false},
		{"div by zero", Div, 100, 0, 0, true},
		{"div min by minus one", Div, math.MinInt64, -1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op(tt.a, tt.b)
			if tt.wantErr {
				require.ErrorIs(t, err, protoerr.ErrArithmetic)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPercentHelpers(t *testing.T) {
	v, err := Percent(1000, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)

	_, err = Percent(1000, 101)
	require.ErrorIs(t, err, protoerr.ErrValidation)
	assert.Equal(t, "percent", protoerr.FieldOf(err))

	v, err = BpsOf(500, 6000)
	require.NoError(t, err)
	assert.Equal(t, int64(300), v)

	_, err = BpsOf(500, 10001)
	require.ErrorIs(t, err, protoerr.ErrValidation)

	v, err = LossPercent(1000, 800)
	require.NoError(t, err)
	assert.Equal(t, int64(20), v)

	v, err = GainPercent(1000, 1100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	_, err = LossPercent(0, 10)
	require.ErrorIs(t, err, protoerr.ErrArithmetic)

	_, err = Percent(math.MaxInt64, 50)
	require.ErrorIs(t, err, protoerr.ErrArithmetic)
}

func TestApplyPenalty(t *testing.T) {
	v, err := ApplyPenalty(1000, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(900), v)

	v, err = ApplyPenalty(1000, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = ApplyPenalty(0, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	p, err := PenaltyAmount(1000, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p)
}
