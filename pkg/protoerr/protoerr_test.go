package protoerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := Newf(KindNotFound, "core", "commitment %s", "cmt_1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrUnauthorized))

	wrapped := fmt.Errorf("settle: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestError_ValidationField(t *testing.T) {
	err := Validation("core", "duration_days", "must be greater than zero")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "duration_days", FieldOf(err))
	assert.Equal(t, "validation [duration_days]: must be greater than zero", err.Error())
}

func TestError_Code(t *testing.T) {
	assert.Equal(t, "COMMIT/POOL/CAPACITY_EXCEEDED", New(KindCapacityExceeded, "pool", "").Code())
	assert.Equal(t, "COMMIT/PROTOCOL/REENTRANCY", New(KindReentrancy, "", "").Code())
}

func TestError_Classification(t *testing.T) {
	tests := []struct {
		kind Kind
		want Classification
	}{
		{KindRateLimitExceeded, ClassRetryable},
		{KindReentrancy, ClassRetryable},
		{KindNotMature, ClassRetryable},
		{KindTransferFailed, ClassRetryable},
		{KindNotFound, ClassNonRetryable},
		{KindUnauthorized, ClassNonRetryable},
		{KindArithmetic, ClassNonRetryable},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.kind, "core", "").Classification())
		})
	}
}

func TestError_WrapKeepsCause(t *testing.T) {
	cause := errors.New("ledger offline")
	err := Wrap(KindTransferFailed, "core", cause, "payout")
	require.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(cause))
	assert.Equal(t, Kind(""), KindOf(cause))
}
