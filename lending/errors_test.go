package lending_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bachducanh/E-Library/lending"
)

func Test_OperationError_HidesStorageDetails(t *testing.T) {
	// arrange
	cause := errors.Join(lending.ErrShardUnavailable, errors.New("dial tcp 10.0.3.7:5432: connection refused"))

	// act
	err := lending.NewOperationError("borrow", cause).WithCopy("CP0123456789AB").WithMember("MEM1")

	// assert
	assert.Equal(t, "borrow copy=CP0123456789AB member=MEM1: shard unavailable", err.Error())
	assert.ErrorIs(t, err, lending.ErrShardUnavailable)
	assert.NotContains(t, err.Error(), "10.0.3.7")
}

func Test_OperationError_KeepsKindForErrorsIs(t *testing.T) {
	err := lending.NewOperationError("renew", fmt.Errorf("loan LN-1: %w", lending.ErrRenewalLimitExceeded)).WithLoan("LN-1")

	assert.ErrorIs(t, err, lending.ErrRenewalLimitExceeded)
	assert.NotErrorIs(t, err, lending.ErrShardUnavailable)
	assert.Equal(t, "renew loan=LN-1: renewal limit exceeded", err.Error())
}

func Test_OperationError_RewrapsWithoutNesting(t *testing.T) {
	inner := lending.NewOperationError("reserve", lending.ErrConflict).WithCopy("CP1")

	outer := lending.NewOperationError("borrow", inner).WithCopy("CP1")

	assert.Equal(t, "borrow copy=CP1: copy is not available", outer.Error())
	assert.ErrorIs(t, outer, lending.ErrConflict)
}

func Test_IsRetryable(t *testing.T) {
	assert.True(t, lending.IsRetryable(lending.ErrShardUnavailable))
	assert.True(t, lending.IsRetryable(fmt.Errorf("wrapped: %w", lending.ErrConcurrencyConflict)))
	assert.False(t, lending.IsRetryable(lending.ErrQuotaExceeded))
	assert.False(t, lending.IsRetryable(lending.ErrUnknownBranch))
}

func Test_OperationError_StorageFailureIsNotShardUnavailable(t *testing.T) {
	// arrange
	cause := errors.Join(lending.ErrStorageFailed, errors.New(`ERROR: syntax error at or near "FORM"`))

	// act
	err := lending.NewOperationError("borrow", cause)

	// assert
	assert.Equal(t, "borrow: storage operation failed", err.Error())
	assert.ErrorIs(t, err, lending.ErrStorageFailed)
	assert.NotErrorIs(t, err, lending.ErrShardUnavailable)
	assert.False(t, lending.IsRetryable(err))
}

func Test_Classify_UnmatchedErrorsAreStorageFailures(t *testing.T) {
	assert.Equal(t, lending.ErrStorageFailed, lending.Classify(errors.New("disk full")))
	assert.Equal(t, lending.ErrStorageFailed, lending.Classify(fmt.Errorf("%w: 7", lending.ErrUnknownShard)))
	assert.Equal(t, lending.ErrStorageFailed, lending.Classify(lending.ErrConcurrencyConflict))
	assert.Equal(t, lending.ErrShardUnavailable, lending.Classify(fmt.Errorf("node: %w", lending.ErrShardUnavailable)))
	assert.Equal(t, "storage_failed", lending.ErrorType(errors.New("disk full")))
}
