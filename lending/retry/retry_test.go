package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/retry"
	"github.com/bachducanh/E-Library/testutil/helper"
)

func fast() []retry.Option {
	return []retry.Option{retry.WithBaseDelay(time.Millisecond), retry.WithJitterFactor(0)}
}

func Test_WithExponentialBackoff_Success_NoRetries(t *testing.T) {
	callCount := 0

	metrics, err := retry.WithExponentialBackoff(context.Background(), func(_ context.Context) error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, 1, metrics.Attempts)
	assert.Equal(t, time.Duration(0), metrics.TotalDelay)
	assert.Equal(t, "none", metrics.LastErrorType)
}

func Test_WithExponentialBackoff_RetriesShardUnavailable(t *testing.T) {
	callCount := 0

	metrics, err := retry.WithExponentialBackoff(context.Background(), func(_ context.Context) error {
		callCount++
		if callCount < 3 {
			return lending.ErrShardUnavailable
		}
		return nil
	}, fast()...)

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, 3, metrics.Attempts)
	assert.Greater(t, metrics.TotalDelay, time.Duration(0))
	assert.False(t, metrics.RetriesExhausted)
}

func Test_WithExponentialBackoff_PolicyErrorsFailFast(t *testing.T) {
	callCount := 0

	metrics, err := retry.WithExponentialBackoff(context.Background(), func(_ context.Context) error {
		callCount++
		return lending.ErrQuotaExceeded
	}, fast()...)

	assert.ErrorIs(t, err, lending.ErrQuotaExceeded)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, "quota_exceeded", metrics.LastErrorType)
}

func Test_WithExponentialBackoff_StorageFailuresFailFast(t *testing.T) {
	callCount := 0

	metrics, err := retry.WithExponentialBackoff(context.Background(), func(_ context.Context) error {
		callCount++
		return lending.NewOperationError("release_copy", errors.Join(lending.ErrStorageFailed, errors.New("permission denied")))
	}, fast()...)

	assert.ErrorIs(t, err, lending.ErrStorageFailed)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, "storage_failed", metrics.LastErrorType)
}

func Test_WithExponentialBackoff_ExhaustsAttempts(t *testing.T) {
	spy := helper.NewMetricsCollectorSpy()
	callCount := 0

	metrics, err := retry.WithExponentialBackoff(context.Background(), func(_ context.Context) error {
		callCount++
		return lending.ErrShardUnavailable
	}, append(fast(),
		retry.WithMaxAttempts(4),
		retry.WithObserver(lending.Observer{Metrics: spy}, "create_loan"),
	)...)

	assert.ErrorIs(t, err, lending.ErrShardUnavailable)
	assert.Equal(t, 4, callCount)
	assert.True(t, metrics.RetriesExhausted)
	assert.Len(t, spy.CountersNamed(lending.MetricRetries), 3)
	assert.True(t, spy.HasCounterRecordWithLabels(lending.MetricRetries, map[string]string{
		lending.LabelOperation: "create_loan",
		"attempt_number":       "1",
	}))
}

func Test_WithExponentialBackoff_AttemptTimeoutCountsAsShardUnavailable(t *testing.T) {
	callCount := 0

	_, err := retry.WithExponentialBackoff(context.Background(), func(ctx context.Context) error {
		callCount++
		if callCount == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, append(fast(), retry.WithAttemptTimeout(5*time.Millisecond))...)

	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func Test_WithExponentialBackoff_StopsOnCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	_, err := retry.WithExponentialBackoff(ctx, func(_ context.Context) error {
		cancel()
		return lending.ErrShardUnavailable
	}, retry.WithBaseDelay(time.Second))

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, lending.ErrShardUnavailable)
}

func Test_WithExponentialBackoff_InvalidOptions(t *testing.T) {
	fn := func(_ context.Context) error { return nil }

	tests := []struct {
		option   retry.Option
		expected error
	}{
		{retry.WithMaxAttempts(0), retry.ErrInvalidMaxAttempts},
		{retry.WithBaseDelay(-time.Millisecond), retry.ErrNegativeDelay},
		{retry.WithJitterFactor(1.5), retry.ErrInvalidJitterFactor},
		{retry.WithObserver(lending.Observer{}, ""), retry.ErrEmptyOperation},
	}

	for _, tt := range tests {
		_, err := retry.WithExponentialBackoff(context.Background(), fn, tt.option)
		require.Error(t, err)
		assert.True(t, errors.Is(err, tt.expected))
	}
}
