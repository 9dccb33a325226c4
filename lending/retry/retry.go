// Package retry runs an operation with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/bachducanh/E-Library/lending"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 20 * time.Millisecond
	defaultMaxDelay     = time.Second
	defaultJitterFactor = 0.3
	labelAttempt        = "attempt_number"
)

var (
	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrNegativeDelay       = errors.New("delay must not be negative")
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
	ErrEmptyOperation      = errors.New("operation name must not be empty")
)

// Func is one attempt of a retryable operation.
type Func func(ctx context.Context) error

// Metrics describes what happened during a retried call.
type Metrics struct {
	Attempts         int
	TotalDelay       time.Duration
	LastErrorType    string
	RetriesExhausted bool
}

type config struct {
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	jitterFactor   float64
	attemptTimeout time.Duration
	retryable      func(error) bool
	observer       lending.Observer
	operation      string
}

// Option configures retry behavior.
type Option func(*config) error

// WithExponentialBackoff executes fn, retrying retryable failures with delays of
// baseDelay, 2×baseDelay, 4×baseDelay … capped at maxDelay, each plus up to
// jitterFactor of itself. By default only errors for which lending.IsRetryable
// holds are retried; everything else fails fast.
func WithExponentialBackoff(ctx context.Context, fn Func, options ...Option) (Metrics, error) {
	cfg := &config{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		maxDelay:     defaultMaxDelay,
		jitterFactor: defaultJitterFactor,
		retryable:    lending.IsRetryable,
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return Metrics{}, err
		}
	}

	var (
		metrics Metrics
		lastErr error
	)

	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.backoff(attempt)
			metrics.TotalDelay += delay

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				metrics.LastErrorType = errorType(ctx.Err())
				return metrics, errors.Join(ctx.Err(), lastErr)
			}
		}

		metrics.Attempts++
		lastErr = cfg.run(ctx, fn)
		metrics.LastErrorType = errorType(lastErr)

		if lastErr == nil {
			return metrics, nil
		}

		if !cfg.retryable(lastErr) {
			return metrics, lastErr
		}

		if attempt < cfg.maxAttempts-1 {
			cfg.observer.Count(ctx, lending.MetricRetries, map[string]string{
				lending.LabelOperation: cfg.operation,
				labelAttempt:           strconv.Itoa(attempt + 1),
				lending.LabelErrorType: metrics.LastErrorType,
			})
		}
	}

	metrics.RetriesExhausted = true

	return metrics, lastErr
}

func (cfg *config) run(ctx context.Context, fn Func) error {
	if cfg.attemptTimeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.attemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// the step timed out, not the caller: treat like an unreachable shard
		return errors.Join(lending.ErrShardUnavailable, err)
	}

	return err
}

func (cfg *config) backoff(attempt int) time.Duration {
	delay := cfg.baseDelay << (attempt - 1)
	if delay > cfg.maxDelay || delay <= 0 {
		delay = cfg.maxDelay
	}

	jitter := rand.Float64() * float64(delay) * cfg.jitterFactor //nolint:gosec // math/rand is sufficient for jitter

	return delay + time.Duration(jitter)
}

func errorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, lending.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, lending.ErrShardUnavailable):
		return "context_deadline_exceeded"
	default:
		return lending.ErrorType(err)
	}
}

// WithMaxAttempts sets the maximum number of attempts, including the first.
func WithMaxAttempts(attempts int) Option {
	return func(cfg *config) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}

		cfg.maxAttempts = attempts

		return nil
	}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(delay time.Duration) Option {
	return func(cfg *config) error {
		if delay < 0 {
			return ErrNegativeDelay
		}

		cfg.baseDelay = delay

		return nil
	}
}

// WithMaxDelay caps a single backoff delay before jitter.
func WithMaxDelay(delay time.Duration) Option {
	return func(cfg *config) error {
		if delay < 0 {
			return ErrNegativeDelay
		}

		cfg.maxDelay = delay

		return nil
	}
}

// WithJitterFactor sets the jitter as a fraction of the backoff delay, between 0.0 and 1.0.
func WithJitterFactor(factor float64) Option {
	return func(cfg *config) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}

		cfg.jitterFactor = factor

		return nil
	}
}

// WithAttemptTimeout bounds each attempt. An attempt that hits the timeout while
// the caller's context is still live counts as lending.ErrShardUnavailable.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout < 0 {
			return ErrNegativeDelay
		}

		cfg.attemptTimeout = timeout

		return nil
	}
}

// WithRetryable replaces the retry predicate.
func WithRetryable(retryable func(error) bool) Option {
	return func(cfg *config) error {
		cfg.retryable = retryable
		return nil
	}
}

// WithObserver records lending.MetricRetries for each retry, labelled by operation.
func WithObserver(observer lending.Observer, operation string) Option {
	return func(cfg *config) error {
		if operation == "" {
			return ErrEmptyOperation
		}

		cfg.observer = observer
		cfg.operation = operation

		return nil
	}
}
