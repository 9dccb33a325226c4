package lending

import (
	"context"
	"time"
)

// Logger interface for operational messages, warnings and error reporting.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ContextualLogger interface for context-aware logging with trace correlation.
type ContextualLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// MetricsCollector interface for collecting lending performance and operational metrics.
type MetricsCollector interface {
	RecordDuration(metric string, duration time.Duration, labels map[string]string)
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// ContextualMetricsCollector extends MetricsCollector with context-aware methods.
// It is optional: components use the context-aware methods when available and
// fall back to the base MetricsCollector otherwise.
type ContextualMetricsCollector interface {
	MetricsCollector
	RecordDurationContext(ctx context.Context, metric string, duration time.Duration, labels map[string]string)
	IncrementCounterContext(ctx context.Context, metric string, labels map[string]string)
	RecordValueContext(ctx context.Context, metric string, value float64, labels map[string]string)
}

// SpanContext represents an active tracing span that can be finished and updated with attributes.
type SpanContext interface {
	SetStatus(status string)
	AddAttribute(key, value string)
}

// TracingCollector interface for collecting distributed tracing information from lending operations.
type TracingCollector interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, SpanContext)
	FinishSpan(spanCtx SpanContext, status string, attrs map[string]string)
}

// Metric names and label values shared by all components.
const (
	MetricOperationDuration      = "lending_operation_duration_seconds"
	MetricOperationCalls         = "lending_operation_calls_total"
	MetricCompensations          = "lending_compensations_total"
	MetricReleaseReconciliations = "lending_release_reconciliations_total"
	MetricOverdueTransitions     = "lending_overdue_transitions_total"
	MetricJournalSpooled         = "lending_journal_spooled_total"
	MetricRetries                = "lending_retries_total"
	MetricStorageErrors          = "lending_storage_errors_total"
	LabelOperation               = "operation"
	LabelStatus                  = "status"
	LabelErrorType               = "error_type"
	StatusSuccess                = "success"
	StatusError                  = "error"
)

// Observer bundles the optional observability collaborators of a component and
// the helpers that tolerate their absence.
type Observer struct {
	Logger           Logger
	ContextualLogger ContextualLogger
	Metrics          MetricsCollector
	Tracing          TracingCollector
}

// Info logs at info level through the contextual logger when present, else the plain logger.
func (o Observer) Info(ctx context.Context, msg string, args ...any) {
	switch {
	case o.ContextualLogger != nil:
		o.ContextualLogger.InfoContext(ctx, msg, args...)
	case o.Logger != nil:
		o.Logger.Info(msg, args...)
	}
}

// Debug logs at debug level.
func (o Observer) Debug(ctx context.Context, msg string, args ...any) {
	switch {
	case o.ContextualLogger != nil:
		o.ContextualLogger.DebugContext(ctx, msg, args...)
	case o.Logger != nil:
		o.Logger.Debug(msg, args...)
	}
}

// Warn logs at warn level.
func (o Observer) Warn(ctx context.Context, msg string, args ...any) {
	switch {
	case o.ContextualLogger != nil:
		o.ContextualLogger.WarnContext(ctx, msg, args...)
	case o.Logger != nil:
		o.Logger.Warn(msg, args...)
	}
}

// Error logs err at error level with the "error" attribute first.
func (o Observer) Error(ctx context.Context, msg string, err error, args ...any) {
	allArgs := append([]any{"error", err.Error()}, args...)

	switch {
	case o.ContextualLogger != nil:
		o.ContextualLogger.ErrorContext(ctx, msg, allArgs...)
	case o.Logger != nil:
		o.Logger.Error(msg, allArgs...)
	}
}

// Count increments a counter metric.
func (o Observer) Count(ctx context.Context, metric string, labels map[string]string) {
	if o.Metrics == nil {
		return
	}

	if contextual, ok := o.Metrics.(ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	o.Metrics.IncrementCounter(metric, labels)
}

// Duration records a duration metric.
func (o Observer) Duration(ctx context.Context, metric string, d time.Duration, labels map[string]string) {
	if o.Metrics == nil {
		return
	}

	if contextual, ok := o.Metrics.(ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metric, d, labels)
		return
	}

	o.Metrics.RecordDuration(metric, d, labels)
}

// Value records a gauge-like value metric.
func (o Observer) Value(ctx context.Context, metric string, v float64, labels map[string]string) {
	if o.Metrics == nil {
		return
	}

	if contextual, ok := o.Metrics.(ContextualMetricsCollector); ok {
		contextual.RecordValueContext(ctx, metric, v, labels)
		return
	}

	o.Metrics.RecordValue(metric, v, labels)
}

// Operation starts a traced, timed operation. The returned finish function records
// the duration and call count and closes the span with the outcome of err.
func (o Observer) Operation(
	ctx context.Context,
	name string,
	attrs map[string]string,
) (context.Context, func(err error)) {
	start := time.Now()

	var span SpanContext
	if o.Tracing != nil {
		ctx, span = o.Tracing.StartSpan(ctx, name, attrs)
	}

	return ctx, func(err error) {
		labels := map[string]string{LabelOperation: name, LabelStatus: StatusSuccess}
		if err != nil {
			labels[LabelStatus] = StatusError
			labels[LabelErrorType] = ErrorType(err)
		}

		o.Duration(ctx, MetricOperationDuration, time.Since(start), labels)
		o.Count(ctx, MetricOperationCalls, labels)

		if o.Tracing != nil && span != nil {
			finishAttrs := map[string]string{}
			if err != nil {
				finishAttrs[LabelErrorType] = labels[LabelErrorType]
			}

			o.Tracing.FinishSpan(span, labels[LabelStatus], finishAttrs)
		}
	}
}

// ErrorType returns a short metric label for the kind of err.
func ErrorType(err error) string {
	switch Classify(err) {
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrQuotaExceeded:
		return "quota_exceeded"
	case ErrRenewalLimitExceeded:
		return "renewal_limit_exceeded"
	case ErrRenewalTooLate:
		return "renewal_too_late"
	case ErrInvalidState:
		return "invalid_state"
	case ErrSubscriptionExpired:
		return "subscription_expired"
	case ErrBranchMismatch:
		return "branch_mismatch"
	case ErrUnknownBranch:
		return "unknown_branch"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrShardUnavailable:
		return "shard_unavailable"
	default:
		return "storage_failed"
	}
}
