package lending

import (
	"context"
	"time"
)

// ConsistencyLevel defines which copy of a shard a read may be served from.
type ConsistencyLevel int

const (
	// StrongConsistency requires reads from the shard primary. This is the default
	// so that read-check-write sequences always see their own writes.
	StrongConsistency ConsistencyLevel = iota

	// BoundedStaleness allows reads from a secondary whose replication lag is
	// within the bound carried by the context.
	BoundedStaleness
)

// contextKey is a private type to prevent context key collisions.
type contextKey string

const (
	consistencyLevelKey contextKey = "lending.consistency_level"
	stalenessBoundKey   contextKey = "lending.staleness_bound"
)

// WithStrongConsistency returns a context that routes reads to the shard primary.
func WithStrongConsistency(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistencyLevelKey, StrongConsistency)
}

// WithBoundedStaleness returns a context that lets reads be served by a secondary
// lagging at most maxLag behind its primary.
//
// Example usage:
//
//	ctx = lending.WithBoundedStaleness(ctx, 5*time.Second)
//	availability, err := registry.Availability(ctx, bookID)
func WithBoundedStaleness(ctx context.Context, maxLag time.Duration) context.Context {
	ctx = context.WithValue(ctx, consistencyLevelKey, BoundedStaleness)
	return context.WithValue(ctx, stalenessBoundKey, maxLag)
}

// GetConsistencyLevel extracts the consistency level from the context,
// defaulting to StrongConsistency.
func GetConsistencyLevel(ctx context.Context) ConsistencyLevel {
	if level, ok := ctx.Value(consistencyLevelKey).(ConsistencyLevel); ok {
		return level
	}

	return StrongConsistency
}

// GetStalenessBound returns the maximum tolerated replication lag, or false when
// the context requires strong consistency.
func GetStalenessBound(ctx context.Context) (time.Duration, bool) {
	if GetConsistencyLevel(ctx) != BoundedStaleness {
		return 0, false
	}

	bound, ok := ctx.Value(stalenessBoundKey).(time.Duration)

	return bound, ok
}

// String provides a string representation of ConsistencyLevel for logging.
func (c ConsistencyLevel) String() string {
	switch c {
	case StrongConsistency:
		return "strong"
	case BoundedStaleness:
		return "bounded_staleness"
	default:
		return "unknown"
	}
}
