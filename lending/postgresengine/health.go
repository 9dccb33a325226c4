package postgresengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/postgresengine/internal/adapters"
)

// replicationLagExpr yields 0 on a primary and -1 on a standby that has not replayed anything yet.
const replicationLagExpr = "CASE WHEN pg_is_in_recovery() " +
	"THEN COALESCE(EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()), -1) " +
	"ELSE 0 END::float8"

// Ping implements lending.HealthProbe.
func (s *Store) Ping(ctx context.Context) error {
	ctx, finish := s.startStatement(ctx, "ping")

	err := s.db.Ping(ctx)
	if err != nil {
		err = classify(err)
	}

	finish(err)

	return err
}

// ReplicationLag implements lending.ReplicationProbe. A standby that never
// replayed a transaction reports an error so the router does not trust it.
func (s *Store) ReplicationLag(ctx context.Context) (time.Duration, error) {
	stmt := builder().Select(goqu.L(replicationLagExpr))

	seconds := math.NaN()

	err := s.query(ctx, "replication_lag", stmt, func(rows adapters.DBRows) error {
		return rows.Scan(&seconds)
	})
	if err != nil {
		return 0, err
	}

	switch {
	case math.IsNaN(seconds):
		return 0, errors.Join(lending.ErrStorageFailed, errors.New("replication lag query returned no row"))
	case seconds < 0:
		return 0, fmt.Errorf("%w: standby has not replayed any transaction", lending.ErrShardUnavailable)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}
