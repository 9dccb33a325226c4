// Package postgresengine stores one lending shard in PostgreSQL.
//
// A Store wraps one node of a shard replica set (primary or secondary) and
// implements lending.ShardStore, lending.HealthProbe and lending.ReplicationProbe.
// The router builds one Store per node. All SQL is generated with goqu's
// postgres dialect and runs through one of three adapters (pgx, sql.DB, sqlx).
//
// Copy status changes are single conditional UPDATE statements, so the row lock
// serializes concurrent reservations of the same copy. Loans are swapped on
// (status, renew_count). Driver errors are classified into lending error kinds:
// unique violations become lending.ErrConflict, connection loss, failover and
// serialization failures become lending.ErrShardUnavailable.
//
// Usage examples:
//
//	pool, _ := pgxpool.New(ctx, dsn)
//	store, _ := postgresengine.NewStoreFromPGXPool(
//		pool,
//		postgresengine.WithLogger(logger),
//		postgresengine.WithMetrics(metrics),
//	)
//	_ = store.Migrate(ctx)
//
//	elector, _ := postgresengine.NewAdvisoryLockElector(pool, 4242)
//	scanner := overdue.New(router, txJournal, overdue.WithElector(elector))
package postgresengine
