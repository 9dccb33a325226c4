// Package config manages lendingd configuration.
//
// Configuration is loaded from environment variables and checked as a whole:
//
//	cfg, err := config.Load()
//	if err == nil {
//		err = cfg.Validate()
//	}
//
// # Environment Variables
//
//	LENDING_HTTP_ADDR                  - listen address (default: :8080)
//	LENDING_LOG_LEVEL                  - debug, info, warn or error (default: info)
//	LENDING_DB_DRIVER                  - pgx, sql or sqlx (default: pgx)
//	LENDING_SHARD_COUNT                - number of shards (default: 1)
//	LENDING_SHARD_<n>_PRIMARY_DSN      - primary of shard n
//	LENDING_SHARD_<n>_REPLICA_DSNS     - comma separated secondaries of shard n
//	LENDING_CATALOG_DSN                - members and books (default: primary of shard 0)
//	LENDING_BRANCH_RANGES              - branch to shard assignment, e.g. HN=0;DN=0,1@2026-01-01T00:00:00Z
//	LENDING_STALENESS_BOUND            - replication lag tolerated for reads (default: 5s)
//	LENDING_STEP_TIMEOUT               - deadline of one saga step (default: 2s)
//	LENDING_CROSS_BRANCH               - allow borrowing outside the home branch (default: false)
//	LENDING_SPOOL_PATH                 - SQLite file spooling journal entries during outages
//	LENDING_SWEEP_INTERVAL             - overdue sweep period (default: 1m)
//	LENDING_RECONCILE_INTERVAL         - pending release retry period (default: 30s)
//	LENDING_HEALTH_INTERVAL            - shard probe period (default: 5s)
//	LENDING_DRAIN_INTERVAL             - journal spool drain period (default: 10s)
//	LENDING_LEADER_LOCK_KEY            - advisory lock key of the sweep leader (default: 4242)
package config
