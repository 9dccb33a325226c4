package postgresengine

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bachducanh/E-Library/lending"
)

const (
	sqlTryAdvisoryLock = "SELECT pg_try_advisory_lock($1)"
	sqlAdvisoryUnlock  = "SELECT pg_advisory_unlock($1)"
)

// AdvisoryLockElector elects a single overdue sweeper per deployment with a
// session-level advisory lock. The lock lives as long as the dedicated
// connection, so a crashed leader releases it when its session ends.
type AdvisoryLockElector struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
	held bool
}

// NewAdvisoryLockElector creates an elector competing for the lock key.
func NewAdvisoryLockElector(pool *pgxpool.Pool, key int64) (*AdvisoryLockElector, error) {
	if pool == nil {
		return nil, lending.ErrNilDatabaseConnection
	}

	return &AdvisoryLockElector{pool: pool, key: key}, nil
}

// IsLeader tries to take the lock unless it is already held, in which case it
// verifies the session still exists.
func (e *AdvisoryLockElector) IsLeader(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		conn, err := e.pool.Acquire(ctx)
		if err != nil {
			return false, classify(err)
		}

		e.conn = conn
	}

	if e.held {
		if err := e.conn.Ping(ctx); err != nil {
			e.dropConn()
			return false, classify(err)
		}

		return true, nil
	}

	var acquired bool
	if err := e.conn.QueryRow(ctx, sqlTryAdvisoryLock, e.key).Scan(&acquired); err != nil {
		e.dropConn()
		return false, classify(err)
	}

	e.held = acquired

	return acquired, nil
}

// Close gives up the lock and returns the connection to the pool.
func (e *AdvisoryLockElector) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}

	var err error
	if e.held {
		_, err = e.conn.Exec(ctx, sqlAdvisoryUnlock, e.key)
	}

	e.conn.Release()
	e.conn, e.held = nil, false

	return classify(err)
}

func (e *AdvisoryLockElector) dropConn() {
	// a broken session lost the lock with it; closing makes the pool discard the conn
	_ = e.conn.Conn().Close(context.Background())
	e.conn.Release()
	e.conn, e.held = nil, false
}
