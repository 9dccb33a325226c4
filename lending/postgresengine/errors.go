package postgresengine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/bachducanh/E-Library/lending"
)

const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateAdminShutdown        = "57P01"
	sqlStateCannotConnectNow     = "57P03"
	sqlStateReadOnlyTransaction  = "25006"
	sqlClassConnectionException  = "08"
)

// classify joins err with the lending error kind it represents. Failures that a
// retry against the same or a promoted node may cure count as
// lending.ErrShardUnavailable; everything else is lending.ErrStorageFailed.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch code := sqlState(err); {
	case code == sqlStateUniqueViolation:
		return errors.Join(lending.ErrConflict, err)
	case strings.HasPrefix(code, sqlClassConnectionException),
		code == sqlStateSerializationFailure,
		code == sqlStateDeadlockDetected,
		code == sqlStateAdminShutdown,
		code == sqlStateCannotConnectNow,
		code == sqlStateReadOnlyTransaction:
		return errors.Join(lending.ErrShardUnavailable, err)
	}

	var netErr net.Error

	switch {
	case pgconn.Timeout(err),
		pgconn.SafeToRetry(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &netErr):
		return errors.Join(lending.ErrShardUnavailable, err)
	default:
		return errors.Join(lending.ErrStorageFailed, err)
	}
}

// sqlState extracts the SQLSTATE from pgx and lib/pq errors.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}
