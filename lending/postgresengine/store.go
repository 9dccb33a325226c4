package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/postgresengine/internal/adapters"
)

const (
	defaultCopiesTable       = "copies"
	defaultLoansTable        = "loans"
	defaultTransactionsTable = "transactions"
	defaultMembersTable      = "members"
	defaultBooksTable        = "books"
	dialectPostgres          = "postgres"

	metricQueryDuration = "lending_storage_query_duration_seconds"

	logMsgBuildQueryFailed = "failed to build sql"
	logMsgDBQueryFailed    = "database query execution failed"
	logMsgDBExecFailed     = "database statement execution failed"
	logMsgScanRowFailed    = "failed to scan database row"
	logMsgCloseRowsFailed  = "failed to close database rows"
	logMsgSQLExecuted      = "executed sql for: "
	logAttrQuery           = "query"
	logAttrDurationMS      = "duration_ms"
	logAttrAction          = "action"
)

// Store implements lending.ShardStore on one PostgreSQL node. Opened on the
// catalog database it also serves lending.MemberDirectory and lending.BookCatalog.
type Store struct {
	db                adapters.DBAdapter
	copiesTable       string
	loansTable        string
	transactionsTable string
	membersTable      string
	booksTable        string
	observer          lending.Observer
}

// Option defines a functional option for configuring the Store.
type Option func(*Store) error

// WithTableNames overrides the default table names.
func WithTableNames(copies, loans, transactions string) Option {
	return func(s *Store) error {
		if copies == "" || loans == "" || transactions == "" {
			return lending.ErrEmptyTableName
		}

		s.copiesTable, s.loansTable, s.transactionsTable = copies, loans, transactions

		return nil
	}
}

// WithCatalogTableNames overrides the default member and book table names.
func WithCatalogTableNames(members, books string) Option {
	return func(s *Store) error {
		if members == "" || books == "" {
			return lending.ErrEmptyTableName
		}

		s.membersTable, s.booksTable = members, books

		return nil
	}
}

// WithLogger sets the logger for the Store.
//
// Debug level: SQL statements with execution timing
// Error level: failed statements.
func WithLogger(logger lending.Logger) Option {
	return func(s *Store) error {
		s.observer.Logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger for the Store.
func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(s *Store) error {
		s.observer.ContextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Store. It records statement
// durations and storage errors.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(s *Store) error {
		s.observer.Metrics = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Store. Every statement becomes a span.
func WithTracing(collector lending.TracingCollector) Option {
	return func(s *Store) error {
		s.observer.Tracing = collector
		return nil
	}
}

// NewStoreFromPGXPool creates a Store using a pgx Pool.
func NewStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (*Store, error) {
	if db == nil {
		return nil, lending.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewPGXAdapter(db), options...)
}

// NewStoreFromSQLDB creates a Store using a sql.DB.
func NewStoreFromSQLDB(db *sql.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, lending.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLAdapter(db), options...)
}

// NewStoreFromSQLX creates a Store using a sqlx.DB.
func NewStoreFromSQLX(db *sqlx.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, lending.ErrNilDatabaseConnection
	}

	return newStore(adapters.NewSQLXAdapter(db), options...)
}

func newStore(db adapters.DBAdapter, options ...Option) (*Store, error) {
	s := &Store{
		db:                db,
		copiesTable:       defaultCopiesTable,
		loansTable:        defaultLoansTable,
		transactionsTable: defaultTransactionsTable,
		membersTable:      defaultMembersTable,
		booksTable:        defaultBooksTable,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

/***** statement execution *****/

// sqlBuilder is satisfied by every goqu dataset.
type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func builder() goqu.DialectWrapper {
	return goqu.Dialect(dialectPostgres)
}

// query runs a SELECT (or a statement with RETURNING) and hands every row to scan.
func (s *Store) query(
	ctx context.Context,
	action string,
	stmt sqlBuilder,
	scan func(rows adapters.DBRows) error,
) (err error) {
	sqlQuery, err := s.toSQL(action, stmt)
	if err != nil {
		return err
	}

	ctx, finish := s.startStatement(ctx, action)
	defer func() { finish(err) }()

	start := time.Now()
	rows, err := s.db.Query(ctx, sqlQuery)
	s.logStatement(ctx, sqlQuery, action, time.Since(start))

	if err != nil {
		s.observer.Error(ctx, logMsgDBQueryFailed, err, logAttrAction, action, logAttrQuery, sqlQuery)
		return classify(err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.observer.Warn(ctx, logMsgCloseRowsFailed, "error", closeErr.Error())
		}
	}()

	for rows.Next() {
		if err := scan(rows); err != nil {
			s.observer.Error(ctx, logMsgScanRowFailed, err, logAttrAction, action)
			return errors.Join(lending.ErrStorageFailed, err)
		}
	}

	if err := rows.Err(); err != nil {
		return classify(err)
	}

	return nil
}

// exec runs a statement and returns the number of affected rows.
func (s *Store) exec(ctx context.Context, action string, stmt sqlBuilder) (affected int64, err error) {
	sqlQuery, err := s.toSQL(action, stmt)
	if err != nil {
		return 0, err
	}

	ctx, finish := s.startStatement(ctx, action)
	defer func() { finish(err) }()

	start := time.Now()
	result, err := s.db.Exec(ctx, sqlQuery)
	s.logStatement(ctx, sqlQuery, action, time.Since(start))

	if err != nil {
		s.observer.Error(ctx, logMsgDBExecFailed, err, logAttrAction, action, logAttrQuery, sqlQuery)
		return 0, classify(err)
	}

	affected, err = result.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}

	return affected, nil
}

func (s *Store) toSQL(action string, stmt sqlBuilder) (string, error) {
	sqlQuery, _, err := stmt.ToSQL()
	if err != nil {
		s.observer.Error(context.Background(), logMsgBuildQueryFailed, err, logAttrAction, action)
		return "", errors.Join(lending.ErrStorageFailed, err)
	}

	return sqlQuery, nil
}

// startStatement opens a span for one statement and returns the function that
// records its outcome.
func (s *Store) startStatement(ctx context.Context, action string) (context.Context, func(err error)) {
	start := time.Now()

	var span lending.SpanContext
	if s.observer.Tracing != nil {
		ctx, span = s.observer.Tracing.StartSpan(ctx, "postgres."+action, map[string]string{lending.LabelOperation: action})
	}

	return ctx, func(err error) {
		labels := map[string]string{lending.LabelOperation: action, lending.LabelStatus: lending.StatusSuccess}

		// lost compare-and-set races and missing rows are outcomes, not failures
		if err != nil && !errors.Is(err, lending.ErrConcurrencyConflict) && !errors.Is(err, lending.ErrNotFound) {
			labels[lending.LabelStatus] = lending.StatusError
			labels[lending.LabelErrorType] = lending.ErrorType(err)
			s.observer.Count(ctx, lending.MetricStorageErrors, labels)
		}

		s.observer.Duration(ctx, metricQueryDuration, time.Since(start), labels)

		if span != nil {
			s.observer.Tracing.FinishSpan(span, labels[lending.LabelStatus], nil)
		}
	}
}

func (s *Store) logStatement(ctx context.Context, sqlQuery, action string, d time.Duration) {
	s.observer.Debug(ctx, logMsgSQLExecuted+action, logAttrDurationMS, toMilliseconds(d), logAttrQuery, sqlQuery)
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
