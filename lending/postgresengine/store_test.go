package postgresengine_test

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/postgresengine"
	"github.com/bachducanh/E-Library/lending/postgresengine/internal/adapters"
	"github.com/bachducanh/E-Library/testutil/helper"
)

/***** scripted adapter *****/

// scriptedResult answers one Query or Exec call, in call order.
type scriptedResult struct {
	rows     [][]any
	affected int64
	err      error
}

type scriptedDB struct {
	mu         sync.Mutex
	statements []string
	script     []scriptedResult
	pingErr    error
}

func (db *scriptedDB) next(statement string) scriptedResult {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.statements = append(db.statements, statement)
	if len(db.script) == 0 {
		return scriptedResult{}
	}

	result := db.script[0]
	db.script = db.script[1:]

	return result
}

func (db *scriptedDB) Query(_ context.Context, query string) (adapters.DBRows, error) {
	result := db.next(query)
	if result.err != nil {
		return nil, result.err
	}

	return &scriptedRows{rows: result.rows, pos: -1}, nil
}

func (db *scriptedDB) Exec(_ context.Context, query string) (adapters.DBResult, error) {
	result := db.next(query)
	if result.err != nil {
		return nil, result.err
	}

	return scriptedAffected(result.affected), nil
}

func (db *scriptedDB) Ping(_ context.Context) error {
	return db.pingErr
}

func (db *scriptedDB) Statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()

	return append([]string(nil), db.statements...)
}

type scriptedAffected int64

func (a scriptedAffected) RowsAffected() (int64, error) {
	return int64(a), nil
}

type scriptedRows struct {
	rows [][]any
	pos  int
}

func (r *scriptedRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *scriptedRows) Scan(dest ...any) error {
	row := r.rows[r.pos]
	if len(row) != len(dest) {
		return errors.New("column count mismatch")
	}

	for i, value := range row {
		target := reflect.ValueOf(dest[i]).Elem()
		if value == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}

		target.Set(reflect.ValueOf(value))
	}

	return nil
}

func (r *scriptedRows) Err() error   { return nil }
func (r *scriptedRows) Close() error { return nil }

func givenStore(t *testing.T, script ...scriptedResult) (*postgresengine.Store, *scriptedDB) {
	t.Helper()

	db := &scriptedDB{script: script}
	store, err := postgresengine.NewStoreWithAdapter(db)
	require.NoError(t, err, "error in arranging test data")

	return store, db
}

func copyRow(id string, status lending.CopyStatus, loanID string) []any {
	return []any{id, "B1", "HN", "BC" + id[2:], string(status), string(lending.ConditionGood), loanID}
}

func loanRow(loan lending.Loan) []any {
	return []any{
		loan.ID, loan.BookID, loan.CopyID, loan.MemberID, loan.BranchID,
		loan.BorrowedAt, loan.DueAt, loan.ReturnedAt, int64(loan.RenewCount), string(loan.Status), loan.ReleasePending,
	}
}

func someLoan() lending.Loan {
	borrowedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	return lending.Loan{
		ID:         lending.NewLoanID("HN", borrowedAt),
		BookID:     "B1",
		CopyID:     "CP0123456789ab",
		MemberID:   "M1",
		BranchID:   "HN",
		BorrowedAt: borrowedAt,
		DueAt:      borrowedAt.AddDate(0, 0, 14),
		Status:     lending.LoanActive,
	}
}

/***** construction *****/

func Test_NewStore_RejectsNilConnections(t *testing.T) {
	_, err := postgresengine.NewStoreFromPGXPool(nil)
	assert.ErrorIs(t, err, lending.ErrNilDatabaseConnection)

	_, err = postgresengine.NewStoreFromSQLDB(nil)
	assert.ErrorIs(t, err, lending.ErrNilDatabaseConnection)

	_, err = postgresengine.NewStoreFromSQLX(nil)
	assert.ErrorIs(t, err, lending.ErrNilDatabaseConnection)

	_, err = postgresengine.NewAdvisoryLockElector(nil, 1)
	assert.ErrorIs(t, err, lending.ErrNilDatabaseConnection)
}

func Test_WithTableNames_RejectsEmptyNames(t *testing.T) {
	_, err := postgresengine.NewStoreWithAdapter(&scriptedDB{}, postgresengine.WithTableNames("copies", "", "tx"))
	assert.ErrorIs(t, err, lending.ErrEmptyTableName)

	_, err = postgresengine.NewStoreWithAdapter(&scriptedDB{}, postgresengine.WithCatalogTableNames("", "books"))
	assert.ErrorIs(t, err, lending.ErrEmptyTableName)
}

func Test_WithTableNames_AreUsedInStatements(t *testing.T) {
	// arrange
	db := &scriptedDB{script: []scriptedResult{{rows: [][]any{copyRow("CP0123456789ab", lending.CopyAvailable, "")}}}}
	store, err := postgresengine.NewStoreWithAdapter(db, postgresengine.WithTableNames("hn_copies", "hn_loans", "hn_tx"))
	require.NoError(t, err)

	// act
	_, err = store.GetCopy(context.Background(), "CP0123456789ab")

	// assert
	require.NoError(t, err)
	assert.Contains(t, db.Statements()[0], `FROM "hn_copies"`)
}

/***** copies *****/

func Test_CompareAndSetCopy_IsOneConditionalUpdate(t *testing.T) {
	// arrange
	store, db := givenStore(t, scriptedResult{rows: [][]any{copyRow("CP0123456789ab", lending.CopyAvailable, "")}})

	// act
	updated, err := store.CompareAndSetCopy(
		context.Background(), "CP0123456789ab",
		lending.CopyState{Status: lending.CopyBorrowed, LoanID: "LN-HN-1"},
		lending.CopyState{Status: lending.CopyAvailable},
	)

	// assert
	require.NoError(t, err)
	assert.Equal(t, lending.CopyAvailable, updated.Status)
	assert.Empty(t, updated.LoanID)
	require.Len(t, db.Statements(), 1)
	statement := db.Statements()[0]
	assert.Contains(t, statement, `UPDATE "copies"`)
	assert.Contains(t, statement, `("id" = 'CP0123456789ab')`)
	assert.Contains(t, statement, `("status" = 'borrowed')`)
	assert.Contains(t, statement, `("loan_id" = 'LN-HN-1')`)
	assert.Contains(t, statement, "RETURNING")
}

func Test_CompareAndSetCopy_ReportsConflictWithCurrentCopy(t *testing.T) {
	// arrange
	store, db := givenStore(t,
		scriptedResult{},
		scriptedResult{rows: [][]any{copyRow("CP0123456789ab", lending.CopyBorrowed, "LN-HN-2")}},
	)

	// act
	current, err := store.CompareAndSetCopy(
		context.Background(), "CP0123456789ab",
		lending.CopyState{Status: lending.CopyBorrowed, LoanID: "LN-HN-1"},
		lending.CopyState{Status: lending.CopyAvailable},
	)

	// assert
	assert.ErrorIs(t, err, lending.ErrConcurrencyConflict)
	assert.Equal(t, lending.CopyBorrowed, current.Status)
	assert.Equal(t, "LN-HN-2", current.LoanID)
	assert.Len(t, db.Statements(), 2)
}

func Test_CompareAndSetCopy_UnknownCopy(t *testing.T) {
	// arrange
	store, _ := givenStore(t, scriptedResult{}, scriptedResult{})

	// act
	_, err := store.CompareAndSetCopy(
		context.Background(), "CP000000000000",
		lending.CopyState{Status: lending.CopyAvailable},
		lending.CopyState{Status: lending.CopyBorrowed, LoanID: "LN-HN-1"},
	)

	// assert
	assert.ErrorIs(t, err, lending.ErrNotFound)
}

func Test_InsertCopy_DuplicateIsConflict(t *testing.T) {
	// arrange
	store, db := givenStore(t, scriptedResult{affected: 0})

	// act
	err := store.InsertCopy(context.Background(), lending.Copy{
		ID: "CP0123456789ab", BookID: "B1", BranchID: "HN", Barcode: "BC0123456789ab",
		Status: lending.CopyAvailable, Condition: lending.ConditionGood,
	})

	// assert
	assert.ErrorIs(t, err, lending.ErrConflict)
	assert.Contains(t, db.Statements()[0], "ON CONFLICT DO NOTHING")
}

func Test_CountCopies_CountsTotalAndAvailable(t *testing.T) {
	// arrange
	store, db := givenStore(t, scriptedResult{rows: [][]any{{int64(5), int64(2)}}})

	// act
	availability, err := store.CountCopies(context.Background(), "B1")

	// assert
	require.NoError(t, err)
	assert.Equal(t, lending.Availability{BookID: "B1", Total: 5, Available: 2}, availability)
	assert.Contains(t, db.Statements()[0], "FILTER (WHERE status = 'available')")
}

/***** loans *****/

func Test_InsertLoan_DuplicateIsConflict(t *testing.T) {
	// arrange
	store, _ := givenStore(t, scriptedResult{affected: 0})

	// act
	err := store.InsertLoan(context.Background(), someLoan())

	// assert
	assert.ErrorIs(t, err, lending.ErrConflict)
}

func Test_GetLoan_ScansNullableReturnedAt(t *testing.T) {
	// arrange
	loan := someLoan()
	returned := loan
	returnedAt := loan.BorrowedAt.AddDate(0, 0, 3)
	returned.Status, returned.ReturnedAt = lending.LoanReturned, &returnedAt

	store, _ := givenStore(t,
		scriptedResult{rows: [][]any{loanRow(loan)}},
		scriptedResult{rows: [][]any{loanRow(returned)}},
	)

	// act
	active, errActive := store.GetLoan(context.Background(), loan.ID)
	closed, errClosed := store.GetLoan(context.Background(), loan.ID)

	// assert
	require.NoError(t, errActive)
	require.NoError(t, errClosed)
	assert.Nil(t, active.ReturnedAt)
	require.NotNil(t, closed.ReturnedAt)
	assert.True(t, returnedAt.Equal(*closed.ReturnedAt))
}

func Test_CompareAndSwapLoan_GuardsStatusAndRenewCount(t *testing.T) {
	// arrange
	expected := someLoan()
	next := expected
	next.RenewCount, next.DueAt = 1, expected.DueAt.AddDate(0, 0, 14)

	store, db := givenStore(t, scriptedResult{affected: 1})

	// act
	err := store.CompareAndSwapLoan(context.Background(), expected, next)

	// assert
	require.NoError(t, err)
	statement := db.Statements()[0]
	assert.Contains(t, statement, `UPDATE "loans"`)
	assert.Contains(t, statement, `("renew_count" = 0)`)
	assert.Contains(t, statement, `("status" = 'active')`)
	assert.Contains(t, statement, `"renew_count"=1`)
}

func Test_CompareAndSwapLoan_LostRaceIsConcurrencyConflict(t *testing.T) {
	// arrange
	loan := someLoan()
	store, _ := givenStore(t, scriptedResult{affected: 0}, scriptedResult{rows: [][]any{loanRow(loan)}})

	// act
	err := store.CompareAndSwapLoan(context.Background(), loan, loan)

	// assert
	assert.ErrorIs(t, err, lending.ErrConcurrencyConflict)
}

func Test_CompareAndSwapLoan_MissingLoanIsNotFound(t *testing.T) {
	// arrange
	loan := someLoan()
	store, _ := givenStore(t, scriptedResult{affected: 0}, scriptedResult{})

	// act
	err := store.CompareAndSwapLoan(context.Background(), loan, loan)

	// assert
	assert.ErrorIs(t, err, lending.ErrNotFound)
}

func Test_QueryLoans_UsesKeysetAfterCursor(t *testing.T) {
	// arrange
	loan := someLoan()
	store, db := givenStore(t, scriptedResult{rows: [][]any{loanRow(loan)}})
	filter := lending.BuildLoanFilter().InBranch("HN").WithAnyStatusOf(lending.LoanActive, lending.LoanOverdue).Finalize()
	cursor := &lending.LoanCursor{BorrowedAt: loan.BorrowedAt.Add(time.Hour), LoanID: "LN-HN-z"}

	// act
	loans, err := store.QueryLoans(context.Background(), filter, cursor, 3)

	// assert
	require.NoError(t, err)
	assert.Len(t, loans, 1)
	statement := db.Statements()[0]
	assert.Contains(t, statement, "(borrowed_at, id) < (")
	assert.Contains(t, statement, `"status" IN ('active', 'overdue')`)
	assert.Contains(t, statement, `ORDER BY "borrowed_at" DESC, "id" DESC`)
	assert.Contains(t, statement, "LIMIT 3")
}

func Test_ListDueLoans_SelectsActivePastDueOldestFirst(t *testing.T) {
	// arrange
	store, db := givenStore(t, scriptedResult{})

	// act
	loans, err := store.ListDueLoans(context.Background(), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), 50)

	// assert
	require.NoError(t, err)
	assert.Empty(t, loans)
	statement := db.Statements()[0]
	assert.Contains(t, statement, `("status" = 'active')`)
	assert.Contains(t, statement, `"due_at" <`)
	assert.Contains(t, statement, `ORDER BY "due_at" ASC`)
	assert.Contains(t, statement, "LIMIT 50")
}

func Test_CountOpenLoans_CountsActiveAndOverdue(t *testing.T) {
	// arrange
	store, db := givenStore(t, scriptedResult{rows: [][]any{{int64(2)}}})

	// act
	count, err := store.CountOpenLoans(context.Background(), "M1")

	// assert
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Contains(t, db.Statements()[0], `"status" IN ('active', 'overdue')`)
}

/***** transactions *****/

func Test_QueryTransactions_PushesFilterIntoSQL(t *testing.T) {
	// arrange
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, db := givenStore(t, scriptedResult{rows: [][]any{
		{"TX-HN-1", "borrow", "LN-HN-1", "CP0123456789ab", "HN", "M1", at},
	}})
	filter := lending.BuildJournalFilter().
		InBranch("HN").
		OfAnyTypeOf(lending.TransactionBorrow).
		Between(at.Add(-time.Hour), at.Add(time.Hour)).
		Limit(10).
		Finalize()

	// act
	txs, err := store.QueryTransactions(context.Background(), filter)

	// assert
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, lending.TransactionBorrow, txs[0].Type)
	statement := db.Statements()[0]
	assert.Contains(t, statement, `("branch_id" = 'HN')`)
	assert.Contains(t, statement, `"type" IN ('borrow')`)
	assert.Contains(t, statement, `"created_at" >=`)
	assert.Contains(t, statement, "LIMIT 10")
}

/***** error classification *****/

func Test_DriverErrors_AreClassified(t *testing.T) {
	testCases := []struct {
		name     string
		driver   error
		expected error
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, lending.ErrConflict},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, lending.ErrShardUnavailable},
		{"read only standby", &pgconn.PgError{Code: "25006"}, lending.ErrShardUnavailable},
		{"lib/pq connection failure", &pq.Error{Code: "08006"}, lending.ErrShardUnavailable},
		{"deadline", context.DeadlineExceeded, lending.ErrShardUnavailable},
		{"anything else", errors.New("disk full"), lending.ErrStorageFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// arrange
			store, _ := givenStore(t, scriptedResult{err: tc.driver})

			// act
			err := store.AppendTransaction(context.Background(), lending.Transaction{ID: "TX-HN-1"})

			// assert
			assert.ErrorIs(t, err, tc.expected)
			assert.ErrorIs(t, err, tc.driver)
		})
	}
}

func Test_FailedStatement_IsLoggedAndCounted(t *testing.T) {
	// arrange
	logger, logs := helper.NewTestLogger()
	metrics := helper.NewMetricsCollectorSpy()
	tracing := helper.NewTracingCollectorSpy()
	db := &scriptedDB{script: []scriptedResult{{err: &pgconn.PgError{Code: "57P01"}}}}
	store, err := postgresengine.NewStoreWithAdapter(db,
		postgresengine.WithLogger(logger),
		postgresengine.WithMetrics(metrics),
		postgresengine.WithTracing(tracing),
	)
	require.NoError(t, err)

	// act
	_, err = store.GetCopy(context.Background(), "CP0123456789ab")

	// assert
	assert.ErrorIs(t, err, lending.ErrShardUnavailable)
	assert.True(t, logs.HasLog(slog.LevelError, "database query execution failed"))
	assert.True(t, logs.HasLog(slog.LevelDebug, "executed sql for: get_copy"))
	assert.True(t, metrics.HasCounterRecordWithLabels(lending.MetricStorageErrors, map[string]string{
		lending.LabelOperation: "get_copy",
	}))
	assert.True(t, metrics.HasDurationRecord("lending_storage_query_duration_seconds"))
	require.Len(t, tracing.Spans(), 1)
	assert.Equal(t, "postgres.get_copy", tracing.Spans()[0].Name)
}

func Test_MissingRow_IsNotCountedAsStorageError(t *testing.T) {
	// arrange
	metrics := helper.NewMetricsCollectorSpy()
	db := &scriptedDB{}
	store, err := postgresengine.NewStoreWithAdapter(db, postgresengine.WithMetrics(metrics))
	require.NoError(t, err)

	// act
	_, err = store.GetLoan(context.Background(), "LN-HN-1")

	// assert
	assert.ErrorIs(t, err, lending.ErrNotFound)
	assert.Empty(t, metrics.CountersNamed(lending.MetricStorageErrors))
}

/***** health *****/

func Test_Ping_ClassifiesFailures(t *testing.T) {
	// arrange
	store, db := givenStore(t)
	db.pingErr = &pgconn.PgError{Code: "57P03"}

	// act
	err := store.Ping(context.Background())

	// assert
	assert.ErrorIs(t, err, lending.ErrShardUnavailable)
}

func Test_ReplicationLag(t *testing.T) {
	t.Run("standby behind by 1.5s", func(t *testing.T) {
		store, db := givenStore(t, scriptedResult{rows: [][]any{{1.5}}})

		lag, err := store.ReplicationLag(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1500*time.Millisecond, lag)
		assert.Contains(t, db.Statements()[0], "pg_last_xact_replay_timestamp()")
	})

	t.Run("primary", func(t *testing.T) {
		store, _ := givenStore(t, scriptedResult{rows: [][]any{{0.0}}})

		lag, err := store.ReplicationLag(context.Background())

		require.NoError(t, err)
		assert.Zero(t, lag)
	})

	t.Run("standby that never replayed", func(t *testing.T) {
		store, _ := givenStore(t, scriptedResult{rows: [][]any{{-1.0}}})

		_, err := store.ReplicationLag(context.Background())

		assert.ErrorIs(t, err, lending.ErrShardUnavailable)
	})
}

/***** catalog and schema *****/

func Test_GetMember(t *testing.T) {
	t.Run("found without subscription end", func(t *testing.T) {
		store, _ := givenStore(t, scriptedResult{rows: [][]any{{"M1", "HN", "VIP", nil}}})

		member, err := store.GetMember(context.Background(), "M1")

		require.NoError(t, err)
		assert.Equal(t, lending.Member{ID: "M1", BranchID: "HN", Tier: lending.TierVIP}, member)
	})

	t.Run("found with subscription end", func(t *testing.T) {
		endsAt := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
		store, _ := givenStore(t, scriptedResult{rows: [][]any{{"M2", "HP", "BASIC", &endsAt}}})

		member, err := store.GetMember(context.Background(), "M2")

		require.NoError(t, err)
		assert.Equal(t, lending.TierBasic, member.Tier)
		assert.True(t, endsAt.Equal(member.SubscriptionEndsAt))
	})

	t.Run("missing", func(t *testing.T) {
		store, _ := givenStore(t, scriptedResult{})

		_, err := store.GetMember(context.Background(), "M9")

		assert.ErrorIs(t, err, lending.ErrNotFound)
	})
}

func Test_BookExists(t *testing.T) {
	store, _ := givenStore(t, scriptedResult{rows: [][]any{{1}}}, scriptedResult{})

	exists, err := store.BookExists(context.Background(), "B1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.BookExists(context.Background(), "B9")
	require.NoError(t, err)
	assert.False(t, exists)
}

func Test_Migrate_CreatesTablesAndIndexes(t *testing.T) {
	// arrange
	store, db := givenStore(t)

	// act
	err := store.Migrate(context.Background())

	// assert
	require.NoError(t, err)
	statements := db.Statements()
	assert.Len(t, statements, 12)
	assert.Contains(t, statements[0], "CREATE TABLE IF NOT EXISTS copies")
	assert.Contains(t, statements[1], "ADD COLUMN IF NOT EXISTS loan_id")
	assert.Contains(t, statements[4], "CREATE TABLE IF NOT EXISTS loans")
	assert.Contains(t, statements[9], "CREATE TABLE IF NOT EXISTS transactions")
}

func Test_Migrate_StopsOnFirstFailure(t *testing.T) {
	// arrange
	store, db := givenStore(t, scriptedResult{}, scriptedResult{err: &pgconn.PgError{Code: "42501"}})

	// act
	err := store.Migrate(context.Background())

	// assert
	assert.ErrorIs(t, err, lending.ErrStorageFailed)
	assert.Len(t, db.Statements(), 2)
}
