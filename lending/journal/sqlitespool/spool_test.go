package sqlitespool_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/journal/sqlitespool"
)

func Test_Spool_SurvivesReopen(t *testing.T) {
	// arrange
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spool", "journal.db")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := lending.Transaction{ID: lending.NewTransactionID("HN", at), Type: lending.TransactionBorrow, BranchID: "HN", LoanID: "LN-1", Timestamp: at}
	second := lending.Transaction{ID: lending.NewTransactionID("HN", at), Type: lending.TransactionReturn, BranchID: "HN", LoanID: "LN-1", Timestamp: at}

	spool, err := sqlitespool.Open(path)
	require.NoError(t, err)
	require.NoError(t, spool.Park(ctx, first))
	require.NoError(t, spool.Park(ctx, second))
	require.NoError(t, spool.Park(ctx, first), "parking twice is a no-op")
	require.NoError(t, spool.Close())

	// act
	reopened, err := sqlitespool.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	pending, err := reopened.Pending(ctx, 10)

	// assert
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.True(t, first.Timestamp.Equal(pending[0].Timestamp))
	assert.Equal(t, lending.TransactionReturn, pending[1].Type)
}

func Test_Spool_Remove(t *testing.T) {
	ctx := context.Background()
	spool, err := sqlitespool.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = spool.Close() })

	tx := lending.Transaction{ID: "TX-HN-1-a", Type: lending.TransactionRenew, BranchID: "HN", Timestamp: time.Now()}
	require.NoError(t, spool.Park(ctx, tx))

	require.NoError(t, spool.Remove(ctx, tx.ID))
	require.NoError(t, spool.Remove(ctx, tx.ID))

	n, err := spool.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
