package lending_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bachducanh/E-Library/lending"
)

func Test_LoanFilterBuilder_SanitizesStatuses(t *testing.T) {
	// act
	filter := lending.BuildLoanFilter().
		ForMember("MEM1").
		WithAnyStatusOf(lending.LoanOverdue, "", lending.LoanActive, lending.LoanOverdue).
		Finalize()

	// assert
	assert.Equal(t, "MEM1", filter.MemberID())
	assert.Empty(t, filter.BranchID())
	assert.Equal(t, []lending.LoanStatus{lending.LoanActive, lending.LoanOverdue}, filter.Statuses())
}

func Test_LoanFilter_Matches(t *testing.T) {
	filter := lending.BuildLoanFilter().InBranch("HN").WithAnyStatusOf(lending.LoanActive).Finalize()

	assert.True(t, filter.Matches(lending.Loan{BranchID: "HN", Status: lending.LoanActive}))
	assert.False(t, filter.Matches(lending.Loan{BranchID: "HP", Status: lending.LoanActive}))
	assert.False(t, filter.Matches(lending.Loan{BranchID: "HN", Status: lending.LoanReturned}))
}

func Test_LoanNewerFirst_AndCursor(t *testing.T) {
	// arrange
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	loans := []lending.Loan{
		{ID: "a", BorrowedAt: t0},
		{ID: "c", BorrowedAt: t0.Add(time.Hour)},
		{ID: "b", BorrowedAt: t0},
	}

	// act
	slices.SortFunc(loans, lending.LoanNewerFirst)
	cursor := lending.LoanCursor{BorrowedAt: t0, LoanID: "b"}

	// assert
	assert.Equal(t, []string{"c", "b", "a"}, []string{loans[0].ID, loans[1].ID, loans[2].ID})
	assert.False(t, cursor.Before(loans[0]))
	assert.False(t, cursor.Before(loans[1]))
	assert.True(t, cursor.Before(loans[2]))
}

func Test_JournalFilter_Matches(t *testing.T) {
	// arrange
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := from.Add(24 * time.Hour)
	filter := lending.BuildJournalFilter().
		InBranch("HN").
		OfAnyTypeOf(lending.TransactionBorrow, lending.TransactionReturn).
		Between(from, until).
		Limit(500).
		Finalize()

	// assert
	assert.Equal(t, lending.MaxPageSize, filter.Limit())
	assert.True(t, filter.Matches(lending.Transaction{BranchID: "HN", Type: lending.TransactionBorrow, Timestamp: from}))
	assert.False(t, filter.Matches(lending.Transaction{BranchID: "HN", Type: lending.TransactionBorrow, Timestamp: until}))
	assert.False(t, filter.Matches(lending.Transaction{BranchID: "HN", Type: lending.TransactionRenew, Timestamp: from}))
	assert.False(t, filter.Matches(lending.Transaction{BranchID: "DN", Type: lending.TransactionBorrow, Timestamp: from}))
}

func Test_ClampPageSize(t *testing.T) {
	assert.Equal(t, lending.DefaultPageSize, lending.ClampPageSize(0))
	assert.Equal(t, 7, lending.ClampPageSize(7))
	assert.Equal(t, lending.MaxPageSize, lending.ClampPageSize(1000))
}

func Test_ConsistencyContext(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, lending.StrongConsistency, lending.GetConsistencyLevel(ctx))
	_, ok := lending.GetStalenessBound(ctx)
	assert.False(t, ok)

	bounded := lending.WithBoundedStaleness(ctx, 5*time.Second)
	bound, ok := lending.GetStalenessBound(bounded)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, bound)
	assert.Equal(t, "bounded_staleness", lending.GetConsistencyLevel(bounded).String())

	strong := lending.WithStrongConsistency(bounded)
	_, ok = lending.GetStalenessBound(strong)
	assert.False(t, ok)
}
