package postgresengine

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/postgresengine/internal/adapters"
)

const (
	colCopyID         = "copy_id"
	colMemberID       = "member_id"
	colBorrowedAt     = "borrowed_at"
	colDueAt          = "due_at"
	colReturnedAt     = "returned_at"
	colRenewCount     = "renew_count"
	colReleasePending = "release_pending"
)

var loanColumns = []any{
	colID, colBookID, colCopyID, colMemberID, colBranchID,
	colBorrowedAt, colDueAt, colReturnedAt, colRenewCount, colStatus, colReleasePending,
}

func loanRecord(loan lending.Loan) goqu.Record {
	var returnedAt any
	if loan.ReturnedAt != nil {
		returnedAt = lending.NormalizeTime(*loan.ReturnedAt)
	}

	return goqu.Record{
		colID:             loan.ID,
		colBookID:         loan.BookID,
		colCopyID:         loan.CopyID,
		colMemberID:       loan.MemberID,
		colBranchID:       loan.BranchID,
		colBorrowedAt:     lending.NormalizeTime(loan.BorrowedAt),
		colDueAt:          lending.NormalizeTime(loan.DueAt),
		colReturnedAt:     returnedAt,
		colRenewCount:     loan.RenewCount,
		colStatus:         string(loan.Status),
		colReleasePending: loan.ReleasePending,
	}
}

func (s *Store) InsertLoan(ctx context.Context, loan lending.Loan) error {
	stmt := builder().
		Insert(s.loansTable).
		Rows(loanRecord(loan)).
		OnConflict(goqu.DoNothing())

	affected, err := s.exec(ctx, "insert_loan", stmt)
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%w: loan %s already exists", lending.ErrConflict, loan.ID)
	}

	return nil
}

func (s *Store) GetLoan(ctx context.Context, loanID string) (lending.Loan, error) {
	stmt := builder().
		From(s.loansTable).
		Select(loanColumns...).
		Where(goqu.Ex{colID: loanID})

	var loans []lending.Loan

	if err := s.query(ctx, "get_loan", stmt, scanLoanInto(&loans)); err != nil {
		return lending.Loan{}, err
	}

	if len(loans) == 0 {
		return lending.Loan{}, fmt.Errorf("%w: loan %s", lending.ErrNotFound, loanID)
	}

	return loans[0], nil
}

// CompareAndSwapLoan writes next only while the stored status and renew count
// still equal those of expected.
func (s *Store) CompareAndSwapLoan(ctx context.Context, expected, next lending.Loan) error {
	record := loanRecord(next)
	delete(record, colID)

	stmt := builder().
		Update(s.loansTable).
		Set(record).
		Where(goqu.Ex{
			colID:         expected.ID,
			colStatus:     string(expected.Status),
			colRenewCount: expected.RenewCount,
		})

	affected, err := s.exec(ctx, "cas_loan", stmt)
	if err != nil {
		return err
	}

	if affected == 1 {
		return nil
	}

	if _, err := s.GetLoan(ctx, expected.ID); err != nil {
		return err
	}

	return lending.ErrConcurrencyConflict
}

func (s *Store) DeleteLoan(ctx context.Context, loanID string) error {
	stmt := builder().
		Delete(s.loansTable).
		Where(goqu.Ex{colID: loanID})

	_, err := s.exec(ctx, "delete_loan", stmt)

	return err
}

// QueryLoans pages with a keyset on (borrowed_at, id), served by the
// loans(branch_id, borrowed_at) and loans(member_id, status) indexes.
func (s *Store) QueryLoans(
	ctx context.Context,
	filter lending.LoanFilter,
	after *lending.LoanCursor,
	limit int,
) ([]lending.Loan, error) {
	where := make([]goqu.Expression, 0, 4)

	if filter.MemberID() != "" {
		where = append(where, goqu.C(colMemberID).Eq(filter.MemberID()))
	}

	if filter.BranchID() != "" {
		where = append(where, goqu.C(colBranchID).Eq(filter.BranchID()))
	}

	if statuses := filter.Statuses(); len(statuses) > 0 {
		where = append(where, goqu.C(colStatus).In(toStrings(statuses)))
	}

	if after != nil {
		where = append(where, goqu.L(
			"("+colBorrowedAt+", "+colID+") < (?, ?)",
			lending.NormalizeTime(after.BorrowedAt), after.LoanID,
		))
	}

	stmt := builder().
		From(s.loansTable).
		Select(loanColumns...).
		Where(where...).
		Order(goqu.I(colBorrowedAt).Desc(), goqu.I(colID).Desc()).
		Limit(uint(max(limit, 0)))

	loans := make([]lending.Loan, 0)

	if err := s.query(ctx, "query_loans", stmt, scanLoanInto(&loans)); err != nil {
		return nil, err
	}

	return loans, nil
}

func (s *Store) CountOpenLoans(ctx context.Context, memberID string) (int, error) {
	stmt := builder().
		From(s.loansTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.Ex{
			colMemberID: memberID,
			colStatus:   []string{string(lending.LoanActive), string(lending.LoanOverdue)},
		})

	var count int64

	err := s.query(ctx, "count_open_loans", stmt, func(rows adapters.DBRows) error {
		return rows.Scan(&count)
	})
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

func (s *Store) ListDueLoans(ctx context.Context, now time.Time, limit int) ([]lending.Loan, error) {
	stmt := builder().
		From(s.loansTable).
		Select(loanColumns...).
		Where(
			goqu.C(colStatus).Eq(string(lending.LoanActive)),
			goqu.C(colDueAt).Lt(lending.NormalizeTime(now)),
		).
		Order(goqu.I(colDueAt).Asc(), goqu.I(colID).Asc()).
		Limit(uint(max(limit, 0)))

	loans := make([]lending.Loan, 0)

	if err := s.query(ctx, "list_due_loans", stmt, scanLoanInto(&loans)); err != nil {
		return nil, err
	}

	return loans, nil
}

func (s *Store) ListPendingReleases(ctx context.Context, limit int) ([]lending.Loan, error) {
	stmt := builder().
		From(s.loansTable).
		Select(loanColumns...).
		Where(goqu.Ex{colStatus: string(lending.LoanReturned), colReleasePending: true}).
		Order(goqu.I(colReturnedAt).Asc()).
		Limit(uint(max(limit, 0)))

	loans := make([]lending.Loan, 0)

	if err := s.query(ctx, "list_pending_releases", stmt, scanLoanInto(&loans)); err != nil {
		return nil, err
	}

	return loans, nil
}

func scanLoanInto(loans *[]lending.Loan) func(rows adapters.DBRows) error {
	return func(rows adapters.DBRows) error {
		var (
			loan       lending.Loan
			status     string
			renewCount int64
		)

		err := rows.Scan(
			&loan.ID, &loan.BookID, &loan.CopyID, &loan.MemberID, &loan.BranchID,
			&loan.BorrowedAt, &loan.DueAt, &loan.ReturnedAt, &renewCount, &status, &loan.ReleasePending,
		)
		if err != nil {
			return err
		}

		if loan.Status, err = lending.ParseLoanStatus(status); err != nil {
			return err
		}

		loan.RenewCount = int(renewCount)
		loan.BorrowedAt = lending.NormalizeTime(loan.BorrowedAt)
		loan.DueAt = lending.NormalizeTime(loan.DueAt)

		if loan.ReturnedAt != nil {
			returnedAt := lending.NormalizeTime(*loan.ReturnedAt)
			loan.ReturnedAt = &returnedAt
		}

		*loans = append(*loans, loan)

		return nil
	}
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}

	return out
}
