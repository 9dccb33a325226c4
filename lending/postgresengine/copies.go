package postgresengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/postgresengine/internal/adapters"
)

const (
	colID        = "id"
	colBookID    = "book_id"
	colBranchID  = "branch_id"
	colBarcode   = "barcode"
	colStatus    = "status"
	colCondition = "condition"
)

var copyColumns = []any{colID, colBookID, colBranchID, colBarcode, colStatus, colCondition, colLoanID}

func (s *Store) InsertCopy(ctx context.Context, c lending.Copy) error {
	stmt := builder().
		Insert(s.copiesTable).
		Rows(goqu.Record{
			colID:        c.ID,
			colBookID:    c.BookID,
			colBranchID:  c.BranchID,
			colBarcode:   c.Barcode,
			colStatus:    string(c.Status),
			colCondition: string(c.Condition),
			colLoanID:    c.LoanID,
		}).
		OnConflict(goqu.DoNothing())

	affected, err := s.exec(ctx, "insert_copy", stmt)
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%w: copy %s or barcode %s already exists", lending.ErrConflict, c.ID, c.Barcode)
	}

	return nil
}

func (s *Store) GetCopy(ctx context.Context, copyID string) (lending.Copy, error) {
	stmt := builder().
		From(s.copiesTable).
		Select(copyColumns...).
		Where(goqu.Ex{colID: copyID})

	var copies []lending.Copy

	if err := s.query(ctx, "get_copy", stmt, scanCopyInto(&copies)); err != nil {
		return lending.Copy{}, err
	}

	if len(copies) == 0 {
		return lending.Copy{}, fmt.Errorf("%w: copy %s", lending.ErrNotFound, copyID)
	}

	return copies[0], nil
}

// CompareAndSetCopy is a single conditional UPDATE, so concurrent callers are
// serialized by the row lock and at most one sees the expected state.
func (s *Store) CompareAndSetCopy(
	ctx context.Context,
	copyID string,
	expected, next lending.CopyState,
) (lending.Copy, error) {
	stmt := builder().
		Update(s.copiesTable).
		Set(goqu.Record{colStatus: string(next.Status), colLoanID: next.LoanID}).
		Where(goqu.Ex{colID: copyID, colStatus: string(expected.Status), colLoanID: expected.LoanID}).
		Returning(copyColumns...)

	var updated []lending.Copy

	if err := s.query(ctx, "cas_copy_status", stmt, scanCopyInto(&updated)); err != nil {
		return lending.Copy{}, err
	}

	if len(updated) == 1 {
		return updated[0], nil
	}

	current, err := s.GetCopy(ctx, copyID)
	if err != nil {
		return lending.Copy{}, err
	}

	return current, errors.Join(lending.ErrConcurrencyConflict, fmt.Errorf("copy %s is %s", copyID, current.Status))
}

func (s *Store) ListCopies(ctx context.Context, filter lending.CopyFilter) ([]lending.Copy, error) {
	where := goqu.Ex{colBookID: filter.BookID}
	if filter.BranchID != "" {
		where[colBranchID] = filter.BranchID
	}

	if filter.Status != "" {
		where[colStatus] = string(filter.Status)
	}

	stmt := builder().
		From(s.copiesTable).
		Select(copyColumns...).
		Where(where).
		Order(goqu.I(colBarcode).Asc())

	copies := make([]lending.Copy, 0)

	if err := s.query(ctx, "list_copies", stmt, scanCopyInto(&copies)); err != nil {
		return nil, err
	}

	return copies, nil
}

func (s *Store) CountCopies(ctx context.Context, bookID string) (lending.Availability, error) {
	stmt := builder().
		From(s.copiesTable).
		Select(
			goqu.COUNT(goqu.Star()),
			goqu.L("COUNT(*) FILTER (WHERE "+colStatus+" = ?)", string(lending.CopyAvailable)),
		).
		Where(goqu.Ex{colBookID: bookID})

	availability := lending.Availability{BookID: bookID}

	err := s.query(ctx, "count_copies", stmt, func(rows adapters.DBRows) error {
		var total, available int64
		if err := rows.Scan(&total, &available); err != nil {
			return err
		}

		availability.Total, availability.Available = int(total), int(available)

		return nil
	})
	if err != nil {
		return lending.Availability{}, err
	}

	return availability, nil
}

func scanCopyInto(copies *[]lending.Copy) func(rows adapters.DBRows) error {
	return func(rows adapters.DBRows) error {
		var c lending.Copy
		var status, condition string

		if err := rows.Scan(&c.ID, &c.BookID, &c.BranchID, &c.Barcode, &status, &condition, &c.LoanID); err != nil {
			return err
		}

		var err error
		if c.Status, err = lending.ParseCopyStatus(status); err != nil {
			return err
		}

		if c.Condition, err = lending.ParseCopyCondition(condition); err != nil {
			return err
		}

		*copies = append(*copies, c)

		return nil
	}
}
