package postgresengine

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/postgresengine/internal/adapters"
)

const (
	colType      = "type"
	colLoanID    = "loan_id"
	colCreatedAt = "created_at"
)

var transactionColumns = []any{colID, colType, colLoanID, colCopyID, colBranchID, colMemberID, colCreatedAt}

// AppendTransaction inserts tx; a transaction with the same id already stored is
// left untouched.
func (s *Store) AppendTransaction(ctx context.Context, tx lending.Transaction) error {
	stmt := builder().
		Insert(s.transactionsTable).
		Rows(goqu.Record{
			colID:        tx.ID,
			colType:      string(tx.Type),
			colLoanID:    tx.LoanID,
			colCopyID:    tx.CopyID,
			colBranchID:  tx.BranchID,
			colMemberID:  tx.MemberID,
			colCreatedAt: lending.NormalizeTime(tx.Timestamp),
		}).
		OnConflict(goqu.DoNothing())

	_, err := s.exec(ctx, "append_transaction", stmt)

	return err
}

// QueryTransactions evaluates the whole filter in SQL, newest first.
func (s *Store) QueryTransactions(ctx context.Context, filter lending.JournalFilter) ([]lending.Transaction, error) {
	where := make([]goqu.Expression, 0, 6)

	if filter.BranchID() != "" {
		where = append(where, goqu.C(colBranchID).Eq(filter.BranchID()))
	}

	if types := filter.Types(); len(types) > 0 {
		where = append(where, goqu.C(colType).In(toStrings(types)))
	}

	if filter.MemberID() != "" {
		where = append(where, goqu.C(colMemberID).Eq(filter.MemberID()))
	}

	if filter.LoanID() != "" {
		where = append(where, goqu.C(colLoanID).Eq(filter.LoanID()))
	}

	if !filter.From().IsZero() {
		where = append(where, goqu.C(colCreatedAt).Gte(lending.NormalizeTime(filter.From())))
	}

	if !filter.Until().IsZero() {
		where = append(where, goqu.C(colCreatedAt).Lt(lending.NormalizeTime(filter.Until())))
	}

	stmt := builder().
		From(s.transactionsTable).
		Select(transactionColumns...).
		Where(where...).
		Order(goqu.I(colCreatedAt).Desc(), goqu.I(colID).Desc())

	if filter.Limit() > 0 {
		stmt = stmt.Limit(uint(filter.Limit()))
	}

	txs := make([]lending.Transaction, 0)

	err := s.query(ctx, "query_transactions", stmt, func(rows adapters.DBRows) error {
		var (
			tx     lending.Transaction
			txType string
		)

		err := rows.Scan(&tx.ID, &txType, &tx.LoanID, &tx.CopyID, &tx.BranchID, &tx.MemberID, &tx.Timestamp)
		if err != nil {
			return err
		}

		if tx.Type, err = lending.ParseTransactionType(txType); err != nil {
			return err
		}

		tx.Timestamp = lending.NormalizeTime(tx.Timestamp)
		txs = append(txs, tx)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return txs, nil
}
