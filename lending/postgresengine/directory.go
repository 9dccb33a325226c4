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
	colTier               = "tier"
	colSubscriptionEndsAt = "subscription_ends_at"
)

// GetMember implements lending.MemberDirectory on the members table.
func (s *Store) GetMember(ctx context.Context, memberID string) (lending.Member, error) {
	stmt := builder().
		From(s.membersTable).
		Select(colID, colBranchID, colTier, colSubscriptionEndsAt).
		Where(goqu.Ex{colID: memberID})

	var (
		member lending.Member
		found  bool
	)

	err := s.query(ctx, "get_member", stmt, func(rows adapters.DBRows) error {
		var (
			tier    string
			endsAt  *time.Time
			scanErr error
		)

		if scanErr = rows.Scan(&member.ID, &member.BranchID, &tier, &endsAt); scanErr != nil {
			return scanErr
		}

		if member.Tier, scanErr = lending.ParseTier(tier); scanErr != nil {
			return scanErr
		}

		if endsAt != nil {
			member.SubscriptionEndsAt = endsAt.UTC()
		}

		found = true

		return nil
	})
	if err != nil {
		return lending.Member{}, err
	}

	if !found {
		return lending.Member{}, fmt.Errorf("%w: member %s", lending.ErrNotFound, memberID)
	}

	return member, nil
}

// BookExists implements lending.BookCatalog on the books table.
func (s *Store) BookExists(ctx context.Context, bookID string) (bool, error) {
	stmt := builder().
		From(s.booksTable).
		Select(goqu.L("1")).
		Where(goqu.Ex{colID: bookID}).
		Limit(1)

	var exists bool

	err := s.query(ctx, "book_exists", stmt, func(rows adapters.DBRows) error {
		var one int
		exists = true

		return rows.Scan(&one)
	})
	if err != nil {
		return false, err
	}

	return exists, nil
}
