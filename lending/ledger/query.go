package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/bachducanh/E-Library/lending"
)

// PageRequest selects one page of a listing. Token is empty for the first page.
type PageRequest struct {
	Size  int
	Token string
}

// LoanPage is one page of loans, newest first. NextToken is empty on the last page.
type LoanPage struct {
	Loans     []lending.Loan `json:"loans"`
	NextToken string         `json:"nextPageToken,omitempty"`
}

// ListLoans returns the loans matching filter, newest first. A branch filter limits
// the scan to the shards of that branch; otherwise every loan shard is read in parallel.
func (l *Ledger) ListLoans(
	ctx context.Context,
	filter lending.LoanFilter,
	page PageRequest,
) (result LoanPage, err error) {
	ctx, finish := l.observer.Operation(ctx, opListLoans, nil)
	defer func() { finish(err) }()

	after, err := DecodePageToken(page.Token)
	if err != nil {
		return LoanPage{}, lending.NewOperationError(opListLoans, err)
	}

	shards := l.router.LoanShards()
	if filter.BranchID() != "" {
		if shards, err = l.router.ShardsForBranch(filter.BranchID()); err != nil {
			return LoanPage{}, lending.NewOperationError(opListLoans, err)
		}
	}

	size := lending.ClampPageSize(page.Size)
	perShard := make([][]lending.Loan, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			store, err := l.router.ResolveRead(gctx, shard)
			if err != nil {
				return err
			}

			// one extra row tells whether another page follows
			perShard[i], err = store.QueryLoans(gctx, filter, after, size+1)

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return LoanPage{}, lending.NewOperationError(opListLoans, err)
	}

	loans := slices.Concat(perShard...)
	slices.SortFunc(loans, lending.LoanNewerFirst)

	if len(loans) <= size {
		return LoanPage{Loans: loans}, nil
	}

	loans = loans[:size]
	last := loans[size-1]

	return LoanPage{
		Loans:     loans,
		NextToken: EncodePageToken(lending.LoanCursor{BorrowedAt: last.BorrowedAt, LoanID: last.ID}),
	}, nil
}

// EncodePageToken turns a cursor into an opaque URL-safe token.
func EncodePageToken(cursor lending.LoanCursor) string {
	raw, err := jsoniter.ConfigFastest.Marshal(cursor)
	if err != nil {
		return ""
	}

	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodePageToken reverses EncodePageToken. An empty token yields a nil cursor.
func DecodePageToken(token string) (*lending.LoanCursor, error) {
	if token == "" {
		return nil, nil //nolint:nilnil // no cursor for the first page
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed page token", lending.ErrInvalidArgument)
	}

	var cursor lending.LoanCursor
	if err := jsoniter.ConfigFastest.Unmarshal(raw, &cursor); err != nil || cursor.LoanID == "" {
		return nil, fmt.Errorf("%w: malformed page token", lending.ErrInvalidArgument)
	}

	return &cursor, nil
}
