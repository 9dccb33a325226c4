package lending

import (
	"context"
	"time"
)

// CopyStore persists the copies of one shard. CompareAndSetCopy is the only
// status mutation and must be atomic per copy.
type CopyStore interface {
	// InsertCopy stores a new copy. A duplicate id or barcode yields ErrConflict.
	InsertCopy(ctx context.Context, c Copy) error
	GetCopy(ctx context.Context, copyID string) (Copy, error)
	// CompareAndSetCopy moves the copy from expected to next. Status and holding
	// loan are compared together. It returns ErrNotFound for an unknown copy and
	// ErrConcurrencyConflict, together with the current copy, when the stored state
	// differs from expected.
	CompareAndSetCopy(ctx context.Context, copyID string, expected, next CopyState) (Copy, error)
	ListCopies(ctx context.Context, filter CopyFilter) ([]Copy, error)
	CountCopies(ctx context.Context, bookID string) (Availability, error)
}

// LoanStore persists the loans of one shard.
type LoanStore interface {
	InsertLoan(ctx context.Context, loan Loan) error
	GetLoan(ctx context.Context, loanID string) (Loan, error)
	// CompareAndSwapLoan replaces the stored loan by next when its status and renew
	// count still equal those of expected, else ErrConcurrencyConflict.
	CompareAndSwapLoan(ctx context.Context, expected, next Loan) error
	// DeleteLoan removes a loan and succeeds when it does not exist.
	DeleteLoan(ctx context.Context, loanID string) error
	// QueryLoans returns up to limit loans matching filter, newest first, strictly after cursor when set.
	QueryLoans(ctx context.Context, filter LoanFilter, after *LoanCursor, limit int) ([]Loan, error)
	// CountOpenLoans counts active and overdue loans of a member.
	CountOpenLoans(ctx context.Context, memberID string) (int, error)
	// ListDueLoans returns up to limit active loans with DueAt before now, oldest due first.
	ListDueLoans(ctx context.Context, now time.Time, limit int) ([]Loan, error)
	// ListPendingReleases returns up to limit returned loans still flagged with ReleasePending.
	ListPendingReleases(ctx context.Context, limit int) ([]Loan, error)
}

// JournalStore persists the transactions of one shard. There is no update or delete.
type JournalStore interface {
	// AppendTransaction inserts tx unless a transaction with the same id exists.
	AppendTransaction(ctx context.Context, tx Transaction) error
	QueryTransactions(ctx context.Context, filter JournalFilter) ([]Transaction, error)
}

// ShardStore is everything one shard node stores.
type ShardStore interface {
	CopyStore
	LoanStore
	JournalStore
}

// HealthProbe checks whether a shard node accepts requests.
type HealthProbe interface {
	Ping(ctx context.Context) error
}

// ReplicationProbe reports how far a secondary lags behind its primary.
type ReplicationProbe interface {
	ReplicationLag(ctx context.Context) (time.Duration, error)
}

// MemberDirectory is the read-only source of member records.
type MemberDirectory interface {
	GetMember(ctx context.Context, memberID string) (Member, error)
}

// BookCatalog is the read-only source of book existence.
type BookCatalog interface {
	BookExists(ctx context.Context, bookID string) (bool, error)
}

// Clock returns the current time. Components default to time.Now.
type Clock func() time.Time
