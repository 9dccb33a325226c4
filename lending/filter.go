package lending

import (
	"slices"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

/***** LoanFilter *****/

// LoanFilter selects loans by any combination of member, branch and status.
// Every criterion maps onto an indexed column of the loan store.
type LoanFilter struct {
	memberID string
	branchID string
	statuses []LoanStatus
}

func (f LoanFilter) MemberID() string {
	return f.memberID
}

func (f LoanFilter) BranchID() string {
	return f.branchID
}

func (f LoanFilter) Statuses() []LoanStatus {
	return f.statuses
}

// Matches evaluates the filter against one loan. Stores that cannot push the
// filter into an index use it as a residual predicate.
func (f LoanFilter) Matches(loan Loan) bool {
	if f.memberID != "" && loan.MemberID != f.memberID {
		return false
	}

	if f.branchID != "" && loan.BranchID != f.branchID {
		return false
	}

	if len(f.statuses) > 0 && !slices.Contains(f.statuses, loan.Status) {
		return false
	}

	return true
}

/***** LoanFilterBuilder *****/

// LoanFilterBuilder assembles a LoanFilter.
//
//	filter := lending.BuildLoanFilter().
//		ForMember(memberID).
//		WithAnyStatusOf(lending.LoanActive, lending.LoanOverdue).
//		Finalize()
type LoanFilterBuilder struct {
	filter LoanFilter
}

func BuildLoanFilter() LoanFilterBuilder {
	return LoanFilterBuilder{}
}

func (b LoanFilterBuilder) ForMember(memberID string) LoanFilterBuilder {
	b.filter.memberID = memberID
	return b
}

func (b LoanFilterBuilder) InBranch(branchID string) LoanFilterBuilder {
	b.filter.branchID = branchID
	return b
}

// WithAnyStatusOf restricts the filter to the given statuses.
// Empty values are dropped, the rest sorted and de-duplicated.
func (b LoanFilterBuilder) WithAnyStatusOf(statuses ...LoanStatus) LoanFilterBuilder {
	b.filter.statuses = sanitize(append(slices.Clone(b.filter.statuses), statuses...))
	return b
}

func (b LoanFilterBuilder) Finalize() LoanFilter {
	return b.filter
}

/***** LoanCursor *****/

// LoanCursor is the keyset position after which the next page of loans starts.
// Loans are ordered by BorrowedAt descending, then ID descending.
type LoanCursor struct {
	BorrowedAt time.Time `json:"b"`
	LoanID     string    `json:"i"`
}

// Before reports whether loan sorts strictly after the cursor position.
func (c LoanCursor) Before(loan Loan) bool {
	if loan.BorrowedAt.Equal(c.BorrowedAt) {
		return loan.ID < c.LoanID
	}

	return loan.BorrowedAt.Before(c.BorrowedAt)
}

// LoanNewerFirst orders loans by BorrowedAt descending, then ID descending.
func LoanNewerFirst(a, b Loan) int {
	if c := b.BorrowedAt.Compare(a.BorrowedAt); c != 0 {
		return c
	}

	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	default:
		return 0
	}
}

/***** CopyFilter *****/

// CopyFilter selects the copies of one book, optionally by branch and status.
type CopyFilter struct {
	BookID   string
	BranchID string
	Status   CopyStatus
}

// Matches evaluates the filter against one copy.
func (f CopyFilter) Matches(c Copy) bool {
	return c.BookID == f.BookID &&
		(f.BranchID == "" || c.BranchID == f.BranchID) &&
		(f.Status == "" || c.Status == f.Status)
}

/***** JournalFilter *****/

// JournalFilter selects transactions by branch, type, member, loan and time range.
type JournalFilter struct {
	branchID string
	types    []TransactionType
	memberID string
	loanID   string
	from     time.Time
	until    time.Time
	limit    int
}

func (f JournalFilter) BranchID() string {
	return f.branchID
}

func (f JournalFilter) Types() []TransactionType {
	return f.types
}

func (f JournalFilter) MemberID() string {
	return f.memberID
}

func (f JournalFilter) LoanID() string {
	return f.loanID
}

// From is the inclusive lower bound, zero when unbounded.
func (f JournalFilter) From() time.Time {
	return f.from
}

// Until is the exclusive upper bound, zero when unbounded.
func (f JournalFilter) Until() time.Time {
	return f.until
}

func (f JournalFilter) Limit() int {
	return f.limit
}

// Matches evaluates the filter against one transaction.
func (f JournalFilter) Matches(tx Transaction) bool {
	switch {
	case f.branchID != "" && tx.BranchID != f.branchID:
		return false
	case len(f.types) > 0 && !slices.Contains(f.types, tx.Type):
		return false
	case f.memberID != "" && tx.MemberID != f.memberID:
		return false
	case f.loanID != "" && tx.LoanID != f.loanID:
		return false
	case !f.from.IsZero() && tx.Timestamp.Before(f.from):
		return false
	case !f.until.IsZero() && !tx.Timestamp.Before(f.until):
		return false
	}

	return true
}

/***** JournalFilterBuilder *****/

type JournalFilterBuilder struct {
	filter JournalFilter
}

func BuildJournalFilter() JournalFilterBuilder {
	return JournalFilterBuilder{filter: JournalFilter{limit: DefaultPageSize}}
}

func (b JournalFilterBuilder) InBranch(branchID string) JournalFilterBuilder {
	b.filter.branchID = branchID
	return b
}

func (b JournalFilterBuilder) OfAnyTypeOf(types ...TransactionType) JournalFilterBuilder {
	b.filter.types = sanitize(append(slices.Clone(b.filter.types), types...))
	return b
}

func (b JournalFilterBuilder) ForMember(memberID string) JournalFilterBuilder {
	b.filter.memberID = memberID
	return b
}

func (b JournalFilterBuilder) ForLoan(loanID string) JournalFilterBuilder {
	b.filter.loanID = loanID
	return b
}

// Between restricts the filter to [from, until). Either bound may be zero.
func (b JournalFilterBuilder) Between(from, until time.Time) JournalFilterBuilder {
	b.filter.from = from
	b.filter.until = until

	return b
}

// Limit caps the number of returned transactions at MaxPageSize.
func (b JournalFilterBuilder) Limit(limit int) JournalFilterBuilder {
	b.filter.limit = ClampPageSize(limit)
	return b
}

func (b JournalFilterBuilder) Finalize() JournalFilter {
	return b.filter
}

// TransactionNewerFirst orders transactions by Timestamp descending, then ID descending.
func TransactionNewerFirst(a, b Transaction) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}

	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	default:
		return 0
	}
}

// ClampPageSize maps a requested page size into [1, MaxPageSize], using
// DefaultPageSize for non-positive values.
func ClampPageSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}

func sanitize[T ~string](values []T) []T {
	values = slices.DeleteFunc(values, func(v T) bool { return v == "" })
	slices.Sort(values)

	return slices.Compact(values)
}
