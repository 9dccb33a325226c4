package lending

import (
	"fmt"
	"time"
)

// CopyStatus is the availability state of a physical copy.
type CopyStatus string

const (
	CopyAvailable   CopyStatus = "available"
	CopyBorrowed    CopyStatus = "borrowed"
	CopyLost        CopyStatus = "lost"
	CopyMaintenance CopyStatus = "maintenance"
)

// ParseCopyStatus converts a stored or user supplied value into a CopyStatus.
func ParseCopyStatus(s string) (CopyStatus, error) {
	switch CopyStatus(s) {
	case CopyAvailable, CopyBorrowed, CopyLost, CopyMaintenance:
		return CopyStatus(s), nil
	default:
		return "", fmt.Errorf("%w: copy status %q", ErrInvalidArgument, s)
	}
}

func (s CopyStatus) String() string { return string(s) }

// CopyCondition describes the physical condition of a copy.
type CopyCondition string

const (
	ConditionNew  CopyCondition = "new"
	ConditionGood CopyCondition = "good"
	ConditionFair CopyCondition = "fair"
	ConditionPoor CopyCondition = "poor"
)

// ParseCopyCondition converts a stored or user supplied value into a CopyCondition.
// Matching is case-sensitive on the lower-case form.
func ParseCopyCondition(s string) (CopyCondition, error) {
	switch CopyCondition(s) {
	case ConditionNew, ConditionGood, ConditionFair, ConditionPoor:
		return CopyCondition(s), nil
	default:
		return "", fmt.Errorf("%w: copy condition %q", ErrInvalidArgument, s)
	}
}

// LoanStatus is the state of a loan: active, overdue or returned (terminal).
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanOverdue  LoanStatus = "overdue"
	LoanReturned LoanStatus = "returned"
)

// ParseLoanStatus converts a stored or user supplied value into a LoanStatus.
func ParseLoanStatus(s string) (LoanStatus, error) {
	switch LoanStatus(s) {
	case LoanActive, LoanOverdue, LoanReturned:
		return LoanStatus(s), nil
	default:
		return "", fmt.Errorf("%w: loan status %q", ErrInvalidArgument, s)
	}
}

func (s LoanStatus) String() string { return string(s) }

// IsOpen reports whether a loan in this status still holds its copy.
func (s LoanStatus) IsOpen() bool {
	return s == LoanActive || s == LoanOverdue
}

// TransactionType is the kind of journal entry.
type TransactionType string

const (
	TransactionBorrow  TransactionType = "borrow"
	TransactionReturn  TransactionType = "return"
	TransactionRenew   TransactionType = "renew"
	TransactionOverdue TransactionType = "overdue"
)

// ParseTransactionType converts a stored or user supplied value into a TransactionType.
func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(s) {
	case TransactionBorrow, TransactionReturn, TransactionRenew, TransactionOverdue:
		return TransactionType(s), nil
	default:
		return "", fmt.Errorf("%w: transaction type %q", ErrInvalidArgument, s)
	}
}

// Copy is one physical item of a book held by a branch.
type Copy struct {
	ID        string        `json:"id"`
	BookID    string        `json:"bookId"`
	BranchID  string        `json:"branchId"`
	Barcode   string        `json:"barcode"`
	Status    CopyStatus    `json:"status"`
	Condition CopyCondition `json:"condition"`

	// LoanID names the loan holding a borrowed copy and is empty otherwise.
	LoanID string `json:"loanId,omitempty"`
}

// CopyState is the part of a copy changed by CompareAndSetCopy.
type CopyState struct {
	Status CopyStatus
	LoanID string
}

// State returns the status and holder of the copy.
func (c Copy) State() CopyState {
	return CopyState{Status: c.Status, LoanID: c.LoanID}
}

// Member is the read-only view of a registered borrower.
type Member struct {
	ID                 string    `json:"id"`
	BranchID           string    `json:"branchId"`
	Tier               Tier      `json:"tier"`
	SubscriptionEndsAt time.Time `json:"subscriptionEndsAt"`
}

// SubscriptionActive reports whether the member may borrow at the given instant.
// A zero SubscriptionEndsAt means the subscription does not expire.
func (m Member) SubscriptionActive(at time.Time) bool {
	return m.SubscriptionEndsAt.IsZero() || at.Before(m.SubscriptionEndsAt)
}

// Loan binds one copy to one member for a period.
type Loan struct {
	ID         string     `json:"id"`
	BookID     string     `json:"bookId"`
	CopyID     string     `json:"copyId"`
	MemberID   string     `json:"memberId"`
	BranchID   string     `json:"branchId"`
	BorrowedAt time.Time  `json:"borrowedAt"`
	DueAt      time.Time  `json:"dueAt"`
	ReturnedAt *time.Time `json:"returnedAt,omitempty"`
	RenewCount int        `json:"renewCount"`
	Status     LoanStatus `json:"status"`

	// ReleasePending marks a returned loan whose copy could not be released yet.
	ReleasePending bool `json:"releasePending,omitempty"`
}

// Transaction is an immutable journal entry describing one lending action.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TransactionType `json:"type"`
	LoanID    string          `json:"loanId"`
	CopyID    string          `json:"copyId"`
	BranchID  string          `json:"branchId"`
	MemberID  string          `json:"memberId"`
	Timestamp time.Time       `json:"timestamp"`
}

// Availability summarizes the copies of one book across all shards.
type Availability struct {
	BookID    string `json:"bookId"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
}

// NormalizeTime returns t in UTC truncated to the millisecond precision used for
// identifiers and storage.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
