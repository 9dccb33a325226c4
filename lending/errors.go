package lending

import (
	"errors"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("copy is not available")
	ErrQuotaExceeded        = errors.New("loan quota exceeded")
	ErrRenewalLimitExceeded = errors.New("renewal limit exceeded")
	ErrRenewalTooLate       = errors.New("loan is overdue beyond the renewal grace period")
	ErrInvalidState         = errors.New("invalid state for this operation")
	ErrShardUnavailable     = errors.New("shard unavailable")
	ErrSubscriptionExpired  = errors.New("member subscription expired")
	ErrBranchMismatch       = errors.New("copy belongs to another branch")
	ErrUnknownBranch        = errors.New("unknown branch")
	ErrUnknownShard         = errors.New("unknown shard")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrConcurrencyConflict  = errors.New("concurrency conflict, no rows were affected")
	ErrStorageFailed        = errors.New("storage operation failed")
)

var (
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")
	ErrEmptyTableName        = errors.New("empty table name supplied")
)

// kinds are the error kinds a caller may see in OperationError.Error, in match order.
var kinds = []error{
	ErrNotFound,
	ErrConflict,
	ErrQuotaExceeded,
	ErrRenewalLimitExceeded,
	ErrRenewalTooLate,
	ErrInvalidState,
	ErrSubscriptionExpired,
	ErrBranchMismatch,
	ErrUnknownBranch,
	ErrInvalidArgument,
	ErrShardUnavailable,
	ErrStorageFailed,
}

// OperationError is returned by the public lending operations. Its message names
// the operation, the records involved and the error kind; storage details stay
// behind Unwrap.
type OperationError struct {
	Op       string
	CopyID   string
	LoanID   string
	MemberID string
	Kind     error
	cause    error
}

// NewOperationError classifies err into one of the public error kinds.
func NewOperationError(op string, err error) *OperationError {
	var oe *OperationError
	if errors.As(err, &oe) {
		err = oe.cause
	}

	return &OperationError{Op: op, Kind: Classify(err), cause: err}
}

// WithCopy sets the copy id on the error.
func (e *OperationError) WithCopy(copyID string) *OperationError {
	e.CopyID = copyID
	return e
}

// WithLoan sets the loan id on the error.
func (e *OperationError) WithLoan(loanID string) *OperationError {
	e.LoanID = loanID
	return e
}

// WithMember sets the member id on the error.
func (e *OperationError) WithMember(memberID string) *OperationError {
	e.MemberID = memberID
	return e
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)

	for _, part := range [][2]string{{"copy", e.CopyID}, {"loan", e.LoanID}, {"member", e.MemberID}} {
		if part[1] != "" {
			b.WriteString(" " + part[0] + "=" + part[1])
		}
	}

	b.WriteString(": ")
	b.WriteString(e.Kind.Error())

	return b.String()
}

func (e *OperationError) Unwrap() []error {
	return []error{e.Kind, e.cause}
}

// Classify maps any error to the public kind it belongs to. Only errors that carry
// ErrShardUnavailable are reported as unavailable; anything unclassified, such as
// ErrUnknownShard or an exhausted ErrConcurrencyConflict, counts as ErrStorageFailed.
func Classify(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}

	return ErrStorageFailed
}

// IsRetryable reports whether an operation failing with err may succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrShardUnavailable) || errors.Is(err, ErrConcurrencyConflict)
}
