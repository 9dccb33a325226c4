package lending

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	copyIDPrefix        = "CP"
	barcodePrefix       = "BC"
	loanIDPrefix        = "LN"
	transactionIDPrefix = "TX"
	copySuffixLength    = 12
	idSeparator         = "-"
)

// overdueNamespace seeds the name-based ids of overdue transactions.
var overdueNamespace = uuid.MustParse("5b0f3a55-6c1e-4f43-9a0e-8d1f7c2b9e41")

// NewBarcode returns a fresh barcode together with the copy id that embeds it.
func NewBarcode() (barcode, copyID string) {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:copySuffixLength]
	return barcodePrefix + suffix, copyIDPrefix + suffix
}

// BarcodeFromCopyID derives the barcode, which is the copy partition key, from a copy id.
func BarcodeFromCopyID(copyID string) (string, error) {
	suffix, ok := strings.CutPrefix(copyID, copyIDPrefix)
	if !ok || len(suffix) != copySuffixLength {
		return "", fmt.Errorf("%w: malformed copy id %q", ErrNotFound, copyID)
	}

	return barcodePrefix + suffix, nil
}

// ValidateBranchID checks that a branch id is non-empty and limited to [A-Za-z0-9_].
func ValidateBranchID(branchID string) error {
	if branchID == "" {
		return fmt.Errorf("%w: empty branch id", ErrInvalidArgument)
	}

	for _, r := range branchID {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return fmt.Errorf("%w: branch id %q", ErrInvalidArgument, branchID)
		}
	}

	return nil
}

// NewLoanID returns a loan id that embeds the loan partition key.
func NewLoanID(branchID string, borrowedAt time.Time) string {
	return composeID(loanIDPrefix, branchID, borrowedAt, uuid.NewString())
}

// ParseLoanID recovers the partition key (branch, borrowedAt) from a loan id.
func ParseLoanID(loanID string) (branchID string, borrowedAt time.Time, err error) {
	return parseID(loanIDPrefix, loanID)
}

// NewTransactionID returns a random transaction id for the given partition key.
func NewTransactionID(branchID string, at time.Time) string {
	return composeID(transactionIDPrefix, branchID, at, uuid.NewString())
}

// OverdueTransactionID returns the deterministic id of the overdue entry for a loan
// that fell due at dueAt, so repeated sweeps collapse into one journal entry.
// The entry is partitioned by its due date.
func OverdueTransactionID(loanID, branchID string, dueAt time.Time) string {
	name := loanID + "|overdue|" + strconv.FormatInt(NormalizeTime(dueAt).UnixMilli(), 10)
	return composeID(transactionIDPrefix, branchID, dueAt, uuid.NewSHA1(overdueNamespace, []byte(name)).String())
}

// ParseTransactionID recovers the partition key (branch, timestamp) from a transaction id.
func ParseTransactionID(transactionID string) (branchID string, at time.Time, err error) {
	return parseID(transactionIDPrefix, transactionID)
}

func composeID(prefix, branchID string, at time.Time, unique string) string {
	return strings.Join([]string{
		prefix,
		branchID,
		strconv.FormatInt(NormalizeTime(at).UnixMilli(), 10),
		unique,
	}, idSeparator)
}

// parseID splits PREFIX-branch-millis-uuid. The uuid itself contains separators,
// so the branch and millis are located from the left.
func parseID(prefix, id string) (string, time.Time, error) {
	rest, ok := strings.CutPrefix(id, prefix+idSeparator)
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}

	parts := strings.SplitN(rest, idSeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", time.Time{}, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}

	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}

	return parts[0], time.UnixMilli(millis).UTC(), nil
}
