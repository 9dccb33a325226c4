package lending

import (
	"fmt"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Tier is a member's subscription level.
type Tier string

const (
	TierBasic Tier = "BASIC"
	TierVIP   Tier = "VIP"
)

// ParseTier converts a stored value into a Tier, accepting any letter case.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(s)) {
	case TierBasic:
		return TierBasic, nil
	case TierVIP:
		return TierVIP, nil
	default:
		return "", fmt.Errorf("%w: tier %q", ErrInvalidArgument, s)
	}
}

// TierLimits are the borrowing limits granted by one tier.
type TierLimits struct {
	MaxLoans     int
	LoanDuration time.Duration
}

// Policy holds the lending rules that do not depend on storage.
type Policy struct {
	Tiers            map[Tier]TierLimits
	RenewalExtension time.Duration
	MaxRenewals      int

	// RenewalGrace is how long past dueAt a loan may still be renewed, counted in
	// whole elapsed days. Zero disables the check.
	RenewalGrace time.Duration
}

// DefaultPolicy returns the standard lending rules.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: map[Tier]TierLimits{
			TierBasic: {MaxLoans: 3, LoanDuration: 14 * day},
			TierVIP:   {MaxLoans: 10, LoanDuration: 30 * day},
		},
		RenewalExtension: 14 * day,
		MaxRenewals:      2,
		RenewalGrace:     3 * day,
	}
}

// Limits returns the limits of a tier, or an error when the tier is not configured.
func (p Policy) Limits(tier Tier) (TierLimits, error) {
	limits, ok := p.Tiers[tier]
	if !ok {
		return TierLimits{}, fmt.Errorf("%w: no limits for tier %q", ErrInvalidArgument, tier)
	}

	return limits, nil
}

// DueAt computes borrowedAt + loanDuration + renewCount × extension.
func (p Policy) DueAt(limits TierLimits, borrowedAt time.Time, renewCount int) time.Time {
	return borrowedAt.Add(limits.LoanDuration + time.Duration(renewCount)*p.RenewalExtension)
}

// CheckRenewal decides whether a loan may be renewed at now.
func (p Policy) CheckRenewal(loan Loan, now time.Time) error {
	if loan.Status == LoanReturned {
		return ErrInvalidState
	}

	if loan.RenewCount >= p.MaxRenewals {
		return ErrRenewalLimitExceeded
	}

	// a started day past due does not count until it is complete
	if p.RenewalGrace > 0 && now.Sub(loan.DueAt).Truncate(day) > p.RenewalGrace {
		return ErrRenewalTooLate
	}

	return nil
}

// Renewed returns the loan as it looks after one successful renewal.
func (p Policy) Renewed(loan Loan) Loan {
	loan.RenewCount++
	loan.DueAt = loan.DueAt.Add(p.RenewalExtension)
	loan.Status = LoanActive

	return loan
}
