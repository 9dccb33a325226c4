package lending_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachducanh/E-Library/lending"
)

const day = 24 * time.Hour

func Test_Policy_DueAt_FollowsDueDateLaw(t *testing.T) {
	// arrange
	policy := lending.DefaultPolicy()
	basic, err := policy.Limits(lending.TierBasic)
	require.NoError(t, err)
	borrowedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// act + assert
	for renewCount := 0; renewCount <= 2; renewCount++ {
		expected := borrowedAt.Add(14*day + time.Duration(renewCount)*14*day)
		assert.Equal(t, expected, policy.DueAt(basic, borrowedAt, renewCount))
	}
}

func Test_Policy_Limits_PerTier(t *testing.T) {
	policy := lending.DefaultPolicy()

	basic, err := policy.Limits(lending.TierBasic)
	require.NoError(t, err)
	assert.Equal(t, 3, basic.MaxLoans)
	assert.Equal(t, 14*day, basic.LoanDuration)

	vip, err := policy.Limits(lending.TierVIP)
	require.NoError(t, err)
	assert.Equal(t, 10, vip.MaxLoans)
	assert.Equal(t, 30*day, vip.LoanDuration)

	_, err = policy.Limits("GOLD")
	assert.ErrorIs(t, err, lending.ErrInvalidArgument)
}

func Test_Policy_CheckRenewal(t *testing.T) {
	policy := lending.DefaultPolicy()
	dueAt := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		loan     lending.Loan
		now      time.Time
		expected error
	}{
		{
			name: "active_loan_before_due_date",
			loan: lending.Loan{Status: lending.LoanActive, DueAt: dueAt},
			now:  dueAt.Add(-day),
		},
		{
			name: "overdue_loan_within_grace",
			loan: lending.Loan{Status: lending.LoanOverdue, DueAt: dueAt},
			now:  dueAt.Add(3 * day),
		},
		{
			name: "overdue_loan_in_fourth_day",
			loan: lending.Loan{Status: lending.LoanOverdue, DueAt: dueAt},
			now:  dueAt.Add(3*day + 5*time.Hour),
		},
		{
			name:     "overdue_loan_past_grace",
			loan:     lending.Loan{Status: lending.LoanOverdue, DueAt: dueAt},
			now:      dueAt.Add(4 * day),
			expected: lending.ErrRenewalTooLate,
		},
		{
			name:     "renewal_limit_reached",
			loan:     lending.Loan{Status: lending.LoanActive, DueAt: dueAt, RenewCount: 2},
			now:      dueAt.Add(-day),
			expected: lending.ErrRenewalLimitExceeded,
		},
		{
			name:     "returned_loan",
			loan:     lending.Loan{Status: lending.LoanReturned, DueAt: dueAt},
			now:      dueAt.Add(-day),
			expected: lending.ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.CheckRenewal(tt.loan, tt.now)
			if tt.expected == nil {
				assert.NoError(t, err)
				return
			}

			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func Test_Policy_Renewed_ExtendsAndReactivates(t *testing.T) {
	// arrange
	policy := lending.DefaultPolicy()
	dueAt := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	loan := lending.Loan{Status: lending.LoanOverdue, DueAt: dueAt, RenewCount: 1}

	// act
	renewed := policy.Renewed(loan)

	// assert
	assert.Equal(t, 2, renewed.RenewCount)
	assert.Equal(t, dueAt.Add(14*day), renewed.DueAt)
	assert.Equal(t, lending.LoanActive, renewed.Status)
	assert.Equal(t, 1, loan.RenewCount, "input loan must stay untouched")
}

func Test_ParseTier_IgnoresCase(t *testing.T) {
	tier, err := lending.ParseTier("vip")
	require.NoError(t, err)
	assert.Equal(t, lending.TierVIP, tier)
}
