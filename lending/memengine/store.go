package memengine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bachducanh/E-Library/lending"
)

// ErrNodeDown is returned by every call while the store is marked down.
var ErrNodeDown = errors.New("memory node is down")

// Store implements lending.ShardStore, lending.HealthProbe and
// lending.ReplicationProbe in memory.
type Store struct {
	mu           sync.RWMutex
	copies       map[string]lending.Copy
	barcodes     map[string]string
	loans        map[string]lending.Loan
	transactions map[string]lending.Transaction
	down         bool
	lag          time.Duration
}

// NewStore creates an empty in-memory shard store.
func NewStore() *Store {
	return &Store{
		copies:       make(map[string]lending.Copy),
		barcodes:     make(map[string]string),
		loans:        make(map[string]lending.Loan),
		transactions: make(map[string]lending.Transaction),
	}
}

// SetDown makes every subsequent call fail with lending.ErrShardUnavailable until reset.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// SetReplicationLag sets the lag reported by ReplicationLag.
func (s *Store) SetReplicationLag(lag time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lag = lag
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.checkUp()
}

func (s *Store) ReplicationLag(_ context.Context) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return 0, err
	}

	return s.lag, nil
}

/***** copies *****/

func (s *Store) InsertCopy(_ context.Context, c lending.Copy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return err
	}

	if _, exists := s.copies[c.ID]; exists {
		return fmt.Errorf("%w: copy %s already exists", lending.ErrConflict, c.ID)
	}

	if _, exists := s.barcodes[c.Barcode]; exists {
		return fmt.Errorf("%w: barcode %s already exists", lending.ErrConflict, c.Barcode)
	}

	s.copies[c.ID] = c
	s.barcodes[c.Barcode] = c.ID

	return nil
}

func (s *Store) GetCopy(_ context.Context, copyID string) (lending.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return lending.Copy{}, err
	}

	c, ok := s.copies[copyID]
	if !ok {
		return lending.Copy{}, fmt.Errorf("%w: copy %s", lending.ErrNotFound, copyID)
	}

	return c, nil
}

func (s *Store) CompareAndSetCopy(
	_ context.Context,
	copyID string,
	expected, next lending.CopyState,
) (lending.Copy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return lending.Copy{}, err
	}

	c, ok := s.copies[copyID]
	if !ok {
		return lending.Copy{}, fmt.Errorf("%w: copy %s", lending.ErrNotFound, copyID)
	}

	if c.State() != expected {
		return c, lending.ErrConcurrencyConflict
	}

	c.Status, c.LoanID = next.Status, next.LoanID
	s.copies[copyID] = c

	return c, nil
}

func (s *Store) ListCopies(_ context.Context, filter lending.CopyFilter) ([]lending.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return nil, err
	}

	copies := make([]lending.Copy, 0)
	for _, c := range s.copies {
		if filter.Matches(c) {
			copies = append(copies, c)
		}
	}

	slices.SortFunc(copies, func(a, b lending.Copy) int {
		switch {
		case a.Barcode < b.Barcode:
			return -1
		case a.Barcode > b.Barcode:
			return 1
		default:
			return 0
		}
	})

	return copies, nil
}

func (s *Store) CountCopies(_ context.Context, bookID string) (lending.Availability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return lending.Availability{}, err
	}

	availability := lending.Availability{BookID: bookID}
	for _, c := range s.copies {
		if c.BookID != bookID {
			continue
		}

		availability.Total++
		if c.Status == lending.CopyAvailable {
			availability.Available++
		}
	}

	return availability, nil
}

/***** loans *****/

func (s *Store) InsertLoan(_ context.Context, loan lending.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return err
	}

	if _, exists := s.loans[loan.ID]; exists {
		return fmt.Errorf("%w: loan %s already exists", lending.ErrConflict, loan.ID)
	}

	s.loans[loan.ID] = cloneLoan(loan)

	return nil
}

func (s *Store) GetLoan(_ context.Context, loanID string) (lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return lending.Loan{}, err
	}

	loan, ok := s.loans[loanID]
	if !ok {
		return lending.Loan{}, fmt.Errorf("%w: loan %s", lending.ErrNotFound, loanID)
	}

	return cloneLoan(loan), nil
}

func (s *Store) CompareAndSwapLoan(_ context.Context, expected, next lending.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return err
	}

	current, ok := s.loans[expected.ID]
	if !ok {
		return fmt.Errorf("%w: loan %s", lending.ErrNotFound, expected.ID)
	}

	if current.Status != expected.Status || current.RenewCount != expected.RenewCount {
		return lending.ErrConcurrencyConflict
	}

	s.loans[expected.ID] = cloneLoan(next)

	return nil
}

func (s *Store) DeleteLoan(_ context.Context, loanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return err
	}

	delete(s.loans, loanID)

	return nil
}

func (s *Store) QueryLoans(
	_ context.Context,
	filter lending.LoanFilter,
	after *lending.LoanCursor,
	limit int,
) ([]lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return nil, err
	}

	loans := make([]lending.Loan, 0)
	for _, loan := range s.loans {
		if !filter.Matches(loan) || (after != nil && !after.Before(loan)) {
			continue
		}

		loans = append(loans, cloneLoan(loan))
	}

	slices.SortFunc(loans, lending.LoanNewerFirst)

	if len(loans) > limit {
		loans = loans[:limit]
	}

	return loans, nil
}

func (s *Store) CountOpenLoans(_ context.Context, memberID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return 0, err
	}

	count := 0
	for _, loan := range s.loans {
		if loan.MemberID == memberID && loan.Status.IsOpen() {
			count++
		}
	}

	return count, nil
}

func (s *Store) ListDueLoans(_ context.Context, now time.Time, limit int) ([]lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return nil, err
	}

	loans := make([]lending.Loan, 0)
	for _, loan := range s.loans {
		if loan.Status == lending.LoanActive && loan.DueAt.Before(now) {
			loans = append(loans, cloneLoan(loan))
		}
	}

	slices.SortFunc(loans, func(a, b lending.Loan) int { return a.DueAt.Compare(b.DueAt) })

	if len(loans) > limit {
		loans = loans[:limit]
	}

	return loans, nil
}

func (s *Store) ListPendingReleases(_ context.Context, limit int) ([]lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return nil, err
	}

	loans := make([]lending.Loan, 0)
	for _, loan := range s.loans {
		if loan.Status == lending.LoanReturned && loan.ReleasePending {
			loans = append(loans, cloneLoan(loan))
		}
	}

	slices.SortFunc(loans, lending.LoanNewerFirst)

	if len(loans) > limit {
		loans = loans[:limit]
	}

	return loans, nil
}

/***** transactions *****/

func (s *Store) AppendTransaction(_ context.Context, tx lending.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUp(); err != nil {
		return err
	}

	if _, exists := s.transactions[tx.ID]; !exists {
		s.transactions[tx.ID] = tx
	}

	return nil
}

func (s *Store) QueryTransactions(_ context.Context, filter lending.JournalFilter) ([]lending.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkUp(); err != nil {
		return nil, err
	}

	transactions := make([]lending.Transaction, 0)
	for _, tx := range s.transactions {
		if filter.Matches(tx) {
			transactions = append(transactions, tx)
		}
	}

	slices.SortFunc(transactions, lending.TransactionNewerFirst)

	if filter.Limit() > 0 && len(transactions) > filter.Limit() {
		transactions = transactions[:filter.Limit()]
	}

	return transactions, nil
}

// checkUp must be called with the lock held.
func (s *Store) checkUp() error {
	if s.down {
		return errors.Join(lending.ErrShardUnavailable, ErrNodeDown)
	}

	return nil
}

func cloneLoan(loan lending.Loan) lending.Loan {
	if loan.ReturnedAt != nil {
		returnedAt := *loan.ReturnedAt
		loan.ReturnedAt = &returnedAt
	}

	return loan
}
