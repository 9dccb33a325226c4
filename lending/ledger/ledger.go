// Package ledger owns the loan lifecycle.
//
// A borrow spans two shards: the copy is reserved on the shard of its barcode and
// the loan is created on the shard of the member's branch. The two steps form a
// saga. When the loan cannot be created the reservation is compensated by
// releasing the copy, so a copy is never left borrowed without a loan for longer
// than the retry window.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/journal"
	"github.com/bachducanh/E-Library/lending/retry"
)

const (
	opBorrow       = "borrow"
	opReturn       = "return"
	opRenew        = "renew"
	opGetLoan      = "get_loan"
	opListLoans    = "list_loans"
	opCreateLoan   = "create_loan"
	opReleaseCopy  = "release_copy"
	opClearPending = "clear_release_pending"
	opTransition   = "loan_transition"

	defaultStepTimeout = 2 * time.Second

	logMsgLoanCreated        = "loan created"
	logMsgLoanReturned       = "loan returned"
	logMsgLoanRenewed        = "loan renewed"
	logMsgCompensated        = "loan creation failed, copy reservation compensated"
	logMsgCompensationFailed = "loan creation failed and copy could not be released"
	logMsgOrphanDeleteFailed = "could not delete possibly committed loan during compensation"
	logMsgReleaseDeferred    = "copy release failed, left for reconciliation"
	logMsgPendingNotCleared  = "copy released but release flag not cleared"
	logAttrLoanID            = "loan_id"
	logAttrCopyID            = "copy_id"
	logAttrMemberID          = "member_id"
	logAttrDueAt             = "due_at"
	logAttrRenewCount        = "renew_count"
	logAttrOutcome           = "outcome"

	outcomeReleased      = "released"
	outcomeReleaseFailed = "release_failed"
)

// Router is the part of the branch router the ledger needs.
type Router interface {
	ShardForLoan(branchID string, at time.Time) (int, error)
	ShardForLoanID(loanID string) (int, error)
	ShardsForBranch(branchID string) ([]int, error)
	LoanShards() []int
	ResolvePrimary(ctx context.Context, shard int) (lending.ShardStore, error)
	ResolveRead(ctx context.Context, shard int) (lending.ShardStore, error)
}

// Copies is the part of the copy registry the ledger needs.
type Copies interface {
	GetCopy(ctx context.Context, copyID string) (lending.Copy, error)
	Reserve(ctx context.Context, copyID, loanID string) (lending.Copy, error)
	Release(ctx context.Context, copyID, loanID string) (lending.Copy, error)
}

// Journal records lending actions. Appends must not fail the caller.
type Journal interface {
	AppendOrSpool(ctx context.Context, tx lending.Transaction)
}

// Ledger borrows, returns and renews loans.
type Ledger struct {
	router       Router
	copies       Copies
	journal      Journal
	members      lending.MemberDirectory
	policy       lending.Policy
	clock        lending.Clock
	stepTimeout  time.Duration
	retryOptions []retry.Option
	crossBranch  bool
	observer     lending.Observer
}

// Option defines a functional option for configuring the Ledger.
type Option func(*Ledger) error

// WithPolicy replaces lending.DefaultPolicy.
func WithPolicy(policy lending.Policy) Option {
	return func(l *Ledger) error {
		if len(policy.Tiers) == 0 {
			return fmt.Errorf("%w: policy without tiers", lending.ErrInvalidArgument)
		}

		l.policy = policy

		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(clock lending.Clock) Option {
	return func(l *Ledger) error {
		if clock == nil {
			return fmt.Errorf("%w: nil clock", lending.ErrInvalidArgument)
		}

		l.clock = clock

		return nil
	}
}

// WithStepTimeout bounds every single attempt of a cross-shard step.
func WithStepTimeout(timeout time.Duration) Option {
	return func(l *Ledger) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: step timeout %s", lending.ErrInvalidArgument, timeout)
		}

		l.stepTimeout = timeout

		return nil
	}
}

// WithRetryOptions tunes the backoff of loan creation, copy release and optimistic loops.
func WithRetryOptions(options ...retry.Option) Option {
	return func(l *Ledger) error {
		l.retryOptions = options
		return nil
	}
}

// WithCrossBranchLending lets members borrow copies held by other branches.
func WithCrossBranchLending() Option {
	return func(l *Ledger) error {
		l.crossBranch = true
		return nil
	}
}

// WithLogger sets the logger for the Ledger.
func WithLogger(logger lending.Logger) Option {
	return func(l *Ledger) error {
		l.observer.Logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger for the Ledger.
func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(l *Ledger) error {
		l.observer.ContextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Ledger.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(l *Ledger) error {
		l.observer.Metrics = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Ledger.
func WithTracing(collector lending.TracingCollector) Option {
	return func(l *Ledger) error {
		l.observer.Tracing = collector
		return nil
	}
}

// New creates a Ledger.
func New(
	router Router,
	copies Copies,
	txJournal Journal,
	members lending.MemberDirectory,
	options ...Option,
) (*Ledger, error) {
	switch {
	case router == nil:
		return nil, fmt.Errorf("%w: nil router", lending.ErrInvalidArgument)
	case copies == nil:
		return nil, fmt.Errorf("%w: nil copy registry", lending.ErrInvalidArgument)
	case txJournal == nil:
		return nil, fmt.Errorf("%w: nil journal", lending.ErrInvalidArgument)
	case members == nil:
		return nil, fmt.Errorf("%w: nil member directory", lending.ErrInvalidArgument)
	}

	l := &Ledger{
		router:      router,
		copies:      copies,
		journal:     txJournal,
		members:     members,
		policy:      lending.DefaultPolicy(),
		clock:       time.Now,
		stepTimeout: defaultStepTimeout,
	}

	for _, option := range options {
		if err := option(l); err != nil {
			return nil, err
		}
	}

	return l, nil
}

/***** Borrow *****/

// Borrow lends a copy to a member.
//
// The copy reservation is the only mutual exclusion: of concurrent borrows of one
// copy exactly one passes Reserve. The quota check before it reads and then acts,
// so racing borrows of one member may transiently exceed the quota by one.
func (l *Ledger) Borrow(ctx context.Context, copyID, memberID string) (loan lending.Loan, err error) {
	ctx, finish := l.observer.Operation(ctx, opBorrow, map[string]string{logAttrCopyID: copyID, logAttrMemberID: memberID})
	defer func() { finish(err) }()

	wrap := func(err error) error {
		return lending.NewOperationError(opBorrow, err).WithCopy(copyID).WithMember(memberID)
	}

	member, limits, err := l.checkMember(ctx, memberID)
	if err != nil {
		return lending.Loan{}, wrap(err)
	}

	if !l.crossBranch {
		c, err := l.copies.GetCopy(lending.WithStrongConsistency(ctx), copyID)
		if err != nil {
			return lending.Loan{}, wrap(err)
		}

		if c.BranchID != member.BranchID {
			return lending.Loan{}, wrap(fmt.Errorf("%w: copy of %s, member of %s", lending.ErrBranchMismatch, c.BranchID, member.BranchID))
		}
	}

	if err := l.checkQuota(ctx, member, limits); err != nil {
		return lending.Loan{}, wrap(err)
	}

	now := lending.NormalizeTime(l.clock())
	loanID := lending.NewLoanID(member.BranchID, now)

	c, err := l.copies.Reserve(ctx, copyID, loanID)
	if err != nil {
		return lending.Loan{}, wrap(err)
	}

	loan = lending.Loan{
		ID:         loanID,
		BookID:     c.BookID,
		CopyID:     copyID,
		MemberID:   memberID,
		BranchID:   member.BranchID,
		BorrowedAt: now,
		DueAt:      l.policy.DueAt(limits, now, 0),
		Status:     lending.LoanActive,
	}

	// the copy is reserved: finish or compensate even when the caller gives up
	detached := context.WithoutCancel(ctx)

	if err := l.createLoan(detached, loan); err != nil {
		l.compensate(detached, loan, err)
		return lending.Loan{}, wrap(err)
	}

	l.observer.Info(ctx, logMsgLoanCreated,
		logAttrLoanID, loan.ID, logAttrCopyID, copyID, logAttrMemberID, memberID, logAttrDueAt, loan.DueAt.Format(time.RFC3339))

	l.journal.AppendOrSpool(detached, journal.NewEntry(lending.TransactionBorrow, loan, now))

	return loan, nil
}

func (l *Ledger) checkMember(ctx context.Context, memberID string) (lending.Member, lending.TierLimits, error) {
	member, err := l.members.GetMember(ctx, memberID)
	if err != nil {
		return lending.Member{}, lending.TierLimits{}, err
	}

	limits, err := l.policy.Limits(member.Tier)
	if err != nil {
		return lending.Member{}, lending.TierLimits{}, err
	}

	if !member.SubscriptionActive(l.clock()) {
		return lending.Member{}, lending.TierLimits{}, lending.ErrSubscriptionExpired
	}

	return member, limits, nil
}

func (l *Ledger) checkQuota(ctx context.Context, member lending.Member, limits lending.TierLimits) error {
	shards, err := l.router.ShardsForBranch(member.BranchID)
	if err != nil {
		return err
	}

	open := 0
	for _, shard := range shards {
		store, err := l.router.ResolvePrimary(ctx, shard)
		if err != nil {
			return err
		}

		n, err := store.CountOpenLoans(ctx, member.ID)
		if err != nil {
			return err
		}

		open += n
	}

	if open >= limits.MaxLoans {
		return fmt.Errorf("%w: %d of %d loans open", lending.ErrQuotaExceeded, open, limits.MaxLoans)
	}

	return nil
}

func (l *Ledger) createLoan(ctx context.Context, loan lending.Loan) error {
	shard, err := l.router.ShardForLoan(loan.BranchID, loan.BorrowedAt)
	if err != nil {
		return err
	}

	_, err = retry.WithExponentialBackoff(ctx, func(ctx context.Context) error {
		store, err := l.router.ResolvePrimary(ctx, shard)
		if err != nil {
			return err
		}

		err = store.InsertLoan(ctx, loan)
		if errors.Is(err, lending.ErrConflict) {
			// an earlier attempt committed after its timeout
			existing, getErr := store.GetLoan(ctx, loan.ID)
			if getErr == nil && existing.CopyID == loan.CopyID && existing.MemberID == loan.MemberID {
				return nil
			}
		}

		return err
	}, l.stepRetryOptions(opCreateLoan)...)

	return err
}

// compensate undoes the reservation of a copy whose loan could not be created.
func (l *Ledger) compensate(ctx context.Context, loan lending.Loan, cause error) {
	if shard, err := l.router.ShardForLoan(loan.BranchID, loan.BorrowedAt); err == nil {
		stepCtx, cancel := context.WithTimeout(ctx, l.stepTimeout)
		store, err := l.router.ResolvePrimary(stepCtx, shard)
		if err == nil {
			err = store.DeleteLoan(stepCtx, loan.ID)
		}

		cancel()

		if err != nil {
			l.observer.Warn(ctx, logMsgOrphanDeleteFailed, logAttrLoanID, loan.ID, "error", err.Error())
		}
	}

	labels := map[string]string{lending.LabelErrorType: lending.ErrorType(cause)}

	if err := l.releaseCopy(ctx, loan); err != nil {
		labels[logAttrOutcome] = outcomeReleaseFailed
		l.observer.Count(ctx, lending.MetricCompensations, labels)
		l.observer.Error(ctx, logMsgCompensationFailed, errors.Join(cause, err),
			logAttrCopyID, loan.CopyID, logAttrMemberID, loan.MemberID)

		return
	}

	labels[logAttrOutcome] = outcomeReleased
	l.observer.Count(ctx, lending.MetricCompensations, labels)
	l.observer.Warn(ctx, logMsgCompensated,
		logAttrCopyID, loan.CopyID, logAttrMemberID, loan.MemberID, "error", cause.Error())
}

// releaseCopy releases the copy held by loan with retries. A copy that is no
// longer borrowed by this loan counts as released.
func (l *Ledger) releaseCopy(ctx context.Context, loan lending.Loan) error {
	_, err := retry.WithExponentialBackoff(ctx, func(ctx context.Context) error {
		_, err := l.copies.Release(ctx, loan.CopyID, loan.ID)
		if errors.Is(err, lending.ErrInvalidState) {
			return nil
		}

		return err
	}, l.stepRetryOptions(opReleaseCopy)...)

	return err
}

/***** Return *****/

// Return closes an active or overdue loan and puts its copy back into circulation.
// When the copy cannot be released the loan stays returned with ReleasePending set
// and the Reconciler finishes the release later.
func (l *Ledger) Return(ctx context.Context, loanID string) (loan lending.Loan, err error) {
	ctx, finish := l.observer.Operation(ctx, opReturn, map[string]string{logAttrLoanID: loanID})
	defer func() { finish(err) }()

	wrap := func(err error) error {
		return lending.NewOperationError(opReturn, err).WithLoan(loanID)
	}

	now := lending.NormalizeTime(l.clock())

	loan, err = l.transition(ctx, loanID, func(current lending.Loan) (lending.Loan, error) {
		if !current.Status.IsOpen() {
			return lending.Loan{}, fmt.Errorf("%w: loan is %s", lending.ErrInvalidState, current.Status)
		}

		next := current
		next.Status = lending.LoanReturned
		next.ReturnedAt = &now
		next.ReleasePending = true

		return next, nil
	})
	if err != nil {
		return lending.Loan{}, wrap(err)
	}

	detached := context.WithoutCancel(ctx)

	if err := l.releaseCopy(detached, loan); err != nil {
		l.observer.Warn(ctx, logMsgReleaseDeferred, logAttrLoanID, loanID, logAttrCopyID, loan.CopyID, "error", err.Error())
	} else if cleared, err := l.clearReleasePending(detached, loan); err != nil {
		l.observer.Warn(ctx, logMsgPendingNotCleared, logAttrLoanID, loanID, "error", err.Error())
	} else {
		loan = cleared
	}

	l.observer.Info(ctx, logMsgLoanReturned, logAttrLoanID, loanID, logAttrCopyID, loan.CopyID)
	l.journal.AppendOrSpool(detached, journal.NewEntry(lending.TransactionReturn, loan, now))

	return loan, nil
}

func (l *Ledger) clearReleasePending(ctx context.Context, loan lending.Loan) (lending.Loan, error) {
	next := loan
	next.ReleasePending = false

	shard, err := l.router.ShardForLoanID(loan.ID)
	if err != nil {
		return loan, err
	}

	_, err = retry.WithExponentialBackoff(ctx, func(ctx context.Context) error {
		store, err := l.router.ResolvePrimary(ctx, shard)
		if err != nil {
			return err
		}

		return store.CompareAndSwapLoan(ctx, loan, next)
	}, l.stepRetryOptions(opClearPending, retry.WithRetryable(isShardUnavailable))...)
	if err != nil {
		return loan, err
	}

	return next, nil
}

/***** Renew *****/

// Renew extends an active or overdue loan by one renewal period.
func (l *Ledger) Renew(ctx context.Context, loanID string) (loan lending.Loan, err error) {
	ctx, finish := l.observer.Operation(ctx, opRenew, map[string]string{logAttrLoanID: loanID})
	defer func() { finish(err) }()

	loan, err = l.transition(ctx, loanID, func(current lending.Loan) (lending.Loan, error) {
		if err := l.policy.CheckRenewal(current, l.clock()); err != nil {
			return lending.Loan{}, err
		}

		return l.policy.Renewed(current), nil
	})
	if err != nil {
		return lending.Loan{}, lending.NewOperationError(opRenew, err).WithLoan(loanID)
	}

	l.observer.Info(ctx, logMsgLoanRenewed,
		logAttrLoanID, loanID, logAttrRenewCount, loan.RenewCount, logAttrDueAt, loan.DueAt.Format(time.RFC3339))

	now := lending.NormalizeTime(l.clock())
	l.journal.AppendOrSpool(context.WithoutCancel(ctx), journal.NewEntry(lending.TransactionRenew, loan, now))

	return loan, nil
}

// transition reads a loan from its primary, lets decide compute the next state and
// writes it with compare-and-swap. A lost swap re-reads and decides again.
func (l *Ledger) transition(
	ctx context.Context,
	loanID string,
	decide func(current lending.Loan) (lending.Loan, error),
) (lending.Loan, error) {
	shard, err := l.router.ShardForLoanID(loanID)
	if err != nil {
		return lending.Loan{}, err
	}

	var next lending.Loan

	_, err = retry.WithExponentialBackoff(ctx, func(ctx context.Context) error {
		store, err := l.router.ResolvePrimary(ctx, shard)
		if err != nil {
			return err
		}

		current, err := store.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}

		next, err = decide(current)
		if err != nil {
			return err
		}

		return store.CompareAndSwapLoan(ctx, current, next)
	}, l.stepRetryOptions(opTransition)...)

	return next, err
}

/***** GetLoan *****/

// GetLoan reads one loan, honoring the consistency level of ctx.
func (l *Ledger) GetLoan(ctx context.Context, loanID string) (loan lending.Loan, err error) {
	ctx, finish := l.observer.Operation(ctx, opGetLoan, map[string]string{logAttrLoanID: loanID})
	defer func() { finish(err) }()

	shard, err := l.router.ShardForLoanID(loanID)
	if err != nil {
		return lending.Loan{}, lending.NewOperationError(opGetLoan, err).WithLoan(loanID)
	}

	store, err := l.router.ResolveRead(ctx, shard)
	if err != nil {
		return lending.Loan{}, lending.NewOperationError(opGetLoan, err).WithLoan(loanID)
	}

	loan, err = store.GetLoan(ctx, loanID)
	if err != nil {
		return lending.Loan{}, lending.NewOperationError(opGetLoan, err).WithLoan(loanID)
	}

	return loan, nil
}

func (l *Ledger) stepRetryOptions(operation string, extra ...retry.Option) []retry.Option {
	options := []retry.Option{
		retry.WithAttemptTimeout(l.stepTimeout),
		retry.WithObserver(l.observer, operation),
	}
	options = append(options, l.retryOptions...)

	return append(options, extra...)
}

func isShardUnavailable(err error) bool {
	return errors.Is(err, lending.ErrShardUnavailable)
}
