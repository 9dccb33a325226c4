// Package journal is the append-only transaction log of lending actions.
//
// Entries are partitioned like loans, by (branch, timestamp). Appends are
// insert-if-absent by transaction id, so redelivering an entry never duplicates it.
// AppendOrSpool never fails its caller: an entry that cannot be written is parked
// in a Spool and redelivered by Drain.
package journal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bachducanh/E-Library/lending"
)

const (
	opAppend = "journal_append"
	opQuery  = "journal_query"
	opDrain  = "journal_drain"

	defaultDrainBatch = 100

	logMsgAppendFailed   = "journal append failed, entry spooled for redelivery"
	logMsgSpoolFailed    = "journal entry could not be spooled, entry lost"
	logMsgRedelivered    = "spooled journal entries redelivered"
	logMsgRedeliverFail  = "spooled journal entry redelivery failed"
	logMsgDrainerStopped = "journal drainer stopped"
	logAttrTxID          = "transaction_id"
	logAttrTxType        = "transaction_type"
	logAttrCount         = "count"
)

// Router is the part of the branch router the journal needs.
type Router interface {
	ShardForLoan(branchID string, at time.Time) (int, error)
	ShardsForBranchRange(branchID string, from, until time.Time) ([]int, error)
	LoanShards() []int
	ResolvePrimary(ctx context.Context, shard int) (lending.ShardStore, error)
	ResolveRead(ctx context.Context, shard int) (lending.ShardStore, error)
}

// Spool holds entries waiting for redelivery.
type Spool interface {
	Park(ctx context.Context, tx lending.Transaction) error
	Pending(ctx context.Context, limit int) ([]lending.Transaction, error)
	Remove(ctx context.Context, transactionID string) error
}

// Journal appends and queries transactions across shards.
type Journal struct {
	router     Router
	spool      Spool
	drainBatch int
	observer   lending.Observer
}

// Option defines a functional option for configuring the Journal.
type Option func(*Journal) error

// WithSpool replaces the default in-memory spool.
func WithSpool(spool Spool) Option {
	return func(j *Journal) error {
		if spool == nil {
			return fmt.Errorf("%w: nil spool", lending.ErrInvalidArgument)
		}

		j.spool = spool

		return nil
	}
}

// WithDrainBatch sets how many spooled entries one Drain call redelivers at most.
func WithDrainBatch(n int) Option {
	return func(j *Journal) error {
		if n < 1 {
			return fmt.Errorf("%w: drain batch %d", lending.ErrInvalidArgument, n)
		}

		j.drainBatch = n

		return nil
	}
}

// WithLogger sets the logger for the Journal.
func WithLogger(logger lending.Logger) Option {
	return func(j *Journal) error {
		j.observer.Logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger for the Journal.
func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(j *Journal) error {
		j.observer.ContextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Journal.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(j *Journal) error {
		j.observer.Metrics = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Journal.
func WithTracing(collector lending.TracingCollector) Option {
	return func(j *Journal) error {
		j.observer.Tracing = collector
		return nil
	}
}

// New creates a Journal. Without WithSpool, entries are spooled in memory.
func New(router Router, options ...Option) (*Journal, error) {
	if router == nil {
		return nil, fmt.Errorf("%w: nil router", lending.ErrInvalidArgument)
	}

	j := &Journal{router: router, drainBatch: defaultDrainBatch}
	for _, option := range options {
		if err := option(j); err != nil {
			return nil, err
		}
	}

	if j.spool == nil {
		j.spool = NewMemorySpool()
	}

	return j, nil
}

// Append writes tx to the primary of its (branch, timestamp) shard.
func (j *Journal) Append(ctx context.Context, tx lending.Transaction) (err error) {
	ctx, finish := j.observer.Operation(ctx, opAppend, map[string]string{logAttrTxType: string(tx.Type)})
	defer func() { finish(err) }()

	if err := validate(tx); err != nil {
		return lending.NewOperationError(opAppend, err).WithLoan(tx.LoanID)
	}

	shard, err := j.router.ShardForLoan(tx.BranchID, tx.Timestamp)
	if err != nil {
		return lending.NewOperationError(opAppend, err).WithLoan(tx.LoanID)
	}

	store, err := j.router.ResolvePrimary(ctx, shard)
	if err != nil {
		return lending.NewOperationError(opAppend, err).WithLoan(tx.LoanID)
	}

	if err := store.AppendTransaction(ctx, tx); err != nil {
		return lending.NewOperationError(opAppend, err).WithLoan(tx.LoanID)
	}

	return nil
}

// AppendOrSpool appends tx, parking it in the spool when the append fails.
// Invalid entries are dropped with an error log since redelivery cannot fix them.
func (j *Journal) AppendOrSpool(ctx context.Context, tx lending.Transaction) {
	err := j.Append(ctx, tx)
	if err == nil {
		return
	}

	if errors.Is(err, lending.ErrInvalidArgument) || errors.Is(err, lending.ErrUnknownBranch) {
		j.observer.Error(ctx, logMsgSpoolFailed, err, logAttrTxID, tx.ID)
		return
	}

	if parkErr := j.spool.Park(ctx, tx); parkErr != nil {
		j.observer.Error(ctx, logMsgSpoolFailed, errors.Join(err, parkErr), logAttrTxID, tx.ID)
		return
	}

	j.observer.Warn(ctx, logMsgAppendFailed, logAttrTxID, tx.ID, logAttrTxType, string(tx.Type), "error", err.Error())
	j.observer.Count(ctx, lending.MetricJournalSpooled, map[string]string{logAttrTxType: string(tx.Type)})
}

// Drain redelivers up to one batch of spooled entries and returns how many were delivered.
func (j *Journal) Drain(ctx context.Context) (delivered int, err error) {
	ctx, finish := j.observer.Operation(ctx, opDrain, nil)
	defer func() { finish(err) }()

	pending, err := j.spool.Pending(ctx, j.drainBatch)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, tx := range pending {
		if err := j.Append(ctx, tx); err != nil {
			j.observer.Warn(ctx, logMsgRedeliverFail, logAttrTxID, tx.ID, "error", err.Error())
			errs = append(errs, err)

			continue
		}

		if err := j.spool.Remove(ctx, tx.ID); err != nil {
			errs = append(errs, err)
			continue
		}

		delivered++
	}

	if delivered > 0 {
		j.observer.Info(ctx, logMsgRedelivered, logAttrCount, delivered)
	}

	return delivered, errors.Join(errs...)
}

// Run drains the spool every interval until ctx is done.
func (j *Journal) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = j.Drain(ctx)
		case <-ctx.Done():
			j.observer.Info(context.WithoutCancel(ctx), logMsgDrainerStopped)
			return
		}
	}
}

// Query returns transactions matching filter, newest first. A branch filter narrows
// the scan to the shards of the branch ranges overlapping the time bounds.
func (j *Journal) Query(ctx context.Context, filter lending.JournalFilter) (txs []lending.Transaction, err error) {
	ctx, finish := j.observer.Operation(ctx, opQuery, nil)
	defer func() { finish(err) }()

	shards := j.router.LoanShards()
	if filter.BranchID() != "" {
		shards, err = j.router.ShardsForBranchRange(filter.BranchID(), filter.From(), filter.Until())
		if err != nil {
			return nil, lending.NewOperationError(opQuery, err)
		}
	}

	perShard := make([][]lending.Transaction, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			store, err := j.router.ResolveRead(gctx, shard)
			if err != nil {
				return err
			}

			perShard[i], err = store.QueryTransactions(gctx, filter)

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, lending.NewOperationError(opQuery, err)
	}

	txs = slices.Concat(perShard...)
	slices.SortFunc(txs, lending.TransactionNewerFirst)

	if filter.Limit() > 0 && len(txs) > filter.Limit() {
		txs = txs[:filter.Limit()]
	}

	return txs, nil
}

func validate(tx lending.Transaction) error {
	switch {
	case tx.ID == "":
		return fmt.Errorf("%w: transaction id is required", lending.ErrInvalidArgument)
	case tx.BranchID == "":
		return fmt.Errorf("%w: transaction branch is required", lending.ErrInvalidArgument)
	case tx.Timestamp.IsZero():
		return fmt.Errorf("%w: transaction timestamp is required", lending.ErrInvalidArgument)
	}

	_, err := lending.ParseTransactionType(string(tx.Type))

	return err
}

// NewEntry builds a transaction for a loan at the given instant.
func NewEntry(txType lending.TransactionType, loan lending.Loan, at time.Time) lending.Transaction {
	at = lending.NormalizeTime(at)

	return lending.Transaction{
		ID:        lending.NewTransactionID(loan.BranchID, at),
		Type:      txType,
		LoanID:    loan.ID,
		CopyID:    loan.CopyID,
		BranchID:  loan.BranchID,
		MemberID:  loan.MemberID,
		Timestamp: at,
	}
}

// NewOverdueEntry builds the overdue transaction of a loan, stamped with its due date.
// Its id depends only on the loan and that date, so a repeated sweep yields the same entry.
func NewOverdueEntry(loan lending.Loan) lending.Transaction {
	tx := NewEntry(lending.TransactionOverdue, loan, loan.DueAt)
	tx.ID = lending.OverdueTransactionID(loan.ID, loan.BranchID, loan.DueAt)

	return tx
}
