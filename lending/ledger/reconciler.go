package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bachducanh/E-Library/lending"
)

const (
	opReconcile = "reconcile_releases"

	defaultReconcileBatch = 100

	logMsgReconciled        = "pending copy releases reconciled"
	logMsgReconcileFailed   = "pending copy release still failing"
	logMsgReconcilerStopped = "release reconciler stopped"
	logAttrCount            = "count"
)

// Reconciler finishes the copy releases of returned loans whose release failed.
type Reconciler struct {
	ledger *Ledger
	batch  int
}

// NewReconciler creates a Reconciler working with the stores and copy registry of l.
func NewReconciler(l *Ledger) *Reconciler {
	return &Reconciler{ledger: l, batch: defaultReconcileBatch}
}

// ReconcileReleases releases the copies of returned loans still flagged with
// ReleasePending on every loan shard and clears the flag. A copy that is no longer
// borrowed by the returned loan counts as released, so a copy lent again in the
// meantime stays with its new loan. It returns how many loans were reconciled.
func (r *Reconciler) ReconcileReleases(ctx context.Context) (reconciled int, err error) {
	l := r.ledger

	ctx, finish := l.observer.Operation(ctx, opReconcile, nil)
	defer func() { finish(err) }()

	var total atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range l.router.LoanShards() {
		g.Go(func() error {
			n, err := r.reconcileShard(gctx, shard)
			total.Add(int64(n))

			return err
		})
	}

	err = g.Wait()
	reconciled = int(total.Load())

	if reconciled > 0 {
		l.observer.Info(ctx, logMsgReconciled, logAttrCount, reconciled)
	}

	if err != nil {
		return reconciled, lending.NewOperationError(opReconcile, err)
	}

	return reconciled, nil
}

func (r *Reconciler) reconcileShard(ctx context.Context, shard int) (int, error) {
	l := r.ledger

	store, err := l.router.ResolvePrimary(ctx, shard)
	if err != nil {
		return 0, err
	}

	pending, err := store.ListPendingReleases(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	var (
		reconciled int
		errs       []error
	)

	for _, loan := range pending {
		if err := l.releaseCopy(ctx, loan); err != nil {
			l.observer.Warn(ctx, logMsgReconcileFailed, logAttrLoanID, loan.ID, logAttrCopyID, loan.CopyID, "error", err.Error())
			l.observer.Count(ctx, lending.MetricReleaseReconciliations, map[string]string{logAttrOutcome: outcomeReleaseFailed})
			errs = append(errs, err)

			continue
		}

		if _, err := l.clearReleasePending(ctx, loan); err != nil {
			errs = append(errs, fmt.Errorf("loan %s: %w", loan.ID, err))
			continue
		}

		l.observer.Count(ctx, lending.MetricReleaseReconciliations, map[string]string{logAttrOutcome: outcomeReleased})
		reconciled++
	}

	return reconciled, errors.Join(errs...)
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = r.ReconcileReleases(ctx)
		case <-ctx.Done():
			r.ledger.observer.Info(context.WithoutCancel(ctx), logMsgReconcilerStopped)
			return
		}
	}
}
