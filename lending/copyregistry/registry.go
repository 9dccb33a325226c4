// Package copyregistry owns the availability state of physical copies.
//
// Every status change is a compare-and-set on the primary of the copy's shard,
// which makes Reserve the single point of mutual exclusion for borrow races:
// of any number of concurrent reservations of one available copy exactly one
// succeeds and the others fail immediately with lending.ErrConflict.
package copyregistry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bachducanh/E-Library/lending"
)

const (
	opReserve      = "reserve_copy"
	opRelease      = "release_copy"
	opAddCopy      = "add_copy"
	opGetCopy      = "get_copy"
	opAvailability = "copy_availability"
	opListCopies   = "list_copies"
	opRetire       = "retire_copy"
	opReinstate    = "reinstate_copy"

	maxBarcodeAttempts = 3

	logMsgCopyAdded      = "copy added"
	logMsgCopyReserved   = "copy reserved"
	logMsgCopyReleased   = "copy released"
	logMsgReserveRefused = "copy reservation refused"
	logMsgCopyRetired    = "copy retired"
	logMsgBarcodeClash   = "generated barcode already taken, retrying"
	logAttrCopyID        = "copy_id"
	logAttrLoanID        = "loan_id"
	logAttrBookID        = "book_id"
	logAttrBranchID      = "branch_id"
	logAttrStatus        = "status"
)

// Router is the part of the branch router the registry needs.
type Router interface {
	ShardForCopy(barcode string) int
	ShardForCopyID(copyID string) (int, error)
	CopyShards() []int
	HasBranch(branchID string) bool
	ResolvePrimary(ctx context.Context, shard int) (lending.ShardStore, error)
	ResolveRead(ctx context.Context, shard int) (lending.ShardStore, error)
}

// Registry reserves, releases and registers copies.
type Registry struct {
	router   Router
	catalog  lending.BookCatalog
	observer lending.Observer
}

// Option defines a functional option for configuring the Registry.
type Option func(*Registry) error

// WithCatalog makes AddCopy and Availability reject unknown books.
func WithCatalog(catalog lending.BookCatalog) Option {
	return func(r *Registry) error {
		r.catalog = catalog
		return nil
	}
}

// WithLogger sets the logger for the Registry.
func WithLogger(logger lending.Logger) Option {
	return func(r *Registry) error {
		r.observer.Logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger for the Registry.
func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(r *Registry) error {
		r.observer.ContextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Registry.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(r *Registry) error {
		r.observer.Metrics = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Registry.
func WithTracing(collector lending.TracingCollector) Option {
	return func(r *Registry) error {
		r.observer.Tracing = collector
		return nil
	}
}

// New creates a Registry on top of a router.
func New(router Router, options ...Option) (*Registry, error) {
	if router == nil {
		return nil, fmt.Errorf("%w: nil router", lending.ErrInvalidArgument)
	}

	r := &Registry{router: router}
	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Reserve atomically moves an available copy to borrowed and records loanID as its holder.
func (r *Registry) Reserve(ctx context.Context, copyID, loanID string) (c lending.Copy, err error) {
	ctx, finish := r.observer.Operation(ctx, opReserve, map[string]string{logAttrCopyID: copyID, logAttrLoanID: loanID})
	defer func() { finish(err) }()

	if loanID == "" {
		err := fmt.Errorf("%w: loan id is required", lending.ErrInvalidArgument)
		return lending.Copy{}, lending.NewOperationError(opReserve, err).WithCopy(copyID)
	}

	c, err = r.compareAndSet(ctx, copyID,
		lending.CopyState{Status: lending.CopyAvailable},
		lending.CopyState{Status: lending.CopyBorrowed, LoanID: loanID},
	)
	if errors.Is(err, lending.ErrConcurrencyConflict) {
		r.observer.Info(ctx, logMsgReserveRefused, logAttrCopyID, copyID, logAttrStatus, c.Status.String())
		return c, lending.NewOperationError(opReserve, errors.Join(lending.ErrConflict, err)).WithCopy(copyID)
	}

	if err != nil {
		return lending.Copy{}, lending.NewOperationError(opReserve, err).WithCopy(copyID)
	}

	r.observer.Debug(ctx, logMsgCopyReserved, logAttrCopyID, copyID, logAttrLoanID, loanID)

	return c, nil
}

// Release atomically moves a copy borrowed by loanID back to available. A copy
// that is not borrowed, or is held by another loan, yields lending.ErrInvalidState
// together with its current state.
func (r *Registry) Release(ctx context.Context, copyID, loanID string) (c lending.Copy, err error) {
	ctx, finish := r.observer.Operation(ctx, opRelease, map[string]string{logAttrCopyID: copyID, logAttrLoanID: loanID})
	defer func() { finish(err) }()

	c, err = r.compareAndSet(ctx, copyID,
		lending.CopyState{Status: lending.CopyBorrowed, LoanID: loanID},
		lending.CopyState{Status: lending.CopyAvailable},
	)
	if errors.Is(err, lending.ErrConcurrencyConflict) {
		return c, lending.NewOperationError(opRelease, errors.Join(lending.ErrInvalidState, err)).WithCopy(copyID).WithLoan(loanID)
	}

	if err != nil {
		return lending.Copy{}, lending.NewOperationError(opRelease, err).WithCopy(copyID).WithLoan(loanID)
	}

	r.observer.Debug(ctx, logMsgCopyReleased, logAttrCopyID, copyID)

	return c, nil
}

// AddCopy registers a new available copy of bookID at branchID under a fresh barcode.
func (r *Registry) AddCopy(
	ctx context.Context,
	bookID, branchID string,
	condition lending.CopyCondition,
) (c lending.Copy, err error) {
	ctx, finish := r.observer.Operation(ctx, opAddCopy, map[string]string{logAttrBookID: bookID, logAttrBranchID: branchID})
	defer func() { finish(err) }()

	if err := r.validateNewCopy(ctx, bookID, branchID, condition); err != nil {
		return lending.Copy{}, lending.NewOperationError(opAddCopy, err)
	}

	for attempt := 1; ; attempt++ {
		barcode, copyID := lending.NewBarcode()
		c = lending.Copy{
			ID:        copyID,
			BookID:    bookID,
			BranchID:  branchID,
			Barcode:   barcode,
			Status:    lending.CopyAvailable,
			Condition: condition,
		}

		store, err := r.router.ResolvePrimary(ctx, r.router.ShardForCopy(barcode))
		if err != nil {
			return lending.Copy{}, lending.NewOperationError(opAddCopy, err)
		}

		err = store.InsertCopy(ctx, c)
		if err == nil {
			break
		}

		if !errors.Is(err, lending.ErrConflict) || attempt == maxBarcodeAttempts {
			return lending.Copy{}, lending.NewOperationError(opAddCopy, err)
		}

		r.observer.Warn(ctx, logMsgBarcodeClash, logAttrCopyID, copyID)
	}

	r.observer.Info(ctx, logMsgCopyAdded, logAttrCopyID, c.ID, logAttrBookID, bookID, logAttrBranchID, branchID)

	return c, nil
}

// GetCopy reads one copy, honoring the consistency level of ctx.
func (r *Registry) GetCopy(ctx context.Context, copyID string) (c lending.Copy, err error) {
	ctx, finish := r.observer.Operation(ctx, opGetCopy, map[string]string{logAttrCopyID: copyID})
	defer func() { finish(err) }()

	shard, err := r.router.ShardForCopyID(copyID)
	if err != nil {
		return lending.Copy{}, lending.NewOperationError(opGetCopy, err).WithCopy(copyID)
	}

	store, err := r.router.ResolveRead(ctx, shard)
	if err != nil {
		return lending.Copy{}, lending.NewOperationError(opGetCopy, err).WithCopy(copyID)
	}

	c, err = store.GetCopy(ctx, copyID)
	if err != nil {
		return lending.Copy{}, lending.NewOperationError(opGetCopy, err).WithCopy(copyID)
	}

	return c, nil
}

// Availability counts all and available copies of a book over every shard in
// parallel. With lending.WithBoundedStaleness the counts may come from secondaries.
func (r *Registry) Availability(ctx context.Context, bookID string) (a lending.Availability, err error) {
	ctx, finish := r.observer.Operation(ctx, opAvailability, map[string]string{logAttrBookID: bookID})
	defer func() { finish(err) }()

	if err := r.checkBook(ctx, bookID); err != nil {
		return lending.Availability{}, lending.NewOperationError(opAvailability, err)
	}

	shards := r.router.CopyShards()
	counts := make([]lending.Availability, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			store, err := r.router.ResolveRead(gctx, shard)
			if err != nil {
				return err
			}

			counts[i], err = store.CountCopies(gctx, bookID)

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return lending.Availability{}, lending.NewOperationError(opAvailability, err)
	}

	a = lending.Availability{BookID: bookID}
	for _, count := range counts {
		a.Total += count.Total
		a.Available += count.Available
	}

	return a, nil
}

// ListCopies returns the copies of a book matching the filter, ordered by barcode.
func (r *Registry) ListCopies(ctx context.Context, filter lending.CopyFilter) (copies []lending.Copy, err error) {
	ctx, finish := r.observer.Operation(ctx, opListCopies, map[string]string{logAttrBookID: filter.BookID})
	defer func() { finish(err) }()

	if filter.BookID == "" {
		return nil, lending.NewOperationError(opListCopies, fmt.Errorf("%w: book id is required", lending.ErrInvalidArgument))
	}

	shards := r.router.CopyShards()
	perShard := make([][]lending.Copy, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			store, err := r.router.ResolveRead(gctx, shard)
			if err != nil {
				return err
			}

			perShard[i], err = store.ListCopies(gctx, filter)

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, lending.NewOperationError(opListCopies, err)
	}

	copies = slices.Concat(perShard...)
	slices.SortFunc(copies, func(a, b lending.Copy) int { return strings.Compare(a.Barcode, b.Barcode) })

	return copies, nil
}

// Retire takes an available copy out of circulation as lost or under maintenance.
func (r *Registry) Retire(ctx context.Context, copyID string, status lending.CopyStatus) (c lending.Copy, err error) {
	ctx, finish := r.observer.Operation(ctx, opRetire, map[string]string{logAttrCopyID: copyID})
	defer func() { finish(err) }()

	if status != lending.CopyLost && status != lending.CopyMaintenance {
		err := fmt.Errorf("%w: cannot retire to %q", lending.ErrInvalidArgument, status)
		return lending.Copy{}, lending.NewOperationError(opRetire, err).WithCopy(copyID)
	}

	c, err = r.compareAndSet(ctx, copyID, lending.CopyState{Status: lending.CopyAvailable}, lending.CopyState{Status: status})
	if errors.Is(err, lending.ErrConcurrencyConflict) {
		return c, lending.NewOperationError(opRetire, errors.Join(lending.ErrConflict, err)).WithCopy(copyID)
	}

	if err != nil {
		return lending.Copy{}, lending.NewOperationError(opRetire, err).WithCopy(copyID)
	}

	r.observer.Info(ctx, logMsgCopyRetired, logAttrCopyID, copyID, logAttrStatus, status.String())

	return c, nil
}

// Reinstate returns a lost or maintained copy to circulation.
func (r *Registry) Reinstate(ctx context.Context, copyID string) (c lending.Copy, err error) {
	ctx, finish := r.observer.Operation(ctx, opReinstate, map[string]string{logAttrCopyID: copyID})
	defer func() { finish(err) }()

	for _, from := range []lending.CopyStatus{lending.CopyMaintenance, lending.CopyLost} {
		c, err = r.compareAndSet(ctx, copyID, lending.CopyState{Status: from}, lending.CopyState{Status: lending.CopyAvailable})
		if !errors.Is(err, lending.ErrConcurrencyConflict) {
			break
		}
	}

	if errors.Is(err, lending.ErrConcurrencyConflict) {
		return c, lending.NewOperationError(opReinstate, errors.Join(lending.ErrInvalidState, err)).WithCopy(copyID)
	}

	if err != nil {
		return lending.Copy{}, lending.NewOperationError(opReinstate, err).WithCopy(copyID)
	}

	return c, nil
}

func (r *Registry) compareAndSet(
	ctx context.Context,
	copyID string,
	expected, next lending.CopyState,
) (lending.Copy, error) {
	shard, err := r.router.ShardForCopyID(copyID)
	if err != nil {
		return lending.Copy{}, err
	}

	store, err := r.router.ResolvePrimary(ctx, shard)
	if err != nil {
		return lending.Copy{}, err
	}

	return store.CompareAndSetCopy(ctx, copyID, expected, next)
}

func (r *Registry) validateNewCopy(
	ctx context.Context,
	bookID, branchID string,
	condition lending.CopyCondition,
) error {
	if bookID == "" {
		return fmt.Errorf("%w: book id is required", lending.ErrInvalidArgument)
	}

	if _, err := lending.ParseCopyCondition(string(condition)); err != nil {
		return err
	}

	if !r.router.HasBranch(branchID) {
		return fmt.Errorf("%w: %s", lending.ErrUnknownBranch, branchID)
	}

	return r.checkBook(ctx, bookID)
}

func (r *Registry) checkBook(ctx context.Context, bookID string) error {
	if r.catalog == nil {
		return nil
	}

	exists, err := r.catalog.BookExists(ctx, bookID)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("%w: book %s", lending.ErrNotFound, bookID)
	}

	return nil
}
