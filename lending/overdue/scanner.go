// Package overdue moves loans past their due date from active to overdue.
//
// A sweep is idempotent. Overdue loans no longer match the due-loan query and the
// overdue journal entry of a loan has a deterministic id, so running two sweeps
// back to back, or resuming an interrupted one, changes nothing twice.
package overdue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/journal"
)

const (
	opSweep = "overdue_sweep"

	defaultBatchSize = 100

	logMsgSweepDone      = "overdue sweep finished"
	logMsgNotLeader      = "not the sweep leader, skipping"
	logMsgElectionFailed = "leader election failed, skipping sweep"
	logMsgScannerStopped = "overdue scanner stopped"
	logAttrTransitioned  = "transitioned"
	logAttrSkipped       = "skipped"
	logAttrScanned       = "scanned"
	logAttrShard         = "shard"
)

// Router is the part of the branch router the scanner needs.
type Router interface {
	LoanShards() []int
	ResolvePrimary(ctx context.Context, shard int) (lending.ShardStore, error)
}

// Journal records the overdue transitions. Appends must not fail the sweep.
type Journal interface {
	AppendOrSpool(ctx context.Context, tx lending.Transaction)
}

// LeaderElector decides whether this process may run the periodic sweep.
type LeaderElector interface {
	IsLeader(ctx context.Context) (bool, error)
}

// AlwaysLeader is the elector for a single scanner process or for sweeps
// triggered by an external scheduler.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader(context.Context) (bool, error) { return true, nil }

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned      int `json:"scanned"`
	Transitioned int `json:"transitioned"`
	Skipped      int `json:"skipped"`
}

func (r *SweepResult) add(other SweepResult) {
	r.Scanned += other.Scanned
	r.Transitioned += other.Transitioned
	r.Skipped += other.Skipped
}

// Scanner finds and transitions overdue loans on every loan shard.
type Scanner struct {
	router    Router
	journal   Journal
	elector   LeaderElector
	clock     lending.Clock
	batchSize int
	observer  lending.Observer
}

// Option defines a functional option for configuring the Scanner.
type Option func(*Scanner) error

// WithElector gates Run by leadership. The default is AlwaysLeader.
func WithElector(elector LeaderElector) Option {
	return func(s *Scanner) error {
		if elector == nil {
			return fmt.Errorf("%w: nil leader elector", lending.ErrInvalidArgument)
		}

		s.elector = elector

		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(clock lending.Clock) Option {
	return func(s *Scanner) error {
		if clock == nil {
			return fmt.Errorf("%w: nil clock", lending.ErrInvalidArgument)
		}

		s.clock = clock

		return nil
	}
}

// WithBatchSize sets how many due loans are fetched per shard round trip.
func WithBatchSize(n int) Option {
	return func(s *Scanner) error {
		if n < 1 {
			return fmt.Errorf("%w: batch size %d", lending.ErrInvalidArgument, n)
		}

		s.batchSize = n

		return nil
	}
}

// WithLogger sets the logger for the Scanner.
func WithLogger(logger lending.Logger) Option {
	return func(s *Scanner) error {
		s.observer.Logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger for the Scanner.
func WithContextualLogger(logger lending.ContextualLogger) Option {
	return func(s *Scanner) error {
		s.observer.ContextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Scanner.
func WithMetrics(collector lending.MetricsCollector) Option {
	return func(s *Scanner) error {
		s.observer.Metrics = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Scanner.
func WithTracing(collector lending.TracingCollector) Option {
	return func(s *Scanner) error {
		s.observer.Tracing = collector
		return nil
	}
}

// New creates a Scanner.
func New(router Router, txJournal Journal, options ...Option) (*Scanner, error) {
	if router == nil {
		return nil, fmt.Errorf("%w: nil router", lending.ErrInvalidArgument)
	}

	if txJournal == nil {
		return nil, fmt.Errorf("%w: nil journal", lending.ErrInvalidArgument)
	}

	s := &Scanner{
		router:    router,
		journal:   txJournal,
		elector:   AlwaysLeader{},
		clock:     time.Now,
		batchSize: defaultBatchSize,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Sweep transitions every active loan due before now to overdue, shards in
// parallel. A loan renewed or returned while the sweep runs is skipped.
// Results of shards that succeeded are returned even when another shard failed.
func (s *Scanner) Sweep(ctx context.Context) (result SweepResult, err error) {
	ctx, finish := s.observer.Operation(ctx, opSweep, nil)
	defer func() { finish(err) }()

	now := lending.NormalizeTime(s.clock())

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range s.router.LoanShards() {
		g.Go(func() error {
			shardResult, err := s.sweepShard(gctx, shard, now)

			mu.Lock()
			result.add(shardResult)
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("shard %d: %w", shard, err)
			}

			return nil
		})
	}

	err = g.Wait()

	s.observer.Info(ctx, logMsgSweepDone,
		logAttrScanned, result.Scanned, logAttrTransitioned, result.Transitioned, logAttrSkipped, result.Skipped)

	if err != nil {
		return result, lending.NewOperationError(opSweep, err)
	}

	return result, nil
}

func (s *Scanner) sweepShard(ctx context.Context, shard int, now time.Time) (SweepResult, error) {
	var result SweepResult

	store, err := s.router.ResolvePrimary(ctx, shard)
	if err != nil {
		return result, err
	}

	for {
		due, err := store.ListDueLoans(ctx, now, s.batchSize)
		if err != nil {
			return result, err
		}

		transitioned := 0

		for _, loan := range due {
			result.Scanned++

			next := loan
			next.Status = lending.LoanOverdue

			err := store.CompareAndSwapLoan(ctx, loan, next)
			switch {
			case errors.Is(err, lending.ErrConcurrencyConflict), errors.Is(err, lending.ErrNotFound):
				result.Skipped++
				continue
			case err != nil:
				return result, err
			}

			transitioned++
			s.journal.AppendOrSpool(ctx, journal.NewOverdueEntry(next))
			s.observer.Count(ctx, lending.MetricOverdueTransitions, map[string]string{logAttrShard: strconv.Itoa(shard)})
		}

		result.Transitioned += transitioned

		if len(due) < s.batchSize || transitioned == 0 {
			return result, nil
		}
	}
}

// SweepIfLeader runs one sweep when the elector grants leadership and reports
// whether it ran.
func (s *Scanner) SweepIfLeader(ctx context.Context) (SweepResult, bool, error) {
	leader, err := s.elector.IsLeader(ctx)
	if err != nil {
		s.observer.Warn(ctx, logMsgElectionFailed, "error", err.Error())
		return SweepResult{}, false, err
	}

	if !leader {
		s.observer.Debug(ctx, logMsgNotLeader)
		return SweepResult{}, false, nil
	}

	result, err := s.Sweep(ctx)

	return result, true, err
}

// Run sweeps every interval while this process is the leader, until ctx is done.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _, _ = s.SweepIfLeader(ctx)
		case <-ctx.Done():
			s.observer.Info(context.WithoutCancel(ctx), logMsgScannerStopped)
			return
		}
	}
}
