package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // database/sql driver "postgres"
	"go.opentelemetry.io/otel"

	"github.com/bachducanh/E-Library/internal/config"
	"github.com/bachducanh/E-Library/lending/copyregistry"
	"github.com/bachducanh/E-Library/lending/journal"
	"github.com/bachducanh/E-Library/lending/journal/sqlitespool"
	"github.com/bachducanh/E-Library/lending/ledger"
	"github.com/bachducanh/E-Library/lending/oteladapters"
	"github.com/bachducanh/E-Library/lending/overdue"
	"github.com/bachducanh/E-Library/lending/postgresengine"
	"github.com/bachducanh/E-Library/lending/router"
)

const (
	pqDriverName = "postgres"

	// the elector holds one session for the lock and needs no more
	electorMaxConns = int32(2)
)

// app owns every connection of one lendingd process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *oteladapters.MetricsCollector
	tracing *oteladapters.TracingCollector

	router    *router.Router
	primaries []*postgresengine.Store
	catalog   *postgresengine.Store
	elector   *postgresengine.AdvisoryLockElector

	closers []func()
}

// lendingComponents are the lending services built on top of the router.
type lendingComponents struct {
	registry   *copyregistry.Registry
	journal    *journal.Journal
	ledger     *ledger.Ledger
	reconciler *ledger.Reconciler
	scanner    *overdue.Scanner
}

// openApp connects to every shard node and the catalog and builds the router.
// Connections are lazy for database/sql, so a node that is down at start is
// reported by the health monitor rather than failing the process.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: oteladapters.NewMetricsCollector(otel.GetMeterProvider().Meter(instrumentationName)),
		tracing: oteladapters.NewTracingCollector(otel.GetTracerProvider().Tracer(instrumentationName)),
	}

	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shards := make([]router.ShardConfig, len(cfg.Database.Shards))
	for i, dsns := range cfg.Database.Shards {
		primary, err := a.openStore(ctx, dsns.Primary)
		if err != nil {
			return nil, fmt.Errorf("shard %d primary: %w", i, err)
		}

		a.primaries = append(a.primaries, primary)
		shards[i] = router.ShardConfig{
			ID:      i,
			Primary: router.Node{Name: fmt.Sprintf("shard-%d-primary", i), Store: primary},
		}

		for j, dsn := range dsns.Replicas {
			secondary, err := a.openStore(ctx, dsn)
			if err != nil {
				return nil, fmt.Errorf("shard %d replica %d: %w", i, j, err)
			}

			shards[i].Secondaries = append(shards[i].Secondaries,
				router.Node{Name: fmt.Sprintf("shard-%d-replica-%d", i, j), Store: secondary})
		}
	}

	if a.catalog, err = a.openStore(ctx, cfg.Database.CatalogDSN); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	a.router, err = router.New(
		router.Topology{Shards: shards, Branches: cfg.Branches},
		router.WithLogger(logger),
		router.WithContextualLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *app) storeOptions() []postgresengine.Option {
	return []postgresengine.Option{
		postgresengine.WithLogger(a.logger),
		postgresengine.WithContextualLogger(a.logger),
		postgresengine.WithMetrics(a.metrics),
		postgresengine.WithTracing(a.tracing),
	}
}

func (a *app) openStore(ctx context.Context, dsn string) (*postgresengine.Store, error) {
	switch a.cfg.Database.Driver {
	case config.DriverSQL:
		db, err := sql.Open(pqDriverName, dsn)
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, func() { _ = db.Close() })

		return postgresengine.NewStoreFromSQLDB(db, a.storeOptions()...)

	case config.DriverSQLX:
		db, err := sqlx.Open(pqDriverName, dsn)
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, func() { _ = db.Close() })

		return postgresengine.NewStoreFromSQLX(db, a.storeOptions()...)

	default:
		pool, err := a.openPool(ctx, dsn, 0)
		if err != nil {
			return nil, err
		}

		return postgresengine.NewStoreFromPGXPool(pool, a.storeOptions()...)
	}
}

// openPool opens a tuned pgx pool; maxConns > 0 overrides the pool size.
func (a *app) openPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := config.PGXPoolConfig(dsn)
	if err != nil {
		return nil, err
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
		poolConfig.MinConns = min(poolConfig.MinConns, maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	a.closers = append(a.closers, pool.Close)

	return pool, nil
}

// leaderElector returns the advisory lock elector on the catalog database.
func (a *app) leaderElector(ctx context.Context) (*postgresengine.AdvisoryLockElector, error) {
	if a.elector != nil {
		return a.elector, nil
	}

	pool, err := a.openPool(ctx, a.cfg.Database.CatalogDSN, electorMaxConns)
	if err != nil {
		return nil, fmt.Errorf("leader election pool: %w", err)
	}

	elector, err := postgresengine.NewAdvisoryLockElector(pool, a.cfg.Jobs.LeaderLockKey)
	if err != nil {
		return nil, err
	}

	// runs before the pool closes, closers run in reverse
	a.closers = append(a.closers, func() { _ = elector.Close(context.Background()) })
	a.elector = elector

	return elector, nil
}

func (a *app) components(ctx context.Context) (*lendingComponents, error) {
	registry, err := copyregistry.New(a.router,
		copyregistry.WithCatalog(a.catalog),
		copyregistry.WithLogger(a.logger),
		copyregistry.WithContextualLogger(a.logger),
		copyregistry.WithMetrics(a.metrics),
		copyregistry.WithTracing(a.tracing),
	)
	if err != nil {
		return nil, err
	}

	journalOptions := []journal.Option{
		journal.WithLogger(a.logger),
		journal.WithContextualLogger(a.logger),
		journal.WithMetrics(a.metrics),
		journal.WithTracing(a.tracing),
	}

	if path := a.cfg.Lending.SpoolPath; path != "" {
		spool, err := sqlitespool.Open(path)
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, func() { _ = spool.Close() })
		journalOptions = append(journalOptions, journal.WithSpool(spool))
	}

	txJournal, err := journal.New(a.router, journalOptions...)
	if err != nil {
		return nil, err
	}

	ledgerOptions := []ledger.Option{
		ledger.WithStepTimeout(a.cfg.Lending.StepTimeout),
		ledger.WithLogger(a.logger),
		ledger.WithContextualLogger(a.logger),
		ledger.WithMetrics(a.metrics),
		ledger.WithTracing(a.tracing),
	}

	if a.cfg.Lending.CrossBranch {
		ledgerOptions = append(ledgerOptions, ledger.WithCrossBranchLending())
	}

	l, err := ledger.New(a.router, registry, txJournal, a.catalog, ledgerOptions...)
	if err != nil {
		return nil, err
	}

	elector, err := a.leaderElector(ctx)
	if err != nil {
		return nil, err
	}

	scanner, err := overdue.New(a.router, txJournal,
		overdue.WithElector(elector),
		overdue.WithLogger(a.logger),
		overdue.WithContextualLogger(a.logger),
		overdue.WithMetrics(a.metrics),
		overdue.WithTracing(a.tracing),
	)
	if err != nil {
		return nil, err
	}

	return &lendingComponents{
		registry:   registry,
		journal:    txJournal,
		ledger:     l,
		reconciler: ledger.NewReconciler(l),
		scanner:    scanner,
	}, nil
}

// migrate creates the shard schema on every primary and the catalog schema.
// Secondaries receive the schema through replication.
func (a *app) migrate(ctx context.Context) error {
	var errs []error

	for i, primary := range a.primaries {
		if err := primary.Migrate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
	}

	if err := a.catalog.MigrateCatalog(ctx); err != nil {
		errs = append(errs, fmt.Errorf("catalog: %w", err))
	}

	return errors.Join(errs...)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	a.closers = nil
}
