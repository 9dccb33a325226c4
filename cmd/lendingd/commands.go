package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bachducanh/E-Library/lending/httpapi"
	"github.com/bachducanh/E-Library/lending/journal"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second

	logMsgServing         = "lending api listening"
	logMsgStopped         = "lending api stopped"
	logMsgSweepDone       = "overdue sweep finished"
	logMsgNotLeader       = "another process holds the sweep lock, nothing to do"
	logMsgReconcileDone   = "pending releases reconciled"
	logMsgMigrated        = "all schemas migrated"
	logMsgSpoolNotDrained = "journal spool could not be fully drained"
)

// withSignals cancels the command context on SIGINT or SIGTERM.
func withSignals(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the lending API and run the background loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := withSignals(cmd)
			defer stop()

			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.components(ctx)
			if err != nil {
				return err
			}

			// measures replica lag once so bounded reads can use secondaries right away
			a.router.CheckHealth(ctx)

			handler := httpapi.NewHandler(c.ledger, c.registry, c.journal,
				httpapi.WithLogger(logger),
				httpapi.WithContextualLogger(logger),
				httpapi.WithStalenessBound(cfg.Lending.StalenessBound),
			)

			server := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           handler,
				ReadHeaderTimeout: readHeaderTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				a.router.MonitorHealth(gctx, cfg.Jobs.HealthInterval)
				return nil
			})

			g.Go(func() error {
				c.journal.Run(gctx, cfg.Jobs.DrainInterval)
				return nil
			})

			g.Go(func() error {
				c.reconciler.Run(gctx, cfg.Jobs.ReconcileInterval)
				return nil
			})

			g.Go(func() error {
				c.scanner.Run(gctx, cfg.Jobs.SweepInterval)
				return nil
			})

			g.Go(func() error {
				logger.Info(logMsgServing, "addr", cfg.HTTPAddr)
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}

				return nil
			})

			g.Go(func() error {
				<-gctx.Done()

				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
				defer cancel()

				err := server.Shutdown(shutdownCtx)
				logger.Info(logMsgStopped)

				return err
			})

			return g.Wait()
		},
	}
}

func newSweepCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one overdue sweep if no other process holds the sweep lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := withSignals(cmd)
			defer stop()

			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.components(ctx)
			if err != nil {
				return err
			}

			a.router.CheckHealth(ctx)

			result, ran, err := c.scanner.SweepIfLeader(ctx)
			if err != nil {
				return err
			}

			if !ran {
				logger.Info(logMsgNotLeader)
				return nil
			}

			logger.Info(logMsgSweepDone,
				"scanned", result.Scanned, "transitioned", result.Transitioned, "skipped", result.Skipped)

			drainSpool(ctx, c.journal, logger)

			return nil
		},
	}
}

func newReconcileCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Retry copy releases left pending by failed returns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := withSignals(cmd)
			defer stop()

			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.components(ctx)
			if err != nil {
				return err
			}

			a.router.CheckHealth(ctx)

			reconciled, err := c.reconciler.ReconcileReleases(ctx)
			logger.Info(logMsgReconcileDone, "reconciled", reconciled)

			return err
		},
	}
}

func newMigrateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and indexes on every shard primary and the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := withSignals(cmd)
			defer stop()

			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.migrate(ctx); err != nil {
				return err
			}

			logger.Info(logMsgMigrated, "shards", len(a.primaries))

			return nil
		},
	}
}

// drainSpool redelivers what a one-shot command had to spool before the process exits.
func drainSpool(ctx context.Context, txJournal *journal.Journal, logger *slog.Logger) {
	for {
		delivered, err := txJournal.Drain(ctx)
		if err != nil {
			logger.Warn(logMsgSpoolNotDrained, "error", err.Error())
			return
		}

		if delivered == 0 {
			return
		}
	}
}
