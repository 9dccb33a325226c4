package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bachducanh/E-Library/internal/config"
	"github.com/bachducanh/E-Library/lending/oteladapters"
)

const (
	logSinkJSON = "json"
	logSinkOTel = "otel"

	instrumentationName = "github.com/bachducanh/E-Library/lending"
)

type rootFlags struct {
	logSink string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:          "lendingd",
		Short:        "Multi-branch library lending engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.logSink, "log-sink", logSinkJSON,
		"where logs go: json (stderr) or otel (global OpenTelemetry logger provider)")

	root.AddCommand(
		newServeCommand(flags),
		newSweepCommand(flags),
		newReconcileCommand(flags),
		newMigrateCommand(flags),
	)

	return root
}

// loadConfig reads and validates the environment, then builds the logger.
func loadConfig(flags *rootFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(flags.logSink, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return cfg, logger, nil
}

func newLogger(sink string, level slog.Level) (*slog.Logger, error) {
	switch sink {
	case logSinkJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	case logSinkOTel:
		return oteladapters.NewSlogBridgeLogger(instrumentationName).Slog(), nil
	default:
		return nil, fmt.Errorf("unknown log sink %q, want %s or %s", sink, logSinkJSON, logSinkOTel)
	}
}
