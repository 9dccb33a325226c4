package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RootCommand_RegistersSubcommands(t *testing.T) {
	// act
	root := newRootCommand()

	// assert
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}

	assert.ElementsMatch(t, []string{"serve", "sweep", "reconcile", "migrate"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("log-sink"))
}

func Test_NewLogger_Sinks(t *testing.T) {
	for _, sink := range []string{logSinkJSON, logSinkOTel} {
		logger, err := newLogger(sink, slog.LevelDebug)

		require.NoError(t, err, sink)
		assert.NotNil(t, logger, sink)
	}

	_, err := newLogger("syslog", slog.LevelInfo)
	assert.Error(t, err)
}

func Test_LoadConfig_RejectsInvalidEnvironment(t *testing.T) {
	// arrange
	t.Setenv("LENDING_DB_DRIVER", "mysql")
	t.Setenv("LENDING_SHARD_0_PRIMARY_DSN", "postgres://shard0")

	// act
	_, _, err := loadConfig(&rootFlags{logSink: logSinkJSON})

	// assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LENDING_DB_DRIVER")
}

func Test_MigrateCommand_FailsWithoutShardDSN(t *testing.T) {
	// arrange
	t.Setenv("LENDING_SHARD_0_PRIMARY_DSN", "")
	t.Setenv("LENDING_CATALOG_DSN", "")

	root := newRootCommand()
	root.SetArgs([]string{"migrate"})
	root.SilenceErrors = true

	// act
	err := root.Execute()

	// assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LENDING_SHARD_0_PRIMARY_DSN")
}
