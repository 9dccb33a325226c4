// Package config loads the lendingd configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/router"
)

// Database drivers. DriverSQL and DriverSQLX go through lib/pq.
const (
	DriverPGX  = "pgx"
	DriverSQL  = "sql"
	DriverSQLX = "sqlx"
)

const defaultBranchRanges = "HN=0;HP=0;DN=0"

// Config holds all lendingd configuration.
type Config struct {
	HTTPAddr string
	LogLevel slog.Level
	Database DatabaseConfig
	Branches map[string][]router.BranchRange
	Lending  LendingConfig
	Jobs     JobsConfig
}

// DatabaseConfig describes the shard replica sets and the catalog database.
type DatabaseConfig struct {
	Driver     string
	Shards     []ShardDSN
	CatalogDSN string
}

// ShardDSN holds the connection strings of one shard.
type ShardDSN struct {
	Primary  string
	Replicas []string
}

// LendingConfig tunes the lending components.
type LendingConfig struct {
	StalenessBound time.Duration
	StepTimeout    time.Duration
	CrossBranch    bool
	SpoolPath      string
}

// JobsConfig holds the intervals of the background loops.
type JobsConfig struct {
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	HealthInterval    time.Duration
	DrainInterval     time.Duration
	LeaderLockKey     int64
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	shardCount := getIntEnv("LENDING_SHARD_COUNT", 1)
	if shardCount < 1 {
		return nil, fmt.Errorf("LENDING_SHARD_COUNT must be positive, got %d", shardCount)
	}

	shards := make([]ShardDSN, shardCount)
	for i := range shards {
		shards[i] = ShardDSN{
			Primary:  getEnv(fmt.Sprintf("LENDING_SHARD_%d_PRIMARY_DSN", i), ""),
			Replicas: getSliceEnv(fmt.Sprintf("LENDING_SHARD_%d_REPLICA_DSNS", i), nil),
		}
	}

	branches, err := ParseBranchRanges(getEnv("LENDING_BRANCH_RANGES", defaultBranchRanges))
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LENDING_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LENDING_LOG_LEVEL: %w", err)
	}

	return &Config{
		HTTPAddr: getEnv("LENDING_HTTP_ADDR", ":8080"),
		LogLevel: level,
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("LENDING_DB_DRIVER", DriverPGX)),
			Shards:     shards,
			CatalogDSN: getEnv("LENDING_CATALOG_DSN", shards[0].Primary),
		},
		Branches: branches,
		Lending: LendingConfig{
			StalenessBound: getDurationEnv("LENDING_STALENESS_BOUND", 5*time.Second),
			StepTimeout:    getDurationEnv("LENDING_STEP_TIMEOUT", 2*time.Second),
			CrossBranch:    getBoolEnv("LENDING_CROSS_BRANCH", false),
			SpoolPath:      getEnv("LENDING_SPOOL_PATH", ""),
		},
		Jobs: JobsConfig{
			SweepInterval:     getDurationEnv("LENDING_SWEEP_INTERVAL", time.Minute),
			ReconcileInterval: getDurationEnv("LENDING_RECONCILE_INTERVAL", 30*time.Second),
			HealthInterval:    getDurationEnv("LENDING_HEALTH_INTERVAL", 5*time.Second),
			DrainInterval:     getDurationEnv("LENDING_DRAIN_INTERVAL", 10*time.Second),
			LeaderLockKey:     int64(getIntEnv("LENDING_LEADER_LOCK_KEY", 4242)),
		},
	}, nil
}

// Validate checks that all required values are present. It reports every
// failure at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]string{DriverPGX, DriverSQL, DriverSQLX}, c.Database.Driver) {
		errs = append(errs, fmt.Errorf("LENDING_DB_DRIVER must be pgx, sql or sqlx, got %q", c.Database.Driver))
	}

	for i, shard := range c.Database.Shards {
		if shard.Primary == "" {
			errs = append(errs, fmt.Errorf("LENDING_SHARD_%d_PRIMARY_DSN is required", i))
		}
	}

	if c.Database.CatalogDSN == "" {
		errs = append(errs, errors.New("LENDING_CATALOG_DSN is required"))
	}

	for branchID, ranges := range c.Branches {
		for _, r := range ranges {
			if r.Shard >= len(c.Database.Shards) {
				errs = append(errs, fmt.Errorf("branch %s is assigned to shard %d of %d", branchID, r.Shard, len(c.Database.Shards)))
			}
		}
	}

	for name, d := range map[string]time.Duration{
		"LENDING_STEP_TIMEOUT":       c.Lending.StepTimeout,
		"LENDING_SWEEP_INTERVAL":     c.Jobs.SweepInterval,
		"LENDING_RECONCILE_INTERVAL": c.Jobs.ReconcileInterval,
		"LENDING_HEALTH_INTERVAL":    c.Jobs.HealthInterval,
		"LENDING_DRAIN_INTERVAL":     c.Jobs.DrainInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}

// ParseBranchRanges parses "HN=0;HP=1;DN=0,1@2026-01-01T00:00:00Z". Each branch
// lists its shards in ascending order of the RFC 3339 instant they take over
// from; the first range has no start.
func ParseBranchRanges(raw string) (map[string][]router.BranchRange, error) {
	branches := make(map[string][]router.BranchRange)

	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		branchID, assignment, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: branch range %q lacks '='", lending.ErrInvalidArgument, entry)
		}

		branchID = strings.TrimSpace(branchID)
		if err := lending.ValidateBranchID(branchID); err != nil {
			return nil, err
		}

		if _, dup := branches[branchID]; dup {
			return nil, fmt.Errorf("%w: branch %s listed twice", lending.ErrInvalidArgument, branchID)
		}

		var ranges []router.BranchRange
		for i, part := range strings.Split(assignment, ",") {
			r, err := parseBranchRange(strings.TrimSpace(part), i == 0)
			if err != nil {
				return nil, fmt.Errorf("branch %s: %w", branchID, err)
			}

			ranges = append(ranges, r)
		}

		branches[branchID] = ranges
	}

	if len(branches) == 0 {
		return nil, fmt.Errorf("%w: no branches configured", lending.ErrInvalidArgument)
	}

	return branches, nil
}

func parseBranchRange(part string, first bool) (router.BranchRange, error) {
	shardText, sinceText, hasSince := strings.Cut(part, "@")

	shard, err := strconv.Atoi(shardText)
	if err != nil || shard < 0 {
		return router.BranchRange{}, fmt.Errorf("%w: shard %q", lending.ErrInvalidArgument, shardText)
	}

	if first != !hasSince {
		return router.BranchRange{}, fmt.Errorf("%w: only later ranges carry a start, got %q", lending.ErrInvalidArgument, part)
	}

	r := router.BranchRange{Shard: shard}
	if hasSince {
		if r.Since, err = time.Parse(time.RFC3339, sinceText); err != nil {
			return router.BranchRange{}, fmt.Errorf("%w: range start %q", lending.ErrInvalidArgument, sinceText)
		}
	}

	return r, nil
}

// PGXPoolConfig parses dsn and applies the pool tuning used for shard nodes.
func PGXPoolConfig(dsn string) (*pgxpool.Config, error) {
	const defaultMaxConnections = int32(60)
	const defaultMinConnections = int32(2)
	const defaultMaxConnLifetime = time.Hour
	const defaultMaxConnIdleTime = time.Minute * 5
	const defaultHealthCheckPeriod = time.Minute
	const defaultConnectTimeout = time.Second * 5

	dbConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	dbConfig.MaxConns = defaultMaxConnections
	dbConfig.MinConns = defaultMinConnections
	dbConfig.MaxConnLifetime = defaultMaxConnLifetime
	dbConfig.MaxConnIdleTime = defaultMaxConnIdleTime
	dbConfig.HealthCheckPeriod = defaultHealthCheckPeriod
	dbConfig.ConnConfig.ConnectTimeout = defaultConnectTimeout

	return dbConfig, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}

	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}

	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}

	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}

	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
