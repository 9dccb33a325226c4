// Package sqlitespool is a durable journal.Spool on a local SQLite file, so
// entries that could not reach their shard survive a process restart.
package sqlitespool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3" // driver import

	"github.com/bachducanh/E-Library/lending"
)

const (
	driverName = "sqlite3"

	schema = `CREATE TABLE IF NOT EXISTS journal_spool (
		id        TEXT PRIMARY KEY,
		parked_at INTEGER NOT NULL,
		payload   TEXT NOT NULL
	);`

	insertEntry  = `INSERT INTO journal_spool (id, parked_at, payload) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING;`
	selectFirstN = `SELECT payload FROM journal_spool ORDER BY parked_at, rowid LIMIT ?;`
	deleteEntry  = `DELETE FROM journal_spool WHERE id = ?;`
	countEntries = `SELECT COUNT(*) FROM journal_spool;`
)

// Spool implements journal.Spool on SQLite.
type Spool struct {
	db *sqlx.DB
}

// Open opens or creates the spool database at path.
func Open(path string) (*Spool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite spool: %w", err)
	}

	// one writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite spool: %w", err)
	}

	return &Spool{db: db}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func (s *Spool) Park(ctx context.Context, tx lending.Transaction) error {
	payload, err := jsoniter.ConfigFastest.MarshalToString(tx)
	if err != nil {
		return fmt.Errorf("encode spooled transaction: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, insertEntry, tx.ID, time.Now().UnixNano(), payload); err != nil {
		return fmt.Errorf("park transaction %s: %w", tx.ID, err)
	}

	return nil
}

func (s *Spool) Pending(ctx context.Context, limit int) ([]lending.Transaction, error) {
	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, selectFirstN, limit); err != nil {
		return nil, fmt.Errorf("read spooled transactions: %w", err)
	}

	txs := make([]lending.Transaction, 0, len(payloads))
	for _, payload := range payloads {
		var tx lending.Transaction
		if err := jsoniter.ConfigFastest.UnmarshalFromString(payload, &tx); err != nil {
			return nil, fmt.Errorf("decode spooled transaction: %w", err)
		}

		txs = append(txs, tx)
	}

	return txs, nil
}

func (s *Spool) Remove(ctx context.Context, transactionID string) error {
	if _, err := s.db.ExecContext(ctx, deleteEntry, transactionID); err != nil {
		return fmt.Errorf("remove spooled transaction %s: %w", transactionID, err)
	}

	return nil
}

// Len returns the number of parked entries.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, countEntries)

	return n, err
}
