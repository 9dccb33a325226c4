package postgresengine

import (
	"context"
	"fmt"
)

const (
	logMsgMigrated = "schema migrated"
	logAttrTables  = "tables"
)

// Migrate creates the shard tables and their indexes when missing. It is safe to
// run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			id         TEXT PRIMARY KEY,
			book_id    TEXT NOT NULL,
			branch_id  TEXT NOT NULL,
			barcode    TEXT NOT NULL UNIQUE,
			status     TEXT NOT NULL,
			condition  TEXT NOT NULL,
			loan_id    TEXT NOT NULL DEFAULT ''
		)`, s.copiesTable),
		fmt.Sprintf(`ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS loan_id TEXT NOT NULL DEFAULT ''`, s.copiesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_book_idx ON %[1]s (book_id)`, s.copiesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_branch_status_idx ON %[1]s (branch_id, status)`, s.copiesTable),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			id               TEXT PRIMARY KEY,
			book_id          TEXT NOT NULL,
			copy_id          TEXT NOT NULL,
			member_id        TEXT NOT NULL,
			branch_id        TEXT NOT NULL,
			borrowed_at      TIMESTAMPTZ NOT NULL,
			due_at           TIMESTAMPTZ NOT NULL,
			returned_at      TIMESTAMPTZ,
			renew_count      INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			release_pending  BOOLEAN NOT NULL DEFAULT FALSE
		)`, s.loansTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_branch_borrowed_idx ON %[1]s (branch_id, borrowed_at DESC, id DESC)`, s.loansTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_member_status_idx ON %[1]s (member_id, status)`, s.loansTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_due_idx ON %[1]s (due_at) WHERE status = 'active'`, s.loansTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_release_pending_idx ON %[1]s (returned_at) WHERE release_pending`, s.loansTable),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			loan_id     TEXT NOT NULL,
			copy_id     TEXT NOT NULL,
			branch_id   TEXT NOT NULL,
			member_id   TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)`, s.transactionsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_branch_created_idx ON %[1]s (branch_id, created_at DESC)`, s.transactionsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_type_idx ON %[1]s (type)`, s.transactionsTable),
	}

	if err := s.execDDL(ctx, "migrate_shard", statements); err != nil {
		return err
	}

	s.observer.Info(ctx, logMsgMigrated, logAttrTables, []string{s.copiesTable, s.loansTable, s.transactionsTable})

	return nil
}

// MigrateCatalog creates the member and book tables read by Directory.
func (s *Store) MigrateCatalog(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			id                    TEXT PRIMARY KEY,
			branch_id             TEXT NOT NULL,
			tier                  TEXT NOT NULL,
			subscription_ends_at  TIMESTAMPTZ
		)`, s.membersTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_branch_idx ON %[1]s (branch_id)`, s.membersTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			id     TEXT PRIMARY KEY,
			title  TEXT NOT NULL DEFAULT ''
		)`, s.booksTable),
	}

	if err := s.execDDL(ctx, "migrate_catalog", statements); err != nil {
		return err
	}

	s.observer.Info(ctx, logMsgMigrated, logAttrTables, []string{s.membersTable, s.booksTable})

	return nil
}

func (s *Store) execDDL(ctx context.Context, action string, statements []string) (err error) {
	ctx, finish := s.startStatement(ctx, action)
	defer func() { finish(err) }()

	for _, ddl := range statements {
		if _, err = s.db.Exec(ctx, ddl); err != nil {
			s.observer.Error(ctx, logMsgDBExecFailed, err, logAttrAction, action, logAttrQuery, ddl)
			return classify(err)
		}
	}

	return nil
}
