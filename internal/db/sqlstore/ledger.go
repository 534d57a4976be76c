package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/thebtf/remigrate/internal/db"
	"github.com/thebtf/remigrate/pkg/models"
)

// EnsureLedger creates the ledger table if needed. Tables created before the
// hash column existed get the column added with a sentinel default so legacy
// rows become eligible for backfill without an immediate rewrite.
func (s *Store) EnsureLedger(ctx context.Context) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		up TEXT NOT NULL,
		down TEXT NOT NULL,
		hash TEXT NOT NULL
	)`, s.table)
	if _, err := s.conn.ExecContext(ctx, create); err != nil {
		return &db.QueryError{Op: "create ledger table", Table: s.table, Err: err}
	}

	hasHash, err := s.hasHashColumn(ctx)
	if err != nil {
		return err
	}
	if hasHash {
		return nil
	}
	return s.addHashColumn(ctx)
}

// hasHashColumn reports whether the ledger table already carries the hash
// column. Pre-existing tables from before the integrity-hash feature lack it.
func (s *Store) hasHashColumn(ctx context.Context) (bool, error) {
	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = 'hash'`
	default:
		query = `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'hash'`
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, query, s.table).Scan(&count); err != nil {
		return false, &db.QueryError{Op: "inspect ledger schema", Table: s.table, Err: err}
	}
	return count > 0, nil
}

// addHashColumn performs the additive schema upgrade: add hash with the
// sentinel as a temporary default, then drop the default. SQLite cannot drop
// a column default without a table rebuild, so the default stays there; every
// insert supplies an explicit hash, which makes it unreachable.
func (s *Store) addHashColumn(ctx context.Context) error {
	add := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN hash TEXT NOT NULL DEFAULT '%s'`,
		s.table, models.SentinelHash)
	if _, err := s.conn.ExecContext(ctx, add); err != nil {
		return &db.QueryError{Op: "add hash column", Table: s.table, Err: err}
	}

	if s.dialect == DialectPostgres {
		drop := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN hash DROP DEFAULT`, s.table)
		if _, err := s.conn.ExecContext(ctx, drop); err != nil {
			return &db.QueryError{Op: "drop hash default", Table: s.table, Err: err}
		}
	}
	return nil
}

// ListRecords returns all ledger rows ascending by id.
func (s *Store) ListRecords(ctx context.Context) ([]models.MigrationRecord, error) {
	query := fmt.Sprintf(`SELECT id, name, up, down, hash FROM %s ORDER BY id ASC`, s.table)
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, &db.QueryError{Op: "list records", Table: s.table, Err: err}
	}
	defer rows.Close()

	var records []models.MigrationRecord
	for rows.Next() {
		var rec models.MigrationRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Up, &rec.Down, &rec.Hash); err != nil {
			return nil, &db.QueryError{Op: "scan record", Table: s.table, Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &db.QueryError{Op: "list records", Table: s.table, Err: err}
	}
	return records, nil
}

// UpdateRecordHash backfills the hash of a single ledger row.
func (s *Store) UpdateRecordHash(ctx context.Context, id int64, hash string) error {
	query := s.rebind(fmt.Sprintf(`UPDATE %s SET hash = ? WHERE id = ?`, s.table))
	if _, err := s.conn.ExecContext(ctx, query, hash, id); err != nil {
		return &db.QueryError{Op: "update record hash", Table: s.table, Err: err}
	}
	return nil
}

// InTransaction runs fn in one transaction on the store's connection,
// committing on nil and rolling back on error.
func (s *Store) InTransaction(ctx context.Context, fn func(db.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &db.QueryError{Op: "begin transaction", Table: s.table, Err: err}
	}

	if err := fn(&sqlTx{tx: tx, store: s}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return &db.QueryError{Op: "commit transaction", Table: s.table, Err: err}
	}
	return nil
}

// sqlTx implements db.Tx on a database/sql transaction.
type sqlTx struct {
	tx    *sql.Tx
	store *Store
}

// ExecScript runs a migration script. Scripts reduced to nothing by comment
// stripping are a no-op.
func (t *sqlTx) ExecScript(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, script); err != nil {
		return &db.QueryError{Op: "execute script", Table: t.store.table, Err: err}
	}
	return nil
}

// InsertRecord inserts or overwrites the ledger row for an applied migration.
func (t *sqlTx) InsertRecord(ctx context.Context, rec models.MigrationRecord) error {
	query := t.store.rebind(fmt.Sprintf(`INSERT INTO %s (id, name, up, down, hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			up = excluded.up,
			down = excluded.down,
			hash = excluded.hash`, t.store.table))
	if _, err := t.tx.ExecContext(ctx, query, rec.ID, rec.Name, rec.Up, rec.Down, rec.Hash); err != nil {
		return &db.QueryError{Op: "insert record", Table: t.store.table, Err: err}
	}
	return nil
}

// DeleteRecord removes the ledger row for a rolled-back migration.
func (t *sqlTx) DeleteRecord(ctx context.Context, id int64) error {
	query := t.store.rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.store.table))
	if _, err := t.tx.ExecContext(ctx, query, id); err != nil {
		return &db.QueryError{Op: "delete record", Table: t.store.table, Err: err}
	}
	return nil
}
