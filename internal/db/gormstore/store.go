// Package gormstore implements the migration ledger on GORM. It mirrors the
// sqlstore semantics for callers who already run their application on a
// *gorm.DB, or who want the store to open a PostgreSQL connection itself.
package gormstore

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/thebtf/remigrate/internal/db"
	"github.com/thebtf/remigrate/pkg/models"
)

// Options configures a Store. Exactly one of DB and DSN must be set.
type Options struct {
	// DB is a caller-owned GORM handle; Close leaves it open.
	DB *gorm.DB
	// DSN is a PostgreSQL DSN; the store opens and owns the connection.
	DSN string
	// Table is the ledger table name (sqlstore.DefaultTable semantics).
	Table string
}

// Store is a db.Ledger backed by GORM.
type Store struct {
	db     *gorm.DB
	table  string
	ownsDB bool
}

// New creates a Store, opening a PostgreSQL connection when a DSN was
// supplied instead of a handle.
func New(opts Options) (*Store, error) {
	if (opts.DB == nil) == (opts.DSN == "") {
		return nil, db.ErrExclusiveSource
	}

	table := opts.Table
	if table == "" {
		table = "migrations"
	}
	if err := db.CheckTableName(table); err != nil {
		return nil, err
	}

	s := &Store{db: opts.DB, table: table}
	if opts.DSN != "" {
		gdb, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
			Logger:      logger.Default.LogMode(logger.Silent),
			PrepareStmt: true,
		})
		if err != nil {
			return nil, &db.QueryError{Op: "open gorm postgres", Table: table, Err: err}
		}
		s.db = gdb
		s.ownsDB = true
	}
	return s, nil
}

// Close closes the connection when the store opened it; caller-owned handles
// are left alone.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureLedger creates the ledger table if needed and performs the additive
// hash-column upgrade on tables that predate the integrity-hash feature.
func (s *Store) EnsureLedger(ctx context.Context) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		up TEXT NOT NULL,
		down TEXT NOT NULL,
		hash TEXT NOT NULL
	)`, s.table)
	if err := s.db.WithContext(ctx).Exec(create).Error; err != nil {
		return &db.QueryError{Op: "create ledger table", Table: s.table, Err: err}
	}

	hasHash, err := s.hasHashColumn(ctx)
	if err != nil {
		return err
	}
	if hasHash {
		return nil
	}

	add := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN hash TEXT NOT NULL DEFAULT '%s'`,
		s.table, models.SentinelHash)
	if err := s.db.WithContext(ctx).Exec(add).Error; err != nil {
		return &db.QueryError{Op: "add hash column", Table: s.table, Err: err}
	}
	if s.db.Dialector.Name() == "postgres" {
		drop := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN hash DROP DEFAULT`, s.table)
		if err := s.db.WithContext(ctx).Exec(drop).Error; err != nil {
			return &db.QueryError{Op: "drop hash default", Table: s.table, Err: err}
		}
	}
	return nil
}

func (s *Store) hasHashColumn(ctx context.Context) (bool, error) {
	var query string
	switch s.db.Dialector.Name() {
	case "postgres":
		query = `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = 'hash'`
	default:
		query = `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'hash'`
	}

	var count int64
	if err := s.db.WithContext(ctx).Raw(query, s.table).Scan(&count).Error; err != nil {
		return false, &db.QueryError{Op: "inspect ledger schema", Table: s.table, Err: err}
	}
	return count > 0, nil
}

// ListRecords returns all ledger rows ascending by id.
func (s *Store) ListRecords(ctx context.Context) ([]models.MigrationRecord, error) {
	var records []models.MigrationRecord
	query := fmt.Sprintf(`SELECT id, name, up, down, hash FROM %s ORDER BY id ASC`, s.table)
	if err := s.db.WithContext(ctx).Raw(query).Scan(&records).Error; err != nil {
		return nil, &db.QueryError{Op: "list records", Table: s.table, Err: err}
	}
	return records, nil
}

// UpdateRecordHash backfills the hash of a single ledger row.
func (s *Store) UpdateRecordHash(ctx context.Context, id int64, hash string) error {
	query := fmt.Sprintf(`UPDATE %s SET hash = ? WHERE id = ?`, s.table)
	if err := s.db.WithContext(ctx).Exec(query, hash, id).Error; err != nil {
		return &db.QueryError{Op: "update record hash", Table: s.table, Err: err}
	}
	return nil
}

// InTransaction runs fn inside one GORM transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(db.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{tx: tx, table: s.table})
	})
}

// gormTx implements db.Tx on a GORM transaction.
type gormTx struct {
	tx    *gorm.DB
	table string
}

func (t *gormTx) ExecScript(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	if err := t.tx.WithContext(ctx).Exec(script).Error; err != nil {
		return &db.QueryError{Op: "execute script", Table: t.table, Err: err}
	}
	return nil
}

func (t *gormTx) InsertRecord(ctx context.Context, rec models.MigrationRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, name, up, down, hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			up = excluded.up,
			down = excluded.down,
			hash = excluded.hash`, t.table)
	if err := t.tx.WithContext(ctx).Exec(query, rec.ID, rec.Name, rec.Up, rec.Down, rec.Hash).Error; err != nil {
		return &db.QueryError{Op: "insert record", Table: t.table, Err: err}
	}
	return nil
}

func (t *gormTx) DeleteRecord(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.table)
	if err := t.tx.WithContext(ctx).Exec(query, id).Error; err != nil {
		return &db.QueryError{Op: "delete record", Table: t.table, Err: err}
	}
	return nil
}
