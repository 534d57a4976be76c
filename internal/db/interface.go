// Package db defines the ledger interfaces shared by the sql and gorm
// backends. The ledger table is the sole durable owner of applied-migration
// state; everything else is recomputed per run.
package db

import (
	"context"

	"github.com/thebtf/remigrate/pkg/models"
)

// Tx exposes the operations available inside a single migration transaction.
// The executor folds one script execution and its ledger mutation into one Tx.
type Tx interface {
	// ExecScript runs a migration script (up or down) as-is.
	ExecScript(ctx context.Context, script string) error
	// InsertRecord inserts or overwrites the ledger row for an applied
	// migration.
	InsertRecord(ctx context.Context, rec models.MigrationRecord) error
	// DeleteRecord removes the ledger row for a rolled-back migration.
	DeleteRecord(ctx context.Context, id int64) error
}

// Ledger is the persistent store of applied migrations. Implementations own
// exactly one database session for the lifetime of a run; Close releases it.
type Ledger interface {
	// EnsureLedger idempotently creates the ledger table, adding the hash
	// column with a sentinel default when upgrading a pre-hash table.
	EnsureLedger(ctx context.Context) error
	// ListRecords returns all ledger rows ascending by id.
	ListRecords(ctx context.Context) ([]models.MigrationRecord, error)
	// UpdateRecordHash backfills the hash of a single row. Used to repair
	// rows still carrying the sentinel hash.
	UpdateRecordHash(ctx context.Context, id int64, hash string) error
	// InTransaction runs fn inside one transaction, committing on nil and
	// rolling back on error.
	InTransaction(ctx context.Context, fn func(Tx) error) error
	// Close releases whatever session the store acquired. Callers retain
	// ownership of handles they passed in.
	Close() error
}
