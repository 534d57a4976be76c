package reconcile

import (
	"context"
	"fmt"

	"github.com/thebtf/remigrate/internal/db"
	"github.com/thebtf/remigrate/pkg/models"
)

// Executor runs a single migration step plus its ledger mutation inside one
// transaction. Any failure rolls the transaction back and aborts the run; no
// partial migration is ever left half-recorded.
type Executor struct {
	ledger       db.Ledger
	validateDown bool
}

// NewExecutor creates an executor on the given ledger. When validateDown is
// set, every apply round-trips the down script inside the same transaction
// before the migration is trusted.
func NewExecutor(ledger db.Ledger, validateDown bool) *Executor {
	return &Executor{ledger: ledger, validateDown: validateDown}
}

// Apply runs a definition's up script and records it in the ledger, all in
// one transaction. With validateDown enabled the sequence is up, down, up: a
// forward/backward/forward self-test that catches a non-reversible or broken
// down script before it is committed.
func (e *Executor) Apply(ctx context.Context, def models.MigrationDefinition) error {
	return e.ledger.InTransaction(ctx, func(tx db.Tx) error {
		if err := tx.ExecScript(ctx, def.UpScript); err != nil {
			return fmt.Errorf("migration %d (%s) up script: %w", def.ID, def.Name, err)
		}
		if e.validateDown {
			if err := tx.ExecScript(ctx, def.DownScript); err != nil {
				return fmt.Errorf("migration %d (%s) down script self-test: %w", def.ID, def.Name, err)
			}
			if err := tx.ExecScript(ctx, def.UpScript); err != nil {
				return fmt.Errorf("migration %d (%s) reapply after self-test: %w", def.ID, def.Name, err)
			}
		}
		return tx.InsertRecord(ctx, def.Record())
	})
}

// Rollback runs a record's down script and deletes its ledger row in one
// transaction. The script comes from the ledger, not the source directory:
// the recorded down script is the one that matches what was applied.
func (e *Executor) Rollback(ctx context.Context, rec models.MigrationRecord) error {
	return e.ledger.InTransaction(ctx, func(tx db.Tx) error {
		if err := tx.ExecScript(ctx, rec.Down); err != nil {
			return fmt.Errorf("migration %d (%s) down script: %w", rec.ID, rec.Name, err)
		}
		return tx.DeleteRecord(ctx, rec.ID)
	})
}
