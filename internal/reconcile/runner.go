package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/remigrate/internal/db"
	"github.com/thebtf/remigrate/internal/source"
	"github.com/thebtf/remigrate/pkg/models"
)

// Options configures a reconciliation run.
type Options struct {
	// CheckHash enables the integrity audit: mismatched hashes force a
	// rollback from the earliest divergent migration, and sentinel hashes
	// are backfilled in place.
	CheckHash bool
	// ValidateDown enables the apply-time up/down/up self-test.
	ValidateDown bool
	// Force set to ForceLast rolls back and reapplies the newest applied
	// migration even when unchanged.
	Force models.ForceMode
}

// Runner owns the ledger session for one reconciliation run and guarantees
// its release on every exit path. A Runner is single-use: both Run and Plan
// close the ledger before returning.
type Runner struct {
	ledger db.Ledger
	loader *source.Loader
	opts   Options
}

// NewRunner creates a runner over the given ledger and source loader.
func NewRunner(ledger db.Ledger, loader *source.Loader, opts Options) *Runner {
	return &Runner{ledger: ledger, loader: loader, opts: opts}
}

// Run performs one full reconciliation: bootstrap the ledger, load the
// definitions, audit, roll back the stale suffix, then apply everything new.
// Each step waits for the previous transaction to commit; the first error
// aborts the rest of the run.
func (r *Runner) Run(ctx context.Context) (rerr error) {
	defer func() {
		if err := r.ledger.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()

	logger := log.With().Str("run_id", uuid.NewString()).Logger()
	start := time.Now()
	logger.Info().Msg("Starting reconciliation")

	defs, records, audit, err := r.prepare(ctx, logger, true)
	if err != nil {
		return err
	}

	plan := BuildPlan(defs, records, audit.FirstMismatch, r.opts.Force)
	if plan.Empty() {
		logger.Info().Dur("elapsed", time.Since(start)).Msg("Ledger already in agreement with source")
		return nil
	}

	exec := NewExecutor(r.ledger, r.opts.ValidateDown)

	for _, rec := range plan.Rollbacks {
		stepStart := time.Now()
		if err := exec.Rollback(ctx, rec); err != nil {
			logger.Error().Err(err).Int64("id", rec.ID).Msg("Rollback failed, aborting run")
			return err
		}
		logger.Info().
			Int64("id", rec.ID).
			Str("name", rec.Name).
			Dur("elapsed", time.Since(stepStart)).
			Msg("Rolled back migration")
	}

	for _, def := range plan.Applies {
		stepStart := time.Now()
		if err := exec.Apply(ctx, def); err != nil {
			logger.Error().Err(err).Int64("id", def.ID).Msg("Apply failed, aborting run")
			return err
		}
		logger.Info().
			Int64("id", def.ID).
			Str("name", def.Name).
			Dur("elapsed", time.Since(stepStart)).
			Msg("Applied migration")
	}

	logger.Info().
		Int("rollbacks", len(plan.Rollbacks)).
		Int("applies", len(plan.Applies)).
		Dur("elapsed", time.Since(start)).
		Msg("Reconciliation complete")
	return nil
}

// Plan computes the pending reconciliation plan without executing it and
// without backfilling sentinel hashes. The ledger session is released before
// returning.
func (r *Runner) Plan(ctx context.Context) (plan *Plan, rerr error) {
	defer func() {
		if err := r.ledger.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()

	logger := log.With().Str("run_id", uuid.NewString()).Logger()

	defs, records, audit, err := r.prepare(ctx, logger, false)
	if err != nil {
		return nil, err
	}

	p := BuildPlan(defs, records, audit.FirstMismatch, r.opts.Force)
	return &p, nil
}

// prepare bootstraps the ledger, loads definitions and records, and runs the
// integrity audit. File parsing inside the loader is parallel; everything
// touching the database is strictly sequential.
func (r *Runner) prepare(ctx context.Context, logger zerolog.Logger, backfill bool) ([]models.MigrationDefinition, []models.MigrationRecord, Audit, error) {
	if err := r.ledger.EnsureLedger(ctx); err != nil {
		return nil, nil, Audit{}, err
	}

	defs, err := r.loader.Load(ctx)
	if err != nil {
		return nil, nil, Audit{}, err
	}
	logger.Debug().Int("definitions", len(defs)).Msg("Loaded migration definitions")

	records, err := r.ledger.ListRecords(ctx)
	if err != nil {
		return nil, nil, Audit{}, err
	}
	logger.Debug().Int("records", len(records)).Msg("Listed ledger records")

	if !r.opts.CheckHash {
		return defs, records, Audit{}, nil
	}

	audit := AuditRecords(defs, records)
	if audit.FirstMismatch > 0 {
		logger.Warn().
			Int64("first_mismatch", audit.FirstMismatch).
			Msg("Ledger hash mismatch, rolling back from this migration forward")
	}
	if backfill {
		// Sentinel rows are repaired one at a time, outside the
		// migration transactions. See DESIGN.md.
		for _, bf := range audit.Backfills {
			if err := r.ledger.UpdateRecordHash(ctx, bf.ID, bf.Hash); err != nil {
				return nil, nil, Audit{}, err
			}
			logger.Info().Int64("id", bf.ID).Msg("Backfilled sentinel hash")
		}
	}
	return defs, records, audit, nil
}
