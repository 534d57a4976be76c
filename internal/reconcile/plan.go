// Package reconcile implements the reconciliation engine: it compares loaded
// migration definitions against the persisted ledger and computes an ordered
// rollback sequence followed by an ordered apply sequence, then executes each
// step in its own transaction.
package reconcile

import (
	"github.com/thebtf/remigrate/pkg/models"
)

// Backfill identifies a ledger row still carrying the sentinel hash, together
// with the definition hash it should be repaired to.
type Backfill struct {
	ID   int64
	Hash string
}

// Audit is the result of the integrity audit over the ledger.
type Audit struct {
	// FirstMismatch is the smallest record id whose stored hash differs
	// from the current definition hash, or 0 when none differ. Everything
	// from this id forward is considered untrustworthy: a later migration
	// may depend on an earlier one's altered effect.
	FirstMismatch int64
	// Backfills lists sentinel rows eligible for hash repair. Repairing
	// them is not a failure condition.
	Backfills []Backfill
}

// AuditRecords compares record hashes against definition hashes for every id
// present in both sets. Records are expected ascending by id.
func AuditRecords(defs []models.MigrationDefinition, records []models.MigrationRecord) Audit {
	byID := definitionsByID(defs)

	var audit Audit
	for _, rec := range records {
		def, ok := byID[rec.ID]
		if !ok {
			continue
		}
		if rec.Hash == models.SentinelHash {
			audit.Backfills = append(audit.Backfills, Backfill{ID: rec.ID, Hash: def.ContentHash})
			continue
		}
		// Records are ascending, so the first mismatch is the smallest.
		if rec.Hash != def.ContentHash && audit.FirstMismatch == 0 {
			audit.FirstMismatch = rec.ID
		}
	}
	return audit
}

// Plan is the computed reconciliation decision: rollbacks in descending id
// order, then applies in ascending id order.
type Plan struct {
	Rollbacks []models.MigrationRecord     `json:"rollbacks"`
	Applies   []models.MigrationDefinition `json:"applies"`
}

// Empty reports whether the plan performs no work.
func (p *Plan) Empty() bool {
	return len(p.Rollbacks) == 0 && len(p.Applies) == 0
}

// BuildPlan computes the rollback and apply sequences from the current
// definitions and ledger records. firstMismatch is 0 when the integrity audit
// is disabled or found nothing.
//
// The rollback set is always a contiguous suffix of the recorded ids: the
// scan stops at the first record that must be kept, and every older record is
// assumed consistent. That makes every id greater than the surviving maximum
// either genuinely new or freshly purged, so applying ascending reproduces
// the intended total order and is safe to resume after interruption.
func BuildPlan(defs []models.MigrationDefinition, records []models.MigrationRecord, firstMismatch int64, force models.ForceMode) Plan {
	byID := definitionsByID(defs)

	var maxDefID int64
	if len(defs) > 0 {
		maxDefID = defs[len(defs)-1].ID
	}
	var maxRecID int64
	if len(records) > 0 {
		maxRecID = records[len(records)-1].ID
	}

	var plan Plan
	kept := len(records)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		_, defined := byID[rec.ID]

		rollback := !defined ||
			(firstMismatch > 0 && rec.ID >= firstMismatch) ||
			(force == models.ForceLast && rec.ID == maxRecID && rec.ID == maxDefID)
		if !rollback {
			break
		}
		plan.Rollbacks = append(plan.Rollbacks, rec)
		kept--
	}

	var lastApplied int64
	if kept > 0 {
		lastApplied = records[kept-1].ID
	}
	for _, def := range defs {
		if def.ID > lastApplied {
			plan.Applies = append(plan.Applies, def)
		}
	}
	return plan
}

func definitionsByID(defs []models.MigrationDefinition) map[int64]models.MigrationDefinition {
	byID := make(map[int64]models.MigrationDefinition, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}
	return byID
}
