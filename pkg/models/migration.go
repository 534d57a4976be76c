// Package models contains domain models for remigrate.
package models

// SentinelHash is the placeholder stored in ledger rows that were created
// before the hash column existed. Rows carrying it are backfilled with the
// current definition hash the next time an integrity audit sees them.
const SentinelHash = "nil"

// ForceMode controls unconditional reapplication of applied migrations.
type ForceMode string

const (
	// ForceNone leaves applied migrations alone unless reconciliation
	// requires otherwise.
	ForceNone ForceMode = ""
	// ForceLast rolls back and reapplies the single newest applied
	// migration even when its source is unchanged.
	ForceLast ForceMode = "last"
)

// ParseForceMode maps the configuration values "", "false" and "last" onto a
// ForceMode. The second return is false for anything else.
func ParseForceMode(s string) (ForceMode, bool) {
	switch s {
	case "", "false":
		return ForceNone, true
	case "last":
		return ForceLast, true
	}
	return ForceNone, false
}

// MigrationDefinition is a migration as loaded from a source file. Definitions
// are immutable for the duration of a run and totally ordered by ID.
type MigrationDefinition struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	UpScript    string `json:"up"`
	DownScript  string `json:"down"`
	ContentHash string `json:"hash"`
}

// MigrationRecord is a persisted ledger row for an applied migration.
// Rows are always listed ascending by ID.
type MigrationRecord struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
	Up   string `db:"up" json:"up"`
	Down string `db:"down" json:"down"`
	Hash string `db:"hash" json:"hash"`
}

// Record converts a definition into the ledger row the executor persists when
// the migration is applied.
func (d MigrationDefinition) Record() MigrationRecord {
	return MigrationRecord{
		ID:   d.ID,
		Name: d.Name,
		Up:   d.UpScript,
		Down: d.DownScript,
		Hash: d.ContentHash,
	}
}
