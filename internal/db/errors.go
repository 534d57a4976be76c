package db

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrExclusiveSource reports that a store was configured with neither or both
// of its two connection sources. Exactly one must be supplied.
var ErrExclusiveSource = errors.New("exactly one connection source must be configured")

// ErrBadTableName reports a ledger table name that is not a plain SQL
// identifier. Table names are interpolated into DDL, so anything else is
// rejected up front.
var ErrBadTableName = errors.New("ledger table name is not a valid identifier")

// identPattern restricts ledger table names to plain SQL identifiers.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckTableName rejects table names that are not plain identifiers.
func CheckTableName(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrBadTableName, name)
	}
	return nil
}

// QueryError wraps any SQL failure from a ledger operation, including
// failures inside a migration transaction.
type QueryError struct {
	Op    string
	Table string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Table, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
