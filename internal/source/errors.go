package source

import (
	"errors"
	"fmt"
)

// ErrNoMigrations reports that the directory contained no files matching the
// <digits>.<name>.sql naming convention.
var ErrNoMigrations = errors.New("no migration files found")

// ErrMalformedMigration reports a migration file without a "-- down" marker
// line separating the up and down scripts.
var ErrMalformedMigration = errors.New("missing '-- down' marker")

// DiscoveryError reports a migrations directory that could not be read.
type DiscoveryError struct {
	Dir string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("read migrations directory %s: %v", e.Dir, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ParseError reports a single migration file that could not be read or parsed.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse migration file %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
