// Package sqlstore implements the migration ledger on database/sql. It works
// against SQLite (modernc.org/sqlite) and PostgreSQL (pgx's database/sql
// adapter); the Dialect selects placeholder style and schema introspection.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/thebtf/remigrate/internal/db"
)

// DefaultTable is the ledger table name used when none is configured.
const DefaultTable = "migrations"

// Dialect selects the SQL flavor of the underlying driver.
type Dialect int

const (
	// DialectSQLite uses ? placeholders and pragma-based introspection.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $n placeholders and information_schema.
	DialectPostgres
)

// Options configures a Store. Exactly one of Client and Pool must be set:
// both are caller-owned, and the run holds a single session either way.
type Options struct {
	// Client is a dedicated connection the caller already checked out.
	Client *sql.Conn
	// Pool is a connection pool; the store checks one connection out for
	// the lifetime of the run and returns it on Close.
	Pool *sql.DB
	// Table is the ledger table name (DefaultTable when empty).
	Table string
	// Dialect of the underlying driver.
	Dialect Dialect
}

// Store is a db.Ledger backed by a single database/sql connection.
type Store struct {
	conn     *sql.Conn
	ownsConn bool
	table    string
	dialect  Dialect
}

// New creates a Store, acquiring a connection from the pool when one was not
// supplied directly.
func New(ctx context.Context, opts Options) (*Store, error) {
	if (opts.Client == nil) == (opts.Pool == nil) {
		return nil, db.ErrExclusiveSource
	}

	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	if err := db.CheckTableName(table); err != nil {
		return nil, err
	}

	s := &Store{table: table, dialect: opts.Dialect}
	if opts.Client != nil {
		s.conn = opts.Client
		return s, nil
	}

	conn, err := opts.Pool.Conn(ctx)
	if err != nil {
		return nil, &db.QueryError{Op: "acquire connection", Table: table, Err: err}
	}
	s.conn = conn
	s.ownsConn = true
	return s, nil
}

// Close returns the connection to the pool when the store checked it out.
// Caller-supplied connections are left open.
func (s *Store) Close() error {
	if !s.ownsConn {
		return nil
	}
	return s.conn.Close()
}

// Table returns the configured ledger table name.
func (s *Store) Table() string {
	return s.table
}

// rebind converts ? placeholders to the dialect's native style.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
