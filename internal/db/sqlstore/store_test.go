package sqlstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/thebtf/remigrate/internal/db"
	"github.com/thebtf/remigrate/pkg/models"
)

// testPool opens an in-memory SQLite database for testing.
func testPool(t *testing.T) *sql.DB {
	t.Helper()

	pool, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A :memory: database exists per connection; keep exactly one.
	pool.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(context.Background(), Options{Pool: testPool(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertRecord(t *testing.T, store *Store, rec models.MigrationRecord) {
	t.Helper()

	err := store.InTransaction(context.Background(), func(tx db.Tx) error {
		return tx.InsertRecord(context.Background(), rec)
	})
	require.NoError(t, err)
}

func TestNewExclusiveSource(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)

	conn, err := pool.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = New(ctx, Options{})
	assert.ErrorIs(t, err, db.ErrExclusiveSource)

	_, err = New(ctx, Options{Client: conn, Pool: pool})
	assert.ErrorIs(t, err, db.ErrExclusiveSource)
}

func TestNewRejectsBadTableName(t *testing.T) {
	_, err := New(context.Background(), Options{Pool: testPool(t), Table: "migrations; DROP TABLE users"})
	assert.ErrorIs(t, err, db.ErrBadTableName)
}

func TestCloseLeavesClientOpen(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)

	conn, err := pool.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	store, err := New(ctx, Options{Client: conn})
	require.NoError(t, err)
	require.NoError(t, store.EnsureLedger(ctx))
	require.NoError(t, store.Close())

	// The caller-owned connection must still be usable.
	assert.NoError(t, conn.PingContext(ctx))
}

func TestEnsureLedgerIdempotent(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	require.NoError(t, store.EnsureLedger(ctx))
	require.NoError(t, store.EnsureLedger(ctx))

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEnsureLedgerUpgradesLegacyTable(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)

	// A ledger from before the integrity-hash feature: no hash column.
	_, err := pool.ExecContext(ctx, `CREATE TABLE migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		up TEXT NOT NULL,
		down TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = pool.ExecContext(ctx,
		`INSERT INTO migrations (id, name, up, down) VALUES (1, 'legacy', 'SELECT 1', 'SELECT 1')`)
	require.NoError(t, err)

	store, err := New(ctx, Options{Pool: pool})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnsureLedger(ctx))

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.SentinelHash, records[0].Hash)
}

func TestInsertListDelete(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, store.EnsureLedger(ctx))

	// Insert out of order; listing must come back ascending.
	insertRecord(t, store, models.MigrationRecord{ID: 2, Name: "b", Up: "SELECT 2", Down: "SELECT 2", Hash: "h2"})
	insertRecord(t, store, models.MigrationRecord{ID: 1, Name: "a", Up: "SELECT 1", Down: "SELECT 1", Hash: "h1"})

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, int64(2), records[1].ID)

	err = store.InTransaction(ctx, func(tx db.Tx) error {
		return tx.DeleteRecord(ctx, 2)
	})
	require.NoError(t, err)

	records, err = store.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID)
}

func TestInsertRecordOverwrites(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, store.EnsureLedger(ctx))

	insertRecord(t, store, models.MigrationRecord{ID: 1, Name: "a", Up: "old up", Down: "old down", Hash: "old"})
	insertRecord(t, store, models.MigrationRecord{ID: 1, Name: "a", Up: "new up", Down: "new down", Hash: "new"})

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new up", records[0].Up)
	assert.Equal(t, "new", records[0].Hash)
}

func TestUpdateRecordHash(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, store.EnsureLedger(ctx))

	insertRecord(t, store, models.MigrationRecord{ID: 1, Name: "a", Up: "SELECT 1", Down: "SELECT 1", Hash: models.SentinelHash})
	require.NoError(t, store.UpdateRecordHash(ctx, 1, "fresh"))

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", records[0].Hash)
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, store.EnsureLedger(ctx))

	err := store.InTransaction(ctx, func(tx db.Tx) error {
		if err := tx.InsertRecord(ctx, models.MigrationRecord{ID: 1, Name: "a", Up: "u", Down: "d", Hash: "h"}); err != nil {
			return err
		}
		// A broken script aborts the transaction; the insert must not survive.
		return tx.ExecScript(ctx, "THIS IS NOT SQL")
	})
	require.Error(t, err)

	var qerr *db.QueryError
	assert.ErrorAs(t, err, &qerr)

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecScriptSkipsEmpty(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, store.EnsureLedger(ctx))

	err := store.InTransaction(ctx, func(tx db.Tx) error {
		return tx.ExecScript(ctx, "   \n\t")
	})
	assert.NoError(t, err)
}

func TestCustomTableName(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)

	store, err := New(ctx, Options{Pool: pool, Table: "schema_ledger"})
	require.NoError(t, err)

	require.NoError(t, store.EnsureLedger(ctx))
	insertRecord(t, store, models.MigrationRecord{ID: 1, Name: "a", Up: "u", Down: "d", Hash: "h"})

	// Release the store's connection so the pool query below can run; the
	// pool keeps the in-memory database alive on the idle connection.
	require.NoError(t, store.Close())

	var count int
	require.NoError(t, pool.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_ledger").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	assert.Equal(t, "UPDATE t SET hash = $1 WHERE id = $2", s.rebind("UPDATE t SET hash = ? WHERE id = ?"))

	s = &Store{dialect: DialectSQLite}
	assert.Equal(t, "UPDATE t SET hash = ? WHERE id = ?", s.rebind("UPDATE t SET hash = ? WHERE id = ?"))
}
