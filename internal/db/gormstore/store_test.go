package gormstore

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/thebtf/remigrate/internal/db"
	"github.com/thebtf/remigrate/pkg/models"
)

// testDB opens an in-memory SQLite database via the pure-Go GORM driver.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, err := gdb.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func testStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(Options{DB: testDB(t)})
	require.NoError(t, err)
	require.NoError(t, store.EnsureLedger(context.Background()))
	return store
}

func TestNewExclusiveSource(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, db.ErrExclusiveSource)

	_, err = New(Options{DB: testDB(t), DSN: "postgres://localhost/x"})
	assert.ErrorIs(t, err, db.ErrExclusiveSource)
}

func TestNewRejectsBadTableName(t *testing.T) {
	_, err := New(Options{DB: testDB(t), Table: `"weird name"`})
	assert.ErrorIs(t, err, db.ErrBadTableName)
}

func TestCloseLeavesCallerHandleOpen(t *testing.T) {
	gdb := testDB(t)
	store, err := New(Options{DB: gdb})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
}

func TestEnsureLedgerUpgradesLegacyTable(t *testing.T) {
	ctx := context.Background()
	gdb := testDB(t)

	require.NoError(t, gdb.Exec(`CREATE TABLE migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		up TEXT NOT NULL,
		down TEXT NOT NULL
	)`).Error)
	require.NoError(t, gdb.Exec(
		`INSERT INTO migrations (id, name, up, down) VALUES (1, 'legacy', 'SELECT 1', 'SELECT 1')`).Error)

	store, err := New(Options{DB: gdb})
	require.NoError(t, err)
	require.NoError(t, store.EnsureLedger(ctx))
	require.NoError(t, store.EnsureLedger(ctx))

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.SentinelHash, records[0].Hash)
}

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	err := store.InTransaction(ctx, func(tx db.Tx) error {
		if err := tx.ExecScript(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY)"); err != nil {
			return err
		}
		return tx.InsertRecord(ctx, models.MigrationRecord{
			ID: 1, Name: "create_users", Up: "u", Down: "d", Hash: "h1",
		})
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateRecordHash(ctx, 1, "h2"))

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "h2", records[0].Hash)

	err = store.InTransaction(ctx, func(tx db.Tx) error {
		if err := tx.ExecScript(ctx, "DROP TABLE users"); err != nil {
			return err
		}
		return tx.DeleteRecord(ctx, 1)
	})
	require.NoError(t, err)

	records, err = store.ListRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	err := store.InTransaction(ctx, func(tx db.Tx) error {
		if err := tx.InsertRecord(ctx, models.MigrationRecord{ID: 1, Name: "a", Up: "u", Down: "d", Hash: "h"}); err != nil {
			return err
		}
		return tx.ExecScript(ctx, "NOT VALID SQL")
	})
	require.Error(t, err)

	records, err := store.ListRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
