package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDatabase(context.Background(), DSN(filepath.Join(t.TempDir(), "client.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestInitDatabase_CreatesTables(t *testing.T) {
	db := setupDB(t)

	require.True(t, tableExists(t, db, "kv"))
	require.True(t, tableExists(t, db, "cookies"))
	require.True(t, tableExists(t, db, "goose_db_version"))
}

func TestRunMigrations_IsIdempotent(t *testing.T) {
	db := setupDB(t)

	require.NoError(t, RunMigrations(context.Background(), db))
	require.True(t, tableExists(t, db, "kv"))
}
