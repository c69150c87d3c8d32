// Package dbtest opens throwaway migrated SQLite ledgers for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/backstage/services/assetledger/config"
	"example.com/backstage/services/assetledger/internal/database"
)

// Open returns a migrated SQLite database in t's temp dir, closed on cleanup.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	cfg := config.Config{
		DBDriver: database.DriverSQLite,
		DBSource: "file:" + filepath.Join(t.TempDir(), "ledger_test.db"),
	}

	db, err := database.Open(cfg)
	require.NoError(t, err, "open db")
	require.NoError(t, database.RunMigrations(context.Background(), db), "run migrations")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// DropEventGuards removes the SQLite append-only triggers so tests can
// simulate tampering at the storage layer.
func DropEventGuards(t testing.TB, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Exec("DROP TRIGGER IF EXISTS asset_events_no_update").Error)
	require.NoError(t, db.Exec("DROP TRIGGER IF EXISTS asset_events_no_delete").Error)
}
