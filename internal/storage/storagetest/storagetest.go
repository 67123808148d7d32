// Package storagetest opens throwaway ledger databases for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"possync/internal/storage"
	logx "possync/pkg/logx"
)

// SQLite returns a migrated SQLite database in t.TempDir, closed on cleanup.
func SQLite(t testing.TB) *sqlx.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Driver:      storage.DialectSQLite,
		Path:        filepath.Join(t.TempDir(), "ledger.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
