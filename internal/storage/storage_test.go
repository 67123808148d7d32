package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/storage"
	"possync/internal/storage/storagetest"
	logx "possync/pkg/logx"
)

func TestParseDialect(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]storage.Dialect{
		"sqlite":     storage.DialectSQLite,
		"SQLite3":    storage.DialectSQLite,
		"postgres":   storage.DialectPostgres,
		"postgresql": storage.DialectPostgres,
	} {
		got, err := storage.ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := storage.ParseDialect("mysql")
	assert.Error(t, err)
}

func TestSQLiteMigrationsCreateLedger(t *testing.T) {
	t.Parallel()
	db := storagetest.SQLite(t)

	var tables []string
	require.NoError(t, db.Select(&tables,
		`SELECT name FROM sqlite_master WHERE name IN ('execution_ledger', 'source_reliability_daily') ORDER BY name`))
	assert.Equal(t, []string{"execution_ledger", "source_reliability_daily"}, tables)
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.db")
	cfg := storage.Config{Driver: storage.DialectSQLite, Path: path}

	db, err := storage.Open(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, storage.DialectSQLite, logx.Nop()))
	require.NoError(t, db.Close())

	db, err = storage.Open(context.Background(), cfg, logx.Nop())
	require.NoError(t, err)
	defer db.Close()
}

func TestLedgerRejectsFinishedRunningRow(t *testing.T) {
	t.Parallel()
	db := storagetest.SQLite(t)

	_, err := db.Exec(`INSERT INTO execution_ledger
		(job_kind, source_id, window_start, window_end, status, started_at, finished_at, mode)
		VALUES ('sales', 's1', 0, 10, 'running', 1, 2, 'full')`)
	assert.Error(t, err, "running rows must not carry finished_at")

	_, err = db.Exec(`INSERT INTO execution_ledger
		(job_kind, source_id, window_start, window_end, status, started_at, mode)
		VALUES ('sales', 's1', 10, 0, 'running', 1, 'full')`)
	assert.Error(t, err, "window_start must not exceed window_end")
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := storage.Open(context.Background(), storage.Config{Driver: storage.DialectSQLite}, logx.Nop())
	assert.Error(t, err)
	_, err = storage.Open(context.Background(), storage.Config{Driver: storage.DialectPostgres}, logx.Nop())
	assert.Error(t, err)
}
