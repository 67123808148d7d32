package storage

import (
	"embed"

	"github.com/cockroachdb/errors"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	logx "possync/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Migrate applies every pending up-migration for the dialect.
//
// The migrate instance is deliberately not closed: its database driver owns
// db and would close the shared pool.
func Migrate(db *sqlx.DB, dialect Dialect, log logx.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return errors.Wrapf(err, "load %s migrations", dialect)
	}
	defer func() { _ = src.Close() }()

	var drv database.Driver
	switch dialect {
	case DialectSQLite:
		drv, err = sqlite.WithInstance(db.DB, &sqlite.Config{MigrationsTable: migrationsTable})
	case DialectPostgres:
		drv, err = postgres.WithInstance(db.DB, &postgres.Config{MigrationsTable: migrationsTable})
	default:
		return errors.Newf("unknown dialect %q", dialect)
	}
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), drv)
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	if v, dirty, err := m.Version(); err == nil {
		log.Debug("schema version", logx.Int64("version", int64(v)), logx.Bool("dirty", dirty))
	}
	return nil
}
