package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	logx "possync/pkg/logx"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// ParseDialect normalizes driver aliases.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", errors.Newf("unknown storage driver %q", s)
	}
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*sqlx.DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case DialectSQLite:
		db, err = openSQLite(ctx, cfg)
	case DialectPostgres:
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, errors.Newf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, cfg.Driver, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", string(cfg.Driver)))
	return db, nil
}
