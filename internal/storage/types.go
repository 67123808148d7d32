package storage

import "time"

// Dialect names a supported database flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config configures the ledger database.
type Config struct {
	Driver       Dialect
	Path         string // sqlite
	DSN          string // postgres
	BusyTimeout  time.Duration
	MaxOpenConns int
}
