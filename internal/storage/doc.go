// Package storage opens the relational database that holds the execution
// ledger and keeps its schema current.
//
// Two drivers are supported:
//   - "sqlite": a local database file (modernc.org/sqlite, no cgo)
//   - "postgres": a shared PostgreSQL database (lib/pq)
//
// Both dialects carry the same schema and the same source_reliability_daily view.
// Times are stored as unix milliseconds so queries stay portable.
package storage
