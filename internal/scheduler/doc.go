// Package scheduler owns the wall-clock side of one job kind: a daily loop
// that runs yesterday's window at a configured time of day, a retry loop
// for sources that failed, and manual triggers.
//
// Every run claims the job kind through the guard and writes a lease row
// (source "*") for its whole duration, so at most one run per job kind is
// live across processes sharing the ledger.
package scheduler
