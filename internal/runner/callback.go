// Package runner is the ordinary run path: it brackets every call to the
// injected extraction callback with ledger bookkeeping, a timeout and a
// bounded number of fixed-interval retries.
//
// Scheduled runs, manual triggers and gap recovery all go through it, so
// a replayed window is loaded exactly the way a fresh one is.
package runner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

// Result is what a callback reports for one source and window.
type Result struct {
	Success    bool   `json:"success"`
	Extracted  int64  `json:"records_extracted"`
	Loaded     int64  `json:"records_loaded"`
	Duplicates int64  `json:"duplicates_skipped"`
	ErrorKind  string `json:"error_kind,omitempty"`
	ErrorMsg   string `json:"error_message,omitempty"`
}

// Callback extracts, transforms and loads one source for [start, end).
// The load step must upsert on a stable business key: recovery replays
// windows that may already be partly loaded.
type Callback interface {
	Run(ctx context.Context, sourceID string, start, end time.Time) (Result, error)
}

type CallbackFunc func(ctx context.Context, sourceID string, start, end time.Time) (Result, error)

func (f CallbackFunc) Run(ctx context.Context, sourceID string, start, end time.Time) (Result, error) {
	return f(ctx, sourceID, start, end)
}

// Error kinds assigned when the callback does not classify its own error.
const (
	KindTimeout  = "timeout"
	KindCanceled = "canceled"
	KindPanic    = "panic"
	KindUnknown  = "unknown"
)

type classifiedError struct {
	kind string
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Classified tags err with an error kind stored verbatim in the ledger.
func Classified(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

// Permanent stops the executor from retrying err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// ErrorKind reports the kind of a callback error.
func ErrorKind(err error) string {
	var ce *classifiedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}
