package runner_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/config"
	"possync/internal/ledger"
	"possync/internal/runner"
	"possync/internal/storage/storagetest"
)

var day = ledger.Window{
	Start: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
}

func newExecutor(t *testing.T, cb runner.Callback, p runner.Policy) (*runner.Executor, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(storagetest.SQLite(t))
	return runner.New(l, cb, runner.WithPolicy(p)), l
}

func fastPolicy(retries int) runner.Policy {
	return runner.Policy{Timeout: time.Second, Retries: retries, Backoff: time.Millisecond, Workers: 3}
}

func unit(source string) runner.Unit {
	return runner.Unit{JobKind: "sales", SourceID: source, Window: day, Mode: ledger.ModeFull, TriggeredBy: "test"}
}

func TestRunSourceSuccess(t *testing.T) {
	t.Parallel()
	cb := runner.CallbackFunc(func(_ context.Context, source string, start, end time.Time) (runner.Result, error) {
		assert.Equal(t, "store-1", source)
		assert.True(t, start.Equal(day.Start))
		assert.True(t, end.Equal(day.End))
		return runner.Result{Success: true, Extracted: 10, Loaded: 9, Duplicates: 1}, nil
	})
	e, l := newExecutor(t, cb, fastPolicy(0))

	out := e.RunSource(context.Background(), unit("store-1"))
	require.True(t, out.OK())
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, ledger.Counts{Extracted: 10, Loaded: 9, Duplicates: 1}, out.Counts)

	rec, err := l.Get(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, rec.Status)
	assert.Equal(t, int64(9), rec.Loaded)
	assert.Equal(t, ledger.ModeFull, rec.Mode)
}

func TestRunSourceRetriesErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	cb := runner.CallbackFunc(func(context.Context, string, time.Time, time.Time) (runner.Result, error) {
		if calls.Add(1) < 3 {
			return runner.Result{}, errors.New("connection reset")
		}
		return runner.Result{Success: true, Loaded: 4}, nil
	})
	e, _ := newExecutor(t, cb, fastPolicy(2))

	out := e.RunSource(context.Background(), unit("store-1"))
	assert.True(t, out.OK())
	assert.Equal(t, 3, out.Attempts)
}

func TestRunSourceRetriesExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	cb := runner.CallbackFunc(func(context.Context, string, time.Time, time.Time) (runner.Result, error) {
		calls.Add(1)
		return runner.Result{Extracted: 7}, errors.New("connection reset")
	})
	e, l := newExecutor(t, cb, fastPolicy(2))

	out := e.RunSource(context.Background(), unit("store-1"))
	assert.Equal(t, ledger.StatusFailed, out.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, runner.KindUnknown, out.Failure.Kind)

	rec, err := l.Get(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Equal(t, "connection reset", rec.ErrorMessage)
	assert.Equal(t, int64(7), rec.Extracted)
}

func TestRunSourcePermanentClassifiedError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	cb := runner.CallbackFunc(func(context.Context, string, time.Time, time.Time) (runner.Result, error) {
		calls.Add(1)
		return runner.Result{}, runner.Permanent(runner.Classified("auth", errors.New("401 unauthorized")))
	})
	e, l := newExecutor(t, cb, fastPolicy(3))

	out := e.RunSource(context.Background(), unit("store-1"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "auth", out.Failure.Kind)

	rec, err := l.Get(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "auth", rec.ErrorKind)
}

func TestRunSourceTimeout(t *testing.T) {
	t.Parallel()
	cb := runner.CallbackFunc(func(ctx context.Context, _ string, _, _ time.Time) (runner.Result, error) {
		<-ctx.Done()
		return runner.Result{}, ctx.Err()
	})
	p := fastPolicy(0)
	p.Timeout = 20 * time.Millisecond
	e, _ := newExecutor(t, cb, p)

	out := e.RunSource(context.Background(), unit("store-1"))
	assert.Equal(t, ledger.StatusFailed, out.Status)
	assert.Equal(t, runner.KindTimeout, out.Failure.Kind)
}

func TestRunSourcePanicIsRecorded(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	cb := runner.CallbackFunc(func(context.Context, string, time.Time, time.Time) (runner.Result, error) {
		calls.Add(1)
		panic("nil map")
	})
	e, l := newExecutor(t, cb, fastPolicy(2))

	out := e.RunSource(context.Background(), unit("store-1"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, runner.KindPanic, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "nil map")

	rec, err := l.Get(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
}

func TestRunSourceUnsuccessfulResults(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		result runner.Result
		status ledger.Status
		kind   string
	}{
		{"partial load", runner.Result{Loaded: 3, Extracted: 5, ErrorKind: "http_500", ErrorMsg: "page 2"}, ledger.StatusPartial, "http_500"},
		{"nothing loaded", runner.Result{ErrorKind: "connection_refused"}, ledger.StatusFailed, "connection_refused"},
		{"unclassified", runner.Result{}, ledger.StatusFailed, runner.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			cb := runner.CallbackFunc(func(context.Context, string, time.Time, time.Time) (runner.Result, error) {
				calls.Add(1)
				return tc.result, nil
			})
			e, l := newExecutor(t, cb, fastPolicy(2))

			out := e.RunSource(context.Background(), unit("store-1"))
			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, tc.status, out.Status)
			assert.Equal(t, tc.kind, out.Failure.Kind)

			rec, err := l.Get(context.Background(), out.ExecutionID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, rec.Status)
			assert.Equal(t, tc.result.Loaded, rec.Loaded)
		})
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", runner.ErrorKind(nil))
	assert.Equal(t, runner.KindTimeout, runner.ErrorKind(errors.Wrap(context.DeadlineExceeded, "call")))
	assert.Equal(t, runner.KindCanceled, runner.ErrorKind(context.Canceled))
	assert.Equal(t, "dns", runner.ErrorKind(errors.Wrap(runner.Classified("dns", errors.New("no such host")), "call")))
	assert.Equal(t, runner.KindUnknown, runner.ErrorKind(errors.New("boom")))
	assert.Nil(t, runner.Classified("x", nil))
	assert.Nil(t, runner.Permanent(nil))
}

type concurrency struct {
	mu        sync.Mutex
	cur, peak map[string]int
}

func (c *concurrency) enter(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur[group]++
	c.peak[group] = max(c.peak[group], c.cur[group])
}

func (c *concurrency) leave(group string) {
	c.mu.Lock()
	c.cur[group]--
	c.mu.Unlock()
}

func TestRunBatchPoolsRESTAndSerializesLegacy(t *testing.T) {
	t.Parallel()
	c := &concurrency{cur: map[string]int{}, peak: map[string]int{}}
	legacy := map[string]bool{"db-1": true, "db-2": true, "db-3": true}
	cb := runner.CallbackFunc(func(_ context.Context, source string, _, _ time.Time) (runner.Result, error) {
		group := "rest"
		if legacy[source] {
			group = "legacy"
		}
		c.enter(group)
		defer c.leave(group)
		time.Sleep(15 * time.Millisecond)
		if source == "api-3" {
			return runner.Result{}, runner.Permanent(errors.New("down"))
		}
		return runner.Result{Success: true, Loaded: 1}, nil
	})
	p := fastPolicy(0)
	p.Workers = 2
	e, l := newExecutor(t, cb, p)

	var sources []runner.Source
	for _, id := range []string{"api-1", "api-2", "api-3", "api-4", "api-5"} {
		sources = append(sources, runner.Source{ID: id, Transport: config.TransportREST})
	}
	for _, id := range []string{"db-1", "db-2", "db-3"} {
		sources = append(sources, runner.Source{ID: id, Transport: config.TransportLegacyDB})
	}

	out := e.RunBatch(context.Background(), runner.Batch{JobKind: "sales", Window: day, Sources: sources, Mode: ledger.ModeFull, TriggeredBy: "test"})
	require.Len(t, out.Outcomes, len(sources))
	for i, o := range out.Outcomes {
		assert.Equal(t, sources[i].ID, o.Unit.SourceID)
	}
	assert.Equal(t, []string{"api-3"}, out.Failed())
	assert.Equal(t, 7, out.Succeeded())
	assert.Equal(t, int64(7), out.Loaded())
	assert.Equal(t, ledger.StatusPartial, out.Status())
	assert.LessOrEqual(t, c.peak["rest"], 2)
	assert.Equal(t, 1, c.peak["legacy"])

	recs, err := l.Query(context.Background(), ledger.Filter{JobKind: "sales"})
	require.NoError(t, err)
	assert.Len(t, recs, len(sources))
}

func TestRunBatchCanceledContext(t *testing.T) {
	t.Parallel()
	cb := runner.CallbackFunc(func(context.Context, string, time.Time, time.Time) (runner.Result, error) {
		t.Error("callback must not run")
		return runner.Result{}, nil
	})
	e, l := newExecutor(t, cb, fastPolicy(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := e.RunBatch(ctx, runner.Batch{JobKind: "sales", Window: day, Mode: ledger.ModeFull, Sources: []runner.Source{
		{ID: "api-1", Transport: config.TransportREST},
		{ID: "db-1", Transport: config.TransportLegacyDB},
	}})
	assert.Equal(t, ledger.StatusFailed, out.Status())
	for _, o := range out.Outcomes {
		assert.Equal(t, runner.KindCanceled, o.Failure.Kind)
	}
	recs, err := l.Query(context.Background(), ledger.Filter{JobKind: "sales"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestBatchStatusFolding(t *testing.T) {
	t.Parallel()
	ok := runner.Outcome{Status: ledger.StatusSuccess}
	bad := runner.Outcome{Status: ledger.StatusFailed}
	assert.Equal(t, ledger.StatusSuccess, runner.BatchOutcome{Outcomes: []runner.Outcome{ok, ok}}.Status())
	assert.Equal(t, ledger.StatusPartial, runner.BatchOutcome{Outcomes: []runner.Outcome{ok, bad}}.Status())
	assert.Equal(t, ledger.StatusFailed, runner.BatchOutcome{Outcomes: []runner.Outcome{bad}}.Status())
}
