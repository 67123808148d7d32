package recovery_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/gaps"
	"possync/internal/ledger"
	"possync/internal/metrics"
	"possync/internal/recovery"
	"possync/internal/runner"
	"possync/internal/storage/storagetest"
)

func at(hour int) time.Time { return time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC) }

func gap(source string, hour int) gaps.Gap {
	return gaps.Gap{SourceID: source, JobKind: "sales", HourStart: at(hour), HourEnd: at(hour + 1)}
}

// fakeRunner answers by source id; unknown sources succeed.
type fakeRunner struct {
	mu     sync.Mutex
	units  []runner.Unit
	fail   map[string]bool
	panics map[string]bool
}

func (f *fakeRunner) RunSource(_ context.Context, u runner.Unit) runner.Outcome {
	f.mu.Lock()
	f.units = append(f.units, u)
	fail, boom := f.fail[u.SourceID], f.panics[u.SourceID]
	f.mu.Unlock()
	if boom {
		panic("extractor blew up")
	}
	if fail {
		return runner.Outcome{Unit: u, Status: ledger.StatusFailed, Failure: ledger.Failure{Kind: "http_500", Message: "down"}}
	}
	return runner.Outcome{Unit: u, Status: ledger.StatusSuccess, Counts: ledger.Counts{Loaded: 1}}
}

func (f *fakeRunner) sources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.units))
	for i, u := range f.units {
		out[i] = u.SourceID
	}
	return out
}

func TestRecoverOldestFirstAndCapped(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{}
	o := recovery.New(run, nil)

	sum := o.Recover(context.Background(), []gaps.Gap{
		gap("store-c", 11), gap("store-a", 8), gap("store-b", 9), gap("store-a", 7),
	}, 2)

	assert.Equal(t, 4, sum.Considered)
	assert.Equal(t, 2, sum.Attempted)
	assert.Equal(t, 2, sum.Recovered)
	assert.Equal(t, 2, sum.Skipped)
	require.Len(t, run.units, 2)
	assert.True(t, run.units[0].Window.Start.Equal(at(7)))
	assert.True(t, run.units[1].Window.Start.Equal(at(8)))
	for _, u := range run.units {
		assert.Equal(t, ledger.ModeRecovery, u.Mode)
		assert.Equal(t, "sales", u.JobKind)
		require.NotNil(t, u.Hour)
	}
}

func TestRecoverIsolatesFailingGaps(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{fail: map[string]bool{"store-b": true}, panics: map[string]bool{"store-c": true}}
	reg := prometheus.NewRegistry()
	o := recovery.New(run, nil, recovery.WithMetrics(metrics.New(reg)))

	sum := o.Recover(context.Background(), []gaps.Gap{
		gap("store-a", 6), gap("store-b", 7), gap("store-c", 8), gap("store-d", 9),
	}, 0)

	assert.Equal(t, 4, sum.Attempted)
	assert.Equal(t, 2, sum.Recovered)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, []string{"store-a", "store-b", "store-c", "store-d"}, run.sources())
	assert.Equal(t, runner.KindPanic, sum.Outcomes[2].Failure.Kind)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP possync_gap_recoveries_total Gap replays by outcome.
# TYPE possync_gap_recoveries_total counter
possync_gap_recoveries_total{job_kind="sales",outcome="failed"} 2
possync_gap_recoveries_total{job_kind="sales",outcome="recovered"} 2
`), "possync_gap_recoveries_total"))
}

func TestRecoverStopsWhenCanceled(t *testing.T) {
	t.Parallel()
	for name, opts := range map[string][]recovery.Option{
		"paced":   {recovery.WithReplayRate(1)},
		"unpaced": nil,
	} {
		t.Run(name, func(t *testing.T) {
			run := &fakeRunner{}
			o := recovery.New(run, nil, opts...)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			sum := o.Recover(ctx, []gaps.Gap{gap("store-a", 6), gap("store-b", 7), gap("store-c", 8)}, 5)
			assert.Equal(t, 0, sum.Attempted)
			assert.Equal(t, 3, sum.Skipped)
			assert.Empty(t, run.units)
		})
	}
}

// cancelAfterFirst cancels the pass once the first gap has run.
type cancelAfterFirst struct {
	fakeRunner
	cancel context.CancelFunc
}

func (c *cancelAfterFirst) RunSource(ctx context.Context, u runner.Unit) runner.Outcome {
	out := c.fakeRunner.RunSource(ctx, u)
	c.cancel()
	return out
}

func TestRecoverStopsMidBatchWhenCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := &cancelAfterFirst{cancel: cancel}
	o := recovery.New(run, nil)

	sum := o.Recover(ctx, []gaps.Gap{gap("store-a", 6), gap("store-b", 7), gap("store-c", 8)}, 0)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, 1, sum.Recovered)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, []string{"store-a"}, run.sources())
}

func TestReplayRatePacesGaps(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{}
	o := recovery.New(run, nil, recovery.WithReplayRate(20))

	started := time.Now()
	sum := o.Recover(context.Background(), []gaps.Gap{gap("a", 6), gap("b", 7), gap("c", 8)}, 0)
	assert.Equal(t, 3, sum.Recovered)
	assert.GreaterOrEqual(t, time.Since(started), 80*time.Millisecond)

	o.SetReplayRate(0)
	started = time.Now()
	o.Recover(context.Background(), []gaps.Gap{gap("a", 6), gap("b", 7), gap("c", 8)}, 0)
	assert.Less(t, time.Since(started), 50*time.Millisecond)
}

func TestRecoverRecentClosesGaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC))
	l := ledger.New(storagetest.SQLite(t), ledger.WithClock(clock))
	var replayed []ledger.Window
	var mu sync.Mutex
	cb := runner.CallbackFunc(func(_ context.Context, _ string, start, end time.Time) (runner.Result, error) {
		mu.Lock()
		replayed = append(replayed, ledger.Window{Start: start, End: end})
		mu.Unlock()
		return runner.Result{Success: true, Loaded: 2}, nil
	})
	exec := runner.New(l, cb, runner.WithPolicy(runner.Policy{Timeout: time.Second, Backoff: time.Millisecond, Workers: 1}))
	hours, err := gaps.NewBusinessHours(6, 0, 22, 0, time.UTC)
	require.NoError(t, err)
	o := recovery.New(exec, gaps.New(l, gaps.WithClock(clock)))

	// One success in the middle leaves two gaps.
	id := l.Start(ctx, ledger.StartParams{JobKind: "sales", SourceID: "store-1", Window: ledger.Window{Start: at(10), End: at(11)}, Mode: ledger.ModeFull})
	l.FinishSuccess(ctx, id, ledger.Counts{Loaded: 5})

	p := recovery.RecentParams{JobKind: "sales", Sources: []string{"store-1"}, LookbackHours: 6, MaxGaps: 5, Hours: hours}
	sum, err := o.RecoverRecent(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Recovered)
	require.Len(t, replayed, 2)
	assert.Equal(t, ledger.Window{Start: at(6), End: at(10)}, replayed[0])
	assert.Equal(t, ledger.Window{Start: at(11), End: at(12)}, replayed[1])

	recs, err := l.Query(ctx, ledger.Filter{JobKind: "sales", Statuses: []ledger.Status{ledger.StatusSuccess}})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, ledger.ModeRecovery, recs[1].Mode)

	sum, err = o.RecoverRecent(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, sum.Considered)
}

func TestRecoverRecentNeedsDetector(t *testing.T) {
	t.Parallel()
	_, err := recovery.New(&fakeRunner{}, nil).RecoverRecent(context.Background(), recovery.RecentParams{JobKind: "sales"})
	assert.Error(t, err)
}
