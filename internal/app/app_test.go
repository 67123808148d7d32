package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/config"
	"possync/internal/ledger"
	"possync/internal/runner"
	"possync/internal/scheduler"
	"possync/pkg/logx"
)

type countingCallbacks struct {
	mu    sync.Mutex
	built []string
	runs  map[string]int
}

func (c *countingCallbacks) factory(job config.JobConfig, _ logx.Logger) (runner.Callback, error) {
	c.mu.Lock()
	c.built = append(c.built, job.Kind+"@"+job.Endpoint)
	c.mu.Unlock()
	return runner.CallbackFunc(func(_ context.Context, source string, _, _ time.Time) (runner.Result, error) {
		c.mu.Lock()
		if c.runs == nil {
			c.runs = map[string]int{}
		}
		c.runs[job.Kind+"/"+source]++
		c.mu.Unlock()
		return runner.Result{Success: true, Loaded: 1}, nil
	}), nil
}

// testConfig switches ad-hoc recovery off so callback counts do not depend
// on the wall clock.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	off := false
	return &config.Config{
		Storage:        config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db")},
		RunnerIdentity: "app-test",
		BusinessHours:  config.BusinessHoursConfig{Timezone: "UTC"},
		Sources: []config.SourceConfig{
			{ID: "s1", Transport: config.TransportREST},
			{ID: "db1", Transport: config.TransportLegacyDB},
		},
		Jobs: []config.JobConfig{
			{
				Kind: "sales", Enabled: true, ExecutionTime: "02:00", Timezone: "UTC", Endpoint: "http://extract.local",
				Recovery: config.RecoveryConfig{Enabled: &off},
			},
		},
	}
}

func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestOpenCoreRunsAJob(t *testing.T) {
	t.Parallel()
	cb := &countingCallbacks{}
	core, err := OpenCore(context.Background(), testConfig(t), WithCallbacks(cb.factory))
	require.NoError(t, err)
	defer core.Close()

	s, _, err := core.NewScheduler("sales")
	require.NoError(t, err)
	res := s.Trigger(context.Background(), scheduler.TriggerRequest{})
	require.True(t, res.Accepted, res.Reason)
	assert.Equal(t, ledger.StatusSuccess, res.Cycle.Status)
	assert.Equal(t, map[string]int{"sales/s1": 1, "sales/db1": 1}, cb.runs)

	lease, err := core.Ledger.Latest(context.Background(), "sales", ledger.LeaseSource)
	require.NoError(t, err)
	assert.Equal(t, "app-test", lease.RunnerIdentity)

	_, _, err = core.NewScheduler("nope")
	assert.Error(t, err)
}

func TestOpenCoreRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Jobs[0].Endpoint = ""
	_, err := OpenCore(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	cb := &countingCallbacks{}
	a, err := New(context.Background(), writeConfig(t, testConfig(t)), WithCallbacks(cb.factory))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Health(ctx))

	doc := a.Status(ctx)
	assert.Equal(t, "app-test", doc.Identity)
	require.Len(t, doc.Jobs, 1)
	assert.Equal(t, "sales", doc.Jobs[0].JobKind)
	assert.NotNil(t, doc.Jobs[0].NextExecution)
	assert.Contains(t, doc.Supervisors, "app")
	assert.Contains(t, doc.Supervisors, "scheduler:sales")
	assert.Contains(t, a.statusLine(ctx), "sales next ")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestApplyConfigAddsUpdatesAndRemovesJobs(t *testing.T) {
	t.Parallel()
	cb := &countingCallbacks{}
	prev := testConfig(t)
	a, err := New(context.Background(), writeConfig(t, prev), WithCallbacks(cb.factory))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopSignal) }()

	noRecovery := prev.Jobs[0].Recovery
	next := *prev
	next.Jobs = []config.JobConfig{
		{Kind: "sales", Enabled: true, ExecutionTime: "03:30", Timezone: "UTC", Endpoint: "http://extract-v2.local", Recovery: noRecovery},
		{Kind: "inventory", Enabled: true, ExecutionTime: "04:00", Timezone: "UTC", Endpoint: "http://extract.local", Recovery: noRecovery},
	}
	require.NoError(t, validateReload(&next))
	a.applyConfig(ctx, prev, &next)

	require.NotNil(t, a.Scheduler("inventory"))
	assert.Equal(t, "03:30", a.Scheduler("sales").Status(ctx).ExecutionTime)
	assert.Contains(t, cb.built, "sales@http://extract-v2.local")

	res := a.Scheduler("sales").Trigger(ctx, scheduler.TriggerRequest{Sources: []string{"s1"}})
	require.True(t, res.Accepted, res.Reason)
	assert.Equal(t, 1, cb.runs["sales/s1"])

	last := next
	last.Jobs = next.Jobs[1:]
	a.applyConfig(ctx, &next, &last)
	assert.Nil(t, a.Scheduler("sales"))
	assert.Equal(t, []string{"inventory"}, a.kinds())
}

func TestValidateReloadRejectsBadJob(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Jobs[0].MaxLeaseAge = "forever"
	assert.Error(t, validateReload(cfg))
}

func TestCallbackSwitch(t *testing.T) {
	t.Parallel()
	var sw CallbackSwitch
	_, err := sw.Run(context.Background(), "s1", time.Time{}, time.Time{})
	require.Error(t, err)
	assert.Equal(t, runner.KindUnknown, runner.ErrorKind(err))

	sw.Set(runner.CallbackFunc(func(context.Context, string, time.Time, time.Time) (runner.Result, error) {
		return runner.Result{Success: true, Loaded: 7}, nil
	}))
	res, err := sw.Run(context.Background(), "s1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Loaded)
}
