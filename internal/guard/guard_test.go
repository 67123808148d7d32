package guard_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/guard"
	"possync/internal/ledger"
	"possync/internal/storage/storagetest"
)

type fixture struct {
	clock  *clockwork.FakeClock
	ledger *ledger.Ledger
	guard  *guard.Guard
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := storagetest.SQLite(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC))
	return fixture{
		clock:  clock,
		ledger: ledger.New(db, ledger.WithClock(clock)),
		guard:  guard.New(db, guard.WithClock(clock)),
	}
}

func (f fixture) start(t *testing.T, kind, source string) int64 {
	t.Helper()
	now := f.clock.Now()
	id := f.ledger.Start(context.Background(), ledger.StartParams{
		JobKind: kind, SourceID: source,
		Window: ledger.Window{Start: now.Add(-24 * time.Hour), End: now},
		Mode:   ledger.ModeFull, TriggeredBy: "schedule",
	})
	require.NotZero(t, id)
	return id
}

func TestConcurrentTriggerSeesActiveLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	first := f.start(t, "sales", ledger.LeaseSource)
	f.clock.Advance(5 * time.Minute)

	active, err := f.guard.Acquire(ctx, "sales", 120*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first, active.ExecutionID)
	assert.Equal(t, 5*time.Minute, active.Age)
	assert.Equal(t, "schedule", active.TriggeredBy)

	rows, err := f.ledger.Query(ctx, ledger.Filter{JobKind: "sales", IncludeLease: true})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "the second trigger writes nothing")
	assert.Equal(t, ledger.StatusRunning, rows[0].Status)
}

func TestOrphanIsKilledAndLeaseFreed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	orphan := f.start(t, "sales", ledger.LeaseSource)
	f.clock.Advance(200 * time.Minute)

	active, err := f.guard.Acquire(ctx, "sales", 180*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, active)

	rec, err := f.ledger.Get(ctx, orphan)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusKilled, rec.Status)
	assert.Equal(t, ledger.OrphanMessage, rec.ErrorMessage)
	require.NotNil(t, rec.FinishedAt)
	assert.True(t, rec.FinishedAt.Equal(f.clock.Now()))
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.start(t, "sales", "a")
	f.start(t, "sales", "b")
	f.clock.Advance(3 * time.Hour)
	fresh := f.start(t, "sales", ledger.LeaseSource)
	f.start(t, "inventory", "a")
	f.clock.Advance(time.Minute)

	n, err := f.guard.CleanupOrphans(ctx, "sales", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = f.guard.CleanupOrphans(ctx, "sales", 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "second pass is a no-op")

	running, err := f.ledger.Query(ctx, ledger.Filter{
		JobKind: "sales", IncludeLease: true, Statuses: []ledger.Status{ledger.StatusRunning},
	})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, fresh, running[0].ID)

	other, err := f.ledger.Query(ctx, ledger.Filter{JobKind: "inventory", Statuses: []ledger.Status{ledger.StatusRunning}})
	require.NoError(t, err)
	assert.Len(t, other, 1, "cleanup is scoped to its job kind")
}

func TestCheckActiveReturnsNewest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.start(t, "sales", ledger.LeaseSource)
	f.clock.Advance(time.Minute)
	newest := f.start(t, "sales", "store-9")
	f.clock.Advance(time.Minute)

	active, err := f.guard.CheckActive(ctx, "sales", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, newest, active.ExecutionID)
	assert.Equal(t, "store-9", active.SourceID)

	active, err = f.guard.CheckActive(ctx, "inventory", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestFinishedRowsNeverHoldTheLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	id := f.start(t, "sales", ledger.LeaseSource)
	f.ledger.FinishSuccess(ctx, id, ledger.Counts{})

	active, err := f.guard.Acquire(ctx, "sales", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, active)
}
