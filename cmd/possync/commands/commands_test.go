package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/app"
	"possync/internal/config"
	"possync/internal/gaps"
	"possync/internal/ledger"
	"possync/internal/scheduler"
)

const testConfigYAML = `
storage:
  driver: sqlite
  path: %s
logging:
  level: error
business_hours:
  start: "06:00"
  end: "22:00"
  timezone: UTC
sources:
  - id: s1
    transport: rest
  - id: db1
    transport: legacy_db
jobs:
  - kind: sales
    enabled: true
    execution_time: "02:00"
    timezone: UTC
    endpoint: http://127.0.0.1:1
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(fmtConfig(filepath.Join(dir, "ledger.db")))
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func fmtConfig(dbPath string) string {
	return string(bytes.Replace([]byte(testConfigYAML), []byte("%s"), []byte(dbPath), 1))
}

// execute runs the root command; commands share package-level flag state,
// so these tests are not parallel.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	pterm.DisableStyling()
	asJSON = false
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseWindow(t *testing.T) {
	wib := time.FixedZone("WIB", 7*3600)

	from, to, err := parseWindow("2026-03-09", "", wib)
	require.NoError(t, err)
	assert.True(t, from.Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, wib)))
	assert.Equal(t, 24*time.Hour, to.Sub(from))

	from, to, err = parseWindow("2026-03-09T10:00:00Z", "2026-03-09T12:00:00Z", wib)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, to.Sub(from))

	from, to, err = parseWindow("", "", wib)
	require.NoError(t, err)
	assert.True(t, from.IsZero() && to.IsZero())

	_, _, err = parseWindow("", "2026-03-09", wib)
	assert.Error(t, err)
	_, _, err = parseWindow("yesterday", "", wib)
	assert.Error(t, err)
}

func TestValidateAndMigrate(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (2 sources, 1 jobs)")

	out, err = execute(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ledger schema is current")
}

func TestRunDryRunPrintsPlan(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "run", "--config", path, "--job", "sales", "--from", "2026-03-09", "--source", "db1", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run: 1 unit(s)")
	assert.Contains(t, out, "db1")
	assert.Contains(t, out, "legacy_db")

	_, err = execute(t, "run", "--config", path, "--job", "sales", "--mode", "bogus")
	assert.Error(t, err)
}

func TestGapsJSON(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "gaps", "--config", path, "--job", "sales", "--from", "2026-03-09", "--json")
	require.NoError(t, err)
	var found []gaps.Gap
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 2)
	for _, g := range found {
		assert.Equal(t, 16*time.Hour, g.HourEnd.Sub(g.HourStart), "06:00-22:00 is uncovered")
	}
}

func TestStatusLocal(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "status", "--config", path, "--json")
	require.NoError(t, err)
	var jobs []scheduler.Status
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "sales", jobs[0].JobKind)
	assert.Nil(t, jobs[0].LastLease)

	_, err = execute(t, "status", "--config", path, "--job", "nope")
	assert.Error(t, err)
}

func TestReliabilityJSON(t *testing.T) {
	path := writeTestConfig(t)
	cfg, err := config.NewConfigManager(path).Load()
	require.NoError(t, err)

	ctx := context.Background()
	core, err := app.OpenCore(ctx, cfg)
	require.NoError(t, err)
	now := time.Now().UTC()
	w := ledger.DayWindow(now.AddDate(0, 0, -1), time.UTC)
	ok := core.Ledger.Start(ctx, ledger.StartParams{JobKind: "sales", SourceID: "s1", Window: w, Mode: ledger.ModeFull, TriggeredBy: "test"})
	core.Ledger.FinishSuccess(ctx, ok, ledger.Counts{Extracted: 10, Loaded: 10})
	bad := core.Ledger.Start(ctx, ledger.StartParams{JobKind: "sales", SourceID: "s1", Window: w, Mode: ledger.ModeFull, TriggeredBy: "test"})
	core.Ledger.FinishFailure(ctx, bad, "timeout", "deadline exceeded", 0)
	require.NoError(t, core.Close())

	out, err := execute(t, "reliability", "--config", path, "--job", "sales", "--json")
	require.NoError(t, err)
	var rows []ledger.ReliabilityRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, "s1", r.SourceID)
	assert.EqualValues(t, 2, r.TotalRuns)
	assert.EqualValues(t, 1, r.Successes)
	assert.EqualValues(t, 1, r.Failures)
	assert.InDelta(t, 50.0, r.SuccessRatePct, 0.01)
	assert.EqualValues(t, 10, r.TotalRecordsLoaded)
}

func TestRecoverRefusedWhileLeaseHeld(t *testing.T) {
	path := writeTestConfig(t)
	cfg, err := config.NewConfigManager(path).Load()
	require.NoError(t, err)

	ctx := context.Background()
	core, err := app.OpenCore(ctx, cfg)
	require.NoError(t, err)
	held := core.Ledger.Start(ctx, ledger.StartParams{
		JobKind:     "sales",
		SourceID:    ledger.LeaseSource,
		Window:      ledger.DayWindow(time.Now().UTC().AddDate(0, 0, -1), time.UTC),
		Mode:        ledger.ModeFull,
		TriggeredBy: scheduler.TriggerSchedule,
	})
	require.NotZero(t, held)
	require.NoError(t, core.Close())

	_, err = execute(t, "recover", "--config", path, "--job", "sales")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease held")

	core, err = app.OpenCore(ctx, cfg)
	require.NoError(t, err)
	defer core.Close()
	rows, err := core.Ledger.Query(ctx, ledger.Filter{JobKind: "sales", IncludeLease: true})
	require.NoError(t, err)
	require.Len(t, rows, 1, "a refused recover pass writes no lease of its own")
	assert.Equal(t, held, rows[0].ID)
}
