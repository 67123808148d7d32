// Package commands implements the possync command line.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"possync/internal/app"
	"possync/internal/config"
)

var (
	cfgPath string
	asJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "Execution tracking and gap recovery for POS data extraction",
	Long: `possync runs the daily POS extraction schedule and keeps an execution
ledger of every (source, window) attempt.

Available commands:
  daemon       - Run the schedulers, config watcher and diagnostics server
  run          - Run a job now for a window (manual trigger)
  gaps         - List business-hour coverage gaps
  recover      - Detect and replay recent gaps
  status       - Show scheduler and retry state
  reliability  - Show per-source daily success rates
  migrate      - Apply ledger schema migrations
  validate     - Check the config file

Examples:
  possync daemon --config /etc/possync/config.yaml
  possync run --job sales --from 2026-03-09 --source s1 --dry-run
  possync gaps --job sales --lookback 12`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(daemonCmd, runCmd, gapsCmd, recoverCmd, statusCmd, reliabilityCmd, migrateCmd, validateCmd)
}

// Execute runs the root command.
func Execute() error { return rootCmd.Execute() }

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", cfgPath)
	}
	return cfg, nil
}

func openCore(ctx context.Context) (*app.Core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenCore(ctx, cfg)
}

// Status lines use pterm prefix printers bound to the command's writer.
func info(cmd *cobra.Command) *pterm.PrefixPrinter { return pterm.Info.WithWriter(cmd.OutOrStdout()) }
func success(cmd *cobra.Command) *pterm.PrefixPrinter {
	return pterm.Success.WithWriter(cmd.OutOrStdout())
}
func warning(cmd *cobra.Command) *pterm.PrefixPrinter {
	return pterm.Warning.WithWriter(cmd.OutOrStdout())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTime accepts RFC3339 or a bare date, which means local midnight in loc.
func parseTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, errors.Newf("invalid time %q: use YYYY-MM-DD or RFC3339", raw)
	}
	return t, nil
}

// parseWindow resolves --from/--to. A lone date covers that whole day.
func parseWindow(from, to string, loc *time.Location) (time.Time, time.Time, error) {
	start, err := parseTime(from, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTime(to, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	switch {
	case start.IsZero() && !end.IsZero():
		return time.Time{}, time.Time{}, errors.New("--to needs --from")
	case !start.IsZero() && end.IsZero():
		y, m, d := start.Date()
		end = time.Date(y, m, d+1, 0, 0, 0, 0, start.Location())
	}
	return start, end, nil
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04 MST")
}

func fmtHours(h *float64) string {
	if h == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fh", *h)
}
