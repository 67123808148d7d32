package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"possync/internal/ledger"
	"possync/internal/scheduler"
)

var runFlags struct {
	job     string
	from    string
	to      string
	sources []string
	dryRun  bool
	mode    string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a job now for a window",
	Long: `Run a job immediately under the same lease rules as the daemon. Without
--from the window is yesterday in the job's timezone. The run is refused when
another process holds the job's lease.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		_, sc, err := core.Job(runFlags.job)
		if err != nil {
			return err
		}
		switch ledger.Mode(runFlags.mode) {
		case ledger.ModeFull, ledger.ModeIncremental, ledger.ModeRecovery:
		default:
			return errors.Newf("unknown --mode %q", runFlags.mode)
		}
		from, to, err := parseWindow(runFlags.from, runFlags.to, sc.Location)
		if err != nil {
			return err
		}
		s, _, err := core.NewScheduler(runFlags.job)
		if err != nil {
			return err
		}
		res := s.Trigger(ctx, scheduler.TriggerRequest{
			From:    from,
			To:      to,
			Sources: runFlags.sources,
			DryRun:  runFlags.dryRun,
			Mode:    ledger.Mode(runFlags.mode),
		})

		out := cmd.OutOrStdout()
		if asJSON {
			if err := printJSON(out, res); err != nil {
				return err
			}
		} else {
			printTrigger(cmd, res)
		}
		if !res.Accepted {
			return errors.Newf("run not started: %s", res.Reason)
		}
		if res.Cycle != nil && res.Cycle.Status == ledger.StatusFailed {
			return errors.Newf("run failed: %s", strings.Join(res.Cycle.FailedSources, ", "))
		}
		return nil
	},
}

func printTrigger(cmd *cobra.Command, res scheduler.TriggerResult) {
	out := cmd.OutOrStdout()
	switch {
	case !res.Accepted:
		warning(cmd).Printf("rejected: %s\n", res.Reason)
		if a := res.Active; a != nil {
			fmt.Fprintf(out, "  held by execution %d (%s, %s) running for %s\n",
				a.ExecutionID, a.RunnerIdentity, a.TriggeredBy, a.Age.Round(time.Second))
		}
	case res.Plan != nil:
		info(cmd).Printf("dry run: %d unit(s)\n", len(res.Plan))
		for _, u := range res.Plan {
			fmt.Fprintf(out, "  %-12s %-9s %s\n", u.SourceID, u.Transport, u.Window)
		}
	case res.Cycle != nil:
		c := res.Cycle
		p := success(cmd)
		if c.Status != ledger.StatusSuccess {
			p = warning(cmd)
		}
		p.Printf("%s: %d/%d sources ok, %d records loaded, window %s\n",
			c.Status, c.Succeeded, c.Sources, c.Loaded, c.Window)
		if len(c.FailedSources) > 0 {
			fmt.Fprintf(out, "  failed: %s\n", strings.Join(c.FailedSources, ", "))
		}
		if r := c.Recovery; r != nil && r.Considered > 0 {
			fmt.Fprintf(out, "  gaps: %d found, %d recovered, %d failed, %d skipped\n",
				r.Considered, r.Recovered, r.Failed, r.Skipped)
		}
	}
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.job, "job", "j", "", "job kind")
	f.StringVar(&runFlags.from, "from", "", "window start (YYYY-MM-DD or RFC3339)")
	f.StringVar(&runFlags.to, "to", "", "window end, exclusive (default: end of the --from day)")
	f.StringSliceVarP(&runFlags.sources, "source", "s", nil, "restrict to these source ids")
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "print the plan without running")
	f.StringVar(&runFlags.mode, "mode", string(ledger.ModeFull), "full, incremental or recovery")
	_ = runCmd.MarkFlagRequired("job")
}
