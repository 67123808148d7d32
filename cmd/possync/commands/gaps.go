package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"possync/internal/gaps"
	"possync/internal/scheduler"
)

var gapsFlags struct {
	job      string
	lookback int
	from     string
	to       string
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "List business-hour coverage gaps",
	Long: `List the business hours no successful run covers, per source. Without
--from the horizon is the trailing --lookback whole hours. Gaps carry the most
recent failure that overlapped them, if any.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		_, sc, err := core.Job(gapsFlags.job)
		if err != nil {
			return err
		}
		p := gaps.Params{
			JobKind:              sc.JobKind,
			Sources:              sc.SourceIDs(),
			LookbackHours:        gapsFlags.lookback,
			Hours:                sc.Hours,
			RequireRecordsLoaded: sc.Recovery.RequireRecordsLoaded,
		}
		if p.LookbackHours <= 0 {
			p.LookbackHours = sc.Recovery.LookbackHours
		}
		if gapsFlags.from != "" {
			if p.Horizon.Start, p.Horizon.End, err = parseWindow(gapsFlags.from, gapsFlags.to, sc.Location); err != nil {
				return err
			}
		}
		found, err := gaps.New(core.Ledger, gaps.WithLogger(core.Log)).Detect(ctx, p)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, found)
		}
		if len(found) == 0 {
			fmt.Fprintln(out, "no gaps")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tFROM\tTO\tLAST FAILURE\tKIND\tSINCE")
		for _, g := range found {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				g.SourceID, fmtTime(&g.HourStart), fmtTime(&g.HourEnd),
				fmtTime(g.LastFailureAt), orDash(g.ErrorKind), fmtHours(g.HoursSinceFailure))
		}
		return tw.Flush()
	},
}

var recoverFlags struct {
	job      string
	lookback int
	maxGaps  int
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Detect and replay recent gaps",
	Long: `Detect gaps in the trailing --lookback hours and replay up to --max-gaps
of them, oldest first. Each replay is recorded in the ledger in recovery mode,
and the pass holds the job's run lease, so it is refused while another run is
active.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		s, _, err := core.NewScheduler(recoverFlags.job)
		if err != nil {
			return err
		}
		res, err := s.RecoverGaps(ctx, scheduler.RecoverRequest{
			LookbackHours: recoverFlags.lookback,
			MaxGaps:       recoverFlags.maxGaps,
		})
		if err != nil {
			return err
		}
		if !res.Accepted {
			if res.Active != nil {
				return errors.WithHint(errors.Newf("%s: execution %d (%s)", res.Reason, res.Active.ExecutionID, res.Active.RunnerIdentity), "try again after it finishes")
			}
			return errors.WithHint(errors.New(res.Reason), "try again after it finishes")
		}
		sum := *res.Cycle.Recovery

		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, sum)
		}
		info(cmd).Printf("gaps: %d found, %d attempted, %d recovered, %d failed, %d skipped\n",
			sum.Considered, sum.Attempted, sum.Recovered, sum.Failed, sum.Skipped)
		for _, o := range sum.Outcomes {
			line := fmt.Sprintf("  %-12s %s  %s", o.Unit.SourceID, o.Unit.Window, o.Status)
			if o.Failure.Kind != "" {
				line += " (" + o.Failure.Kind + ": " + o.Failure.Message + ")"
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	f := gapsCmd.Flags()
	f.StringVarP(&gapsFlags.job, "job", "j", "", "job kind")
	f.IntVar(&gapsFlags.lookback, "lookback", 0, "trailing hours to inspect (default: the job's recovery.lookback_hours)")
	f.StringVar(&gapsFlags.from, "from", "", "explicit horizon start (YYYY-MM-DD or RFC3339)")
	f.StringVar(&gapsFlags.to, "to", "", "explicit horizon end, exclusive")
	_ = gapsCmd.MarkFlagRequired("job")

	f = recoverCmd.Flags()
	f.StringVarP(&recoverFlags.job, "job", "j", "", "job kind")
	f.IntVar(&recoverFlags.lookback, "lookback", 0, "trailing hours to inspect (default: the job's recovery.lookback_hours)")
	f.IntVar(&recoverFlags.maxGaps, "max-gaps", 0, "replay at most this many gaps; negative means no cap")
	_ = recoverCmd.MarkFlagRequired("job")
}
