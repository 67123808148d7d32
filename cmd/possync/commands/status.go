package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"possync/internal/app"
	"possync/internal/ledger"
	"possync/internal/scheduler"
)

var statusFlags struct {
	job    string
	remote string
	token  string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler and retry state",
	Long: `Show scheduler state. With --remote the live daemon's /statusz is read,
which includes in-memory retry state; otherwise the ledger is read directly
and only the last run is known.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		var jobs []scheduler.Status
		if statusFlags.remote != "" {
			doc, err := fetchStatus(statusFlags.remote, statusFlags.token)
			if err != nil {
				return err
			}
			jobs = doc.Jobs
		} else {
			core, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer core.Close()
			for _, jc := range core.Config.Jobs {
				s, _, err := core.NewScheduler(jc.Kind)
				if err != nil {
					return err
				}
				jobs = append(jobs, s.Status(ctx))
			}
		}
		if statusFlags.job != "" {
			var only []scheduler.Status
			for _, st := range jobs {
				if st.JobKind == statusFlags.job {
					only = append(only, st)
				}
			}
			if len(only) == 0 {
				return errors.Newf("unknown job kind %q", statusFlags.job)
			}
			jobs = only
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, jobs)
		}
		for i, st := range jobs {
			if i > 0 {
				fmt.Fprintln(out)
			}
			printStatus(cmd, st)
		}
		return nil
	},
}

func fetchStatus(base, token string) (app.StatusDoc, error) {
	var doc app.StatusDoc
	c := resty.New().SetBaseURL(strings.TrimRight(base, "/")).SetTimeout(10 * time.Second)
	if token != "" {
		c.SetAuthToken(token)
	}
	resp, err := c.R().SetResult(&doc).Get("/statusz")
	if err != nil {
		return doc, errors.Wrap(err, "fetch status")
	}
	if resp.IsError() {
		return doc, errors.Newf("fetch status: %s", resp.Status())
	}
	return doc, nil
}

func printStatus(cmd *cobra.Command, st scheduler.Status) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()
	row := func(k string, v any) { fmt.Fprintf(tw, "%s\t%v\n", k, v) }

	row("job", st.JobKind)
	row("enabled", st.Enabled)
	row("state", fmt.Sprintf("%s (retry loop %s)", st.State, st.RetryLoop))
	row("schedule", st.ExecutionTime+" "+st.Timezone)
	row("last execution", fmtTime(st.LastExecution))
	row("next execution", fmtTime(st.NextExecution))
	row("retries", fmt.Sprintf("max %d every %s, pending [%s], exhausted [%s]",
		st.MaxRetries, st.RetryInterval, strings.Join(st.PendingRetries, " "), strings.Join(st.FailedStores, " ")))
	row("today", fmt.Sprintf("%d/%d ok, %d failed", st.Daily.Successes, st.Daily.Total, st.Daily.Failures))
	if l := st.LastLease; l != nil {
		line := fmt.Sprintf("#%d %s %s by %s", l.ID, l.Status, l.Window, l.RunnerIdentity)
		if l.Status != ledger.StatusRunning && l.ErrorMessage != "" {
			line += " (" + l.ErrorMessage + ")"
		}
		row("last run", line)
	}
	if st.LedgerError != "" {
		row("ledger error", st.LedgerError)
	}
}

var reliabilityFlags struct {
	job    string
	source string
	days   int
}

var reliabilityCmd = &cobra.Command{
	Use:   "reliability",
	Short: "Show per-source daily success rates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		rows, err := core.Ledger.Reliability(ctx, ledger.ReliabilityFilter{
			JobKind:  reliabilityFlags.job,
			SourceID: reliabilityFlags.source,
			Since:    time.Now().UTC().AddDate(0, 0, -reliabilityFlags.days),
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, rows)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "DAY\tJOB\tSOURCE\tRUNS\tOK\tFAILED\tRATE\tAVG\tLOADED\t")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\t%d\t\n",
				r.Day, r.JobKind, r.SourceID, r.TotalRuns, r.Successes, r.Failures, r.SuccessRatePct,
				(time.Duration(r.AvgDurationMS) * time.Millisecond).Round(time.Second), r.TotalRecordsLoaded)
		}
		return tw.Flush()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		core, err := openCore(cmd.Context())
		if err != nil {
			return err
		}
		defer core.Close()
		success(cmd).Printf("ledger schema is current (driver %s)\n", core.Config.Storage.Driver)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, jc := range cfg.Jobs {
			if _, err := scheduler.FromJob(cfg, jc); err != nil {
				return errors.Wrapf(err, "job %s", jc.Kind)
			}
		}
		success(cmd).Printf("%s: ok (%d sources, %d jobs)\n", cfgPath, len(cfg.Sources), len(cfg.Jobs))
		return nil
	},
}

func init() {
	f := statusCmd.Flags()
	f.StringVarP(&statusFlags.job, "job", "j", "", "only this job kind")
	f.StringVar(&statusFlags.remote, "remote", "", "daemon diagnostics URL, e.g. http://127.0.0.1:9464")
	f.StringVar(&statusFlags.token, "token", "", "diagnostics bearer token")

	f = reliabilityCmd.Flags()
	f.StringVarP(&reliabilityFlags.job, "job", "j", "", "only this job kind")
	f.StringVarP(&reliabilityFlags.source, "source", "s", "", "only this source id")
	f.IntVar(&reliabilityFlags.days, "days", 7, "days to show")
}
