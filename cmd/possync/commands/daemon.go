package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"possync/internal/app"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the schedulers until interrupted",
	Long: `Run one scheduler per configured job kind, the config watcher and the
optional diagnostics server. SIGINT or SIGTERM stops the daemon; a live run is
given up to 30s to record its ledger rows.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return err
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx, reason); err != nil {
			return err
		}
		if reason == app.StopFatalError {
			return a.Err()
		}
		return nil
	},
}
