package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"guardbot/internal/app"
	"guardbot/internal/task/scheduler"
)

var tickConnectWait time.Duration

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Connect, run one scheduler tick for the current minute and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
		rep, tickErr := a.TickOnce(context.Background(), tickConnectWait)

		stopCtx, cancel := context.WithTimeout(context.Background(), a.StopBudget())
		defer cancel()
		if err := a.Stop(stopCtx, app.StopAppStop); err != nil && tickErr == nil {
			tickErr = err
		}
		if tickErr != nil {
			return tickErr
		}
		printTickReport(cmd.OutOrStdout(), rep)
		return nil
	},
}

func init() {
	tickCmd.Flags().DurationVar(&tickConnectWait, "connect-wait", time.Minute, "how long to wait for the messaging client to come online")
}

func printTickReport(w io.Writer, rep scheduler.TickReport) {
	if rep.StoreErr != nil {
		fmt.Fprintf(w, "%s %s registry unavailable: %v\n", color.RedString("✗"), rep.TimeKey, rep.StoreErr)
		return
	}
	fmt.Fprintf(w, "%s %s due=%d fired=%d skipped=%d failed=%d\n",
		color.CyanString("tick"), rep.TimeKey, rep.Due, len(rep.Fired), rep.Skipped, rep.Failed)
	for _, id := range rep.Fired {
		fmt.Fprintf(w, "  %s %s\n", color.GreenString("✓"), id)
	}
}
