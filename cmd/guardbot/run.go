package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"guardbot/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		a, err := app.New(cfgPath)
		if err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
		if err := a.Start(ctx); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), a.StopBudget())
			_ = a.Stop(stopCtx, app.StopFatalError)
			stopCancel()
			return fmt.Errorf("fatal start: %w", err)
		}
		// Not running under systemd is fine.
		_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

		reason := app.StopAppStop
		select {
		case sig := <-sigs:
			reason = app.StopSIGINT
			if sig == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			}
		}
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), a.StopBudget())
		defer stopCancel()
		err = a.Stop(stopCtx, reason)
		if runErr := a.Err(); runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return err
	},
}
