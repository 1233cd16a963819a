package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"guardbot/internal/app"
	"guardbot/internal/config"
	"guardbot/internal/registry"
	"guardbot/pkg/logx"
)

const slotsTimeout = 10 * time.Second

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Inspect or edit scheduled actions offline",
}

var slotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled actions by time slot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			snap, err := reg.ListAllSlots(ctx)
			if err != nil {
				return err
			}
			printSlots(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

var slotsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a scheduled action by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			a, err := reg.Remove(ctx, args[0])
			if errors.Is(err, registry.ErrNotFound) {
				return fmt.Errorf("no scheduled action with id %q", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed %s (%s)\n", color.GreenString("✓"), a.ID, a.TimeKey)
			return nil
		})
	},
}

func init() {
	slotsCmd.AddCommand(slotsListCmd)
	slotsCmd.AddCommand(slotsRemoveCmd)
}

// withRegistry parses the config without validating it, so slots can be
// managed on a host that has no AI credential configured.
func withRegistry(fn func(ctx context.Context, reg *registry.Registry) error) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	reg, st, err := app.OpenRegistry(cfg, logx.NewConsole("WARN"))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), slotsTimeout)
	defer cancel()
	return fn(ctx, reg)
}

func printSlots(w io.Writer, snap registry.Snapshot) {
	if snap.Count() == 0 {
		fmt.Fprintln(w, "no scheduled actions")
		return
	}
	for _, key := range snap.Keys() {
		fmt.Fprintln(w, color.CyanString(key))
		for _, a := range snap[key] {
			last := "never"
			if a.LastExecutedAt != nil {
				last = a.LastExecutedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "  %s  %s\n", color.YellowString(a.ID), a.ActionText)
			fmt.Fprintf(w, "      chat=%s created=%s last=%s\n", a.ChatID, a.CreatedAt.Format(time.RFC3339), last)
		}
	}
	fmt.Fprintf(w, "%d action(s) in %d slot(s)\n", snap.Count(), len(snap))
}
