package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"guardbot/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate the config, including environment secrets",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Load()
		if err != nil {
			color.Red("✗ %s", cfgPath)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Println("  " + line)
			}
			return fmt.Errorf("invalid config")
		}
		color.Green("✓ %s", cfgPath)
		fmt.Printf("  transport:  %s\n", orDefault(cfg.Transport.Driver, "whatsapp"))
		fmt.Printf("  ai:         %s\n", orDefault(cfg.AI.Provider, "gemini"))
		fmt.Printf("  storage:    %s\n", storageLabel(cfg))
		fmt.Printf("  scheduler:  %s\n", onOff(cfg.Scheduler.Enabled))
		fmt.Printf("  moderation: %s\n", onOff(cfg.Moderation.Enabled))
		fmt.Printf("  ops:        %s\n", onOff(cfg.Ops.Enabled))
		return nil
	},
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func storageLabel(cfg *config.Config) string {
	switch {
	case strings.TrimSpace(cfg.Storage.Driver) != "":
		return cfg.Storage.Driver
	case strings.TrimSpace(cfg.Storage.Redis.Addr) != "":
		return "redis"
	default:
		return "memory"
	}
}

func onOff(b bool) string {
	if b {
		return color.GreenString("on")
	}
	return color.YellowString("off")
}
