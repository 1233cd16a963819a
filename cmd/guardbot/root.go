package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"guardbot/internal/config"
)

// version can be overridden at build time via:
// go build -ldflags "-X main.version=1.2.3"
var version = "dev"

var (
	cfgPath string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:          "guardbot",
	Short:        "guardbot - group moderation and scheduled actions",
	Long:         color.CyanString("guardbot") + " moderates group chats with an AI classifier and runs owner-scheduled actions.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotenv(envFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(tickCmd)
}
