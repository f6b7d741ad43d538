package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vsr-engine/internal/vsr"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "vsrd",
		Short: "viewstamped replication replica",
		Long: fmt.Sprintf(`vsrd (%s)

A replicated key-value service built on Viewstamped Replication, with view changes,
joint-consensus reconfiguration and rolling upgrades.`, vsr.CurrentVersion),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the protocol version of vsrd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vsrd %s (%s)\n", vsr.CurrentVersion, vsr.CurrentVersion.Stage())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(submitCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(ReconfigCommands)
	RootCmd.AddCommand(UpgradeCommands)
	RootCmd.AddCommand(versionCmd)

	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", WrapString("Level at which logs are written (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
