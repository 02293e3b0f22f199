package main

import (
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "notifyd",
	Short: "Unified notification pipeline host",
	Long: `notifyd normalizes system notices and WhatsApp events into one
notification stream, batches and queues them for display, and elects one
participant to raise desktop notifications.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./notifyd.yaml", "config file path (json or yaml)")
	rootCmd.AddCommand(serveCmd, relayCmd, checkCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of notifyd",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("notifyd %s\n", Version)
	},
}
