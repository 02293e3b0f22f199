package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"opsnotify/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgFile).Load()
		if err != nil {
			return err
		}
		r, err := cfg.Resolve()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %s\n", cfgFile)
		fmt.Fprintf(out, "  pipeline: batch=%s stagger=%s burst=%d visible=%d group=%s tick=%s\n",
			r.Pipeline.BatchWindow, r.Pipeline.Stagger, r.Pipeline.BurstSize,
			r.Pipeline.MaxVisible, r.Pipeline.GroupWindow, r.Pipeline.Tick)
		fmt.Fprintf(out, "  viewer:   user=%q roles=%s whatsapp=%t\n",
			r.Pipeline.UserID, strings.Join(r.Pipeline.Roles, ","), r.Pipeline.WhatsAppAccess)
		fmt.Fprintf(out, "  leader:   heartbeat=%s stale_after=%s\n", r.Leader.Heartbeat, r.Leader.StaleAfter)
		fmt.Fprintf(out, "  storage:  %s %s\n", r.Storage.Driver, r.Storage.Path)
		fmt.Fprintf(out, "  bus:      %s\n", r.Bus.Mode)
		fmt.Fprintf(out, "  desktop:  %t\n", r.Desktop.Enabled)
		if r.HTTP.Enabled {
			fmt.Fprintf(out, "  http:     %s\n", r.HTTP.Addr)
		} else {
			fmt.Fprintln(out, "  http:     disabled")
		}
		fmt.Fprintf(out, "  maintenance: %s\n", r.Maintenance.Schedule)
		return nil
	},
}
