package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"opsnotify/internal/app"
	logx "opsnotify/pkg/logx"
)

var (
	relayAddr  string
	relayLevel string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run only the websocket election relay",
	Long: `relay serves /bus for notifyd hosts configured with bus.mode=ws.
It needs no config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.NewRelay(relayAddr, logx.NewConsole(relayLevel)).Run(ctx)
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "127.0.0.1:8471", "listen address")
	relayCmd.Flags().StringVar(&relayLevel, "log-level", "info", "log level")
}
