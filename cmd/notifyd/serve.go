package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"opsnotify/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline host",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(cfgFile)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := a.Start(ctx); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}

		var reason app.StopReason
		select {
		case sig := <-sigs:
			reason = app.StopSIGTERM
			if sig == os.Interrupt {
				reason = app.StopSIGINT
			}
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
