package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proxybot/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot until interrupted",
	Long: `Loads the config, opens storage, registers the static proxy list,
announces new proxies and starts long polling. SIGINT and SIGTERM trigger a
graceful shutdown. Editing the config file applies hot-reloadable settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopAppStop
		select {
		case s := <-sigs:
			reason = app.StopSIGINT
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			}
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx, reason); err != nil {
			fmt.Fprintln(os.Stderr, "stop:", err)
		}
		if reason == app.StopFatalError {
			return a.Err()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
