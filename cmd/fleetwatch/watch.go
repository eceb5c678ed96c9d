package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetwatch/internal/config"
	"fleetwatch/internal/viewer"
)

func newWatchCommand() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the live feed of a hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(config.LoggingConfig{Level: "warn"})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return viewer.NewWatcher(url, cmd.OutOrStdout()).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:3001/ws", "Hub websocket URL")
	return cmd
}
