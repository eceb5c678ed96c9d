package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fleetwatch/internal/config"
	"fleetwatch/internal/database"
	"fleetwatch/internal/hub"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/retention"
	"fleetwatch/internal/web"
)

const shutdownTimeout = 10 * time.Second

func newHubCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the hub that agents report to and viewers watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
	return cmd
}

func runHub(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"config_file": configFile,
		"port":        cfg.Server.Port,
		"database":    cfg.Database.Type,
	}).Info("Starting fleetwatch hub")

	store, err := database.Open(cfg.Database.Type, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	metricsCollector := metrics.NewCollector(store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(store, metricsCollector, hub.OptionsFromConfig(cfg.Hub))
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	sweeper := retention.New(store, metricsCollector, cfg.Database)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(ctx)
	}()

	webServer := web.NewServer(cfg, store, h, metricsCollector)
	if err := webServer.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start web server")
	}

	<-ctx.Done()
	logrus.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server did not stop cleanly")
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Hub did not stop cleanly")
	}
	<-sweeperDone

	logrus.Info("Shutdown complete")
	return nil
}
