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

	"fleetwatch/internal/agent"
	"fleetwatch/internal/config"
)

func newAgentCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent that samples this host and reports to a hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			setupLogging(config.LoggingConfig{Level: cfg.LogLevel})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var prober agent.Prober
			if cfg.PingTarget != "" && cfg.PingCount > 0 {
				prober = agent.NewLatencyProbe(cfg.PingTarget, cfg.PingCount, cfg.PingTimeout)
			}

			logrus.WithFields(logrus.Fields{
				"server":   cfg.ServerURL,
				"interval": cfg.ReportInterval,
			}).Info("Starting fleetwatch agent")

			err = agent.New(cfg, agent.NewSystemSampler(cfg.DiskPath), prober).Run(ctx)
			if err != nil {
				return fmt.Errorf("agent stopped: %w", err)
			}
			logrus.Info("Agent stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Agent configuration file (YAML)")
	flags.String("server-url", "ws://127.0.0.1:3001/ws", "Hub websocket URL")
	flags.String("credential", "", "Host credential issued by the hub")
	flags.Duration("report-interval", 3*time.Second, "How often to report a sample")
	flags.Duration("heartbeat-interval", 30*time.Second, "How often to send a heartbeat")
	flags.Duration("reconnect-delay", 5*time.Second, "Wait before reconnecting to the hub")
	flags.String("ping-target", "stun.l.google.com:19302", "STUN server used to measure latency, empty to disable")
	flags.Int("ping-count", 4, "Binding requests per latency probe")
	flags.Duration("ping-timeout", 2*time.Second, "Timeout per binding request")
	flags.String("disk-path", "/", "Mount point whose usage is reported")
	flags.String("log-level", "info", "Log level")
	return cmd
}
