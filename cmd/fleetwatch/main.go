package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fleetwatch/internal/config"
	"fleetwatch/internal/web"
)

func main() {
	root := &cobra.Command{
		Use:   "fleetwatch",
		Short: "fleetwatch - live host metrics for a fleet of machines",
		Long: `fleetwatch collects CPU, memory, disk, network and latency samples from
agents on each host and streams them to viewers through a central hub.`,
		SilenceUsage: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := web.CurrentBuild()
			fmt.Printf("fleetwatch %s\nCommit: %s\nBuilt: %s\nGo: %s %s/%s\n",
				info.Version, info.GitCommit, info.BuildTime, info.GoVersion, info.GoOS, info.GoArch)
		},
	}

	root.AddCommand(newHubCommand(), newAgentCommand(), newWatchCommand(), versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
