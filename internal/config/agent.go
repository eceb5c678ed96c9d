// internal/config/agent.go - Agent configuration
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AgentConfig holds everything the agent needs to reach its hub.
type AgentConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	Credential        string        `mapstructure:"credential"`
	ReportInterval    time.Duration `mapstructure:"report_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	PingTarget        string        `mapstructure:"ping_target"`
	PingCount         int           `mapstructure:"ping_count"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	DiskPath          string        `mapstructure:"disk_path"`
	LogLevel          string        `mapstructure:"log_level"`
}

var agentDefaults = map[string]interface{}{
	"server_url":         "ws://127.0.0.1:3001/ws",
	"credential":         "",
	"report_interval":    3 * time.Second,
	"heartbeat_interval": 30 * time.Second,
	"reconnect_delay":    5 * time.Second,
	"ping_target":        "stun.l.google.com:19302",
	"ping_count":         4,
	"ping_timeout":       2 * time.Second,
	"disk_path":          "/",
	"log_level":          "info",
}

// LoadAgent resolves agent settings from defaults, an optional YAML file,
// FLEETWATCH_AGENT_* environment variables and changed flags, in rising
// priority. Flag names use dashes for the underscored keys.
func LoadAgent(path string, flags *pflag.FlagSet) (*AgentConfig, error) {
	v := viper.New()

	for key, value := range agentDefaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read agent config: %w", err)
		}
	}

	v.SetEnvPrefix("FLEETWATCH_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, ok := agentDefaults[key]; !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind agent flags: %w", bindErr)
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode agent config: %w", err)
	}

	if err := validateAgent(&cfg); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	return &cfg, nil
}

func validateAgent(cfg *AgentConfig) error {
	if strings.TrimSpace(cfg.Credential) == "" {
		return fmt.Errorf("credential is required")
	}
	if !isValidWebSocketURL(cfg.ServerURL) {
		return fmt.Errorf("server_url must be a ws:// or wss:// URL")
	}
	if cfg.ReportInterval <= 0 {
		return fmt.Errorf("report_interval must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if cfg.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	if cfg.PingCount < 0 {
		return fmt.Errorf("ping_count must not be negative")
	}
	return nil
}
