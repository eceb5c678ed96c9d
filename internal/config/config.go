// internal/config/config.go - Hub configuration
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Hub        HubConfig        `yaml:"hub"`
	Database   DatabaseConfig   `yaml:"database"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AdminToken, when set, is required as a Bearer token on /api.
	AdminToken string `yaml:"admin_token"`
	// PublicURL is the websocket URL written into install scripts.
	PublicURL string `yaml:"public_url"`
}

type HubConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	Writers        int           `yaml:"writers"`
	WriteQueue     int           `yaml:"write_queue"`
}

// PingPeriod is how often the write pump pings; it must stay below PongWait.
func (h HubConfig) PingPeriod() time.Duration {
	return (h.PongWait * 9) / 10
}

type DatabaseConfig struct {
	Type             string        `yaml:"type"`
	Path             string        `yaml:"path"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	CompactInterval  time.Duration `yaml:"compact_interval"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the hub config. An empty filename or a file that does not
// exist yields the defaults.
func Load(filename string) (*Config, error) {
	config := &Config{}

	if filename != "" {
		loaded, err := loadConfigFile(filename)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to load config file: %w", err)
		default:
			config = loaded
		}
	}

	setDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns a validated config with every default applied.
func Default() *Config {
	config := &Config{}
	setDefaults(config)
	return config
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func setDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":3001"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}

	// Hub defaults
	if cfg.Hub.SendBuffer == 0 {
		cfg.Hub.SendBuffer = 256
	}
	if cfg.Hub.WriteWait == 0 {
		cfg.Hub.WriteWait = 10 * time.Second
	}
	if cfg.Hub.PongWait == 0 {
		cfg.Hub.PongWait = 60 * time.Second
	}
	if cfg.Hub.MaxMessageSize == 0 {
		cfg.Hub.MaxMessageSize = 64 * 1024
	}
	if cfg.Hub.Writers == 0 {
		cfg.Hub.Writers = 3
	}
	if cfg.Hub.WriteQueue == 0 {
		cfg.Hub.WriteQueue = 1024
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "boltdb"
	}
	if cfg.Database.Path == "" {
		if cfg.Database.Type == "sqlite" {
			cfg.Database.Path = "./data/fleetwatch.sqlite"
		} else {
			cfg.Database.Path = "./data/fleetwatch.db"
		}
	}
	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = 6 * time.Hour
	}
	if cfg.Database.HistoryRetention == 0 {
		cfg.Database.HistoryRetention = 7 * 24 * time.Hour
	}

	// Prometheus defaults
	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Type {
	case "boltdb", "sqlite":
	default:
		return fmt.Errorf("database.type must be boltdb or sqlite, got %q", cfg.Database.Type)
	}

	if cfg.Hub.SendBuffer < 1 {
		return fmt.Errorf("hub.send_buffer must be at least 1")
	}
	if cfg.Hub.Writers < 1 {
		return fmt.Errorf("hub.writers must be at least 1")
	}
	if cfg.Hub.WriteQueue < 1 {
		return fmt.Errorf("hub.write_queue must be at least 1")
	}
	if cfg.Hub.PongWait < time.Second {
		return fmt.Errorf("hub.pong_wait must be at least 1s")
	}
	if cfg.Hub.WriteWait <= 0 {
		return fmt.Errorf("hub.write_wait must be positive")
	}
	if cfg.Hub.MaxMessageSize < 1024 {
		return fmt.Errorf("hub.max_message_size must be at least 1024 bytes")
	}

	if cfg.Database.CleanupInterval < 0 || cfg.Database.HistoryRetention < 0 || cfg.Database.CompactInterval < 0 {
		return fmt.Errorf("database intervals must not be negative")
	}

	if !strings.HasPrefix(cfg.Prometheus.MetricsPath, "/") {
		return fmt.Errorf("prometheus.metrics_path must start with /")
	}

	if cfg.Server.PublicURL != "" && !isValidWebSocketURL(cfg.Server.PublicURL) {
		return fmt.Errorf("server.public_url must be a ws:// or wss:// URL")
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

func isValidWebSocketURL(str string) bool {
	return strings.HasPrefix(str, "ws://") || strings.HasPrefix(str, "wss://")
}
