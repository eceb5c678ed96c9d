package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.Server.Port)
	assert.Equal(t, 256, cfg.Hub.SendBuffer)
	assert.Equal(t, 60*time.Second, cfg.Hub.PongWait)
	assert.Equal(t, 54*time.Second, cfg.Hub.PingPeriod())
	assert.Equal(t, "boltdb", cfg.Database.Type)
	assert.Equal(t, "./data/fleetwatch.db", cfg.Database.Path)
	assert.Equal(t, 7*24*time.Hour, cfg.Database.HistoryRetention)
	assert.Equal(t, "/metrics", cfg.Prometheus.MetricsPath)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeFile(t, "hub.yaml", `
server:
  port: ":9000"
  admin_token: secret
  public_url: wss://hub.example.com/ws
hub:
  pong_wait: 20s
  writers: 5
database:
  type: sqlite
prometheus:
  enabled: true
logging:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.AdminToken)
	assert.Equal(t, 20*time.Second, cfg.Hub.PongWait)
	assert.Equal(t, 18*time.Second, cfg.Hub.PingPeriod())
	assert.Equal(t, 5, cfg.Hub.Writers)
	assert.Equal(t, "./data/fleetwatch.sqlite", cfg.Database.Path)
	assert.True(t, cfg.Prometheus.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"database type": "database:\n  type: postgres\n",
		"public url":    "server:\n  public_url: http://hub\n",
		"pong wait":     "hub:\n  pong_wait: 10ms\n",
		"log format":    "logging:\n  format: xml\n",
		"bad yaml":      "server: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "hub.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestLoadAgent_RequiresCredential(t *testing.T) {
	_, err := LoadAgent("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential")
}

func TestLoadAgent_Precedence(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
server_url: ws://hub.internal:3001/ws
credential: from-file
report_interval: 10s
`)
	t.Setenv("FLEETWATCH_AGENT_CREDENTIAL", "from-env")

	flags := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flags.Duration("report-interval", 0, "")
	flags.String("disk-path", "", "")
	require.NoError(t, flags.Parse([]string{"--report-interval=1s"}))

	cfg, err := LoadAgent(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "ws://hub.internal:3001/ws", cfg.ServerURL)
	assert.Equal(t, "from-env", cfg.Credential)
	assert.Equal(t, time.Second, cfg.ReportInterval)
	assert.Equal(t, "/", cfg.DiskPath, "unchanged flag keeps the default")
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 4, cfg.PingCount)
}
