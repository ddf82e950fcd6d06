package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APPROVALS_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-escalation-approvals", cfg.Service.Name)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, 9085, cfg.Server.GRPCPort)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 24, cfg.Workflow.FallbackDeadlineHours)
	assert.Equal(t, StoragePostgres, cfg.Workflow.Storage)
	assert.Equal(t, "approvals.workflow", cfg.NATS.SubjectPrefix)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  port: 9000
sweeper:
  interval: 45s
workflow:
  storage: memory
`), 0o600))

	t.Setenv("APPROVALS_CONFIG_FILE", file)
	t.Setenv("APPROVALS_SERVER_PORT", "9100")
	t.Setenv("APPROVALS_NOTIFICATIONS_CHATOPS_URL", "https://chat.example.com/api/messages")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, StorageMemory, cfg.Workflow.Storage)
	assert.Equal(t, "https://chat.example.com/api/messages", cfg.Notifications.ChatOpsURL)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8085, GRPCPort: 9085},
			Database: DatabaseConfig{URL: "postgres://localhost/approvals"},
			Sweeper:  SweeperConfig{Enabled: true, Interval: time.Minute},
			Workflow: WorkflowConfig{Storage: StoragePostgres, FallbackDeadlineHours: 24},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, true},
		{"zero sweeper interval", func(c *Config) { c.Sweeper.Interval = 0 }, true},
		{"disabled sweeper ignores interval", func(c *Config) { c.Sweeper.Enabled = false; c.Sweeper.Interval = 0 }, false},
		{"unknown storage", func(c *Config) { c.Workflow.Storage = "mongo" }, true},
		{"postgres without url", func(c *Config) { c.Database.URL = "" }, true},
		{"memory without url", func(c *Config) { c.Database.URL = ""; c.Workflow.Storage = StorageMemory }, false},
		{"non-positive fallback deadline", func(c *Config) { c.Workflow.FallbackDeadlineHours = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
