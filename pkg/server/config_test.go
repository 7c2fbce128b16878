package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "qcforge.db", cfg.DatabasePath)
	assert.Equal(t, ":7777", cfg.APIAddress)
	assert.Equal(t, 20, cfg.MaxActiveServices)
	assert.Equal(t, 500, cfg.APILimits.AddRecords)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path: /var/lib/qcforge/qcforge.db
api_address: ":8080"
heartbeat_frequency: 15
log_level: debug
api_limits:
  add_records: 50
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/qcforge/qcforge.db", cfg.DatabasePath)
	assert.Equal(t, ":8080", cfg.APIAddress)
	assert.Equal(t, 15, cfg.HeartbeatFrequency)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.ServiceFrequency)
	assert.Equal(t, 50, cfg.APILimits.AddRecords)
	assert.Equal(t, 1000, cfg.APILimits.GetRecords)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errStr string
	}{
		{name: "no database", mutate: func(c *Config) { c.DatabasePath = "" }, errStr: "database_path"},
		{name: "no address", mutate: func(c *Config) { c.APIAddress = "" }, errStr: "api_address"},
		{name: "bad heartbeat", mutate: func(c *Config) { c.HeartbeatFrequency = 0 }, errStr: "heartbeat_frequency"},
		{name: "bad service interval", mutate: func(c *Config) { c.ServiceFrequency = -1 }, errStr: "service_frequency"},
		{name: "bad stats interval", mutate: func(c *Config) { c.StatsFrequency = 0 }, errStr: "stats_frequency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errStr)
		})
	}
}
