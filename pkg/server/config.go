package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// APILimits bound how many entities a single API call may touch. A
// request over a limit fails whole with a LimitExceededError.
type APILimits struct {
	GetRecords   int `yaml:"get_records"`
	AddRecords   int `yaml:"add_records"`
	GetMolecules int `yaml:"get_molecules"`
	AddMolecules int `yaml:"add_molecules"`
	GetKeywords  int `yaml:"get_keywords"`
	ManagerTasks int `yaml:"manager_tasks"`
}

// Config is the server configuration, loaded from a YAML file with
// cobra flag overrides.
type Config struct {
	// DatabasePath is the SQLite file. ":memory:" runs fully in memory.
	DatabasePath string `yaml:"database_path"`

	// APIAddress is the listen address for the HTTP API.
	APIAddress string `yaml:"api_address"`

	// HeartbeatFrequency is the manager heartbeat interval in seconds.
	// Managers silent for five intervals are deactivated.
	HeartbeatFrequency int `yaml:"heartbeat_frequency"`

	// ServiceFrequency is the service iteration interval in seconds.
	ServiceFrequency int `yaml:"service_frequency"`

	// StatsFrequency is the server stats snapshot interval in seconds.
	StatsFrequency int `yaml:"stats_frequency"`

	// MaxActiveServices caps concurrently running services. Zero means
	// no cap.
	MaxActiveServices int `yaml:"max_active_services"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	APILimits APILimits `yaml:"api_limits"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:       "qcforge.db",
		APIAddress:         ":7777",
		HeartbeatFrequency: 30,
		ServiceFrequency:   10,
		StatsFrequency:     60,
		MaxActiveServices:  20,
		LogLevel:           "info",
		APILimits: APILimits{
			GetRecords:   1000,
			AddRecords:   500,
			GetMolecules: 1000,
			AddMolecules: 500,
			GetKeywords:  1000,
			ManagerTasks: 200,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for contradictions
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must be set")
	}
	if c.APIAddress == "" {
		return fmt.Errorf("api_address must be set")
	}
	if c.HeartbeatFrequency <= 0 {
		return fmt.Errorf("heartbeat_frequency must be positive")
	}
	if c.ServiceFrequency <= 0 {
		return fmt.Errorf("service_frequency must be positive")
	}
	if c.StatsFrequency <= 0 {
		return fmt.Errorf("stats_frequency must be positive")
	}
	return nil
}

func (c *Config) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatFrequency) * time.Second
}

func (c *Config) serviceInterval() time.Duration {
	return time.Duration(c.ServiceFrequency) * time.Second
}

func (c *Config) statsInterval() time.Duration {
	return time.Duration(c.StatsFrequency) * time.Second
}
