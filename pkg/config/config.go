package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied where the config file is silent
const (
	DefaultHeartbeatTimeout         = 60 * time.Second
	DefaultServiceIterationInterval = 5 * time.Second
	DefaultInternalJobInterval      = 2 * time.Second
	DefaultServiceBatch             = 20
	DefaultGetRecordsLimit          = 1000
	DefaultAddRecordsLimit          = 500
	DefaultGetDatasetEntriesLimit   = 2000
)

// AutoReset controls automatic retry of errored records, keyed by
// error type. A record whose attempt count for its error type is below
// the configured maximum is returned to waiting instead of being left
// in error.
type AutoReset struct {
	Enabled bool `yaml:"enabled"`

	// per-error-type maximum attempts; the error types recognized
	// here are the ones managers actually report
	RandomError      int `yaml:"random_error"`
	UnknownError     int `yaml:"unknown_error"`
	ComputeLost      int `yaml:"compute_lost"`
	ResourceExceeded int `yaml:"resource_exceeded"`
}

// MaxAttempts returns the configured maximum for an error type, 0 when
// the type has no auto-reset budget
func (a AutoReset) MaxAttempts(errorType string) int {
	switch errorType {
	case "random_error":
		return a.RandomError
	case "unknown_error":
		return a.UnknownError
	case "compute_lost":
		return a.ComputeLost
	case "resource_exceeded":
		return a.ResourceExceeded
	}
	return 0
}

// APILimits caps batch sizes on the submitter surface
type APILimits struct {
	GetRecords        int `yaml:"get_records"`
	AddRecords        int `yaml:"add_records"`
	GetDatasetEntries int `yaml:"get_dataset_entries"`
}

// Log holds logging configuration
type Log struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config is the full server configuration
type Config struct {
	DataDir      string `yaml:"data_dir"`
	TemporaryDir string `yaml:"temporary_dir"`
	MetricsAddr  string `yaml:"metrics_addr"`

	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
	ServiceIterationInterval time.Duration `yaml:"service_iteration_interval"`
	InternalJobInterval      time.Duration `yaml:"internal_job_interval"`
	ServiceIterationBatch    int           `yaml:"service_iteration_batch"`

	AutoReset AutoReset `yaml:"auto_reset"`
	APILimits APILimits `yaml:"api_limits"`

	Log Log `yaml:"log"`
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.TemporaryDir == "" {
		c.TemporaryDir = os.TempDir()
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ServiceIterationInterval <= 0 {
		c.ServiceIterationInterval = DefaultServiceIterationInterval
	}
	if c.InternalJobInterval <= 0 {
		c.InternalJobInterval = DefaultInternalJobInterval
	}
	if c.ServiceIterationBatch <= 0 {
		c.ServiceIterationBatch = DefaultServiceBatch
	}
	if c.APILimits.GetRecords <= 0 {
		c.APILimits.GetRecords = DefaultGetRecordsLimit
	}
	if c.APILimits.AddRecords <= 0 {
		c.APILimits.AddRecords = DefaultAddRecordsLimit
	}
	if c.APILimits.GetDatasetEntries <= 0 {
		c.APILimits.GetDatasetEntries = DefaultGetDatasetEntriesLimit
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Load reads and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}
