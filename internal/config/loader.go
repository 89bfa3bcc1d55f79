package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP    TOMLHTTPConfig   `toml:"http"`
	Queue   TOMLQueueConfig  `toml:"queue"`
	Store   TOMLStoreConfig  `toml:"store"`
	Worker  TOMLWorkerConfig `toml:"worker"`
	Outbox  TOMLOutboxConfig `toml:"outbox"`
	Health  TOMLHealthConfig `toml:"health"`
	DevMode bool             `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Driver          string `toml:"driver"`
	RedisURL        string `toml:"redis_url"`
	DatabaseURL     string `toml:"database_url"`
	DefaultAttempts int    `toml:"default_attempts"`
	LockDuration    string `toml:"lock_duration"`
	PollInterval    string `toml:"poll_interval"`
	SoftCeiling     int    `toml:"soft_ceiling"`
}

// TOMLStoreConfig represents store configuration in TOML
type TOMLStoreConfig struct {
	DatabaseURL string `toml:"database_url"`
}

// TOMLWorkerConfig represents worker configuration in TOML
type TOMLWorkerConfig struct {
	Concurrency int    `toml:"concurrency"`
	StepTimeout string `toml:"step_timeout"`
}

// TOMLOutboxConfig represents outbox relay configuration in TOML. Enabled is
// a pointer so an absent key keeps the default rather than reading as false.
type TOMLOutboxConfig struct {
	Enabled  *bool  `toml:"enabled"`
	Interval string `toml:"interval"`
	Batch    int    `toml:"batch"`
}

// TOMLHealthConfig represents health configuration in TOML
type TOMLHealthConfig struct {
	Enabled *bool `toml:"enabled"`
}

// ConfigPaths lists the paths searched for config files
var ConfigPaths = []string{
	"config.toml",
	"stepflow.toml",
	"./config/config.toml",
	"/etc/stepflow/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig
	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env
// vars. The file is located via STEPFLOW_CONFIG or the ConfigPaths search.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("STEPFLOW_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}
	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	merged := mergeConfigs(fileCfg, cfg)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Queue: QueueConfig{
			Driver:          tc.Queue.Driver,
			RedisURL:        tc.Queue.RedisURL,
			DatabaseURL:     tc.Queue.DatabaseURL,
			DefaultAttempts: tc.Queue.DefaultAttempts,
			SoftCeiling:     tc.Queue.SoftCeiling,
		},
		Store: StoreConfig{
			DatabaseURL: tc.Store.DatabaseURL,
		},
		Worker: WorkerConfig{
			Concurrency: tc.Worker.Concurrency,
		},
		Outbox: OutboxConfig{
			Enabled: tc.Outbox.Enabled == nil || *tc.Outbox.Enabled,
			Batch:   tc.Outbox.Batch,
		},
		Health: HealthConfig{
			Enabled: tc.Health.Enabled == nil || *tc.Health.Enabled,
		},
		DevMode: tc.DevMode,
	}

	var err error
	if cfg.Queue.LockDuration, err = parseOptionalDuration(tc.Queue.LockDuration, 60*time.Second); err != nil {
		return nil, fmt.Errorf("queue.lock_duration: %w", err)
	}
	if cfg.Queue.PollInterval, err = parseOptionalDuration(tc.Queue.PollInterval, time.Second); err != nil {
		return nil, fmt.Errorf("queue.poll_interval: %w", err)
	}
	if cfg.Worker.StepTimeout, err = parseOptionalDuration(tc.Worker.StepTimeout, 30*time.Second); err != nil {
		return nil, fmt.Errorf("worker.step_timeout: %w", err)
	}
	if cfg.Outbox.Interval, err = parseOptionalDuration(tc.Outbox.Interval, time.Second); err != nil {
		return nil, fmt.Errorf("outbox.interval: %w", err)
	}

	cfg.Worker.HeartbeatInterval = 3 * time.Second
	cfg.Worker.HeartbeatTTL = 10 * time.Second

	return cfg, nil
}

func parseOptionalDuration(s string, defaultValue time.Duration) (time.Duration, error) {
	if s == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(s)
}

// mergeConfigs merges two configs, with override taking precedence for values
// that differ from the env-load defaults.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.HTTP.Port != 0 && override.HTTP.Port != 3000 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	if override.Queue.Driver != "" && override.Queue.Driver != DriverMemory {
		result.Queue.Driver = override.Queue.Driver
	}
	if result.Queue.Driver == "" {
		result.Queue.Driver = DriverMemory
	}
	if override.Queue.RedisURL != "" && override.Queue.RedisURL != "redis://localhost:6379" {
		result.Queue.RedisURL = override.Queue.RedisURL
	}
	if result.Queue.RedisURL == "" {
		result.Queue.RedisURL = "redis://localhost:6379"
	}
	if override.Queue.DatabaseURL != "" {
		result.Queue.DatabaseURL = override.Queue.DatabaseURL
		result.Store.DatabaseURL = override.Queue.DatabaseURL
	}
	if result.Queue.DefaultAttempts == 0 {
		result.Queue.DefaultAttempts = override.Queue.DefaultAttempts
	}
	if override.Queue.SoftCeiling > 0 {
		result.Queue.SoftCeiling = override.Queue.SoftCeiling
	}

	if override.Worker.Concurrency != 0 && override.Worker.Concurrency != 8 {
		result.Worker.Concurrency = override.Worker.Concurrency
	}
	if result.Worker.Concurrency == 0 {
		result.Worker.Concurrency = 8
	}
	if override.Worker.StepTimeout != 0 && override.Worker.StepTimeout != 30*time.Second {
		result.Worker.StepTimeout = override.Worker.StepTimeout
	}
	if result.Worker.StepTimeout == 0 {
		result.Worker.StepTimeout = 30 * time.Second
	}
	result.Worker.HeartbeatInterval = override.Worker.HeartbeatInterval
	result.Worker.HeartbeatTTL = override.Worker.HeartbeatTTL

	if override.Outbox.Interval != 0 && override.Outbox.Interval != time.Second {
		result.Outbox.Interval = override.Outbox.Interval
	}
	if result.Outbox.Interval == 0 {
		result.Outbox.Interval = time.Second
	}
	if override.Outbox.Batch != 0 && override.Outbox.Batch != 25 {
		result.Outbox.Batch = override.Outbox.Batch
	}
	if result.Outbox.Batch == 0 {
		result.Outbox.Batch = 25
	}
	if !override.Outbox.Enabled {
		result.Outbox.Enabled = false
	}

	if !override.Health.Enabled {
		result.Health.Enabled = false
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# Stepflow Configuration
# Environment variables override these settings

[http]
port = 3000
cors_origins = ["http://localhost:5173"]

[queue]
driver = "memory"  # memory, redis, or postgres
redis_url = "redis://localhost:6379"
database_url = ""
default_attempts = 3
lock_duration = "60s"
poll_interval = "1s"
soft_ceiling = 0

[store]
database_url = ""

[worker]
concurrency = 8
step_timeout = "30s"

[outbox]
enabled = true
interval = "1s"
batch = 25

[health]
enabled = true

dev_mode = false
`
	return os.WriteFile(path, []byte(example), 0644)
}
