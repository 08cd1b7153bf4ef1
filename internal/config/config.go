package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App     AppConfig     `yaml:"app"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Remote  RemoteConfig  `yaml:"remote"`
	Monitor MonitorConfig `yaml:"monitor"`
	Sync    SyncConfig    `yaml:"sync"`
	API     APIConfig     `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StorageConfig selects the persistence driver for the queue document.
// Drivers: file (default), sqlite, redis (fails over to file), memory.
type StorageConfig struct {
	Driver       string      `yaml:"driver"`
	Path         string      `yaml:"path"`
	Key          string      `yaml:"key"`
	FallbackPath string      `yaml:"fallback_path"`
	Redis        RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type RemoteConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RPS            float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
}

type MonitorConfig struct {
	ProbeAddress    string `yaml:"probe_address"`
	ProbeURL        string `yaml:"probe_url"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

type SyncConfig struct {
	QueueCapacity      int     `yaml:"queue_capacity"`
	FailedCapacity     int     `yaml:"failed_capacity"`
	MaxRetries         int     `yaml:"max_retries"`
	BackoffBaseSeconds int     `yaml:"backoff_base_seconds"`
	BackoffFactor      float64 `yaml:"backoff_factor"`
	MaxDelaySeconds    int     `yaml:"max_delay_seconds"`
}

type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

func Load(configPath string) (*Config, error) {
	// .env overlays the environment before ${VAR} expansion; a missing
	// file is fine.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expanded, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Remote.Endpoint == "" {
		return errors.New("remote endpoint is required")
	}

	switch c.Storage.Driver {
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the %s driver", c.Storage.Driver)
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			return errors.New("redis address is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Monitor.ProbeAddress == "" && c.Monitor.ProbeURL == "" {
		return errors.New("monitor probe_address or probe_url is required")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldsync"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Key == "" {
		c.Storage.Key = "fieldsync:queue"
	}
	if c.Storage.Driver == "redis" && c.Storage.FallbackPath == "" {
		c.Storage.FallbackPath = "data/queue.json"
	}
	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = 10
	}
	if c.Monitor.IntervalSeconds == 0 {
		c.Monitor.IntervalSeconds = 10
	}
	if c.Monitor.TimeoutSeconds == 0 {
		c.Monitor.TimeoutSeconds = 5
	}
	if c.Sync.QueueCapacity == 0 {
		c.Sync.QueueCapacity = 50
	}
	if c.Sync.FailedCapacity == 0 {
		c.Sync.FailedCapacity = 10
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.BackoffBaseSeconds == 0 {
		c.Sync.BackoffBaseSeconds = 3
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 3
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}
