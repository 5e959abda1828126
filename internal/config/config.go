// Package config loads the worker daemon's configuration from a YAML file
// with environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver      string `yaml:"driver"`
	PostgresURL string `yaml:"postgres_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

type LakeConfig struct {
	// Backend is "local" or "minio".
	Backend   string `yaml:"backend"`
	Root      string `yaml:"root"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ProviderConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

type EscalationConfig struct {
	CronSpec            string `yaml:"cron_spec"`
	AgeThresholdMinutes int    `yaml:"age_threshold_minutes"`
	PriorityBoost       int    `yaml:"priority_boost"`
	MaxPriority         int    `yaml:"max_priority"`
	MaxJobsPerRun       int    `yaml:"max_jobs_per_run"`
}

type Config struct {
	Instance            string           `yaml:"instance"`
	WorkerCount         int              `yaml:"worker_count"`
	MaxInFlight         int              `yaml:"max_in_flight"`
	PollIntervalSeconds int              `yaml:"poll_interval_seconds"`
	JobBackoffSeconds   int              `yaml:"job_backoff_seconds"`
	StaleRunningMinutes int              `yaml:"stale_running_minutes"`
	InlineLimitBytes    int              `yaml:"inline_limit_bytes"`
	Store               StoreConfig      `yaml:"store"`
	Lake                LakeConfig       `yaml:"lake"`
	Provider            ProviderConfig   `yaml:"provider"`
	Retry               RetryConfig      `yaml:"retry"`
	Escalation          EscalationConfig `yaml:"escalation"`
}

func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "inquest"
	}
	return Config{
		Instance:            host,
		WorkerCount:         2,
		MaxInFlight:         2,
		PollIntervalSeconds: 2,
		JobBackoffSeconds:   60,
		StaleRunningMinutes: 60,
		InlineLimitBytes:    16 * 1024,
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "inquest.db",
		},
		Lake: LakeConfig{
			Backend: "local",
			Root:    "lake",
		},
		Provider: ProviderConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "llama3",
			Temperature:    0.1,
			TimeoutSeconds: 120,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMS: 250,
			MaxDelayMS:     10000,
			Multiplier:     2.0,
			JitterFraction: 0.25,
		},
		Escalation: EscalationConfig{
			CronSpec:            "*/10 * * * *",
			AgeThresholdMinutes: 60,
			PriorityBoost:       50,
			MaxPriority:         300,
			MaxJobsPerRun:       100,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Instance, "INQUEST_INSTANCE")
	setStr(&c.Store.Driver, "INQUEST_STORE_DRIVER")
	setStr(&c.Store.PostgresURL, "INQUEST_POSTGRES_URL")
	setStr(&c.Store.SQLitePath, "INQUEST_SQLITE_PATH")
	setStr(&c.Lake.Backend, "INQUEST_LAKE_BACKEND")
	setStr(&c.Lake.Root, "INQUEST_LAKE_ROOT")
	setStr(&c.Lake.Endpoint, "INQUEST_MINIO_ENDPOINT")
	setStr(&c.Lake.AccessKey, "INQUEST_MINIO_ACCESS_KEY")
	setStr(&c.Lake.SecretKey, "INQUEST_MINIO_SECRET_KEY")
	setStr(&c.Lake.Bucket, "INQUEST_MINIO_BUCKET")
	setStr(&c.Provider.BaseURL, "INQUEST_PROVIDER_URL")
	setStr(&c.Provider.Model, "INQUEST_MODEL")
	setInt(&c.WorkerCount, "INQUEST_WORKER_COUNT")
	setInt(&c.MaxInFlight, "INQUEST_MAX_IN_FLIGHT")
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required with the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required with the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Lake.Backend {
	case "local":
		if c.Lake.Root == "" {
			return fmt.Errorf("lake.root is required with the local backend")
		}
	case "minio":
		if c.Lake.Endpoint == "" {
			return fmt.Errorf("lake.endpoint is required with the minio backend")
		}
	default:
		return fmt.Errorf("unknown lake backend %q", c.Lake.Backend)
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be at least 1")
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) JobBackoff() time.Duration {
	return time.Duration(c.JobBackoffSeconds) * time.Second
}

func (c Config) StaleRunning() time.Duration {
	return time.Duration(c.StaleRunningMinutes) * time.Minute
}

func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
