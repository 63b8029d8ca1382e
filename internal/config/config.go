// Package config loads the CRS core's YAML configuration: defaults, then
// a file with ${VAR} environment-variable expansion applied to the raw
// bytes before unmarshalling, then an explicit override pass for secrets
// that should never be checked into a config file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KVConfig configures the shared Redis-backed KV/queue fabric.
type KVConfig struct {
	Endpoint string `yaml:"endpoint"`
	DB       int    `yaml:"db"`
}

// ScratchConfig configures the shared scratch filesystem.
type ScratchConfig struct {
	Root string `yaml:"root"`
}

// ExternalAPIConfig configures the outbound competition API client.
type ExternalAPIConfig struct {
	Endpoint string `yaml:"endpoint"`
	KeyID    string `yaml:"key_id"`
	KeyToken string `yaml:"key_token"`
}

// TelemetryConfig configures the Prometheus exposition endpoint.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// LLMProxyConfig carries the base URL of the LLM proxy. The core never
// calls it; the external worker fleets read it from the same config file.
type LLMProxyConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// TaskAPIConfig configures the inbound task API server.
type TaskAPIConfig struct {
	Addr     string `yaml:"addr"`
	KeyID    string `yaml:"key_id"`
	KeyToken string `yaml:"key_token"`
}

// SchedulerConfig configures the per-task scheduler actors.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	FreezeWindow time.Duration `yaml:"freeze_window"`
	HardWindow   time.Duration `yaml:"hard_window"`
	CancelGrace  time.Duration `yaml:"cancel_grace"`
	ShardCount   int           `yaml:"shard_count"`
	Sanitizers   []string      `yaml:"sanitizers"`
}

// SubmitterConfig configures the external-API submission actors.
type SubmitterConfig struct {
	PerTaskQPS       float64       `yaml:"per_task_qps"`
	GlobalQPS        float64       `yaml:"global_qps"`
	PollInitial      time.Duration `yaml:"poll_initial"`
	PollCap          time.Duration `yaml:"poll_cap"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
}

// DownloaderConfig configures the downloader fleet.
type DownloaderConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// BuilderConfig configures the builder dispatcher fleet.
type BuilderConfig struct {
	BuildTimeout time.Duration `yaml:"build_timeout"`
	SandboxImage string        `yaml:"sandbox_image"`
}

// QueueConfig configures queue fabric defaults.
type QueueConfig struct {
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	HighWaterMark     int64         `yaml:"high_water_mark"`
}

// Config is the root configuration object, loaded from YAML plus env
// overrides.
type Config struct {
	KV          KVConfig          `yaml:"kv"`
	Scratch     ScratchConfig     `yaml:"scratch"`
	ExternalAPI ExternalAPIConfig `yaml:"external_api"`
	TaskAPI     TaskAPIConfig     `yaml:"task_api"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	LLMProxy    LLMProxyConfig    `yaml:"llm_proxy"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Submitter   SubmitterConfig   `yaml:"submitter"`
	Downloader  DownloaderConfig  `yaml:"downloader"`
	Builder     BuilderConfig     `yaml:"builder"`
	Queue       QueueConfig       `yaml:"queue"`
	LogLevel    string            `yaml:"log_level"`
}

// DefaultConfig returns a Config populated with every built-in default.
func DefaultConfig() *Config {
	return &Config{
		KV:      KVConfig{Endpoint: "127.0.0.1:6379", DB: 0},
		Scratch: ScratchConfig{Root: "/var/lib/crs/scratch"},
		TaskAPI: TaskAPIConfig{Addr: ":8080"},
		Telemetry: TelemetryConfig{
			Endpoint: ":9090",
		},
		Scheduler: SchedulerConfig{
			TickInterval: 5 * time.Second,
			FreezeWindow: 10 * time.Minute,
			HardWindow:   1 * time.Minute,
			CancelGrace:  30 * time.Second,
			ShardCount:   16,
			Sanitizers:   []string{"address"},
		},
		Submitter: SubmitterConfig{
			PerTaskQPS:       5,
			GlobalQPS:        50,
			PollInitial:      2 * time.Second,
			PollCap:          60 * time.Second,
			RetryMaxAttempts: 10,
		},
		Downloader: DownloaderConfig{
			MaxAttempts: 5,
			HTTPTimeout: 2 * time.Minute,
		},
		Builder: BuilderConfig{
			BuildTimeout: 30 * time.Minute,
			SandboxImage: "crs-build-sandbox:latest",
		},
		Queue: QueueConfig{
			VisibilityTimeout: 10 * time.Minute,
			HighWaterMark:     10000,
		},
		LogLevel: "info",
	}
}

// Load reads path, expands ${VAR} references against the process
// environment, unmarshals YAML over the defaults, applies secret
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides secrets that should never live in a
// checked-in YAML file; env vars always win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRS_EXTERNAL_API_KEY_ID"); v != "" {
		cfg.ExternalAPI.KeyID = v
	}
	if v := os.Getenv("CRS_EXTERNAL_API_KEY_TOKEN"); v != "" {
		cfg.ExternalAPI.KeyToken = v
	}
	if v := os.Getenv("CRS_TASK_API_KEY_ID"); v != "" {
		cfg.TaskAPI.KeyID = v
	}
	if v := os.Getenv("CRS_TASK_API_KEY_TOKEN"); v != "" {
		cfg.TaskAPI.KeyToken = v
	}
	if v := os.Getenv("CRS_KV_ENDPOINT"); v != "" {
		cfg.KV.Endpoint = v
	}
	if v := os.Getenv("CRS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Save writes cfg back to path as YAML.
func (c *Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate performs required-field and minimum-value checks.
func (c *Config) Validate() error {
	if c.KV.Endpoint == "" {
		return fmt.Errorf("config: kv.endpoint is required")
	}
	if c.Scratch.Root == "" {
		return fmt.Errorf("config: scratch.root is required")
	}
	if c.Scheduler.ShardCount <= 0 {
		return fmt.Errorf("config: scheduler.shard_count must be > 0")
	}
	if c.Submitter.PerTaskQPS <= 0 || c.Submitter.GlobalQPS <= 0 {
		return fmt.Errorf("config: submitter QPS values must be > 0")
	}
	if c.Downloader.MaxAttempts <= 0 {
		return fmt.Errorf("config: downloader.max_attempts must be > 0")
	}
	return nil
}
