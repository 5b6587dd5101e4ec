// Package config has the codeclaw daemon configuration, loaded from an optional YAML
// file on top of the defaults, with the command line flags applied on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/codeclaw/internal/model"
)

// Config is the daemon configuration.
type Config struct {
	DataDir       string `yaml:"dataDir"`
	MainThreadID  string `yaml:"mainThreadId"`
	Timezone      string `yaml:"timezone"`
	AllowlistPath string `yaml:"allowlistPath"`
	MetricsAddr   string `yaml:"metricsAddr"`

	Container ContainerConfig         `yaml:"container"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	IPC       IPCConfig               `yaml:"ipc"`
	Retry     RetryConfig             `yaml:"retry"`
	Access    AccessConfig            `yaml:"access"`
	Threads   map[string]ThreadConfig `yaml:"threads"`
}

// ContainerConfig is the sandbox runtime configuration.
type ContainerConfig struct {
	Image          string        `yaml:"image"`
	MaxConcurrent  int           `yaml:"maxConcurrent"`
	HardTimeout    time.Duration `yaml:"hardTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	GracePeriod    time.Duration `yaml:"gracePeriod"`
	MaxOutputBytes int64         `yaml:"maxOutputBytes"`
	PidsLimit      int64         `yaml:"pidsLimit"`
	MemoryMB       int64         `yaml:"memoryMB"`
	Network        string        `yaml:"network"`
	// EnvSpecs are `KEY=VALUE` or `KEY` (taken from the daemon env) specs.
	EnvSpecs []string `yaml:"env"`
	// EnvFile keys listed in EnvFileKeys are read from this dotenv file.
	EnvFile     string   `yaml:"envFile"`
	EnvFileKeys []string `yaml:"envFileKeys"`
}

// SchedulerConfig is the task scheduler configuration.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
}

// IPCConfig is the mailbox configuration.
type IPCConfig struct {
	PollInterval    time.Duration `yaml:"pollInterval"`
	ResultCacheSize int           `yaml:"resultCacheSize"`
}

// RetryConfig is the retry policy for spawns and failed runs.
type RetryConfig struct {
	SpawnAttempts   int           `yaml:"spawnAttempts"`
	SpawnBackoff    time.Duration `yaml:"spawnBackoff"`
	MaxRunRetries   int           `yaml:"maxRunRetries"`
	RunRetryBackoff time.Duration `yaml:"runRetryBackoff"`
}

// AccessConfig is the access gate policy.
type AccessConfig struct {
	MinPermission      model.PermissionLevel `yaml:"minPermission"`
	AllowExternal      bool                  `yaml:"allowExternal"`
	RateLimit          int                   `yaml:"rateLimit"`
	RateWindow         time.Duration         `yaml:"rateWindow"`
	DedupCacheSize     int                   `yaml:"dedupCacheSize"`
	ProcessedRetention time.Duration         `yaml:"processedRetention"`
}

// ThreadConfig is the per thread configuration.
type ThreadConfig struct {
	AdditionalMounts []model.AdditionalMount `yaml:"mounts"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MainThreadID: "main",
		Timezone:     "UTC",
		Container: ContainerConfig{
			Image:          "codeclaw-agent:latest",
			MaxConcurrent:  5,
			HardTimeout:    30 * time.Minute,
			IdleTimeout:    5 * time.Minute,
			GracePeriod:    15 * time.Second,
			MaxOutputBytes: 10 * 1024 * 1024,
			PidsLimit:      512,
			MemoryMB:       4096,
			Network:        "bridge",
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Minute,
		},
		IPC: IPCConfig{
			PollInterval:    time.Second,
			ResultCacheSize: 256,
		},
		Retry: RetryConfig{
			SpawnAttempts:   5,
			SpawnBackoff:    5 * time.Second,
			MaxRunRetries:   5,
			RunRetryBackoff: 5 * time.Second,
		},
		Access: AccessConfig{
			MinPermission:      model.PermissionTriage,
			RateLimit:          10,
			RateWindow:         time.Hour,
			DedupCacheSize:     4096,
			ProcessedRetention: 7 * 24 * time.Hour,
		},
	}
}

// Load loads the YAML file at path on top of the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required: %w", model.ErrNotValid)
	}
	if err := model.ValidateThreadID(c.MainThreadID); err != nil {
		return fmt.Errorf("invalid main thread: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, model.ErrNotValid)
	}

	cc := c.Container
	if cc.Image == "" {
		return fmt.Errorf("container image is required: %w", model.ErrNotValid)
	}
	if cc.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent containers must be at least 1: %w", model.ErrNotValid)
	}
	if cc.HardTimeout <= 0 || cc.IdleTimeout <= 0 {
		return fmt.Errorf("container timeouts must be positive: %w", model.ErrNotValid)
	}
	// An idle timeout equal to the hard one would never let the graceful path run.
	if cc.IdleTimeout >= cc.HardTimeout {
		return fmt.Errorf("idle timeout (%s) must be lower than hard timeout (%s): %w", cc.IdleTimeout, cc.HardTimeout, model.ErrNotValid)
	}
	if cc.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive: %w", model.ErrNotValid)
	}
	if cc.MaxOutputBytes <= 0 {
		return fmt.Errorf("max output bytes must be positive: %w", model.ErrNotValid)
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll interval must be positive: %w", model.ErrNotValid)
	}
	if c.IPC.PollInterval <= 0 {
		return fmt.Errorf("ipc poll interval must be positive: %w", model.ErrNotValid)
	}
	if c.Retry.SpawnAttempts < 1 {
		return fmt.Errorf("spawn attempts must be at least 1: %w", model.ErrNotValid)
	}
	if c.Retry.MaxRunRetries < 0 {
		return fmt.Errorf("max run retries can't be negative: %w", model.ErrNotValid)
	}

	if c.Access.MinPermission.Rank() == 0 && c.Access.MinPermission != model.PermissionNone {
		return fmt.Errorf("unknown min permission %q: %w", c.Access.MinPermission, model.ErrNotValid)
	}
	if c.Access.RateLimit < 0 || (c.Access.RateLimit > 0 && c.Access.RateWindow <= 0) {
		return fmt.Errorf("invalid rate limit: %w", model.ErrNotValid)
	}

	for id, tc := range c.Threads {
		if err := model.ValidateThreadID(id); err != nil {
			return fmt.Errorf("invalid thread config: %w", err)
		}
		for _, m := range tc.AdditionalMounts {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("thread %s: %w", id, err)
			}
		}
	}

	return nil
}

// IsMain returns true if the thread is the privileged main thread.
func (c Config) IsMain(threadID string) bool { return threadID == c.MainThreadID }

// Location returns the configured timezone location.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
