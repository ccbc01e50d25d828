// Package config loads the probed daemon configuration from YAML with
// environment variable expansion and sensible defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Endpoint is the tracing service address. The scheme selects the
	// transport (only "loopback" ships in-tree).
	Endpoint string `yaml:"endpoint"`

	// TraceFSRoot overrides where the kernel event facility is mounted.
	TraceFSRoot string `yaml:"tracefs_root"`

	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// WatchdogConfig configures the resource watchdog. Limits of 0 disable
// enforcement; nonzero limits require the window to be an exact multiple of
// the polling interval.
type WatchdogConfig struct {
	PollingIntervalMS int    `yaml:"polling_interval_ms"`
	MemoryLimitBytes  uint64 `yaml:"memory_limit_bytes"`
	MemoryWindowMS    int    `yaml:"memory_window_ms"`
	CPULimitPercent   uint32 `yaml:"cpu_limit_percent"`
	CPUWindowMS       int    `yaml:"cpu_window_ms"`
}

// Default returns the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment, and applies defaults for anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "${" + key + "}"
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "loopback://local"
	}
	if c.Watchdog.PollingIntervalMS == 0 {
		c.Watchdog.PollingIntervalMS = 30000
	}
}

// Validate rejects configurations the watchdog would refuse at runtime.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	interval := c.Watchdog.PollingIntervalMS
	if interval <= 0 {
		return fmt.Errorf("polling interval must be positive, got %dms", interval)
	}
	if c.Watchdog.CPULimitPercent > 100 {
		return fmt.Errorf("cpu limit must be 0-100, got %d", c.Watchdog.CPULimitPercent)
	}
	if c.Watchdog.MemoryLimitBytes != 0 && !isMultiple(c.Watchdog.MemoryWindowMS, interval) {
		return fmt.Errorf("memory window %dms is not a multiple of the polling interval %dms",
			c.Watchdog.MemoryWindowMS, interval)
	}
	if c.Watchdog.CPULimitPercent != 0 && !isMultiple(c.Watchdog.CPUWindowMS, interval) {
		return fmt.Errorf("cpu window %dms is not a multiple of the polling interval %dms",
			c.Watchdog.CPUWindowMS, interval)
	}
	return nil
}

// PollingInterval returns the watchdog polling interval as a duration.
func (w WatchdogConfig) PollingInterval() time.Duration {
	return time.Duration(w.PollingIntervalMS) * time.Millisecond
}

// MemoryWindow returns the memory window as a duration.
func (w WatchdogConfig) MemoryWindow() time.Duration {
	return time.Duration(w.MemoryWindowMS) * time.Millisecond
}

// CPUWindow returns the CPU window as a duration.
func (w WatchdogConfig) CPUWindow() time.Duration {
	return time.Duration(w.CPUWindowMS) * time.Millisecond
}

func isMultiple(windowMS, intervalMS int) bool {
	return windowMS >= intervalMS && windowMS%intervalMS == 0
}
