/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for fdleakd.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for fdleakd.
type Config struct {
	Listen      string     `yaml:"listen"`
	LogDir      string     `yaml:"log_dir"`
	Verbose     bool       `yaml:"verbose"`
	DataDir     string     `yaml:"data_dir"`
	DemoFDLimit uint64     `yaml:"demo_fd_limit"`
	Thresholds  Thresholds `yaml:"thresholds"`
	Guard       Guard      `yaml:"guard"`
	History     History    `yaml:"history"`
	Timeouts    Timeouts   `yaml:"timeouts"`
}

// Thresholds holds the usage ratios that drive alerting and leak admission.
type Thresholds struct {
	// Alert is the fraction of the soft limit above which usage is logged
	// as a warning.
	Alert float64 `yaml:"alert"`
	// Reject is the fraction of the soft limit above which new leak
	// requests are refused.
	Reject float64 `yaml:"reject"`
}

// Guard holds request-boundary middleware configuration.
type Guard struct {
	// Enabled turns on the pre-request usage check. When usage exceeds
	// RejectRatio of the soft limit, requests are refused with 503 before
	// the handler runs.
	Enabled     bool    `yaml:"enabled"`
	RejectRatio float64 `yaml:"reject_ratio"`
}

// History holds usage-history persistence configuration.
type History struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Timeouts holds server timeout configuration.
type Timeouts struct {
	Shutdown   Duration `yaml:"shutdown"`
	ReadHeader Duration `yaml:"read_header"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listen:      ":8000",
		LogDir:      "logs",
		Verbose:     false,
		DataDir:     ".",
		DemoFDLimit: 100,
		Thresholds: Thresholds{
			Alert:  0.8,
			Reject: 0.98,
		},
		Guard: Guard{
			Enabled:     false,
			RejectRatio: 0.95,
		},
		History: History{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
		},
		Timeouts: Timeouts{
			Shutdown:   Duration{5 * time.Second},
			ReadHeader: Duration{10 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for fdleakd.yml or fdleakd.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"fdleakd.yml", "fdleakd.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	Addr        *string
	LogDir      *string
	Verbose     *bool
	DataDir     *string
	DemoFDLimit *uint64
	GuardOn     *bool
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Addr != nil {
		c.Listen = *o.Addr
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.DemoFDLimit != nil {
		c.DemoFDLimit = *o.DemoFDLimit
	}
	if o.GuardOn != nil {
		c.Guard.Enabled = *o.GuardOn
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	// Listen address.
	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	// Ratios must be in (0, 1] and ordered alert <= reject.
	if c.Thresholds.Alert <= 0 || c.Thresholds.Alert > 1 {
		errs = append(errs, fmt.Sprintf("thresholds.alert: must be in (0, 1], got %g", c.Thresholds.Alert))
	}
	if c.Thresholds.Reject <= 0 || c.Thresholds.Reject > 1 {
		errs = append(errs, fmt.Sprintf("thresholds.reject: must be in (0, 1], got %g", c.Thresholds.Reject))
	}
	if c.Thresholds.Alert > c.Thresholds.Reject {
		errs = append(errs, fmt.Sprintf("thresholds: alert (%g) must not exceed reject (%g)", c.Thresholds.Alert, c.Thresholds.Reject))
	}
	if c.Guard.RejectRatio <= 0 || c.Guard.RejectRatio > 1 {
		errs = append(errs, fmt.Sprintf("guard.reject_ratio: must be in (0, 1], got %g", c.Guard.RejectRatio))
	}

	// History flush interval must be positive when enabled.
	if c.History.Enabled && c.History.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("history.flush_interval: must be positive, got %s", c.History.FlushInterval))
	}

	// Durations must be positive.
	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.ReadHeader.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.read_header: must be positive, got %s", c.Timeouts.ReadHeader))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
