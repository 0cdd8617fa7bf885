// Package config provides configuration loading for simregress.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nvandessel/simregress/internal/bundle"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project state directory.
const DirName = ".simregress"

// SimregressConfig contains all simregress configuration settings.
type SimregressConfig struct {
	// Suite is the suite file used when --suite is not given.
	Suite string `json:"suite" yaml:"suite"`

	// Executable is the simulator binary used when neither --exe nor the
	// suite names one. Supports ${VAR} syntax for env vars.
	Executable string `json:"executable,omitempty" yaml:"executable,omitempty"`

	// Timeout bounds each simulator invocation. Zero disables the bound.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// FailFast stops a run after the first failing case.
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`

	// StrictEmpty fails a run whose suite has no cases.
	StrictEmpty bool `json:"strict_empty" yaml:"strict_empty"`

	// Env is added to the simulator environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	Report  ReportConfig  `json:"report" yaml:"report"`
	History HistoryConfig `json:"history" yaml:"history"`
	Bundle  BundleConfig  `json:"bundle" yaml:"bundle"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ReportConfig controls the human-readable report.
type ReportConfig struct {
	// Format is "text" (default) or "markdown".
	Format string `json:"format" yaml:"format"`

	// MaxDiffLines caps diff lines printed per artifact. Zero prints all.
	MaxDiffLines int `json:"max_diff_lines" yaml:"max_diff_lines"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir holds history.db. Empty means <root>/.simregress.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Keep prunes all but the most recent Keep runs after recording. Zero keeps all.
	Keep int `json:"keep" yaml:"keep"`
}

// BundleConfig limits the generated failure bundles kept in
// <root>/.simregress/bundles. Bundles written to explicit paths are never
// removed. Unset limits do not apply.
type BundleConfig struct {
	// Keep is the number of most recent bundles to keep.
	Keep int `json:"keep" yaml:"keep"`

	// MaxAge removes older bundles, e.g. "30d", "2w" or "720h".
	MaxAge string `json:"max_age,omitempty" yaml:"max_age,omitempty"`

	// MaxSize caps the combined size of the kept bundles, e.g. "500MB".
	MaxSize string `json:"max_size,omitempty" yaml:"max_size,omitempty"`
}

// LoggingConfig configures simregress's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables event logging to .simregress/events.jsonl.
	// "trace" additionally logs captured simulator output.
	Level string `json:"level" yaml:"level"`
}

// Default returns a SimregressConfig with sensible defaults.
func Default() *SimregressConfig {
	return &SimregressConfig{
		Suite:   "regress.yaml",
		Timeout: 5 * time.Minute,
		Report: ReportConfig{
			Format: "text",
		},
		History: HistoryConfig{
			Enabled: true,
			Keep:    200,
		},
		Bundle: BundleConfig{
			Keep: 20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the default config file location, ~/.simregress/config.yaml.
func Path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName, "config.yaml"), nil
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.simregress/config.yaml -> environment variables
func Load() (*SimregressConfig, error) {
	config := Default()

	if configPath, err := Path(); err == nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*SimregressConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Executable = expandEnvVars(config.Executable)
	for k, v := range config.Env {
		config.Env[k] = expandEnvVars(v)
	}

	return config, nil
}

// Save writes the configuration to path, creating its directory.
func Save(path string, cfg *SimregressConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *SimregressConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %v", c.Timeout)
	}

	validFormats := map[string]bool{"": true, "text": true, "markdown": true}
	if !validFormats[c.Report.Format] {
		return fmt.Errorf("invalid report format: %s (valid: text, markdown)", c.Report.Format)
	}
	if c.Report.MaxDiffLines < 0 {
		return fmt.Errorf("report.max_diff_lines must be non-negative, got %d", c.Report.MaxDiffLines)
	}
	if c.History.Keep < 0 {
		return fmt.Errorf("history.keep must be non-negative, got %d", c.History.Keep)
	}
	if c.Bundle.Keep < 0 {
		return fmt.Errorf("bundle.keep must be non-negative, got %d", c.Bundle.Keep)
	}
	if c.Bundle.MaxAge != "" {
		if _, err := bundle.ParseDuration(c.Bundle.MaxAge); err != nil {
			return fmt.Errorf("bundle.max_age: %w", err)
		}
	}
	if c.Bundle.MaxSize != "" {
		if _, err := bundle.ParseSize(c.Bundle.MaxSize); err != nil {
			return fmt.Errorf("bundle.max_size: %w", err)
		}
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	for k := range c.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("invalid env variable name: %q", k)
		}
	}

	return nil
}

// Get returns a configuration value by dot-notation key.
func (c *SimregressConfig) Get(key string) (any, bool) {
	switch key {
	case "suite":
		return c.Suite, true
	case "executable":
		return c.Executable, true
	case "timeout":
		return c.Timeout.String(), true
	case "fail_fast":
		return c.FailFast, true
	case "strict_empty":
		return c.StrictEmpty, true
	case "report.format":
		return c.Report.Format, true
	case "report.max_diff_lines":
		return c.Report.MaxDiffLines, true
	case "history.enabled":
		return c.History.Enabled, true
	case "history.dir":
		return c.History.Dir, true
	case "history.keep":
		return c.History.Keep, true
	case "bundle.keep":
		return c.Bundle.Keep, true
	case "bundle.max_age":
		return c.Bundle.MaxAge, true
	case "bundle.max_size":
		return c.Bundle.MaxSize, true
	case "logging.level":
		return c.Logging.Level, true
	}
	if name, ok := strings.CutPrefix(key, "env."); ok {
		v, found := c.Env[name]
		return v, found
	}
	return nil, false
}

// Set assigns a configuration value by dot-notation key and validates it.
func (c *SimregressConfig) Set(key, value string) error {
	switch key {
	case "suite":
		c.Suite = value
	case "executable":
		c.Executable = value
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %s", value)
		}
		c.Timeout = d
	case "fail_fast":
		c.FailFast = parseBool(value)
	case "strict_empty":
		c.StrictEmpty = parseBool(value)
	case "report.format":
		c.Report.Format = value
	case "report.max_diff_lines":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number: %s", value)
		}
		c.Report.MaxDiffLines = n
	case "history.enabled":
		c.History.Enabled = parseBool(value)
	case "history.dir":
		c.History.Dir = value
	case "history.keep":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number: %s", value)
		}
		c.History.Keep = n
	case "bundle.keep":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number: %s", value)
		}
		c.Bundle.Keep = n
	case "bundle.max_age":
		c.Bundle.MaxAge = value
	case "bundle.max_size":
		c.Bundle.MaxSize = value
	case "logging.level":
		c.Logging.Level = value
	default:
		name, ok := strings.CutPrefix(key, "env.")
		if !ok {
			return fmt.Errorf("unknown configuration key: %s", key)
		}
		if c.Env == nil {
			c.Env = make(map[string]string)
		}
		c.Env[name] = value
	}
	return c.Validate()
}

// Keys lists the fixed configuration keys in display order.
func Keys() []string {
	return []string{
		"suite",
		"executable",
		"timeout",
		"fail_fast",
		"strict_empty",
		"report.format",
		"report.max_diff_lines",
		"history.enabled",
		"history.dir",
		"history.keep",
		"bundle.keep",
		"bundle.max_age",
		"bundle.max_size",
		"logging.level",
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *SimregressConfig) {
	if v := os.Getenv("SIMREGRESS_SUITE"); v != "" {
		config.Suite = v
	}

	if v := os.Getenv("SIMREGRESS_EXECUTABLE"); v != "" {
		config.Executable = v
	}

	if v := os.Getenv("SIMREGRESS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Timeout = d
		}
	}

	if v := os.Getenv("SIMREGRESS_FAIL_FAST"); v != "" {
		config.FailFast = parseBool(v)
	}

	if v := os.Getenv("SIMREGRESS_HISTORY"); v != "" {
		config.History.Enabled = parseBool(v)
	}

	if v := os.Getenv("SIMREGRESS_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
