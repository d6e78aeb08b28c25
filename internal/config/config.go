// Package config loads engine configuration: defaults, overlaid by a global
// file (~/.conductor/config.json), overlaid by a project file
// (.conductor/config.json). Missing files are not errors; malformed JSON is.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FailurePolicy decides what a failed task does to the rest of the workflow.
type FailurePolicy string

const (
	// PolicySkipDependents skips only tasks downstream of the failure;
	// independent branches continue.
	PolicySkipDependents FailurePolicy = "skip_dependents"
	// PolicyHaltWorkflow stops dispatching anything else in the phase after
	// the first failure. Some business processes need all-or-nothing.
	PolicyHaltWorkflow FailurePolicy = "halt_workflow"
)

// Config is the engine configuration.
type Config struct {
	MaxParallel        int           `json:"max_parallel"`
	SyncWorkers        int           `json:"sync_workers"`
	ConfidenceFloor    float64       `json:"confidence_floor"`
	FailurePolicy      FailurePolicy `json:"failure_policy"`
	CancelGraceSeconds int           `json:"cancel_grace_seconds"`
	MaxBackoffSeconds  int           `json:"max_backoff_seconds"`
	DBPath             string        `json:"db_path"`

	// Defaults applied to definition files that omit descriptor fields.
	DefaultTimeoutSeconds    int `json:"default_timeout_seconds"`
	DefaultMaxRetries        int `json:"default_max_retries"`
	DefaultBackoffBaseMillis int `json:"default_backoff_base_millis"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxParallel:              4,
		SyncWorkers:              0, // executor default: NumCPU
		ConfidenceFloor:          0.5,
		FailurePolicy:            PolicySkipDependents,
		CancelGraceSeconds:       5,
		MaxBackoffSeconds:        10,
		DBPath:                   filepath.Join(".conductor", "conductor.db"),
		DefaultTimeoutSeconds:    300,
		DefaultMaxRetries:        2,
		DefaultBackoffBaseMillis: 1000,
	}
}

// CancelGrace returns the cooperative-cancellation grace period.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

// MaxBackoff returns the cap on retry backoff intervals.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// DefaultTimeout returns the default task timeout.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// DefaultBackoffBase returns the default retry backoff base.
func (c *Config) DefaultBackoffBase() time.Duration {
	return time.Duration(c.DefaultBackoffBaseMillis) * time.Millisecond
}

// Load reads and merges configuration from global and project paths.
// Precedence (highest to lowest): project config, global config, defaults.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	globalPath := filepath.Join(homeDir, ".conductor", "config.json")
	projectPath := filepath.Join(".conductor", "config.json")
	return Load(globalPath, projectPath)
}

func (c *Config) validate() error {
	switch c.FailurePolicy {
	case PolicySkipDependents, PolicyHaltWorkflow:
	default:
		return fmt.Errorf("invalid failure_policy %q", c.FailurePolicy)
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor %v outside [0,1]", c.ConfidenceFloor)
	}
	return nil
}

// mergeConfigFile overlays non-zero fields from a JSON config file.
// Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.MaxParallel > 0 {
		base.MaxParallel = loaded.MaxParallel
	}
	if loaded.SyncWorkers > 0 {
		base.SyncWorkers = loaded.SyncWorkers
	}
	if loaded.ConfidenceFloor > 0 {
		base.ConfidenceFloor = loaded.ConfidenceFloor
	}
	if loaded.FailurePolicy != "" {
		base.FailurePolicy = loaded.FailurePolicy
	}
	if loaded.CancelGraceSeconds > 0 {
		base.CancelGraceSeconds = loaded.CancelGraceSeconds
	}
	if loaded.MaxBackoffSeconds > 0 {
		base.MaxBackoffSeconds = loaded.MaxBackoffSeconds
	}
	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}
	if loaded.DefaultTimeoutSeconds > 0 {
		base.DefaultTimeoutSeconds = loaded.DefaultTimeoutSeconds
	}
	if loaded.DefaultMaxRetries > 0 {
		base.DefaultMaxRetries = loaded.DefaultMaxRetries
	}
	if loaded.DefaultBackoffBaseMillis > 0 {
		base.DefaultBackoffBaseMillis = loaded.DefaultBackoffBaseMillis
	}

	return nil
}
