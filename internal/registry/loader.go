package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults fills in descriptor fields omitted from a definition file.
type Defaults struct {
	Mode             Mode
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoffBase time.Duration
}

// DefaultDefaults returns the built-in descriptor defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Mode:             ModeAsync,
		Timeout:          5 * time.Minute,
		MaxRetries:       2,
		RetryBackoffBase: time.Second,
	}
}

// UnmarshalYAML parses a definition with human-friendly duration strings
// ("30s", "5m") for timeout and retry_backoff_base.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name             string   `yaml:"name"`
		DependsOn        []string `yaml:"depends_on"`
		Mode             string   `yaml:"mode"`
		Timeout          string   `yaml:"timeout"`
		MaxRetries       *int     `yaml:"max_retries"`
		RetryBackoffBase string   `yaml:"retry_backoff_base"`
		Optional         bool     `yaml:"optional"`
		Command          string   `yaml:"command"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	d.Name = raw.Name
	d.DependsOn = raw.DependsOn
	d.Optional = raw.Optional
	d.Command = raw.Command

	switch raw.Mode {
	case "":
		d.Mode = ""
	case string(ModeSync), string(ModeAsync):
		d.Mode = Mode(raw.Mode)
	default:
		return fmt.Errorf("task %q: invalid mode %q (want sync or async)", raw.Name, raw.Mode)
	}

	if raw.Timeout != "" {
		t, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("task %q: invalid timeout %q: %w", raw.Name, raw.Timeout, err)
		}
		d.Timeout = t
	}
	if raw.RetryBackoffBase != "" {
		b, err := time.ParseDuration(raw.RetryBackoffBase)
		if err != nil {
			return fmt.Errorf("task %q: invalid retry_backoff_base %q: %w", raw.Name, raw.RetryBackoffBase, err)
		}
		d.RetryBackoffBase = b
	}
	if raw.MaxRetries != nil {
		if *raw.MaxRetries < 0 {
			return fmt.Errorf("task %q: max_retries must be >= 0", raw.Name)
		}
		d.MaxRetries = *raw.MaxRetries
	} else {
		d.MaxRetries = -1 // sentinel: apply default
	}

	return nil
}

// LoadFile reads a DefinitionSet from a YAML file and applies defaults to
// omitted descriptor fields. Structural validation happens in New.
func LoadFile(path string, defaults Defaults) (*DefinitionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data, defaults)
}

// Parse decodes a DefinitionSet from YAML bytes.
func Parse(data []byte, defaults Defaults) (*DefinitionSet, error) {
	var set DefinitionSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing definition set: %w", err)
	}

	for i := range set.Definitions {
		def := &set.Definitions[i]
		if def.Mode == "" {
			def.Mode = defaults.Mode
		}
		if def.Timeout == 0 {
			def.Timeout = defaults.Timeout
		}
		if def.MaxRetries < 0 {
			def.MaxRetries = defaults.MaxRetries
		}
		if def.RetryBackoffBase == 0 {
			def.RetryBackoffBase = defaults.RetryBackoffBase
		}
	}

	return &set, nil
}
