package registry

import (
	"time"
)

// Mode declares how a task body executes.
type Mode string

const (
	// ModeSync bodies block a worker-pool slot for their full duration.
	ModeSync Mode = "sync"
	// ModeAsync bodies are cooperatively scheduled and awaited directly.
	ModeAsync Mode = "async"
)

// Definition is an immutable task descriptor. Identity is Name.
// Created at registry load time and never mutated afterwards.
type Definition struct {
	Name             string        `json:"name" yaml:"name"`
	DependsOn        []string      `json:"depends_on,omitempty" yaml:"depends_on"`
	Mode             Mode          `json:"mode,omitempty" yaml:"mode"`
	Timeout          time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	MaxRetries       int           `json:"max_retries,omitempty" yaml:"max_retries"`
	RetryBackoffBase time.Duration `json:"retry_backoff_base,omitempty" yaml:"retry_backoff_base"`
	// Optional tasks may be skipped without blocking their dependents.
	Optional bool `json:"optional,omitempty" yaml:"optional"`
	// Command is the shell command a file-defined task body runs. Ignored by
	// the engine itself; the body builder maps it to an executable body.
	Command string `json:"command,omitempty" yaml:"command"`
}

// Phase is a named, ordered group of task names gated by a single decision.
type Phase struct {
	ID           string   `json:"id" yaml:"id"`
	TaskNames    []string `json:"tasks" yaml:"tasks"`
	GateRequired bool     `json:"gate_required" yaml:"gate_required"`
}

// DefinitionSet is the declarative input for one workflow: the full task
// catalogue plus the phase grouping. Loaded from a file or built in code.
type DefinitionSet struct {
	Name        string       `json:"name" yaml:"name"`
	Definitions []Definition `json:"definitions" yaml:"definitions"`
	Phases      []Phase      `json:"phases" yaml:"phases"`
}

// clone returns a deep copy so callers can't mutate registry-held state.
func (d Definition) clone() Definition {
	cp := d
	if d.DependsOn != nil {
		cp.DependsOn = append([]string(nil), d.DependsOn...)
	}
	return cp
}

func (p Phase) clone() Phase {
	cp := p
	if p.TaskNames != nil {
		cp.TaskNames = append([]string(nil), p.TaskNames...)
	}
	return cp
}

// Clone deep-copies the set. Used when persisting definitions alongside a
// workflow so later edits to the caller's set don't leak in.
func (s *DefinitionSet) Clone() *DefinitionSet {
	if s == nil {
		return nil
	}
	cp := &DefinitionSet{Name: s.Name}
	cp.Definitions = make([]Definition, len(s.Definitions))
	for i, d := range s.Definitions {
		cp.Definitions[i] = d.clone()
	}
	cp.Phases = make([]Phase, len(s.Phases))
	for i, p := range s.Phases {
		cp.Phases[i] = p.clone()
	}
	return cp
}
