// Package trigger evaluates lightweight predicates after a task completes
// to decide whether an auxiliary task should be enqueued into the current
// phase.
package trigger

import (
	"github.com/aristath/conductor/internal/registry"
	"github.com/aristath/conductor/internal/scheduler"
)

// Rule pairs a predicate with the auxiliary task it spawns. When fires on a
// terminal run; Spawn builds the definition for the follow-up task. The
// engine wires the spawned task to depend on the run's task and re-checks
// the graph before admitting it.
type Rule struct {
	Name  string
	When  func(run *scheduler.Run) bool
	Spawn func(run *scheduler.Run) registry.Definition
}

// Engine holds the configured rules for one workflow.
type Engine struct {
	rules []Rule
}

// NewEngine creates a trigger engine. A nil or empty rule set is valid and
// simply never fires.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate runs every rule against a terminal run and returns the spawned
// definitions. Each spawned definition depends on the source task so it
// lands in a later level of the same phase.
func (e *Engine) Evaluate(run *scheduler.Run) []SpawnedTask {
	if e == nil || run == nil {
		return nil
	}
	var spawned []SpawnedTask
	for _, rule := range e.rules {
		if rule.When == nil || rule.Spawn == nil {
			continue
		}
		if !rule.When(run) {
			continue
		}
		def := rule.Spawn(run)
		if def.Name == "" {
			continue
		}
		ensureDependency(&def, run.TaskName)
		spawned = append(spawned, SpawnedTask{Rule: rule.Name, Definition: def})
	}
	return spawned
}

// SpawnedTask is one auxiliary task produced by a fired rule.
type SpawnedTask struct {
	Rule       string
	Definition registry.Definition
}

func ensureDependency(def *registry.Definition, source string) {
	for _, dep := range def.DependsOn {
		if dep == source {
			return
		}
	}
	def.DependsOn = append(def.DependsOn, source)
}

// ConfidenceBelow fires when a successful run's confidence is under the
// threshold.
func ConfidenceBelow(threshold float64) func(run *scheduler.Run) bool {
	return func(run *scheduler.Run) bool {
		return run.Status == scheduler.RunSucceeded &&
			run.Output != nil &&
			run.Output.Confidence < threshold
	}
}

// FilesTouchedAbove fires when a successful run reports touching more than
// n files in its payload (key "files_touched", any numeric type).
func FilesTouchedAbove(n int) func(run *scheduler.Run) bool {
	return func(run *scheduler.Run) bool {
		if run.Status != scheduler.RunSucceeded || run.Output == nil {
			return false
		}
		v, ok := run.Output.Payload["files_touched"]
		if !ok {
			return false
		}
		switch count := v.(type) {
		case int:
			return count > n
		case int64:
			return count > int64(n)
		case float64:
			return count > float64(n)
		}
		return false
	}
}
