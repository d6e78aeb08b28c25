package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/conductor/internal/registry"
)

// CycleError reports a dependency cycle. Path lists the tasks along the
// cycle, first task repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// MissingDependencyError reports a declared dependency that does not exist
// in the definition set.
type MissingDependencyError struct {
	Task    string
	Missing string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.Task, e.Missing)
}

// Resolve computes a level ordering for the full definition set: each level
// is a set of task names with no dependency between them (safe to run
// concurrently), and every task's dependencies appear in a strictly earlier
// level. Ties within a level keep registration order so scheduling is
// deterministic across runs for identical inputs.
func Resolve(defs []registry.Definition) ([][]string, error) {
	return resolve(defs, false)
}

// ResolveWithin levels a subset of the graph (one phase). Dependencies on
// tasks outside the subset are treated as already satisfied; the registry
// guarantees they live in an earlier phase.
func ResolveWithin(defs []registry.Definition) ([][]string, error) {
	return resolve(defs, true)
}

func resolve(defs []registry.Definition, allowExternal bool) ([][]string, error) {
	inSet := make(map[string]registry.Definition, len(defs))
	order := make(map[string]int, len(defs))
	for i, def := range defs {
		inSet[def.Name] = def
		order[def.Name] = i
	}

	// Missing dependencies are reported before anything else so the error
	// names the exact task, not a generic sort failure.
	if !allowExternal {
		for _, def := range defs {
			for _, dep := range def.DependsOn {
				if _, ok := inSet[dep]; !ok {
					return nil, &MissingDependencyError{Task: def.Name, Missing: dep}
				}
			}
		}
	}

	// Cycle detection via topological sort, same as a plain validation pass.
	var edges []toposort.Edge
	for _, def := range defs {
		internal := internalDeps(def, inSet)
		if len(internal) == 0 {
			edges = append(edges, toposort.Edge{nil, def.Name})
			continue
		}
		for _, dep := range internal {
			edges = append(edges, toposort.Edge{dep, def.Name})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		if cycle := findCycle(defs, inSet); cycle != nil {
			return nil, &CycleError{Path: cycle}
		}
		return nil, fmt.Errorf("dependency graph is not a DAG: %w", err)
	}

	// Kahn leveling: repeatedly peel the in-degree-zero set. The peeled sets
	// are exactly the concurrency levels.
	indeg := make(map[string]int, len(defs))
	dependents := make(map[string][]string)
	for _, def := range defs {
		internal := internalDeps(def, inSet)
		indeg[def.Name] = len(internal)
		for _, dep := range internal {
			dependents[dep] = append(dependents[dep], def.Name)
		}
	}

	var levels [][]string
	emitted := 0
	ready := make([]string, 0, len(defs))
	for _, def := range defs { // registration order
		if indeg[def.Name] == 0 {
			ready = append(ready, def.Name)
		}
	}
	for len(ready) > 0 {
		level := ready
		levels = append(levels, level)
		emitted += len(level)

		next := []string{}
		for _, name := range level {
			for _, dependent := range dependents[name] {
				indeg[dependent]--
				if indeg[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		// Restore registration order after decrement-driven discovery.
		sortByRegistration(next, order)
		ready = next
	}

	if emitted != len(defs) {
		// Unreachable after the toposort pass succeeded, kept as a guard.
		if cycle := findCycle(defs, inSet); cycle != nil {
			return nil, &CycleError{Path: cycle}
		}
		return nil, fmt.Errorf("leveling lost %d tasks", len(defs)-emitted)
	}

	return levels, nil
}

// internalDeps returns the dependencies of def that are members of the set.
func internalDeps(def registry.Definition, inSet map[string]registry.Definition) []string {
	var out []string
	for _, dep := range def.DependsOn {
		if _, ok := inSet[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

func sortByRegistration(names []string, order map[string]int) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && order[names[j]] < order[names[j-1]]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}

// findCycle runs a coloring DFS to recover one concrete cycle path for the
// error message. Returns nil if no cycle exists.
func findCycle(defs []registry.Definition, inSet map[string]registry.Definition) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(defs))
	parent := make(map[string]string)

	var cycle []string
	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		for _, dep := range internalDeps(inSet[name], inSet) {
			switch color[dep] {
			case white:
				parent[dep] = name
				if visit(dep) {
					return true
				}
			case grey:
				// Walk the parent chain back from name to dep.
				cycle = []string{dep}
				for cur := name; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				// Reverse into dependency order and close the loop.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				cycle = append(cycle, dep)
				return true
			}
		}
		color[name] = black
		return false
	}

	for _, def := range defs {
		if color[def.Name] == white && visit(def.Name) {
			return cycle
		}
	}
	return nil
}
