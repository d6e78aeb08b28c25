package registry

import (
	"fmt"
)

// Registry is the validated, read-only task catalogue for one workflow.
// All structural errors (duplicate names, unknown phase members, dependencies
// pointing at later phases) are caught here, before any execution begins.
type Registry struct {
	defs    map[string]Definition
	order   []string // registration order, for deterministic scheduling
	phases  []Phase
	phaseOf map[string]string // task name -> phase ID
}

// New builds a Registry from a DefinitionSet.
// Validation rules:
//   - task names are unique and non-empty
//   - every phase member references a defined task
//   - every task belongs to exactly one phase
//   - a task's dependencies live in the same phase or an earlier one
//
// Cycle and missing-dependency detection is the resolver's job; New only
// checks phase structure.
func New(set *DefinitionSet) (*Registry, error) {
	if set == nil {
		return nil, fmt.Errorf("definition set is nil")
	}
	if len(set.Definitions) == 0 {
		return nil, fmt.Errorf("definition set %q has no tasks", set.Name)
	}
	if len(set.Phases) == 0 {
		return nil, fmt.Errorf("definition set %q has no phases", set.Name)
	}

	r := &Registry{
		defs:    make(map[string]Definition, len(set.Definitions)),
		phaseOf: make(map[string]string),
	}

	for _, def := range set.Definitions {
		if def.Name == "" {
			return nil, fmt.Errorf("task with empty name in set %q", set.Name)
		}
		if _, exists := r.defs[def.Name]; exists {
			return nil, fmt.Errorf("duplicate task name %q", def.Name)
		}
		r.defs[def.Name] = def.clone()
		r.order = append(r.order, def.Name)
	}

	phaseIndex := make(map[string]int, len(set.Phases))
	for i, phase := range set.Phases {
		if phase.ID == "" {
			return nil, fmt.Errorf("phase %d has empty id", i)
		}
		if _, exists := phaseIndex[phase.ID]; exists {
			return nil, fmt.Errorf("duplicate phase id %q", phase.ID)
		}
		phaseIndex[phase.ID] = i
		for _, name := range phase.TaskNames {
			if _, ok := r.defs[name]; !ok {
				return nil, fmt.Errorf("phase %q references unknown task %q", phase.ID, name)
			}
			if prev, claimed := r.phaseOf[name]; claimed {
				return nil, fmt.Errorf("task %q appears in phases %q and %q", name, prev, phase.ID)
			}
			r.phaseOf[name] = phase.ID
		}
		r.phases = append(r.phases, phase.clone())
	}

	for _, name := range r.order {
		if _, ok := r.phaseOf[name]; !ok {
			return nil, fmt.Errorf("task %q is not assigned to any phase", name)
		}
	}

	// Dependencies may only point at the same phase or an earlier one,
	// otherwise the phase gate ordering would be violated.
	for _, name := range r.order {
		def := r.defs[name]
		taskPhase := phaseIndex[r.phaseOf[name]]
		for _, dep := range def.DependsOn {
			depPhaseID, ok := r.phaseOf[dep]
			if !ok {
				// Unknown dependency; reported with full detail by the resolver.
				continue
			}
			if phaseIndex[depPhaseID] > taskPhase {
				return nil, fmt.Errorf("task %q in phase %q depends on %q in later phase %q",
					name, r.phaseOf[name], dep, depPhaseID)
			}
		}
	}

	return r, nil
}

// Get returns the definition for a task name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name].clone())
	}
	return out
}

// Phases returns the ordered phase list.
func (r *Registry) Phases() []Phase {
	out := make([]Phase, 0, len(r.phases))
	for _, p := range r.phases {
		out = append(out, p.clone())
	}
	return out
}

// PhaseTasks returns the definitions belonging to a phase, in registration
// order (not phase declaration order, so the resolver tie-break stays global).
func (r *Registry) PhaseTasks(phaseID string) []Definition {
	var out []Definition
	for _, name := range r.order {
		if r.phaseOf[name] == phaseID {
			out = append(out, r.defs[name].clone())
		}
	}
	return out
}

// PhaseOf returns the phase ID a task belongs to.
func (r *Registry) PhaseOf(name string) (string, bool) {
	id, ok := r.phaseOf[name]
	return id, ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	return len(r.order)
}
