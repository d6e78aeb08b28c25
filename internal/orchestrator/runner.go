package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/contract"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/registry"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/store"
)

type phaseOutcome int

const (
	outcomeProceed phaseOutcome = iota
	outcomeRejected
	outcomeAbandoned
)

var errHalted = errors.New("not dispatched: workflow halted after earlier failure")

// runState is the runner's working view of the workflow: definitions
// (static plus trigger-spawned), terminal statuses, and attempt counters.
// Owned by the single runner goroutine.
type runState struct {
	defs     map[string]registry.Definition
	terminal map[string]scheduler.RunStatus
	attempts map[string]int
	// spawnedIn lists trigger-spawned task names restored from the trail,
	// keyed by the phase they belong to. Spawned tasks are not in the stored
	// definition set, so resume re-admits them from here.
	spawnedIn map[string][]string
}

func newRunState(reg *registry.Registry, resume *store.WorkflowState) *runState {
	rs := &runState{
		defs:      make(map[string]registry.Definition),
		terminal:  make(map[string]scheduler.RunStatus),
		attempts:  make(map[string]int),
		spawnedIn: make(map[string][]string),
	}
	for _, def := range reg.Definitions() {
		rs.defs[def.Name] = def
	}
	if resume != nil {
		for name, ts := range resume.Tasks {
			rs.attempts[name] = ts.Attempts
			if ts.Status.Terminal() {
				rs.terminal[name] = ts.Status
			}
		}
		for _, sp := range resume.Spawned {
			name := sp.Definition.Name
			if _, ok := rs.defs[name]; ok {
				continue
			}
			rs.defs[name] = sp.Definition
			rs.spawnedIn[sp.PhaseID] = append(rs.spawnedIn[sp.PhaseID], name)
		}
	}
	return rs
}

// note folds a terminal run into the working view.
func (rs *runState) note(run *scheduler.Run) {
	if run.Status.Terminal() {
		rs.terminal[run.TaskName] = run.Status
	}
	if run.Attempt+1 > rs.attempts[run.TaskName] {
		rs.attempts[run.TaskName] = run.Attempt + 1
	}
}

// blockedBy returns the reason a task must be skipped instead of started:
// some dependency is not succeeded (or skipped-while-optional). Nil means
// every dependency is satisfied.
func (rs *runState) blockedBy(def registry.Definition) error {
	for _, dep := range def.DependsOn {
		st, ok := rs.terminal[dep]
		if !ok {
			return fmt.Errorf("dependency %q has no terminal run", dep)
		}
		switch st {
		case scheduler.RunSucceeded:
			continue
		case scheduler.RunSkipped:
			if rs.defs[dep].Optional {
				continue
			}
			return fmt.Errorf("dependency %q was skipped", dep)
		default:
			return fmt.Errorf("dependency %q %s", dep, st)
		}
	}
	return nil
}

// runWorkflow is the single runner goroutine body: phase by phase, level by
// level, gate by gate. Returns an error only when the store is unhealthy;
// every business outcome (completed, rejected, abandoned) is a recorded
// terminal state, not an error.
func (o *Orchestrator) runWorkflow(ctx context.Context, id string, reg *registry.Registry, wctx *contract.Context, resume *store.WorkflowState) error {
	obs := &runObserver{o: o, workflowID: id}
	exec := scheduler.NewExecutor(scheduler.Config{
		MaxParallel:        o.cfg.MaxParallel,
		SyncWorkers:        o.cfg.SyncWorkers,
		ConfidenceFloor:    o.cfg.ConfidenceFloor,
		MaxBackoffInterval: o.cfg.MaxBackoff(),
		CancelGrace:        o.cfg.CancelGrace(),
	}, o.bodies, obs)

	rs := newRunState(reg, resume)

	phases := reg.Phases()
	start := 0
	if resume != nil && resume.CurrentPhaseID != "" {
		for i, p := range phases {
			if p.ID == resume.CurrentPhaseID {
				start = i
				break
			}
		}
		if resume.PhaseStatus == store.PhaseApproved {
			start++
		}
	}

	for i := start; i < len(phases); i++ {
		outcome, err := o.runPhase(ctx, id, phases[i], exec, wctx, obs, rs)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomeRejected, outcomeAbandoned:
			return nil
		}
	}

	if err := obs.record(&store.Entry{
		WorkflowID: id,
		Action:     store.ActionWorkflowCompleted,
	}); err != nil {
		return err
	}
	o.publish(events.TopicWorkflow, events.WorkflowFinishedEvent{
		Workflow:  id,
		Status:    store.WorkflowCompleted,
		Timestamp: time.Now(),
	})
	return nil
}

// runPhase executes one phase to its gate decision. Loops on edit-and-retry.
func (o *Orchestrator) runPhase(ctx context.Context, id string, phase registry.Phase, exec *scheduler.Executor, wctx *contract.Context, obs *runObserver, rs *runState) (phaseOutcome, error) {
	for {
		obs.setPhase(phase.ID)
		if err := obs.record(&store.Entry{
			WorkflowID: id,
			PhaseID:    phase.ID,
			Action:     store.ActionPhaseStarted,
		}); err != nil {
			return 0, err
		}

		phaseOrder := append([]string(nil), phase.TaskNames...)
		phaseOrder = append(phaseOrder, rs.spawnedIn[phase.ID]...)
		var spawnedThisPhase []string

		localDefs := make([]registry.Definition, 0, len(phaseOrder))
		for _, name := range phaseOrder {
			localDefs = append(localDefs, rs.defs[name])
		}
		levels, err := scheduler.ResolveWithin(localDefs)
		if err != nil {
			return 0, err
		}

		runsThisPhase := make(map[string]*scheduler.Run)
		halted := false

		for li := 0; li < len(levels); li++ {
			if ctx.Err() != nil {
				return o.abandon(id, obs)
			}

			var dispatch []registry.Definition
			for _, name := range levels[li] {
				if _, ok := rs.terminal[name]; ok {
					// Resumed work with a durable terminal run. A recorded
					// failure stays failed; re-running it is the gate's
					// edit-and-retry, not crash recovery.
					continue
				}
				def := rs.defs[name]
				if halted {
					run := exec.NewSkippedRun(name, rs.attempts[name], errHalted)
					rs.note(run)
					runsThisPhase[name] = run
					continue
				}
				if reason := rs.blockedBy(def); reason != nil {
					run := exec.NewSkippedRun(name, rs.attempts[name], reason)
					rs.note(run)
					runsThisPhase[name] = run
					continue
				}
				dispatch = append(dispatch, def)
			}

			runs, ctxErr := exec.RunLevel(ctx, dispatch, wctx, rs.attempts)
			for _, run := range runs {
				if run == nil {
					continue
				}
				rs.note(run)
				runsThisPhase[run.TaskName] = run

				if run.Status == scheduler.RunFailed && o.cfg.FailurePolicy == config.PolicyHaltWorkflow {
					halted = true
				}
				if run.Status != scheduler.RunSucceeded {
					continue
				}
				for _, sp := range o.triggers.Evaluate(run) {
					name := sp.Definition.Name
					if _, exists := rs.defs[name]; exists {
						continue
					}
					if err := obs.record(&store.Entry{
						WorkflowID: id,
						PhaseID:    phase.ID,
						TaskName:   run.TaskName,
						Action:     store.ActionTriggerFired,
						Detail:     store.GateDetail{Comment: sp.Rule, Tasks: []string{name}, Spawned: []registry.Definition{sp.Definition}}.Encode(),
					}); err != nil {
						return 0, err
					}
					rs.defs[name] = sp.Definition
					phaseOrder = append(phaseOrder, name)
					spawnedThisPhase = append(spawnedThisPhase, name)
					// Spawned tasks depend on their source, so a fresh
					// trailing level keeps the ordering guarantee.
					levels = append(levels, []string{name})
				}
			}
			if err := obs.Err(); err != nil {
				return 0, err
			}
			if ctxErr != nil {
				return o.abandon(id, obs)
			}
		}

		summary := o.buildSummary(id, phase, phaseOrder, runsThisPhase, rs, wctx)
		if err := obs.record(&store.Entry{
			WorkflowID: id,
			PhaseID:    phase.ID,
			Action:     store.ActionGateAwaiting,
			Detail:     store.GateDetail{Tasks: phaseOrder}.Encode(),
		}); err != nil {
			return 0, err
		}
		o.publish(events.TopicGate, events.GateAwaitingEvent{
			Workflow:  id,
			PhaseID:   phase.ID,
			Summary:   summary,
			Timestamp: time.Now(),
		})

		if !phase.GateRequired {
			// Trivial bookkeeping phases advance without a human click, but
			// the approval is still on the record.
			if err := obs.record(&store.Entry{
				WorkflowID: id,
				PhaseID:    phase.ID,
				Action:     store.ActionGateAutoApproved,
			}); err != nil {
				return 0, err
			}
			o.publish(events.TopicGate, events.GateDecidedEvent{
				Workflow:  id,
				PhaseID:   phase.ID,
				Kind:      gate.Approve,
				Actor:     store.ActorSystem,
				Auto:      true,
				Timestamp: time.Now(),
			})
			return outcomeProceed, nil
		}

		dec, err := o.gates.Await(ctx, summary)
		if err != nil {
			return o.abandon(id, obs)
		}
		o.publish(events.TopicGate, events.GateDecidedEvent{
			Workflow:  id,
			PhaseID:   phase.ID,
			Kind:      dec.Kind,
			Actor:     dec.Actor,
			Timestamp: time.Now(),
		})

		switch dec.Kind {
		case gate.Approve:
			if err := obs.record(&store.Entry{
				WorkflowID: id,
				PhaseID:    phase.ID,
				Actor:      dec.Actor,
				Action:     store.ActionGateApproved,
				Detail:     store.GateDetail{Comment: dec.Comment}.Encode(),
			}); err != nil {
				return 0, err
			}
			return outcomeProceed, nil

		case gate.Reject:
			if err := obs.record(&store.Entry{
				WorkflowID: id,
				PhaseID:    phase.ID,
				Actor:      dec.Actor,
				Action:     store.ActionGateRejected,
				Detail:     store.GateDetail{Comment: dec.Comment}.Encode(),
			}); err != nil {
				return 0, err
			}
			if err := obs.record(&store.Entry{
				WorkflowID: id,
				PhaseID:    phase.ID,
				Actor:      dec.Actor,
				Action:     store.ActionWorkflowRejected,
			}); err != nil {
				return 0, err
			}
			o.publish(events.TopicWorkflow, events.WorkflowFinishedEvent{
				Workflow:  id,
				Status:    store.WorkflowRejected,
				Timestamp: time.Now(),
			})
			return outcomeRejected, nil

		case gate.EditRetry:
			if err := obs.record(&store.Entry{
				WorkflowID: id,
				PhaseID:    phase.ID,
				Actor:      dec.Actor,
				Action:     store.ActionGateEditRetry,
				Detail:     store.GateDetail{Comment: dec.Comment, Tasks: phaseOrder}.Encode(),
			}); err != nil {
				return 0, err
			}
			wctx.MergeInputs(dec.EditedInputs)
			// Re-queue the phase: terminal marks drop, attempt counters keep
			// climbing, trigger-spawned tasks may fire again next pass.
			for _, name := range phaseOrder {
				delete(rs.terminal, name)
			}
			for _, name := range spawnedThisPhase {
				delete(rs.defs, name)
			}
			continue

		default:
			return 0, fmt.Errorf("gate returned unknown decision %q", dec.Kind)
		}
	}
}

// abandon records the operator-forced terminal state. Uses the observer's
// background-context appends because the run context is already cancelled.
func (o *Orchestrator) abandon(id string, obs *runObserver) (phaseOutcome, error) {
	if err := obs.record(&store.Entry{
		WorkflowID: id,
		Action:     store.ActionWorkflowAbandoned,
		Detail:     "cancelled by operator",
	}); err != nil {
		return 0, err
	}
	o.publish(events.TopicWorkflow, events.WorkflowFinishedEvent{
		Workflow:  id,
		Status:    store.WorkflowAbandoned,
		Timestamp: time.Now(),
	})
	return outcomeAbandoned, nil
}

// buildSummary assembles the gate view for the whole phase. Tasks that
// finished in an earlier session (resume) are reconstructed from the stored
// output; everything else comes from this pass's terminal runs.
func (o *Orchestrator) buildSummary(id string, phase registry.Phase, phaseOrder []string, runsThisPhase map[string]*scheduler.Run, rs *runState, wctx *contract.Context) gate.Summary {
	runs := make([]*scheduler.Run, 0, len(phaseOrder))
	for _, name := range phaseOrder {
		if run, ok := runsThisPhase[name]; ok {
			runs = append(runs, run)
			continue
		}
		synthetic := &scheduler.Run{
			TaskName: name,
			Status:   rs.terminal[name],
		}
		if out, ok := wctx.Output(name); ok {
			synthetic.Output = out
			synthetic.LowConfidence = out.Confidence < o.cfg.ConfidenceFloor
		}
		runs = append(runs, synthetic)
	}
	return gate.BuildSummary(id, phase.ID, runs, rs.attempts)
}

// record serializes a runner-side audit append through the observer so the
// workflow keeps a single write path, and surfaces any sticky store error.
func (ro *runObserver) record(entry *store.Entry) error {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.append(entry)
	return ro.storeErr
}
