// Package gate implements the human-approval checkpoint between phases.
// A gate wait is an indefinite suspension on an external signal: it holds
// no worker slot and no lock, because a decision can take seconds or days.
package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/conductor/internal/scheduler"
)

// DecisionKind is the choice a human makes at a gate.
type DecisionKind string

const (
	Approve DecisionKind = "approve"
	Reject  DecisionKind = "reject"
	// EditRetry re-queues the phase's tasks with attempt numbers continuing
	// to climb; prior runs stay in the audit trail.
	EditRetry DecisionKind = "edit_retry"
)

// Decision is one recorded gate decision.
type Decision struct {
	Kind    DecisionKind
	Actor   string
	Comment string
	// EditedInputs overlays the workflow's session inputs before the phase
	// re-runs. Only meaningful with EditRetry.
	EditedInputs map[string]string
}

// TaskSummary is the per-task line shown to the decision maker. No failure
// or low-confidence flag is ever omitted from it.
type TaskSummary struct {
	TaskName      string
	Status        scheduler.RunStatus
	Attempts      int
	Confidence    float64
	LowConfidence bool
	Notes         string
	Error         string
}

// Summary is everything a human needs to decide a gate intelligently.
type Summary struct {
	WorkflowID string
	PhaseID    string
	Tasks      []TaskSummary
	Failures   int
	LowMarks   int
}

// pending is one gate currently suspended on a decision.
type pending struct {
	phaseID    string
	summary    Summary
	decisionCh chan Decision
}

// Controller matches suspended gate waits with externally submitted
// decisions. One gate can be pending per workflow at a time, which is all
// the phase state machine allows.
type Controller struct {
	mu      sync.Mutex
	waiting map[string]*pending // workflow ID -> suspended gate
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{
		waiting: make(map[string]*pending),
	}
}

// Await suspends until a decision is submitted for this workflow's gate or
// the context is cancelled. Called by the workflow runner after every task
// in the phase has a terminal run.
func (c *Controller) Await(ctx context.Context, summary Summary) (Decision, error) {
	p := &pending{
		phaseID: summary.PhaseID,
		summary: summary,
		// Buffered so Submit never blocks on a racing cancellation.
		decisionCh: make(chan Decision, 1),
	}

	c.mu.Lock()
	if _, exists := c.waiting[summary.WorkflowID]; exists {
		c.mu.Unlock()
		return Decision{}, fmt.Errorf("workflow %q already has a gate awaiting decision", summary.WorkflowID)
	}
	c.waiting[summary.WorkflowID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiting, summary.WorkflowID)
		c.mu.Unlock()
	}()

	select {
	case d := <-p.decisionCh:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Submit delivers a decision to the gate currently awaiting it. Errors when
// no gate is pending for the workflow or the phase doesn't match, so a stale
// UI can't decide the wrong checkpoint.
func (c *Controller) Submit(workflowID, phaseID string, d Decision) error {
	switch d.Kind {
	case Approve, Reject, EditRetry:
	default:
		return fmt.Errorf("invalid gate decision %q", d.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.waiting[workflowID]
	if !ok {
		return fmt.Errorf("workflow %q is not awaiting a gate decision", workflowID)
	}
	if p.phaseID != phaseID {
		return fmt.Errorf("workflow %q is awaiting a decision for phase %q, not %q", workflowID, p.phaseID, phaseID)
	}

	select {
	case p.decisionCh <- d:
		return nil
	default:
		return fmt.Errorf("gate for workflow %q already received a decision", workflowID)
	}
}

// Pending returns the summary of the gate a workflow is suspended on, if any.
func (c *Controller) Pending(workflowID string) (Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.waiting[workflowID]
	if !ok {
		return Summary{}, false
	}
	return p.summary, true
}

// BuildSummary assembles the gate view from the phase's terminal runs.
func BuildSummary(workflowID, phaseID string, runs []*scheduler.Run, attempts map[string]int) Summary {
	s := Summary{WorkflowID: workflowID, PhaseID: phaseID}
	for _, run := range runs {
		ts := TaskSummary{
			TaskName:      run.TaskName,
			Status:        run.Status,
			Attempts:      attempts[run.TaskName],
			LowConfidence: run.LowConfidence,
		}
		if run.Output != nil {
			ts.Confidence = run.Output.Confidence
			ts.Notes = run.Output.Notes
		}
		if run.Err != nil {
			ts.Error = run.Err.Error()
		}
		if run.Status == scheduler.RunFailed {
			s.Failures++
		}
		if run.LowConfidence {
			s.LowMarks++
		}
		s.Tasks = append(s.Tasks, ts)
	}
	return s
}
