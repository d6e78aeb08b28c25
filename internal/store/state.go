package store

import (
	"encoding/json"
	"time"

	"github.com/aristath/conductor/internal/registry"
	"github.com/aristath/conductor/internal/scheduler"
)

// PhaseStatus is the gate-relative position within the current phase.
type PhaseStatus string

const (
	PhaseNotStarted   PhaseStatus = "not_started"
	PhaseRunning      PhaseStatus = "running"
	PhaseAwaitingGate PhaseStatus = "awaiting_gate"
	PhaseApproved     PhaseStatus = "approved"
	PhaseRejected     PhaseStatus = "rejected"
)

// WorkflowStatus is the coarse lifecycle state of one workflow instance.
type WorkflowStatus string

const (
	WorkflowNotStarted WorkflowStatus = "not_started"
	WorkflowRunning    WorkflowStatus = "running"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowRejected   WorkflowStatus = "rejected"
	WorkflowAbandoned  WorkflowStatus = "abandoned"
)

// Terminal reports whether the workflow can make no further progress.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowRejected, WorkflowAbandoned:
		return true
	}
	return false
}

// TaskState is the current-view summary of one task, derived from its runs.
type TaskState struct {
	Status        scheduler.RunStatus `json:"status"`
	Attempts      int                 `json:"attempts"`
	Confidence    float64             `json:"confidence,omitempty"`
	LowConfidence bool                `json:"low_confidence,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// SpawnedDefinition is a trigger-spawned task definition replayed out of the
// trail. Spawned tasks are not part of the stored definition set, so resume
// re-admits them into their phase from here.
type SpawnedDefinition struct {
	PhaseID    string              `json:"phase_id"`
	Definition registry.Definition `json:"definition"`
}

// WorkflowState is the derived "current position" of a workflow. It is never
// stored: it exists only as the fold of the audit trail, which makes it
// impossible for the two to disagree.
type WorkflowState struct {
	WorkflowID     string                `json:"workflow_id"`
	Status         WorkflowStatus        `json:"status"`
	CurrentPhaseID string                `json:"current_phase_id,omitempty"`
	PhaseStatus    PhaseStatus           `json:"phase_status"`
	Tasks          map[string]*TaskState `json:"tasks"`
	Spawned        []SpawnedDefinition   `json:"spawned,omitempty"`
	LastSeq        int64                 `json:"last_seq"`
	LastUpdatedAt  time.Time             `json:"last_updated_at"`
}

// TerminalTasks returns the names of tasks whose current view is terminal.
// Resume uses this set to dispatch only unfinished work.
func (ws *WorkflowState) TerminalTasks() map[string]scheduler.RunStatus {
	out := make(map[string]scheduler.RunStatus)
	for name, ts := range ws.Tasks {
		if ts.Status.Terminal() {
			out[name] = ts.Status
		}
	}
	return out
}

// ReplayState folds an audit trail into a WorkflowState, starting from
// empty. Replaying the same entries always yields the same state; the live
// engine derives its view through this exact function, so the event-sourcing
// round-trip property holds by construction.
func ReplayState(workflowID string, entries []*Entry) *WorkflowState {
	ws := &WorkflowState{
		WorkflowID:  workflowID,
		Status:      WorkflowNotStarted,
		PhaseStatus: PhaseNotStarted,
		Tasks:       make(map[string]*TaskState),
	}

	for _, e := range entries {
		ws.apply(e)
		ws.LastSeq = e.Seq
		ws.LastUpdatedAt = e.At
	}
	return ws
}

func (ws *WorkflowState) apply(e *Entry) {
	switch e.Action {
	case ActionWorkflowStarted, ActionWorkflowResumed:
		ws.Status = WorkflowRunning

	case ActionWorkflowCompleted:
		ws.Status = WorkflowCompleted
	case ActionWorkflowRejected:
		ws.Status = WorkflowRejected
	case ActionWorkflowAbandoned:
		ws.Status = WorkflowAbandoned

	case ActionPhaseStarted:
		ws.CurrentPhaseID = e.PhaseID
		ws.PhaseStatus = PhaseRunning

	case ActionTaskStarted:
		d := decodeTaskDetail(e.Detail)
		ts := ws.task(e.TaskName)
		ts.Status = scheduler.RunRunning
		if d.Attempt+1 > ts.Attempts {
			ts.Attempts = d.Attempt + 1
		}

	case ActionTaskRetried:
		d := decodeTaskDetail(e.Detail)
		ts := ws.task(e.TaskName)
		ts.Error = d.Error

	case ActionTaskSucceeded:
		d := decodeTaskDetail(e.Detail)
		ts := ws.task(e.TaskName)
		ts.Status = scheduler.RunSucceeded
		ts.Confidence = d.Confidence
		ts.LowConfidence = d.LowConfidence
		ts.Error = ""

	case ActionTaskFailed:
		d := decodeTaskDetail(e.Detail)
		ts := ws.task(e.TaskName)
		ts.Status = scheduler.RunFailed
		ts.Error = d.Error

	case ActionTaskSkipped:
		d := decodeTaskDetail(e.Detail)
		ts := ws.task(e.TaskName)
		ts.Status = scheduler.RunSkipped
		ts.Error = d.Error

	case ActionTriggerFired:
		d := decodeGateDetail(e.Detail)
		for _, name := range d.Tasks {
			ws.task(name) // registers as pending
		}
		for _, def := range d.Spawned {
			ws.Spawned = append(ws.Spawned, SpawnedDefinition{PhaseID: e.PhaseID, Definition: def})
		}

	case ActionGateAwaiting:
		ws.CurrentPhaseID = e.PhaseID
		ws.PhaseStatus = PhaseAwaitingGate

	case ActionGateApproved, ActionGateAutoApproved:
		ws.PhaseStatus = PhaseApproved

	case ActionGateRejected:
		ws.PhaseStatus = PhaseRejected

	case ActionGateEditRetry:
		// Prior runs stay in the trail for audit; the current view resets
		// the re-queued tasks while attempt counts keep climbing.
		ws.PhaseStatus = PhaseRunning
		d := decodeGateDetail(e.Detail)
		for _, name := range d.Tasks {
			ts := ws.task(name)
			ts.Status = scheduler.RunPending
			ts.Confidence = 0
			ts.LowConfidence = false
			ts.Error = ""
		}
	}
}

func (ws *WorkflowState) task(name string) *TaskState {
	if name == "" {
		name = "?"
	}
	ts, ok := ws.Tasks[name]
	if !ok {
		ts = &TaskState{Status: scheduler.RunPending}
		ws.Tasks[name] = ts
	}
	return ts
}

func decodeTaskDetail(detail string) TaskDetail {
	var d TaskDetail
	_ = json.Unmarshal([]byte(detail), &d)
	return d
}

func decodeGateDetail(detail string) GateDetail {
	var d GateDetail
	_ = json.Unmarshal([]byte(detail), &d)
	return d
}
