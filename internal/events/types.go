package events

import (
	"time"

	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/store"
)

// Event is the base interface for all engine events.
type Event interface {
	EventType() string
	WorkflowID() string
}

// Topic constants
const (
	TopicWorkflow = "workflow"
	TopicTask     = "task"
	TopicGate     = "gate"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskRetried   = "task.retried"
	EventTypeTaskSucceeded = "task.succeeded"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskSkipped   = "task.skipped"

	EventTypeGateAwaiting = "gate.awaiting"
	EventTypeGateDecided  = "gate.decided"

	EventTypeWorkflowStarted  = "workflow.started"
	EventTypeWorkflowFinished = "workflow.finished"
)

// TaskStartedEvent is published when a task attempt begins.
type TaskStartedEvent struct {
	Workflow  string
	TaskName  string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string  { return EventTypeTaskStarted }
func (e TaskStartedEvent) WorkflowID() string { return e.Workflow }

// TaskRetriedEvent is published when an attempt failed and another follows.
type TaskRetriedEvent struct {
	Workflow  string
	TaskName  string
	Attempt   int
	Err       error
	RetryIn   time.Duration
	Timestamp time.Time
}

func (e TaskRetriedEvent) EventType() string  { return EventTypeTaskRetried }
func (e TaskRetriedEvent) WorkflowID() string { return e.Workflow }

// TaskSucceededEvent is published when a task reaches succeeded.
type TaskSucceededEvent struct {
	Workflow      string
	TaskName      string
	Attempt       int
	Confidence    float64
	LowConfidence bool
	Timestamp     time.Time
}

func (e TaskSucceededEvent) EventType() string  { return EventTypeTaskSucceeded }
func (e TaskSucceededEvent) WorkflowID() string { return e.Workflow }

// TaskFailedEvent is published when a task reaches failed.
type TaskFailedEvent struct {
	Workflow  string
	TaskName  string
	Attempt   int
	Err       error
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string  { return EventTypeTaskFailed }
func (e TaskFailedEvent) WorkflowID() string { return e.Workflow }

// TaskSkippedEvent is published when a task is skipped without starting.
type TaskSkippedEvent struct {
	Workflow  string
	TaskName  string
	Reason    string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string  { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) WorkflowID() string { return e.Workflow }

// GateAwaitingEvent is published when a phase gate suspends on a decision.
// This is the signal a UI collaborator reacts to.
type GateAwaitingEvent struct {
	Workflow  string
	PhaseID   string
	Summary   gate.Summary
	Timestamp time.Time
}

func (e GateAwaitingEvent) EventType() string  { return EventTypeGateAwaiting }
func (e GateAwaitingEvent) WorkflowID() string { return e.Workflow }

// GateDecidedEvent is published when a gate decision is recorded, including
// automatic approvals.
type GateDecidedEvent struct {
	Workflow  string
	PhaseID   string
	Kind      gate.DecisionKind
	Actor     string
	Auto      bool
	Timestamp time.Time
}

func (e GateDecidedEvent) EventType() string  { return EventTypeGateDecided }
func (e GateDecidedEvent) WorkflowID() string { return e.Workflow }

// WorkflowStartedEvent is published when a workflow begins or resumes.
type WorkflowStartedEvent struct {
	Workflow  string
	Name      string
	Resumed   bool
	Timestamp time.Time
}

func (e WorkflowStartedEvent) EventType() string  { return EventTypeWorkflowStarted }
func (e WorkflowStartedEvent) WorkflowID() string { return e.Workflow }

// WorkflowFinishedEvent is published when a workflow reaches a terminal
// status.
type WorkflowFinishedEvent struct {
	Workflow  string
	Status    store.WorkflowStatus
	Timestamp time.Time
}

func (e WorkflowFinishedEvent) EventType() string  { return EventTypeWorkflowFinished }
func (e WorkflowFinishedEvent) WorkflowID() string { return e.Workflow }
