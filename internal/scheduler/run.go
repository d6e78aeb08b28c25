package scheduler

import (
	"time"

	"github.com/aristath/conductor/internal/contract"
)

// RunStatus represents the state of one execution attempt.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunSkipped:
		return true
	}
	return false
}

// Run is one execution attempt of a task definition within a workflow.
// Mutated only by the executor; immutable once Status is terminal. A retry
// appends a new Run with Attempt incremented rather than rewriting this one.
type Run struct {
	TaskName  string
	Attempt   int
	Status    RunStatus
	StartedAt time.Time
	EndedAt   time.Time
	Output    *contract.Output
	Err       error
	// LowConfidence is set when the output confidence falls below the
	// configured floor. It never fails the task; the next phase gate
	// surfaces it.
	LowConfidence bool
}

// clone returns a copy so observers can't race with executor mutation.
func (r *Run) clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
