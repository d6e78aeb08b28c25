package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/store"
)

// runObserver translates executor run transitions into audit entries and
// bus events. Transitions arrive from concurrent goroutines within a level;
// the mutex serializes them so the workflow keeps a single audit writer.
//
// A store write failure is sticky: the first one is kept, later transitions
// are still published to the bus but no longer persisted, and the runner
// halts the workflow at the next checkpoint. Advancing state that isn't
// durably recorded would break resume.
type runObserver struct {
	o          *Orchestrator
	workflowID string

	mu       sync.Mutex
	phaseID  string
	storeErr error
}

func (ro *runObserver) setPhase(phaseID string) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.phaseID = phaseID
}

// Err returns the first store write failure, if any.
func (ro *runObserver) Err() error {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	return ro.storeErr
}

func (ro *runObserver) TaskStarted(run *scheduler.Run) {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	ro.append(&store.Entry{
		WorkflowID: ro.workflowID,
		PhaseID:    ro.phaseID,
		TaskName:   run.TaskName,
		Action:     store.ActionTaskStarted,
		Detail:     store.TaskDetail{Attempt: run.Attempt}.Encode(),
	})
	ro.o.publish(events.TopicTask, events.TaskStartedEvent{
		Workflow:  ro.workflowID,
		TaskName:  run.TaskName,
		Attempt:   run.Attempt,
		Timestamp: time.Now(),
	})
}

func (ro *runObserver) TaskRetried(run *scheduler.Run, next time.Duration) {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	ro.append(&store.Entry{
		WorkflowID: ro.workflowID,
		PhaseID:    ro.phaseID,
		TaskName:   run.TaskName,
		Action:     store.ActionTaskRetried,
		Detail: store.TaskDetail{
			Attempt: run.Attempt,
			Error:   errString(run.Err),
			RetryIn: next.String(),
		}.Encode(),
	})
	ro.o.publish(events.TopicTask, events.TaskRetriedEvent{
		Workflow:  ro.workflowID,
		TaskName:  run.TaskName,
		Attempt:   run.Attempt,
		Err:       run.Err,
		RetryIn:   next,
		Timestamp: time.Now(),
	})
}

func (ro *runObserver) TaskFinished(run *scheduler.Run) {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	switch run.Status {
	case scheduler.RunSucceeded:
		// Output first, then the audit entry carrying its hash: a crash in
		// between leaves an orphan output, which resume overwrites.
		if err := ro.o.store.SaveOutput(context.Background(), ro.workflowID, run.TaskName, run.Attempt, run.Output); err != nil {
			ro.fail(err)
		}
		ro.append(&store.Entry{
			WorkflowID:  ro.workflowID,
			PhaseID:     ro.phaseID,
			TaskName:    run.TaskName,
			Action:      store.ActionTaskSucceeded,
			ContentHash: run.Output.Hash(),
			Detail: store.TaskDetail{
				Attempt:       run.Attempt,
				Confidence:    run.Output.Confidence,
				LowConfidence: run.LowConfidence,
			}.Encode(),
		})
		ro.o.publish(events.TopicTask, events.TaskSucceededEvent{
			Workflow:      ro.workflowID,
			TaskName:      run.TaskName,
			Attempt:       run.Attempt,
			Confidence:    run.Output.Confidence,
			LowConfidence: run.LowConfidence,
			Timestamp:     time.Now(),
		})

	case scheduler.RunFailed:
		ro.append(&store.Entry{
			WorkflowID: ro.workflowID,
			PhaseID:    ro.phaseID,
			TaskName:   run.TaskName,
			Action:     store.ActionTaskFailed,
			Detail: store.TaskDetail{
				Attempt: run.Attempt,
				Error:   errString(run.Err),
			}.Encode(),
		})
		ro.o.publish(events.TopicTask, events.TaskFailedEvent{
			Workflow:  ro.workflowID,
			TaskName:  run.TaskName,
			Attempt:   run.Attempt,
			Err:       run.Err,
			Timestamp: time.Now(),
		})

	case scheduler.RunSkipped:
		ro.append(&store.Entry{
			WorkflowID: ro.workflowID,
			PhaseID:    ro.phaseID,
			TaskName:   run.TaskName,
			Action:     store.ActionTaskSkipped,
			Detail: store.TaskDetail{
				Attempt: run.Attempt,
				Error:   errString(run.Err),
			}.Encode(),
		})
		ro.o.publish(events.TopicTask, events.TaskSkippedEvent{
			Workflow:  ro.workflowID,
			TaskName:  run.TaskName,
			Reason:    errString(run.Err),
			Timestamp: time.Now(),
		})
	}
}

// append must be called with ro.mu held.
func (ro *runObserver) append(entry *store.Entry) {
	if ro.storeErr != nil {
		return
	}
	if err := ro.o.store.Append(context.Background(), entry); err != nil {
		ro.fail(fmt.Errorf("audit append (%s %s): %w", entry.Action, entry.TaskName, err))
	}
}

// fail must be called with ro.mu held.
func (ro *runObserver) fail(err error) {
	if ro.storeErr == nil {
		ro.storeErr = err
		log.Printf("ERROR: workflow %s: store write failed, halting: %v", ro.workflowID, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
