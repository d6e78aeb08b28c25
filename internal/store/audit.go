package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/registry"
)

// Actor value for transitions the engine makes on its own. Human decisions
// carry the identifier supplied with the gate decision.
const ActorSystem = "system"

// Action identifies what kind of transition an audit entry records.
type Action string

const (
	ActionWorkflowStarted   Action = "workflow_started"
	ActionWorkflowResumed   Action = "workflow_resumed"
	ActionWorkflowCompleted Action = "workflow_completed"
	ActionWorkflowRejected  Action = "workflow_rejected"
	ActionWorkflowAbandoned Action = "workflow_abandoned"

	ActionPhaseStarted Action = "phase_started"

	ActionTaskStarted   Action = "task_started"
	ActionTaskSucceeded Action = "task_succeeded"
	ActionTaskRetried   Action = "task_retried"
	ActionTaskFailed    Action = "task_failed"
	ActionTaskSkipped   Action = "task_skipped"

	ActionTriggerFired Action = "trigger_fired"

	ActionGateAwaiting     Action = "gate_awaiting"
	ActionGateApproved     Action = "gate_approved"
	ActionGateAutoApproved Action = "gate_auto_approved"
	ActionGateRejected     Action = "gate_rejected"
	ActionGateEditRetry    Action = "gate_edit_retry"
)

// Entry is one immutable audit record. The sequence of entries for a
// workflow is sufficient to reconstruct its WorkflowState from scratch;
// Seq is assigned by Append and is strictly monotonic per workflow.
type Entry struct {
	WorkflowID  string
	Seq         int64
	At          time.Time
	Actor       string
	PhaseID     string
	TaskName    string
	Action      Action
	Detail      string // JSON (TaskDetail or GateDetail) or free text
	ContentHash string // sha256 of the artifact the action produced, if any
}

// TaskDetail is the machine-readable payload for task_* entries.
type TaskDetail struct {
	Attempt       int     `json:"attempt"`
	Error         string  `json:"error,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
	RetryIn       string  `json:"retry_in,omitempty"`
}

// GateDetail is the machine-readable payload for gate_* and trigger entries.
type GateDetail struct {
	Comment string   `json:"comment,omitempty"`
	Tasks   []string `json:"tasks,omitempty"` // tasks re-queued (edit_retry) or spawned (trigger)
	// Spawned carries the full trigger-spawned definitions. They exist only
	// in the trail, so resume re-admits them from here.
	Spawned []registry.Definition `json:"spawned,omitempty"`
}

// Encode renders a detail struct for Entry.Detail.
func (d TaskDetail) Encode() string { return encodeDetail(d) }

// Encode renders a detail struct for Entry.Detail.
func (d GateDetail) Encode() string { return encodeDetail(d) }

func encodeDetail(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

// Append durably writes one audit entry. Seq is assigned inside the
// transaction (last seq + 1, never reused) and written back to the entry,
// along with At when unset. An error here must abort the caller's in-memory
// transition: state that isn't durably recorded must not advance.
func (s *SQLiteStore) Append(ctx context.Context, entry *Entry) error {
	if entry.WorkflowID == "" {
		return fmt.Errorf("audit entry has no workflow id")
	}
	if entry.Action == "" {
		return fmt.Errorf("audit entry has no action")
	}
	if entry.Actor == "" {
		entry.Actor = ActorSystem
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM audit_entries WHERE workflow_id = ?`,
		entry.WorkflowID).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read last sequence: %w", err)
	}
	entry.Seq = last.Int64 + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (workflow_id, seq, at, actor, phase_id, task_name, action, detail, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.WorkflowID, entry.Seq, entry.At, entry.Actor, entry.PhaseID, entry.TaskName, string(entry.Action), entry.Detail, entry.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit entry: %w", err)
	}
	return nil
}

// Entries returns the full audit trail for a workflow in sequence order.
func (s *SQLiteStore) Entries(ctx context.Context, workflowID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, seq, at, actor, phase_id, task_name, action, detail, content_hash
		FROM audit_entries
		WHERE workflow_id = ?
		ORDER BY seq
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var action string
		if err := rows.Scan(&e.WorkflowID, &e.Seq, &e.At, &e.Actor, &e.PhaseID, &e.TaskName, &action, &e.Detail, &e.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = Action(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// CurrentState folds the full audit trail into a WorkflowState. Always
// recomputed from the log; there is no cached state row to drift out of sync.
func (s *SQLiteStore) CurrentState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	entries, err := s.Entries(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return ReplayState(workflowID, entries), nil
}
