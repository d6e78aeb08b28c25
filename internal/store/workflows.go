package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/contract"
	"github.com/aristath/conductor/internal/registry"
)

// WorkflowRecord is the immutable row created when a workflow starts: the
// definition set and session inputs it was started with. Resume rebuilds
// the registry and context from this record plus the audit trail.
type WorkflowRecord struct {
	ID            string
	Name          string
	Definitions   *registry.DefinitionSet
	SessionInputs map[string]string
	CreatedAt     time.Time
}

// CreateWorkflow persists the workflow record. The ID must be unique.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	defs, err := json.Marshal(rec.Definitions)
	if err != nil {
		return fmt.Errorf("failed to encode definitions: %w", err)
	}
	inputs, err := json.Marshal(rec.SessionInputs)
	if err != nil {
		return fmt.Errorf("failed to encode session inputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, definition, session_inputs)
		VALUES (?, ?, ?, ?)
	`, rec.ID, rec.Name, string(defs), string(inputs))
	if err != nil {
		return fmt.Errorf("failed to create workflow %s: %w", rec.ID, err)
	}
	return nil
}

// GetWorkflow loads a workflow record by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	rec := &WorkflowRecord{}
	var defs, inputs string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, definition, session_inputs, created_at
		FROM workflows
		WHERE id = ?
	`, workflowID).Scan(&rec.ID, &rec.Name, &defs, &inputs, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow not found: %s", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}

	if err := json.Unmarshal([]byte(defs), &rec.Definitions); err != nil {
		return nil, fmt.Errorf("failed to decode definitions for %s: %w", workflowID, err)
	}
	if err := json.Unmarshal([]byte(inputs), &rec.SessionInputs); err != nil {
		return nil, fmt.Errorf("failed to decode session inputs for %s: %w", workflowID, err)
	}
	return rec, nil
}

// ListWorkflows returns all workflow records, oldest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]*WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, definition, session_inputs, created_at
		FROM workflows
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var recs []*WorkflowRecord
	for rows.Next() {
		rec := &WorkflowRecord{}
		var defs, inputs string
		if err := rows.Scan(&rec.ID, &rec.Name, &defs, &inputs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		if err := json.Unmarshal([]byte(defs), &rec.Definitions); err != nil {
			return nil, fmt.Errorf("failed to decode definitions for %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(inputs), &rec.SessionInputs); err != nil {
			return nil, fmt.Errorf("failed to decode session inputs for %s: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return recs, nil
}

// SaveOutput persists a successful attempt's output so resume can rebuild
// the resolved-outputs map without re-running completed tasks.
func (s *SQLiteStore) SaveOutput(ctx context.Context, workflowID, taskName string, attempt int, out *contract.Output) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode output for %s/%s: %w", workflowID, taskName, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_outputs (workflow_id, task_name, attempt, output, content_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, task_name, attempt) DO UPDATE SET
			output = excluded.output,
			content_hash = excluded.content_hash
	`, workflowID, taskName, attempt, string(data), out.Hash())
	if err != nil {
		return fmt.Errorf("failed to save output for %s/%s: %w", workflowID, taskName, err)
	}
	return nil
}

// Outputs returns the latest stored output per task for a workflow.
func (s *SQLiteStore) Outputs(ctx context.Context, workflowID string) (map[string]*contract.Output, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_name, output
		FROM task_outputs o
		WHERE workflow_id = ?
		  AND attempt = (
			SELECT MAX(attempt) FROM task_outputs
			WHERE workflow_id = o.workflow_id AND task_name = o.task_name
		  )
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outputs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*contract.Output)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		var o contract.Output
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("failed to decode output for %s: %w", name, err)
		}
		out[name] = &o
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outputs: %w", err)
	}
	return out, nil
}

// VerifyOutputs re-hashes every stored output and compares it against the
// recorded content hash. Returns the names of tampered tasks, empty when
// the trail is clean.
func (s *SQLiteStore) VerifyOutputs(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_name, output, content_hash
		FROM task_outputs
		WHERE workflow_id = ?
		ORDER BY task_name, attempt
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outputs: %w", err)
	}
	defer rows.Close()

	var tampered []string
	seen := make(map[string]bool)
	for rows.Next() {
		var name, data, recorded string
		if err := rows.Scan(&name, &data, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		var o contract.Output
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			if !seen[name] {
				tampered = append(tampered, name)
				seen[name] = true
			}
			continue
		}
		if o.Hash() != recorded && !seen[name] {
			tampered = append(tampered, name)
			seen[name] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outputs: %w", err)
	}
	return tampered, nil
}
