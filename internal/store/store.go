// Package store persists the append-only audit trail and derives workflow
// state from it by replay. The audit log is the single source of truth:
// the current position of a workflow is never stored, only folded.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/conductor/internal/contract"
	_ "modernc.org/sqlite"
)

// Store is the persistence interface for workflows, audit entries, and task
// outputs. Append-only where it matters: entries and outputs are never
// updated or deleted.
type Store interface {
	// Workflow records (definition + session inputs, for resume)
	CreateWorkflow(ctx context.Context, rec *WorkflowRecord) error
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context) ([]*WorkflowRecord, error)

	// Audit trail
	Append(ctx context.Context, entry *Entry) error
	Entries(ctx context.Context, workflowID string) ([]*Entry, error)
	CurrentState(ctx context.Context, workflowID string) (*WorkflowState, error)

	// Task outputs (resume payloads; hashes cross-checked against the trail)
	SaveOutput(ctx context.Context, workflowID, taskName string, attempt int, out *contract.Output) error
	Outputs(ctx context.Context, workflowID string) (map[string]*contract.Output, error)
	VerifyOutputs(ctx context.Context, workflowID string) ([]string, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path, creating
// parent directories if needed. WAL with synchronous=FULL: an Append that
// returns nil must survive a process crash, that is the correctness boundary
// for resume.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory store for testing. Shared cache so
// multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Foreign keys must be enabled per-connection via PRAGMA with this driver.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One writer, one reader connection.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		session_inputs TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		workflow_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		at DATETIME NOT NULL,
		actor TEXT NOT NULL,
		phase_id TEXT NOT NULL DEFAULT '',
		task_name TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (workflow_id, seq),
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_outputs (
		workflow_id TEXT NOT NULL,
		task_name TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		output TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (workflow_id, task_name, attempt),
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_outputs_workflow
		ON task_outputs(workflow_id, task_name);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
