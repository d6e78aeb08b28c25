// Package contract defines the data passed into each task body and the
// structured result every body must return. The engine treats bodies as
// opaque; this package is the full extent of what they can see and say.
package contract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Status is the verdict a task body reports about its own work.
type Status string

const (
	StatusApprove   Status = "approve"
	StatusReject    Status = "reject"
	StatusNeedsInfo Status = "needs_info"
)

// Output is the structured value a task must return. Immutable once produced.
type Output struct {
	Status     Status         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence float64        `json:"confidence"`
	Notes      string         `json:"notes,omitempty"`
}

// Hash returns a hex sha256 over the canonical JSON encoding of the output.
// Recorded in the audit trail for tamper evidence.
func (o *Output) Hash() string {
	if o == nil {
		return ""
	}
	data, err := json.Marshal(o)
	if err != nil {
		// Payload values are caller-supplied; an unmarshalable payload still
		// needs a stable hash so the audit entry can be written.
		data = []byte(fmt.Sprintf("unhashable:%v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Body is the task-body interface the engine consumes. Bodies must be safe
// to re-run: the engine guarantees at-least-once invocation with bounded
// retries, never at-most-once.
type Body interface {
	Run(ctx context.Context, fc *FilteredContext) (*Output, error)
}

// BodyFunc adapts a plain function to the Body interface.
type BodyFunc func(ctx context.Context, fc *FilteredContext) (*Output, error)

// Run implements Body.
func (f BodyFunc) Run(ctx context.Context, fc *FilteredContext) (*Output, error) {
	return f(ctx, fc)
}

// Context is the shared read-mostly object for one workflow instance:
// session inputs set once at start, plus the outputs of completed tasks.
// Only the workflow's own runner mutates it.
type Context struct {
	workflowID string

	mu      sync.RWMutex
	inputs  map[string]string
	outputs map[string]*Output
}

// NewContext creates the workflow context with its initial session inputs.
func NewContext(workflowID string, sessionInputs map[string]string) *Context {
	inputs := make(map[string]string, len(sessionInputs))
	for k, v := range sessionInputs {
		inputs[k] = v
	}
	return &Context{
		workflowID: workflowID,
		inputs:     inputs,
		outputs:    make(map[string]*Output),
	}
}

// WorkflowID returns the owning workflow instance ID.
func (c *Context) WorkflowID() string {
	return c.workflowID
}

// SetOutput records a completed task's output.
func (c *Context) SetOutput(taskName string, out *Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[taskName] = out
}

// Output returns a completed task's output, if any.
func (c *Context) Output(taskName string) (*Output, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[taskName]
	return out, ok
}

// MergeInputs overlays edited session inputs (phase edit-and-retry).
func (c *Context) MergeInputs(edited map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range edited {
		c.inputs[k] = v
	}
}

// SessionInputs returns a copy of the current session inputs.
func (c *Context) SessionInputs() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.inputs))
	for k, v := range c.inputs {
		out[k] = v
	}
	return out
}

// View builds the filtered, read-only view handed to one task body.
// It exposes session inputs plus ONLY the outputs of the declared
// dependencies. This is a capability restriction, not a convenience filter:
// a body cannot reach upstream state it never declared, so the resolver's
// ordering guarantees stay meaningful.
func (c *Context) View(taskName string, dependsOn []string) *FilteredContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inputs := make(map[string]string, len(c.inputs))
	for k, v := range c.inputs {
		inputs[k] = v
	}
	outputs := make(map[string]*Output, len(dependsOn))
	for _, dep := range dependsOn {
		if out, ok := c.outputs[dep]; ok {
			outputs[dep] = out
		}
	}

	return &FilteredContext{
		workflowID: c.workflowID,
		taskName:   taskName,
		inputs:     inputs,
		outputs:    outputs,
	}
}

// FilteredContext is the read-only view passed to a task body.
type FilteredContext struct {
	workflowID string
	taskName   string
	inputs     map[string]string
	outputs    map[string]*Output
}

// WorkflowID returns the owning workflow instance ID.
func (fc *FilteredContext) WorkflowID() string {
	return fc.workflowID
}

// TaskName returns the name of the task this view was built for.
func (fc *FilteredContext) TaskName() string {
	return fc.taskName
}

// Input returns a session input value.
func (fc *FilteredContext) Input(key string) (string, bool) {
	v, ok := fc.inputs[key]
	return v, ok
}

// Inputs returns a copy of all session inputs.
func (fc *FilteredContext) Inputs() map[string]string {
	out := make(map[string]string, len(fc.inputs))
	for k, v := range fc.inputs {
		out[k] = v
	}
	return out
}

// Dependency returns the output of a declared dependency. Asking for a task
// outside the declared dependency set is an error, even if that task has
// completed.
func (fc *FilteredContext) Dependency(taskName string) (*Output, error) {
	out, ok := fc.outputs[taskName]
	if !ok {
		return nil, &UndeclaredDependencyError{Task: fc.taskName, Requested: taskName}
	}
	return out, nil
}

// UndeclaredDependencyError is returned when a body asks for the output of a
// task it never declared as a dependency.
type UndeclaredDependencyError struct {
	Task      string
	Requested string
}

func (e *UndeclaredDependencyError) Error() string {
	return fmt.Sprintf("task %q requested output of %q which is not in its dependency set", e.Task, e.Requested)
}
