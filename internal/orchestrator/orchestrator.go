// Package orchestrator wires the registry, scheduler, gate controller,
// trigger engine, and store into the workflow control surface.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/contract"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/registry"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/trigger"
)

// Orchestrator executes workflow instances. Each running workflow has
// exactly one runner goroutine, and that goroutine is the only writer to the
// workflow's audit trail; distinct workflow IDs are fully independent.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	bodies   map[string]contract.Body
	gates    *gate.Controller
	triggers *trigger.Engine
	bus      *events.Bus

	mu     sync.Mutex
	active map[string]*workflowRun
}

// workflowRun tracks one in-process runner goroutine.
type workflowRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithBus attaches an event bus for UI consumers.
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithTriggerRules installs conditional trigger rules.
func WithTriggerRules(rules []trigger.Rule) Option {
	return func(o *Orchestrator) {
		o.triggers = trigger.NewEngine(rules)
	}
}

// New creates an orchestrator over the given store and task-body catalogue.
// Bodies are keyed by task name.
func New(cfg *config.Config, st store.Store, bodies map[string]contract.Body, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		bodies:   bodies,
		gates:    gate.NewController(),
		triggers: trigger.NewEngine(nil),
		active:   make(map[string]*workflowRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start validates a definition set, persists the workflow, and launches its
// runner goroutine. Definition errors (cycles, missing dependencies, phase
// structure) are fatal here: a broken workflow never begins.
func (o *Orchestrator) Start(ctx context.Context, set *registry.DefinitionSet, sessionInputs map[string]string) (string, error) {
	reg, err := registry.New(set)
	if err != nil {
		return "", err
	}
	if _, err := scheduler.Resolve(reg.Definitions()); err != nil {
		return "", err
	}

	id := uuid.NewString()
	rec := &store.WorkflowRecord{
		ID:            id,
		Name:          set.Name,
		Definitions:   set.Clone(),
		SessionInputs: sessionInputs,
	}
	if err := o.store.CreateWorkflow(ctx, rec); err != nil {
		return "", err
	}
	if err := o.store.Append(ctx, &store.Entry{
		WorkflowID: id,
		Action:     store.ActionWorkflowStarted,
		Detail:     set.Name,
	}); err != nil {
		return "", err
	}

	wctx := contract.NewContext(id, sessionInputs)
	o.publish(events.TopicWorkflow, events.WorkflowStartedEvent{
		Workflow:  id,
		Name:      set.Name,
		Timestamp: time.Now(),
	})
	o.launch(id, reg, wctx, nil)
	return id, nil
}

// Resume reloads a persisted workflow and continues it, dispatching only
// tasks without a terminal run. Crash-safe: everything it needs comes from
// the workflow record, the audit trail, and the stored outputs.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	if wr, ok := o.active[workflowID]; ok {
		select {
		case <-wr.done:
		default:
			o.mu.Unlock()
			return fmt.Errorf("workflow %q is already running", workflowID)
		}
	}
	o.mu.Unlock()

	rec, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	state, err := o.store.CurrentState(ctx, workflowID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return fmt.Errorf("workflow %q is already %s", workflowID, state.Status)
	}

	reg, err := registry.New(rec.Definitions)
	if err != nil {
		return fmt.Errorf("stored definitions for %q no longer validate: %w", workflowID, err)
	}

	wctx := contract.NewContext(workflowID, rec.SessionInputs)
	outputs, err := o.store.Outputs(ctx, workflowID)
	if err != nil {
		return err
	}
	for name, out := range outputs {
		wctx.SetOutput(name, out)
	}

	if err := o.store.Append(ctx, &store.Entry{
		WorkflowID: workflowID,
		Action:     store.ActionWorkflowResumed,
	}); err != nil {
		return err
	}

	o.publish(events.TopicWorkflow, events.WorkflowStartedEvent{
		Workflow:  workflowID,
		Name:      rec.Name,
		Resumed:   true,
		Timestamp: time.Now(),
	})
	o.launch(workflowID, reg, wctx, state)
	return nil
}

// Cancel requests cooperative cancellation of a running workflow. Running
// task bodies see their context cancelled; any body that does not exit
// within the grace period is force-failed, never force-killed. The workflow
// transitions to abandoned and no later level is dispatched.
func (o *Orchestrator) Cancel(workflowID string) error {
	o.mu.Lock()
	wr, ok := o.active[workflowID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow %q is not running in this process", workflowID)
	}
	wr.cancel()
	return nil
}

// Wait blocks until a workflow launched in this process finishes, returning
// the runner's error, if any.
func (o *Orchestrator) Wait(workflowID string) error {
	o.mu.Lock()
	wr, ok := o.active[workflowID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow %q is not running in this process", workflowID)
	}
	<-wr.done
	return wr.err
}

// Status returns the workflow's derived state, folded from the audit trail.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (*store.WorkflowState, error) {
	return o.store.CurrentState(ctx, workflowID)
}

// PendingGate returns the gate summary a workflow is suspended on, if any.
func (o *Orchestrator) PendingGate(workflowID string) (gate.Summary, bool) {
	return o.gates.Pending(workflowID)
}

// SubmitGateDecision delivers a human decision to the awaiting gate.
// Rejected when the workflow is not currently awaiting a gate for that
// phase.
func (o *Orchestrator) SubmitGateDecision(workflowID, phaseID string, d gate.Decision) error {
	return o.gates.Submit(workflowID, phaseID, d)
}

// launch starts the single runner goroutine for a workflow.
func (o *Orchestrator) launch(id string, reg *registry.Registry, wctx *contract.Context, resume *store.WorkflowState) {
	runCtx, cancel := context.WithCancel(context.Background())
	wr := &workflowRun{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.active[id] = wr
	o.mu.Unlock()

	go func() {
		defer close(wr.done)
		defer cancel()
		wr.err = o.runWorkflow(runCtx, id, reg, wctx, resume)
	}()
}

func (o *Orchestrator) publish(topic string, event events.Event) {
	if o.bus != nil {
		o.bus.Publish(topic, event)
	}
}
