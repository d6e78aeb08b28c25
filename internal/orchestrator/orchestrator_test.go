package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/contract"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/registry"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/trigger"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.CancelGraceSeconds = 1
	cfg.MaxBackoffSeconds = 1
	return cfg
}

func memStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func okBody(confidence float64) contract.Body {
	return contract.BodyFunc(func(ctx context.Context, fc *contract.FilteredContext) (*contract.Output, error) {
		return &contract.Output{Status: contract.StatusApprove, Confidence: confidence}, nil
	})
}

func countingBody(counter *int32, confidence float64) contract.Body {
	return contract.BodyFunc(func(ctx context.Context, fc *contract.FilteredContext) (*contract.Output, error) {
		atomic.AddInt32(counter, 1)
		return &contract.Output{Status: contract.StatusApprove, Confidence: confidence}, nil
	})
}

func failingBody(counter *int32) contract.Body {
	return contract.BodyFunc(func(ctx context.Context, fc *contract.FilteredContext) (*contract.Output, error) {
		atomic.AddInt32(counter, 1)
		return nil, errors.New("deliberate failure")
	})
}

// decideGates answers every gate the workflow reaches using decide, until
// the returned stop function is called.
func decideGates(t *testing.T, o *Orchestrator, id string, decide func(gate.Summary) gate.Decision) func() {
	t.Helper()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			if sum, ok := o.PendingGate(id); ok {
				// A lost race with a concurrent decision is fine.
				_ = o.SubmitGateDecision(id, sum.PhaseID, decide(sum))
			}
		}
	}()
	return func() { close(stop) }
}

func approveEverything(t *testing.T, o *Orchestrator, id string) func() {
	return decideGates(t, o, id, func(gate.Summary) gate.Decision {
		return gate.Decision{Kind: gate.Approve, Actor: "reviewer"}
	})
}

// summaryCapture records the last gate summary seen by a decideGates
// callback. The callback runs on the polling goroutine, so access is locked.
type summaryCapture struct {
	mu  sync.Mutex
	sum gate.Summary
}

func (c *summaryCapture) set(s gate.Summary) {
	c.mu.Lock()
	c.sum = s
	c.mu.Unlock()
}

func (c *summaryCapture) get() gate.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sum
}

func actionsOf(entries []*store.Entry) []store.Action {
	out := make([]store.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func countAction(entries []*store.Entry, action store.Action, taskName string) int {
	n := 0
	for _, e := range entries {
		if e.Action == action && (taskName == "" || e.TaskName == taskName) {
			n++
		}
	}
	return n
}

func twoPhaseSet() *registry.DefinitionSet {
	return &registry.DefinitionSet{
		Name: "pipeline",
		Definitions: []registry.Definition{
			{Name: "A"},
			{Name: "B"},
			{Name: "C", DependsOn: []string{"A", "B"}},
			{Name: "D", DependsOn: []string{"C"}},
		},
		Phases: []registry.Phase{
			{ID: "p1", TaskNames: []string{"A", "B", "C"}, GateRequired: true},
			{ID: "p2", TaskNames: []string{"D"}, GateRequired: true},
		},
	}
}

// TestWorkflowHappyPath runs two gated phases end to end and checks both
// the terminal state and the shape of the audit trail.
func TestWorkflowHappyPath(t *testing.T) {
	st := memStore(t)
	bodies := map[string]contract.Body{
		"A": okBody(0.9), "B": okBody(0.9), "C": okBody(0.9), "D": okBody(0.9),
	}
	o := New(testConfig(), st, bodies)

	id, err := o.Start(context.Background(), twoPhaseSet(), map[string]string{"branch": "main"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer approveEverything(t, o, id)()

	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	state, err := o.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if state.Status != store.WorkflowCompleted {
		t.Fatalf("Status = %s, want completed", state.Status)
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		ts := state.Tasks[name]
		if ts == nil || ts.Status != scheduler.RunSucceeded {
			t.Errorf("task %s = %+v, want succeeded", name, ts)
		}
	}

	entries, err := st.Entries(context.Background(), id)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if countAction(entries, store.ActionPhaseStarted, "") != 2 {
		t.Errorf("phase_started count = %d, want 2\ntrail: %v", countAction(entries, store.ActionPhaseStarted, ""), actionsOf(entries))
	}
	if countAction(entries, store.ActionGateApproved, "") != 2 {
		t.Errorf("gate_approved count = %d, want 2", countAction(entries, store.ActionGateApproved, ""))
	}
	if countAction(entries, store.ActionWorkflowCompleted, "") != 1 {
		t.Errorf("workflow_completed missing\ntrail: %v", actionsOf(entries))
	}
	if entries[0].Action != store.ActionWorkflowStarted {
		t.Errorf("first entry = %s", entries[0].Action)
	}
	if last := entries[len(entries)-1]; last.Action != store.ActionWorkflowCompleted {
		t.Errorf("last entry = %s", last.Action)
	}

	// The stored outputs must verify against the trail's hashes.
	tampered, err := st.VerifyOutputs(context.Background(), id)
	if err != nil {
		t.Fatalf("VerifyOutputs() error = %v", err)
	}
	if len(tampered) != 0 {
		t.Errorf("tampered = %v", tampered)
	}
}

// TestFailureSkipsDependents verifies a failed task skips its downstream
// closure while independent branches run.
func TestFailureSkipsDependents(t *testing.T) {
	st := memStore(t)
	var bRuns, cRuns, indepRuns int32
	set := &registry.DefinitionSet{
		Name: "branchy",
		Definitions: []registry.Definition{
			{Name: "A"},
			{Name: "B", DependsOn: []string{"A"}},
			{Name: "C", DependsOn: []string{"B"}},
			{Name: "independent", DependsOn: []string{"A"}},
		},
		Phases: []registry.Phase{
			{ID: "p1", TaskNames: []string{"A", "B", "C", "independent"}, GateRequired: true},
		},
	}
	bodies := map[string]contract.Body{
		"A":           okBody(0.9),
		"B":           failingBody(&bRuns),
		"C":           countingBody(&cRuns, 0.9),
		"independent": countingBody(&indepRuns, 0.9),
	}
	o := New(testConfig(), st, bodies)

	var saw summaryCapture
	id, err := o.Start(context.Background(), set, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer decideGates(t, o, id, func(s gate.Summary) gate.Decision {
		saw.set(s)
		return gate.Decision{Kind: gate.Approve, Actor: "reviewer"}
	})()

	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if atomic.LoadInt32(&cRuns) != 0 {
		t.Error("C ran despite its dependency failing")
	}
	if atomic.LoadInt32(&indepRuns) != 1 {
		t.Error("independent branch did not run")
	}

	state, _ := o.Status(context.Background(), id)
	if state.Tasks["B"].Status != scheduler.RunFailed {
		t.Errorf("B = %+v", state.Tasks["B"])
	}
	if state.Tasks["C"].Status != scheduler.RunSkipped {
		t.Errorf("C = %+v", state.Tasks["C"])
	}
	if state.Status != store.WorkflowCompleted {
		t.Errorf("workflow = %s; failures surface at the gate, not as engine errors", state.Status)
	}
	if got := saw.get(); got.Failures != 1 {
		t.Errorf("gate summary Failures = %d, want 1", got.Failures)
	}
}

// TestHaltWorkflowPolicy verifies the all-or-nothing policy stops later
// levels after the first failure.
func TestHaltWorkflowPolicy(t *testing.T) {
	st := memStore(t)
	var afterRuns int32
	set := &registry.DefinitionSet{
		Name: "strict",
		Definitions: []registry.Definition{
			{Name: "bad"},
			{Name: "after", DependsOn: []string{}},
			{Name: "later", DependsOn: []string{"after"}},
		},
		Phases: []registry.Phase{
			{ID: "p1", TaskNames: []string{"bad", "after", "later"}, GateRequired: false},
		},
	}
	var badRuns int32
	bodies := map[string]contract.Body{
		"bad":   failingBody(&badRuns),
		"after": countingBody(&afterRuns, 0.9),
		"later": countingBody(&afterRuns, 0.9),
	}

	cfg := testConfig()
	cfg.FailurePolicy = config.PolicyHaltWorkflow
	o := New(cfg, st, bodies)

	id, err := o.Start(context.Background(), set, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	state, _ := o.Status(context.Background(), id)
	// "bad" and "after" share the first level, so "after" may complete; the
	// strictly later level must not be dispatched.
	if state.Tasks["later"].Status != scheduler.RunSkipped {
		t.Errorf("later = %+v, want skipped under halt policy", state.Tasks["later"])
	}
}

// TestRetryBudget verifies retryable failures produce one audit start per
// attempt and the task recovers within budget.
func TestRetryBudget(t *testing.T) {
	st := memStore(t)
	var calls int32
	body := contract.BodyFunc(func(ctx context.Context, fc *contract.FilteredContext) (*contract.Output, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, contract.Retryable(errors.New("warming up"))
		}
		return &contract.Output{Status: contract.StatusApprove, Confidence: 0.8}, nil
	})
	set := &registry.DefinitionSet{
		Name:        "retrying",
		Definitions: []registry.Definition{{Name: "D", MaxRetries: 3, RetryBackoffBase: time.Millisecond}},
		Phases:      []registry.Phase{{ID: "p1", TaskNames: []string{"D"}, GateRequired: false}},
	}
	o := New(testConfig(), st, map[string]contract.Body{"D": body})

	id, err := o.Start(context.Background(), set, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	entries, _ := st.Entries(context.Background(), id)
	if got := countAction(entries, store.ActionTaskStarted, "D"); got != 3 {
		t.Errorf("task_started count = %d, want 3", got)
	}
	if got := countAction(entries, store.ActionTaskRetried, "D"); got != 2 {
		t.Errorf("task_retried count = %d, want 2", got)
	}

	state, _ := o.Status(context.Background(), id)
	if state.Tasks["D"].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", state.Tasks["D"].Attempts)
	}
	if state.Status != store.WorkflowCompleted {
		t.Errorf("Status = %s", state.Status)
	}
}

// TestGateReject verifies rejection is terminal and the next phase never
// dispatches.
func TestGateReject(t *testing.T) {
	st := memStore(t)
	var dRuns int32
	bodies := map[string]contract.Body{
		"A": okBody(0.9), "B": okBody(0.9), "C": okBody(0.9),
		"D": countingBody(&dRuns, 0.9),
	}
	o := New(testConfig(), st, bodies)

	id, err := o.Start(context.Background(), twoPhaseSet(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer decideGates(t, o, id, func(gate.Summary) gate.Decision {
		return gate.Decision{Kind: gate.Reject, Actor: "reviewer", Comment: "not shippable"}
	})()

	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	state, _ := o.Status(context.Background(), id)
	if state.Status != store.WorkflowRejected {
		t.Fatalf("Status = %s, want rejected", state.Status)
	}
	if atomic.LoadInt32(&dRuns) != 0 {
		t.Error("phase p2 dispatched after rejection")
	}

	entries, _ := st.Entries(context.Background(), id)
	last := entries[len(entries)-1]
	if last.Action != store.ActionWorkflowRejected {
		t.Errorf("last entry = %s", last.Action)
	}
	if countAction(entries, store.ActionGateRejected, "") != 1 {
		t.Error("gate_rejected entry missing")
	}

	// Terminal means terminal: no resume.
	if err := o.Resume(context.Background(), id); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Errorf("Resume() after rejection = %v, want terminal error", err)
	}
}

// TestGateEditRetry verifies the phase re-runs with overlaid inputs and
// climbing attempt numbers.
func TestGateEditRetry(t *testing.T) {
	st := memStore(t)
	body := contract.BodyFunc(func(ctx context.Context, fc *contract.FilteredContext) (*contract.Output, error) {
		if mode, _ := fc.Input("mode"); mode != "fixed" {
			return nil, errors.New("wrong mode")
		}
		return &contract.Output{Status: contract.StatusApprove, Confidence: 0.9}, nil
	})
	set := &registry.DefinitionSet{
		Name:        "editable",
		Definitions: []registry.Definition{{Name: "T"}},
		Phases:      []registry.Phase{{ID: "p1", TaskNames: []string{"T"}, GateRequired: true}},
	}
	o := New(testConfig(), st, map[string]contract.Body{"T": body})

	id, err := o.Start(context.Background(), set, map[string]string{"mode": "broken"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var decisions int32
	defer decideGates(t, o, id, func(s gate.Summary) gate.Decision {
		if atomic.AddInt32(&decisions, 1) == 1 {
			return gate.Decision{
				Kind:         gate.EditRetry,
				Actor:        "reviewer",
				Comment:      "flip the mode",
				EditedInputs: map[string]string{"mode": "fixed"},
			}
		}
		return gate.Decision{Kind: gate.Approve, Actor: "reviewer"}
	})()

	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	state, _ := o.Status(context.Background(), id)
	if state.Status != store.WorkflowCompleted {
		t.Fatalf("Status = %s, want completed", state.Status)
	}
	if state.Tasks["T"].Status != scheduler.RunSucceeded {
		t.Errorf("T = %+v", state.Tasks["T"])
	}
	if state.Tasks["T"].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (one per pass)", state.Tasks["T"].Attempts)
	}

	entries, _ := st.Entries(context.Background(), id)
	if countAction(entries, store.ActionGateEditRetry, "") != 1 {
		t.Error("gate_edit_retry entry missing")
	}
	if countAction(entries, store.ActionPhaseStarted, "") != 2 {
		t.Error("phase should restart after edit-retry")
	}
}

// TestCancelAbandons verifies cooperative cancellation lands in abandoned
// with no later level dispatched.
func TestCancelAbandons(t *testing.T) {
	st := memStore(t)
	started := make(chan struct{})
	var laterRuns int32
	blocking := contract.BodyFunc(func(ctx context.Context, fc *contract.FilteredContext) (*contract.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	set := &registry.DefinitionSet{
		Name: "cancellable",
		Definitions: []registry.Definition{
			{Name: "slow"},
			{Name: "later", DependsOn: []string{"slow"}},
		},
		Phases: []registry.Phase{{ID: "p1", TaskNames: []string{"slow", "later"}, GateRequired: false}},
	}
	bodies := map[string]contract.Body{
		"slow":  blocking,
		"later": countingBody(&laterRuns, 0.9),
	}
	o := New(testConfig(), st, bodies)

	id, err := o.Start(context.Background(), set, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	<-started
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	state, _ := o.Status(context.Background(), id)
	if state.Status != store.WorkflowAbandoned {
		t.Fatalf("Status = %s, want abandoned", state.Status)
	}
	if atomic.LoadInt32(&laterRuns) != 0 {
		t.Error("later level dispatched after cancellation")
	}

	entries, _ := st.Entries(context.Background(), id)
	if last := entries[len(entries)-1]; last.Action != store.ActionWorkflowAbandoned {
		t.Errorf("last entry = %s", last.Action)
	}
}

// TestResumeDispatchesOnlyUnfinished simulates a crash after task A by
// writing the trail directly, then resumes and expects only B to run.
func TestResumeDispatchesOnlyUnfinished(t *testing.T) {
	st := memStore(t)
	ctx := context.Background()

	set := &registry.DefinitionSet{
		Name: "resumable",
		Definitions: []registry.Definition{
			{Name: "A"},
			{Name: "B", DependsOn: []string{"A"}},
		},
		Phases: []registry.Phase{{ID: "p1", TaskNames: []string{"A", "B"}, GateRequired: false}},
	}

	// Trail as a crashed process would have left it: A durably succeeded,
	// B never started.
	if err := st.CreateWorkflow(ctx, &store.WorkflowRecord{
		ID: "wf-crashed", Name: set.Name, Definitions: set,
		SessionInputs: map[string]string{},
	}); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	aOut := &contract.Output{Status: contract.StatusApprove, Confidence: 0.9, Payload: map[string]any{"artifact": "a.bin"}}
	script := []*store.Entry{
		{WorkflowID: "wf-crashed", Action: store.ActionWorkflowStarted},
		{WorkflowID: "wf-crashed", PhaseID: "p1", Action: store.ActionPhaseStarted},
		{WorkflowID: "wf-crashed", PhaseID: "p1", TaskName: "A", Action: store.ActionTaskStarted, Detail: store.TaskDetail{Attempt: 0}.Encode()},
		{WorkflowID: "wf-crashed", PhaseID: "p1", TaskName: "A", Action: store.ActionTaskSucceeded, ContentHash: aOut.Hash(), Detail: store.TaskDetail{Attempt: 0, Confidence: 0.9}.Encode()},
	}
	for _, e := range script {
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := st.SaveOutput(ctx, "wf-crashed", "A", 0, aOut); err != nil {
		t.Fatalf("SaveOutput: %v", err)
	}

	var aRuns int32
	var bSawDep int32
	bodies := map[string]contract.Body{
		"A": countingBody(&aRuns, 0.9),
		"B": contract.BodyFunc(func(ctx context.Context, fc *contract.FilteredContext) (*contract.Output, error) {
			if dep, err := fc.Dependency("A"); err == nil && dep.Payload["artifact"] == "a.bin" {
				atomic.AddInt32(&bSawDep, 1)
			}
			return &contract.Output{Status: contract.StatusApprove, Confidence: 0.9}, nil
		}),
	}
	o := New(testConfig(), st, bodies)

	if err := o.Resume(ctx, "wf-crashed"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := o.Wait("wf-crashed"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if atomic.LoadInt32(&aRuns) != 0 {
		t.Error("A re-ran on resume despite its durable success")
	}
	if atomic.LoadInt32(&bSawDep) != 1 {
		t.Error("B did not see A's restored output")
	}

	state, _ := o.Status(ctx, "wf-crashed")
	if state.Status != store.WorkflowCompleted {
		t.Errorf("Status = %s, want completed", state.Status)
	}

	entries, _ := st.Entries(ctx, "wf-crashed")
	if countAction(entries, store.ActionWorkflowResumed, "") != 1 {
		t.Error("workflow_resumed entry missing")
	}
	if got := countAction(entries, store.ActionTaskStarted, "A"); got != 1 {
		t.Errorf("A started %d times across both sessions, want 1", got)
	}
}

// TestResumeKeepsFailedTasksFailed verifies a durably exhausted failure is
// not re-dispatched on resume: the failure stands, its dependents skip, and
// the defect surfaces at the gate rather than through invented retries.
func TestResumeKeepsFailedTasksFailed(t *testing.T) {
	st := memStore(t)
	ctx := context.Background()

	set := &registry.DefinitionSet{
		Name: "scarred",
		Definitions: []registry.Definition{
			{Name: "A"},
			{Name: "B", DependsOn: []string{"A"}},
			{Name: "side"},
		},
		Phases: []registry.Phase{{ID: "p1", TaskNames: []string{"A", "B", "side"}, GateRequired: true}},
	}
	if err := st.CreateWorkflow(ctx, &store.WorkflowRecord{
		ID: "wf-scarred", Name: set.Name, Definitions: set, SessionInputs: map[string]string{},
	}); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	script := []*store.Entry{
		{WorkflowID: "wf-scarred", Action: store.ActionWorkflowStarted},
		{WorkflowID: "wf-scarred", PhaseID: "p1", Action: store.ActionPhaseStarted},
		{WorkflowID: "wf-scarred", PhaseID: "p1", TaskName: "A", Action: store.ActionTaskStarted, Detail: store.TaskDetail{Attempt: 0}.Encode()},
		{WorkflowID: "wf-scarred", PhaseID: "p1", TaskName: "A", Action: store.ActionTaskFailed, Detail: store.TaskDetail{Attempt: 0, Error: "budget exhausted"}.Encode()},
	}
	for _, e := range script {
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var aRuns, bRuns, sideRuns int32
	bodies := map[string]contract.Body{
		"A":    countingBody(&aRuns, 0.9),
		"B":    countingBody(&bRuns, 0.9),
		"side": countingBody(&sideRuns, 0.9),
	}
	o := New(testConfig(), st, bodies)

	if err := o.Resume(ctx, "wf-scarred"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	var saw summaryCapture
	defer decideGates(t, o, "wf-scarred", func(s gate.Summary) gate.Decision {
		saw.set(s)
		return gate.Decision{Kind: gate.Approve, Actor: "reviewer"}
	})()

	if err := o.Wait("wf-scarred"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if atomic.LoadInt32(&aRuns) != 0 {
		t.Error("A re-ran on resume despite its durable terminal failure")
	}
	if atomic.LoadInt32(&bRuns) != 0 {
		t.Error("B ran despite its dependency's recorded failure")
	}
	if atomic.LoadInt32(&sideRuns) != 1 {
		t.Error("independent task did not run")
	}

	state, _ := o.Status(ctx, "wf-scarred")
	if state.Tasks["A"].Status != scheduler.RunFailed {
		t.Errorf("A = %+v, want failed", state.Tasks["A"])
	}
	if state.Tasks["B"].Status != scheduler.RunSkipped {
		t.Errorf("B = %+v, want skipped", state.Tasks["B"])
	}
	if got := saw.get(); got.Failures != 1 {
		t.Errorf("gate summary Failures = %d, want 1", got.Failures)
	}

	entries, _ := st.Entries(ctx, "wf-scarred")
	if got := countAction(entries, store.ActionTaskStarted, "A"); got != 1 {
		t.Errorf("A started %d times across both sessions, want 1", got)
	}
}

// TestResumeSkipsApprovedPhases verifies an approved phase is not re-run.
func TestResumeSkipsApprovedPhases(t *testing.T) {
	st := memStore(t)
	ctx := context.Background()

	set := twoPhaseSet()
	if err := st.CreateWorkflow(ctx, &store.WorkflowRecord{
		ID: "wf-mid", Name: set.Name, Definitions: set, SessionInputs: map[string]string{},
	}); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	outs := map[string]*contract.Output{}
	script := []*store.Entry{
		{WorkflowID: "wf-mid", Action: store.ActionWorkflowStarted},
		{WorkflowID: "wf-mid", PhaseID: "p1", Action: store.ActionPhaseStarted},
	}
	for _, name := range []string{"A", "B", "C"} {
		out := &contract.Output{Status: contract.StatusApprove, Confidence: 0.9}
		outs[name] = out
		script = append(script,
			&store.Entry{WorkflowID: "wf-mid", PhaseID: "p1", TaskName: name, Action: store.ActionTaskStarted, Detail: store.TaskDetail{Attempt: 0}.Encode()},
			&store.Entry{WorkflowID: "wf-mid", PhaseID: "p1", TaskName: name, Action: store.ActionTaskSucceeded, ContentHash: out.Hash(), Detail: store.TaskDetail{Attempt: 0, Confidence: 0.9}.Encode()},
		)
	}
	script = append(script,
		&store.Entry{WorkflowID: "wf-mid", PhaseID: "p1", Action: store.ActionGateAwaiting},
		&store.Entry{WorkflowID: "wf-mid", PhaseID: "p1", Actor: "reviewer", Action: store.ActionGateApproved},
	)
	for _, e := range script {
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	for name, out := range outs {
		if err := st.SaveOutput(ctx, "wf-mid", name, 0, out); err != nil {
			t.Fatalf("SaveOutput: %v", err)
		}
	}

	var p1Runs, dRuns int32
	bodies := map[string]contract.Body{
		"A": countingBody(&p1Runs, 0.9),
		"B": countingBody(&p1Runs, 0.9),
		"C": countingBody(&p1Runs, 0.9),
		"D": countingBody(&dRuns, 0.9),
	}
	o := New(testConfig(), st, bodies)

	if err := o.Resume(ctx, "wf-mid"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	defer approveEverything(t, o, "wf-mid")()

	if err := o.Wait("wf-mid"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if atomic.LoadInt32(&p1Runs) != 0 {
		t.Error("approved phase re-ran on resume")
	}
	if atomic.LoadInt32(&dRuns) != 1 {
		t.Errorf("D ran %d times, want 1", dRuns)
	}

	state, _ := o.Status(ctx, "wf-mid")
	if state.Status != store.WorkflowCompleted {
		t.Errorf("Status = %s", state.Status)
	}
}

// TestTriggerSpawnsTask verifies a low-confidence result enqueues the
// configured follow-up into the same phase, before the gate.
func TestTriggerSpawnsTask(t *testing.T) {
	st := memStore(t)
	var reviewRuns int32
	bodies := map[string]contract.Body{
		"analyze":        okBody(0.2), // below the rule's threshold
		"analyze-review": countingBody(&reviewRuns, 0.95),
	}
	rules := []trigger.Rule{{
		Name: "low-confidence-review",
		When: trigger.ConfidenceBelow(0.5),
		Spawn: func(run *scheduler.Run) registry.Definition {
			return registry.Definition{Name: run.TaskName + "-review"}
		},
	}}
	set := &registry.DefinitionSet{
		Name:        "triggered",
		Definitions: []registry.Definition{{Name: "analyze"}},
		Phases:      []registry.Phase{{ID: "p1", TaskNames: []string{"analyze"}, GateRequired: true}},
	}
	o := New(testConfig(), st, bodies, WithTriggerRules(rules))

	var saw summaryCapture
	id, err := o.Start(context.Background(), set, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer decideGates(t, o, id, func(s gate.Summary) gate.Decision {
		saw.set(s)
		return gate.Decision{Kind: gate.Approve, Actor: "reviewer"}
	})()

	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if atomic.LoadInt32(&reviewRuns) != 1 {
		t.Fatalf("spawned review ran %d times, want 1", reviewRuns)
	}
	if got := len(saw.get().Tasks); got != 2 {
		t.Errorf("gate summary listed %d tasks, want 2 (source + spawned)", got)
	}

	entries, _ := st.Entries(context.Background(), id)
	if countAction(entries, store.ActionTriggerFired, "") != 1 {
		t.Error("trigger_fired entry missing")
	}

	state, _ := o.Status(context.Background(), id)
	if ts := state.Tasks["analyze-review"]; ts == nil || ts.Status != scheduler.RunSucceeded {
		t.Errorf("analyze-review = %+v", ts)
	}
}

// TestResumeRunsSpawnedTask simulates a crash between a trigger firing and
// the spawned task completing: resume must re-admit the spawned definition
// from the trail and run it instead of finishing around a pending task.
func TestResumeRunsSpawnedTask(t *testing.T) {
	st := memStore(t)
	ctx := context.Background()

	set := &registry.DefinitionSet{
		Name:        "triggered",
		Definitions: []registry.Definition{{Name: "analyze"}},
		Phases:      []registry.Phase{{ID: "p1", TaskNames: []string{"analyze"}, GateRequired: false}},
	}
	if err := st.CreateWorkflow(ctx, &store.WorkflowRecord{
		ID: "wf-spawned", Name: set.Name, Definitions: set, SessionInputs: map[string]string{},
	}); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	aOut := &contract.Output{Status: contract.StatusApprove, Confidence: 0.2}
	spawnedDef := registry.Definition{Name: "analyze-review", DependsOn: []string{"analyze"}}
	script := []*store.Entry{
		{WorkflowID: "wf-spawned", Action: store.ActionWorkflowStarted},
		{WorkflowID: "wf-spawned", PhaseID: "p1", Action: store.ActionPhaseStarted},
		{WorkflowID: "wf-spawned", PhaseID: "p1", TaskName: "analyze", Action: store.ActionTaskStarted, Detail: store.TaskDetail{Attempt: 0}.Encode()},
		{WorkflowID: "wf-spawned", PhaseID: "p1", TaskName: "analyze", Action: store.ActionTaskSucceeded, ContentHash: aOut.Hash(), Detail: store.TaskDetail{Attempt: 0, Confidence: 0.2}.Encode()},
		{WorkflowID: "wf-spawned", PhaseID: "p1", TaskName: "analyze", Action: store.ActionTriggerFired, Detail: store.GateDetail{
			Comment: "low-confidence-review",
			Tasks:   []string{"analyze-review"},
			Spawned: []registry.Definition{spawnedDef},
		}.Encode()},
	}
	for _, e := range script {
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := st.SaveOutput(ctx, "wf-spawned", "analyze", 0, aOut); err != nil {
		t.Fatalf("SaveOutput: %v", err)
	}

	var analyzeRuns, reviewRuns int32
	bodies := map[string]contract.Body{
		"analyze":        countingBody(&analyzeRuns, 0.2),
		"analyze-review": countingBody(&reviewRuns, 0.95),
	}
	rules := []trigger.Rule{{
		Name: "low-confidence-review",
		When: trigger.ConfidenceBelow(0.5),
		Spawn: func(run *scheduler.Run) registry.Definition {
			return registry.Definition{Name: run.TaskName + "-review"}
		},
	}}
	o := New(testConfig(), st, bodies, WithTriggerRules(rules))

	if err := o.Resume(ctx, "wf-spawned"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := o.Wait("wf-spawned"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if atomic.LoadInt32(&analyzeRuns) != 0 {
		t.Error("analyze re-ran on resume despite its durable success")
	}
	if atomic.LoadInt32(&reviewRuns) != 1 {
		t.Fatalf("spawned review ran %d times after resume, want 1", reviewRuns)
	}

	state, _ := o.Status(ctx, "wf-spawned")
	if state.Status != store.WorkflowCompleted {
		t.Fatalf("Status = %s, want completed", state.Status)
	}
	if ts := state.Tasks["analyze-review"]; ts == nil || ts.Status != scheduler.RunSucceeded {
		t.Errorf("analyze-review = %+v, want succeeded; a spawned task must not stay pending", ts)
	}

	entries, _ := st.Entries(ctx, "wf-spawned")
	if got := countAction(entries, store.ActionTriggerFired, ""); got != 1 {
		t.Errorf("trigger_fired count = %d, want 1 (rule must not re-fire for an admitted task)", got)
	}
}

// TestStartRejectsBrokenDefinitions verifies structural validation happens
// before anything is persisted.
func TestStartRejectsBrokenDefinitions(t *testing.T) {
	st := memStore(t)
	o := New(testConfig(), st, nil)

	tests := []struct {
		name string
		set  *registry.DefinitionSet
	}{
		{
			name: "cycle",
			set: &registry.DefinitionSet{
				Name: "cyclic",
				Definitions: []registry.Definition{
					{Name: "A", DependsOn: []string{"B"}},
					{Name: "B", DependsOn: []string{"A"}},
				},
				Phases: []registry.Phase{{ID: "p1", TaskNames: []string{"A", "B"}}},
			},
		},
		{
			name: "missing dependency",
			set: &registry.DefinitionSet{
				Name:        "dangling",
				Definitions: []registry.Definition{{Name: "A", DependsOn: []string{"ghost"}}},
				Phases:      []registry.Phase{{ID: "p1", TaskNames: []string{"A"}}},
			},
		},
		{
			name: "task in no phase",
			set: &registry.DefinitionSet{
				Name:        "orphan",
				Definitions: []registry.Definition{{Name: "A"}, {Name: "B"}},
				Phases:      []registry.Phase{{ID: "p1", TaskNames: []string{"A"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Start(context.Background(), tt.set, nil); err == nil {
				t.Error("Start() accepted a broken definition set")
			}
		})
	}

	recs, err := st.ListWorkflows(context.Background())
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("broken sets persisted %d workflow records", len(recs))
	}
}

// TestCancelUnknownWorkflow verifies control calls on unknown IDs fail
// cleanly.
func TestCancelUnknownWorkflow(t *testing.T) {
	o := New(testConfig(), memStore(t), nil)

	if err := o.Cancel("nope"); err == nil {
		t.Error("Cancel(nope) succeeded")
	}
	if err := o.Wait("nope"); err == nil {
		t.Error("Wait(nope) succeeded")
	}
}
