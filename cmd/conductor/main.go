package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/registry"
	"github.com/aristath/conductor/internal/shell"
	"github.com/aristath/conductor/internal/store"
)

const usage = `usage: conductor <command> [arguments]

commands:
  run <workflow.yaml>   start a workflow and drive its gates interactively
  resume <workflow-id>  pick up an interrupted workflow where it stopped
  status <workflow-id>  show the replayed state of a workflow
  list                  list known workflows
  audit <workflow-id>   print the full audit trail
  verify <workflow-id>  re-hash recorded outputs against the audit trail

flags:
  -input key=value      session input (run only, repeatable)
  -actor name           name recorded for gate decisions (default: $USER)
`

type inputFlags map[string]string

func (f inputFlags) String() string { return "" }

func (f inputFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	f[k] = val
	return nil
}

func main() {
	inputs := inputFlags{}
	actor := flag.String("actor", os.Getenv("USER"), "name recorded for gate decisions")
	flag.Var(inputs, "input", "session input key=value (repeatable)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	// Signal-aware context so Ctrl+C cancels cooperatively and a second
	// Ctrl+C force-exits via default handling.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fatal("loading config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		fatal("creating database directory: %v", err)
	}
	st, err := store.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		fatal("opening store: %v", err)
	}
	defer st.Close()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "run":
		if len(args) != 1 {
			fatal("run: expected one workflow file")
		}
		err = runWorkflow(ctx, cfg, st, args[0], inputs, *actor)
	case "resume":
		if len(args) != 1 {
			fatal("resume: expected one workflow ID")
		}
		err = resumeWorkflow(ctx, cfg, st, args[0], *actor)
	case "status":
		if len(args) != 1 {
			fatal("status: expected one workflow ID")
		}
		err = showStatus(ctx, st, args[0])
	case "list":
		err = listWorkflows(ctx, st)
	case "audit":
		if len(args) != 1 {
			fatal("audit: expected one workflow ID")
		}
		err = showAudit(ctx, st, args[0])
	case "verify":
		if len(args) != 1 {
			fatal("verify: expected one workflow ID")
		}
		err = verifyOutputs(ctx, st, args[0])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "conductor: "+format+"\n", args...)
	os.Exit(1)
}

func runWorkflow(ctx context.Context, cfg *config.Config, st store.Store, path string, inputs map[string]string, actor string) error {
	set, err := registry.LoadFile(path, registry.Defaults{
		Mode:             registry.ModeAsync,
		Timeout:          cfg.DefaultTimeout(),
		MaxRetries:       cfg.DefaultMaxRetries,
		RetryBackoffBase: cfg.DefaultBackoffBase(),
	})
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	orch := orchestrator.New(cfg, st, shell.Bodies(set), orchestrator.WithBus(bus))
	gateCh := bus.Subscribe(events.TopicGate, 16)

	id, err := orch.Start(ctx, set, inputs)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s started (%s)\n", id, set.Name)

	return drive(ctx, orch, gateCh, id, actor)
}

func resumeWorkflow(ctx context.Context, cfg *config.Config, st store.Store, id, actor string) error {
	rec, err := st.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()

	orch := orchestrator.New(cfg, st, shell.Bodies(rec.Definitions), orchestrator.WithBus(bus))
	gateCh := bus.Subscribe(events.TopicGate, 16)

	if err := orch.Resume(ctx, id); err != nil {
		return err
	}
	fmt.Printf("workflow %s resumed (%s)\n", id, rec.Name)

	return drive(ctx, orch, gateCh, id, actor)
}

// drive runs the interactive loop: print task progress, answer gates from
// stdin, cancel on signal, and exit when the workflow reaches a terminal
// state.
func drive(ctx context.Context, orch *orchestrator.Orchestrator, gateCh <-chan events.Event, id, actor string) error {
	done := make(chan error, 1)
	go func() { done <- orch.Wait(id) }()

	stdin := bufio.NewScanner(os.Stdin)
	cancelled := false

	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				fmt.Fprintln(os.Stderr, "cancelling, waiting for running tasks...")
				orch.Cancel(id)
				cancelled = true
			}
		case ev := <-gateCh:
			aw, ok := ev.(events.GateAwaitingEvent)
			if !ok {
				continue
			}
			printSummary(aw.Summary)
			if sum, pending := orch.PendingGate(id); pending {
				dec := promptDecision(stdin, actor)
				if err := orch.SubmitGateDecision(id, sum.PhaseID, dec); err != nil {
					fmt.Fprintf(os.Stderr, "gate decision rejected: %v\n", err)
				}
			}
		case err := <-done:
			if err != nil {
				return err
			}
			st, serr := orch.Status(context.Background(), id)
			if serr != nil {
				return serr
			}
			fmt.Printf("workflow %s: %s\n", id, st.Status)
			return nil
		}
	}
}

func printSummary(sum gate.Summary) {
	fmt.Printf("\n=== gate: phase %s (workflow %s) ===\n", sum.PhaseID, sum.WorkflowID)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tATTEMPTS\tCONFIDENCE\tNOTES")
	for _, t := range sum.Tasks {
		mark := ""
		if t.LowConfidence {
			mark = " (low)"
		}
		notes := t.Notes
		if t.Error != "" {
			notes = t.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f%s\t%s\n", t.TaskName, t.Status, t.Attempts, t.Confidence, mark, notes)
	}
	w.Flush()
	if sum.Failures > 0 || sum.LowMarks > 0 {
		fmt.Printf("%d failed, %d low-confidence\n", sum.Failures, sum.LowMarks)
	}
}

func promptDecision(stdin *bufio.Scanner, actor string) gate.Decision {
	for {
		fmt.Print("decision [approve/reject/retry] comment? > ")
		if !stdin.Scan() {
			// stdin closed: reject rather than hang the gate forever.
			return gate.Decision{Kind: gate.Reject, Actor: actor, Comment: "stdin closed"}
		}
		kind, comment, _ := strings.Cut(strings.TrimSpace(stdin.Text()), " ")
		switch kind {
		case "approve", "a":
			return gate.Decision{Kind: gate.Approve, Actor: actor, Comment: comment}
		case "reject", "r":
			return gate.Decision{Kind: gate.Reject, Actor: actor, Comment: comment}
		case "retry":
			return gate.Decision{Kind: gate.EditRetry, Actor: actor, Comment: comment, EditedInputs: promptEdits(stdin)}
		default:
			fmt.Fprintf(os.Stderr, "unknown decision %q\n", kind)
		}
	}
}

func promptEdits(stdin *bufio.Scanner) map[string]string {
	edits := make(map[string]string)
	fmt.Println("edited inputs, one key=value per line, empty line to finish:")
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			return edits
		}
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			return edits
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "expected key=value, got %q\n", line)
			continue
		}
		edits[k] = v
	}
}

func showStatus(ctx context.Context, st store.Store, id string) error {
	state, err := st.CurrentState(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s\n", state.WorkflowID)
	fmt.Printf("  status: %s\n", state.Status)
	if state.CurrentPhaseID != "" {
		fmt.Printf("  phase:  %s (%s)\n", state.CurrentPhaseID, state.PhaseStatus)
	}

	names := make([]string, 0, len(state.Tasks))
	for name := range state.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  TASK\tSTATUS\tATTEMPTS\tCONFIDENCE")
	for _, name := range names {
		ts := state.Tasks[name]
		mark := ""
		if ts.LowConfidence {
			mark = " (low)"
		}
		fmt.Fprintf(w, "  %s\t%s\t%d\t%.2f%s\n", name, ts.Status, ts.Attempts, ts.Confidence, mark)
	}
	return w.Flush()
}

func listWorkflows(ctx context.Context, st store.Store) error {
	recs, err := st.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, rec.Name, rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func showAudit(ctx context.Context, st store.Store, id string) error {
	entries, err := st.Entries(ctx, id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tAT\tACTOR\tPHASE\tTASK\tACTION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.At.Format("15:04:05"), e.Actor, e.PhaseID, e.TaskName, e.Action, e.Detail)
	}
	return w.Flush()
}

func verifyOutputs(ctx context.Context, st store.Store, id string) error {
	tampered, err := st.VerifyOutputs(ctx, id)
	if err != nil {
		return err
	}
	if len(tampered) == 0 {
		fmt.Println("all recorded outputs match their audit hashes")
		return nil
	}
	for _, name := range tampered {
		fmt.Printf("MISMATCH: %s\n", name)
	}
	return fmt.Errorf("%d output(s) do not match the audit trail", len(tampered))
}
