package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/aristath/conductor/internal/contract"
	"github.com/aristath/conductor/internal/registry"
)

// Body wraps a shell command as a task body. The command runs under
// "sh -c" with the workflow ID, task name, and session inputs exported in
// the environment. If the command prints a JSON-encoded output document on
// stdout it is used verbatim; plain text stdout becomes an approve output
// with the text in the payload.
func Body(command string) contract.Body {
	return contract.BodyFunc(func(ctx context.Context, fc *contract.FilteredContext) (*contract.Output, error) {
		cmd := newCommand(ctx, command)
		cmd.Env = environ(fc)

		stdout, stderr, err := run(cmd)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", command, err)
		}
		_ = stderr

		return parseOutput(stdout), nil
	})
}

// Bodies builds the body map for every definition in the set that declares
// a command. Tasks without a command are left to code-registered bodies.
func Bodies(set *registry.DefinitionSet) map[string]contract.Body {
	bodies := make(map[string]contract.Body)
	for _, def := range set.Definitions {
		if def.Command != "" {
			bodies[def.Name] = Body(def.Command)
		}
	}
	return bodies
}

// newCommand creates the sh invocation with process group isolation so a
// cancelled task can't leave orphaned children behind the shell.
func newCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	return cmd
}

// environ exports the task's filtered view on top of the parent environment,
// so commands keep PATH, HOME and friends.
func environ(fc *contract.FilteredContext) []string {
	env := append(os.Environ(),
		"CONDUCTOR_WORKFLOW_ID="+fc.WorkflowID(),
		"CONDUCTOR_TASK="+fc.TaskName(),
	)
	for k, v := range fc.Inputs() {
		env = append(env, "CONDUCTOR_INPUT_"+strings.ToUpper(k)+"="+v)
	}
	return env
}

// run starts the command and drains both pipes concurrently before Wait,
// so output larger than the pipe buffer can't deadlock the subprocess.
func run(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("%w (stderr: %s)", waitErr, strings.TrimSpace(string(stderr)))
		}
		return stdout, stderr, waitErr
	}
	return stdout, stderr, nil
}

// parseOutput interprets the command's stdout. A JSON document with a
// status field is taken as the task's own output; anything else is treated
// as a plain successful result.
func parseOutput(stdout []byte) *contract.Output {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var out contract.Output
		if err := json.Unmarshal(trimmed, &out); err == nil && out.Status != "" {
			return &out
		}
	}
	out := &contract.Output{
		Status:     contract.StatusApprove,
		Confidence: 1.0,
	}
	if len(trimmed) > 0 {
		out.Payload = map[string]any{"stdout": string(trimmed)}
	}
	return out
}
