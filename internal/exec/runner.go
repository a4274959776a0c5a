package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	// Shell defaults to "sh".
	Shell string
}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{Shell: "sh"}
}

// RunShell executes cmd.Script through "<shell> -c".
func (r *ExecRunner) RunShell(ctx context.Context, cmd Command) (*Result, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	c := exec.CommandContext(ctx, shell, "-c", cmd.Script)
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	out, err := c.CombinedOutput()
	if ctx.Err() != nil {
		return &Result{Output: out, ExitCode: -1}, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &Result{Output: out, ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", cmd.Script, err)
	}
	return &Result{Output: out}, nil
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
