package orchestrator

import (
	"context"
	"fmt"
	"strings"

	iexec "github.com/ShayCichocki/waveledger/internal/exec"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// ExitInReview is the exit status a shell worker uses to hand its task to
// review instead of finishing it (EX_TEMPFAIL).
const ExitInReview = 75

// maxNotesOutput bounds how much command output is kept in task notes.
const maxNotesOutput = 4096

// Outcome is what an executor reports for a claimed task.
type Outcome struct {
	// Status is the status the task is released to: done, blocked, in_review,
	// cancelled, or todo to give the task back.
	Status models.TaskStatus
	// Notes is appended to the task. Required when Status is blocked.
	Notes string
}

// Executor performs the work of a claimed task. Execute is called in its own
// goroutine after the claim is committed. An error is treated as a blocker.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, worker string) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *models.Task, worker string) (Outcome, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *models.Task, worker string) (Outcome, error) {
	return f(ctx, task, worker)
}

// ShellExecutor runs a shell command per task. The task is described to the
// command through WAVELEDGER_* environment variables. Exit status 0 means
// done, ExitInReview means in review, anything else is a blocker whose output
// becomes the task notes.
type ShellExecutor struct {
	Command string
	Dir     string
	Runner  iexec.CommandRunner
	// Env is added to every invocation, e.g. the ledger path.
	Env []string
}

// NewShellExecutor creates a ShellExecutor backed by os/exec.
func NewShellExecutor(command, dir string, env ...string) *ShellExecutor {
	return &ShellExecutor{Command: command, Dir: dir, Runner: iexec.NewRunner(), Env: env}
}

// TaskEnv describes a task as environment variables.
func TaskEnv(task *models.Task, worker string) []string {
	deps := make([]string, len(task.Dependencies))
	for i, d := range task.Dependencies {
		deps[i] = fmt.Sprintf("%d", d)
	}
	return []string{
		fmt.Sprintf("WAVELEDGER_TASK_ID=%d", task.ID),
		"WAVELEDGER_TASK_TITLE=" + task.Title,
		"WAVELEDGER_TASK_DESCRIPTION=" + task.Description,
		"WAVELEDGER_TASK_STATUS=" + string(task.Status),
		"WAVELEDGER_TASK_DIFFICULTY=" + string(task.Difficulty),
		"WAVELEDGER_TASK_DEPENDENCIES=" + strings.Join(deps, ","),
		"WAVELEDGER_WORKER=" + worker,
	}
}

// Execute implements Executor.
func (e *ShellExecutor) Execute(ctx context.Context, task *models.Task, worker string) (Outcome, error) {
	res, err := e.Runner.RunShell(ctx, iexec.Command{
		Script: e.Command,
		Dir:    e.Dir,
		Env:    append(append([]string{}, e.Env...), TaskEnv(task, worker)...),
	})
	if err != nil {
		return Outcome{}, err
	}

	output := tail(strings.TrimSpace(string(res.Output)), maxNotesOutput)
	switch res.ExitCode {
	case 0:
		return Outcome{Status: models.TaskStatusDone, Notes: output}, nil
	case ExitInReview:
		return Outcome{Status: models.TaskStatusInReview, Notes: output}, nil
	default:
		notes := fmt.Sprintf("command exited with status %d", res.ExitCode)
		if output != "" {
			notes += ":\n" + output
		}
		return Outcome{Status: models.TaskStatusBlocked, Notes: notes}, nil
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// normalizeOutcome turns whatever the executor returned into a release the
// ledger accepts.
func normalizeOutcome(ctx context.Context, out Outcome, err error) Outcome {
	if ctx.Err() != nil {
		return Outcome{Status: models.TaskStatusTodo, Notes: "interrupted: " + ctx.Err().Error()}
	}
	if err != nil {
		return Outcome{Status: models.TaskStatusBlocked, Notes: "executor failed: " + err.Error()}
	}
	switch out.Status {
	case models.TaskStatusDone, models.TaskStatusInReview, models.TaskStatusCancelled, models.TaskStatusTodo:
		return out
	case models.TaskStatusBlocked:
		if strings.TrimSpace(out.Notes) == "" {
			out.Notes = "executor reported a blocker without details"
		}
		return out
	default:
		return Outcome{
			Status: models.TaskStatusBlocked,
			Notes:  fmt.Sprintf("executor returned unusable status %q; %s", out.Status, out.Notes),
		}
	}
}
