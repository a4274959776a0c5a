package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iexec "github.com/ShayCichocki/waveledger/internal/exec"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

func TestShellExecutorOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		result    *iexec.Result
		want      models.TaskStatus
		wantNotes string
	}{
		{"success", &iexec.Result{Output: []byte("built\n")}, models.TaskStatusDone, "built"},
		{"review", &iexec.Result{Output: []byte("PR #12"), ExitCode: ExitInReview}, models.TaskStatusInReview, "PR #12"},
		{"failure", &iexec.Result{Output: []byte("tests failed"), ExitCode: 2}, models.TaskStatusBlocked, "command exited with status 2:\ntests failed"},
		{"silent failure", &iexec.Result{ExitCode: 1}, models.TaskStatusBlocked, "command exited with status 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{result: tt.result}
			e := &ShellExecutor{Command: "make", Dir: "/src", Runner: runner, Env: []string{"WAVELEDGER_DB=/tmp/x.db"}}
			task := &models.Task{ID: 7, Title: "build", Status: models.TaskStatusInProgress, Dependencies: []int64{2, 5}, Difficulty: models.DifficultyHard}

			out, err := e.Execute(context.Background(), task, "wl-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, tt.wantNotes, out.Notes)

			require.Len(t, runner.got, 1)
			cmd := runner.got[0]
			assert.Equal(t, "make", cmd.Script)
			assert.Equal(t, "/src", cmd.Dir)
			assert.Contains(t, cmd.Env, "WAVELEDGER_DB=/tmp/x.db")
			assert.Contains(t, cmd.Env, "WAVELEDGER_TASK_ID=7")
			assert.Contains(t, cmd.Env, "WAVELEDGER_TASK_DEPENDENCIES=2,5")
			assert.Contains(t, cmd.Env, "WAVELEDGER_TASK_DIFFICULTY=hard")
			assert.Contains(t, cmd.Env, "WAVELEDGER_WORKER=wl-1")
		})
	}
}

func TestShellExecutorRunnerError(t *testing.T) {
	e := &ShellExecutor{Command: "make", Runner: &stubRunner{err: errors.New("sh: not found")}}
	_, err := e.Execute(context.Background(), &models.Task{ID: 1}, "wl-1")
	assert.Error(t, err)
}

func TestShellExecutorRealShell(t *testing.T) {
	e := NewShellExecutor(`echo "$WAVELEDGER_TASK_TITLE"; exit 75`, t.TempDir())
	out, err := e.Execute(context.Background(), &models.Task{ID: 3, Title: "ship it"}, "wl-9")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInReview, out.Status)
	assert.Equal(t, "ship it", out.Notes)
}

func TestTailKeepsEnd(t *testing.T) {
	long := strings.Repeat("a", maxNotesOutput) + "END"
	got := tail(long, maxNotesOutput)
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.True(t, strings.HasSuffix(got, "END"))
	assert.Len(t, got, maxNotesOutput+3)
	assert.Equal(t, "short", tail("short", maxNotesOutput))
}

func TestNormalizeOutcome(t *testing.T) {
	ctx := context.Background()

	out := normalizeOutcome(ctx, Outcome{Status: models.TaskStatusDone, Notes: "ok"}, nil)
	assert.Equal(t, Outcome{Status: models.TaskStatusDone, Notes: "ok"}, out)

	out = normalizeOutcome(ctx, Outcome{Status: models.TaskStatusBlocked}, nil)
	assert.Equal(t, models.TaskStatusBlocked, out.Status)
	assert.NotEmpty(t, out.Notes)

	out = normalizeOutcome(ctx, Outcome{}, errors.New("crashed"))
	assert.Equal(t, models.TaskStatusBlocked, out.Status)
	assert.Equal(t, "executor failed: crashed", out.Notes)

	out = normalizeOutcome(ctx, Outcome{Status: models.TaskStatusInProgress}, nil)
	assert.Equal(t, models.TaskStatusBlocked, out.Status)
	assert.Contains(t, out.Notes, "unusable status")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	out = normalizeOutcome(cancelled, Outcome{Status: models.TaskStatusDone}, nil)
	assert.Equal(t, models.TaskStatusTodo, out.Status)
	assert.Equal(t, "interrupted: context canceled", out.Notes)
}
