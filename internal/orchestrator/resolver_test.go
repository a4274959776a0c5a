package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iexec "github.com/ShayCichocki/waveledger/internal/exec"
	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/internal/metrics"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// manualClock is a settable time source.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// stubRunner answers every command with a fixed result.
type stubRunner struct {
	result *iexec.Result
	err    error
	got    []iexec.Command
}

func (r *stubRunner) RunShell(_ context.Context, cmd iexec.Command) (*iexec.Result, error) {
	r.got = append(r.got, cmd)
	return r.result, r.err
}

func TestListBlocked(t *testing.T) {
	s := newStore(t)
	a := create(t, s, "a")
	create(t, s, "b")
	c := create(t, s, "c")
	block(t, s, c.ID, "no access")
	block(t, s, a.ID, "no budget")

	blocked, err := NewResolver(s).ListBlocked(context.Background())
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	assert.Equal(t, a.ID, blocked[0].ID)
	assert.Equal(t, c.ID, blocked[1].ID)
	assert.Equal(t, "w-block", blocked[0].Owner)
}

func TestAttemptUnblockResolved(t *testing.T) {
	s := newStore(t)
	a := create(t, s, "a")
	block(t, s, a.ID, "no access")

	events := NewEventEmitter(16, 0)
	r := NewResolver(s, WithResolverEvents(events))
	_, err := r.Escalate(context.Background(), a.ID, "")
	require.NoError(t, err)

	res, task, err := r.AttemptUnblock(context.Background(), a.ID, ManualCheck{Resolved: true})
	require.NoError(t, err)
	assert.Equal(t, Resolved, res)
	assert.Equal(t, models.TaskStatusTodo, task.Status)
	assert.Empty(t, task.Owner)
	assert.False(t, task.Escalated)
	assert.Nil(t, task.BlockedAt)
	assert.Contains(t, task.Notes, "unblocked: resolved by operator")

	events.Close()
	var types []EventType
	for ev := range events.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventTaskEscalated, EventTaskUnblocked}, types)

	// Claimable again.
	_, err = s.ClaimTodo(context.Background(), a.ID, "w2", 0)
	assert.NoError(t, err)
}

func TestAttemptUnblockStillBlocked(t *testing.T) {
	s := newStore(t)
	a := create(t, s, "a")
	blocked := block(t, s, a.ID, "no access")

	res, task, err := NewResolver(s).AttemptUnblock(context.Background(), a.ID, ManualCheck{Note: "ticket still open"})
	require.NoError(t, err)
	assert.Equal(t, StillBlocked, res)
	assert.Equal(t, models.TaskStatusBlocked, task.Status)
	assert.Contains(t, task.Notes, "still blocked: ticket still open")
	require.NotNil(t, task.BlockedAt)
	assert.True(t, blocked.BlockedAt.Equal(*task.BlockedAt), "a failed attempt keeps the blocked time")
}

func TestAttemptUnblockRequiresBlocked(t *testing.T) {
	s := newStore(t)
	a := create(t, s, "a")

	_, _, err := NewResolver(s).AttemptUnblock(context.Background(), a.ID, ManualCheck{Resolved: true})
	var inv *ledger.InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, models.TaskStatusTodo, get(t, s, a.ID).Status)

	_, _, err = NewResolver(s).AttemptUnblock(context.Background(), 999, ManualCheck{Resolved: true})
	assert.True(t, ledger.IsNotFound(err))
}

func TestCommandCheck(t *testing.T) {
	tests := []struct {
		name     string
		runner   *stubRunner
		want     Resolution
		wantErr  bool
		wantNote string
	}{
		{
			name:     "exit zero resolves",
			runner:   &stubRunner{result: &iexec.Result{Output: []byte("service up\n")}},
			want:     Resolved,
			wantNote: `unblocked: check "probe" exited 0: service up`,
		},
		{
			name:     "non-zero keeps blocked",
			runner:   &stubRunner{result: &iexec.Result{Output: []byte("503"), ExitCode: 1}},
			want:     StillBlocked,
			wantNote: `still blocked: check "probe" exited 1: 503`,
		},
		{
			name:    "runner failure",
			runner:  &stubRunner{err: errors.New("no shell")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			a := create(t, s, "a")
			block(t, s, a.ID, "service down")

			check := CommandCheck{Command: "probe", Timeout: time.Second, Runner: tt.runner}
			res, task, err := NewResolver(s).AttemptUnblock(context.Background(), a.ID, check)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, models.TaskStatusBlocked, get(t, s, a.ID).Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
			assert.Contains(t, task.Notes, tt.wantNote)

			require.Len(t, tt.runner.got, 1)
			assert.Contains(t, tt.runner.got[0].Env, "WAVELEDGER_TASK_ID=1")
		})
	}
}

func TestEscalate(t *testing.T) {
	s := newStore(t)
	a := create(t, s, "a")
	b := create(t, s, "b", a.ID)
	block(t, s, a.ID, "vendor outage")

	m := metrics.New()
	r := NewResolver(s, WithResolverMetrics(m))

	task, err := r.Escalate(context.Background(), a.ID, "vendor down")
	require.NoError(t, err)
	assert.True(t, task.Escalated)
	assert.Equal(t, models.TaskStatusBlocked, task.Status)
	assert.Equal(t, "w-block", task.Owner)
	assert.Contains(t, task.Notes, "escalated: vendor down (blocked since ")

	again, err := r.Escalate(context.Background(), a.ID, "vendor down")
	require.NoError(t, err)
	assert.Equal(t, task.Notes, again.Notes)
	assert.True(t, task.UpdatedAt.Equal(again.UpdatedAt))

	escalated, err := ledger.Collect(s.List(context.Background(), ledger.Filter{EscalatedOnly: true}))
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, a.ID, escalated[0].ID)

	// Nothing else was touched.
	assert.Equal(t, models.TaskStatusTodo, get(t, s, b.ID).Status)

	_, err = r.Escalate(context.Background(), b.ID, "")
	var inv *ledger.InvalidTransitionError
	assert.ErrorAs(t, err, &inv)
}

func TestReblockingClearsEscalation(t *testing.T) {
	s := newStore(t)
	a := create(t, s, "a")
	block(t, s, a.ID, "first")
	r := NewResolver(s)

	_, err := r.Escalate(context.Background(), a.ID, "")
	require.NoError(t, err)
	_, _, err = r.AttemptUnblock(context.Background(), a.ID, ManualCheck{Resolved: true})
	require.NoError(t, err)

	again := block(t, s, a.ID, "second")
	assert.False(t, again.Escalated)
	assert.NotNil(t, again.BlockedAt)
}

func TestSweepEscalatesByBlockedTime(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &manualClock{now: t0}
	s := newStore(t, ledger.WithClock(clock.Now))

	a := create(t, s, "a")
	b := create(t, s, "b")
	block(t, s, a.ID, "early")
	clock.Set(t0.Add(time.Hour))
	block(t, s, b.ID, "late")

	r := NewResolver(s)
	swept, err := r.Sweep(context.Background(), t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, a.ID, swept[0].ID)
	assert.Contains(t, swept[0].Notes, "blocked for a full wave cycle")
	assert.False(t, get(t, s, b.ID).Escalated)

	// Already escalated tasks are skipped.
	swept, err = r.Sweep(context.Background(), t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, b.ID, swept[0].ID)

	swept, err = r.Sweep(context.Background(), t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestImpact(t *testing.T) {
	s := newStore(t)
	a := create(t, s, "a")
	b := create(t, s, "b", a.ID)
	c := create(t, s, "c", b.ID)
	create(t, s, "d")
	e := create(t, s, "e", a.ID, c.ID)

	ids, err := NewResolver(s).Impact(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID, c.ID, e.ID}, ids)

	ids, err = NewResolver(s).Impact(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
