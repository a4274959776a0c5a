package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/internal/lock"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

func newStore(t *testing.T, opts ...ledger.Option) *ledger.Store {
	t.Helper()
	s, err := ledger.Open(context.Background(), ledger.DriverPureGo, filepath.Join(t.TempDir(), "ledger.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func create(t *testing.T, s *ledger.Store, title string, deps ...int64) *models.Task {
	t.Helper()
	task, err := s.Create(context.Background(), models.TaskDraft{Title: title, Dependencies: deps})
	require.NoError(t, err)
	return task
}

func get(t *testing.T, s *ledger.Store, id int64) *models.Task {
	t.Helper()
	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

// block claims a todo task and releases it as blocked.
func block(t *testing.T, s *ledger.Store, id int64, notes string) *models.Task {
	t.Helper()
	ctx := context.Background()
	_, err := s.ClaimTodo(ctx, id, "w-block", 0)
	require.NoError(t, err)
	task, err := s.TransitionOwned(ctx, id, "w-block", models.TaskStatusBlocked, notes, 0)
	require.NoError(t, err)
	return task
}

func newScheduler(t *testing.T, s *ledger.Store, exec Executor, opts ...Option) *Scheduler {
	t.Helper()
	base := []Option{
		WithPollInterval(10 * time.Millisecond),
		WithEventBuffer(4096, 0),
	}
	return NewScheduler(s, lock.New(s), exec, append(base, opts...)...)
}

func runScheduler(t *testing.T, sched *Scheduler) (*RunResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return sched.Run(ctx)
}

// drainEvents closes the scheduler's event stream and returns what it held.
func drainEvents(sched *Scheduler) []Event {
	sched.Close()
	var out []Event
	for ev := range sched.Events() {
		out = append(out, ev)
	}
	return out
}

// recorder is an executor that records the order tasks start in and how
// many run at once. outcome decides each task's result; nil means done.
type recorder struct {
	mu      sync.Mutex
	started []int64
	current int
	peak    int
	outcome func(task *models.Task) (Outcome, error)
	gate    chan struct{}
}

func (r *recorder) Execute(ctx context.Context, task *models.Task, worker string) (Outcome, error) {
	r.mu.Lock()
	r.started = append(r.started, task.ID)
	r.current++
	r.peak = max(r.peak, r.current)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.current--
		r.mu.Unlock()
	}()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	if r.outcome != nil {
		return r.outcome(task)
	}
	return Outcome{Status: models.TaskStatusDone}, nil
}

func (r *recorder) order() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.started...)
}

func (r *recorder) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func waveMembers(res *RunResult) [][]int64 {
	var out [][]int64
	for _, w := range res.Waves {
		out = append(out, w.Members)
	}
	return out
}
