package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	iexec "github.com/ShayCichocki/waveledger/internal/exec"
	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/internal/logger"
	"github.com/ShayCichocki/waveledger/internal/metrics"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// Resolution is the result of an unblock attempt.
type Resolution string

const (
	// Resolved means the blocker is gone and the task is back in todo.
	Resolved Resolution = "resolved"
	// StillBlocked means the check did not clear the blocker.
	StillBlocked Resolution = "still_blocked"
)

// BlockerCheck decides whether a blocked task's blocker has been removed.
// detail is recorded in the task notes either way.
type BlockerCheck interface {
	Check(ctx context.Context, task *models.Task) (resolved bool, detail string, err error)
}

// ManualCheck is an operator's decision.
type ManualCheck struct {
	Resolved bool
	Note     string
}

// Check implements BlockerCheck.
func (m ManualCheck) Check(context.Context, *models.Task) (bool, string, error) {
	note := m.Note
	if note == "" {
		if m.Resolved {
			note = "resolved by operator"
		} else {
			note = "operator confirmed the blocker remains"
		}
	}
	return m.Resolved, note, nil
}

// CommandCheck runs a shell command with the task in its environment. Exit
// status 0 means the blocker is resolved.
type CommandCheck struct {
	Command string
	Dir     string
	Timeout time.Duration
	Runner  iexec.CommandRunner
}

// Check implements BlockerCheck.
func (c CommandCheck) Check(ctx context.Context, task *models.Task) (bool, string, error) {
	runner := c.Runner
	if runner == nil {
		runner = iexec.NewRunner()
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	res, err := runner.RunShell(ctx, iexec.Command{
		Script: c.Command,
		Dir:    c.Dir,
		Env:    TaskEnv(task, ""),
	})
	if err != nil {
		return false, "", fmt.Errorf("blocker check for task %d: %w", task.ID, err)
	}
	detail := fmt.Sprintf("check %q exited %d", c.Command, res.ExitCode)
	if out := tail(strings.TrimSpace(string(res.Output)), maxNotesOutput); out != "" {
		detail += ": " + out
	}
	return res.ExitCode == 0, detail, nil
}

// Resolver handles blocked tasks: listing, unblocking and escalation.
type Resolver struct {
	store   *ledger.Store
	metrics *metrics.Metrics
	events  *EventEmitter
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverMetrics counts escalations.
func WithResolverMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithResolverEvents emits escalation and unblock events.
func WithResolverEvents(e *EventEmitter) ResolverOption {
	return func(r *Resolver) { r.events = e }
}

// NewResolver creates a Resolver over store.
func NewResolver(store *ledger.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListBlocked returns every blocked task in ID order.
func (r *Resolver) ListBlocked(ctx context.Context) ([]*models.Task, error) {
	return ledger.Collect(r.store.List(ctx, ledger.Filter{
		Statuses: []models.TaskStatus{models.TaskStatusBlocked},
	}))
}

func requireBlocked(t *models.Task) error {
	if t.Status != models.TaskStatusBlocked {
		return &ledger.InvalidTransitionError{ID: t.ID, From: t.Status, To: models.TaskStatusTodo, Hint: "task is not blocked"}
	}
	return nil
}

// AttemptUnblock runs check against a blocked task. When the blocker is
// resolved the task returns to todo, unowned and no longer escalated, so any
// worker can claim it again.
func (r *Resolver) AttemptUnblock(ctx context.Context, id int64, check BlockerCheck) (Resolution, *models.Task, error) {
	task, err := r.store.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if err := requireBlocked(task); err != nil {
		return "", nil, err
	}

	resolved, detail, err := check.Check(ctx, task)
	if err != nil {
		return "", nil, err
	}

	log := logger.G(ctx).WithField("task_id", id)
	if !resolved {
		updated, err := r.store.AppendNote(ctx, id, "still blocked: "+detail)
		if err != nil {
			return "", nil, err
		}
		log.Info("blocker remains")
		return StillBlocked, updated, nil
	}

	updated, err := r.store.UpdateWithRetry(ctx, id, func(t *models.Task) error {
		if err := requireBlocked(t); err != nil {
			return err
		}
		t.Status = models.TaskStatusTodo
		t.Notes = appendLine(t.Notes, "unblocked: "+detail)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	log.Info("task unblocked")
	r.events.Emit(Event{
		Type:      EventTaskUnblocked,
		TaskID:    id,
		TaskTitle: updated.Title,
		Status:    updated.Status,
		Message:   detail,
	})
	return Resolved, updated, nil
}

// Escalate flags a blocked task for operator attention. The task stays
// blocked; nothing is cancelled or reassigned.
// Escalating an already escalated task is a no-op.
func (r *Resolver) Escalate(ctx context.Context, id int64, reason string) (*models.Task, error) {
	task, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireBlocked(task); err != nil {
		return nil, err
	}
	if task.Escalated {
		return task, nil
	}

	if reason == "" {
		reason = "needs operator attention"
	}
	note := "escalated: " + reason
	if task.BlockedAt != nil {
		note = fmt.Sprintf("escalated: %s (blocked since %s)", reason, task.BlockedAt.Format(time.RFC3339))
	}

	updated, err := r.store.UpdateWithRetry(ctx, id, func(t *models.Task) error {
		if err := requireBlocked(t); err != nil {
			return err
		}
		t.Escalated = true
		t.Notes = appendLine(t.Notes, note)
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.metrics.Escalated()
	logger.G(ctx).WithField("task_id", id).Warn("blocked task escalated")
	r.events.Emit(Event{
		Type:      EventTaskEscalated,
		TaskID:    id,
		TaskTitle: updated.Title,
		Status:    updated.Status,
		Message:   reason,
	})
	return updated, nil
}

// Sweep escalates every blocked task that entered blocked at or before
// cutoff and is not yet escalated. The scheduler passes the opening time of
// the wave that just closed, so a task is escalated once it has stayed
// blocked for a whole wave cycle.
func (r *Resolver) Sweep(ctx context.Context, cutoff time.Time) ([]*models.Task, error) {
	blocked, err := r.ListBlocked(ctx)
	if err != nil {
		return nil, err
	}

	var escalated []*models.Task
	for _, t := range blocked {
		if t.Escalated || t.BlockedAt == nil || t.BlockedAt.After(cutoff) {
			continue
		}
		updated, err := r.Escalate(ctx, t.ID, "blocked for a full wave cycle")
		var inv *ledger.InvalidTransitionError
		if errors.As(err, &inv) {
			// Unblocked since the list was read.
			continue
		}
		if err != nil {
			return escalated, err
		}
		escalated = append(escalated, updated)
	}
	return escalated, nil
}

// Impact returns the IDs of open tasks that transitively wait on id.
func (r *Resolver) Impact(ctx context.Context, id int64) ([]int64, error) {
	if _, err := r.store.Get(ctx, id); err != nil {
		return nil, err
	}
	g, err := graph.Load(ctx, r.store)
	if err != nil {
		return nil, err
	}

	seen := map[int64]bool{id: true}
	queue := []int64{id}
	var out []int64
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.Dependents(cur) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	slices.Sort(out)
	return out, nil
}

func appendLine(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
