// Package lock implements task ownership on top of the ledger. Every
// operation is one conditional ledger write, so ownership holds across
// processes without any lock service: a claim succeeds for exactly one
// worker and only the owner can move a claimed task on.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/internal/logger"
	"github.com/ShayCichocki/waveledger/internal/metrics"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// DefaultMaxInProgress is the system-wide cap on in-progress tasks.
const DefaultMaxInProgress = 3

// Option configures a Manager.
type Option func(*Manager)

// WithMaxInProgress sets the global cap checked inside every claim. Zero or
// a negative value disables the cap.
func WithMaxInProgress(n int) Option {
	return func(m *Manager) { m.maxInProgress = n }
}

// WithMetrics records claim and release outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager claims and releases tasks.
type Manager struct {
	store         *ledger.Store
	maxInProgress int
	metrics       *metrics.Metrics
	now           func() time.Time

	mu        sync.Mutex
	claimedAt map[int64]time.Time
}

// New creates a Manager over store.
func New(store *ledger.Store, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		maxInProgress: DefaultMaxInProgress,
		now:           time.Now,
		claimedAt:     make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxInProgress returns the configured cap.
func (m *Manager) MaxInProgress() int {
	return m.maxInProgress
}

// Claim takes ownership of a todo task for worker. It fails with
// *ledger.AlreadyClaimedError when the task is not todo or already owned,
// *ledger.DependenciesPendingError when a dependency is not done, and
// *ledger.CapacityExhaustedError when the global cap is reached. The claim is
// committed before Claim returns.
func (m *Manager) Claim(ctx context.Context, id int64, worker string) (*models.Task, error) {
	log := logger.G(ctx).WithField("task_id", id).WithField("worker", worker)

	task, err := m.store.ClaimTodo(ctx, id, worker, m.maxInProgress)
	m.metrics.ObserveClaim(claimResult(err))
	if err != nil {
		if ledger.IsRace(err) {
			log.WithError(err).Debug("claim lost")
		}
		return nil, err
	}

	m.mu.Lock()
	m.claimedAt[id] = m.now()
	m.mu.Unlock()

	log.Info("task claimed")
	return task, nil
}

func claimResult(err error) string {
	var (
		claimed *ledger.AlreadyClaimedError
		pending *ledger.DependenciesPendingError
		full    *ledger.CapacityExhaustedError
	)
	switch {
	case err == nil:
		return metrics.ClaimOK
	case errors.As(err, &claimed), ledger.IsStale(err):
		return metrics.ClaimAlreadyClaimed
	case errors.As(err, &pending):
		return metrics.ClaimDependenciesPending
	case errors.As(err, &full):
		return metrics.ClaimCapacityExhausted
	default:
		return metrics.ClaimError
	}
}

// Release moves a task owned by worker to final. Blocked requires notes
// describing the blocker; todo clears the owner so the task can be claimed
// again. Sending an in_review task back to in_progress is refused with
// *ledger.CapacityExhaustedError when the cap is reached. A non-owner gets
// *ledger.NotOwnerError.
func (m *Manager) Release(ctx context.Context, id int64, worker string, final models.TaskStatus, notes string) (*models.Task, error) {
	if !final.Valid() {
		return nil, fmt.Errorf("release task %d: invalid status %q", id, final)
	}

	task, err := m.store.TransitionOwned(ctx, id, worker, final, notes, m.maxInProgress)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	held := time.Duration(0)
	if at, ok := m.claimedAt[id]; ok {
		held = m.now().Sub(at)
		if final != models.TaskStatusInProgress && final != models.TaskStatusInReview {
			delete(m.claimedAt, id)
		}
	}
	m.mu.Unlock()
	m.metrics.ObserveRelease(final, held)

	logger.G(ctx).WithField("task_id", id).WithField("worker", worker).
		WithField("status", final).Info("task released")
	return task, nil
}

// Heartbeat records that worker is still working on the task.
func (m *Manager) Heartbeat(ctx context.Context, id int64, worker string) (*models.Task, error) {
	return m.store.Touch(ctx, id, worker)
}

// StaleClaims lists in-progress tasks not updated within window. Listing a
// task does not release it.
func (m *Manager) StaleClaims(ctx context.Context, window time.Duration) ([]*models.Task, error) {
	return ledger.Collect(m.store.List(ctx, ledger.Filter{
		Statuses:      []models.TaskStatus{models.TaskStatusInProgress},
		UpdatedBefore: m.now().Add(-window),
	}))
}

// ForceRelease is the operator override for a claimed task: it moves the task
// to todo or cancelled whoever owns it. expected must be the updated_at the
// operator saw; if the owner released or heartbeated since, it fails with
// *ledger.StaleWriteError and nothing changes.
func (m *Manager) ForceRelease(ctx context.Context, id int64, expected time.Time, to models.TaskStatus, reason string) (*models.Task, error) {
	if reason == "" {
		reason = "force-released by operator"
	}
	task, err := m.store.ForceTransition(ctx, id, expected, to, reason)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.claimedAt, id)
	m.mu.Unlock()

	logger.G(ctx).WithField("task_id", id).WithField("status", to).Warn("task force-released")
	return task, nil
}

// Cancel cancels a task that nobody is working on. An in-progress task must
// be released by its owner or force-released.
func (m *Manager) Cancel(ctx context.Context, id int64, actor string) (*models.Task, error) {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.TaskStatusInProgress {
		return nil, &ledger.InvalidTransitionError{
			ID:   id,
			From: cur.Status,
			To:   models.TaskStatusCancelled,
			Hint: fmt.Sprintf("owned by %s; the owner must release it or an operator must force-release it", cur.Owner),
		}
	}
	task, err := m.store.ForceTransition(ctx, id, cur.UpdatedAt, models.TaskStatusCancelled, "cancelled by "+actor)
	if err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("task_id", id).WithField("actor", actor).Info("task cancelled")
	return task, nil
}
