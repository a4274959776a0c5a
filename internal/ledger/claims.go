package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/ShayCichocki/waveledger/internal/notify"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// guard is an extra condition on a conditional update. explain is consulted
// when the update matched nothing and the row itself was unchanged.
type guard struct {
	clause  string
	args    []any
	explain func(ctx context.Context, tx *sqlx.Tx) error
}

func ownerGuard(owner string) guard {
	return guard{clause: "owner = ?", args: []any{owner}}
}

func dependenciesDoneGuard(id int64) guard {
	return guard{
		clause: `NOT EXISTS (
			SELECT 1 FROM task_deps d JOIN tasks p ON p.id = d.depends_on
			WHERE d.task_id = ? AND p.status != 'done')`,
		args: []any{id},
		explain: func(ctx context.Context, tx *sqlx.Tx) error {
			pending, err := pendingDependencies(ctx, tx, id)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return &DependenciesPendingError{ID: id, Pending: pending}
			}
			return nil
		},
	}
}

func capacityGuard(id int64, limit int) guard {
	return guard{
		clause: `(SELECT COUNT(*) FROM tasks WHERE status = 'in_progress') < ?`,
		args:   []any{limit},
		explain: func(ctx context.Context, tx *sqlx.Tx) error {
			var n int
			if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM tasks WHERE status = 'in_progress'`); err != nil {
				return errors.Wrap(err, "count in-progress tasks")
			}
			if n >= limit {
				return &CapacityExhaustedError{ID: id, Cap: limit}
			}
			return nil
		},
	}
}

func pendingDependencies(ctx context.Context, q sqlx.QueryerContext, id int64) ([]int64, error) {
	var pending []int64
	err := sqlx.SelectContext(ctx, q, &pending, `
		SELECT d.depends_on FROM task_deps d JOIN tasks p ON p.id = d.depends_on
		WHERE d.task_id = ? AND p.status != 'done'
		ORDER BY d.depends_on`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "list pending dependencies of task %d", id)
	}
	return pending, nil
}

// ClaimTodo moves a todo task to in_progress under owner in one conditional
// update. The update only matches while the task is todo and unowned, every
// dependency is done, and, when limit is positive, fewer than limit tasks are
// in progress across the whole ledger.
func (s *Store) ClaimTodo(ctx context.Context, id int64, owner string, limit int) (*models.Task, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, &ValidationError{ID: id, Reason: "worker id is empty"}
	}

	var out *models.Task
	err := s.retryStale(ctx, func() error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != models.TaskStatusTodo || cur.Owner != "" {
			return &AlreadyClaimedError{ID: id, Owner: cur.Owner, Status: cur.Status}
		}

		next := cur.Clone()
		next.Status = models.TaskStatusInProgress
		next.Owner = owner

		guards := []guard{
			{clause: "status = 'todo' AND owner = ''"},
			dependenciesDoneGuard(id),
		}
		if limit > 0 {
			guards = append(guards, capacityGuard(id, limit))
		}
		out, err = s.commit(ctx, cur, next, nil, guards...)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(out, notify.KindClaimed)
	return out, nil
}

// TransitionOwned moves an in_progress or in_review task held by owner to the
// given status. note, when not blank, is appended to the task's notes; it is
// required for blocked. Moving an in_review task back to in_progress counts
// against limit the same way a claim does.
func (s *Store) TransitionOwned(ctx context.Context, id int64, owner string, to models.TaskStatus, note string, limit int) (*models.Task, error) {
	note = strings.TrimSpace(note)
	if to == models.TaskStatusBlocked && note == "" {
		return nil, &ValidationError{ID: id, Reason: "a blocked task needs notes describing the blocker"}
	}

	var out *models.Task
	err := s.retryStale(ctx, func() error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != models.TaskStatusInProgress && cur.Status != models.TaskStatusInReview {
			return &InvalidTransitionError{ID: id, From: cur.Status, To: to, Hint: "task is not claimed"}
		}
		if cur.Owner != owner {
			return &NotOwnerError{ID: id, Owner: cur.Owner, Caller: owner}
		}

		next := cur.Clone()
		next.Status = to
		var recorded *string
		if note != "" {
			appendNote(next, note)
			recorded = &note
		}
		guards := []guard{ownerGuard(owner)}
		if to == models.TaskStatusInProgress && cur.Status != to && limit > 0 {
			guards = append(guards, capacityGuard(id, limit))
		}
		out, err = s.commit(ctx, cur, next, recorded, guards...)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(out, notify.KindReleased)
	return out, nil
}

// Touch advances updated_at on a task owned by owner without changing it.
func (s *Store) Touch(ctx context.Context, id int64, owner string) (*models.Task, error) {
	var out *models.Task
	err := s.retryStale(ctx, func() error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != models.TaskStatusInProgress {
			return &InvalidTransitionError{ID: id, From: cur.Status, To: cur.Status, Hint: "only in-progress tasks take heartbeats"}
		}
		if cur.Owner != owner {
			return &NotOwnerError{ID: id, Owner: cur.Owner, Caller: owner}
		}
		out, err = s.commit(ctx, cur, cur.Clone(), nil, ownerGuard(owner))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(out, notify.KindUpdated)
	return out, nil
}

// ForceTransition moves any non-terminal task to todo or cancelled on behalf
// of an operator, including edges a worker may not take such as in_review to
// todo. It is conditional on expected, so it fails with *StaleWriteError
// instead of overriding a release the owner made first.
func (s *Store) ForceTransition(ctx context.Context, id int64, expected time.Time, to models.TaskStatus, reason string) (*models.Task, error) {
	if to != models.TaskStatusTodo && to != models.TaskStatusCancelled {
		return nil, &ValidationError{ID: id, Reason: "forced transitions only go to todo or cancelled"}
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.UpdatedAt.Equal(expected) {
		return nil, &StaleWriteError{ID: id, Expected: expected, Actual: cur.UpdatedAt}
	}
	if cur.Status == to || cur.Status.Terminal() {
		return nil, &InvalidTransitionError{ID: id, From: cur.Status, To: to}
	}

	next := cur.Clone()
	next.Status = to
	var recorded *string
	if reason = strings.TrimSpace(reason); reason != "" {
		appendNote(next, reason)
		recorded = &reason
	}
	out, err := s.write(ctx, cur, next, recorded)
	if err != nil {
		return nil, err
	}
	s.publish(out, notify.KindReleased)
	return out, nil
}
