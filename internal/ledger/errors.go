package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// NotFoundError reports a task ID that does not exist in the ledger.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %d not found", e.ID)
}

// StaleWriteError reports an optimistic concurrency conflict: the task
// changed since the caller read it. Callers re-read and reapply.
type StaleWriteError struct {
	ID       int64
	Expected time.Time
	Actual   time.Time
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("task %d was modified concurrently (expected updated_at %s, found %s)",
		e.ID, formatTime(e.Expected), formatTime(e.Actual))
}

// AlreadyClaimedError reports a claim on a task that another worker holds.
type AlreadyClaimedError struct {
	ID     int64
	Owner  string
	Status models.TaskStatus
}

func (e *AlreadyClaimedError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("task %d is not claimable (status %s)", e.ID, e.Status)
	}
	return fmt.Sprintf("task %d already claimed by %s (status %s)", e.ID, e.Owner, e.Status)
}

// NotOwnerError reports an attempt to change a task owned by someone else.
type NotOwnerError struct {
	ID     int64
	Owner  string
	Caller string
}

func (e *NotOwnerError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("task %d is not owned; %s cannot release it", e.ID, e.Caller)
	}
	return fmt.Sprintf("task %d is owned by %s, not %s", e.ID, e.Owner, e.Caller)
}

// DependenciesPendingError reports a claim on a task whose dependencies are not all done.
type DependenciesPendingError struct {
	ID      int64
	Pending []int64
}

func (e *DependenciesPendingError) Error() string {
	return fmt.Sprintf("task %d has unfinished dependencies %v", e.ID, e.Pending)
}

// CapacityExhaustedError reports a claim refused because the system-wide
// in-progress cap is reached.
type CapacityExhaustedError struct {
	ID  int64
	Cap int
}

func (e *CapacityExhaustedError) Error() string {
	return fmt.Sprintf("cannot claim task %d: %d tasks already in progress", e.ID, e.Cap)
}

// InvalidTransitionError reports a status change the lifecycle does not allow.
type InvalidTransitionError struct {
	ID   int64
	From models.TaskStatus
	To   models.TaskStatus
	Hint string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("task %d cannot move from %s to %s", e.ID, e.From, e.To)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

// DuplicateTitleWarning is returned alongside a successfully created task
// when other tasks already carry the same title. It is not fatal.
type DuplicateTitleWarning struct {
	Title       string
	ExistingIDs []int64
}

func (w *DuplicateTitleWarning) Error() string {
	ids := make([]string, len(w.ExistingIDs))
	for i, id := range w.ExistingIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("duplicate title %q (also used by task %s)", w.Title, strings.Join(ids, ", "))
}

// ValidationError reports a task that violates a ledger invariant.
type ValidationError struct {
	ID     int64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task %d: %s", e.ID, e.Reason)
}

// CyclicDependencyError is the graph package's cycle error, re-exported so
// ledger callers can match it without importing graph.
type CyclicDependencyError = graph.CyclicDependencyError

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsStale reports whether err is a StaleWriteError.
func IsStale(err error) bool {
	var e *StaleWriteError
	return errors.As(err, &e)
}

// IsWarning reports whether err is only a non-fatal warning.
func IsWarning(err error) bool {
	var w *DuplicateTitleWarning
	return errors.As(err, &w)
}

// IsRace reports whether err is a benign race outcome that a scheduler should
// skip for this round rather than surface.
func IsRace(err error) bool {
	var (
		claimed *AlreadyClaimedError
		pending *DependenciesPendingError
		full    *CapacityExhaustedError
	)
	return IsStale(err) || errors.As(err, &claimed) || errors.As(err, &pending) || errors.As(err, &full)
}
