package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusTodo indicates the task is waiting to be claimed.
	TaskStatusTodo TaskStatus = "todo"
	// TaskStatusInProgress indicates a worker owns the task and is working on it.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusBlocked indicates the task cannot proceed without intervention.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusInReview indicates the work is finished and awaiting review.
	TaskStatusInReview TaskStatus = "in_review"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusCancelled indicates the task was abandoned. It is terminal.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusTodo,
	TaskStatusInProgress,
	TaskStatusBlocked,
	TaskStatusInReview,
	TaskStatusDone,
	TaskStatusCancelled,
}

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked,
		TaskStatusInReview, TaskStatusDone, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// ParseTaskStatus converts a user-supplied string into a TaskStatus.
// Hyphens are accepted in place of underscores ("in-progress").
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !st.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// transitions maps each status to the statuses it may move to.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:       {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusDone, TaskStatusBlocked, TaskStatusInReview, TaskStatusCancelled, TaskStatusTodo},
	TaskStatusInReview:   {TaskStatusDone, TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusBlocked:    {TaskStatusTodo, TaskStatusCancelled, TaskStatusBlocked},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Task represents a unit of work tracked in the ledger.
type Task struct {
	// ID is assigned by the ledger and never reused.
	ID int64 `json:"id" yaml:"id"`
	// Title is a short imperative description.
	Title string `json:"title" yaml:"title"`
	// Description provides optional detail about the task.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status" yaml:"status"`
	// Owner is the worker holding the task, empty when unclaimed.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`
	// Dependencies lists task IDs that must be done before this task may start.
	Dependencies []int64 `json:"dependencies" yaml:"dependencies"`
	// Difficulty is informational and never affects scheduling.
	Difficulty Difficulty `json:"difficulty" yaml:"difficulty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// UpdatedAt advances on every mutation and doubles as the optimistic lock token.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	// BlockedAt is when the task last entered the blocked status.
	BlockedAt *time.Time `json:"blocked_at,omitempty" yaml:"blocked_at,omitempty"`
	// Escalated is set when a blocked task has been flagged for operator attention.
	Escalated bool `json:"escalated,omitempty" yaml:"escalated,omitempty"`
	// Notes holds free text. A blocked task must explain its blocker here.
	Notes string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = slices.Clone(t.Dependencies)
	if t.BlockedAt != nil {
		b := *t.BlockedAt
		c.BlockedAt = &b
	}
	return &c
}

// DependsOn reports whether id is a direct dependency of the task.
func (t *Task) DependsOn(id int64) bool {
	return slices.Contains(t.Dependencies, id)
}

// Validate checks the invariants that hold for a single task in isolation.
// Cross-task rules (dependency existence, cycles) are checked by the ledger.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("task %d: title is required", t.ID)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task %d: invalid status %q", t.ID, t.Status)
	}
	if !t.Difficulty.Valid() {
		return fmt.Errorf("task %d: invalid difficulty %q", t.ID, t.Difficulty)
	}
	if t.Status == TaskStatusInProgress && t.Owner == "" {
		return fmt.Errorf("task %d: in_progress requires an owner", t.ID)
	}
	if t.Status == TaskStatusTodo && t.Owner != "" {
		return fmt.Errorf("task %d: todo cannot have an owner", t.ID)
	}
	if t.Status == TaskStatusBlocked && strings.TrimSpace(t.Notes) == "" {
		return fmt.Errorf("task %d: blocked requires notes explaining the blocker", t.ID)
	}
	if t.DependsOn(t.ID) && t.ID != 0 {
		return fmt.Errorf("task %d: a task cannot depend on itself", t.ID)
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return fmt.Errorf("task %d: updated_at precedes created_at", t.ID)
	}
	return nil
}

// NormalizeDependencies sorts dependency IDs and removes duplicates.
func NormalizeDependencies(deps []int64) []int64 {
	out := slices.Clone(deps)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []int64{}
	}
	return out
}

// TaskDraft is the input for creating a task, supplied by whatever decomposes
// work into tasks.
type TaskDraft struct {
	Title        string     `json:"title" yaml:"title"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []int64    `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Difficulty   Difficulty `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
}

// Less orders tasks by creation time, oldest first, breaking ties by ID.
func Less(a, b *Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Compare is the three-way form of Less, suitable for slices.SortFunc.
func Compare(a, b *Task) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}
