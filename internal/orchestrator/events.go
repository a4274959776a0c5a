package orchestrator

import (
	"time"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

// EventType represents the type of scheduler event.
type EventType string

const (
	// EventWaveOpened indicates a new set of ready tasks formed a wave.
	EventWaveOpened EventType = "wave_opened"
	// EventWaveClosed indicates no member of a wave is still queued or running.
	EventWaveClosed EventType = "wave_closed"
	// EventTaskClaimed indicates a task was claimed and handed to the executor.
	EventTaskClaimed EventType = "task_claimed"
	// EventTaskReleased indicates the executor finished and the task was released.
	EventTaskReleased EventType = "task_released"
	// EventTaskSkipped indicates a claim lost a race and will be retried later.
	EventTaskSkipped EventType = "task_skipped"
	// EventTaskBlocked indicates the executor reported a blocker.
	EventTaskBlocked EventType = "task_blocked"
	// EventTaskEscalated indicates a blocked task was flagged for an operator.
	EventTaskEscalated EventType = "task_escalated"
	// EventTaskUnblocked indicates a blocked task was returned to todo.
	EventTaskUnblocked EventType = "task_unblocked"
	// EventRunDone indicates the run finished.
	EventRunDone EventType = "run_done"
)

// Event is emitted by the scheduler and resolver.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the related task, if any.
	TaskID int64
	// TaskTitle is the related task's title, if any.
	TaskTitle string
	// Wave is the related wave number, if any.
	Wave int
	// Worker is the worker id that claimed the task.
	Worker string
	// Status is the task status after the event.
	Status models.TaskStatus
	// Message provides additional context.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
