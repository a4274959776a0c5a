package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/waveledger/internal/logger"
)

// EventEmitter hands events to a single consumer over a buffered channel.
// When the consumer falls behind, Emit waits briefly and then drops.
type EventEmitter struct {
	events       chan Event
	wait         time.Duration
	droppedCount atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, wait time.Duration) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		wait:   wait,
	}
}

// Emit sends an event, stamping it if it has no timestamp.
func (e *EventEmitter) Emit(event Event) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	if e.wait > 0 {
		timer := time.NewTimer(e.wait)
		defer timer.Stop()
		select {
		case e.events <- event:
			return
		case <-timer.C:
		}
	}

	count := e.droppedCount.Add(1)
	if count%10 == 1 {
		logger.L.WithField("dropped", count).WithField("type", event.Type).
			Warn("event channel full, dropping event")
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Later calls to Emit are ignored.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
