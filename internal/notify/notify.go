// Package notify carries task status-change signals between the ledger and
// the components that react to them. Signals are hints: receivers always
// re-read the ledger, so a dropped or duplicated event is harmless.
package notify

import (
	"sync"
	"time"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

// Kind identifies what happened to a task.
type Kind string

const (
	KindCreated   Kind = "created"
	KindUpdated   Kind = "updated"
	KindClaimed   Kind = "claimed"
	KindReleased  Kind = "released"
	KindNoted     Kind = "noted"
	KindEscalated Kind = "escalated"
	// KindExternal is a change observed outside this process, e.g. a write to
	// the ledger file by another worker. TaskID is zero.
	KindExternal Kind = "external"
)

// Event describes a committed ledger change.
type Event struct {
	TaskID int64             `json:"task_id"`
	Kind   Kind              `json:"kind"`
	Status models.TaskStatus `json:"status,omitempty"`
	Owner  string            `json:"owner,omitempty"`
	At     time.Time         `json:"at"`
}

// Publisher receives events after they are committed.
type Publisher interface {
	Publish(ev Event)
}

// Subscriber hands out event streams. The returned function cancels the
// subscription and closes the channel.
type Subscriber interface {
	Subscribe() (<-chan Event, func())
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Publishers fans one event out to several publishers.
type Publishers []Publisher

// Publish implements Publisher.
func (ps Publishers) Publish(ev Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ev)
		}
	}
}

// Hub is an in-process publisher and subscriber. Slow subscribers lose
// events rather than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]chan Event), buffer: buffer}
}

// Publish implements Publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe implements Subscriber.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Merge subscribes to every source and forwards all events into one channel.
func Merge(sources ...Subscriber) (<-chan Event, func()) {
	out := make(chan Event, 64)
	done := make(chan struct{})
	var wg sync.WaitGroup
	var cancels []func()

	for _, src := range sources {
		if src == nil {
			continue
		}
		ch, cancel := src.Subscribe()
		cancels = append(cancels, cancel)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- ev:
					default:
					}
				case <-done:
					return
				}
			}
		}()
	}

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			for _, c := range cancels {
				c()
			}
			wg.Wait()
			close(out)
		})
	}
}
