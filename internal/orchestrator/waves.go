package orchestrator

import (
	"slices"
	"time"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// WaveState is where a wave is in its lifecycle.
type WaveState string

const (
	// WavePending means the wave was opened but nothing was claimed yet.
	WavePending WaveState = "pending"
	// WaveDispatched means at least one member was claimed.
	WaveDispatched WaveState = "dispatched"
	// WaveAwaiting means every member has been attempted.
	WaveAwaiting WaveState = "awaiting"
	// WaveClosed means no member is queued or in progress.
	WaveClosed WaveState = "closed"
)

// Wave is a set of tasks that became ready together. Waves overlap: a later
// wave opens as soon as any task's own dependencies are done.
type Wave struct {
	Number   int
	Members  []int64
	State    WaveState
	OpenedAt time.Time
	ClosedAt time.Time
}

// waveTable tracks wave membership for one run. It is owned by the run loop.
type waveTable struct {
	waves     []*Wave
	memberOf  map[int64]*Wave
	attempted map[int64]bool
	// skipped holds the updated_at seen when a claim on the task lost.
	skipped map[int64]time.Time
}

func newWaveTable() *waveTable {
	return &waveTable{
		memberOf:  make(map[int64]*Wave),
		attempted: make(map[int64]bool),
		skipped:   make(map[int64]time.Time),
	}
}

// admit opens a wave for ready tasks that are not members of an open wave.
// A task whose wave already closed, e.g. one that was unblocked or given back,
// joins the new wave. A stalled task is never admitted.
func (wt *waveTable) admit(ready []*models.Task, now time.Time) *Wave {
	var fresh []int64
	for _, t := range ready {
		if w, ok := wt.memberOf[t.ID]; ok && w.State != WaveClosed {
			continue
		}
		if wt.stalled(t) {
			continue
		}
		fresh = append(fresh, t.ID)
	}
	if len(fresh) == 0 {
		return nil
	}

	w := &Wave{
		Number:   len(wt.waves) + 1,
		Members:  fresh,
		State:    WavePending,
		OpenedAt: now,
	}
	wt.waves = append(wt.waves, w)
	for _, id := range fresh {
		wt.memberOf[id] = w
		delete(wt.attempted, id)
	}
	return w
}

// waveOf returns the open or closed wave a task last joined.
func (wt *waveTable) waveOf(id int64) *Wave {
	return wt.memberOf[id]
}

// markAttempted records that a claim was issued for id. claimed is true when
// the claim succeeded.
func (wt *waveTable) markAttempted(id int64, claimed bool) {
	w := wt.memberOf[id]
	if w == nil || wt.attempted[id] {
		return
	}
	wt.attempted[id] = true
	if claimed {
		delete(wt.skipped, id)
	}
	if claimed && w.State == WavePending {
		w.State = WaveDispatched
	}
	if wt.allAttempted(w) {
		w.State = WaveAwaiting
	}
}

// markSkipped records a lost claim on t. Until t changes in the ledger it is
// stalled and kept out of later waves.
func (wt *waveTable) markSkipped(t *models.Task) {
	wt.skipped[t.ID] = t.UpdatedAt
	wt.markAttempted(t.ID, false)
}

// stalled reports whether t lost a claim and has not been written since.
func (wt *waveTable) stalled(t *models.Task) bool {
	at, ok := wt.skipped[t.ID]
	return ok && at.Equal(t.UpdatedAt)
}

func (wt *waveTable) allAttempted(w *Wave) bool {
	for _, id := range w.Members {
		if wt.memberOf[id] == w && !wt.attempted[id] {
			return false
		}
	}
	return true
}

// closeFinished closes every wave whose members have all been attempted and
// none of which is in progress according to g. Members absent from g are
// terminal and not referenced by open work.
func (wt *waveTable) closeFinished(g *graph.Graph, running map[int64]bool, now time.Time) []*Wave {
	var closed []*Wave
	for _, w := range wt.waves {
		if w.State == WaveClosed || !wt.allAttempted(w) {
			continue
		}
		busy := slices.ContainsFunc(w.Members, func(id int64) bool {
			if wt.memberOf[id] != w {
				return false
			}
			if running[id] {
				return true
			}
			t := g.Task(id)
			return t != nil && t.Status == models.TaskStatusInProgress
		})
		if busy {
			continue
		}
		w.State = WaveClosed
		w.ClosedAt = now
		closed = append(closed, w)
	}
	return closed
}

// snapshot returns copies of every wave in number order.
func (wt *waveTable) snapshot() []Wave {
	out := make([]Wave, len(wt.waves))
	for i, w := range wt.waves {
		out[i] = *w
		out[i].Members = slices.Clone(w.Members)
	}
	return out
}
