// Package graph provides the dependency graph used for one scheduling pass.
//
// A Graph is built from a ledger snapshot, checked for cycles, and
// partitioned into waves: wave 0 holds every open task whose dependencies are
// all done, wave k holds tasks whose dependencies are satisfied by waves
// 0..k-1. Graphs are immutable once built and are rebuilt whenever the ledger
// changes.
package graph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

// CyclicDependencyError reports a dependency cycle. Cycle lists the member
// task IDs in dependency order, starting and ending with the same ID.
type CyclicDependencyError struct {
	Cycle []int64
}

func (e *CyclicDependencyError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(parts, " -> "))
}

// MissingDependencyError reports a dependency on a task absent from the snapshot.
type MissingDependencyError struct {
	TaskID       int64
	DependencyID int64
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %d depends on unknown task %d", e.TaskID, e.DependencyID)
}

// Source supplies the tasks for a scheduling pass: every non-terminal task
// plus every task referenced as a dependency.
type Source interface {
	Snapshot(ctx context.Context) ([]*models.Task, error)
}

// Graph is a directed acyclic graph of tasks. An edge A -> B means B depends
// on A, so A must finish first.
type Graph struct {
	nodes map[int64]*models.Task
	// deps maps a task to the tasks it depends on.
	deps map[int64][]int64
	// dependents maps a task to the tasks that depend on it.
	dependents map[int64][]int64

	waves    [][]*models.Task
	waveOf   map[int64]int
	stranded []*models.Task
}

// Load snapshots the source and builds a graph from it.
func Load(ctx context.Context, src Source) (*Graph, error) {
	tasks, err := src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot ledger: %w", err)
	}
	return Build(tasks)
}

// Build constructs the graph, validates every edge and partitions open tasks
// into waves. It fails with *MissingDependencyError or *CyclicDependencyError.
func Build(tasks []*models.Task) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[int64]*models.Task, len(tasks)),
		deps:       make(map[int64][]int64, len(tasks)),
		dependents: make(map[int64][]int64),
		waveOf:     make(map[int64]int),
	}

	for _, t := range tasks {
		g.nodes[t.ID] = t
	}

	for _, id := range g.sortedIDs() {
		t := g.nodes[id]
		for _, dep := range models.NormalizeDependencies(t.Dependencies) {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &MissingDependencyError{TaskID: id, DependencyID: dep}
			}
			g.deps[id] = append(g.deps[id], dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if cycle := FindCycle(g.deps); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	g.partition()
	return g, nil
}

// FindCycle returns a dependency cycle in deps, or nil if there is none.
// It uses depth-first search with three-colour marking and visits IDs in
// ascending order so that the reported cycle is deterministic.
func FindCycle(deps map[int64][]int64) []int64 {
	const (
		white = iota
		gray
		black
	)

	color := make(map[int64]int, len(deps))
	parent := make(map[int64]int64, len(deps))

	var dfs func(id int64) []int64
	dfs = func(id int64) []int64 {
		color[id] = gray
		next := slices.Clone(deps[id])
		slices.Sort(next)
		for _, dep := range next {
			switch color[dep] {
			case gray:
				// Walk back from id to dep to recover the cycle.
				cycle := []int64{id}
				for cur := id; cur != dep; {
					cur = parent[cur]
					cycle = append(cycle, cur)
				}
				slices.Reverse(cycle)
				return append(cycle, cycle[0])
			case white:
				parent[dep] = id
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			}
		}
		color[id] = black
		return nil
	}

	ids := make([]int64, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// partition assigns each open task to a wave by the length of its longest
// chain of unfinished dependencies. Tasks that can never run because a
// dependency was cancelled are set aside as stranded.
func (g *Graph) partition() {
	const stranded = -1
	level := make(map[int64]int, len(g.nodes))

	var visit func(id int64) int
	visit = func(id int64) int {
		if l, ok := level[id]; ok {
			return l
		}
		l := 0
		for _, dep := range g.deps[id] {
			d := g.nodes[dep]
			switch d.Status {
			case models.TaskStatusDone:
				continue
			case models.TaskStatusCancelled:
				l = stranded
			default:
				dl := visit(dep)
				if dl == stranded {
					l = stranded
				} else if l != stranded && dl+1 > l {
					l = dl + 1
				}
			}
			if l == stranded {
				break
			}
		}
		level[id] = l
		return l
	}

	maxLevel := -1
	for _, id := range g.sortedIDs() {
		if g.nodes[id].Status.Terminal() {
			continue
		}
		if l := visit(id); l > maxLevel {
			maxLevel = l
		}
	}

	g.waves = make([][]*models.Task, maxLevel+1)
	for _, id := range g.sortedIDs() {
		t := g.nodes[id]
		if t.Status.Terminal() {
			continue
		}
		l := level[id]
		if l == stranded {
			g.stranded = append(g.stranded, t)
			continue
		}
		g.waves[l] = append(g.waves[l], t)
		g.waveOf[id] = l
	}
	for _, w := range g.waves {
		slices.SortFunc(w, models.Compare)
	}
	slices.SortFunc(g.stranded, models.Compare)
}

func (g *Graph) sortedIDs() []int64 {
	ids := make([]int64, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Waves returns the wave partition of open tasks. The outer slice is a copy;
// tasks are shared with the snapshot and must not be modified.
func (g *Graph) Waves() [][]*models.Task {
	out := make([][]*models.Task, len(g.waves))
	for i, w := range g.waves {
		out[i] = slices.Clone(w)
	}
	return out
}

// Ready returns the todo tasks of wave 0, oldest first.
func (g *Graph) Ready() []*models.Task {
	if len(g.waves) == 0 {
		return nil
	}
	var ready []*models.Task
	for _, t := range g.waves[0] {
		if t.Status == models.TaskStatusTodo {
			ready = append(ready, t)
		}
	}
	return ready
}

// Stranded returns open tasks that depend, directly or transitively, on a
// cancelled task and therefore can never become ready.
func (g *Graph) Stranded() []*models.Task {
	return slices.Clone(g.stranded)
}

// WaveOf returns the wave index of an open task.
func (g *Graph) WaveOf(id int64) (int, bool) {
	w, ok := g.waveOf[id]
	return w, ok
}

// Task returns the task for an ID, or nil if it is not in the graph.
func (g *Graph) Task(id int64) *models.Task {
	return g.nodes[id]
}

// Size returns the number of nodes, including referenced terminal tasks.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the IDs the given task depends on.
func (g *Graph) Dependencies(id int64) []int64 {
	return slices.Clone(g.deps[id])
}

// Dependents returns the IDs of tasks that depend directly on the given task.
func (g *Graph) Dependents(id int64) []int64 {
	return slices.Clone(g.dependents[id])
}

// Open returns every non-terminal task in the graph, oldest first.
func (g *Graph) Open() []*models.Task {
	var open []*models.Task
	for _, w := range g.waves {
		open = append(open, w...)
	}
	open = append(open, g.stranded...)
	slices.SortFunc(open, models.Compare)
	return open
}
