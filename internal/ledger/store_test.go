package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/internal/notify"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(context.Background(), DriverPureGo, path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, title string, deps ...int64) *models.Task {
	t.Helper()
	task, err := s.Create(context.Background(), models.TaskDraft{Title: title, Dependencies: deps})
	require.NoError(t, err)
	return task
}

func finish(t *testing.T, s *Store, id int64) {
	t.Helper()
	ctx := context.Background()
	_, err := s.ClaimTodo(ctx, id, "finisher", 0)
	require.NoError(t, err)
	_, err = s.TransitionOwned(ctx, id, "finisher", models.TaskStatusDone, "", 0)
	require.NoError(t, err)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "write parser")
	b, err := s.Create(ctx, models.TaskDraft{
		Title:        "  wire parser  ",
		Description:  "hook it up",
		Dependencies: []int64{a.ID, a.ID},
		Difficulty:   models.DifficultyHard,
	})
	require.NoError(t, err)
	assert.Greater(t, b.ID, a.ID)

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "wire parser", got.Title)
	assert.Equal(t, "hook it up", got.Description)
	assert.Equal(t, models.TaskStatusTodo, got.Status)
	assert.Equal(t, []int64{a.ID}, got.Dependencies)
	assert.Equal(t, models.DifficultyHard, got.Difficulty)
	assert.Empty(t, got.Owner)
	assert.True(t, got.UpdatedAt.Equal(b.UpdatedAt))
	assert.True(t, got.CreatedAt.Equal(b.CreatedAt))
	assert.Nil(t, got.BlockedAt)
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), models.TaskDraft{Title: "orphan", Dependencies: []int64{42}})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, int64(42), nf.ID)

	n, err := Collect(s.List(context.Background(), Filter{}))
	require.NoError(t, err)
	assert.Empty(t, n)
}

func TestCreateDuplicateTitleWarns(t *testing.T) {
	s := newTestStore(t)
	first := mustCreate(t, s, "deploy")

	second, err := s.Create(context.Background(), models.TaskDraft{Title: "deploy"})
	require.Error(t, err)
	require.NotNil(t, second)
	assert.True(t, IsWarning(err))

	var w *DuplicateTitleWarning
	require.ErrorAs(t, err, &w)
	assert.Equal(t, []int64{first.ID}, w.ExistingIDs)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), 99)
	assert.True(t, IsNotFound(err))
}

func TestUpdateCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "draft")

	updated, err := s.Update(ctx, task.ID, task.UpdatedAt, func(tk *models.Task) error {
		tk.Description = "first edit"
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(task.UpdatedAt))

	// A writer holding the old token loses.
	_, err = s.Update(ctx, task.ID, task.UpdatedAt, func(tk *models.Task) error {
		tk.Description = "second edit"
		return nil
	})
	var stale *StaleWriteError
	require.ErrorAs(t, err, &stale)
	assert.True(t, stale.Actual.Equal(updated.UpdatedAt))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "first edit", got.Description)
}

func TestUpdateAdvancesTimestampWhenClockStalls(t *testing.T) {
	frozen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return frozen }))
	ctx := context.Background()
	task := mustCreate(t, s, "frozen")

	updated, err := s.Update(ctx, task.ID, task.UpdatedAt, func(tk *models.Task) error {
		tk.Description = "x"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, time.Nanosecond, updated.UpdatedAt.Sub(task.UpdatedAt))
}

func TestUpdateRejectsOwnershipChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "guarded")

	_, err := s.Update(ctx, task.ID, task.UpdatedAt, func(tk *models.Task) error {
		tk.Status = models.TaskStatusInProgress
		tk.Owner = "sneaky"
		return nil
	})
	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)

	claimed, err := s.ClaimTodo(ctx, task.ID, "w1", 0)
	require.NoError(t, err)
	_, err = s.Update(ctx, task.ID, claimed.UpdatedAt, func(tk *models.Task) error {
		tk.Status = models.TaskStatusDone
		return nil
	})
	require.ErrorAs(t, err, &inv)
}

func TestUpdateWithRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "retry")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateWithRetry(ctx, task.ID, func(tk *models.Task) error {
				tk.Description += "x"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "xxxxx", got.Description)
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "contended")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  []error
	)
	for i := 0; i < workers; i++ {
		worker := models.NewWorkerID("w")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimTodo(ctx, task.ID, worker, 0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, worker)
				return
			}
			losers = append(losers, err)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	for _, err := range losers {
		var claimed *AlreadyClaimedError
		assert.ErrorAs(t, err, &claimed)
	}

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, got.Status)
	assert.Equal(t, winners[0], got.Owner)
}

func TestConcurrentClaimsAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	const handles = 4
	stores := make([]*Store, handles)
	for i := range stores {
		s, err := Open(ctx, DriverPureGo, path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}

	var ids []int64
	for i := 0; i < 10; i++ {
		ids = append(ids, mustCreate(t, stores[0], fmt.Sprintf("task %d", i)).ID)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners = make(map[int64][]string)
	)
	for i, s := range stores {
		for _, id := range ids {
			worker := fmt.Sprintf("h%d-%d", i, id)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ClaimTodo(ctx, id, worker, 3)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners[id] = append(winners[id], worker)
					return
				}
				assert.True(t, IsRace(err), "unexpected error: %v", err)
			}()
		}
	}
	wg.Wait()

	claimed := 0
	for id, ws := range winners {
		assert.Len(t, ws, 1, "task %d", id)
		claimed += len(ws)
	}
	assert.Equal(t, 3, claimed)

	n, err := stores[handles-1].CountInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for id, ws := range winners {
		got, err := stores[1].Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ws[0], got.Owner)
	}
}

func TestClaimRequiresDoneDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b", a.ID)

	_, err := s.ClaimTodo(ctx, b.ID, "w1", 0)
	var pending *DependenciesPendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, []int64{a.ID}, pending.Pending)
	assert.True(t, IsRace(err))

	// In progress is still not done.
	_, err = s.ClaimTodo(ctx, a.ID, "w1", 0)
	require.NoError(t, err)
	_, err = s.ClaimTodo(ctx, b.ID, "w2", 0)
	require.ErrorAs(t, err, &pending)

	_, err = s.TransitionOwned(ctx, a.ID, "w1", models.TaskStatusDone, "", 0)
	require.NoError(t, err)
	claimed, err := s.ClaimTodo(ctx, b.ID, "w2", 0)
	require.NoError(t, err)
	assert.Equal(t, "w2", claimed.Owner)
}

func TestClaimRespectsCapacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var tasks []*models.Task
	for _, title := range []string{"a", "b", "c"} {
		tasks = append(tasks, mustCreate(t, s, title))
	}

	_, err := s.ClaimTodo(ctx, tasks[0].ID, "w1", 2)
	require.NoError(t, err)
	_, err = s.ClaimTodo(ctx, tasks[1].ID, "w2", 2)
	require.NoError(t, err)

	_, err = s.ClaimTodo(ctx, tasks[2].ID, "w3", 2)
	var full *CapacityExhaustedError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Cap)

	n, err := s.CountInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, tasks[2].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, got.Status)
}

func TestTransitionOwned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "owned")
	_, err := s.ClaimTodo(ctx, task.ID, "w1", 0)
	require.NoError(t, err)

	_, err = s.TransitionOwned(ctx, task.ID, "w2", models.TaskStatusDone, "", 0)
	var notOwner *NotOwnerError
	require.ErrorAs(t, err, &notOwner)
	assert.Equal(t, "w1", notOwner.Owner)

	_, err = s.TransitionOwned(ctx, task.ID, "w1", models.TaskStatusBlocked, "  ", 0)
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)

	blocked, err := s.TransitionOwned(ctx, task.ID, "w1", models.TaskStatusBlocked, "needs API key", 0)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, blocked.Status)
	require.NotNil(t, blocked.BlockedAt)
	assert.Equal(t, "needs API key", blocked.Notes)

	notes, err := s.Notes(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"needs API key"}, notes)
}

func TestTransitionOwnedBackToTodoClearsOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "give back")
	_, err := s.ClaimTodo(ctx, task.ID, "w1", 0)
	require.NoError(t, err)

	released, err := s.TransitionOwned(ctx, task.ID, "w1", models.TaskStatusTodo, "", 0)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, released.Status)
	assert.Empty(t, released.Owner)

	_, err = s.ClaimTodo(ctx, task.ID, "w2", 0)
	require.NoError(t, err)
}

func TestReviewRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "review me")
	_, err := s.ClaimTodo(ctx, task.ID, "w1", 0)
	require.NoError(t, err)

	_, err = s.TransitionOwned(ctx, task.ID, "w1", models.TaskStatusInReview, "", 0)
	require.NoError(t, err)
	back, err := s.TransitionOwned(ctx, task.ID, "w1", models.TaskStatusInProgress, "address comments", 0)
	require.NoError(t, err)
	assert.Equal(t, "w1", back.Owner)
	done, err := s.TransitionOwned(ctx, task.ID, "w1", models.TaskStatusDone, "", 0)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, done.Status)

	_, err = s.TransitionOwned(ctx, task.ID, "w1", models.TaskStatusTodo, "", 0)
	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)
}

func TestTouchAdvancesUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "long job")
	claimed, err := s.ClaimTodo(ctx, task.ID, "w1", 0)
	require.NoError(t, err)

	touched, err := s.Touch(ctx, task.ID, "w1")
	require.NoError(t, err)
	assert.True(t, touched.UpdatedAt.After(claimed.UpdatedAt))

	_, err = s.Touch(ctx, task.ID, "w2")
	var notOwner *NotOwnerError
	assert.ErrorAs(t, err, &notOwner)
}

func TestForceTransitionIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "stuck")
	claimed, err := s.ClaimTodo(ctx, task.ID, "w1", 0)
	require.NoError(t, err)

	// The owner heartbeats after the operator looked.
	_, err = s.Touch(ctx, task.ID, "w1")
	require.NoError(t, err)
	_, err = s.ForceTransition(ctx, task.ID, claimed.UpdatedAt, models.TaskStatusTodo, "operator reset")
	assert.True(t, IsStale(err))

	cur, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	reset, err := s.ForceTransition(ctx, task.ID, cur.UpdatedAt, models.TaskStatusTodo, "operator reset")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, reset.Status)
	assert.Empty(t, reset.Owner)
	assert.Contains(t, reset.Notes, "operator reset")

	_, err = s.ForceTransition(ctx, task.ID, reset.UpdatedAt, models.TaskStatusDone, "")
	var invalid *ValidationError
	assert.ErrorAs(t, err, &invalid)
}

func TestSetDependenciesRejectsCycles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b", a.ID)
	c := mustCreate(t, s, "c", b.ID)

	_, err := s.SetDependencies(ctx, a.ID, a.UpdatedAt, []int64{c.ID})
	var cyc *CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []int64{a.ID, c.ID, b.ID, a.ID}, cyc.Cycle)

	_, err = s.SetDependencies(ctx, a.ID, a.UpdatedAt, []int64{a.ID})
	require.Error(t, err)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)

	updated, err := s.SetDependencies(ctx, c.ID, c.UpdatedAt, []int64{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, updated.Dependencies)
}

func TestAppendNote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, "noted")

	_, err := s.AppendNote(ctx, task.ID, "first")
	require.NoError(t, err)
	got, err := s.AppendNote(ctx, task.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", got.Notes)

	notes, err := s.Notes(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, notes)

	_, err = s.AppendNote(ctx, task.ID, "")
	assert.Error(t, err)
}

func TestListFiltersAndPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var ids []int64
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, mustCreate(t, s, title).ID)
	}
	_, err := s.ClaimTodo(ctx, ids[1], "w1", 0)
	require.NoError(t, err)

	all, err := Collect(s.List(ctx, Filter{PageSize: 2}))
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for i, task := range all {
		assert.Equal(t, ids[i], task.ID)
	}

	todo, err := Collect(s.List(ctx, Filter{Statuses: []models.TaskStatus{models.TaskStatusTodo}}))
	require.NoError(t, err)
	assert.Len(t, todo, 4)

	mine, err := Collect(s.List(ctx, Filter{Owner: "w1"}))
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ids[1], mine[0].ID)

	picked, err := Collect(s.List(ctx, Filter{IDs: []int64{ids[0], ids[4]}}))
	require.NoError(t, err)
	assert.Len(t, picked, 2)

	// Stopping early is allowed and the sequence can be restarted.
	seq := s.List(ctx, Filter{PageSize: 1})
	for range seq {
		break
	}
	again, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, again, 5)
}

func TestListWhileWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, title := range []string{"a", "b", "c"} {
		mustCreate(t, s, title)
	}
	for task, err := range s.List(ctx, Filter{PageSize: 1}) {
		require.NoError(t, err)
		_, err = s.AppendNote(ctx, task.ID, "seen")
		require.NoError(t, err)
	}
	notes, err := Collect(s.List(ctx, Filter{}))
	require.NoError(t, err)
	for _, task := range notes {
		assert.Equal(t, "seen", task.Notes)
	}
}

func TestSnapshotIncludesReferencedTerminalTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "a")
	unrelated := mustCreate(t, s, "unrelated")
	b := mustCreate(t, s, "b", a.ID)
	finish(t, s, a.ID)
	finish(t, s, unrelated.ID)

	tasks, err := s.Snapshot(ctx)
	require.NoError(t, err)
	var got []int64
	for _, task := range tasks {
		got = append(got, task.ID)
	}
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, got)

	g, err := graph.Load(ctx, s)
	require.NoError(t, err)
	require.Len(t, g.Ready(), 1)
	assert.Equal(t, b.ID, g.Ready()[0].ID)
}

func TestMutationsArePublished(t *testing.T) {
	hub := notify.NewHub(16)
	events, cancel := hub.Subscribe()
	defer cancel()

	s := newTestStore(t, WithPublisher(hub))
	ctx := context.Background()
	task := mustCreate(t, s, "announced")
	_, err := s.ClaimTodo(ctx, task.ID, "w1", 0)
	require.NoError(t, err)

	var kinds []notify.Kind
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			assert.Equal(t, task.ID, ev.TaskID)
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []notify.Kind{notify.KindCreated, notify.KindClaimed}, kinds)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := Open(ctx, DriverPureGo, path)
	require.NoError(t, err)
	created, err := s.Create(ctx, models.TaskDraft{Title: "persist"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, DriverPureGo, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist", got.Title)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}
