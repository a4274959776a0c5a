package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/internal/lock"
	"github.com/ShayCichocki/waveledger/internal/logger"
	"github.com/ShayCichocki/waveledger/internal/metrics"
	"github.com/ShayCichocki/waveledger/internal/notify"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// DefaultPollInterval is how often the ledger is re-read without a signal.
const DefaultPollInterval = 2 * time.Second

// RunStatus is how a run ended.
type RunStatus string

const (
	// RunCompleted means every task reached a terminal status.
	RunCompleted RunStatus = "completed"
	// RunStalled means nothing is running or ready but open work remains.
	RunStalled RunStatus = "stalled"
)

// RunResult summarizes a finished run.
type RunResult struct {
	RunID      string
	Status     RunStatus
	Waves      []Wave
	Dispatched int
	// Blocked lists blocked tasks, escalated or not.
	Blocked []int64
	// Escalated lists blocked tasks flagged for an operator.
	Escalated []int64
	// InReview lists tasks waiting for a reviewer.
	InReview []int64
	// Stranded lists tasks that depend on a cancelled task.
	Stranded []int64
	// Waiting lists todo tasks held back by blocked or in-review work, or
	// whose every claim lost without the task changing.
	Waiting []int64
}

// Scheduler dispatches ready tasks wave by wave under a global cap on
// in-progress tasks. The ledger is re-read on every pass, so tasks of a later
// wave start as soon as their own dependencies are done.
type Scheduler struct {
	store    *ledger.Store
	locks    *lock.Manager
	executor Executor
	resolver *Resolver
	source   graph.Source
	signals  notify.Subscriber
	metrics  *metrics.Metrics
	events   *EventEmitter

	maxInProgress int
	pollInterval  time.Duration
	workerPrefix  string
	now           func() time.Time

	mu     sync.Mutex
	active bool
}

// NewScheduler creates a Scheduler that claims through locks and hands
// claimed tasks to executor.
func NewScheduler(store *ledger.Store, locks *lock.Manager, executor Executor, opts ...Option) *Scheduler {
	o := &schedulerOptions{
		maxInProgress: locks.MaxInProgress(),
		pollInterval:  DefaultPollInterval,
		workerPrefix:  models.DefaultWorkerPrefix,
		eventBuffer:   256,
		eventWait:     100 * time.Millisecond,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}

	s := &Scheduler{
		store:         store,
		locks:         locks,
		executor:      executor,
		source:        o.source,
		signals:       o.signals,
		metrics:       o.metrics,
		events:        NewEventEmitter(o.eventBuffer, o.eventWait),
		maxInProgress: o.maxInProgress,
		pollInterval:  o.pollInterval,
		workerPrefix:  o.workerPrefix,
		now:           o.now,
	}
	if s.source == nil {
		s.source = store
	}
	s.resolver = o.resolver
	if s.resolver == nil {
		s.resolver = NewResolver(store, WithResolverMetrics(o.metrics))
	}
	if s.resolver.events == nil {
		s.resolver.events = s.events
	}
	return s
}

// Events returns the event stream. It is closed by Close.
func (s *Scheduler) Events() <-chan Event {
	return s.events.Events()
}

// DroppedEventCount returns how many events were dropped for a slow consumer.
func (s *Scheduler) DroppedEventCount() uint64 {
	return s.events.DroppedCount()
}

// Resolver returns the resolver used for escalation sweeps.
func (s *Scheduler) Resolver() *Resolver {
	return s.resolver
}

// Close closes the event stream. The scheduler must not be running.
func (s *Scheduler) Close() {
	s.events.Close()
}

// completion is sent by an executor goroutine once its task is released.
type completion struct {
	task     *models.Task
	worker   string
	outcome  Outcome
	released *models.Task
	err      error
}

// run is the state of one Run call. Only the run loop touches it, except
// for the completions channel.
type run struct {
	s           *Scheduler
	id          string
	waves       *waveTable
	running     map[int64]string
	completions chan completion
	wg          sync.WaitGroup
	dispatched  int
}

// Run schedules until every task is terminal (RunCompleted) or nothing can
// make progress (RunStalled). A dependency cycle or missing dependency halts
// the run with an error naming the tasks; if it is found on the first pass
// nothing is dispatched. When ctx is cancelled Run waits for running
// executors to give their tasks back and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, errors.New("scheduler is already running")
	}
	s.active = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	r := &run{
		s:           s,
		id:          uuid.NewString(),
		waves:       newWaveTable(),
		running:     make(map[int64]string),
		completions: make(chan completion, max(1, s.maxInProgress)),
	}
	ctx = logger.WithFields(ctx, logrus.Fields{"run_id": r.id})
	log := logger.G(ctx)
	log.WithField("max_in_progress", s.maxInProgress).Info("run started")

	var signals <-chan notify.Event
	if s.signals != nil {
		ch, cancel := s.signals.Subscribe()
		defer cancel()
		signals = ch
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		result, err := r.pass(ctx)
		if err != nil {
			r.drain(ctx)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Error("run halted")
			s.events.Emit(Event{Type: EventRunDone, Message: "halted", Error: err})
			return nil, err
		}
		if result != nil {
			result.RunID = r.id
			result.Dispatched = r.dispatched
			result.Waves = r.waves.snapshot()
			log.WithField("status", result.Status).WithField("waves", len(result.Waves)).Info("run finished")
			s.events.Emit(Event{Type: EventRunDone, Message: string(result.Status)})
			return result, nil
		}

		select {
		case <-ctx.Done():
			r.drain(ctx)
			log.Info("run cancelled")
			return nil, ctx.Err()
		case c := <-r.completions:
			r.finish(ctx, c)
		case _, ok := <-signals:
			if !ok {
				signals = nil
			}
		case <-ticker.C:
		}
	}
}

// pass re-reads the ledger, closes finished waves, opens a wave for newly
// ready tasks and dispatches up to the cap. It returns a result when the run
// is over.
func (r *run) pass(ctx context.Context) (*RunResult, error) {
	s := r.s
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tasks, err := s.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	g, err := graph.Build(tasks)
	if err != nil {
		return nil, fmt.Errorf("build dependency graph: %w", err)
	}

	inProgress := 0
	for _, t := range g.Open() {
		if t.Status == models.TaskStatusInProgress {
			inProgress++
		}
	}
	s.metrics.SetInProgress(inProgress)

	running := make(map[int64]bool, len(r.running))
	for id := range r.running {
		running[id] = true
	}
	for _, w := range r.waves.closeFinished(g, running, s.now()) {
		logger.G(ctx).WithField("wave", w.Number).Info("wave closed")
		s.metrics.WaveClosed()
		s.events.Emit(Event{Type: EventWaveClosed, Wave: w.Number})
		if _, err := s.resolver.Sweep(ctx, w.OpenedAt); err != nil {
			return nil, fmt.Errorf("escalation sweep after wave %d: %w", w.Number, err)
		}
	}

	// A task whose last claim lost without the task changing since, e.g. a
	// todo row that still names an owner, would be retried forever.
	var ready []*models.Task
	for _, t := range g.Ready() {
		if !running[t.ID] && !r.waves.stalled(t) {
			ready = append(ready, t)
		}
	}

	if len(ready) == 0 && len(r.running) == 0 && inProgress == 0 {
		return r.result(ctx, g)
	}

	if w := r.waves.admit(ready, s.now()); w != nil {
		logger.G(ctx).WithField("wave", w.Number).WithField("tasks", w.Members).Info("wave opened")
		s.metrics.WaveOpened()
		s.events.Emit(Event{Type: EventWaveOpened, Wave: w.Number, Message: fmt.Sprintf("%d tasks", len(w.Members))})
	}

	return nil, r.dispatch(ctx, ready, inProgress)
}

// dispatch claims ready tasks in wave order, then creation order, while the
// ledger-wide in-progress count is below the cap.
func (r *run) dispatch(ctx context.Context, ready []*models.Task, inProgress int) error {
	s := r.s
	order := slices.Clone(ready)
	slices.SortStableFunc(order, func(a, b *models.Task) int {
		if d := r.waveNumber(a.ID) - r.waveNumber(b.ID); d != 0 {
			return d
		}
		return models.Compare(a, b)
	})

	for _, t := range order {
		if s.maxInProgress > 0 && inProgress >= s.maxInProgress {
			return nil
		}

		worker := models.NewWorkerID(s.workerPrefix)
		log := logger.G(ctx).WithField("task_id", t.ID).WithField("wave", r.waveNumber(t.ID))

		claimed, err := s.locks.Claim(ctx, t.ID, worker)
		var full *ledger.CapacityExhaustedError
		switch {
		case errors.As(err, &full):
			log.Debug("capacity reached, waiting")
			return nil
		case ledger.IsRace(err):
			r.waves.markSkipped(t)
			s.events.Emit(Event{Type: EventTaskSkipped, TaskID: t.ID, TaskTitle: t.Title, Wave: r.waveNumber(t.ID), Error: err})
			continue
		case err != nil:
			return fmt.Errorf("claim task %d: %w", t.ID, err)
		}

		r.waves.markAttempted(t.ID, true)
		r.running[t.ID] = worker
		r.dispatched++
		inProgress++

		log.WithField("worker", worker).Debug("dispatching")
		s.events.Emit(Event{
			Type:      EventTaskClaimed,
			TaskID:    t.ID,
			TaskTitle: t.Title,
			Wave:      r.waveNumber(t.ID),
			Worker:    worker,
			Status:    claimed.Status,
		})

		r.wg.Add(1)
		go r.execute(ctx, claimed, worker)
	}
	return nil
}

func (r *run) waveNumber(id int64) int {
	if w := r.waves.waveOf(id); w != nil {
		return w.Number
	}
	return 0
}

// execute runs the executor and releases the task with its outcome. The
// release uses a context that survives cancellation so an interrupted task
// is always given back.
func (r *run) execute(ctx context.Context, task *models.Task, worker string) {
	defer r.wg.Done()

	out, err := r.invoke(ctx, task, worker)
	out = normalizeOutcome(ctx, out, err)

	released, err := r.s.locks.Release(context.WithoutCancel(ctx), task.ID, worker, out.Status, out.Notes)
	r.completions <- completion{task: task, worker: worker, outcome: out, released: released, err: err}
}

func (r *run) invoke(ctx context.Context, task *models.Task, worker string) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return r.s.executor.Execute(ctx, task, worker)
}

func (r *run) finish(ctx context.Context, c completion) {
	delete(r.running, c.task.ID)
	log := logger.G(ctx).WithField("task_id", c.task.ID).WithField("worker", c.worker)

	if c.err != nil {
		// Typically an operator force-released the task while it ran.
		log.WithError(c.err).Warn("could not release task")
		r.s.events.Emit(Event{
			Type:      EventTaskReleased,
			TaskID:    c.task.ID,
			TaskTitle: c.task.Title,
			Wave:      r.waveNumber(c.task.ID),
			Worker:    c.worker,
			Error:     c.err,
		})
		return
	}

	typ := EventTaskReleased
	if c.released.Status == models.TaskStatusBlocked {
		typ = EventTaskBlocked
		log.WithField("notes", c.outcome.Notes).Warn("task blocked")
	}
	r.s.events.Emit(Event{
		Type:      typ,
		TaskID:    c.task.ID,
		TaskTitle: c.task.Title,
		Wave:      r.waveNumber(c.task.ID),
		Worker:    c.worker,
		Status:    c.released.Status,
		Message:   c.outcome.Notes,
	})
}

// drain waits for every running executor and records its release.
func (r *run) drain(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for len(r.running) > 0 {
		r.finish(ctx, <-r.completions)
	}
	r.wg.Wait()
}

// result builds the final result once nothing is running or ready. Open work
// left at this point is stuck, so a final escalation sweep runs first.
func (r *run) result(ctx context.Context, g *graph.Graph) (*RunResult, error) {
	open := g.Open()
	if len(open) == 0 {
		return &RunResult{Status: RunCompleted}, nil
	}

	if _, err := r.s.resolver.Sweep(ctx, r.s.now()); err != nil {
		return nil, fmt.Errorf("final escalation sweep: %w", err)
	}
	blocked, err := r.s.resolver.ListBlocked(ctx)
	if err != nil {
		return nil, err
	}

	res := &RunResult{Status: RunStalled}
	for _, t := range blocked {
		res.Blocked = append(res.Blocked, t.ID)
		if t.Escalated {
			res.Escalated = append(res.Escalated, t.ID)
		}
	}
	stranded := make(map[int64]bool)
	for _, t := range g.Stranded() {
		stranded[t.ID] = true
		res.Stranded = append(res.Stranded, t.ID)
	}
	for _, t := range open {
		switch {
		case t.Status == models.TaskStatusInReview:
			res.InReview = append(res.InReview, t.ID)
		case t.Status == models.TaskStatusTodo && !stranded[t.ID]:
			res.Waiting = append(res.Waiting, t.ID)
		}
	}
	slices.Sort(res.Stranded)
	slices.Sort(res.InReview)
	slices.Sort(res.Waiting)

	logger.G(ctx).WithFields(logrus.Fields{
		"blocked":   res.Blocked,
		"stranded":  res.Stranded,
		"in_review": res.InReview,
	}).Warn("run stalled")
	return res, nil
}
