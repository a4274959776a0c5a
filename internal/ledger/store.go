package ledger

import (
	"context"
	"database/sql"
	"iter"
	"slices"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/internal/logger"
	"github.com/ShayCichocki/waveledger/internal/notify"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

const defaultPageSize = 100

// Mutation edits a copy of a task. Returning an error aborts the update.
type Mutation func(t *models.Task) error

// Filter narrows List results. The zero value matches every task.
type Filter struct {
	Statuses      []models.TaskStatus
	Owner         string
	IDs           []int64
	EscalatedOnly bool
	// UpdatedBefore keeps tasks whose updated_at is strictly earlier.
	UpdatedBefore time.Time
	// PageSize bounds how many rows are read per query.
	PageSize int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPublisher sets where committed changes are announced.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithRetryAttempts sets how often UpdateWithRetry re-reads after a conflict.
func WithRetryAttempts(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.retryAttempts = n
		}
	}
}

// Store is the ledger. It is safe for concurrent use; writes from other
// processes sharing the database file are detected through updated_at.
type Store struct {
	db            *sqlx.DB
	path          string
	now           func() time.Time
	publisher     notify.Publisher
	retryAttempts uint
}

// Open opens the ledger at path, applying migrations.
func Open(ctx context.Context, driver, path string, opts ...Option) (*Store, error) {
	db, err := OpenDB(ctx, driver, path)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:            db,
		path:          path,
		now:           time.Now,
		publisher:     notify.Nop{},
		retryAttempts: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

type taskRow struct {
	ID          int64          `db:"id"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	Status      string         `db:"status"`
	Owner       string         `db:"owner"`
	Difficulty  string         `db:"difficulty"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
	BlockedAt   sql.NullString `db:"blocked_at"`
	Escalated   bool           `db:"escalated"`
	Notes       string         `db:"notes"`
}

const taskColumns = `id, title, description, status, owner, difficulty, created_at, updated_at, blocked_at, escalated, notes`

func (r *taskRow) toTask() (*models.Task, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t := &models.Task{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Status:       models.TaskStatus(r.Status),
		Owner:        r.Owner,
		Dependencies: []int64{},
		Difficulty:   models.Difficulty(r.Difficulty),
		CreatedAt:    created,
		UpdatedAt:    updated,
		Escalated:    r.Escalated,
		Notes:        r.Notes,
	}
	if r.BlockedAt.Valid {
		b, err := parseTime(r.BlockedAt.String)
		if err != nil {
			return nil, err
		}
		t.BlockedAt = &b
	}
	return t, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// Get returns the task with the given ID.
func (s *Store) Get(ctx context.Context, id int64) (*models.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q sqlx.ExtContext, id int64) (*models.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get task %d", id)
	}
	t, err := row.toTask()
	if err != nil {
		return nil, err
	}
	if err := loadDependencies(ctx, q, []*models.Task{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// loadDependencies fills Dependencies for a batch of tasks with one query.
func loadDependencies(ctx context.Context, q sqlx.ExtContext, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[int64]*models.Task, len(tasks))
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	query, args, err := sqlx.In(`SELECT task_id, depends_on FROM task_deps WHERE task_id IN (?) ORDER BY task_id, depends_on`, ids)
	if err != nil {
		return errors.Wrap(err, "build dependency query")
	}
	var edges []struct {
		TaskID    int64 `db:"task_id"`
		DependsOn int64 `db:"depends_on"`
	}
	if err := sqlx.SelectContext(ctx, q, &edges, q.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "load dependencies")
	}
	for _, e := range edges {
		t := byID[e.TaskID]
		t.Dependencies = append(t.Dependencies, e.DependsOn)
	}
	return nil
}

// List returns a lazy sequence of tasks matching the filter in ID order.
// Rows are read a page at a time and the sequence may be iterated again to
// re-run the query. Callers may use the store while iterating.
func (s *Store) List(ctx context.Context, f Filter) iter.Seq2[*models.Task, error] {
	return func(yield func(*models.Task, error) bool) {
		pageSize := f.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		var after int64
		for {
			page, err := s.listPage(ctx, f, after, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *Store) listPage(ctx context.Context, f Filter, after int64, limit int) ([]*models.Task, error) {
	where := []string{"id > ?"}
	args := []any{after}

	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?)")
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN (?)")
		args = append(args, f.IDs)
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.EscalatedOnly {
		where = append(where, "escalated = 1")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(f.UpdatedBefore))
	}
	args = append(args, limit)

	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(where, " AND ")+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "build list query")
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}

	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := loadDependencies(ctx, s.db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Collect drains a List sequence into a slice.
func Collect(seq iter.Seq2[*models.Task, error]) ([]*models.Task, error) {
	var out []*models.Task
	for t, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Snapshot returns every non-terminal task plus every task they reference as
// a dependency. It implements graph.Source.
func (s *Store) Snapshot(ctx context.Context) ([]*models.Task, error) {
	open, err := Collect(s.List(ctx, Filter{Statuses: []models.TaskStatus{
		models.TaskStatusTodo, models.TaskStatusInProgress, models.TaskStatusBlocked, models.TaskStatusInReview,
	}}))
	if err != nil {
		return nil, err
	}

	have := make(map[int64]bool, len(open))
	for _, t := range open {
		have[t.ID] = true
	}
	var missing []int64
	for _, t := range open {
		for _, dep := range t.Dependencies {
			if !have[dep] {
				have[dep] = true
				missing = append(missing, dep)
			}
		}
	}
	if len(missing) == 0 {
		return open, nil
	}
	slices.Sort(missing)
	referenced, err := Collect(s.List(ctx, Filter{IDs: missing}))
	if err != nil {
		return nil, err
	}
	return append(open, referenced...), nil
}

var _ graph.Source = (*Store)(nil)

// CountInProgress returns the number of tasks currently in progress system-wide.
func (s *Store) CountInProgress(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(models.TaskStatusInProgress)); err != nil {
		return 0, errors.Wrap(err, "count in-progress tasks")
	}
	return n, nil
}

// Create stores a new todo task and assigns it a fresh ID. Every dependency
// must exist. When another task has the same title the task is still created
// and returned together with a *DuplicateTitleWarning.
func (s *Store) Create(ctx context.Context, draft models.TaskDraft) (*models.Task, error) {
	difficulty := draft.Difficulty
	if difficulty == "" {
		difficulty = models.DifficultyMedium
	}
	now := s.now().UTC()
	t := &models.Task{
		Title:        strings.TrimSpace(draft.Title),
		Description:  draft.Description,
		Status:       models.TaskStatusTodo,
		Dependencies: models.NormalizeDependencies(draft.Dependencies),
		Difficulty:   difficulty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	var duplicates []int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (title, description, status, owner, difficulty, created_at, updated_at, escalated, notes)
			VALUES (?, ?, ?, '', ?, ?, ?, 0, '')
		`, t.Title, t.Description, string(t.Status), string(t.Difficulty), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err != nil {
			return errors.Wrap(err, "insert task")
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "read task id")
		}
		if err := requireExisting(ctx, tx, t.Dependencies); err != nil {
			return err
		}
		if err := tx.SelectContext(ctx, &duplicates, `SELECT id FROM tasks WHERE title = ? AND id != ? ORDER BY id`, t.Title, t.ID); err != nil {
			return errors.Wrap(err, "check duplicate titles")
		}
		return insertDependencies(ctx, tx, t.ID, t.Dependencies)
	})
	if err != nil {
		return nil, err
	}

	logger.G(ctx).WithField("task_id", t.ID).WithField("title", t.Title).Debug("task created")
	s.publish(t, notify.KindCreated)

	if len(duplicates) > 0 {
		return t, &DuplicateTitleWarning{Title: t.Title, ExistingIDs: duplicates}
	}
	return t, nil
}

func requireExisting(ctx context.Context, q sqlx.ExtContext, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`SELECT id FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "build existence query")
	}
	var found []int64
	if err := sqlx.SelectContext(ctx, q, &found, q.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "check dependencies exist")
	}
	for _, id := range ids {
		if !slices.Contains(found, id) {
			return &NotFoundError{ID: id}
		}
	}
	return nil
}

func insertDependencies(ctx context.Context, tx *sqlx.Tx, id int64, deps []int64) error {
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`, id, dep); err != nil {
			return errors.Wrapf(err, "insert dependency %d -> %d", id, dep)
		}
	}
	return nil
}

// Update atomically applies mutation to the task if its updated_at still
// equals expected. It fails with *StaleWriteError on a concurrent change.
//
// Update is for edits and for transitions that need no owner: cancelling a
// todo or blocked task, unblocking, escalating. Claiming and releasing go
// through the lock package.
func (s *Store) Update(ctx context.Context, id int64, expected time.Time, mutation Mutation) (*models.Task, error) {
	cur, err := getTask(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !cur.UpdatedAt.Equal(expected) {
		return nil, &StaleWriteError{ID: id, Expected: expected, Actual: cur.UpdatedAt}
	}

	next := cur.Clone()
	if err := mutation(next); err != nil {
		return nil, err
	}

	if next.Status != cur.Status {
		switch {
		case next.Status == models.TaskStatusInProgress:
			return nil, &InvalidTransitionError{ID: id, From: cur.Status, To: next.Status, Hint: "tasks enter in_progress only by claiming"}
		case cur.Status == models.TaskStatusInProgress || cur.Status == models.TaskStatusInReview:
			return nil, &InvalidTransitionError{ID: id, From: cur.Status, To: next.Status, Hint: "only the owner may release an owned task"}
		}
	}
	if next.Owner != cur.Owner && next.Status != models.TaskStatusTodo {
		return nil, &ValidationError{ID: id, Reason: "owner changes only through claim and release"}
	}

	out, err := s.commit(ctx, cur, next, appendedNote(cur.Notes, next.Notes))
	if err != nil {
		return nil, err
	}
	kind := notify.KindUpdated
	if out.Escalated && !cur.Escalated {
		kind = notify.KindEscalated
	}
	s.publish(out, kind)
	return out, nil
}

// appendedNote returns the text a mutation added to the end of notes, so
// that it can be recorded in the audit trail.
func appendedNote(before, after string) *string {
	if len(after) <= len(before) || !strings.HasPrefix(after, before) {
		return nil
	}
	added := strings.TrimSpace(after[len(before):])
	if added == "" {
		return nil
	}
	return &added
}

// UpdateWithRetry re-reads the task and reapplies mutation until the write
// wins or a non-conflict error occurs.
func (s *Store) UpdateWithRetry(ctx context.Context, id int64, mutation Mutation) (*models.Task, error) {
	var out *models.Task
	err := s.retryStale(ctx, func() error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		out, err = s.Update(ctx, id, cur.UpdatedAt, mutation)
		return err
	})
	return out, err
}

func (s *Store) retryStale(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(s.retryAttempts),
		retry.Delay(2*time.Millisecond),
		retry.MaxDelay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsStale),
		retry.LastErrorOnly(true),
	)
}

// AppendNote adds a line to the task's notes and records it in the audit trail.
func (s *Store) AppendNote(ctx context.Context, id int64, text string) (*models.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ValidationError{ID: id, Reason: "note text is empty"}
	}
	var out *models.Task
	err := s.retryStale(ctx, func() error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		appendNote(next, text)
		out, err = s.commit(ctx, cur, next, &text)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(out, notify.KindNoted)
	return out, nil
}

func appendNote(t *models.Task, text string) {
	if t.Notes == "" {
		t.Notes = text
		return
	}
	t.Notes += "\n" + text
}

// Notes returns the audit trail of notes for a task, oldest first.
func (s *Store) Notes(ctx context.Context, id int64) ([]string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var notes []string
	if err := s.db.SelectContext(ctx, &notes, `SELECT body FROM task_notes WHERE task_id = ? ORDER BY id`, id); err != nil {
		return nil, errors.Wrapf(err, "list notes for task %d", id)
	}
	return notes, nil
}

// SetDependencies replaces the task's dependencies. Self-dependencies and
// edits that would close a cycle are rejected.
func (s *Store) SetDependencies(ctx context.Context, id int64, expected time.Time, deps []int64) (*models.Task, error) {
	return s.Update(ctx, id, expected, func(t *models.Task) error {
		t.Dependencies = deps
		return nil
	})
}

// commit validates next against cur and writes it if cur is still current.
// guards add conditions to the compare-and-swap. A non-nil note is recorded
// in the audit trail.
func (s *Store) commit(ctx context.Context, cur, next *models.Task, note *string, guards ...guard) (*models.Task, error) {
	if next.Status != cur.Status && !models.CanTransition(cur.Status, next.Status) {
		return nil, &InvalidTransitionError{ID: cur.ID, From: cur.Status, To: next.Status}
	}
	return s.write(ctx, cur, next, note, guards...)
}

// write is commit without the transition table check. Callers other than
// commit decide for themselves which status changes are allowed.
func (s *Store) write(ctx context.Context, cur, next *models.Task, note *string, guards ...guard) (*models.Task, error) {
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Title = strings.TrimSpace(next.Title)
	next.Dependencies = models.NormalizeDependencies(next.Dependencies)
	applyStatusEffects(cur, next, s.now().UTC())
	next.UpdatedAt = advance(cur.UpdatedAt, s.now().UTC())

	if err := next.Validate(); err != nil {
		return nil, &ValidationError{ID: cur.ID, Reason: err.Error()}
	}

	depsChanged := !slices.Equal(cur.Dependencies, next.Dependencies)

	// The conditional UPDATE is the first statement of the transaction so the
	// write lock is taken before anything is read.
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		where := "id = ? AND updated_at = ?"
		whereArgs := []any{cur.ID, formatTime(cur.UpdatedAt)}
		for _, g := range guards {
			where += " AND " + g.clause
			whereArgs = append(whereArgs, g.args...)
		}

		args := []any{
			next.Title, next.Description, string(next.Status), next.Owner, string(next.Difficulty),
			formatTime(next.UpdatedAt), nullableTime(next.BlockedAt), next.Escalated, next.Notes,
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, status = ?, owner = ?, difficulty = ?,
				updated_at = ?, blocked_at = ?, escalated = ?, notes = ?
			WHERE `+where, append(args, whereArgs...)...)
		if err != nil {
			return errors.Wrapf(err, "update task %d", cur.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "get rows affected")
		}
		if n == 0 {
			return s.explainRejected(ctx, tx, cur, guards)
		}

		if depsChanged {
			if err := requireExisting(ctx, tx, next.Dependencies); err != nil {
				return err
			}
			if err := checkCycle(ctx, tx, next.ID, next.Dependencies); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id = ?`, cur.ID); err != nil {
				return errors.Wrapf(err, "clear dependencies of task %d", cur.ID)
			}
			if err := insertDependencies(ctx, tx, cur.ID, next.Dependencies); err != nil {
				return err
			}
		}
		if note != nil {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_notes (task_id, body, created_at) VALUES (?, ?, ?)`,
				cur.ID, *note, formatTime(next.UpdatedAt)); err != nil {
				return errors.Wrapf(err, "record note for task %d", cur.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// explainRejected works out why a conditional update matched no row: either
// the task changed underneath us or one of the guards did not hold.
func (s *Store) explainRejected(ctx context.Context, tx *sqlx.Tx, cur *models.Task, guards []guard) error {
	latest, err := getTask(ctx, tx, cur.ID)
	if err != nil {
		return err
	}
	if !latest.UpdatedAt.Equal(cur.UpdatedAt) {
		return &StaleWriteError{ID: cur.ID, Expected: cur.UpdatedAt, Actual: latest.UpdatedAt}
	}
	for _, g := range guards {
		if g.explain != nil {
			if err := g.explain(ctx, tx); err != nil {
				return err
			}
		}
	}
	return &StaleWriteError{ID: cur.ID, Expected: cur.UpdatedAt, Actual: latest.UpdatedAt}
}

// checkCycle rejects a dependency set for id that would close a cycle.
func checkCycle(ctx context.Context, q sqlx.ExtContext, id int64, deps []int64) error {
	if slices.Contains(deps, id) {
		return &graph.CyclicDependencyError{Cycle: []int64{id, id}}
	}
	var edges []struct {
		TaskID    int64 `db:"task_id"`
		DependsOn int64 `db:"depends_on"`
	}
	if err := sqlx.SelectContext(ctx, q, &edges, `SELECT task_id, depends_on FROM task_deps`); err != nil {
		return errors.Wrap(err, "load dependency edges")
	}
	adj := make(map[int64][]int64)
	for _, e := range edges {
		if e.TaskID == id {
			continue
		}
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOn)
	}
	adj[id] = deps
	if cycle := graph.FindCycle(adj); cycle != nil {
		return &graph.CyclicDependencyError{Cycle: cycle}
	}
	return nil
}

// applyStatusEffects keeps derived fields consistent with a status change.
func applyStatusEffects(cur, next *models.Task, now time.Time) {
	if next.Status == cur.Status {
		return
	}
	switch next.Status {
	case models.TaskStatusTodo:
		next.Owner = ""
	case models.TaskStatusBlocked:
		next.BlockedAt = &now
		next.Escalated = false
	}
	if cur.Status == models.TaskStatusBlocked && next.Status != models.TaskStatusBlocked {
		next.BlockedAt = nil
		next.Escalated = false
	}
}

// advance returns a timestamp strictly after prev, so that every write
// changes the compare-and-swap token even when the clock has not moved.
func advance(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (s *Store) publish(t *models.Task, kind notify.Kind) {
	s.publisher.Publish(notify.Event{
		TaskID: t.ID,
		Kind:   kind,
		Status: t.Status,
		Owner:  t.Owner,
		At:     t.UpdatedAt,
	})
}
