package ledger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

func populated(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "schema")
	b := mustCreate(t, s, "api", a.ID)
	c := mustCreate(t, s, "ui", a.ID)
	mustCreate(t, s, "release", b.ID, c.ID)

	finish(t, s, a.ID)
	_, err := s.ClaimTodo(ctx, b.ID, "w1", 0)
	require.NoError(t, err)
	_, err = s.ClaimTodo(ctx, c.ID, "w2", 0)
	require.NoError(t, err)
	_, err = s.TransitionOwned(ctx, c.ID, "w2", models.TaskStatusBlocked, "design missing", 0)
	require.NoError(t, err)
	return s
}

func assertSameTasks(t *testing.T, want, got []*models.Task) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		assert.Equal(t, w.ID, g.ID)
		assert.Equal(t, w.Title, g.Title)
		assert.Equal(t, w.Status, g.Status)
		assert.Equal(t, w.Owner, g.Owner)
		assert.Equal(t, w.Dependencies, g.Dependencies)
		assert.Equal(t, w.Difficulty, g.Difficulty)
		assert.Equal(t, w.Notes, g.Notes)
		assert.Equal(t, w.Escalated, g.Escalated)
		assert.True(t, w.CreatedAt.Equal(g.CreatedAt), "created_at of %d", w.ID)
		assert.True(t, w.UpdatedAt.Equal(g.UpdatedAt), "updated_at of %d", w.ID)
		if w.BlockedAt == nil {
			assert.Nil(t, g.BlockedAt)
		} else {
			require.NotNil(t, g.BlockedAt)
			assert.True(t, w.BlockedAt.Equal(*g.BlockedAt))
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatYAML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			ctx := context.Background()
			src := populated(t)

			var buf bytes.Buffer
			require.NoError(t, src.Export(ctx, &buf, format))

			dst := newTestStore(t)
			n, err := dst.Import(ctx, &buf, format)
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			want, err := Collect(src.List(ctx, Filter{}))
			require.NoError(t, err)
			got, err := Collect(dst.List(ctx, Filter{}))
			require.NoError(t, err)
			assertSameTasks(t, want, got)

			// Imported ids are reserved: the next task gets a fresh one.
			next := mustCreate(t, dst, "after import")
			assert.Greater(t, next.ID, int64(4))
		})
	}
}

func TestImportRequiresEmptyLedger(t *testing.T) {
	ctx := context.Background()
	src := populated(t)
	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf, FormatJSON))

	dst := newTestStore(t)
	mustCreate(t, dst, "already here")
	_, err := dst.Import(ctx, &buf, FormatJSON)
	require.Error(t, err)

	all, err := Collect(dst.List(ctx, Filter{}))
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestImportReportsEveryProblem(t *testing.T) {
	doc := `
version: 1
tasks:
  - id: 1
    title: ""
    status: todo
    difficulty: medium
    dependencies: []
    created_at: 2026-01-01T00:00:00Z
    updated_at: 2026-01-01T00:00:00Z
  - id: 2
    title: claimed
    status: in_progress
    difficulty: medium
    dependencies: [9]
    created_at: 2026-01-01T00:00:00Z
    updated_at: 2026-01-01T00:00:00Z
  - id: 3
    title: loop
    status: todo
    difficulty: medium
    dependencies: [4]
    created_at: 2026-01-01T00:00:00Z
    updated_at: 2026-01-01T00:00:00Z
  - id: 4
    title: loop back
    status: todo
    difficulty: medium
    dependencies: [3]
    created_at: 2026-01-01T00:00:00Z
    updated_at: 2026-01-01T00:00:00Z
`
	s := newTestStore(t)
	_, err := s.Import(context.Background(), strings.NewReader(doc), FormatYAML)
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	// empty title, missing owner, missing dependency, cycle
	assert.Len(t, merr.Errors, 4)

	var cyc *CyclicDependencyError
	assert.ErrorAs(t, err, &cyc)

	all, err := Collect(s.List(context.Background(), Filter{}))
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	f, err = ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("toml")
	assert.Error(t, err)
}

func TestDecodeEmptyYAML(t *testing.T) {
	snap, err := DecodeSnapshot(strings.NewReader(""), FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, snap.Tasks)
}

func TestImportRejectsOwnedTodo(t *testing.T) {
	doc := `
version: 1
tasks:
  - id: 1
    title: orphaned claim
    status: todo
    owner: ghost
    difficulty: medium
    dependencies: []
    created_at: 2026-01-01T00:00:00Z
    updated_at: 2026-01-01T00:00:00Z
`
	s := newTestStore(t)
	_, err := s.Import(context.Background(), strings.NewReader(doc), FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "todo cannot have an owner")

	all, err := Collect(s.List(context.Background(), Filter{}))
	require.NoError(t, err)
	assert.Empty(t, all)
}
