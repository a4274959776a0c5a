package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/internal/notify"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// Format selects the snapshot encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

const snapshotVersion = 1

// ParseFormat accepts "yaml", "yml" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yaml", "yml", "":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", errors.Errorf("unknown snapshot format %q", s)
	}
}

// Snapshot is the serialized form of a whole ledger.
type Snapshot struct {
	Version int            `json:"version" yaml:"version"`
	Tasks   []*models.Task `json:"tasks" yaml:"tasks"`
}

// Export writes every task, in ID order, to w.
func (s *Store) Export(ctx context.Context, w io.Writer, format Format) error {
	tasks, err := Collect(s.List(ctx, Filter{}))
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return EncodeSnapshot(w, format, &Snapshot{Version: snapshotVersion, Tasks: tasks})
}

// EncodeSnapshot writes snap in the given format.
func EncodeSnapshot(w io.Writer, format Format, snap *Snapshot) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(snap), "encode json snapshot")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return errors.Wrap(err, "encode yaml snapshot")
		}
		return errors.Wrap(enc.Close(), "flush yaml snapshot")
	default:
		return errors.Errorf("unknown snapshot format %q", format)
	}
}

// DecodeSnapshot reads a snapshot in the given format.
func DecodeSnapshot(r io.Reader, format Format) (*Snapshot, error) {
	var snap Snapshot
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&snap); err != nil {
			return nil, errors.Wrap(err, "decode json snapshot")
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&snap); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "decode yaml snapshot")
		}
	default:
		return nil, errors.Errorf("unknown snapshot format %q", format)
	}
	if snap.Version > snapshotVersion {
		return nil, errors.Errorf("snapshot version %d is newer than supported version %d", snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// ValidateSnapshot checks every record and the relations between them,
// returning all problems at once.
func ValidateSnapshot(snap *Snapshot) error {
	var result *multierror.Error

	seen := make(map[int64]bool, len(snap.Tasks))
	for i, t := range snap.Tasks {
		if t == nil {
			result = multierror.Append(result, fmt.Errorf("record %d: empty", i))
			continue
		}
		if t.ID <= 0 {
			result = multierror.Append(result, fmt.Errorf("record %d: id must be positive", i))
			continue
		}
		if seen[t.ID] {
			result = multierror.Append(result, fmt.Errorf("record %d: duplicate id %d", i, t.ID))
		}
		seen[t.ID] = true
		if err := t.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("record %d: %w", i, err))
		}
	}

	adj := make(map[int64][]int64, len(snap.Tasks))
	for _, t := range snap.Tasks {
		if t == nil || t.ID <= 0 {
			continue
		}
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				result = multierror.Append(result, &graph.MissingDependencyError{TaskID: t.ID, DependencyID: dep})
			}
		}
		adj[t.ID] = t.Dependencies
	}
	if cycle := graph.FindCycle(adj); cycle != nil {
		result = multierror.Append(result, &graph.CyclicDependencyError{Cycle: cycle})
	}

	return result.ErrorOrNil()
}

// Import restores a snapshot into an empty ledger, keeping IDs and
// timestamps. Nothing is written unless every record is valid.
func (s *Store) Import(ctx context.Context, r io.Reader, format Format) (int, error) {
	snap, err := DecodeSnapshot(r, format)
	if err != nil {
		return 0, err
	}
	for _, t := range snap.Tasks {
		if t != nil {
			t.Dependencies = models.NormalizeDependencies(t.Dependencies)
			t.CreatedAt = t.CreatedAt.UTC()
			t.UpdatedAt = t.UpdatedAt.UTC()
			if t.BlockedAt != nil {
				b := t.BlockedAt.UTC()
				t.BlockedAt = &b
			}
		}
	}
	if err := ValidateSnapshot(snap); err != nil {
		return 0, errors.Wrap(err, "invalid snapshot")
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range snap.Tasks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, title, description, status, owner, difficulty, created_at, updated_at, blocked_at, escalated, notes)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, t.ID, t.Title, t.Description, string(t.Status), t.Owner, string(t.Difficulty),
				formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullableTime(t.BlockedAt), t.Escalated, t.Notes); err != nil {
				return errors.Wrapf(err, "insert task %d", t.ID)
			}
		}
		var existing int
		if err := tx.GetContext(ctx, &existing, `SELECT COUNT(*) FROM tasks`); err != nil {
			return errors.Wrap(err, "count tasks")
		}
		if existing != len(snap.Tasks) {
			return errors.Errorf("ledger is not empty: import requires an empty ledger (found %d existing tasks)", existing-len(snap.Tasks))
		}
		for _, t := range snap.Tasks {
			if err := insertDependencies(ctx, tx, t.ID, t.Dependencies); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, t := range snap.Tasks {
		s.publish(t, notify.KindCreated)
	}
	return len(snap.Tasks), nil
}
