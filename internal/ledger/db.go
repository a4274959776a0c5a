// Package ledger provides the SQLite-backed task ledger: the single source of
// truth shared by every worker. All coordination happens through conditional
// writes that compare the task's updated_at, so workers in separate processes
// never need a lock service.
package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	// DriverPureGo is the modernc.org/sqlite driver name.
	DriverPureGo = "sqlite"
	// DriverCgo is the github.com/mattn/go-sqlite3 driver name.
	DriverCgo = "sqlite3"
)

// timeLayout is a fixed-width RFC 3339 layout so that stored timestamps sort
// lexically and round-trip to the nanosecond.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// GlobalDBPath returns the path to the user-wide ledger.
func GlobalDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "waveledger", "ledger.db")
}

// ProjectDBPath returns the path to the project-local ledger.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".waveledger", "ledger.db")
}

// OpenDB opens or creates the SQLite database at path with WAL enabled.
// An empty driver selects the pure-Go driver.
func OpenDB(ctx context.Context, driver, path string) (*sqlx.DB, error) {
	if driver == "" {
		driver = DriverPureGo
	}
	if driver != DriverPureGo && driver != DriverCgo {
		return nil, errors.Errorf("unsupported sqlite driver %q (expected %q or %q)", driver, DriverPureGo, DriverCgo)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sqlx.Open(driver, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if err := configure(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to configure database")
	}

	return db, nil
}

// configure sets the pragmas the ledger relies on. A single connection per
// process keeps the pragmas in effect and serialises local writers; other
// processes are coordinated by SQLite's file locks and the busy timeout.
func configure(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "failed to execute pragma: %s", pragma)
		}
	}

	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	var journalMode string
	if err := db.GetContext(ctx, &journalMode, "PRAGMA journal_mode"); err != nil {
		return errors.Wrap(err, "failed to query journal mode")
	}
	if strings.ToLower(journalMode) != "wal" {
		return errors.Errorf("WAL mode not enabled. Current mode: %s", journalMode)
	}
	return nil
}

// migrate applies all pending schema migrations.
func migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return errors.Wrap(err, "create schema_version table")
	}

	var current int
	if err := db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return errors.Wrap(err, "get schema version")
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Dependencies},
		{3, migrationV3Notes},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin transaction")
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration v%d", m.version)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			m.version, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record migration v%d", m.version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration v%d", m.version)
		}
	}
	return nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'todo',
	owner TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT 'medium',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	blocked_at TEXT,
	escalated INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner);
CREATE INDEX IF NOT EXISTS idx_tasks_title ON tasks(title);
`

const migrationV2Dependencies = `
CREATE TABLE IF NOT EXISTS task_deps (
	task_id INTEGER NOT NULL REFERENCES tasks(id),
	depends_on INTEGER NOT NULL REFERENCES tasks(id),
	PRIMARY KEY (task_id, depends_on)
);

CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_deps(depends_on);
`

const migrationV3Notes = `
CREATE TABLE IF NOT EXISTS task_notes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id),
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_notes_task_id ON task_notes(task_id);
`

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t.UTC(), nil
}
