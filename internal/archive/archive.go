// Package archive keeps a queryable history of finished tasks in SQLite.
// The per-task JSON record in the state directory remains the source of
// truth; the archive is what the history command lists.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	title       TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	subtasks    INTEGER NOT NULL DEFAULT 0,
	conflicts   INTEGER NOT NULL DEFAULT 0,
	failures    INTEGER NOT NULL DEFAULT 0,
	head        TEXT NOT NULL DEFAULT '',
	record      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_finished ON tasks(finished_at);
`

// Entry is one archived task as listed by the history command.
type Entry struct {
	ID         string
	Source     string
	Title      string
	State      task.State
	CreatedAt  time.Time
	FinishedAt time.Time
	Subtasks   int
	Conflicts  int
	Failures   int
	// Head is the integration commit promoted on completion.
	Head string
}

// Archive is a SQLite database of finished tasks.
type Archive struct {
	db *sql.DB
}

// Open opens or creates the archive database at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Engine and CLI processes share the file; one connection each keeps
	// writers serialised through the driver's busy timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	return a.db.Close()
}

// Record stores a terminal task. Recording the same task again replaces
// the earlier row.
func (a *Archive) Record(ctx context.Context, t *task.Task, finishedAt time.Time) error {
	if a == nil {
		return nil
	}
	if !t.State.IsTerminal() {
		return errors.Wrapf(errors.ErrInvalidTransition, "task %s is %s, not terminal", t.ID, t.State)
	}
	record, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO tasks (id, source, title, state, created_at, finished_at, subtasks, conflicts, failures, head, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			finished_at = excluded.finished_at,
			subtasks = excluded.subtasks,
			conflicts = excluded.conflicts,
			failures = excluded.failures,
			head = excluded.head,
			record = excluded.record`,
		t.ID, t.Source, t.Title, string(t.State),
		t.CreatedAt.UTC(), finishedAt.UTC(),
		len(t.Subtasks), len(t.Conflicts), len(t.Errors),
		t.Integration.Head, string(record))
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

// List returns the most recently finished tasks first. A limit of zero
// or less lists everything.
func (a *Archive) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, source, title, state, created_at, finished_at, subtasks, conflicts, failures, head
		FROM tasks ORDER BY finished_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var state string
		if err := rows.Scan(&e.ID, &e.Source, &e.Title, &state, &e.CreatedAt, &e.FinishedAt,
			&e.Subtasks, &e.Conflicts, &e.Failures, &e.Head); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		e.State = task.State(state)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the full task record archived under id.
func (a *Archive) Get(ctx context.Context, id string) (*task.Task, error) {
	var record string
	err := a.db.QueryRowContext(ctx, `SELECT record FROM tasks WHERE id = ?`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrTaskNotFound, "archived task %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read archived task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(record), &t); err != nil {
		return nil, fmt.Errorf("decode archived task %s: %w", id, err)
	}
	return &t, nil
}
