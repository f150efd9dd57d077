package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister stores snapshots in a SQLite database.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at the given path.
func OpenSQLite(dbPath string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection keeps the pragmas below in force for every statement.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	// Other weave processes may hold the write lock briefly.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

// Close closes the database connection.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func (p *SQLitePersister) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id                TEXT PRIMARY KEY,
		ord               INTEGER NOT NULL,
		name              TEXT NOT NULL,
		description       TEXT DEFAULT '',
		status            TEXT NOT NULL DEFAULT 'todo',
		priority          TEXT NOT NULL DEFAULT 'medium',
		estimated_hours   REAL NOT NULL DEFAULT 0,
		dependencies      TEXT NOT NULL DEFAULT '[]',
		dependency_types  TEXT NOT NULL DEFAULT '[]',
		labels            TEXT NOT NULL DEFAULT '[]',
		assigned_to       TEXT DEFAULT '',
		is_subtask        INTEGER NOT NULL DEFAULT 0,
		parent_task_id    TEXT DEFAULT '',
		subtask_index     INTEGER NOT NULL DEFAULT 0,
		provides          TEXT DEFAULT '',
		requires          TEXT DEFAULT '',
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id, subtask_index);

	CREATE TABLE IF NOT EXISTS subtask_metadata (
		parent_id           TEXT PRIMARY KEY,
		shared_conventions  TEXT NOT NULL DEFAULT '{}',
		decomposed_at       DATETIME NOT NULL,
		decomposed_by       TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS flags (
		key    TEXT PRIMARY KEY,
		value  TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS store_meta (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		generation  INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO store_meta (id, generation) VALUES (1, 0);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema.
	p.addColumnIfMissing("tasks", "file_artifacts", "TEXT NOT NULL DEFAULT '[]'")
	p.addColumnIfMissing("tasks", "due_date", "TEXT DEFAULT ''")
	return nil
}

// addColumnIfMissing adds a column to a table if it doesn't exist yet.
func (p *SQLitePersister) addColumnIfMissing(table, column, colDef string) {
	rows, err := p.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return
	}

	found := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return
		}
		if name == column {
			found = true
		}
	}
	rows.Close()
	if found {
		return
	}
	p.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + colDef)
}

const taskColumns = `id, name, description, status, priority, estimated_hours,
	dependencies, dependency_types, labels, assigned_to, is_subtask, parent_task_id,
	subtask_index, provides, requires, file_artifacts, due_date, created_at, updated_at`

// Generation returns the number of snapshots committed so far.
func (p *SQLitePersister) Generation(ctx context.Context) (int64, error) {
	var gen int64
	if err := p.db.QueryRowContext(ctx, "SELECT generation FROM store_meta WHERE id = 1").Scan(&gen); err != nil {
		return 0, fmt.Errorf("query generation: %w", err)
	}
	return gen, nil
}

// Load reads the full snapshot inside one read transaction so the tasks,
// metadata and generation all come from the same commit.
func (p *SQLitePersister) Load(ctx context.Context) (*Snapshot, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	snap := &Snapshot{Metadata: map[string]SubtaskMetadata{}, Flags: map[string]string{}}

	if err := tx.QueryRowContext(ctx, "SELECT generation FROM store_meta WHERE id = 1").Scan(&snap.Generation); err != nil {
		return nil, fmt.Errorf("query generation: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY ord")
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Tasks = append(snap.Tasks, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := tx.QueryContext(ctx, "SELECT parent_id, shared_conventions, decomposed_at, decomposed_by FROM subtask_metadata")
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	for mrows.Next() {
		var m SubtaskMetadata
		var conventions string
		if err := mrows.Scan(&m.ParentID, &conventions, &m.DecomposedAt, &m.DecomposedBy); err != nil {
			mrows.Close()
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(conventions), &m.SharedConventions); err != nil {
			mrows.Close()
			return nil, fmt.Errorf("decode conventions for %s: %w", m.ParentID, err)
		}
		snap.Metadata[m.ParentID] = m
	}
	mrows.Close()

	frows, err := tx.QueryContext(ctx, "SELECT key, value FROM flags")
	if err != nil {
		return nil, fmt.Errorf("query flags: %w", err)
	}
	for frows.Next() {
		var k, v string
		if err := frows.Scan(&k, &v); err != nil {
			frows.Close()
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		snap.Flags[k] = v
	}
	frows.Close()
	if err := frows.Err(); err != nil {
		return nil, err
	}
	return snap, tx.Commit()
}

// Save replaces the stored state with snap inside a single transaction.
// The generation bump is the first write, so the transaction takes the
// write lock before anything else and refuses snapshots that were loaded
// before another commit.
func (p *SQLitePersister) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE store_meta SET generation = generation + 1 WHERE id = 1 AND generation = ?", snap.Generation)
	if err != nil {
		return fmt.Errorf("bump generation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("bump generation: %w", err)
	} else if n == 0 {
		return fmt.Errorf("save generation %d: %w", snap.Generation, ErrStale)
	}

	for _, table := range []string{"tasks", "subtask_metadata", "flags"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks (ord, `+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range snap.Tasks {
		deps, _ := json.Marshal(nonNil(t.Dependencies))
		types, _ := json.Marshal(nonNil(t.DependencyTypes))
		labels, _ := json.Marshal(nonNil(t.Labels))
		artifacts, _ := json.Marshal(nonNil(t.FileArtifacts))
		due := ""
		if t.DueDate != nil {
			due = t.DueDate.UTC().Format(time.RFC3339)
		}
		if _, err := stmt.ExecContext(ctx, i, t.ID, t.Name, t.Description, string(t.Status),
			string(t.Priority), t.EstimatedHours, string(deps), string(types), string(labels),
			t.AssignedTo, boolToInt(t.IsSubtask), t.ParentTaskID, t.SubtaskIndex, t.Provides,
			t.Requires, string(artifacts), due, t.CreatedAt, t.UpdatedAt); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	for _, m := range snap.Metadata {
		conv, _ := json.Marshal(m.SharedConventions)
		if m.SharedConventions == nil {
			conv = []byte("{}")
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO subtask_metadata (parent_id, shared_conventions, decomposed_at, decomposed_by) VALUES (?, ?, ?, ?)",
			m.ParentID, string(conv), m.DecomposedAt, m.DecomposedBy); err != nil {
			return fmt.Errorf("insert metadata %s: %w", m.ParentID, err)
		}
	}

	for k, v := range snap.Flags {
		if _, err := tx.ExecContext(ctx, "INSERT INTO flags (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("insert flag %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, priority, deps, types, labels, artifacts, due string
	var isSubtask int
	err := s.Scan(&t.ID, &t.Name, &t.Description, &status, &priority, &t.EstimatedHours,
		&deps, &types, &labels, &t.AssignedTo, &isSubtask, &t.ParentTaskID, &t.SubtaskIndex,
		&t.Provides, &t.Requires, &artifacts, &due, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = TaskStatus(status)
	t.Priority = Priority(priority)
	t.IsSubtask = isSubtask == 1

	jsonCols := []struct {
		name string
		raw  string
		dst  any
	}{
		{"dependencies", deps, &t.Dependencies},
		{"dependency_types", types, &t.DependencyTypes},
		{"labels", labels, &t.Labels},
		{"file_artifacts", artifacts, &t.FileArtifacts},
	}
	for _, c := range jsonCols {
		if c.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
			return nil, fmt.Errorf("decode %s for %s: %w", c.name, t.ID, err)
		}
	}
	if len(t.Dependencies) == 0 {
		t.Dependencies = nil
		t.DependencyTypes = nil
	}
	if len(t.Labels) == 0 {
		t.Labels = nil
	}
	if len(t.FileArtifacts) == 0 {
		t.FileArtifacts = nil
	}

	if due != "" {
		d, err := time.Parse(time.RFC3339, due)
		if err != nil {
			return nil, fmt.Errorf("decode due date for %s: %w", t.ID, err)
		}
		t.DueDate = &d
	}
	return &t, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
