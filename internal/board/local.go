package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/imkarma/weave/internal/store"
)

// Local is a Client backed by a SQLite database.
type Local struct {
	db  *sql.DB
	now func() time.Time
}

var _ Client = (*Local)(nil)

// OpenLocal opens (or creates) the board database at the given path.
func OpenLocal(dbPath string) (*Local, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open board: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l := &Local{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate board: %w", err)
	}
	return l, nil
}

func (l *Local) Close() error {
	return l.db.Close()
}

func (l *Local) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cards (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'todo',
		progress    REAL NOT NULL DEFAULT 0,
		updated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS comments (
		id          TEXT PRIMARY KEY,
		card_id     TEXT NOT NULL,
		body        TEXT NOT NULL,
		created_at  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_comments_card ON comments(card_id, created_at);

	CREATE TABLE IF NOT EXISTS checklist_items (
		card_id   TEXT NOT NULL,
		name      TEXT NOT NULL,
		done      INTEGER NOT NULL DEFAULT 0,
		position  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (card_id, name)
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *Local) ensureCard(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cards (id, updated_at) VALUES (?, ?)`, id, l.now())
	return err
}

// UpdateTask applies f to the card, creating it if needed.
func (l *Local) UpdateTask(ctx context.Context, id string, f Fields) error {
	if err := l.ensureCard(ctx, id); err != nil {
		return fmt.Errorf("update card %s: %w", id, err)
	}
	sets := []string{"updated_at = ?"}
	args := []any{l.now()}
	if f.Name != "" {
		sets = append(sets, "name = ?")
		args = append(args, f.Name)
	}
	if f.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *f.Progress)
	}
	args = append(args, id)
	if _, err := l.db.ExecContext(ctx, `UPDATE cards SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update card %s: %w", id, err)
	}
	return nil
}

// UpdateTaskProgress is UpdateTask; the local board keeps progress on the
// card itself.
func (l *Local) UpdateTaskProgress(ctx context.Context, id string, f Fields) error {
	return l.UpdateTask(ctx, id, f)
}

// AddComment appends a comment to the card.
func (l *Local) AddComment(ctx context.Context, id, text string) error {
	if err := l.ensureCard(ctx, id); err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO comments (id, card_id, body, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), id, text, l.now(),
	)
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	return nil
}

// Comments returns the card's comments, oldest first.
func (l *Local) Comments(ctx context.Context, id string) ([]Comment, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, card_id, body, created_at FROM comments WHERE card_id = ? ORDER BY created_at, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("get comments: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.CardID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChecklistItems returns the card's checklist in position order.
func (l *Local) ChecklistItems(ctx context.Context, id string) ([]ChecklistItem, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT name, done, position FROM checklist_items WHERE card_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get checklist: %w", err)
	}
	defer rows.Close()

	var out []ChecklistItem
	for rows.Next() {
		var it ChecklistItem
		var done int
		if err := rows.Scan(&it.Name, &done, &it.Position); err != nil {
			return nil, fmt.Errorf("scan checklist item: %w", err)
		}
		it.Done = done != 0
		out = append(out, it)
	}
	return out, rows.Err()
}

// CompleteChecklistItem marks the item whose name matches, ignoring case
// and surrounding space.
func (l *Local) CompleteChecklistItem(ctx context.Context, id, name string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE checklist_items SET done = 1 WHERE card_id = ? AND lower(trim(name)) = lower(trim(?))`, id, name)
	if err != nil {
		return false, fmt.Errorf("complete checklist item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Card returns one card, or store.ErrNotFound.
func (l *Local) Card(ctx context.Context, id string) (Card, error) {
	var c Card
	err := l.db.QueryRowContext(ctx,
		`SELECT id, name, status, progress, updated_at FROM cards WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Status, &c.Progress, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, fmt.Errorf("card %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return Card{}, fmt.Errorf("get card: %w", err)
	}
	return c, nil
}

// Cards returns every card in creation order.
func (l *Local) Cards(ctx context.Context) ([]Card, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, name, status, progress, updated_at FROM cards ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var out []Card
	for rows.Next() {
		var c Card
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.Progress, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SyncCard writes parent's card and makes the checklist list every subtask
// by name. Existing items keep their done flag unless the subtask is DONE.
func (l *Local) SyncCard(ctx context.Context, parent store.Task, subtasks []store.Task, progress float64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync card: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cards (id, name, status, progress, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status,
			progress = excluded.progress, updated_at = excluded.updated_at`,
		parent.ID, parent.Name, string(parent.Status), progress, l.now(),
	)
	if err != nil {
		return fmt.Errorf("sync card %s: %w", parent.ID, err)
	}

	for i, s := range subtasks {
		done := 0
		if s.Status == store.StatusDone {
			done = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checklist_items (card_id, name, done, position) VALUES (?, ?, ?, ?)
			ON CONFLICT(card_id, name) DO UPDATE SET position = excluded.position,
				done = max(checklist_items.done, excluded.done)`,
			parent.ID, s.Name, done, i,
		)
		if err != nil {
			return fmt.Errorf("sync checklist %s: %w", parent.ID, err)
		}
	}
	return tx.Commit()
}
