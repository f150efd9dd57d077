// Package board mirrors parent tasks onto an external kanban board. The
// engine talks to the board only through Client; Local is the board that
// ships with weave and keeps cards in their own SQLite database.
package board

import (
	"context"
	"time"

	"github.com/imkarma/weave/internal/store"
)

// Client is the board collaborator. Calls are awaited but their failure
// never rolls back engine state.
type Client interface {
	UpdateTask(ctx context.Context, id string, f Fields) error
	UpdateTaskProgress(ctx context.Context, id string, f Fields) error
	AddComment(ctx context.Context, id, text string) error
	ChecklistItems(ctx context.Context, id string) ([]ChecklistItem, error)
	// CompleteChecklistItem marks the item called name done. It reports
	// false when the card has no such item.
	CompleteChecklistItem(ctx context.Context, id, name string) (bool, error)
}

// Fields is a partial card update. Zero values are left unchanged.
type Fields struct {
	Name     string
	Status   store.TaskStatus
	Progress *float64
}

// Progress is a convenience for building Fields.
func Progress(pct float64) *float64 { return &pct }

// Card is one board entry. Its ID is the parent task ID.
type Card struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Status    store.TaskStatus `json:"status"`
	Progress  float64          `json:"progress"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type ChecklistItem struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Position int    `json:"position"`
}

type Comment struct {
	ID        string    `json:"id"`
	CardID    string    `json:"card_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
