package board

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/weave/internal/store"
)

func testBoard(t *testing.T) *Local {
	t.Helper()
	l, err := OpenLocal(filepath.Join(t.TempDir(), "board.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenLocal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.db")
	l, err := OpenLocal(path)
	require.NoError(t, err)
	require.NoError(t, l.UpdateTask(context.Background(), "t1", Fields{Name: "Checkout"}))
	require.NoError(t, l.Close())

	l, err = OpenLocal(path)
	require.NoError(t, err)
	defer l.Close()
	c, err := l.Card(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Checkout", c.Name)
}

func TestUpdateTask_PartialFields(t *testing.T) {
	ctx := context.Background()
	l := testBoard(t)

	require.NoError(t, l.UpdateTask(ctx, "t1", Fields{Name: "Checkout", Status: store.StatusInProgress}))
	require.NoError(t, l.UpdateTaskProgress(ctx, "t1", Fields{Progress: Progress(50)}))

	c, err := l.Card(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Checkout", c.Name)
	assert.Equal(t, store.StatusInProgress, c.Status)
	assert.Equal(t, 50.0, c.Progress)
}

func TestCard_NotFound(t *testing.T) {
	_, err := testBoard(t).Card(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestComments(t *testing.T) {
	ctx := context.Background()
	l := testBoard(t)

	require.NoError(t, l.AddComment(ctx, "t1", "first"))
	require.NoError(t, l.AddComment(ctx, "t1", "second"))
	require.NoError(t, l.AddComment(ctx, "t2", "other"))

	got, err := l.Comments(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Body)
	assert.Equal(t, "second", got[1].Body)
	assert.NotEqual(t, got[0].ID, got[1].ID)

	cards, err := l.Cards(ctx)
	require.NoError(t, err)
	assert.Len(t, cards, 2, "comments create their card")
}

func TestSyncCardAndChecklist(t *testing.T) {
	ctx := context.Background()
	l := testBoard(t)
	parent := store.Task{ID: "t1", Name: "Checkout", Status: store.StatusInProgress}
	subs := []store.Task{
		{ID: "t1_sub_1", Name: "Design cart", Status: store.StatusDone},
		{ID: "t1_sub_2", Name: "Implement cart", Status: store.StatusTodo},
	}
	require.NoError(t, l.SyncCard(ctx, parent, subs, 50))

	items, err := l.ChecklistItems(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []ChecklistItem{
		{Name: "Design cart", Done: true, Position: 0},
		{Name: "Implement cart", Done: false, Position: 1},
	}, items)

	ok, err := l.CompleteChecklistItem(ctx, "t1", "  implement CART ")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.CompleteChecklistItem(ctx, "t1", "Deploy")
	require.NoError(t, err)
	assert.False(t, ok)

	// A later sync never un-ticks an item.
	require.NoError(t, l.SyncCard(ctx, parent, subs, 50))
	items, err = l.ChecklistItems(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, items[1].Done)

	c, err := l.Card(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, c.Progress)
}
