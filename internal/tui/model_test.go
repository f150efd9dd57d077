package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/weave/internal/assign"
	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

func newTestModel(t *testing.T, opts ...Option) (Model, *subtask.Manager) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.NewMemoryPersister())
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx *store.Txn) error {
		tx.Put(store.Task{ID: "p1", Name: "Login page", Status: store.StatusTodo, Priority: store.PriorityHigh})
		tx.Put(store.Task{ID: "p2", Name: "Not split", Status: store.StatusTodo, Priority: store.PriorityLow})
		return nil
	}))
	m := subtask.NewManager(s, nil)
	_, err = m.AddSubtasks(ctx, "p1", []subtask.Spec{
		{Name: "Design form"},
		{Name: "Implement form", Dependencies: []int{0}, Requires: "form layout"},
	}, store.SubtaskMetadata{})
	require.NoError(t, err)
	return New(ctx, m, assign.New(m), opts...), m
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends a key and runs any resulting action synchronously.
func press(t *testing.T, m Model, s string) Model {
	t.Helper()
	next, cmd := m.Update(key(s))
	m = next.(Model)
	if cmd == nil {
		return m
	}
	if msg, ok := cmd().(actionMsg); ok {
		next, _ = m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestBoardColumns(t *testing.T) {
	m, _ := newTestModel(t)

	require.Len(t, m.columns[colTodo], 2)
	assert.Equal(t, 2, m.columns[colTodo][0].total)
	assert.Equal(t, 1, m.ready)

	view := m.View()
	assert.Contains(t, view, "weave board")
	assert.Contains(t, view, "Login page")
	assert.Contains(t, view, "not decomposed")
}

func TestDetailCompleteAndBlock(t *testing.T) {
	var changed []string
	m, mgr := newTestModel(t, WithOnChange(func(_ context.Context, id string) { changed = append(changed, id) }))

	m = press(t, m, "enter")
	require.Equal(t, screenDetail, m.screen)
	require.Len(t, m.subtasks, 2)
	assert.Contains(t, m.View(), "needs: ")

	m = press(t, m, "d")
	sub, _ := mgr.Store().Get("p1_sub_1")
	assert.Equal(t, store.StatusDone, sub.Status)
	assert.Equal(t, "p1_sub_1 done", m.statusMsg)

	// The parent moved to IN_PROGRESS; the detail follows it.
	require.NotNil(t, m.parent)
	assert.Equal(t, store.StatusInProgress, m.parent.task.Status)
	assert.Equal(t, 1, m.parent.done)

	m = press(t, m, "j")
	m = press(t, m, "b")
	require.True(t, m.blocking)
	for _, r := range "waiting on API" {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(Model)
	}
	m = press(t, m, "enter")
	assert.False(t, m.blocking)
	sub, _ = mgr.Store().Get("p1_sub_2")
	assert.Equal(t, store.StatusBlocked, sub.Status)
	assert.Equal(t, 1, m.parent.blocked)

	m = press(t, m, "u")
	sub, _ = mgr.Store().Get("p1_sub_2")
	assert.Equal(t, store.StatusTodo, sub.Status)
	assert.Empty(t, sub.AssignedTo)

	assert.Equal(t, []string{"p1", "p1", "p1"}, changed)
}

func TestLastSubtaskCompletesParent(t *testing.T) {
	m, mgr := newTestModel(t)
	m = press(t, m, "enter")
	m = press(t, m, "d")
	m = press(t, m, "j")
	m = press(t, m, "d")

	p, _ := mgr.Store().Get("p1")
	assert.Equal(t, store.StatusDone, p.Status)
	assert.Len(t, m.columns[colDone], 1)

	m = press(t, m, "esc")
	assert.Equal(t, screenBoard, m.screen)
	assert.Nil(t, m.parent)
}

func TestNavigationClamps(t *testing.T) {
	m, _ := newTestModel(t)
	for range 10 {
		m = press(t, m, "l")
	}
	assert.Equal(t, numColumns-1, m.cursorCol)
	assert.Nil(t, m.selectedCard())

	m = press(t, m, "enter")
	assert.Equal(t, screenBoard, m.screen)

	for range 10 {
		m = press(t, m, "h")
	}
	m = press(t, m, "j")
	m = press(t, m, "j")
	assert.Equal(t, 1, m.cursorRow)

	next, cmd := m.Update(key("q"))
	assert.True(t, next.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.True(t, strings.TrimSpace(next.(Model).View()) == "")
}

func TestTickPicksUpOtherProcess(t *testing.T) {
	ctx := context.Background()
	p := store.NewMemoryPersister()
	mine, err := store.Open(ctx, p)
	require.NoError(t, err)
	other, err := store.Open(ctx, p)
	require.NoError(t, err)

	mgr := subtask.NewManager(mine, nil)
	m := New(ctx, mgr, assign.New(mgr))
	assert.Empty(t, m.columns[colTodo])

	require.NoError(t, other.Update(ctx, func(tx *store.Txn) error {
		tx.Put(store.Task{ID: "p9", Name: "From elsewhere", Status: store.StatusTodo, Priority: store.PriorityLow})
		return nil
	}))

	next, _ := m.Update(tickMsg(time.Now()))
	m = next.(Model)
	require.Len(t, m.columns[colTodo], 1)
	assert.Equal(t, "p9", m.columns[colTodo][0].task.ID)
}
