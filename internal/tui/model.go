// Package tui is the interactive board: parent tasks as cards grouped by
// status, with a drill-down into each parent's subtasks.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/weave/internal/assign"
	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

// screen represents which screen the TUI is showing.
type screen int

const (
	screenBoard  screen = iota // Status columns of parent cards
	screenDetail               // Subtasks of one parent
)

const (
	colTodo = iota
	colInProgress
	colBlocked
	colDone
	numColumns
)

var columnStatuses = [numColumns]store.TaskStatus{
	store.StatusTodo,
	store.StatusInProgress,
	store.StatusBlocked,
	store.StatusDone,
}

var columnLabels = [numColumns]string{
	"TODO",
	"IN PROGRESS",
	"BLOCKED",
	"DONE",
}

// card is a parent task with its subtask rollup.
type card struct {
	task    store.Task
	total   int
	done    int
	blocked int
	pct     float64
}

// Model is the top-level bubbletea model.
type Model struct {
	ctx      context.Context
	manager  *subtask.Manager
	assigner *assign.Assigner
	onChange func(ctx context.Context, parentID string)

	width  int
	height int
	screen screen

	// Board state.
	columns   [numColumns][]card
	cursorCol int
	cursorRow int
	ready     int

	// Detail state.
	parent    *card
	subtasks  []store.Task
	subCursor int
	completed map[string]bool

	// Block reason popup.
	blocking    bool
	reasonInput textinput.Model

	bar progress.Model

	statusMsg  string
	statusErr  bool
	statusTime time.Time

	quitting bool
}

// Option configures a Model.
type Option func(*Model)

// WithOnChange registers fn to run after the board changes a parent's
// subtasks, e.g. to sync an external board.
func WithOnChange(fn func(ctx context.Context, parentID string)) Option {
	return func(m *Model) { m.onChange = fn }
}

// New creates the board model over m. Status changes go through a so that
// parent completion and progress propagation behave as for agents.
func New(ctx context.Context, m *subtask.Manager, a *assign.Assigner, opts ...Option) Model {
	ti := textinput.New()
	ti.Placeholder = "Why is it blocked?"
	ti.CharLimit = 200
	ti.Width = 50

	model := Model{
		ctx:         ctx,
		manager:     m,
		assigner:    a,
		reasonInput: ti,
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(20), progress.WithoutPercentage()),
	}
	for _, o := range opts {
		o(&model)
	}
	model.reload()
	return model
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// tickMsg triggers a periodic refresh.
type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// actionMsg reports the outcome of a status change.
type actionMsg struct {
	text string
	err  error
}

// reload rebuilds the columns and the open detail from the store.
// refresh picks up commits made by other weave processes, then reloads.
func (m *Model) refresh() bool {
	err := m.manager.Store().Refresh(m.ctx)
	if err != nil {
		m.setStatus("refresh: "+err.Error(), true)
	}
	m.reload()
	return err == nil
}

func (m *Model) reload() {
	var cols [numColumns][]card
	m.completed = m.manager.CompletedIDs()
	m.ready = 0
	for _, p := range m.manager.Store().Parents() {
		c := card{task: p}
		for _, s := range m.manager.GetSubtasks(p.ID) {
			c.total++
			switch s.Status {
			case store.StatusDone:
				c.done++
			case store.StatusBlocked:
				c.blocked++
			}
			if p.Status != store.StatusDone && subtask.Ready(s, m.completed) {
				m.ready++
			}
		}
		c.pct = m.manager.GetCompletionPercentage(p.ID)
		for i, st := range columnStatuses {
			if p.Status == st {
				cols[i] = append(cols[i], c)
				break
			}
		}
	}
	m.columns = cols
	m.clampBoardCursor()

	if m.parent != nil {
		id := m.parent.task.ID
		m.parent = nil
		for _, col := range m.columns {
			for i := range col {
				if col[i].task.ID == id {
					c := col[i]
					m.parent = &c
				}
			}
		}
		if m.parent == nil {
			m.screen = screenBoard
			m.subtasks = nil
			return
		}
		m.subtasks = m.manager.GetSubtasks(id)
		m.clampSubCursor()
	}
}

func (m *Model) clampBoardCursor() {
	m.cursorCol = min(max(m.cursorCol, 0), numColumns-1)
	n := len(m.columns[m.cursorCol])
	m.cursorRow = min(m.cursorRow, n-1)
	m.cursorRow = max(m.cursorRow, 0)
}

func (m *Model) clampSubCursor() {
	m.subCursor = min(m.subCursor, len(m.subtasks)-1)
	m.subCursor = max(m.subCursor, 0)
}

func (m Model) selectedCard() *card {
	col := m.columns[m.cursorCol]
	if m.cursorRow < 0 || m.cursorRow >= len(col) {
		return nil
	}
	c := col[m.cursorRow]
	return &c
}

func (m Model) selectedSubtask() *store.Task {
	if m.subCursor < 0 || m.subCursor >= len(m.subtasks) {
		return nil
	}
	t := m.subtasks[m.subCursor]
	return &t
}

func (m *Model) setStatus(text string, isErr bool) {
	m.statusMsg = text
	m.statusErr = isErr
	m.statusTime = time.Now()
}
