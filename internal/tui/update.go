package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/weave/internal/store"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.blocking {
			return m.handleReasonKey(msg)
		}
		return m.handleKey(msg)

	case actionMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
		} else {
			m.setStatus(msg.text, false)
		}
		m.reload()
		return m, nil

	case tickMsg:
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		m.refresh()
		return m, tickCmd()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "q":
		if m.screen == screenBoard {
			m.quitting = true
			return m, tea.Quit
		}
		return m.goBack(), nil
	case "esc":
		return m.goBack(), nil
	case "R":
		if m.refresh() {
			m.setStatus("Refreshed", false)
		}
		return m, nil
	}

	switch m.screen {
	case screenBoard:
		return m.handleBoardKey(msg)
	case screenDetail:
		return m.handleDetailKey(msg)
	}
	return m, nil
}

func (m Model) goBack() Model {
	if m.screen == screenDetail {
		m.screen = screenBoard
		m.parent = nil
		m.subtasks = nil
	}
	return m
}

func (m Model) handleBoardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.cursorRow++
	case "k", "up":
		m.cursorRow--
	case "h", "left":
		m.cursorCol--
	case "l", "right":
		m.cursorCol++
	case "enter", " ":
		if c := m.selectedCard(); c != nil {
			m.parent = c
			m.subCursor = 0
			m.screen = screenDetail
			m.reload()
		}
		return m, nil
	}
	m.clampBoardCursor()
	return m, nil
}

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	t := m.selectedSubtask()
	switch msg.String() {
	case "j", "down":
		m.subCursor++
		m.clampSubCursor()
	case "k", "up":
		m.subCursor--
		m.clampSubCursor()

	case "d":
		if t == nil || t.Status == store.StatusDone {
			return m, nil
		}
		return m, m.completeCmd(*t)

	case "b":
		if t == nil || t.Status == store.StatusDone || t.Status == store.StatusBlocked {
			return m, nil
		}
		m.blocking = true
		m.reasonInput.Reset()
		m.reasonInput.Focus()
		return m, textinput.Blink

	case "u":
		if t == nil || t.Status != store.StatusBlocked {
			return m, nil
		}
		return m, m.resetCmd(*t)
	}
	return m, nil
}

func (m Model) handleReasonKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.blocking = false
		m.reasonInput.Blur()
		return m, nil
	case "enter":
		m.blocking = false
		m.reasonInput.Blur()
		reason := strings.TrimSpace(m.reasonInput.Value())
		if reason == "" {
			reason = "blocked from board"
		}
		if t := m.selectedSubtask(); t != nil {
			return m, m.blockCmd(*t, reason)
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.reasonInput, cmd = m.reasonInput.Update(msg)
	return m, cmd
}

// --- Commands ---

func (m Model) completeCmd(t store.Task) tea.Cmd {
	return func() tea.Msg {
		if err := m.assigner.CompleteSubtask(m.ctx, t.ID, ""); err != nil {
			return actionMsg{err: err}
		}
		m.changed(t.ParentTaskID)
		return actionMsg{text: fmt.Sprintf("%s done", t.ID)}
	}
}

func (m Model) blockCmd(t store.Task, reason string) tea.Cmd {
	return func() tea.Msg {
		if err := m.assigner.ReleaseSubtask(m.ctx, t.ID, reason); err != nil {
			return actionMsg{err: err}
		}
		m.changed(t.ParentTaskID)
		return actionMsg{text: fmt.Sprintf("%s blocked", t.ID)}
	}
}

func (m Model) resetCmd(t store.Task) tea.Cmd {
	return func() tea.Msg {
		none := ""
		if _, err := m.manager.UpdateSubtaskStatus(m.ctx, t.ID, store.StatusTodo, &none); err != nil {
			return actionMsg{err: err}
		}
		m.changed(t.ParentTaskID)
		return actionMsg{text: fmt.Sprintf("%s back to todo", t.ID)}
	}
}

func (m Model) changed(parentID string) {
	if m.onChange != nil {
		m.onChange(m.ctx, parentID)
	}
}
